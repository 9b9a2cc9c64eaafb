package tool

import (
	"context"

	domaintool "github.com/choudhurynirjhar/sharpbot/internal/domain/tool"
	"github.com/choudhurynirjhar/sharpbot/internal/infrastructure/plugin"
)

// dynamicTool adapts a plugin-exported handler into a domaintool.Tool so
// plugin.ExtensionRegistry can register/unregister plugin tools against the
// same registry used for every built-in tool.
type dynamicTool struct {
	name        string
	description string
	schema      map[string]interface{}
	handler     func(args map[string]interface{}) (string, error)
}

func (t *dynamicTool) Name() string               { return t.name }
func (t *dynamicTool) Kind() domaintool.Kind       { return domaintool.KindExecute }
func (t *dynamicTool) Description() string         { return t.description }
func (t *dynamicTool) Schema() map[string]interface{} { return t.schema }

func (t *dynamicTool) Execute(_ context.Context, args map[string]interface{}) (*Result, error) {
	out, err := t.handler(args)
	if err != nil {
		return &Result{Success: false, Error: err.Error()}, nil
	}
	return &Result{Success: true, Output: out}, nil
}

// RegistryRegistrar adapts domaintool.Registry to plugin.ToolRegistrar so a
// loaded plugin's exported tools land in the same registry as every other
// tool in the tool layer.
type RegistryRegistrar struct {
	Registry domaintool.Registry
}

func (r RegistryRegistrar) RegisterDynamic(name, description string, schema map[string]interface{}, handler func(args map[string]interface{}) (string, error)) error {
	return r.Registry.Register(&dynamicTool{
		name:        name,
		description: description,
		schema:      schema,
		handler:     handler,
	})
}

func (r RegistryRegistrar) Unregister(name string) {
	_ = r.Registry.Unregister(name)
}

var _ plugin.ToolRegistrar = RegistryRegistrar{}

package tool

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSkill(t *testing.T, dir, name, doc string) {
	t.Helper()
	skillDir := filepath.Join(dir, name)
	if err := os.MkdirAll(skillDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(skillDir, "SKILL.md"), []byte(doc), 0644); err != nil {
		t.Fatalf("write SKILL.md: %v", err)
	}
}

type stubConfig struct{ values map[string]interface{} }

func (s *stubConfig) Lookup(path string) (interface{}, bool) {
	v, ok := s.values[path]
	return v, ok
}

func TestSkillLoader_TierPrecedence(t *testing.T) {
	workspace := t.TempDir()
	managed := t.TempDir()

	writeSkill(t, workspace, "notes", "---\nname: Notes (workspace)\ndescription: workspace copy\n---\nbody")
	writeSkill(t, managed, "notes", "---\nname: Notes (managed)\ndescription: managed copy\n---\nbody")

	loader := NewSkillLoader(workspace, managed, "", "", nil, nil)
	if err := loader.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	skill, ok := loader.Get("notes")
	if !ok {
		t.Fatal("expected notes skill to be found")
	}
	if skill.Name() != "Notes (workspace)" {
		t.Fatalf("expected workspace tier to win, got %q", skill.Name())
	}
}

func TestSkillLoader_BinRequirementGating(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "gitutil", "---\nname: gitutil\ndescription: git helper\nmetadata:\n  requires:\n    bins: [\"definitely-not-a-real-binary-xyz\"]\n---\nbody")

	loader := NewSkillLoader(dir, "", "", "", nil, nil)
	if err := loader.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	skill, ok := loader.Get("gitutil")
	if !ok {
		t.Fatal("expected skill to load")
	}
	if skill.Available() {
		t.Fatal("expected skill to be unavailable due to missing binary")
	}
	if skill.UnavailableReason() == "" {
		t.Fatal("expected a non-empty unavailable reason")
	}
}

func TestSkillLoader_EnvRequirementSatisfiedByAPIKey(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "search", "---\nname: search\ndescription: web search\nmetadata:\n  requires:\n    env: [\"SEARCH_API_KEY\"]\n---\nbody")
	os.Unsetenv("SEARCH_API_KEY")

	loader := NewSkillLoader(dir, "", "", "", nil, &stubAPIKeys{envVar: "SEARCH_API_KEY", configured: true})
	if err := loader.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	skill, _ := loader.Get("search")
	if !skill.Available() {
		t.Fatalf("expected configured api-key to satisfy env requirement, reason: %s", skill.UnavailableReason())
	}
}

type stubAPIKeys struct {
	envVar     string
	configured bool
}

func (s *stubAPIKeys) APIKeyEnvVar(skillID string) (string, bool) {
	return s.envVar, s.configured
}

func TestSkillLoader_ConfigRequirement(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "feature", "---\nname: feature\ndescription: gated feature\nmetadata:\n  requires:\n    config: [\"features.enabled\"]\n---\nbody")

	loader := NewSkillLoader(dir, "", "", "", &stubConfig{values: map[string]interface{}{"features.enabled": false}}, nil)
	loader.Scan()
	skill, _ := loader.Get("feature")
	if skill.Available() {
		t.Fatal("expected falsy config value to make skill unavailable")
	}
}

func TestSubstituteEnv(t *testing.T) {
	os.Setenv("SKILL_LOADER_TEST_VAR", "configured-value")
	defer os.Unsetenv("SKILL_LOADER_TEST_VAR")
	os.Unsetenv("SKILL_LOADER_TEST_MISSING")

	in := "token is {env:SKILL_LOADER_TEST_VAR}, missing is {env:SKILL_LOADER_TEST_MISSING}"
	out := SubstituteEnv(in)
	want := "token is configured-value, missing is [SKILL_LOADER_TEST_MISSING NOT SET]"
	if out != want {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestRenderSkillBlock_Sections(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "always-on", "---\nname: always-on\ndescription: pinned\nalways: true\n---\nfull content")
	writeSkill(t, dir, "on-demand", "---\nname: on-demand\ndescription: loadable\n---\nbody")
	writeSkill(t, dir, "blocked", "---\nname: blocked\ndescription: blocked one\nmetadata:\n  requires:\n    bins: [\"definitely-not-a-real-binary-xyz\"]\n---\nbody")

	loader := NewSkillLoader(dir, "", "", "", nil, nil)
	loader.Scan()
	block := RenderSkillBlock(loader.List())

	for _, want := range []string{"Active skills", "full content", "Available skills", "on-demand", "Unavailable skills", "blocked"} {
		if !strings.Contains(block, want) {
			t.Errorf("expected rendered block to contain %q, got:\n%s", want, block)
		}
	}
}

package tool

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/choudhurynirjhar/sharpbot/internal/domain/entity"
	"gopkg.in/yaml.v3"
)

// ConfigResolver looks up a dot-path in application config, the way a
// skill's `requires.config` entries are checked. Lookup follows the same
// truthiness rule as the rest of the gating contract: empty string, 0, and
// nil all resolve false.
type ConfigResolver interface {
	Lookup(path string) (value interface{}, found bool)
}

// ApiKeyResolver reports whether a skill has a configured API key (and its
// env var name) that can stand in for a missing `env` requirement — e.g. a
// "brave-search" skill's `BRAVE_API_KEY` requirement is satisfied by a
// configured Brave API key even if the raw env var isn't set.
type ApiKeyResolver interface {
	// Lookup returns the env var name a configured api-key for skillID
	// would populate, and whether one is configured.
	APIKeyEnvVar(skillID string) (envVar string, configured bool)
}

// skillFrontmatter is the YAML block delimited by a pair of `---` lines at
// the top of SKILL.md.
type skillFrontmatter struct {
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	Always      bool                   `yaml:"always"`
	PrimaryEnv  string                 `yaml:"primaryEnv"`
	OS          []string               `yaml:"os"`
	Metadata    map[string]interface{} `yaml:"metadata"`
}

type frontmatterRequires struct {
	Bins    []string `yaml:"bins"`
	AnyBins []string `yaml:"anyBins"`
	Env     []string `yaml:"env"`
	Config  []string `yaml:"config"`
}

// tierDir pairs a filesystem root with the tier skills discovered under it
// are tagged with.
type tierDir struct {
	path string
	tier entity.SkillTier
}

// SkillLoader discovers skills by scanning tiered directories, parses their
// frontmatter, and evaluates per-call availability gating (spec §4.4.2).
// The first tier to claim a name wins; lower tiers with the same name are
// suppressed entirely, not merged.
type SkillLoader struct {
	mu    sync.RWMutex
	dirs  []tierDir
	cache map[string]*entity.Skill // id -> skill, last scan

	config  ConfigResolver
	apiKeys ApiKeyResolver
}

// NewSkillLoader creates a loader over the given tier directories, scanned
// workspace > managed > builtin > extra.
func NewSkillLoader(workspaceDir, managedDir, builtinDir, extraDir string, config ConfigResolver, apiKeys ApiKeyResolver) *SkillLoader {
	return &SkillLoader{
		dirs: []tierDir{
			{workspaceDir, entity.SkillTierWorkspace},
			{managedDir, entity.SkillTierManaged},
			{builtinDir, entity.SkillTierBuiltin},
			{extraDir, entity.SkillTierExtra},
		},
		cache:   make(map[string]*entity.Skill),
		config:  config,
		apiKeys: apiKeys,
	}
}

// Scan rebuilds the skill set from disk. Call on startup and on explicit
// cache invalidation (spec: "discovered at startup and on cache
// invalidation").
func (l *SkillLoader) Scan() error {
	found := make(map[string]*entity.Skill)

	for _, dir := range l.dirs {
		if dir.path == "" {
			continue
		}
		entries, err := os.ReadDir(dir.path)
		if err != nil {
			continue // tier directory absent is not an error
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			id := strings.ToLower(e.Name())
			if _, claimed := found[id]; claimed {
				continue // a higher tier already claimed this name
			}
			skill, err := l.loadOne(filepath.Join(dir.path, e.Name()), dir.tier)
			if err != nil {
				continue // malformed skill directory is skipped, not fatal
			}
			found[id] = skill
		}
	}

	l.mu.Lock()
	l.cache = found
	l.mu.Unlock()
	return nil
}

func (l *SkillLoader) loadOne(dirPath string, tier entity.SkillTier) (*entity.Skill, error) {
	skillFile := filepath.Join(dirPath, "SKILL.md")
	raw, err := os.ReadFile(skillFile)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", skillFile, err)
	}

	fm, body, err := parseFrontmatter(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse frontmatter in %s: %w", skillFile, err)
	}

	id := strings.ToLower(filepath.Base(dirPath))
	name := fm.Name
	if name == "" {
		name = filepath.Base(dirPath)
	}

	requires := entity.SkillRequirements{OS: fm.OS}
	if raw, ok := fm.Metadata["requires"]; ok {
		if node, ok := raw.(map[string]interface{}); ok {
			if v, ok := node["bins"].([]interface{}); ok {
				requires.Bins = toStrings(v)
			}
			if v, ok := node["anyBins"].([]interface{}); ok {
				requires.AnyBins = toStrings(v)
			}
			if v, ok := node["env"].([]interface{}); ok {
				requires.Env = toStrings(v)
			}
			if v, ok := node["config"].([]interface{}); ok {
				requires.Config = toStrings(v)
			}
		}
	}

	return entity.ReconstructSkill(id, name, fm.Description, body, tier, fm.Always, requires, fm.PrimaryEnv, fm.Metadata), nil
}

func toStrings(in []interface{}) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

var frontmatterDelim = regexp.MustCompile(`(?s)^---\s*\n(.*?)\n---\s*\n?`)

// parseFrontmatter splits a SKILL.md document into its YAML frontmatter
// block and markdown body. A document with no frontmatter block yields an
// empty frontmatter and the whole document as body.
func parseFrontmatter(doc string) (skillFrontmatter, string, error) {
	var fm skillFrontmatter
	match := frontmatterDelim.FindStringSubmatch(doc)
	if match == nil {
		return fm, doc, nil
	}
	if err := yaml.Unmarshal([]byte(match[1]), &fm); err != nil {
		return fm, "", err
	}
	body := strings.TrimPrefix(doc, match[0])
	return fm, strings.TrimSpace(body), nil
}

// List returns every known skill with Available/UnavailableReason freshly
// re-evaluated against the current host state.
func (l *SkillLoader) List() []*entity.Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*entity.Skill, 0, len(l.cache))
	for _, s := range l.cache {
		l.evaluate(s)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Get returns one skill by case-insensitive name/id lookup, with
// availability freshly re-evaluated.
func (l *SkillLoader) Get(id string) (*entity.Skill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.cache[strings.ToLower(id)]
	if !ok {
		return nil, false
	}
	l.evaluate(s)
	return s, true
}

func (l *SkillLoader) evaluate(s *entity.Skill) {
	req := s.Requirements()

	if len(req.OS) > 0 && !osMatches(req.OS) {
		s.SetAvailability(false, fmt.Sprintf("unsupported on this OS (requires: %s)", strings.Join(req.OS, ", ")))
		return
	}

	for _, bin := range req.Bins {
		if !binOnPath(bin) {
			s.SetAvailability(false, fmt.Sprintf("missing required executable: %s", bin))
			return
		}
	}

	if len(req.AnyBins) > 0 {
		found := false
		for _, bin := range req.AnyBins {
			if binOnPath(bin) {
				found = true
				break
			}
		}
		if !found {
			s.SetAvailability(false, fmt.Sprintf("none of the required executables found: %s", strings.Join(req.AnyBins, ", ")))
			return
		}
	}

	for _, envVar := range req.Env {
		if os.Getenv(envVar) != "" {
			continue
		}
		if l.apiKeys != nil {
			if keyVar, configured := l.apiKeys.APIKeyEnvVar(s.ID()); configured && keyVar == envVar {
				continue
			}
		}
		s.SetAvailability(false, fmt.Sprintf("missing required environment variable: %s", envVar))
		return
	}

	if l.config != nil {
		for _, path := range req.Config {
			v, found := l.config.Lookup(path)
			if !found || !isTruthy(v) {
				s.SetAvailability(false, fmt.Sprintf("missing or falsy config: %s", path))
				return
			}
		}
	}

	s.SetAvailability(true, "")
}

func osMatches(tags []string) bool {
	host := runtime.GOOS
	if host == "windows" {
		host = "win32"
	}
	for _, tag := range tags {
		if tag == host {
			return true
		}
	}
	return false
}

func binOnPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func isTruthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case bool:
		return t
	default:
		return true
	}
}

var envPlaceholder = regexp.MustCompile(`\{env:([A-Za-z_][A-Za-z0-9_]*)\}`)

// SubstituteEnv replaces `{env:VAR}` placeholders in content with the
// current environment value, or `[VAR NOT SET]` when unset.
func SubstituteEnv(content string) string {
	return envPlaceholder.ReplaceAllStringFunc(content, func(m string) string {
		name := envPlaceholder.FindStringSubmatch(m)[1]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return fmt.Sprintf("[%s NOT SET]", name)
	})
}

// RenderSkillBlock builds the three-section skill presentation for the
// system prompt: active skills inlined in full, available skills as a
// name+description index the model must load_skill to expand, and
// unavailable skills with their reason so the agent can help remediate.
func RenderSkillBlock(skills []*entity.Skill) string {
	var active, available, unavailable []*entity.Skill
	for _, s := range skills {
		switch {
		case s.Always() && s.Available():
			active = append(active, s)
		case s.Available():
			available = append(available, s)
		default:
			unavailable = append(unavailable, s)
		}
	}

	var sb strings.Builder
	if len(active) > 0 {
		sb.WriteString("## Active skills\n\n")
		for _, s := range active {
			sb.WriteString(fmt.Sprintf("### %s\n%s\n\n", s.Name(), SubstituteEnv(s.Content())))
		}
	}
	if len(available) > 0 {
		sb.WriteString("## Available skills\n\n")
		for _, s := range available {
			sb.WriteString(fmt.Sprintf("- **%s**: %s\n", s.Name(), s.Description()))
		}
		sb.WriteString("\n")
	}
	if len(unavailable) > 0 {
		sb.WriteString("## Unavailable skills\n\n")
		for _, s := range unavailable {
			sb.WriteString(fmt.Sprintf("- **%s**: %s (%s)\n", s.Name(), s.Description(), s.UnavailableReason()))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

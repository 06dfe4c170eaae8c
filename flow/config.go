package flow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the workflow definition file.
type Config struct {
	Version       int                         `json:"version" yaml:"version"`
	Stages        []StageType                 `json:"stages,omitempty" yaml:"stages,omitempty"`
	Defaults      StageSettings               `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	StageDefaults map[StageType]StageSettings `json:"stage_defaults,omitempty" yaml:"stage_defaults,omitempty"`
	Workflows     []WorkflowDefinition        `json:"workflows" yaml:"workflows"`
}

// WorkflowDefinition names an ordered stage sequence plus per-stage overrides.
type WorkflowDefinition struct {
	Name     string                      `json:"name" yaml:"name"`
	Sequence []Step                      `json:"sequence" yaml:"sequence"`
	Settings map[StageType]StageSettings `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// UnmarshalYAML accepts a scalar token or a list of tokens (a parallel group).
func (s *Step) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*s = Step{value.Value}
		return nil
	case yaml.SequenceNode:
		var group []string
		if err := value.Decode(&group); err != nil {
			return err
		}
		*s = Step(group)
		return nil
	default:
		return fmt.Errorf("line %d: sequence step must be a token or a list of tokens", value.Line)
	}
}

// MarshalYAML writes linear steps as scalars.
func (s Step) MarshalYAML() (any, error) {
	if len(s) == 1 {
		return s[0], nil
	}
	return []string(s), nil
}

// DefaultConfig is used when no workflow file is configured.
func DefaultConfig() Config {
	return Config{
		Version: 1,
		Workflows: []WorkflowDefinition{
			{Name: "full", Sequence: []Step{{"OPT"}, {"SP"}, {"BAND", "DOSS"}, {"FREQ"}}},
			{Name: "opt_sp", Sequence: []Step{{"OPT"}, {"SP"}}},
			{Name: "electronic", Sequence: []Step{{"OPT"}, {"SP"}, {"BAND"}, {"DOSS"}}},
		},
	}
}

// ParseConfig decodes YAML (or JSON) with strict field checking and validates it.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, cloneFlowError(ErrInvalidConfig, "workflow configuration is empty", nil, nil)
		}
		return cfg, cloneFlowError(ErrInvalidConfig, "decode workflow configuration: "+err.Error(), err, nil)
	}
	return cfg, cfg.Validate()
}

// LoadConfig reads and parses a workflow file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read workflow configuration %s: %w", path, err)
	}
	return ParseConfig(data)
}

// Validate checks the configuration without building it.
func (c Config) Validate() error {
	_, err := NewCatalog(c)
	return err
}

// Workflow is a validated workflow definition.
type Workflow struct {
	Name     string
	Sequence Sequence
	Settings map[StageType]StageSettings
}

// Catalog holds every workflow of a configuration, ready for lookups.
type Catalog struct {
	vocab         Vocabulary
	defaults      StageSettings
	stageDefaults map[StageType]StageSettings
	workflows     map[string]Workflow
}

// NewCatalog validates cfg and builds the lookup structures.
func NewCatalog(cfg Config) (*Catalog, error) {
	if cfg.Version != 0 && cfg.Version != 1 {
		return nil, configError("unsupported configuration version %d", cfg.Version)
	}
	vocab, err := NewVocabulary(cfg.Stages...)
	if err != nil {
		return nil, err
	}
	if err := cfg.Defaults.Validate(); err != nil {
		return nil, configError("defaults: %v", err)
	}
	stageDefaults, err := stageSettingsMap(vocab, cfg.StageDefaults, "stage_defaults")
	if err != nil {
		return nil, err
	}
	if len(cfg.Workflows) == 0 {
		return nil, configError("at least one workflow is required")
	}

	catalog := &Catalog{
		vocab:         vocab,
		defaults:      cfg.Defaults,
		stageDefaults: stageDefaults,
		workflows:     make(map[string]Workflow, len(cfg.Workflows)),
	}
	for i, def := range cfg.Workflows {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return nil, configError("workflows[%d]: name required", i)
		}
		if _, dup := catalog.workflows[name]; dup {
			return nil, configError("duplicate workflow %q", name)
		}
		seq, err := NewSequence(vocab, def.Sequence)
		if err != nil {
			return nil, fmt.Errorf("workflow %s: %w", name, err)
		}
		overrides, err := stageSettingsMap(vocab, def.Settings, "workflow "+name+" settings")
		if err != nil {
			return nil, err
		}
		catalog.workflows[name] = Workflow{Name: name, Sequence: seq, Settings: overrides}
	}
	return catalog, nil
}

// Vocabulary returns the stage vocabulary the catalog was built with.
func (c *Catalog) Vocabulary() Vocabulary { return c.vocab }

// Workflow looks up a workflow by name.
func (c *Catalog) Workflow(name string) (Workflow, error) {
	wf, ok := c.workflows[strings.TrimSpace(name)]
	if !ok {
		return Workflow{}, notFound("workflow", name)
	}
	return wf, nil
}

// Names lists workflow names sorted.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.workflows))
	for name := range c.workflows {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SettingsFor merges builtin settings, config defaults, stage defaults, the
// material's own settings and the workflow's per-stage overrides, in that order.
func (c *Catalog) SettingsFor(wf Workflow, stage StageType, material *Material) StageSettings {
	stage = normalizeStage(stage)
	layers := []StageSettings{c.defaults, c.stageDefaults[stage]}
	if material != nil {
		layers = append(layers, material.Settings)
	}
	layers = append(layers, wf.Settings[stage])
	return BuiltinSettings.Merge(layers...)
}

func stageSettingsMap(vocab Vocabulary, in map[StageType]StageSettings, where string) (map[StageType]StageSettings, error) {
	out := make(map[StageType]StageSettings, len(in))
	for stage, settings := range in {
		key := normalizeStage(stage)
		if !vocab.Contains(key) {
			return nil, configError("%s: unknown stage %q", where, stage)
		}
		if err := settings.Validate(); err != nil {
			return nil, configError("%s.%s: %v", where, key, err)
		}
		out[key] = settings
	}
	return out, nil
}

func configError(format string, args ...any) error {
	return cloneFlowError(ErrInvalidConfig, fmt.Sprintf(format, args...), nil, nil)
}

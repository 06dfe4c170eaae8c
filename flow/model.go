package flow

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Status is the lifecycle state of one calculation attempt.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusSubmitted,
	StatusRunning,
	StatusCompleted,
	StatusFailed,
	StatusSkipped,
}

var validTransitions = map[Status][]Status{
	StatusPending:   {StatusSubmitted, StatusRunning, StatusFailed, StatusSkipped},
	StatusSubmitted: {StatusRunning, StatusCompleted, StatusFailed},
	StatusRunning:   {StatusCompleted, StatusFailed},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusSkipped:   {},
}

// ParseStatus normalizes a status name.
func ParseStatus(raw string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := validTransitions[st]; !ok {
		return "", cloneFlowError(ErrInvalidTransition, fmt.Sprintf("unknown status %q", raw), nil, nil)
	}
	return st, nil
}

// CanTransition reports whether from -> to moves forward along the lifecycle.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// IsInflight reports whether the calculation occupies the external scheduler.
func (s Status) IsInflight() bool {
	return s == StatusSubmitted || s == StatusRunning
}

// Material is one sample tracked through a workflow.
type Material struct {
	ID        string         `json:"id"`
	Formula   string         `json:"formula,omitempty"`
	Workflow  string         `json:"workflow"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Settings  StageSettings  `json:"settings,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Calculation is one external-job attempt at one stage for one material.
type Calculation struct {
	ID                string        `json:"id"`
	MaterialID        string        `json:"material_id"`
	Stage             StageType     `json:"stage"`
	Attempt           int           `json:"attempt"`
	Token             string        `json:"token,omitempty"`
	Status            Status        `json:"status"`
	WorkflowProcessed bool          `json:"workflow_processed"`
	Settings          StageSettings `json:"settings"`
	JobID             string        `json:"job_id,omitempty"`
	Error             string        `json:"error,omitempty"`
	Seq               int64         `json:"seq"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	SubmittedAt       *time.Time    `json:"submitted_at,omitempty"`
	StartedAt         *time.Time    `json:"started_at,omitempty"`
	FinishedAt        *time.Time    `json:"finished_at,omitempty"`
}

// StageSettings is the closed set of job settings handed to the external
// generation and submission step. Zero values mean "inherit".
type StageSettings struct {
	Walltime     time.Duration `json:"walltime,omitempty" yaml:"walltime,omitempty"`
	Nodes        int           `json:"nodes,omitempty" yaml:"nodes,omitempty"`
	Tasks        int           `json:"tasks,omitempty" yaml:"tasks,omitempty"`
	CPUsPerTask  int           `json:"cpus_per_task,omitempty" yaml:"cpus_per_task,omitempty"`
	MemoryPerCPU string        `json:"memory_per_cpu,omitempty" yaml:"memory_per_cpu,omitempty"`
	Account      string        `json:"account,omitempty" yaml:"account,omitempty"`
	Partition    string        `json:"partition,omitempty" yaml:"partition,omitempty"`
	Constraint   string        `json:"constraint,omitempty" yaml:"constraint,omitempty"`
	Modules      []string      `json:"modules,omitempty" yaml:"modules,omitempty"`
	Template     string        `json:"template,omitempty" yaml:"template,omitempty"`
}

// BuiltinSettings are the explicit defaults applied beneath any configuration.
var BuiltinSettings = StageSettings{
	Walltime:     24 * time.Hour,
	Nodes:        1,
	Tasks:        32,
	CPUsPerTask:  1,
	MemoryPerCPU: "4G",
}

var memoryPattern = regexp.MustCompile(`^[0-9]+[KMGT]?$`)

// Validate checks value ranges.
func (s StageSettings) Validate() error {
	switch {
	case s.Walltime < 0:
		return fmt.Errorf("walltime must be >= 0")
	case s.Nodes < 0:
		return fmt.Errorf("nodes must be >= 0")
	case s.Tasks < 0:
		return fmt.Errorf("tasks must be >= 0")
	case s.CPUsPerTask < 0:
		return fmt.Errorf("cpus_per_task must be >= 0")
	case s.MemoryPerCPU != "" && !memoryPattern.MatchString(strings.ToUpper(s.MemoryPerCPU)):
		return fmt.Errorf("memory_per_cpu %q must look like 4G or 4096M", s.MemoryPerCPU)
	}
	return nil
}

// Merge returns s with every non-zero field of overrides applied in order.
func (s StageSettings) Merge(overrides ...StageSettings) StageSettings {
	out := s
	out.Modules = append([]string(nil), s.Modules...)
	for _, o := range overrides {
		if o.Walltime > 0 {
			out.Walltime = o.Walltime
		}
		if o.Nodes > 0 {
			out.Nodes = o.Nodes
		}
		if o.Tasks > 0 {
			out.Tasks = o.Tasks
		}
		if o.CPUsPerTask > 0 {
			out.CPUsPerTask = o.CPUsPerTask
		}
		if o.MemoryPerCPU != "" {
			out.MemoryPerCPU = o.MemoryPerCPU
		}
		if o.Account != "" {
			out.Account = o.Account
		}
		if o.Partition != "" {
			out.Partition = o.Partition
		}
		if o.Constraint != "" {
			out.Constraint = o.Constraint
		}
		if len(o.Modules) > 0 {
			out.Modules = append([]string(nil), o.Modules...)
		}
		if o.Template != "" {
			out.Template = o.Template
		}
	}
	return out
}

func cloneMaterial(m *Material) *Material {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Metadata = copyMap(m.Metadata)
	cp.Settings = m.Settings.Merge()
	return &cp
}

func cloneCalculation(c *Calculation) *Calculation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Settings = c.Settings.Merge()
	cp.SubmittedAt = cloneTime(c.SubmittedAt)
	cp.StartedAt = cloneTime(c.StartedAt)
	cp.FinishedAt = cloneTime(c.FinishedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := *t
	return &ts
}

func copyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// applyStatus stamps the timestamps belonging to a status change.
func applyStatus(calc *Calculation, to Status, now time.Time) {
	calc.Status = to
	calc.UpdatedAt = now
	switch to {
	case StatusSubmitted:
		calc.SubmittedAt = &now
	case StatusRunning:
		calc.StartedAt = &now
	case StatusCompleted, StatusFailed, StatusSkipped:
		calc.FinishedAt = &now
	}
}

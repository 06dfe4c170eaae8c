package flow

import (
	"context"
	"fmt"
	"strings"
)

// CalculationFilter narrows calculation listings. Zero fields do not filter.
type CalculationFilter struct {
	MaterialID  string
	Stage       StageType
	Statuses    []Status
	Unprocessed bool
	Limit       int
}

func (f CalculationFilter) matches(c *Calculation) bool {
	if c == nil {
		return false
	}
	if f.MaterialID != "" && c.MaterialID != f.MaterialID {
		return false
	}
	if f.Stage != "" && c.Stage != normalizeStage(f.Stage) {
		return false
	}
	if f.Unprocessed && c.WorkflowProcessed {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if c.Status == st {
			return true
		}
	}
	return false
}

// Reader is the read side shared by stores and transactions. Missing records
// are reported as (nil, nil).
type Reader interface {
	GetMaterial(ctx context.Context, id string) (*Material, error)
	GetCalculation(ctx context.Context, id string) (*Calculation, error)
	// ListCalculations returns matches in insertion order.
	ListCalculations(ctx context.Context, filter CalculationFilter) ([]Calculation, error)
	// MaxAttempt returns the highest attempt index for (material, stage), 0 if none.
	MaxAttempt(ctx context.Context, materialID string, stage StageType) (int, error)
}

// Tx is the transactional store boundary. Everything written through one Tx
// commits or rolls back together.
type Tx interface {
	Reader
	// LockMaterial loads a material and holds it until the transaction ends so
	// concurrent progressions of one material serialize.
	LockMaterial(ctx context.Context, id string) (*Material, error)
	InsertMaterial(ctx context.Context, m *Material) error
	UpdateMaterial(ctx context.Context, m *Material) error
	// InsertCalculation fails with ErrAllocationConflict when the id or the
	// (material, stage, attempt) triple is taken. It assigns Seq.
	InsertCalculation(ctx context.Context, c *Calculation) error
	// UpdateCalculation writes c only while the stored status still equals expected.
	UpdateCalculation(ctx context.Context, c *Calculation, expected Status) error
	// MarkProcessed flips workflow_processed false->true; ErrNotReady if it was already set.
	MarkProcessed(ctx context.Context, calcID string) error
}

// Store is the durable mapping from material and calculation identity to state.
type Store interface {
	Reader
	CountByStatus(ctx context.Context) (map[Status]int, error)
	RunInTransaction(ctx context.Context, fn func(Tx) error) error
	Close() error
}

func validateMaterial(m *Material) error {
	if m == nil {
		return cloneFlowError(ErrInvalidConfig, "material required", nil, nil)
	}
	m.ID = strings.TrimSpace(m.ID)
	m.Workflow = strings.TrimSpace(m.Workflow)
	if m.ID == "" {
		return cloneFlowError(ErrInvalidConfig, "material id required", nil, nil)
	}
	if strings.ContainsAny(m.ID, " \t\n/") {
		return cloneFlowError(ErrInvalidConfig, fmt.Sprintf("material id %q contains whitespace or '/'", m.ID), nil, nil)
	}
	if m.Workflow == "" {
		return cloneFlowError(ErrInvalidConfig, "material workflow required", nil, map[string]any{"material_id": m.ID})
	}
	return nil
}

func validateCalculation(c *Calculation) error {
	if c == nil {
		return cloneFlowError(ErrInvalidConfig, "calculation required", nil, nil)
	}
	c.ID = strings.TrimSpace(c.ID)
	c.MaterialID = strings.TrimSpace(c.MaterialID)
	c.Stage = normalizeStage(c.Stage)
	if c.ID == "" || c.MaterialID == "" || c.Stage == "" {
		return cloneFlowError(ErrInvalidConfig, "calculation id, material and stage required", nil, nil)
	}
	if c.Attempt < 1 {
		return cloneFlowError(ErrInvalidConfig, fmt.Sprintf("calculation %s attempt must be >= 1", c.ID), nil, nil)
	}
	if c.Status == "" {
		c.Status = StatusPending
	}
	return nil
}

func allocationConflict(c *Calculation) error {
	return cloneFlowError(ErrAllocationConflict, fmt.Sprintf("calculation %s already exists", c.ID), nil, map[string]any{
		"calculation_id": c.ID,
		"material_id":    c.MaterialID,
		"stage":          string(c.Stage),
		"attempt":        c.Attempt,
	})
}

func staleStatus(id string, expected Status) error {
	return cloneFlowError(ErrInvalidTransition, fmt.Sprintf("calculation %s is no longer %s", id, expected), nil, map[string]any{
		"calculation_id": id,
		"expected":       string(expected),
	})
}

func alreadyProcessed(id string) error {
	return cloneFlowError(ErrNotReady, fmt.Sprintf("calculation %s already processed", id), nil, map[string]any{
		"calculation_id": id,
	})
}

package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/Lewis0770/reorganization-sub005/runner"
)

// DefaultAllocationAttempts bounds the re-read-and-increment loop of Allocate.
const DefaultAllocationAttempts = 8

// Identifier is the next free attempt for a (material, stage) pair.
type Identifier struct {
	Attempt int
	Suffix  string
}

// CalculationID renders the identifier for a material and stage.
func (id Identifier) CalculationID(materialID string, stage StageType) string {
	return CalculationID(materialID, stage, id.Attempt)
}

// Allocator hands out dense attempt indices per (material, stage).
type Allocator struct {
	store       Reader
	maxAttempts int
	strategy    runner.RetryStrategy
}

// AllocatorOption customizes an Allocator.
type AllocatorOption func(*Allocator)

// WithAllocationAttempts sets how many inserts Allocate tries before giving up.
func WithAllocationAttempts(n int) AllocatorOption {
	return func(a *Allocator) {
		if n > 0 {
			a.maxAttempts = n
		}
	}
}

// WithAllocationBackoff sets the delay strategy between conflicting inserts.
func WithAllocationBackoff(strategy runner.RetryStrategy) AllocatorOption {
	return func(a *Allocator) {
		if strategy != nil {
			a.strategy = strategy
		}
	}
}

// NewAllocator builds an allocator reading from store.
func NewAllocator(store Reader, opts ...AllocatorOption) *Allocator {
	a := &Allocator{
		store:       store,
		maxAttempts: DefaultAllocationAttempts,
		strategy:    runner.NoDelayStrategy{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Next peeks at the identifier the next allocation would use. It reserves nothing.
func (a *Allocator) Next(ctx context.Context, materialID string, stage StageType) (Identifier, error) {
	if a == nil || a.store == nil {
		return Identifier{}, fmt.Errorf("allocator not configured")
	}
	max, err := a.store.MaxAttempt(ctx, materialID, stage)
	if err != nil {
		return Identifier{}, err
	}
	return Identifier{Attempt: max + 1, Suffix: AttemptSuffix(max + 1)}, nil
}

// Allocate reserves the next attempt for calc.MaterialID and calc.Stage inside
// tx and inserts calc with the resulting ID and Attempt. A lost race re-reads
// the maximum and tries the following index.
func (a *Allocator) Allocate(ctx context.Context, tx Tx, calc Calculation) (Calculation, error) {
	if tx == nil {
		return Calculation{}, fmt.Errorf("allocate requires a transaction")
	}
	calc.MaterialID = strings.TrimSpace(calc.MaterialID)
	calc.Stage = normalizeStage(calc.Stage)
	if calc.Status == "" {
		calc.Status = StatusPending
	}

	maxAttempts, strategy := DefaultAllocationAttempts, runner.RetryStrategy(runner.NoDelayStrategy{})
	if a != nil {
		maxAttempts, strategy = a.maxAttempts, a.strategy
	}

	floor := 1
	var allocated Calculation
	err := runner.Retry(ctx, maxAttempts, strategy, IsAllocationConflict, func(ctx context.Context, _ int) error {
		max, err := tx.MaxAttempt(ctx, calc.MaterialID, calc.Stage)
		if err != nil {
			return err
		}
		attempt := max + 1
		if attempt < floor {
			attempt = floor
		}
		candidate := calc
		candidate.Attempt = attempt
		candidate.ID = CalculationID(calc.MaterialID, calc.Stage, attempt)
		if err := tx.InsertCalculation(ctx, &candidate); err != nil {
			floor = attempt + 1
			return err
		}
		allocated = candidate
		return nil
	})
	if err != nil {
		if IsAllocationConflict(err) {
			return Calculation{}, cloneFlowError(ErrAllocationConflict,
				fmt.Sprintf("could not allocate %s for %s after %d attempts", calc.Stage, calc.MaterialID, maxAttempts),
				err, map[string]any{"material_id": calc.MaterialID, "stage": string(calc.Stage)})
		}
		return Calculation{}, err
	}
	return allocated, nil
}

package flow

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Engine advances materials through their workflows. It keeps no state between
// calls: everything it knows is read from the Store on each invocation.
type Engine struct {
	store     Store
	catalog   *Catalog
	allocator *Allocator
	logger    Logger
	now       func() time.Time
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the time source used for status timestamps.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithAllocatorOptions configures the engine's identifier allocator.
func WithAllocatorOptions(opts ...AllocatorOption) EngineOption {
	return func(e *Engine) {
		e.allocator = NewAllocator(e.store, opts...)
	}
}

// NewEngine wires an engine over store and catalog.
func NewEngine(store Store, catalog *Catalog, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("engine requires a store")
	}
	if catalog == nil {
		return nil, fmt.Errorf("engine requires a workflow catalog")
	}
	e := &Engine{
		store:   store,
		catalog: catalog,
		now:     func() time.Time { return time.Now().UTC() },
	}
	e.allocator = NewAllocator(store)
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.logger = normalizeLogger(e.logger)
	return e, nil
}

// Store exposes the engine's store handle.
func (e *Engine) Store() Store { return e.store }

// Catalog exposes the workflow catalog.
func (e *Engine) Catalog() *Catalog { return e.catalog }

// Allocator exposes the identifier allocator.
func (e *Engine) Allocator() *Allocator { return e.allocator }

// ExecuteWorkflowStep reacts to the completion of calcID: it creates the
// pending calculations of the next workflow step and marks calcID processed,
// both in one transaction. It returns the new calculation ids in sequence order.
//
// ErrNotReady (with an empty list) means there is nothing to do: the
// calculation is not completed, or another invocation already processed it.
func (e *Engine) ExecuteWorkflowStep(ctx context.Context, materialID, calcID string) ([]string, error) {
	materialID = strings.TrimSpace(materialID)
	calcID = strings.TrimSpace(calcID)
	log := withLoggerFields(e.logger.WithContext(ctx), map[string]any{
		"material_id":    materialID,
		"calculation_id": calcID,
	})

	var created []string
	err := e.store.RunInTransaction(ctx, func(tx Tx) error {
		created = nil
		material, err := tx.LockMaterial(ctx, materialID)
		if err != nil {
			return err
		}
		if material == nil {
			return notFound("material", materialID)
		}
		calc, err := tx.GetCalculation(ctx, calcID)
		if err != nil {
			return err
		}
		if calc == nil || calc.MaterialID != material.ID {
			return notFound("calculation", calcID)
		}
		if calc.Status != StatusCompleted {
			return notReady(calc, fmt.Sprintf("calculation %s is %s", calc.ID, calc.Status))
		}
		if calc.WorkflowProcessed {
			return notReady(calc, fmt.Sprintf("calculation %s already processed", calc.ID))
		}

		wf, err := e.catalog.Workflow(material.Workflow)
		if err != nil {
			return err
		}
		pos, err := wf.Sequence.Locate(e.catalog.Vocabulary(), calc.Stage, calc.Attempt, calc.Token)
		if err != nil {
			return err
		}

		created, err = e.spawnSuccessors(ctx, tx, wf, material, pos, log)
		if err != nil {
			return err
		}
		return tx.MarkProcessed(ctx, calc.ID)
	})
	if err != nil {
		if IsNotReady(err) {
			log.Debug("nothing to do: %v", err)
		}
		return []string{}, err
	}
	if created == nil {
		created = []string{}
	}
	if len(created) > 0 {
		log.Info("spawned %d calculation(s): %s", len(created), strings.Join(created, ", "))
	} else {
		log.Debug("marked processed without successors")
	}
	return created, nil
}

// ScanReport aggregates one ProcessCompletedCalculations pass.
type ScanReport struct {
	Processed       int
	Skipped         int
	Spawned         int
	NewCalculations []string
	Errors          map[string][]error
}

// Count returns the number of calculations created by the pass.
func (r ScanReport) Count() int { return r.Spawned }

func (r *ScanReport) addError(materialID string, err error) {
	if r.Errors == nil {
		r.Errors = make(map[string][]error)
	}
	r.Errors[materialID] = append(r.Errors[materialID], err)
}

// ErrorCount returns the number of collected per-material errors.
func (r ScanReport) ErrorCount() int {
	n := 0
	for _, errs := range r.Errors {
		n += len(errs)
	}
	return n
}

// ProcessCompletedCalculations runs ExecuteWorkflowStep for every completed,
// unprocessed calculation. A failing material never stops the pass; its error is
// collected in the report.
func (e *Engine) ProcessCompletedCalculations(ctx context.Context) (ScanReport, error) {
	report := ScanReport{NewCalculations: []string{}}
	pending, err := e.store.ListCalculations(ctx, CalculationFilter{
		Statuses:    []Status{StatusCompleted},
		Unprocessed: true,
	})
	if err != nil {
		return report, err
	}
	log := e.logger.WithContext(ctx)
	for _, calc := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		created, err := e.ExecuteWorkflowStep(ctx, calc.MaterialID, calc.ID)
		switch {
		case err == nil:
			report.Processed++
			report.Spawned += len(created)
			report.NewCalculations = append(report.NewCalculations, created...)
		case IsNotReady(err):
			report.Skipped++
		case IsInvalidToken(err):
			log.Warn("skipping %s: %v", calc.ID, err)
			report.addError(calc.MaterialID, err)
		default:
			log.Error("workflow step for %s failed: %v", calc.ID, err)
			report.addError(calc.MaterialID, err)
		}
	}
	if report.Processed > 0 || report.ErrorCount() > 0 {
		log.Info("scan processed %d calculation(s), spawned %d, %d error(s)", report.Processed, report.Spawned, report.ErrorCount())
	}
	return report, nil
}

// AddMaterial registers a material and creates the pending calculations of the
// first step of its workflow.
func (e *Engine) AddMaterial(ctx context.Context, m Material) ([]string, error) {
	wf, err := e.catalog.Workflow(m.Workflow)
	if err != nil {
		return nil, err
	}
	if err := m.Settings.Validate(); err != nil {
		return nil, cloneFlowError(ErrInvalidConfig, fmt.Sprintf("material %s settings: %v", m.ID, err), err, nil)
	}
	var created []string
	err = e.store.RunInTransaction(ctx, func(tx Tx) error {
		created = nil
		material := m
		material.Workflow = wf.Name
		if err := tx.InsertMaterial(ctx, &material); err != nil {
			return err
		}
		for _, tok := range wf.Sequence.First() {
			c, err := e.allocator.Allocate(ctx, tx, Calculation{
				MaterialID: material.ID,
				Stage:      tok.Stage,
				Token:      tok.String(),
				Status:     StatusPending,
				Settings:   e.catalog.SettingsFor(wf, tok.Stage, &material),
			})
			if err != nil {
				return err
			}
			created = append(created, c.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	withLoggerFields(e.logger.WithContext(ctx), map[string]any{"material_id": m.ID}).
		Info("added material with workflow %s: %s", wf.Name, strings.Join(created, ", "))
	return created, nil
}

// MaterialUpdate carries the mutable fields of a material. Nil fields are left unchanged.
type MaterialUpdate struct {
	Formula  *string
	Metadata map[string]any
	Settings *StageSettings
}

// UpdateMaterial changes a material's formula, metadata or base settings.
func (e *Engine) UpdateMaterial(ctx context.Context, id string, update MaterialUpdate) (*Material, error) {
	if update.Settings != nil {
		if err := update.Settings.Validate(); err != nil {
			return nil, cloneFlowError(ErrInvalidConfig, fmt.Sprintf("material %s settings: %v", id, err), err, nil)
		}
	}
	var out *Material
	err := e.store.RunInTransaction(ctx, func(tx Tx) error {
		m, err := tx.LockMaterial(ctx, id)
		if err != nil {
			return err
		}
		if m == nil {
			return notFound("material", id)
		}
		if update.Formula != nil {
			m.Formula = *update.Formula
		}
		if update.Metadata != nil {
			m.Metadata = mergeFields(m.Metadata, update.Metadata)
		}
		if update.Settings != nil {
			m.Settings = *update.Settings
		}
		if err := tx.UpdateMaterial(ctx, m); err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

// StatusUpdate carries optional details recorded alongside a status change.
type StatusUpdate struct {
	JobID string
	Error string
}

// SetStatus moves a calculation forward along its lifecycle. Setting the
// status it already has is a no-op.
func (e *Engine) SetStatus(ctx context.Context, calcID string, to Status, update StatusUpdate) (*Calculation, error) {
	to, err := ParseStatus(string(to))
	if err != nil {
		return nil, err
	}
	var out *Calculation
	err = e.store.RunInTransaction(ctx, func(tx Tx) error {
		calc, err := tx.GetCalculation(ctx, calcID)
		if err != nil {
			return err
		}
		if calc == nil {
			return notFound("calculation", calcID)
		}
		if calc.Status == to {
			out = calc
			return nil
		}
		if !CanTransition(calc.Status, to) {
			return cloneFlowError(ErrInvalidTransition,
				fmt.Sprintf("calculation %s cannot move from %s to %s", calc.ID, calc.Status, to), nil,
				map[string]any{"calculation_id": calc.ID, "from": string(calc.Status), "to": string(to)})
		}
		from := calc.Status
		applyStatus(calc, to, e.now())
		if update.JobID != "" {
			calc.JobID = update.JobID
		}
		if update.Error != "" {
			calc.Error = update.Error
		}
		if err := tx.UpdateCalculation(ctx, calc, from); err != nil {
			return err
		}
		out = calc
		return nil
	})
	if err != nil {
		return nil, err
	}
	withLoggerFields(e.logger.WithContext(ctx), map[string]any{
		"material_id":    out.MaterialID,
		"calculation_id": out.ID,
	}).Debug("status %s", out.Status)
	return out, nil
}

// MarkSubmitted records that the caller handed calcID to the scheduler as jobID.
func (e *Engine) MarkSubmitted(ctx context.Context, calcID, jobID string) (*Calculation, error) {
	return e.SetStatus(ctx, calcID, StatusSubmitted, StatusUpdate{JobID: jobID})
}

// Skip marks a pending calculation as not to be run. A skipped member of a
// parallel group no longer holds the group back: when the other members are
// already settled, the next step is spawned in the same transaction.
func (e *Engine) Skip(ctx context.Context, calcID string) (*Calculation, error) {
	var (
		out     *Calculation
		created []string
	)
	log := withLoggerFields(e.logger.WithContext(ctx), map[string]any{"calculation_id": calcID})
	err := e.store.RunInTransaction(ctx, func(tx Tx) error {
		created = nil
		calc, err := tx.GetCalculation(ctx, calcID)
		if err != nil {
			return err
		}
		if calc == nil {
			return notFound("calculation", calcID)
		}
		material, err := tx.LockMaterial(ctx, calc.MaterialID)
		if err != nil {
			return err
		}
		if material == nil {
			return notFound("material", calc.MaterialID)
		}
		if calc, err = tx.GetCalculation(ctx, calcID); err != nil {
			return err
		}
		if calc.Status == StatusSkipped {
			out = calc
			return nil
		}
		if !CanTransition(calc.Status, StatusSkipped) {
			return cloneFlowError(ErrInvalidTransition,
				fmt.Sprintf("calculation %s cannot move from %s to %s", calc.ID, calc.Status, StatusSkipped), nil,
				map[string]any{"calculation_id": calc.ID, "from": string(calc.Status), "to": string(StatusSkipped)})
		}
		from := calc.Status
		applyStatus(calc, StatusSkipped, e.now())
		if err := tx.UpdateCalculation(ctx, calc, from); err != nil {
			return err
		}
		out = calc

		wf, err := e.catalog.Workflow(material.Workflow)
		if err != nil {
			return err
		}
		pos, err := wf.Sequence.Locate(e.catalog.Vocabulary(), calc.Stage, calc.Attempt, calc.Token)
		if err != nil {
			log.Warn("skipped %s outside its workflow sequence: %v", calc.ID, err)
			return nil
		}
		if len(wf.Sequence.LevelTokens(wf.Sequence.Level(pos))) <= 1 {
			return nil
		}
		created, err = e.spawnSuccessors(ctx, tx, wf, material, pos, log)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(created) > 0 {
		log.Info("skip of %s released parallel group, spawned %s", calcID, strings.Join(created, ", "))
	}
	return out, nil
}

// Retry creates the next attempt of a failed calculation's stage at the same
// workflow position. Retrying an already retried calculation returns the
// existing follow-up attempt.
func (e *Engine) Retry(ctx context.Context, calcID string) (*Calculation, error) {
	var out *Calculation
	err := e.store.RunInTransaction(ctx, func(tx Tx) error {
		calc, err := tx.GetCalculation(ctx, calcID)
		if err != nil {
			return err
		}
		if calc == nil {
			return notFound("calculation", calcID)
		}
		material, err := tx.LockMaterial(ctx, calc.MaterialID)
		if err != nil {
			return err
		}
		if material == nil {
			return notFound("material", calc.MaterialID)
		}
		if calc.Status != StatusFailed {
			return cloneFlowError(ErrInvalidTransition,
				fmt.Sprintf("only failed calculations can be retried, %s is %s", calc.ID, calc.Status), nil,
				map[string]any{"calculation_id": calc.ID})
		}
		wf, err := e.catalog.Workflow(material.Workflow)
		if err != nil {
			return err
		}
		pos, err := wf.Sequence.Locate(e.catalog.Vocabulary(), calc.Stage, calc.Attempt, calc.Token)
		if err != nil {
			return err
		}
		tok, _ := wf.Sequence.At(pos)

		later, err := tx.ListCalculations(ctx, CalculationFilter{MaterialID: material.ID, Stage: calc.Stage})
		if err != nil {
			return err
		}
		for i := range later {
			if later[i].Attempt > calc.Attempt && later[i].Token == tok.String() {
				out = &later[i]
				return nil
			}
		}

		next, err := e.allocator.Allocate(ctx, tx, Calculation{
			MaterialID: material.ID,
			Stage:      calc.Stage,
			Token:      tok.String(),
			Status:     StatusPending,
			Settings:   e.catalog.SettingsFor(wf, calc.Stage, material),
		})
		if err != nil {
			return err
		}
		out = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	withLoggerFields(e.logger.WithContext(ctx), map[string]any{
		"material_id":    out.MaterialID,
		"calculation_id": calcID,
	}).Info("retry of %s is %s", calcID, out.ID)
	return out, nil
}

// StatusSource reports the scheduler-side status of a calculation.
type StatusSource interface {
	Status(ctx context.Context, calcID string) (Status, error)
}

// StatusSourceFunc adapts a function to StatusSource.
type StatusSourceFunc func(ctx context.Context, calcID string) (Status, error)

func (f StatusSourceFunc) Status(ctx context.Context, calcID string) (Status, error) {
	return f(ctx, calcID)
}

// SyncReport lists the changes one SyncStatuses pass applied.
type SyncReport struct {
	Checked int
	Changed map[string]Status
	Errors  map[string]error
}

// SyncStatuses polls src for every submitted or running calculation and applies
// forward transitions. Sources reporting an unreachable status are ignored.
func (e *Engine) SyncStatuses(ctx context.Context, src StatusSource) (SyncReport, error) {
	report := SyncReport{Changed: map[string]Status{}, Errors: map[string]error{}}
	if src == nil {
		return report, fmt.Errorf("status source required")
	}
	inflight, err := e.store.ListCalculations(ctx, CalculationFilter{Statuses: []Status{StatusSubmitted, StatusRunning}})
	if err != nil {
		return report, err
	}
	log := e.logger.WithContext(ctx)
	for _, calc := range inflight {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		st, err := src.Status(ctx, calc.ID)
		if err != nil {
			report.Errors[calc.ID] = err
			continue
		}
		if st == calc.Status || !CanTransition(calc.Status, st) {
			continue
		}
		if _, err := e.SetStatus(ctx, calc.ID, st, StatusUpdate{}); err != nil {
			if IsInvalidTransition(err) {
				log.Debug("status of %s changed concurrently: %v", calc.ID, err)
				continue
			}
			report.Errors[calc.ID] = err
			continue
		}
		report.Changed[calc.ID] = st
	}
	return report, nil
}

// GetMaterial returns a material or ErrNotFound.
func (e *Engine) GetMaterial(ctx context.Context, id string) (*Material, error) {
	m, err := e.store.GetMaterial(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, notFound("material", id)
	}
	return m, nil
}

// GetCalculation returns a calculation or ErrNotFound.
func (e *Engine) GetCalculation(ctx context.Context, id string) (*Calculation, error) {
	c, err := e.store.GetCalculation(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, notFound("calculation", id)
	}
	return c, nil
}

// GetCalculationsByStatus lists calculations in a status, oldest first.
func (e *Engine) GetCalculationsByStatus(ctx context.Context, status Status) ([]Calculation, error) {
	return e.store.ListCalculations(ctx, CalculationFilter{Statuses: []Status{status}})
}

// ListCalculations lists a material's calculations, oldest first.
func (e *Engine) ListCalculations(ctx context.Context, materialID string) ([]Calculation, error) {
	return e.store.ListCalculations(ctx, CalculationFilter{MaterialID: materialID})
}

// Summary counts calculations per status; every status is present.
func (e *Engine) Summary(ctx context.Context) (map[Status]int, error) {
	counts, err := e.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[Status]int, len(AllStatuses))
	for _, st := range AllStatuses {
		out[st] = counts[st]
	}
	return out, nil
}

// spawnSuccessors allocates the pending calculations of the step after pos once
// its step is joined. Tokens that already have a calculation are not spawned again.
func (e *Engine) spawnSuccessors(ctx context.Context, tx Tx, wf Workflow, material *Material, pos int, log Logger) ([]string, error) {
	next := NextStages(wf.Sequence, pos)
	if len(next) == 0 {
		return nil, nil
	}
	existing, err := tx.ListCalculations(ctx, CalculationFilter{MaterialID: material.ID})
	if err != nil {
		return nil, err
	}
	index := e.indexByToken(wf.Sequence, existing)
	if !joined(wf.Sequence, pos, index) {
		log.Debug("waiting for the rest of parallel group %d before continuing", wf.Sequence.Level(pos))
		return nil, nil
	}
	var created []string
	for _, tok := range next {
		if len(index[tok.String()]) > 0 {
			log.Debug("next token %s already has a calculation, not spawning again", tok)
			continue
		}
		c, err := e.allocator.Allocate(ctx, tx, Calculation{
			MaterialID: material.ID,
			Stage:      tok.Stage,
			Token:      tok.String(),
			Status:     StatusPending,
			Settings:   e.catalog.SettingsFor(wf, tok.Stage, material),
		})
		if err != nil {
			return nil, err
		}
		created = append(created, c.ID)
	}
	return created, nil
}

// indexByToken groups a material's calculations by the workflow token they
// realise. Calculations that cannot be placed in seq are left out.
func (e *Engine) indexByToken(seq Sequence, calcs []Calculation) map[string][]Calculation {
	index := make(map[string][]Calculation, len(calcs))
	for _, c := range calcs {
		pos, err := seq.Locate(e.catalog.Vocabulary(), c.Stage, c.Attempt, c.Token)
		if err != nil {
			continue
		}
		tok, _ := seq.At(pos)
		index[tok.String()] = append(index[tok.String()], c)
	}
	return index
}

// joined reports whether the step holding pos is finished: every token of a
// parallel group has a completed or skipped calculation, and at least one of
// them completed. A linear step is always joined.
func joined(seq Sequence, pos int, index map[string][]Calculation) bool {
	group := seq.LevelTokens(seq.Level(pos))
	if len(group) <= 1 {
		return true
	}
	anyCompleted := false
	for _, tok := range group {
		settled := false
		for _, c := range index[tok.String()] {
			switch c.Status {
			case StatusCompleted:
				anyCompleted = true
				settled = true
			case StatusSkipped:
				settled = true
			}
		}
		if !settled {
			return false
		}
	}
	return anyCompleted
}

func notReady(calc *Calculation, message string) error {
	return cloneFlowError(ErrNotReady, message, nil, map[string]any{
		"calculation_id": calc.ID,
		"material_id":    calc.MaterialID,
		"status":         string(calc.Status),
	})
}

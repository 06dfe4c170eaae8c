package flow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemoryStore is a thread-safe in-memory Store. Transactions run against a
// cloned snapshot and swap it in on success.
type InMemoryStore struct {
	mu        sync.RWMutex
	materials map[string]*Material
	calcs     map[string]*Calculation
	seq       int64
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		materials: make(map[string]*Material),
		calcs:     make(map[string]*Calculation),
	}
}

func (s *InMemoryStore) GetMaterial(_ context.Context, id string) (*Material, error) {
	if s == nil {
		return nil, errors.New("in-memory store not configured")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMaterial(s.materials[strings.TrimSpace(id)]), nil
}

func (s *InMemoryStore) GetCalculation(_ context.Context, id string) (*Calculation, error) {
	if s == nil {
		return nil, errors.New("in-memory store not configured")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneCalculation(s.calcs[strings.TrimSpace(id)]), nil
}

func (s *InMemoryStore) ListCalculations(_ context.Context, filter CalculationFilter) ([]Calculation, error) {
	if s == nil {
		return nil, errors.New("in-memory store not configured")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listCalculations(s.calcs, filter), nil
}

func (s *InMemoryStore) MaxAttempt(_ context.Context, materialID string, stage StageType) (int, error) {
	if s == nil {
		return 0, errors.New("in-memory store not configured")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maxAttempt(s.calcs, materialID, stage), nil
}

func (s *InMemoryStore) CountByStatus(_ context.Context) (map[Status]int, error) {
	if s == nil {
		return nil, errors.New("in-memory store not configured")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Status]int)
	for _, c := range s.calcs {
		out[c.Status]++
	}
	return out, nil
}

// RunInTransaction applies mutations atomically with rollback on error.
func (s *InMemoryStore) RunInTransaction(ctx context.Context, fn func(Tx) error) error {
	if s == nil {
		return errors.New("in-memory store not configured")
	}
	if fn == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &inMemoryTx{
		materials: make(map[string]*Material, len(s.materials)),
		calcs:     make(map[string]*Calculation, len(s.calcs)),
		seq:       s.seq,
	}
	for k, v := range s.materials {
		tx.materials[k] = cloneMaterial(v)
	}
	for k, v := range s.calcs {
		tx.calcs[k] = cloneCalculation(v)
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.materials = tx.materials
	s.calcs = tx.calcs
	s.seq = tx.seq
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

type inMemoryTx struct {
	materials map[string]*Material
	calcs     map[string]*Calculation
	seq       int64
}

func (tx *inMemoryTx) GetMaterial(_ context.Context, id string) (*Material, error) {
	return cloneMaterial(tx.materials[strings.TrimSpace(id)]), nil
}

// LockMaterial needs no extra locking: the store mutex is held for the whole transaction.
func (tx *inMemoryTx) LockMaterial(ctx context.Context, id string) (*Material, error) {
	return tx.GetMaterial(ctx, id)
}

func (tx *inMemoryTx) GetCalculation(_ context.Context, id string) (*Calculation, error) {
	return cloneCalculation(tx.calcs[strings.TrimSpace(id)]), nil
}

func (tx *inMemoryTx) ListCalculations(_ context.Context, filter CalculationFilter) ([]Calculation, error) {
	return listCalculations(tx.calcs, filter), nil
}

func (tx *inMemoryTx) MaxAttempt(_ context.Context, materialID string, stage StageType) (int, error) {
	return maxAttempt(tx.calcs, materialID, stage), nil
}

func (tx *inMemoryTx) InsertMaterial(_ context.Context, m *Material) error {
	if err := validateMaterial(m); err != nil {
		return err
	}
	if _, exists := tx.materials[m.ID]; exists {
		return cloneFlowError(ErrMaterialExists, fmt.Sprintf("material %s already exists", m.ID), nil, map[string]any{"material_id": m.ID})
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	tx.materials[m.ID] = cloneMaterial(m)
	return nil
}

func (tx *inMemoryTx) UpdateMaterial(_ context.Context, m *Material) error {
	if err := validateMaterial(m); err != nil {
		return err
	}
	current, ok := tx.materials[m.ID]
	if !ok {
		return notFound("material", m.ID)
	}
	m.CreatedAt = current.CreatedAt
	m.UpdatedAt = time.Now().UTC()
	tx.materials[m.ID] = cloneMaterial(m)
	return nil
}

func (tx *inMemoryTx) InsertCalculation(_ context.Context, c *Calculation) error {
	if err := validateCalculation(c); err != nil {
		return err
	}
	if _, exists := tx.calcs[c.ID]; exists {
		return allocationConflict(c)
	}
	for _, existing := range tx.calcs {
		if existing.MaterialID == c.MaterialID && existing.Stage == c.Stage && existing.Attempt == c.Attempt {
			return allocationConflict(c)
		}
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	tx.seq++
	c.Seq = tx.seq
	tx.calcs[c.ID] = cloneCalculation(c)
	return nil
}

func (tx *inMemoryTx) UpdateCalculation(_ context.Context, c *Calculation, expected Status) error {
	if c == nil {
		return errors.New("calculation required")
	}
	current, ok := tx.calcs[c.ID]
	if !ok {
		return notFound("calculation", c.ID)
	}
	if current.Status != expected {
		return staleStatus(c.ID, expected)
	}
	next := cloneCalculation(c)
	next.Seq = current.Seq
	next.CreatedAt = current.CreatedAt
	next.WorkflowProcessed = current.WorkflowProcessed || c.WorkflowProcessed
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	tx.calcs[c.ID] = next
	return nil
}

func (tx *inMemoryTx) MarkProcessed(_ context.Context, calcID string) error {
	current, ok := tx.calcs[strings.TrimSpace(calcID)]
	if !ok {
		return notFound("calculation", calcID)
	}
	if current.WorkflowProcessed {
		return alreadyProcessed(calcID)
	}
	current.WorkflowProcessed = true
	current.UpdatedAt = time.Now().UTC()
	return nil
}

func listCalculations(calcs map[string]*Calculation, filter CalculationFilter) []Calculation {
	out := make([]Calculation, 0)
	for _, c := range calcs {
		if filter.matches(c) {
			out = append(out, *cloneCalculation(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func maxAttempt(calcs map[string]*Calculation, materialID string, stage StageType) int {
	materialID = strings.TrimSpace(materialID)
	stage = normalizeStage(stage)
	max := 0
	for _, c := range calcs {
		if c.MaterialID == materialID && c.Stage == stage && c.Attempt > max {
			max = c.Attempt
		}
	}
	return max
}

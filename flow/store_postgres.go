package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists materials and calculations in PostgreSQL. Progression
// transactions lock the material row with SELECT ... FOR UPDATE.
type PostgresStore struct {
	db          *pgxpool.Pool
	materials   string
	calculation string

	schemaMu    sync.Mutex
	schemaReady bool
}

// NewPostgresStore builds a store on pool; prefix names the tables (default "calcflow").
func NewPostgresStore(pool *pgxpool.Pool, prefix string) *PostgresStore {
	if prefix == "" {
		prefix = "calcflow"
	}
	return &PostgresStore{
		db:          pool,
		materials:   prefix + "_materials",
		calculation: prefix + "_calculations",
	}
}

// OpenPostgresStore connects a pool for dsn and prepares the schema.
func OpenPostgresStore(ctx context.Context, dsn, prefix string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := NewPostgresStore(pool, prefix)
	if err := store.ready(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) GetMaterial(ctx context.Context, id string) (*Material, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	return s.getMaterial(ctx, s.db, id, false)
}

func (s *PostgresStore) GetCalculation(ctx context.Context, id string) (*Calculation, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	return s.getCalculation(ctx, s.db, id)
}

func (s *PostgresStore) ListCalculations(ctx context.Context, filter CalculationFilter) ([]Calculation, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	return s.listCalculations(ctx, s.db, filter)
}

func (s *PostgresStore) MaxAttempt(ctx context.Context, materialID string, stage StageType) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	return s.maxAttempt(ctx, s.db, materialID, stage)
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, s.calculation))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[Status(status)] = int(n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RunInTransaction(ctx context.Context, fn func(Tx) error) error {
	if fn == nil {
		return nil
	}
	if err := s.ready(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	if err := fn(&postgresTx{parent: s, tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Close() error {
	if s != nil && s.db != nil {
		s.db.Close()
	}
	return nil
}

type postgresTx struct {
	parent *PostgresStore
	tx     pgx.Tx
}

func (t *postgresTx) GetMaterial(ctx context.Context, id string) (*Material, error) {
	return t.parent.getMaterial(ctx, t.tx, id, false)
}

func (t *postgresTx) LockMaterial(ctx context.Context, id string) (*Material, error) {
	return t.parent.getMaterial(ctx, t.tx, id, true)
}

func (t *postgresTx) GetCalculation(ctx context.Context, id string) (*Calculation, error) {
	return t.parent.getCalculation(ctx, t.tx, id)
}

func (t *postgresTx) ListCalculations(ctx context.Context, filter CalculationFilter) ([]Calculation, error) {
	return t.parent.listCalculations(ctx, t.tx, filter)
}

func (t *postgresTx) MaxAttempt(ctx context.Context, materialID string, stage StageType) (int, error) {
	return t.parent.maxAttempt(ctx, t.tx, materialID, stage)
}

func (t *postgresTx) InsertMaterial(ctx context.Context, m *Material) error {
	if err := validateMaterial(m); err != nil {
		return err
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	metadata, settings, err := marshalMaterialBlobs(m)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (id, formula, workflow, metadata, settings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (id) DO NOTHING`, t.parent.materials),
		m.ID, m.Formula, m.Workflow, []byte(metadata), []byte(settings), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return cloneFlowError(ErrMaterialExists, fmt.Sprintf("material %s already exists", m.ID), nil, map[string]any{"material_id": m.ID})
	}
	return nil
}

func (t *postgresTx) UpdateMaterial(ctx context.Context, m *Material) error {
	if err := validateMaterial(m); err != nil {
		return err
	}
	m.UpdatedAt = time.Now().UTC()
	metadata, settings, err := marshalMaterialBlobs(m)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET formula=$1, workflow=$2, metadata=$3, settings=$4, updated_at=$5 WHERE id=$6`, t.parent.materials),
		m.Formula, m.Workflow, []byte(metadata), []byte(settings), m.UpdatedAt, m.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("material", m.ID)
	}
	return nil
}

func (t *postgresTx) InsertCalculation(ctx context.Context, c *Calculation) error {
	if err := validateCalculation(c); err != nil {
		return err
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	settings, err := json.Marshal(c.Settings)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s (
		id, material_id, stage, attempt, token, status, workflow_processed, settings, job_id, error,
		created_at, updated_at, submitted_at, started_at, finished_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	ON CONFLICT DO NOTHING
	RETURNING seq`, t.parent.calculation)
	err = t.tx.QueryRow(ctx, q,
		c.ID, c.MaterialID, string(c.Stage), c.Attempt, c.Token, string(c.Status), c.WorkflowProcessed,
		settings, c.JobID, c.Error, c.CreatedAt, c.UpdatedAt, c.SubmittedAt, c.StartedAt, c.FinishedAt,
	).Scan(&c.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return allocationConflict(c)
	}
	return err
}

func (t *postgresTx) UpdateCalculation(ctx context.Context, c *Calculation, expected Status) error {
	if c == nil {
		return errors.New("calculation required")
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	settings, err := json.Marshal(c.Settings)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET
		token=$1, status=$2, workflow_processed=(workflow_processed OR $3), settings=$4, job_id=$5, error=$6,
		updated_at=$7, submitted_at=$8, started_at=$9, finished_at=$10
		WHERE id=$11 AND status=$12`, t.parent.calculation),
		c.Token, string(c.Status), c.WorkflowProcessed, settings, c.JobID, c.Error,
		c.UpdatedAt, c.SubmittedAt, c.StartedAt, c.FinishedAt, c.ID, string(expected),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	current, err := t.GetCalculation(ctx, c.ID)
	if err != nil {
		return err
	}
	if current == nil {
		return notFound("calculation", c.ID)
	}
	return staleStatus(c.ID, expected)
}

func (t *postgresTx) MarkProcessed(ctx context.Context, calcID string) error {
	calcID = strings.TrimSpace(calcID)
	tag, err := t.tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET workflow_processed=TRUE, updated_at=$1 WHERE id=$2 AND workflow_processed=FALSE`, t.parent.calculation),
		time.Now().UTC(), calcID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	current, err := t.GetCalculation(ctx, calcID)
	if err != nil {
		return err
	}
	if current == nil {
		return notFound("calculation", calcID)
	}
	return alreadyProcessed(calcID)
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const postgresCalculationColumns = `seq, id, material_id, stage, attempt, token, status, workflow_processed, settings,
	job_id, error, created_at, updated_at, submitted_at, started_at, finished_at`

func (s *PostgresStore) getMaterial(ctx context.Context, q pgxQuerier, id string, lock bool) (*Material, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT id, formula, workflow, metadata, settings, created_at, updated_at FROM %s WHERE id = $1`, s.materials)
	if lock {
		query += " FOR UPDATE"
	}
	var (
		m                  Material
		metadata, settings []byte
	)
	err := q.QueryRow(ctx, query, id).Scan(&m.ID, &m.Formula, &m.Workflow, &metadata, &settings, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of material %s: %w", m.ID, err)
		}
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &m.Settings); err != nil {
			return nil, fmt.Errorf("decode settings of material %s: %w", m.ID, err)
		}
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return &m, nil
}

func (s *PostgresStore) getCalculation(ctx context.Context, q pgxQuerier, id string) (*Calculation, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	row := q.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, postgresCalculationColumns, s.calculation), id)
	c, err := decodePostgresCalculation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) listCalculations(ctx context.Context, q pgxQuerier, filter CalculationFilter) ([]Calculation, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.MaterialID != "" {
		where = append(where, "material_id = "+arg(strings.TrimSpace(filter.MaterialID)))
	}
	if filter.Stage != "" {
		where = append(where, "stage = "+arg(string(normalizeStage(filter.Stage))))
	}
	if filter.Unprocessed {
		where = append(where, "workflow_processed = FALSE")
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s`, postgresCalculationColumns, s.calculation)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Calculation, 0)
	for rows.Next() {
		c, err := decodePostgresCalculation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) maxAttempt(ctx context.Context, q pgxQuerier, materialID string, stage StageType) (int, error) {
	var max int
	err := q.QueryRow(ctx,
		fmt.Sprintf(`SELECT COALESCE(MAX(attempt), 0) FROM %s WHERE material_id = $1 AND stage = $2`, s.calculation),
		strings.TrimSpace(materialID), string(normalizeStage(stage)),
	).Scan(&max)
	return max, err
}

func decodePostgresCalculation(row pgx.Row) (*Calculation, error) {
	var (
		c             Calculation
		stage, status string
		settings      []byte
	)
	if err := row.Scan(
		&c.Seq, &c.ID, &c.MaterialID, &stage, &c.Attempt, &c.Token, &status, &c.WorkflowProcessed, &settings,
		&c.JobID, &c.Error, &c.CreatedAt, &c.UpdatedAt, &c.SubmittedAt, &c.StartedAt, &c.FinishedAt,
	); err != nil {
		return nil, err
	}
	c.Stage = StageType(stage)
	c.Status = Status(status)
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &c.Settings); err != nil {
			return nil, fmt.Errorf("decode settings of calculation %s: %w", c.ID, err)
		}
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func (s *PostgresStore) ready(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("postgres store not configured")
	}
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaReady {
		return nil
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	s.schemaReady = true
	return nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			formula TEXT NOT NULL DEFAULT '',
			workflow TEXT NOT NULL,
			metadata JSONB,
			settings JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`, s.materials),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			material_id TEXT NOT NULL REFERENCES %s (id),
			stage TEXT NOT NULL,
			attempt INTEGER NOT NULL CHECK (attempt >= 1),
			token TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			workflow_processed BOOLEAN NOT NULL DEFAULT FALSE,
			settings JSONB,
			job_id TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			submitted_at TIMESTAMPTZ,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			UNIQUE (material_id, stage, attempt)
		)`, s.calculation, s.materials),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_status_idx ON %s (status, workflow_processed)`, s.calculation, s.calculation),
	}
	for _, stmt := range ddl {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

package flow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

// SQLiteStore persists materials and calculations in SQLite through database/sql.
// Open the handle with SQLiteDSN so transactions take the write lock up front.
type SQLiteStore struct {
	db          *sql.DB
	materials   string
	calculation string

	schemaMu    sync.Mutex
	schemaReady bool
}

// SQLiteDSN builds a go-sqlite3 DSN with immediate transactions and a busy timeout.
func SQLiteDSN(path string) string {
	q := url.Values{}
	q.Set("_txlock", "immediate")
	q.Set("_busy_timeout", "5000")
	q.Set("_journal_mode", "WAL")
	return "file:" + path + "?" + q.Encode()
}

// NewSQLiteStore builds a store on db; prefix names the tables (default "calcflow").
func NewSQLiteStore(db *sql.DB, prefix string) *SQLiteStore {
	if prefix == "" {
		prefix = "calcflow"
	}
	return &SQLiteStore{
		db:          db,
		materials:   prefix + "_materials",
		calculation: prefix + "_calculations",
	}
}

func (s *SQLiteStore) GetMaterial(ctx context.Context, id string) (*Material, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	return s.getMaterial(ctx, s.db, id)
}

func (s *SQLiteStore) GetCalculation(ctx context.Context, id string) (*Calculation, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	return s.getCalculation(ctx, s.db, id)
}

func (s *SQLiteStore) ListCalculations(ctx context.Context, filter CalculationFilter) ([]Calculation, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	return s.listCalculations(ctx, s.db, filter)
}

func (s *SQLiteStore) MaxAttempt(ctx context.Context, materialID string, stage StageType) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	return s.maxAttempt(ctx, s.db, materialID, stage)
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, s.calculation))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[Status(status)] = n
	}
	return out, rows.Err()
}

// RunInTransaction executes fn in a DB transaction.
func (s *SQLiteStore) RunInTransaction(ctx context.Context, fn func(Tx) error) error {
	if fn == nil {
		return nil
	}
	if err := s.ready(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&sqliteTx{parent: s, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Close releases the underlying handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqliteTx struct {
	parent *SQLiteStore
	tx     *sql.Tx
}

func (t *sqliteTx) GetMaterial(ctx context.Context, id string) (*Material, error) {
	return t.parent.getMaterial(ctx, t.tx, id)
}

// LockMaterial is a plain read: the immediate transaction already holds the database write lock.
func (t *sqliteTx) LockMaterial(ctx context.Context, id string) (*Material, error) {
	return t.parent.getMaterial(ctx, t.tx, id)
}

func (t *sqliteTx) GetCalculation(ctx context.Context, id string) (*Calculation, error) {
	return t.parent.getCalculation(ctx, t.tx, id)
}

func (t *sqliteTx) ListCalculations(ctx context.Context, filter CalculationFilter) ([]Calculation, error) {
	return t.parent.listCalculations(ctx, t.tx, filter)
}

func (t *sqliteTx) MaxAttempt(ctx context.Context, materialID string, stage StageType) (int, error) {
	return t.parent.maxAttempt(ctx, t.tx, materialID, stage)
}

func (t *sqliteTx) InsertMaterial(ctx context.Context, m *Material) error {
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
	q := fmt.Sprintf(`INSERT OR IGNORE INTO %s (id, formula, workflow, metadata, settings, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, t.parent.materials)
	result, err := t.tx.ExecContext(ctx, q, m.ID, m.Formula, m.Workflow, metadata, settings,
		formatTimestamp(m.CreatedAt), formatTimestamp(m.UpdatedAt))
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return cloneFlowError(ErrMaterialExists, fmt.Sprintf("material %s already exists", m.ID), nil, map[string]any{"material_id": m.ID})
	}
	return nil
}

func (t *sqliteTx) UpdateMaterial(ctx context.Context, m *Material) error {
	if err := validateMaterial(m); err != nil {
		return err
	}
	m.UpdatedAt = time.Now().UTC()
	metadata, settings, err := marshalMaterialBlobs(m)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET formula=?, workflow=?, metadata=?, settings=?, updated_at=? WHERE id=?`, t.parent.materials)
	result, err := t.tx.ExecContext(ctx, q, m.Formula, m.Workflow, metadata, settings, formatTimestamp(m.UpdatedAt), m.ID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notFound("material", m.ID)
	}
	return nil
}

func (t *sqliteTx) InsertCalculation(ctx context.Context, c *Calculation) error {
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
	q := fmt.Sprintf(`INSERT OR IGNORE INTO %s (
		id, material_id, stage, attempt, token, status, workflow_processed, settings, job_id, error,
		created_at, updated_at, submitted_at, started_at, finished_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, t.parent.calculation)
	result, err := t.tx.ExecContext(ctx, q,
		c.ID, c.MaterialID, string(c.Stage), c.Attempt, c.Token, string(c.Status), boolInt(c.WorkflowProcessed),
		string(settings), c.JobID, c.Error,
		formatTimestamp(c.CreatedAt), formatTimestamp(c.UpdatedAt),
		formatTimePtr(c.SubmittedAt), formatTimePtr(c.StartedAt), formatTimePtr(c.FinishedAt),
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return allocationConflict(c)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return err
	}
	c.Seq = seq
	return nil
}

func (t *sqliteTx) UpdateCalculation(ctx context.Context, c *Calculation, expected Status) error {
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
	q := fmt.Sprintf(`UPDATE %s SET
		token=?, status=?, workflow_processed=MAX(workflow_processed, ?), settings=?, job_id=?, error=?,
		updated_at=?, submitted_at=?, started_at=?, finished_at=?
		WHERE id=? AND status=?`, t.parent.calculation)
	result, err := t.tx.ExecContext(ctx, q,
		c.Token, string(c.Status), boolInt(c.WorkflowProcessed), string(settings), c.JobID, c.Error,
		formatTimestamp(c.UpdatedAt), formatTimePtr(c.SubmittedAt), formatTimePtr(c.StartedAt), formatTimePtr(c.FinishedAt),
		c.ID, string(expected),
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n > 0 {
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

func (t *sqliteTx) MarkProcessed(ctx context.Context, calcID string) error {
	q := fmt.Sprintf(`UPDATE %s SET workflow_processed=1, updated_at=? WHERE id=? AND workflow_processed=0`, t.parent.calculation)
	result, err := t.tx.ExecContext(ctx, q, formatTimestamp(time.Now().UTC()), strings.TrimSpace(calcID))
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n > 0 {
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

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlRowScanner interface {
	Scan(dest ...any) error
}

const sqliteCalculationColumns = `seq, id, material_id, stage, attempt, token, status, workflow_processed, settings,
	job_id, error, created_at, updated_at, submitted_at, started_at, finished_at`

func (s *SQLiteStore) getMaterial(ctx context.Context, q sqlQuerier, id string) (*Material, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	row := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT id, formula, workflow, metadata, settings, created_at, updated_at FROM %s WHERE id = ?`, s.materials), id)
	var (
		m                    Material
		formula, metadata    sql.NullString
		settings             sql.NullString
		createdAt, updatedAt sql.NullString
	)
	err := row.Scan(&m.ID, &formula, &m.Workflow, &metadata, &settings, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.Formula = formula.String
	if strings.TrimSpace(metadata.String) != "" {
		if err := json.Unmarshal([]byte(metadata.String), &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of material %s: %w", m.ID, err)
		}
	}
	if strings.TrimSpace(settings.String) != "" {
		if err := json.Unmarshal([]byte(settings.String), &m.Settings); err != nil {
			return nil, fmt.Errorf("decode settings of material %s: %w", m.ID, err)
		}
	}
	m.CreatedAt, _ = parseTimestamp(createdAt.String)
	m.UpdatedAt, _ = parseTimestamp(updatedAt.String)
	return &m, nil
}

func (s *SQLiteStore) getCalculation(ctx context.Context, q sqlQuerier, id string) (*Calculation, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	row := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, sqliteCalculationColumns, s.calculation), id)
	c, err := decodeCalculation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *SQLiteStore) listCalculations(ctx context.Context, q sqlQuerier, filter CalculationFilter) ([]Calculation, error) {
	var (
		where []string
		args  []any
	)
	if filter.MaterialID != "" {
		where = append(where, "material_id = ?")
		args = append(args, strings.TrimSpace(filter.MaterialID))
	}
	if filter.Stage != "" {
		where = append(where, "stage = ?")
		args = append(args, string(normalizeStage(filter.Stage)))
	}
	if filter.Unprocessed {
		where = append(where, "workflow_processed = 0")
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s`, sqliteCalculationColumns, s.calculation)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Calculation, 0)
	for rows.Next() {
		c, err := decodeCalculation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) maxAttempt(ctx context.Context, q sqlQuerier, materialID string, stage StageType) (int, error) {
	var max sql.NullInt64
	err := q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT MAX(attempt) FROM %s WHERE material_id = ? AND stage = ?`, s.calculation),
		strings.TrimSpace(materialID), string(normalizeStage(stage)),
	).Scan(&max)
	if err != nil {
		return 0, err
	}
	return int(max.Int64), nil
}

func decodeCalculation(row sqlRowScanner) (*Calculation, error) {
	var (
		c                                  Calculation
		stage, status                      string
		processed                          int
		token, settings, jobID, lastError  sql.NullString
		createdAt, updatedAt               sql.NullString
		submittedAt, startedAt, finishedAt sql.NullString
	)
	if err := row.Scan(
		&c.Seq, &c.ID, &c.MaterialID, &stage, &c.Attempt, &token, &status, &processed, &settings,
		&jobID, &lastError, &createdAt, &updatedAt, &submittedAt, &startedAt, &finishedAt,
	); err != nil {
		return nil, err
	}
	c.Stage = StageType(stage)
	c.Status = Status(status)
	c.WorkflowProcessed = processed != 0
	c.Token = token.String
	c.JobID = jobID.String
	c.Error = lastError.String
	if strings.TrimSpace(settings.String) != "" {
		if err := json.Unmarshal([]byte(settings.String), &c.Settings); err != nil {
			return nil, fmt.Errorf("decode settings of calculation %s: %w", c.ID, err)
		}
	}
	c.CreatedAt, _ = parseTimestamp(createdAt.String)
	c.UpdatedAt, _ = parseTimestamp(updatedAt.String)
	c.SubmittedAt = parseTimePtr(submittedAt.String)
	c.StartedAt = parseTimePtr(startedAt.String)
	c.FinishedAt = parseTimePtr(finishedAt.String)
	return &c, nil
}

func (s *SQLiteStore) ready(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store not configured")
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

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			formula TEXT,
			workflow TEXT NOT NULL,
			metadata TEXT,
			settings TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`, s.materials),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			material_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			token TEXT,
			status TEXT NOT NULL,
			workflow_processed INTEGER NOT NULL DEFAULT 0,
			settings TEXT,
			job_id TEXT,
			error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			submitted_at TEXT,
			started_at TEXT,
			finished_at TEXT,
			UNIQUE (material_id, stage, attempt)
		)`, s.calculation),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_status_idx ON %s (status, workflow_processed)`, s.calculation, s.calculation),
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func marshalMaterialBlobs(m *Material) (string, string, error) {
	metadata, err := json.Marshal(m.Metadata)
	if err != nil {
		return "", "", err
	}
	settings, err := json.Marshal(m.Settings)
	if err != nil {
		return "", "", err
	}
	return string(metadata), string(settings), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

func parseTimePtr(value string) *time.Time {
	ts, ok := parseTimestamp(value)
	if !ok {
		return nil
	}
	return &ts
}

func formatTimestamp(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(value *time.Time) any {
	if value == nil || value.IsZero() {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

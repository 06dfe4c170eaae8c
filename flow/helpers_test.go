package flow

import (
	"context"
	"database/sql"
	"io"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

func quietLogger() Logger {
	return NewFmtLogger(io.Discard)
}

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	return openSQLiteStore(t, filepath.Join(t.TempDir(), "calcflow.db"))
}

// openSQLiteStore opens an independent handle on path, as a separate process would.
func openSQLiteStore(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite3", SQLiteDSN(path))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store := NewSQLiteStore(db, "")
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testCatalog(t *testing.T, workflows ...WorkflowDefinition) *Catalog {
	t.Helper()
	cfg := Config{Version: 1, Workflows: workflows}
	if len(workflows) == 0 {
		cfg = DefaultConfig()
	}
	catalog, err := NewCatalog(cfg)
	if err != nil {
		t.Fatalf("build catalog: %v", err)
	}
	return catalog
}

func linear(name string, tokens ...string) WorkflowDefinition {
	steps := make([]Step, 0, len(tokens))
	for _, tok := range tokens {
		steps = append(steps, Step{tok})
	}
	return WorkflowDefinition{Name: name, Sequence: steps}
}

func newTestEngine(t *testing.T, store Store, catalog *Catalog, opts ...EngineOption) *Engine {
	t.Helper()
	opts = append([]EngineOption{WithLogger(quietLogger())}, opts...)
	engine, err := NewEngine(store, catalog, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

// complete walks a pending calculation through running to completed.
func complete(t *testing.T, engine *Engine, calcID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := engine.SetStatus(ctx, calcID, StatusRunning, StatusUpdate{}); err != nil {
		t.Fatalf("set %s running: %v", calcID, err)
	}
	if _, err := engine.SetStatus(ctx, calcID, StatusCompleted, StatusUpdate{}); err != nil {
		t.Fatalf("set %s completed: %v", calcID, err)
	}
}

func addMaterial(t *testing.T, engine *Engine, id, workflow string) []string {
	t.Helper()
	created, err := engine.AddMaterial(context.Background(), Material{ID: id, Workflow: workflow})
	if err != nil {
		t.Fatalf("add material %s: %v", id, err)
	}
	return created
}

// seed inserts a material and calculations directly through the store.
func seed(t *testing.T, store Store, material Material, calcs ...Calculation) {
	t.Helper()
	err := store.RunInTransaction(context.Background(), func(tx Tx) error {
		m := material
		if err := tx.InsertMaterial(context.Background(), &m); err != nil {
			return err
		}
		for i := range calcs {
			c := calcs[i]
			if c.ID == "" {
				c.ID = CalculationID(c.MaterialID, c.Stage, c.Attempt)
			}
			if err := tx.InsertCalculation(context.Background(), &c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed %s: %v", material.ID, err)
	}
}

func mustCalculation(t *testing.T, store Reader, id string) *Calculation {
	t.Helper()
	c, err := store.GetCalculation(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	if c == nil {
		t.Fatalf("expected calculation %s to exist", id)
	}
	return c
}

func countCalculations(t *testing.T, store Reader, materialID string) int {
	t.Helper()
	calcs, err := store.ListCalculations(context.Background(), CalculationFilter{MaterialID: materialID})
	if err != nil {
		t.Fatalf("list %s: %v", materialID, err)
	}
	return len(calcs)
}

package flow

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestExecuteWorkflowStepSpawnsNextStage(t *testing.T) {
	for name, store := range map[string]Store{
		"memory": NewInMemoryStore(),
		"sqlite": newSQLiteStore(t),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			engine := newTestEngine(t, store, testCatalog(t, linear("chain", "OPT", "SP", "BAND", "DOSS")))
			created := addMaterial(t, engine, "M1", "chain")
			if len(created) != 1 || created[0] != "M1_OPT" {
				t.Fatalf("unexpected first calculations %v", created)
			}
			complete(t, engine, "M1_OPT")

			next, err := engine.ExecuteWorkflowStep(ctx, "M1", "M1_OPT")
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			if len(next) != 1 || next[0] != "M1_SP" {
				t.Fatalf("expected [M1_SP], got %v", next)
			}
			sp := mustCalculation(t, store, "M1_SP")
			if sp.Attempt != 1 || sp.Status != StatusPending || sp.Token != "SP" {
				t.Fatalf("unexpected successor %+v", sp)
			}
			if !mustCalculation(t, store, "M1_OPT").WorkflowProcessed {
				t.Fatalf("expected M1_OPT to be processed")
			}
		})
	}
}

func TestExecuteWorkflowStepEndOfSequence(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	engine := newTestEngine(t, store, testCatalog(t, linear("chain", "OPT", "SP", "BAND", "DOSS")))
	seed(t, store, Material{ID: "M1", Workflow: "chain"},
		Calculation{MaterialID: "M1", Stage: StageOPT, Attempt: 1, Token: "OPT", Status: StatusCompleted, WorkflowProcessed: true},
		Calculation{MaterialID: "M1", Stage: StageSP, Attempt: 1, Token: "SP", Status: StatusCompleted, WorkflowProcessed: true},
		Calculation{MaterialID: "M1", Stage: StageBAND, Attempt: 1, Token: "BAND", Status: StatusCompleted, WorkflowProcessed: true},
		Calculation{MaterialID: "M1", Stage: StageDOSS, Attempt: 1, Token: "DOSS", Status: StatusCompleted},
	)

	next, err := engine.ExecuteWorkflowStep(ctx, "M1", "M1_DOSS")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if next == nil || len(next) != 0 {
		t.Fatalf("expected an empty list, got %#v", next)
	}
	if !mustCalculation(t, store, "M1_DOSS").WorkflowProcessed {
		t.Fatalf("expected M1_DOSS to be processed")
	}
	if n := countCalculations(t, store, "M1"); n != 4 {
		t.Fatalf("expected no new records, got %d calculations", n)
	}
}

func TestExecuteWorkflowStepIsIdempotent(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	engine := newTestEngine(t, store, testCatalog(t, linear("chain", "OPT", "SP")))
	addMaterial(t, engine, "M1", "chain")
	complete(t, engine, "M1_OPT")

	if _, err := engine.ExecuteWorkflowStep(ctx, "M1", "M1_OPT"); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	again, err := engine.ExecuteWorkflowStep(ctx, "M1", "M1_OPT")
	if !IsNotReady(err) {
		t.Fatalf("expected not ready on repeat, got %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no ids on repeat, got %v", again)
	}
	if n := countCalculations(t, store, "M1"); n != 2 {
		t.Fatalf("expected exactly 2 calculations, got %d", n)
	}
}

func TestExecuteWorkflowStepConcurrentInvocations(t *testing.T) {
	for name, store := range map[string]Store{
		"memory": NewInMemoryStore(),
		"sqlite": newSQLiteStore(t),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			engine := newTestEngine(t, store, testCatalog(t, linear("chain", "OPT", "SP")))
			addMaterial(t, engine, "M1", "chain")
			complete(t, engine, "M1_OPT")

			const callers = 8
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				wins     int
				notReady int
				failures []error
			)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := engine.ExecuteWorkflowStep(ctx, "M1", "M1_OPT")
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						wins++
					case IsNotReady(err):
						notReady++
					default:
						failures = append(failures, err)
					}
				}()
			}
			wg.Wait()

			if len(failures) > 0 {
				t.Fatalf("unexpected errors: %v", failures)
			}
			if wins != 1 || notReady != callers-1 {
				t.Fatalf("expected exactly one winner, got %d wins and %d not-ready", wins, notReady)
			}
			if n := countCalculations(t, store, "M1"); n != 2 {
				t.Fatalf("expected one successor, got %d calculations", n)
			}
		})
	}
}

func TestProcessCompletedCalculationsAcrossSQLiteHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "calcflow.db")
	catalog := testCatalog(t, linear("chain", "OPT", "SP"))

	setup := newTestEngine(t, openSQLiteStore(t, path), catalog)
	materials := []string{"M1", "M2", "M3", "M4"}
	for _, id := range materials {
		addMaterial(t, setup, id, "chain")
		complete(t, setup, id+"_OPT")
	}

	const handles = 12
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		spawned  int
		failures []error
	)
	for i := 0; i < handles; i++ {
		engine := newTestEngine(t, openSQLiteStore(t, path), catalog)
		wg.Add(1)
		go func() {
			defer wg.Done()
			report, err := engine.ProcessCompletedCalculations(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			spawned += report.Spawned
			for _, errs := range report.Errors {
				failures = append(failures, errs...)
			}
		}()
	}
	wg.Wait()

	if len(failures) > 0 {
		t.Fatalf("unexpected errors: %v", failures)
	}
	if spawned != len(materials) {
		t.Fatalf("expected %d successors across all handles, got %d", len(materials), spawned)
	}
	check := openSQLiteStore(t, path)
	for _, id := range materials {
		if n := countCalculations(t, check, id); n != 2 {
			t.Fatalf("expected 2 calculations for %s, got %d", id, n)
		}
		if sp := mustCalculation(t, check, id+"_SP"); sp.Status != StatusPending {
			t.Fatalf("expected pending %s_SP, got %s", id, sp.Status)
		}
	}
}

func TestExecuteWorkflowStepNotReadyAndNotFound(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	engine := newTestEngine(t, store, testCatalog(t, linear("chain", "OPT", "SP")))
	addMaterial(t, engine, "M1", "chain")
	addMaterial(t, engine, "M2", "chain")

	if _, err := engine.ExecuteWorkflowStep(ctx, "M1", "M1_OPT"); !IsNotReady(err) {
		t.Fatalf("expected not ready for pending calculation, got %v", err)
	}
	if _, err := engine.ExecuteWorkflowStep(ctx, "M1", "M1_SP"); !IsNotFound(err) {
		t.Fatalf("expected not found for missing calculation, got %v", err)
	}
	if _, err := engine.ExecuteWorkflowStep(ctx, "M9", "M1_OPT"); !IsNotFound(err) {
		t.Fatalf("expected not found for missing material, got %v", err)
	}
	if _, err := engine.ExecuteWorkflowStep(ctx, "M1", "M2_OPT"); !IsNotFound(err) {
		t.Fatalf("expected not found for calculation of another material, got %v", err)
	}
}

func TestExecuteWorkflowStepUnknownWorkflow(t *testing.T) {
	store := NewInMemoryStore()
	engine := newTestEngine(t, store, testCatalog(t, linear("chain", "OPT", "SP")))
	seed(t, store, Material{ID: "M1", Workflow: "retired"},
		Calculation{MaterialID: "M1", Stage: StageOPT, Attempt: 1, Status: StatusCompleted},
	)
	if _, err := engine.ExecuteWorkflowStep(context.Background(), "M1", "M1_OPT"); !IsNotFound(err) {
		t.Fatalf("expected not found for unknown workflow, got %v", err)
	}
	if mustCalculation(t, store, "M1_OPT").WorkflowProcessed {
		t.Fatalf("failed step must not mark the calculation processed")
	}
}

func TestExecuteWorkflowStepFanOutAndJoin(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	engine := newTestEngine(t, store, testCatalog(t))
	addMaterial(t, engine, "M1", "full")

	complete(t, engine, "M1_OPT")
	if next, err := engine.ExecuteWorkflowStep(ctx, "M1", "M1_OPT"); err != nil || len(next) != 1 {
		t.Fatalf("OPT step: %v %v", next, err)
	}
	complete(t, engine, "M1_SP")
	next, err := engine.ExecuteWorkflowStep(ctx, "M1", "M1_SP")
	if err != nil {
		t.Fatalf("SP step: %v", err)
	}
	if len(next) != 2 || next[0] != "M1_BAND" || next[1] != "M1_DOSS" {
		t.Fatalf("expected fan-out to [M1_BAND M1_DOSS], got %v", next)
	}

	complete(t, engine, "M1_BAND")
	next, err = engine.ExecuteWorkflowStep(ctx, "M1", "M1_BAND")
	if err != nil {
		t.Fatalf("BAND step: %v", err)
	}
	if len(next) != 0 {
		t.Fatalf("expected join to wait for DOSS, got %v", next)
	}
	if !mustCalculation(t, store, "M1_BAND").WorkflowProcessed {
		t.Fatalf("expected BAND processed while waiting")
	}

	complete(t, engine, "M1_DOSS")
	next, err = engine.ExecuteWorkflowStep(ctx, "M1", "M1_DOSS")
	if err != nil {
		t.Fatalf("DOSS step: %v", err)
	}
	if len(next) != 1 || next[0] != "M1_FREQ" {
		t.Fatalf("expected join to spawn M1_FREQ, got %v", next)
	}
}

func TestExecuteWorkflowStepJoinDoesNotDuplicate(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	engine := newTestEngine(t, store, testCatalog(t))
	seed(t, store, Material{ID: "M1", Workflow: "full"},
		Calculation{MaterialID: "M1", Stage: StageOPT, Attempt: 1, Token: "OPT", Status: StatusCompleted, WorkflowProcessed: true},
		Calculation{MaterialID: "M1", Stage: StageSP, Attempt: 1, Token: "SP", Status: StatusCompleted, WorkflowProcessed: true},
		Calculation{MaterialID: "M1", Stage: StageBAND, Attempt: 1, Token: "BAND", Status: StatusCompleted},
		Calculation{MaterialID: "M1", Stage: StageDOSS, Attempt: 1, Token: "DOSS", Status: StatusCompleted},
	)

	report, err := engine.ProcessCompletedCalculations(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if report.Processed != 2 || report.Count() != 1 {
		t.Fatalf("expected 2 processed and 1 spawned, got %+v", report)
	}
	freq, err := store.ListCalculations(ctx, CalculationFilter{MaterialID: "M1", Stage: StageFREQ})
	if err != nil || len(freq) != 1 {
		t.Fatalf("expected exactly one FREQ, got %d %v", len(freq), err)
	}
}

func TestProcessCompletedCalculationsIsolatesErrors(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	engine := newTestEngine(t, store, testCatalog(t, linear("chain", "OPT", "SP")))
	seed(t, store, Material{ID: "BAD", Workflow: "chain"},
		Calculation{MaterialID: "BAD", Stage: StageBAND, Attempt: 1, Token: "BAND", Status: StatusCompleted},
	)
	for _, id := range []string{"A", "B"} {
		addMaterial(t, engine, id, "chain")
		complete(t, engine, id+"_OPT")
	}

	report, err := engine.ProcessCompletedCalculations(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if report.Processed != 2 || report.Count() != 2 {
		t.Fatalf("expected both healthy materials to progress, got %+v", report)
	}
	if len(report.NewCalculations) != 2 || report.NewCalculations[0] != "A_SP" || report.NewCalculations[1] != "B_SP" {
		t.Fatalf("unexpected new calculations %v", report.NewCalculations)
	}
	if errs := report.Errors["BAD"]; len(errs) != 1 || !IsInvalidToken(errs[0]) {
		t.Fatalf("expected one invalid token error for BAD, got %v", report.Errors)
	}
	if mustCalculation(t, store, "BAD_BAND").WorkflowProcessed {
		t.Fatalf("failed calculation must stay unprocessed")
	}

	second, err := engine.ProcessCompletedCalculations(ctx)
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if second.Count() != 0 {
		t.Fatalf("expected second scan to create nothing, got %+v", second)
	}
}

func TestSetStatusTransitions(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	engine := newTestEngine(t, store, testCatalog(t, linear("chain", "OPT", "SP")), WithClock(func() time.Time { return clock }))
	addMaterial(t, engine, "M1", "chain")

	c, err := engine.MarkSubmitted(ctx, "M1_OPT", "981")
	if err != nil {
		t.Fatalf("mark submitted: %v", err)
	}
	if c.Status != StatusSubmitted || c.JobID != "981" || c.SubmittedAt == nil || !c.SubmittedAt.Equal(clock) {
		t.Fatalf("unexpected submitted calculation %+v", c)
	}
	if _, err := engine.MarkSubmitted(ctx, "M1_OPT", "981"); err != nil {
		t.Fatalf("repeating the same status should be a no-op, got %v", err)
	}
	if _, err := engine.SetStatus(ctx, "M1_OPT", StatusPending, StatusUpdate{}); !IsInvalidTransition(err) {
		t.Fatalf("expected backward transition to fail, got %v", err)
	}
	if _, err := engine.Skip(ctx, "M1_OPT"); !IsInvalidTransition(err) {
		t.Fatalf("expected skip of submitted calculation to fail, got %v", err)
	}
	if _, err := engine.SetStatus(ctx, "M1_OPT", "exploded", StatusUpdate{}); !IsInvalidTransition(err) {
		t.Fatalf("expected unknown status to fail, got %v", err)
	}

	c, err = engine.SetStatus(ctx, "M1_OPT", StatusFailed, StatusUpdate{Error: "walltime exceeded"})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if c.Error != "walltime exceeded" || c.FinishedAt == nil {
		t.Fatalf("unexpected failed calculation %+v", c)
	}
	if _, err := engine.SetStatus(ctx, "M1_OPT", StatusCompleted, StatusUpdate{}); !IsInvalidTransition(err) {
		t.Fatalf("expected terminal status to stay terminal, got %v", err)
	}
	if _, err := engine.SetStatus(ctx, "nope", StatusRunning, StatusUpdate{}); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCanTransitionIsMonotonic(t *testing.T) {
	order := map[Status]int{
		StatusPending:   0,
		StatusSubmitted: 1,
		StatusRunning:   2,
		StatusCompleted: 3,
		StatusFailed:    3,
		StatusSkipped:   3,
	}
	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			if CanTransition(from, to) && order[to] <= order[from] {
				t.Fatalf("transition %s -> %s moves backwards", from, to)
			}
		}
		if from.IsTerminal() && len(validTransitions[from]) != 0 {
			t.Fatalf("terminal status %s has outgoing transitions", from)
		}
	}
	if !CanTransition(StatusPending, StatusSkipped) || CanTransition(StatusRunning, StatusSkipped) {
		t.Fatalf("skipped must only be reachable from pending")
	}
}

func TestSkipPendingCalculation(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	engine := newTestEngine(t, store, testCatalog(t, linear("chain", "OPT", "SP")))
	addMaterial(t, engine, "M1", "chain")

	c, err := engine.Skip(ctx, "M1_OPT")
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	if c.Status != StatusSkipped {
		t.Fatalf("expected skipped, got %s", c.Status)
	}
	report, err := engine.ProcessCompletedCalculations(ctx)
	if err != nil || report.Processed != 0 {
		t.Fatalf("skipped calculations must be ignored by the scan: %+v %v", report, err)
	}
}

// toParallelGroup drives M1 on workflow "full" until BAND and DOSS are pending.
func toParallelGroup(t *testing.T, engine *Engine) {
	t.Helper()
	ctx := context.Background()
	addMaterial(t, engine, "M1", "full")
	for _, id := range []string{"M1_OPT", "M1_SP"} {
		complete(t, engine, id)
		if _, err := engine.ExecuteWorkflowStep(ctx, "M1", id); err != nil {
			t.Fatalf("step %s: %v", id, err)
		}
	}
}

func TestSkippedGroupMemberSatisfiesJoin(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	engine := newTestEngine(t, store, testCatalog(t))
	toParallelGroup(t, engine)

	if _, err := engine.Skip(ctx, "M1_DOSS"); err != nil {
		t.Fatalf("skip DOSS: %v", err)
	}
	if n := countCalculations(t, store, "M1"); n != 4 {
		t.Fatalf("skip with BAND still pending must not spawn, got %d calculations", n)
	}

	complete(t, engine, "M1_BAND")
	next, err := engine.ExecuteWorkflowStep(ctx, "M1", "M1_BAND")
	if err != nil {
		t.Fatalf("BAND step: %v", err)
	}
	if len(next) != 1 || next[0] != "M1_FREQ" {
		t.Fatalf("expected BAND to release the join with M1_FREQ, got %v", next)
	}
}

func TestSkipAfterSiblingCompletedReleasesJoin(t *testing.T) {
	for name, store := range map[string]Store{
		"memory": NewInMemoryStore(),
		"sqlite": newSQLiteStore(t),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			engine := newTestEngine(t, store, testCatalog(t))
			toParallelGroup(t, engine)

			complete(t, engine, "M1_BAND")
			if next, err := engine.ExecuteWorkflowStep(ctx, "M1", "M1_BAND"); err != nil || len(next) != 0 {
				t.Fatalf("BAND should wait for DOSS: %v %v", next, err)
			}

			if _, err := engine.Skip(ctx, "M1_DOSS"); err != nil {
				t.Fatalf("skip DOSS: %v", err)
			}
			freq := mustCalculation(t, store, "M1_FREQ")
			if freq.Status != StatusPending || freq.Token != "FREQ" {
				t.Fatalf("expected pending M1_FREQ, got %+v", freq)
			}

			if _, err := engine.Skip(ctx, "M1_DOSS"); err != nil {
				t.Fatalf("repeated skip: %v", err)
			}
			if n := countCalculations(t, store, "M1"); n != 5 {
				t.Fatalf("expected 5 calculations after repeated skip, got %d", n)
			}
			report, err := engine.ProcessCompletedCalculations(ctx)
			if err != nil || report.Spawned != 0 {
				t.Fatalf("scan must not respawn FREQ: %+v %v", report, err)
			}
		})
	}
}

func TestFullySkippedGroupStopsWorkflow(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	engine := newTestEngine(t, store, testCatalog(t))
	toParallelGroup(t, engine)

	for _, id := range []string{"M1_BAND", "M1_DOSS"} {
		if _, err := engine.Skip(ctx, id); err != nil {
			t.Fatalf("skip %s: %v", id, err)
		}
	}
	if n := countCalculations(t, store, "M1"); n != 4 {
		t.Fatalf("a group with no completed member must not continue, got %d calculations", n)
	}
}

func TestSkipRejectsFinishedCalculation(t *testing.T) {
	store := NewInMemoryStore()
	engine := newTestEngine(t, store, testCatalog(t, linear("chain", "OPT", "SP")))
	addMaterial(t, engine, "M1", "chain")
	complete(t, engine, "M1_OPT")

	if _, err := engine.Skip(context.Background(), "M1_OPT"); !IsInvalidTransition(err) {
		t.Fatalf("expected invalid transition skipping a completed calculation, got %v", err)
	}
}

func TestRetryFailedCalculation(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	engine := newTestEngine(t, store, testCatalog(t, linear("chain", "OPT", "SP")))
	addMaterial(t, engine, "M1", "chain")
	if _, err := engine.SetStatus(ctx, "M1_OPT", StatusFailed, StatusUpdate{Error: "scf did not converge"}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	retry, err := engine.Retry(ctx, "M1_OPT")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retry.ID != "M1_OPT2" || retry.Attempt != 2 || retry.Token != "OPT" || retry.Status != StatusPending {
		t.Fatalf("unexpected retry %+v", retry)
	}
	again, err := engine.Retry(ctx, "M1_OPT")
	if err != nil {
		t.Fatalf("repeat retry: %v", err)
	}
	if again.ID != retry.ID {
		t.Fatalf("expected repeated retry to return %s, got %s", retry.ID, again.ID)
	}
	if _, err := engine.Retry(ctx, "M1_OPT2"); !IsInvalidTransition(err) {
		t.Fatalf("expected retry of pending calculation to fail, got %v", err)
	}

	complete(t, engine, "M1_OPT2")
	next, err := engine.ExecuteWorkflowStep(ctx, "M1", "M1_OPT2")
	if err != nil {
		t.Fatalf("execute retry: %v", err)
	}
	if len(next) != 1 || next[0] != "M1_SP" {
		t.Fatalf("expected chain to continue from the retry, got %v", next)
	}
}

func TestRepeatedStageOccurrences(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	engine := newTestEngine(t, store, testCatalog(t, linear("refine", "OPT", "SP", "OPT2", "SP2")))
	addMaterial(t, engine, "M1", "refine")

	expect := []string{"M1_SP", "M1_OPT2", "M1_SP2"}
	current := "M1_OPT"
	for _, want := range expect {
		complete(t, engine, current)
		next, err := engine.ExecuteWorkflowStep(ctx, "M1", current)
		if err != nil {
			t.Fatalf("execute %s: %v", current, err)
		}
		if len(next) != 1 || next[0] != want {
			t.Fatalf("after %s expected %s, got %v", current, want, next)
		}
		current = want
	}
	if tok := mustCalculation(t, store, "M1_OPT2").Token; tok != "OPT2" {
		t.Fatalf("expected token OPT2, got %s", tok)
	}
}

func TestAddMaterial(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	catalog := testCatalog(t, WorkflowDefinition{
		Name:     "parallel_start",
		Sequence: []Step{{"OPT", "FREQ"}, {"SP"}},
		Settings: map[StageType]StageSettings{StageFREQ: {Walltime: 72 * time.Hour}},
	})
	engine := newTestEngine(t, store, catalog)

	created, err := engine.AddMaterial(ctx, Material{ID: "M1", Workflow: "parallel_start", Settings: StageSettings{Account: "mat-sci"}})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(created) != 2 || created[0] != "M1_OPT" || created[1] != "M1_FREQ" {
		t.Fatalf("unexpected first calculations %v", created)
	}
	freq := mustCalculation(t, store, "M1_FREQ")
	if freq.Settings.Walltime != 72*time.Hour || freq.Settings.Account != "mat-sci" || freq.Settings.Tasks != BuiltinSettings.Tasks {
		t.Fatalf("unexpected merged settings %+v", freq.Settings)
	}

	if _, err := engine.AddMaterial(ctx, Material{ID: "M1", Workflow: "parallel_start"}); !IsCode(err, ErrCodeMaterialExists) {
		t.Fatalf("expected material exists, got %v", err)
	}
	if _, err := engine.AddMaterial(ctx, Material{ID: "M2", Workflow: "missing"}); !IsNotFound(err) {
		t.Fatalf("expected unknown workflow, got %v", err)
	}
	if _, err := engine.AddMaterial(ctx, Material{ID: "M3", Workflow: "parallel_start", Settings: StageSettings{Nodes: -1}}); !IsCode(err, ErrCodeInvalidConfig) {
		t.Fatalf("expected invalid settings, got %v", err)
	}
}

func TestUpdateMaterialAndReads(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	engine := newTestEngine(t, store, testCatalog(t, linear("chain", "OPT", "SP")))
	addMaterial(t, engine, "M1", "chain")

	formula := "TiO2"
	m, err := engine.UpdateMaterial(ctx, "M1", MaterialUpdate{
		Formula:  &formula,
		Metadata: map[string]any{"space_group": 136},
		Settings: &StageSettings{Partition: "long"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if m.Formula != "TiO2" || m.Metadata["space_group"] != 136 || m.Settings.Partition != "long" || m.Workflow != "chain" {
		t.Fatalf("unexpected material %+v", m)
	}
	if _, err := engine.UpdateMaterial(ctx, "M9", MaterialUpdate{Formula: &formula}); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	if _, err := engine.GetMaterial(ctx, "M9"); !IsNotFound(err) {
		t.Fatalf("expected not found material, got %v", err)
	}
	if _, err := engine.GetCalculation(ctx, "M9_OPT"); !IsNotFound(err) {
		t.Fatalf("expected not found calculation, got %v", err)
	}
	pending, err := engine.GetCalculationsByStatus(ctx, StatusPending)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected one pending calculation, got %d %v", len(pending), err)
	}
	summary, err := engine.Summary(ctx)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if len(summary) != len(AllStatuses) || summary[StatusPending] != 1 || summary[StatusCompleted] != 0 {
		t.Fatalf("unexpected summary %v", summary)
	}
}

func TestSyncStatuses(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	engine := newTestEngine(t, store, testCatalog(t, linear("chain", "OPT", "SP")))
	for _, id := range []string{"A", "B", "C", "D"} {
		addMaterial(t, engine, id, "chain")
		if _, err := engine.MarkSubmitted(ctx, id+"_OPT", "job-"+id); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}

	scheduler := map[string]Status{
		"A_OPT": StatusRunning,
		"B_OPT": StatusCompleted,
		"C_OPT": StatusPending,
	}
	lost := errors.New("job not found in queue")
	report, err := engine.SyncStatuses(ctx, StatusSourceFunc(func(_ context.Context, id string) (Status, error) {
		if st, ok := scheduler[id]; ok {
			return st, nil
		}
		return "", lost
	}))
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Checked != 4 || len(report.Changed) != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Changed["A_OPT"] != StatusRunning || report.Changed["B_OPT"] != StatusCompleted {
		t.Fatalf("unexpected changes %v", report.Changed)
	}
	if !errors.Is(report.Errors["D_OPT"], lost) {
		t.Fatalf("expected source error for D_OPT, got %v", report.Errors)
	}
	if st := mustCalculation(t, store, "C_OPT").Status; st != StatusSubmitted {
		t.Fatalf("backward status from source must be ignored, got %s", st)
	}
}

package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// CallbackRequest is one invocation of the engine from a job-completion hook or
// a periodic sweep. An empty CalculationID scans every completed calculation.
type CallbackRequest struct {
	CalculationID string
	Limits        AdmissionLimits
}

// CallbackSummary reports what one invocation created and admitted.
type CallbackSummary struct {
	InvocationID string             `json:"invocation_id"`
	Processed    int                `json:"processed"`
	Created      []string           `json:"created"`
	Inflight     int                `json:"inflight"`
	Budget       int                `json:"budget"`
	Admitted     []string           `json:"admitted"`
	Deferred     []string           `json:"deferred"`
	Errors       map[string][]error `json:"-"`
}

// ErrorMessages flattens Errors for display.
func (s CallbackSummary) ErrorMessages() map[string][]string {
	out := make(map[string][]string, len(s.Errors))
	for material, errs := range s.Errors {
		for _, err := range errs {
			out[material] = append(out[material], err.Error())
		}
	}
	return out
}

// Callback processes one calculation (or all of them), then picks which pending
// calculations the caller may submit now. It does not submit anything.
func (e *Engine) Callback(ctx context.Context, req CallbackRequest) (CallbackSummary, error) {
	summary := CallbackSummary{
		InvocationID: uuid.NewString(),
		Created:      []string{},
		Admitted:     []string{},
		Deferred:     []string{},
	}
	log := withLoggerFields(e.logger.WithContext(ctx), map[string]any{"invocation_id": summary.InvocationID})

	if id := strings.TrimSpace(req.CalculationID); id != "" {
		calc, err := e.GetCalculation(ctx, id)
		if err != nil {
			return summary, err
		}
		created, err := e.ExecuteWorkflowStep(ctx, calc.MaterialID, calc.ID)
		switch {
		case err == nil:
			summary.Processed = 1
			summary.Created = append(summary.Created, created...)
		case IsNotReady(err):
			log.Debug("callback for %s is a no-op: %v", id, err)
		default:
			summary.Errors = map[string][]error{calc.MaterialID: {err}}
		}
	} else {
		report, err := e.ProcessCompletedCalculations(ctx)
		if err != nil {
			return summary, err
		}
		summary.Processed = report.Processed
		summary.Created = append(summary.Created, report.NewCalculations...)
		summary.Errors = report.Errors
	}

	counts, err := e.store.CountByStatus(ctx)
	if err != nil {
		return summary, err
	}
	summary.Inflight = counts[StatusSubmitted] + counts[StatusRunning]

	pending, err := e.store.ListCalculations(ctx, CalculationFilter{Statuses: []Status{StatusPending}})
	if err != nil {
		return summary, err
	}
	candidates := make([]string, 0, len(pending))
	for _, c := range pending {
		candidates = append(candidates, c.ID)
	}
	summary.Budget = Budget(req.Limits, summary.Inflight)
	summary.Admitted = Admit(candidates, req.Limits, summary.Inflight)
	summary.Deferred = append(summary.Deferred, candidates[len(summary.Admitted):]...)

	log.Info("callback processed %d, created %d, admitted %d of %d pending (inflight %d)",
		summary.Processed, len(summary.Created), len(summary.Admitted), len(candidates), summary.Inflight)
	return summary, nil
}

// SubmissionSink hands a calculation to the external scheduler.
type SubmissionSink interface {
	Submit(ctx context.Context, calc Calculation) (jobID string, err error)
}

// SubmissionSinkFunc adapts a function to SubmissionSink.
type SubmissionSinkFunc func(ctx context.Context, calc Calculation) (string, error)

func (f SubmissionSinkFunc) Submit(ctx context.Context, calc Calculation) (string, error) {
	return f(ctx, calc)
}

// DispatchResult maps calculation ids to job ids or submission errors.
type DispatchResult struct {
	Submitted map[string]string
	Failed    map[string]error
}

// Dispatch submits every admitted calculation through sink and records the
// outcome: submitted with the job id, or failed with the sink's error.
func Dispatch(ctx context.Context, engine *Engine, sink SubmissionSink, admitted []string) (DispatchResult, error) {
	result := DispatchResult{Submitted: map[string]string{}, Failed: map[string]error{}}
	if engine == nil || sink == nil {
		return result, fmt.Errorf("dispatch requires an engine and a submission sink")
	}
	for _, id := range admitted {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		calc, err := engine.GetCalculation(ctx, id)
		if err != nil {
			result.Failed[id] = err
			continue
		}
		if calc.Status != StatusPending {
			continue
		}
		jobID, submitErr := sink.Submit(ctx, *calc)
		if submitErr != nil {
			result.Failed[id] = submitErr
			if _, err := engine.SetStatus(ctx, id, StatusFailed, StatusUpdate{Error: submitErr.Error()}); err != nil {
				return result, fmt.Errorf("record submission failure for %s: %w", id, err)
			}
			continue
		}
		if _, err := engine.MarkSubmitted(ctx, id, jobID); err != nil {
			return result, fmt.Errorf("record submission of %s: %w", id, err)
		}
		result.Submitted[id] = jobID
	}
	return result, nil
}

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Lewis0770/reorganization-sub005/cron"
	"github.com/Lewis0770/reorganization-sub005/flow"
)

type InitCmd struct{}

func (c *InitCmd) Run(rt *runtime) error {
	engine, err := rt.open()
	if err != nil {
		return err
	}
	// Any read creates the schema on first use.
	counts, err := engine.Summary(rt.ctx)
	if err != nil {
		return err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return rt.print(map[string]any{
		"driver":       rt.settings.Store.Driver,
		"workflows":    engine.Catalog().Names(),
		"calculations": total,
	})
}

type WorkflowsCmd struct{}

func (c *WorkflowsCmd) Run(rt *runtime) error {
	catalog, err := rt.catalog()
	if err != nil {
		return err
	}
	out := make(map[string]string, len(catalog.Names()))
	for _, name := range catalog.Names() {
		wf, err := catalog.Workflow(name)
		if err != nil {
			return err
		}
		out[name] = describeSequence(wf.Sequence)
	}
	return rt.print(out)
}

// describeSequence renders a sequence as "OPT -> SP -> [BAND DOSS]".
func describeSequence(seq flow.Sequence) string {
	var parts []string
	for level := 0; ; level++ {
		tokens := seq.LevelTokens(level)
		if len(tokens) == 0 {
			break
		}
		names := make([]string, len(tokens))
		for i, tok := range tokens {
			names[i] = tok.String()
		}
		if len(names) == 1 {
			parts = append(parts, names[0])
			continue
		}
		parts = append(parts, "["+strings.Join(names, " ")+"]")
	}
	return strings.Join(parts, " -> ")
}

type MaterialCmd struct {
	Add  MaterialAddCmd  `cmd:"" help:"Register a material and create its first calculations."`
	Show MaterialShowCmd `cmd:"" help:"Show a material and its calculations."`
	Set  MaterialSetCmd  `cmd:"" help:"Update a material's formula, metadata or settings."`
}

type MaterialAddCmd struct {
	ID       string            `arg:"" help:"Material identifier."`
	Workflow string            `help:"Workflow name." required:""`
	Formula  string            `help:"Chemical formula."`
	Meta     map[string]string `help:"Metadata entries (key=value;key=value)."`
	Settings string            `help:"Material-level stage settings as YAML or JSON, e.g. '{nodes: 2}'."`
}

func (c *MaterialAddCmd) Run(rt *runtime) error {
	engine, err := rt.open()
	if err != nil {
		return err
	}
	settings, err := parseStageSettings(c.Settings)
	if err != nil {
		return err
	}
	created, err := engine.AddMaterial(rt.ctx, flow.Material{
		ID:       c.ID,
		Workflow: c.Workflow,
		Formula:  c.Formula,
		Metadata: metadataMap(c.Meta),
		Settings: settings,
	})
	if err != nil {
		return err
	}
	return rt.print(map[string]any{"material": c.ID, "created": created})
}

type MaterialShowCmd struct {
	ID string `arg:"" help:"Material identifier."`
}

func (c *MaterialShowCmd) Run(rt *runtime) error {
	engine, err := rt.open()
	if err != nil {
		return err
	}
	material, err := engine.GetMaterial(rt.ctx, c.ID)
	if err != nil {
		return err
	}
	calcs, err := engine.ListCalculations(rt.ctx, c.ID)
	if err != nil {
		return err
	}
	return rt.print(map[string]any{"material": material, "calculations": calcs})
}

type MaterialSetCmd struct {
	ID       string            `arg:"" help:"Material identifier."`
	Formula  string            `help:"New formula."`
	Meta     map[string]string `help:"Metadata entries to set (key=value;key=value)."`
	Settings string            `help:"Replacement material-level stage settings as YAML or JSON."`
}

func (c *MaterialSetCmd) Run(rt *runtime) error {
	engine, err := rt.open()
	if err != nil {
		return err
	}
	update := flow.MaterialUpdate{Metadata: metadataMap(c.Meta)}
	if c.Formula != "" {
		update.Formula = &c.Formula
	}
	if c.Settings != "" {
		settings, err := parseStageSettings(c.Settings)
		if err != nil {
			return err
		}
		update.Settings = &settings
	}
	material, err := engine.UpdateMaterial(rt.ctx, c.ID, update)
	if err != nil {
		return err
	}
	return rt.print(material)
}

type CallbackCmd struct {
	Calc             string `help:"Process only this calculation. Scans every completed calculation when empty."`
	MaxTotalInflight int    `help:"Global cap on submitted plus running calculations." default:"-1"`
	ReservedHeadroom int    `help:"Slots kept free below the global cap." default:"-1"`
	MaxNew           int    `help:"Cap on calculations admitted by this call." default:"-1"`
	Submit           bool   `help:"Run submit.command for every admitted calculation."`
}

func (c *CallbackCmd) limits(base flow.AdmissionLimits) flow.AdmissionLimits {
	if c.MaxTotalInflight >= 0 {
		base.MaxTotalInflight = c.MaxTotalInflight
	}
	if c.ReservedHeadroom >= 0 {
		base.ReservedHeadroom = c.ReservedHeadroom
	}
	if c.MaxNew >= 0 {
		base.MaxNewThisCall = c.MaxNew
	}
	return base
}

func (c *CallbackCmd) Run(rt *runtime) error {
	engine, err := rt.open()
	if err != nil {
		return err
	}
	outcome, err := callback(rt.ctx, rt, engine, c.Calc, c.limits(rt.settings.Admission), c.Submit)
	if err != nil {
		return err
	}
	return rt.print(outcome)
}

type callbackOutcome struct {
	flow.CallbackSummary
	Failures     map[string][]string `json:"errors,omitempty"`
	Submitted    map[string]string   `json:"submitted,omitempty"`
	SubmitErrors map[string]string   `json:"submit_errors,omitempty"`
}

// callback runs one engine invocation and, when asked, submits what it admitted.
func callback(ctx context.Context, rt *runtime, engine *flow.Engine, calcID string, limits flow.AdmissionLimits, submit bool) (callbackOutcome, error) {
	summary, err := engine.Callback(ctx, flow.CallbackRequest{CalculationID: calcID, Limits: limits})
	if err != nil {
		return callbackOutcome{}, err
	}
	outcome := callbackOutcome{CallbackSummary: summary}
	if len(summary.Errors) > 0 {
		outcome.Failures = summary.ErrorMessages()
	}
	if !submit || len(summary.Admitted) == 0 {
		return outcome, nil
	}
	sink, err := newExecSink(rt.settings.Submit.Command, rt.settings.Submit.Timeout)
	if err != nil {
		return outcome, err
	}
	result, err := flow.Dispatch(ctx, engine, sink, summary.Admitted)
	outcome.Submitted = result.Submitted
	if len(result.Failed) > 0 {
		outcome.SubmitErrors = make(map[string]string, len(result.Failed))
		for id, failure := range result.Failed {
			outcome.SubmitErrors[id] = failure.Error()
		}
	}
	return outcome, err
}

type StatusCmd struct {
	Show StatusShowCmd `cmd:"" help:"Show one calculation."`
	Set  StatusSetCmd  `cmd:"" help:"Move a calculation to a new status."`
	List StatusListCmd `cmd:"" help:"List calculations in one status."`
	Sync StatusSyncCmd `cmd:"" help:"Poll status.command for every submitted or running calculation."`
}

type StatusShowCmd struct {
	ID string `arg:"" help:"Calculation identifier."`
}

func (c *StatusShowCmd) Run(rt *runtime) error {
	engine, err := rt.open()
	if err != nil {
		return err
	}
	calc, err := engine.GetCalculation(rt.ctx, c.ID)
	if err != nil {
		return err
	}
	return rt.print(calc)
}

type StatusSetCmd struct {
	ID     string `arg:"" help:"Calculation identifier."`
	Status string `arg:"" help:"New status (submitted, running, completed, failed)."`
	JobID  string `help:"Scheduler job id." name:"job-id"`
	Error  string `help:"Failure reason."`
}

func (c *StatusSetCmd) Run(rt *runtime) error {
	engine, err := rt.open()
	if err != nil {
		return err
	}
	to, err := flow.ParseStatus(c.Status)
	if err != nil {
		return err
	}
	calc, err := engine.SetStatus(rt.ctx, c.ID, to, flow.StatusUpdate{JobID: c.JobID, Error: c.Error})
	if err != nil {
		return err
	}
	return rt.print(calc)
}

type StatusListCmd struct {
	Status string `arg:"" help:"Status to list."`
}

func (c *StatusListCmd) Run(rt *runtime) error {
	engine, err := rt.open()
	if err != nil {
		return err
	}
	st, err := flow.ParseStatus(c.Status)
	if err != nil {
		return err
	}
	calcs, err := engine.GetCalculationsByStatus(rt.ctx, st)
	if err != nil {
		return err
	}
	return rt.print(calcs)
}

type StatusSyncCmd struct{}

func (c *StatusSyncCmd) Run(rt *runtime) error {
	engine, err := rt.open()
	if err != nil {
		return err
	}
	report, err := syncStatuses(rt.ctx, rt, engine)
	if err != nil {
		return err
	}
	return rt.print(report)
}

type syncOutcome struct {
	Checked int                    `json:"checked"`
	Changed map[string]flow.Status `json:"changed"`
	Errors  map[string]string      `json:"errors,omitempty"`
}

func syncStatuses(ctx context.Context, rt *runtime, engine *flow.Engine) (syncOutcome, error) {
	src, err := newExecStatusSource(rt.settings.Status.Command, rt.settings.Status.Timeout)
	if err != nil {
		return syncOutcome{}, err
	}
	report, err := engine.SyncStatuses(ctx, src)
	outcome := syncOutcome{Checked: report.Checked, Changed: report.Changed}
	if len(report.Errors) > 0 {
		outcome.Errors = make(map[string]string, len(report.Errors))
		for id, failure := range report.Errors {
			outcome.Errors[id] = failure.Error()
		}
	}
	return outcome, err
}

type RetryCmd struct {
	ID string `arg:"" help:"Failed calculation identifier."`
}

func (c *RetryCmd) Run(rt *runtime) error {
	engine, err := rt.open()
	if err != nil {
		return err
	}
	calc, err := engine.Retry(rt.ctx, c.ID)
	if err != nil {
		return err
	}
	return rt.print(calc)
}

type SkipCmd struct {
	ID string `arg:"" help:"Pending calculation identifier."`
}

func (c *SkipCmd) Run(rt *runtime) error {
	engine, err := rt.open()
	if err != nil {
		return err
	}
	calc, err := engine.Skip(rt.ctx, c.ID)
	if err != nil {
		return err
	}
	return rt.print(calc)
}

type SummaryCmd struct{}

func (c *SummaryCmd) Run(rt *runtime) error {
	engine, err := rt.open()
	if err != nil {
		return err
	}
	counts, err := engine.Summary(rt.ctx)
	if err != nil {
		return err
	}
	return rt.print(counts)
}

type WatchCmd struct {
	Schedule    string `help:"Cron expression. Defaults to watch.schedule."`
	Once        bool   `help:"Run one sweep and exit."`
	Submit      bool   `help:"Submit admitted calculations through submit.command."`
	SkipInitial bool   `help:"Do not sweep at startup; wait for the first scheduled tick." name:"skip-initial"`
}

func (c *WatchCmd) Run(rt *runtime) error {
	engine, err := rt.open()
	if err != nil {
		return err
	}
	settings := rt.settings
	sweep := func(ctx context.Context) error {
		if len(settings.Status.Command) > 0 {
			report, err := syncStatuses(ctx, rt, engine)
			if err != nil {
				return err
			}
			if len(report.Changed) > 0 {
				rt.logger.Info("sweep synced %d of %d in-flight calculations", len(report.Changed), report.Checked)
			}
		}
		outcome, err := callback(ctx, rt, engine, "", settings.Admission, c.Submit)
		if err != nil {
			return err
		}
		rt.logger.Info("sweep %s created %d, admitted %d, deferred %d",
			outcome.InvocationID, len(outcome.Created), len(outcome.Admitted), len(outcome.Deferred))
		return nil
	}

	if c.Once {
		return sweep(rt.ctx)
	}

	schedule := c.Schedule
	if schedule == "" {
		schedule = settings.Watch.Schedule
	}
	scheduler := cron.NewScheduler(
		cron.WithContext(rt.ctx),
		cron.WithLogger(cronLogger{logger: rt.logger}),
		cron.WithLogLevel(cron.ParseLogLevel(strings.ToLower(settings.Log.Level))),
		cron.WithErrorHandler(func(err error) {
			rt.logger.Error("sweep failed: %v", err)
		}),
	)
	handle, err := scheduler.ScheduleCron(cron.TaskConfig{
		Name:       "sweep",
		Expression: schedule,
		Timeout:    settings.Watch.Timeout,
		MaxRetries: settings.Watch.MaxRetries,
	}, sweep)
	if err != nil {
		return err
	}
	// Completions that arrived while nothing was watching are picked up after
	// watch.initial_delay instead of at the first tick.
	if !c.SkipInitial {
		_, err := scheduler.ScheduleAfter(settings.Watch.InitialDelay, cron.TaskConfig{
			Name:       "initial-sweep",
			Timeout:    settings.Watch.Timeout,
			MaxRetries: settings.Watch.MaxRetries,
		}, sweep)
		if err != nil {
			return err
		}
	}
	if err := scheduler.Start(rt.ctx); err != nil {
		return err
	}
	rt.logger.Info("watching with schedule %q", schedule)

	<-rt.ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := scheduler.Stop(stopCtx); err != nil {
		return err
	}
	rt.logger.Info("watch stopped after %d sweeps", handle.Runs())
	return nil
}

func parseStageSettings(raw string) (flow.StageSettings, error) {
	var settings flow.StageSettings
	if strings.TrimSpace(raw) == "" {
		return settings, nil
	}
	dec := yaml.NewDecoder(strings.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&settings); err != nil {
		return settings, fmt.Errorf("parse settings: %w", err)
	}
	return settings, settings.Validate()
}

func metadataMap(in map[string]string) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Lewis0770/reorganization-sub005/flow"
)

// CLI is the calcflow command tree.
type CLI struct {
	Config   string `help:"Settings file. Defaults to calcflow.yaml in . or ./config." type:"path" short:"c"`
	LogLevel string `help:"Override log.level (trace, debug, info, warn, error)." name:"log-level"`

	Init      InitCmd      `cmd:"" help:"Create the store schema and check the workflow file."`
	Workflows WorkflowsCmd `cmd:"" help:"List configured workflows."`
	Material  MaterialCmd  `cmd:"" help:"Register and inspect materials."`
	Callback  CallbackCmd  `cmd:"" help:"Progress workflows and admit pending calculations."`
	Status    StatusCmd    `cmd:"" help:"Read or change calculation status."`
	Retry     RetryCmd     `cmd:"" help:"Queue a new attempt of a failed calculation."`
	Skip      SkipCmd      `cmd:"" help:"Mark a pending calculation as skipped."`
	Summary   SummaryCmd   `cmd:"" help:"Count calculations by status."`
	Watch     WatchCmd     `cmd:"" help:"Run the callback on a schedule."`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "calcflow: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("calcflow"),
		kong.Description("Durable calculation workflows and job admission."),
		kong.Writers(stdout, stderr),
		kong.UsageOnError(),
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	rt := &runtime{
		ctx:          ctx,
		settingsFile: cli.Config,
		logLevel:     cli.LogLevel,
		out:          stdout,
		errOut:       stderr,
	}
	defer rt.close()
	return kctx.Run(rt)
}

// runtime carries what every command needs. The engine is opened lazily so
// commands that only read settings do not touch the store.
type runtime struct {
	ctx          context.Context
	settingsFile string
	logLevel     string
	out          io.Writer
	errOut       io.Writer

	settings *Settings
	logger   flow.Logger
	store    flow.Store
	engine   *flow.Engine
}

func (rt *runtime) loadSettings() (*Settings, error) {
	if rt.settings != nil {
		return rt.settings, nil
	}
	settings, err := LoadSettings(rt.settingsFile)
	if err != nil {
		return nil, err
	}
	if rt.logLevel != "" {
		settings.Log.Level = rt.logLevel
	}
	rt.settings = settings
	rt.logger = newLogger(rt.errOut, settings.Log.Level, settings.Log.Format)
	return settings, nil
}

func (rt *runtime) catalog() (*flow.Catalog, error) {
	settings, err := rt.loadSettings()
	if err != nil {
		return nil, err
	}
	cfg := flow.DefaultConfig()
	if settings.Workflows != "" {
		if cfg, err = flow.LoadConfig(settings.Workflows); err != nil {
			return nil, err
		}
	}
	return flow.NewCatalog(cfg)
}

func (rt *runtime) open() (*flow.Engine, error) {
	if rt.engine != nil {
		return rt.engine, nil
	}
	settings, err := rt.loadSettings()
	if err != nil {
		return nil, err
	}
	catalog, err := rt.catalog()
	if err != nil {
		return nil, err
	}
	store, err := openStore(rt.ctx, settings)
	if err != nil {
		return nil, err
	}
	engine, err := flow.NewEngine(store, catalog, flow.WithLogger(rt.logger))
	if err != nil {
		store.Close()
		return nil, err
	}
	rt.store = store
	rt.engine = engine
	return engine, nil
}

func (rt *runtime) close() error {
	if rt.store == nil {
		return nil
	}
	err := rt.store.Close()
	rt.store = nil
	rt.engine = nil
	return err
}

func (rt *runtime) print(v any) error {
	enc := json.NewEncoder(rt.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func openStore(ctx context.Context, settings *Settings) (flow.Store, error) {
	switch settings.Store.Driver {
	case "memory":
		return flow.NewInMemoryStore(), nil
	case "postgres":
		return flow.OpenPostgresStore(ctx, settings.Store.DSN, settings.Store.Prefix)
	case "sqlite":
		db, err := sql.Open("sqlite3", flow.SQLiteDSN(settings.Store.DSN))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return flow.NewSQLiteStore(db, settings.Store.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", settings.Store.Driver)
	}
}

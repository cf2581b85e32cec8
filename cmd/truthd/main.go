package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/metric"
	"gopkg.in/yaml.v3"

	"github.com/basket/truthd/internal/bus"
	"github.com/basket/truthd/internal/config"
	"github.com/basket/truthd/internal/maintenance"
	otelPkg "github.com/basket/truthd/internal/otel"
	"github.com/basket/truthd/internal/pricing"
	"github.com/basket/truthd/internal/shared"
	"github.com/basket/truthd/internal/telemetry"
	"github.com/basket/truthd/internal/truthstore"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SERVE MODE (default):
  %s [-root <dir>]            Open the project store and run maintenance sweeps
                              until interrupted

SUBCOMMANDS:
  %s init [options]           Initialize a project store
                              Options: -name <name>, -type <type> (default: traditional)
  %s status [-json]           Show queue, worker, and gate status
  %s report [-json]           Print the end-of-run summary report
  %s complete [-f <file>]     Validate a task-completion document and record it
  %s budget <amount_usd>      Set the project budget and alert threshold
  %s backup <dest>            Write an online backup of the store

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TRUTHD_HOME             Config directory (default: ~/.truthd)
  TRUTHD_LOG_LEVEL        Log level override (debug|info|warn|error)
  TRUTHD_BUDGET_USD       Budget override applied at startup

EXAMPLES:
  Initialize a project:   %s init -name myapp -type traditional
  Run the store service:  %s
  Queue and gate status:  %s status
  Summary report:         %s report -json
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	root := flag.String("root", ".", "project root directory (store lives in <root>/.truthd)")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "init":
			os.Exit(runInitCommand(ctx, *root, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, *root, args[1:]))
		case "report":
			os.Exit(runReportCommand(ctx, *root, args[1:]))
		case "complete":
			os.Exit(runCompleteCommand(ctx, *root, args[1:]))
		case "budget":
			os.Exit(runBudgetCommand(ctx, *root, args[1:]))
		case "backup":
			os.Exit(runBackupCommand(ctx, *root, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	os.Exit(runServe(ctx, *root))
}

func runServe(ctx context.Context, root string) int {
	// One trace id covers the startup sequence; sweeps get their own.
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if cfg.NeedsGenesis {
		if err := writeDefaultConfig(cfg.HomeDir); err != nil {
			fatalStartup(nil, "E_CONFIG_WRITE", err)
		}
		cfg, err = config.Load()
		if err != nil {
			fatalStartup(nil, "E_CONFIG_RELOAD", err)
		}
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  cfg.OTel.Enabled,
		Exporter: otelExporterFor(cfg.OTel),
		Endpoint: cfg.OTel.Endpoint,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	eventBus := bus.New()
	registry := truthstore.NewRegistry(eventBus)
	defer func() { _ = registry.CloseAll() }()

	store, err := registry.Open(root)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	store.SetMetrics(metrics)
	applyRuntimeConfig(store, cfg)
	logger.Info("startup phase", "phase", "schema_migrated", "root", root)

	// Recovery scan: requeue work left in_progress by a previous crash.
	reclaimed, err := store.ReclaimExpiredLeases(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "reclaimed", reclaimed)

	if err := seedBudget(ctx, store, cfg.Budget); err != nil {
		logger.Warn("failed to seed budget from config", "error", err)
	}

	sweeper := maintenance.NewSweeper(maintenance.Config{
		Store:       store,
		Logger:      logger,
		Maintenance: cfg.Maintenance,
		Metrics:     metrics,
		Tracer:      otelProvider.Tracer,
	})
	if err := sweeper.Start(ctx); err != nil {
		fatalStartup(logger, "E_MAINTENANCE_START", err)
	}
	defer sweeper.Stop()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed", "path", ev.Path, "error", err)
				continue
			}
			if newCfg.Budget != cfg.Budget {
				if err := store.SetBudget(ctx, newCfg.Budget.AmountUSD, newCfg.Budget.AlertThreshold); err != nil {
					logger.Error("failed to apply reloaded budget", "error", err)
				}
			}
			applyRuntimeConfig(store, newCfg)
			cfg = newCfg
			logger.Info("config.yaml hot-reloaded", "fingerprint", cfg.Fingerprint())
		}
	}()

	// Surface bus events in the service log so operators see decisions and
	// alerts without tailing the event table.
	sub := eventBus.Subscribe("")
	defer eventBus.Unsubscribe(sub)
	go func() {
		for ev := range sub.Ch() {
			switch payload := ev.Payload.(type) {
			case bus.BudgetEvent:
				logger.Warn("budget alert", "details", payload.Details)
			case bus.GateEvent:
				logger.Info("gate decision", "gate", payload.GateID, "status", payload.Status, "actor", payload.Actor)
				metrics.GateDecisions.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrGateID.String(payload.GateID)))
			case bus.TaskEvent:
				logger.Info("task transition", "task_id", payload.TaskID, "status", payload.Status, "worker", payload.WorkerID)
				attrs := metric.WithAttributes(
					otelPkg.AttrTaskID.Int64(payload.TaskID),
					otelPkg.AttrWorkerID.String(payload.WorkerID),
				)
				switch payload.Status {
				case string(truthstore.TaskComplete):
					metrics.TasksCompleted.Add(ctx, 1, attrs)
				case string(truthstore.TaskFailed):
					metrics.TasksFailed.Add(ctx, 1, attrs)
				}
			}
		}
	}()

	logger.Info("truthd ready", "version", Version, "home", cfg.HomeDir)
	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := otelProvider.Shutdown(shutdownCtx); err != nil {
		logger.Warn("otel shutdown incomplete", "error", err)
	}
	logger.Info("shutdown complete")
	return 0
}

// applyRuntimeConfig pushes the tunable knobs from config.yaml into the
// store and pricing table. Safe to call again on hot reload.
func applyRuntimeConfig(store *truthstore.Store, cfg config.Config) {
	store.SetLeaseDuration(time.Duration(cfg.LeaseSeconds) * time.Second)
	store.SetCacheTTL(time.Duration(cfg.CacheTTLHours) * time.Hour)

	overrides := make(map[string]pricing.ModelPricing, len(cfg.Pricing))
	for model, rate := range cfg.Pricing {
		overrides[model] = pricing.ModelPricing{
			InputPer1M:  rate.InputPer1M,
			OutputPer1M: rate.OutputPer1M,
		}
	}
	pricing.SetOverrides(overrides)
}

// seedBudget applies the configured budget once; re-applying on every start
// would reset the alert latch and re-fire crossing alerts.
func seedBudget(ctx context.Context, store *truthstore.Store, budget config.BudgetConfig) error {
	if budget.AmountUSD <= 0 {
		return nil
	}
	summary, err := store.GetCostSummary(ctx)
	if err != nil {
		return err
	}
	if summary.BudgetSet {
		return nil
	}
	return store.SetBudget(ctx, budget.AmountUSD, budget.AlertThreshold)
}

func otelExporterFor(cfg config.OTelConfig) string {
	if !cfg.Enabled {
		return "none"
	}
	if strings.TrimSpace(cfg.Endpoint) != "" {
		return "otlp-http"
	}
	return "stdout"
}

// writeDefaultConfig writes a commented default config.yaml. Used on first
// run when no config exists yet.
func writeDefaultConfig(homeDir string) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}
	cfg := config.Config{
		LogLevel:      "info",
		LeaseSeconds:  30,
		CacheTTLHours: 24,
		Maintenance: config.MaintenanceConfig{
			Enabled:         true,
			ReclaimSchedule: "@every 30s",
			PurgeSchedule:   "@every 1h",
			AgingSchedule:   "@every 10m",
			AgingAfterHours: 4,
		},
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(config.ConfigPath(homeDir), data, 0o644)
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"truthd","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func runBackupCommand(ctx context.Context, root string, args []string) int {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		fmt.Fprintln(os.Stderr, "usage: truthd backup <dest>")
		return 2
	}
	store, err := truthstore.Open(truthstore.DefaultDBPath(root), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	if err := store.Backup(ctx, args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return 1
	}
	fmt.Printf("backup written to %s\n", args[0])
	return 0
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/copp1723/unified-vendora-final/internal/cache"
	"github.com/copp1723/unified-vendora-final/internal/config"
	"github.com/copp1723/unified-vendora-final/internal/dispatcher"
	"github.com/copp1723/unified-vendora-final/internal/events"
	"github.com/copp1723/unified-vendora-final/internal/flow"
	"github.com/copp1723/unified-vendora-final/internal/llm"
	"github.com/copp1723/unified-vendora-final/internal/logging"
	"github.com/copp1723/unified-vendora-final/internal/model"
	"github.com/copp1723/unified-vendora-final/internal/specialist"
	"github.com/copp1723/unified-vendora-final/internal/store"
	"github.com/copp1723/unified-vendora-final/internal/validator"
	"github.com/copp1723/unified-vendora-final/internal/warehouse"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "demo":
		runDemo(os.Args[2:])
	case "validate-config":
		runValidateConfig(os.Args[2:])
	case "version":
		fmt.Printf("vendora %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: vendora <command> [options]

commands:
  demo             run sample queries through the full pipeline
  validate-config  load, normalise, and print the configuration
  version          print version`)
}

func runValidateConfig(args []string) {
	fs := flag.NewFlagSet("validate-config", flag.ExitOnError)
	cfgPath := fs.String("config", "vendora.yaml", "config file path")
	_ = fs.Parse(args)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	out, _ := yaml.Marshal(cfg)
	fmt.Print(string(out))
}

func runDemo(args []string) {
	fs := flag.NewFlagSet("demo", flag.ExitOnError)
	cfgPath := fs.String("config", "vendora.yaml", "config file path")
	tenant := fs.String("tenant", "dealer-demo", "tenant id for the demo queries")
	auditPath := fs.String("audit", "", "optional audit log path (JSONL)")
	watch := fs.Bool("watch-config", false, "hot-reload validation thresholds on config change")
	_ = fs.Parse(args)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	engine, cleanup, err := buildEngine(cfg, *cfgPath, *auditPath, *watch, logger)
	if err != nil {
		logger.Fatal("engine construction failed", zap.Error(err))
	}
	defer cleanup()

	queries := fs.Args()
	if len(queries) == 0 {
		queries = []string{
			"units sold last month",
			"top three selling models last quarter",
			"units sold last month", // cache hit
			"forecast next quarter revenue",
		}
	}

	for _, q := range queries {
		resp, failure := engine.Process(context.Background(), model.Request{
			Query:    q,
			TenantID: *tenant,
		})
		fmt.Printf("\n=== %s\n", q)
		if failure != nil {
			printJSON(failure)
			continue
		}
		printJSON(resp)
	}

	fmt.Println("\n=== metrics")
	printJSON(engine.Metrics())
}

// buildEngine wires the collaborators the way the configuration asks:
// Gemini or the offline stub for the model, SQLite or canned rows for
// the warehouse.
func buildEngine(cfg model.Config, cfgPath, auditPath string, watchConfig bool, logger *zap.Logger) (*flow.Engine, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	var gen llm.Generator
	switch cfg.Model.Provider {
	case "gemini":
		g, err := llm.NewGeminiGenerator(context.Background(), cfg.Model.APIKey, cfg.Model.ModelName)
		if err != nil {
			return nil, cleanup, fmt.Errorf("gemini: %w", err)
		}
		gen = g
	default:
		gen = &llm.StubGenerator{}
	}
	modelClient := llm.NewClient(gen, cfg.Model.MaxAttempts, cfg.ModelCallTimeout(), logger.Named("llm"))

	var exec warehouse.Executor
	switch cfg.Warehouse.Driver {
	case "sqlite":
		sq, err := warehouse.OpenSQLite(cfg.Warehouse.DSN)
		if err != nil {
			return nil, cleanup, fmt.Errorf("sqlite: %w", err)
		}
		cleanups = append(cleanups, func() { _ = sq.Close() })
		exec = sq
	default:
		exec = &warehouse.StubExecutor{}
	}
	wh := warehouse.NewClient(exec, cfg.Warehouse, logger.Named("warehouse"))

	bus := events.NewBus(256)
	cleanups = append(cleanups, bus.Close)

	if auditPath != "" {
		audit, err := events.NewAuditLogger(auditPath, 0)
		if err != nil {
			return nil, cleanup, fmt.Errorf("audit log: %w", err)
		}
		detach := audit.Attach(bus)
		cleanups = append(cleanups, func() {
			detach()
			_ = audit.Close()
		})
	}

	rt := config.NewRuntime(cfg)
	rc := cache.New(cfg.Cache.Capacity, cfg.CacheTTL())
	if watchConfig {
		stop, err := config.Watch(cfgPath, rt, func(next model.Config) {
			rc.SetTTL(next.CacheTTL())
		}, logger.Named("config"))
		if err != nil {
			logger.Warn("config watch unavailable", zap.Error(err))
		} else {
			cleanups = append(cleanups, func() { _ = stop() })
		}
	}

	engine := flow.NewEngine(cfg, flow.Deps{
		Store:      store.New(nil),
		Cache:      rc,
		Dispatcher: dispatcher.New(modelClient, logger.Named("dispatcher")),
		Standard:   specialist.NewStandard(modelClient, wh, cfg.Warehouse, logger.Named("specialist")),
		Senior:     specialist.NewSenior(modelClient, wh, cfg.Warehouse, logger.Named("specialist")),
		Validator:  validator.New(modelClient, cfg.Validation.MinAxisScore, rt.ThresholdFor, logger.Named("validator")),
		Bus:        bus,
		Logger:     logger.Named("flow"),
	})
	return engine, cleanup, nil
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal: %v\n", err)
		return
	}
	fmt.Println(string(out))
}

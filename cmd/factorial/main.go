// Command factorial runs an adaptive factorial experiment: a full factorial
// first round followed by Thompson-sampling rounds, persisting every round.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/factorial/internal/api"
	"github.com/banshee-data/factorial/internal/config"
	"github.com/banshee-data/factorial/internal/engine"
	"github.com/banshee-data/factorial/internal/experiment"
	"github.com/banshee-data/factorial/internal/store"
	"github.com/banshee-data/factorial/internal/version"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Experiment definition (JSON)")
	dbPath      = flag.String("db", "factorial.db", "SQLite database path (empty keeps experiments in memory)")
	resumeID    = flag.String("resume", "", "Resume a stored experiment by ID instead of creating one")
	rounds      = flag.Int("rounds", 0, "Rounds to run (0 uses the config value)")
	converged   = flag.Float64("stop-at", 0, "Stop once one arm holds this share of the allocation (0 disables)")
	listen      = flag.String("listen", "", "Serve the API and debug pages on this address (e.g. :8080)")
	outDir      = flag.String("out", "", "Write rollout CSV, PNG and effects HTML to this directory")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("factorial"))
		return
	}

	cfg, err := config.LoadExperimentConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		st     store.Store
		sqlite *store.SQLiteStore
	)
	if *dbPath == "" {
		st = store.NewMemoryStore()
	} else {
		sqlite, err = store.OpenSQLite(*dbPath)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer sqlite.Close()
		st = sqlite
	}

	exp, err := loadOrCreate(ctx, cfg, st, *resumeID)
	if err != nil {
		log.Fatalf("failed to set up experiment: %v", err)
	}
	log.Printf("experiment %s (%q): %d arms in the search space, %d trials so far",
		exp.ID(), exp.Name(), exp.SearchSpace().Size(), len(exp.Trials()))

	adapters, closeAdapters, err := buildAdapters(cfg)
	if err != nil {
		log.Fatalf("failed to set up metrics: %v", err)
	}
	defer closeAdapters()

	runner, err := engine.NewRunner(exp, engine.Config{
		Factorial:        cfg.FactorialGenerator(),
		Thompson:         cfg.ThompsonGenerator(),
		Adapters:         adapters,
		OptimizeForPower: cfg.GetOptimizeForPower(),
		RoundInterval:    cfg.GetRoundInterval(),
		Saver:            st,
	})
	if err != nil {
		log.Fatalf("failed to create runner: %v", err)
	}

	var server *http.Server
	if *listen != "" {
		mux := api.NewServer(exp, runner, st, cfg.GetMethod()).ServeMux()
		if sqlite != nil {
			if err := sqlite.AttachAdminRoutes(mux); err != nil {
				log.Fatalf("failed to attach admin routes: %v", err)
			}
		}
		server = &http.Server{Addr: *listen, Handler: api.LoggingMiddleware(mux)}
		go func() {
			log.Printf("Starting HTTP server on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()
	}

	n := *rounds
	if n <= 0 {
		n = cfg.GetRounds()
	}
	var rule engine.StopRule
	if *converged > 0 {
		rule = engine.StopWhenConverged(*converged)
	}
	runErr := runner.Run(ctx, n, rule)
	printSummary(runner.GetState(), exp)
	if runErr != nil {
		log.Printf("run ended with error: %v", runErr)
	}

	if *outDir != "" {
		paths, err := writeOutputs(exp, *outDir, cfg.GetMethod(), time.Now())
		if err != nil {
			log.Printf("failed to write outputs: %v", err)
		}
		for _, p := range paths {
			log.Printf("wrote %s", p)
		}
	}

	if server != nil && ctx.Err() == nil {
		log.Printf("run finished; serving results until interrupted")
		<-ctx.Done()
	}
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}
	if runErr != nil {
		os.Exit(1)
	}
}

func printSummary(state engine.State, exp *experiment.Experiment) {
	log.Printf("runner %s: %d/%d rounds", state.Status, state.CompletedRounds, state.TotalRounds)
	if state.StopReason != "" {
		log.Printf("stopped: %s", state.StopReason)
	}
	for _, r := range state.Rounds {
		log.Printf("  trial %d [%s] %s: %d arms in %v", r.TrialIndex, r.GeneratorKey, r.TrialStatus, r.NumArms, r.Duration.Round(time.Millisecond))
	}
	trace := exp.History().Trace(exp.Objective())
	if len(trace) > 0 {
		best := trace[len(trace)-1]
		log.Printf("best %s so far: %.6f (arm %s, trial %d)", exp.Objective().Metric, best.Best, best.ArmName, best.TrialIndex)
	}
}

// Command metric-sim serves the simulated metrics of an experiment
// definition over gRPC, for use as a remote metric by cmd/factorial.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/banshee-data/factorial/internal/config"
	"github.com/banshee-data/factorial/internal/metric"
	"github.com/banshee-data/factorial/internal/monitoring"
)

var (
	configPath = flag.String("config", config.DefaultConfigPath, "Experiment definition whose simulated metrics are served")
	listen     = flag.String("listen", ":50051", "gRPC listen address")
	quiet      = flag.Bool("quiet", false, "Suppress per-server log output")
)

func main() {
	flag.Parse()
	if *quiet {
		monitoring.SetLogger(nil)
	}

	cfg, err := config.LoadExperimentConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	space, err := cfg.SearchSpace()
	if err != nil {
		log.Fatalf("invalid search space: %v", err)
	}

	router := simulatedRouter(cfg)
	if len(router) == 0 {
		log.Fatalf("%s declares no simulated metrics", *configPath)
	}

	srv := &metric.Server{Fetcher: router, Space: space}
	if err := srv.Start(*listen); err != nil {
		log.Fatalf("failed to start gRPC server: %v", err)
	}
	log.Printf("serving %d simulated metrics on %s", len(router), srv.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Println("shutting down gRPC server...")
	srv.Stop()
}

// simulatedRouter routes every simulated metric of cfg to its model.
func simulatedRouter(cfg *config.ExperimentConfig) metric.Router {
	router := make(metric.Router)
	for _, m := range cfg.Metrics {
		if sim := m.Simulated(); sim != nil {
			router[m.Name] = sim
		}
	}
	return router
}

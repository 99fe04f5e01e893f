package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/banshee-data/factorial/internal/config"
	"github.com/banshee-data/factorial/internal/experiment"
	"github.com/banshee-data/factorial/internal/metric"
	"github.com/banshee-data/factorial/internal/report"
	"github.com/banshee-data/factorial/internal/shrinkage"
	"github.com/banshee-data/factorial/internal/store"
)

// loadOrCreate restores the experiment with id, or creates a new one from
// cfg and saves it.
func loadOrCreate(ctx context.Context, cfg *config.ExperimentConfig, st store.Store, id string) (*experiment.Experiment, error) {
	if id != "" {
		return st.Load(ctx, id)
	}
	opts, err := cfg.ExperimentOptions()
	if err != nil {
		return nil, err
	}
	exp, err := experiment.New(opts)
	if err != nil {
		return nil, err
	}
	if err := st.Save(ctx, exp); err != nil {
		return nil, err
	}
	return exp, nil
}

// buildAdapters creates one adapter per configured metric. Remote metrics
// share a connection per address; the returned func closes them.
func buildAdapters(cfg *config.ExperimentConfig) ([]metric.Adapter, func(), error) {
	conns := make(map[string]*grpc.ClientConn)
	closeAll := func() {
		for _, c := range conns {
			c.Close()
		}
	}

	adapters := make([]metric.Adapter, 0, len(cfg.Metrics))
	for _, m := range cfg.Metrics {
		if m.Remote == nil {
			adapters = append(adapters, metric.NewSimulated(m.Name, m.Simulated(), cfg.GetConcurrency()))
			continue
		}
		conn, ok := conns[*m.Remote]
		if !ok {
			var err error
			conn, err = grpc.NewClient(*m.Remote, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("metric %q: connecting to %s: %w", m.Name, *m.Remote, err)
			}
			conns[*m.Remote] = conn
		}
		adapters = append(adapters, metric.NewRemote(m.Name, conn, cfg.GetConcurrency()))
	}
	return adapters, closeAll, nil
}

// writeOutputs writes the rollout CSVs, the rollout PNG and, once a trial
// has completed, the predicted-effects HTML.
func writeOutputs(exp *experiment.Experiment, dir string, method shrinkage.Method, at time.Time) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	stem := filepath.Join(dir, report.Timestamped(exp.Name(), at))
	tuples := report.Rollout(exp.History())
	var written []string

	summaryPath, rawPath := stem+"-summary.csv", stem+"-rollout.csv"
	summary, err := os.Create(summaryPath)
	if err != nil {
		return written, err
	}
	defer summary.Close()
	raw, err := os.Create(rawPath)
	if err != nil {
		return written, err
	}
	defer raw.Close()
	if err := report.NewCSVWriter(summary, raw).WriteRollout(tuples, report.ParameterNames(tuples)); err != nil {
		return written, fmt.Errorf("writing rollout CSV: %w", err)
	}
	written = append(written, summaryPath, rawPath)

	if len(tuples) > 0 {
		pngPath := stem + "-rollout.png"
		f, err := os.Create(pngPath)
		if err != nil {
			return written, err
		}
		err = report.WriteRolloutPNG(f, tuples, report.DefaultMaxPlotArms)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return written, fmt.Errorf("writing rollout plot: %w", err)
		}
		written = append(written, pngPath)
	}

	rows, err := report.PredictedEffects(exp, method)
	if errors.Is(err, experiment.ErrDataNotReady) {
		return written, nil
	}
	if err != nil {
		return written, fmt.Errorf("computing effects: %w", err)
	}
	htmlPath := stem + "-effects.html"
	f, err := os.Create(htmlPath)
	if err != nil {
		return written, err
	}
	err = report.RenderEffectsHTML(f, exp.Name()+": predicted effects", exp.Objective().Metric, rows)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return written, fmt.Errorf("writing effects chart: %w", err)
	}
	return append(written, htmlPath), nil
}

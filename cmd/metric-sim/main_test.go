package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/banshee-data/factorial/internal/config"
	"github.com/banshee-data/factorial/internal/experiment"
	"github.com/banshee-data/factorial/internal/metric"
)

func TestSimulatedRouterServesRemoteMetrics(t *testing.T) {
	cfg, err := config.LoadExperimentConfig(filepath.Join("..", "..", config.DefaultConfigPath))
	require.NoError(t, err)
	space, err := cfg.SearchSpace()
	require.NoError(t, err)

	router := simulatedRouter(cfg)
	require.Len(t, router, 2)

	srv := &metric.Server{Fetcher: router, Space: space}
	require.NoError(t, srv.Start("127.0.0.1:0"))
	defer srv.Stop()

	conn, err := grpc.NewClient(srv.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	arm, err := space.NewArm(map[string]interface{}{"color": "blue", "size": 14, "discount": 0.1})
	require.NoError(t, err)
	ta := experiment.TrialArm{Name: "0_1", Arm: arm, Weight: 1}

	remote := &metric.Remote{Conn: conn}
	for _, m := range cfg.Metrics {
		got, err := remote.FetchArm(context.Background(), m.Name, 0, ta, 0.1)
		require.NoError(t, err, m.Name)
		want, err := m.Simulated().FetchArm(context.Background(), m.Name, 0, ta, 0.1)
		require.NoError(t, err)
		assert.Equal(t, want, got, m.Name)
	}

	_, err = remote.FetchArm(context.Background(), "unknown", 0, ta, 0.1)
	assert.ErrorIs(t, err, experiment.ErrAdapterFailure)
}

package metric

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/factorial/internal/experiment"
)

func runningTrial(t *testing.T, levels ...interface{}) *experiment.Trial {
	t.Helper()
	return runningTrialOf(t, variantSpace(t, experiment.TypeString, levels...))
}

func variantSpace(t *testing.T, typ experiment.ParameterType, levels ...interface{}) *experiment.SearchSpace {
	t.Helper()
	p, err := experiment.NewParameter("variant", typ, levels...)
	require.NoError(t, err)
	space, err := experiment.NewSearchSpace(p)
	require.NoError(t, err)
	return space
}

// runningTrialOf attaches one arm per level of the "variant" parameter.
func runningTrialOf(t *testing.T, space *experiment.SearchSpace) *experiment.Trial {
	t.Helper()
	levels := space.Parameters()[0].Levels
	e, err := experiment.New(experiment.Options{SearchSpace: space, Objective: experiment.Objective{Metric: "conversion"}})
	require.NoError(t, err)

	var arms []experiment.WeightedArm
	for _, l := range levels {
		a, err := space.NewArm(map[string]interface{}{"variant": l})
		require.NoError(t, err)
		arms = append(arms, experiment.WeightedArm{Arm: a, Weight: 1})
	}
	run, err := experiment.NewGeneratorRun("manual", arms)
	require.NoError(t, err)
	tr, err := e.AttachGeneratorRun(run, experiment.AttachOptions{})
	require.NoError(t, err)
	require.NoError(t, tr.Run())
	return tr
}

func TestParallel_FetchesEveryArm(t *testing.T) {
	tr := runningTrial(t, "a", "b", "c", "d")

	var inFlight, peak atomic.Int32
	fetcher := ArmFetcherFunc(func(ctx context.Context, metric string, trialIndex int, arm experiment.TrialArm, weight float64) (experiment.Result, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		assert.InDelta(t, 0.25, weight, 1e-12)
		v, _ := arm.Arm.Value("variant")
		return experiment.Result{Mean: float64(len(v.(string))), SEM: 0.1}, nil
	})

	p := &Parallel{Metric: "conversion", Fetcher: fetcher, Concurrency: 2}
	assert.Equal(t, "conversion", p.Name())
	rs, err := p.Fetch(context.Background(), tr)
	require.NoError(t, err)
	require.Len(t, rs, 4)
	for _, ta := range tr.Arms() {
		assert.Equal(t, 1.0, rs[ta.Name].Mean)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))

	require.NoError(t, tr.Complete(experiment.TrialData{"conversion": rs}))
}

func TestParallel_ErrorDiscardsPartialResults(t *testing.T) {
	tr := runningTrial(t, "a", "b", "c")
	boom := errors.New("upstream 503")
	fetcher := ArmFetcherFunc(func(ctx context.Context, metric string, trialIndex int, arm experiment.TrialArm, weight float64) (experiment.Result, error) {
		if arm.Name == "0_1" {
			return experiment.Result{}, boom
		}
		return experiment.Result{Mean: 1}, nil
	})

	rs, err := (&Parallel{Metric: "m", Fetcher: fetcher}).Fetch(context.Background(), tr)
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, rs)
}

func TestCollect_ClassifiesErrors(t *testing.T) {
	tr := runningTrial(t, "a", "b")
	fail := func(err error) Adapter {
		return &Parallel{Metric: "conversion", Fetcher: ArmFetcherFunc(func(context.Context, string, int, experiment.TrialArm, float64) (experiment.Result, error) {
			return experiment.Result{}, err
		})}
	}

	_, err := Collect(context.Background(), tr, []Adapter{fail(errors.New("disk full"))})
	assert.ErrorIs(t, err, experiment.ErrAdapterFailure)

	_, err = Collect(context.Background(), tr, []Adapter{fail(context.Canceled)})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, experiment.ErrAdapterFailure)

	_, err = Collect(context.Background(), tr, []Adapter{fail(experiment.ErrInvalidObservation)})
	assert.ErrorIs(t, err, experiment.ErrInvalidObservation)
}

func TestCollect_MergesMetrics(t *testing.T) {
	tr := runningTrial(t, "a", "b")
	constant := func(name string, v float64) Adapter {
		return &Parallel{Metric: name, Fetcher: ArmFetcherFunc(func(context.Context, string, int, experiment.TrialArm, float64) (experiment.Result, error) {
			return experiment.Result{Mean: v, SEM: 0.1}, nil
		})}
	}
	data, err := Collect(context.Background(), tr, []Adapter{constant("conversion", 0.2), constant("latency", 120)})
	require.NoError(t, err)
	assert.Equal(t, 0.2, data["conversion"]["0_0"].Mean)
	assert.Equal(t, 120.0, data["latency"]["0_1"].Mean)
}

func TestSimulated_Bernoulli(t *testing.T) {
	tr := runningTrial(t, "control", "treatment")
	sim := &Simulated{
		Intercept:  -1,
		Effects:    map[string]map[string]float64{"variant": {"treatment": 0.5}},
		Population: 200000,
		Seed:       11,
	}
	arms := tr.Arms()
	assert.InDelta(t, 1/(1+math.Exp(1)), sim.TrueMean(arms[0].Arm), 1e-12)

	adapter := NewSimulated("conversion", sim, 0)
	rs, err := adapter.Fetch(context.Background(), tr)
	require.NoError(t, err)

	for _, ta := range arms {
		r := rs[ta.Name]
		assert.Equal(t, int64(100000), r.N)
		assert.InDelta(t, sim.TrueMean(ta.Arm), r.Mean, 5*r.SEM)
		assert.InDelta(t, math.Sqrt(r.Mean*(1-r.Mean)/float64(r.N)), r.SEM, 1e-12)
	}

	again, err := adapter.Fetch(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, rs, again, "same seed must reproduce results")
}

func TestSimulated_Gaussian(t *testing.T) {
	tr := runningTrial(t, "slow", "fast")
	sim := &Simulated{
		Distribution: Gaussian,
		Intercept:    200,
		Effects:      map[string]map[string]float64{"variant": {"fast": -40}},
		Population:   4000,
		StdDev:       25,
		Seed:         3,
	}
	rs, err := NewSimulated("latency", sim, 1).Fetch(context.Background(), tr)
	require.NoError(t, err)
	assert.InDelta(t, 200, rs["0_0"].Mean, 5*rs["0_0"].SEM)
	assert.InDelta(t, 160, rs["0_1"].Mean, 5*rs["0_1"].SEM)
	assert.InDelta(t, 25/math.Sqrt(2000), rs["0_1"].SEM, 0.1)
}

func TestSimulated_CancelledContext(t *testing.T) {
	tr := runningTrial(t, "a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSimulated("m", &Simulated{Population: 10}, 0).Fetch(ctx, tr)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = NewSimulated("m", &Simulated{Distribution: "poisson", Population: 10}, 0).Fetch(context.Background(), tr)
	assert.Error(t, err)
}

func TestRouter(t *testing.T) {
	tr := runningTrial(t, "a", "b")
	constant := func(v float64) ArmFetcherFunc {
		return func(context.Context, string, int, experiment.TrialArm, float64) (experiment.Result, error) {
			return experiment.Result{Mean: v, SEM: 0.1}, nil
		}
	}
	router := Router{"conversion": constant(1), "revenue": constant(2)}

	data, err := Collect(context.Background(), tr, []Adapter{
		&Parallel{Metric: "conversion", Fetcher: router},
		&Parallel{Metric: "revenue", Fetcher: router},
	})
	require.NoError(t, err)
	for _, r := range data["revenue"] {
		assert.Equal(t, 2.0, r.Mean)
	}

	_, err = Collect(context.Background(), tr, []Adapter{&Parallel{Metric: "latency", Fetcher: router}})
	assert.ErrorIs(t, err, experiment.ErrAdapterFailure)
}

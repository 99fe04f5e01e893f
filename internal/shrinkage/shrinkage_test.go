package shrinkage

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/banshee-data/factorial/internal/experiment"
)

func obsOf(means, sems []float64) []Observation {
	out := make([]Observation, len(means))
	for i := range means {
		out[i] = Observation{Name: string(rune('a' + i)), Mean: means[i], SEM: sems[i]}
	}
	return out
}

func TestFit_MethodOfMoments(t *testing.T) {
	// var(y) = 166.67, mean(sem^2) = 1 -> tau^2 = 165.67
	m, err := Fit(obsOf([]float64{0, 10, 20, 30}, []float64{1, 1, 1, 1}), Options{})
	require.NoError(t, err)

	assert.Equal(t, MethodMoments, m.Method)
	assert.InDelta(t, 500.0/3-1, m.Tau2, 1e-9)
	assert.InDelta(t, 15, m.GrandMean, 1e-9)

	b := m.Tau2 / (m.Tau2 + 1)
	p, ok := m.Posterior("a")
	require.True(t, ok)
	assert.InDelta(t, b, p.Shrinkage, 1e-12)
	assert.InDelta(t, 15+b*(0-15), p.Mean, 1e-9)
	assert.InDelta(t, b*1+(1-b)*(1-b)*m.GrandMeanVariance, p.Variance, 1e-12)
	assert.InDelta(t, math.Sqrt(p.Variance), p.SD(), 1e-12)
}

func TestFit_ClampsNegativeTau2(t *testing.T) {
	// Between-arm spread is much smaller than the noise.
	m, err := Fit(obsOf([]float64{1.0, 1.1, 0.9}, []float64{2, 2, 2}), Options{})
	require.NoError(t, err)

	assert.Equal(t, 0.0, m.Tau2)
	for _, p := range m.Posteriors {
		assert.Equal(t, 0.0, p.Shrinkage)
		assert.InDelta(t, m.GrandMean, p.Mean, 1e-12)
		assert.InDelta(t, m.GrandMeanVariance, p.Variance, 1e-12)
	}
	assert.InDelta(t, 1.0, m.GrandMean, 1e-12)
	assert.InDelta(t, 4.0/3, m.GrandMeanVariance, 1e-12)
}

func TestFit_SingleArm(t *testing.T) {
	m, err := Fit([]Observation{{Name: "only", Mean: 3, SEM: 0.5}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0.0, m.Tau2)
	assert.Equal(t, 3.0, m.Posteriors[0].Mean)
	assert.InDelta(t, 0.25, m.Posteriors[0].Variance, 1e-12)
}

func TestFit_ZeroVarianceArms(t *testing.T) {
	m, err := Fit(obsOf([]float64{2, 4}, []float64{0, 0}), Options{})
	require.NoError(t, err)
	// tau^2 = var(y) = 2, every sem is 0 so no shrinkage.
	assert.InDelta(t, 2, m.Tau2, 1e-12)
	for _, p := range m.Posteriors {
		assert.Equal(t, 1.0, p.Shrinkage)
		assert.Equal(t, p.RawMean, p.Mean)
	}

	identical, err := Fit(obsOf([]float64{2, 2}, []float64{0, 0}), Options{})
	require.NoError(t, err)
	assert.Equal(t, 2.0, identical.GrandMean)
	assert.Equal(t, 0.0, identical.GrandMeanVariance)
}

func TestFit_ShrinkageFactorLimits(t *testing.T) {
	means := []float64{0, 10, 20, 30, 12}
	base := []float64{1, 1, 1, 1, 1}

	var prev = 2.0
	for _, sem := range []float64{1e-6, 0.1, 1, 3, 10} {
		sems := append([]float64(nil), base...)
		sems[4] = sem
		m, err := Fit(obsOf(means, sems), Options{})
		require.NoError(t, err)
		b := m.Posteriors[4].Shrinkage
		assert.LessOrEqual(t, b, prev, "shrinkage factor should fall as sem grows")
		prev = b
		if sem == 1e-6 {
			assert.Greater(t, b, 0.999999)
			assert.InDelta(t, 12, m.Posteriors[4].Mean, 1e-4)
		}
	}

	sems := append([]float64(nil), base...)
	sems[4] = 1e6
	m, err := Fit(obsOf(means, sems), Options{})
	require.NoError(t, err)
	assert.Less(t, m.Posteriors[4].Shrinkage, 1e-6)
	assert.InDelta(t, m.GrandMean, m.Posteriors[4].Mean, 1e-4)
}

func TestFit_DerSimonianLaird(t *testing.T) {
	obs := obsOf([]float64{0, 10, 20, 30}, []float64{1, 1, 1, 1})
	m, err := Fit(obs, Options{Method: MethodDerSimonianLaird})
	require.NoError(t, err)
	// Equal sem: Q = 500, C = 4 - 1 = 3 -> tau^2 = (500-3)/3.
	assert.InDelta(t, 497.0/3, m.Tau2, 1e-9)

	fallback, err := Fit(obsOf([]float64{0, 10}, []float64{0, 1}), Options{Method: MethodDerSimonianLaird})
	require.NoError(t, err)
	assert.InDelta(t, 50-0.5, fallback.Tau2, 1e-9)

	_, err = Fit(obs, Options{Method: "reml"})
	assert.Error(t, err)
}

func TestFit_InvalidObservations(t *testing.T) {
	zero := 0.0
	one := 1.0
	tests := []struct {
		name string
		obs  []Observation
		opts Options
	}{
		{"empty", nil, Options{}},
		{"nan mean", []Observation{{Name: "a", Mean: math.NaN(), SEM: 1}}, Options{}},
		{"inf sem", []Observation{{Name: "a", Mean: 1, SEM: math.Inf(1)}}, Options{}},
		{"negative sem", []Observation{{Name: "a", Mean: 1, SEM: -1}}, Options{}},
		{"below lower bound", []Observation{{Name: "a", Mean: -1, SEM: 1}}, Options{LowerBound: &zero}},
		{"above upper bound", []Observation{{Name: "a", Mean: 2, SEM: 1}}, Options{UpperBound: &one}},
		{"duplicate", []Observation{{Name: "a", Mean: 1}, {Name: "a", Mean: 2}}, Options{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Fit(tt.obs, tt.opts)
			if !errors.Is(err, experiment.ErrInvalidObservation) {
				t.Fatalf("expected ErrInvalidObservation, got %v", err)
			}
		})
	}
}

func TestFit_EstimateBetweenRawAndGrandMean(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 30).Draw(t, "n")
		obs := make([]Observation, n)
		for i := range obs {
			obs[i] = Observation{
				Name: string(rune('A' + i)),
				Mean: rapid.Float64Range(-100, 100).Draw(t, "mean"),
				SEM:  rapid.Float64Range(0.001, 50).Draw(t, "sem"),
			}
		}
		m, err := Fit(obs, Options{})
		if err != nil {
			t.Fatalf("fit: %v", err)
		}
		const eps = 1e-9
		for _, p := range m.Posteriors {
			lo := math.Min(p.RawMean, m.GrandMean) - eps
			hi := math.Max(p.RawMean, m.GrandMean) + eps
			if p.Mean < lo || p.Mean > hi {
				t.Fatalf("arm %s: shrunk %v outside [%v, %v]", p.Name, p.Mean, lo, hi)
			}
			if p.Shrinkage < 0 || p.Shrinkage > 1 {
				t.Fatalf("arm %s: shrinkage factor %v outside [0,1]", p.Name, p.Shrinkage)
			}
			if p.Variance < 0 {
				t.Fatalf("arm %s: negative posterior variance %v", p.Name, p.Variance)
			}
		}
	})
}

func TestObservationsFromTrial(t *testing.T) {
	a, err := experiment.NewParameter("x", experiment.TypeInt, 1, 2)
	require.NoError(t, err)
	space, err := experiment.NewSearchSpace(a)
	require.NoError(t, err)
	e, err := experiment.New(experiment.Options{SearchSpace: space, Objective: experiment.Objective{Metric: "m"}})
	require.NoError(t, err)

	arm1, _ := space.NewArm(map[string]interface{}{"x": 1})
	arm2, _ := space.NewArm(map[string]interface{}{"x": 2})
	run, err := experiment.NewGeneratorRun("manual", []experiment.WeightedArm{{Arm: arm1, Weight: 1}, {Arm: arm2, Weight: 1}})
	require.NoError(t, err)
	tr, err := e.AttachGeneratorRun(run, experiment.AttachOptions{})
	require.NoError(t, err)

	_, err = ObservationsFromTrial(tr, "m")
	assert.ErrorIs(t, err, experiment.ErrDataNotReady)

	require.NoError(t, tr.Run())
	require.NoError(t, tr.Complete(experiment.TrialData{"m": {"0_0": {Mean: 1, SEM: 0.1}, "0_1": {Mean: 2, SEM: 0.2}}}))

	obs, err := ObservationsFromTrial(tr, "m")
	require.NoError(t, err)
	assert.Equal(t, []Observation{{Name: "0_0", Mean: 1, SEM: 0.1}, {Name: "0_1", Mean: 2, SEM: 0.2}}, obs)
}

package generator

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/banshee-data/factorial/internal/experiment"
	"github.com/banshee-data/factorial/internal/shrinkage"
)

func space234(t *testing.T) *experiment.SearchSpace {
	t.Helper()
	a, err := experiment.NewParameter("color", experiment.TypeString, "red", "blue")
	require.NoError(t, err)
	b, err := experiment.NewParameter("size", experiment.TypeInt, 1, 2, 3)
	require.NoError(t, err)
	c, err := experiment.NewParameter("rate", experiment.TypeFloat64, 0.1, 0.2, 0.3, 0.4)
	require.NoError(t, err)
	s, err := experiment.NewSearchSpace(a, b, c)
	require.NoError(t, err)
	return s
}

func TestFactorial_EnumeratesUniverse(t *testing.T) {
	s := space234(t)
	run, err := Factorial{}.Generate(Input{SearchSpace: s})
	require.NoError(t, err)
	assert.Equal(t, FactorialKey, run.GeneratorKey)

	arms := run.Arms()
	require.Len(t, arms, 24)
	seen := make(map[string]bool)
	for _, wa := range arms {
		assert.Equal(t, 1.0, wa.Weight)
		assert.False(t, seen[wa.Arm.Signature()], "duplicate arm %s", wa.Arm)
		seen[wa.Arm.Signature()] = true
		assert.True(t, s.Contains(wa.Arm))
	}

	// Last-declared parameter varies fastest.
	want := []map[string]interface{}{
		{"color": "red", "size": 1, "rate": 0.1},
		{"color": "red", "size": 1, "rate": 0.2},
		{"color": "red", "size": 1, "rate": 0.3},
		{"color": "red", "size": 1, "rate": 0.4},
		{"color": "red", "size": 2, "rate": 0.1},
	}
	for i, w := range want {
		assert.Equal(t, w, arms[i].Arm.Parameters(), "arm %d", i)
	}
	assert.Equal(t, map[string]interface{}{"color": "blue", "size": 3, "rate": 0.4}, arms[23].Arm.Parameters())

	again, err := Factorial{}.Generate(Input{SearchSpace: s})
	require.NoError(t, err)
	for i := range arms {
		assert.Equal(t, arms[i].Arm.Signature(), again.Arms()[i].Arm.Signature())
	}
}

func TestFactorial_StatusQuo(t *testing.T) {
	s := space234(t)
	inside, err := s.NewArm(map[string]interface{}{"color": "blue", "size": 2, "rate": 0.3})
	require.NoError(t, err)
	run, err := Factorial{}.Generate(Input{SearchSpace: s, StatusQuo: inside})
	require.NoError(t, err)
	assert.Equal(t, 24, run.Len())

	outside, err := s.NewOutOfDesignArm(map[string]interface{}{"color": "none", "size": 0, "rate": 0})
	require.NoError(t, err)
	run, err = Factorial{}.Generate(Input{SearchSpace: s, StatusQuo: outside})
	require.NoError(t, err)
	require.Equal(t, 25, run.Len())
	assert.True(t, run.Arms()[24].Arm.Equal(outside))
}

func TestFactorial_CapacityExceeded(t *testing.T) {
	s := space234(t)
	_, err := Factorial{CapacityCap: 23}.Generate(Input{SearchSpace: s})
	assert.ErrorIs(t, err, experiment.ErrCapacityExceeded)

	run, err := Factorial{CapacityCap: 24}.Generate(Input{SearchSpace: s})
	require.NoError(t, err)
	assert.Equal(t, 24, run.Len())

	var params []experiment.Parameter
	for i := 0; i < 5; i++ {
		p, err := experiment.RangeParameter(fmt.Sprintf("p%d", i), experiment.TypeInt, 1, 10, 1)
		require.NoError(t, err)
		params = append(params, p)
	}
	big, err := experiment.NewSearchSpace(params...)
	require.NoError(t, err)
	_, err = Factorial{}.Generate(Input{SearchSpace: big})
	assert.ErrorIs(t, err, experiment.ErrCapacityExceeded)
}

func TestFactorial_CompletenessProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		dims := rapid.SliceOfN(rapid.IntRange(1, 6), 1, 4).Draw(t, "cardinalities")
		params := make([]experiment.Parameter, len(dims))
		want := 1
		for i, n := range dims {
			levels := make([]interface{}, n)
			for j := range levels {
				levels[j] = j
			}
			p, err := experiment.NewParameter(fmt.Sprintf("f%d", i), experiment.TypeInt, levels...)
			if err != nil {
				t.Fatal(err)
			}
			params[i] = p
			want *= n
		}
		s, err := experiment.NewSearchSpace(params...)
		if err != nil {
			t.Fatal(err)
		}
		run, err := Factorial{}.Generate(Input{SearchSpace: s})
		if err != nil {
			t.Fatal(err)
		}
		seen := make(map[string]struct{})
		for _, wa := range run.Arms() {
			seen[wa.Arm.Signature()] = struct{}{}
		}
		if run.Len() != want || len(seen) != want {
			t.Fatalf("got %d arms (%d distinct), want %d", run.Len(), len(seen), want)
		}
	})
}

// completedTrial attaches a factorial trial and completes it with means from
// meanOf, keyed by the arm's parameters.
func completedTrial(t *testing.T, meanOf func(experiment.Arm) float64, sem float64) (*experiment.Experiment, *experiment.Trial) {
	t.Helper()
	e, err := experiment.New(experiment.Options{SearchSpace: space234(t), Objective: experiment.Objective{Metric: "conversion"}})
	require.NoError(t, err)
	run, err := Factorial{}.Generate(InputFor(e, nil))
	require.NoError(t, err)
	tr, err := e.AttachGeneratorRun(run, experiment.AttachOptions{})
	require.NoError(t, err)
	require.NoError(t, tr.Run())
	rs := experiment.Results{}
	for _, ta := range tr.Arms() {
		rs[ta.Name] = experiment.Result{Mean: meanOf(ta.Arm), SEM: sem}
	}
	require.NoError(t, tr.Complete(experiment.TrialData{"conversion": rs}))
	return e, tr
}

func rateMean(a experiment.Arm) float64 {
	rate, _ := a.Value("rate")
	size, _ := a.Value("size")
	return rate.(float64) + 0.01*float64(size.(int))
}

func TestThompson_RequiresCompletedPrior(t *testing.T) {
	e, err := experiment.New(experiment.Options{SearchSpace: space234(t), Objective: experiment.Objective{Metric: "conversion"}})
	require.NoError(t, err)

	_, err = Thompson{}.Generate(InputFor(e, nil))
	assert.ErrorIs(t, err, experiment.ErrDataNotReady)

	run, err := Factorial{}.Generate(InputFor(e, nil))
	require.NoError(t, err)
	tr, err := e.AttachGeneratorRun(run, experiment.AttachOptions{})
	require.NoError(t, err)
	require.NoError(t, tr.Run())

	_, err = Thompson{}.Generate(InputFor(e, tr))
	assert.ErrorIs(t, err, experiment.ErrDataNotReady)

	require.NoError(t, tr.Fail(fmt.Errorf("%w: sensor offline", experiment.ErrAdapterFailure)))
	assert.Equal(t, experiment.StatusFailed, tr.Status())
	_, err = Thompson{}.Generate(InputFor(e, tr))
	assert.ErrorIs(t, err, experiment.ErrDataNotReady)
}

func TestThompson_FavorsBestArms(t *testing.T) {
	e, tr := completedTrial(t, rateMean, 0.01)
	g := Thompson{MinWeight: 0.01, NumSamples: 5000, Seed: 7}

	run, err := g.Generate(InputFor(e, tr))
	require.NoError(t, err)
	assert.Equal(t, ThompsonKey, run.GeneratorKey)

	var sum float64
	for _, wa := range run.Arms() {
		assert.GreaterOrEqual(t, wa.Weight, 0.01)
		rate, _ := wa.Arm.Value("rate")
		assert.GreaterOrEqual(t, rate.(float64), 0.3, "arm %s should have been filtered", wa.Arm)
		sum += wa.Weight
	}
	assert.InDelta(t, 1, sum, 1e-9)
	assert.Less(t, run.Len(), 24)

	// Arms keep the prior trial's relative order.
	prior := tr.Arms()
	pos := make(map[string]int)
	for i, ta := range prior {
		pos[ta.Arm.Signature()] = i
	}
	arms := run.Arms()
	for i := 1; i < len(arms); i++ {
		assert.Less(t, pos[arms[i-1].Arm.Signature()], pos[arms[i].Arm.Signature()])
	}
}

func TestThompson_Minimize(t *testing.T) {
	e, tr := completedTrial(t, rateMean, 0.01)
	in := InputFor(e, tr)
	in.Objective.Minimize = true

	run, err := Thompson{NumSamples: 2000, Seed: 1}.Generate(in)
	require.NoError(t, err)
	for _, wa := range run.Arms() {
		rate, _ := wa.Arm.Value("rate")
		assert.LessOrEqual(t, rate.(float64), 0.2)
	}
}

func TestThompson_SeedReproducible(t *testing.T) {
	e, tr := completedTrial(t, func(experiment.Arm) float64 { return 0.5 }, 0.1)
	g := Thompson{MinWeight: 0.001, NumSamples: 3000, Seed: 42}

	first, err := g.Generate(InputFor(e, tr))
	require.NoError(t, err)
	second, err := g.Generate(InputFor(e, tr))
	require.NoError(t, err)
	require.Equal(t, first.Len(), second.Len())
	for i := range first.Arms() {
		assert.Equal(t, first.Arms()[i].Weight, second.Arms()[i].Weight)
	}

	g.Seed = 43
	other, err := g.Generate(InputFor(e, tr))
	require.NoError(t, err)
	differs := other.Len() != first.Len()
	for i := 0; !differs && i < first.Len(); i++ {
		differs = other.Arms()[i].Weight != first.Arms()[i].Weight
	}
	assert.True(t, differs, "a different seed should change the draw")
}

func TestThompson_NoArmsSurvived(t *testing.T) {
	e, tr := completedTrial(t, func(experiment.Arm) float64 { return 1 }, 0.2)
	_, err := Thompson{MinWeight: 0.5, NumSamples: 1000}.Generate(InputFor(e, tr))
	assert.ErrorIs(t, err, experiment.ErrNoArmsSurvived)

	for _, w := range []float64{1, -0.01} {
		_, err = Thompson{MinWeight: w}.Generate(InputFor(e, tr))
		assert.ErrorIs(t, err, experiment.ErrInvalidWeights, "min weight %v", w)
	}
}

func TestThompson_FilteringProperty(t *testing.T) {
	e, tr := completedTrial(t, rateMean, 0.05)
	rapid.Check(t, func(t *rapid.T) {
		minWeight := rapid.Float64Range(0.001, 0.2).Draw(t, "min_weight")
		seed := rapid.Uint64().Draw(t, "seed")
		run, err := Thompson{MinWeight: minWeight, NumSamples: 500, Seed: seed}.Generate(InputFor(e, tr))
		if errors.Is(err, experiment.ErrNoArmsSurvived) {
			return
		}
		if err != nil {
			t.Fatal(err)
		}
		var sum float64
		for _, wa := range run.Arms() {
			sum += wa.Weight
			if wa.Weight < minWeight {
				t.Fatalf("arm %s kept with weight %v < %v", wa.Arm, wa.Weight, minWeight)
			}
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Fatalf("weights sum to %v", sum)
		}
	})
}

func TestBestArmProbabilities(t *testing.T) {
	src := rand.NewPCG(1, 2)

	tied := []shrinkage.Posterior{{Mean: 1}, {Mean: 1}, {Mean: 0}}
	got := BestArmProbabilities(tied, false, 100, src)
	assert.InDeltaSlice(t, []float64{0.5, 0.5, 0}, got, 1e-12)

	got = BestArmProbabilities(tied, true, 100, src)
	assert.InDeltaSlice(t, []float64{0, 0, 1}, got, 1e-12)

	spread := []shrinkage.Posterior{{Mean: 0, Variance: 1}, {Mean: 0.5, Variance: 1}}
	got = BestArmProbabilities(spread, false, 20000, src)
	assert.InDelta(t, 1, got[0]+got[1], 1e-9)
	// P(N(0.5,1) > N(0,1)) = Phi(0.5/sqrt(2)) ~ 0.638
	assert.InDelta(t, 0.638, got[1], 0.02)

	assert.Equal(t, []float64{0, 0}, BestArmProbabilities(spread, false, 0, src))
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/factorial/internal/experiment"
	"github.com/banshee-data/factorial/internal/generator"
	"github.com/banshee-data/factorial/internal/metric"
	"github.com/banshee-data/factorial/internal/shrinkage"
)

// DefaultConfigPath is the example experiment shipped with the repository.
const DefaultConfigPath = "config/experiment.example.json"

// ExperimentConfig is the JSON experiment definition. Optional scalars are
// pointers; the Get* methods supply defaults for fields left out.
type ExperimentConfig struct {
	Name                      *string                `json:"name,omitempty"`
	Parameters                []ParameterConfig      `json:"parameters"`
	StatusQuo                 map[string]interface{} `json:"status_quo,omitempty"`
	AllowOutOfDesignStatusQuo *bool                  `json:"allow_out_of_design_status_quo,omitempty"`
	Objective                 ObjectiveConfig        `json:"objective"`
	Constraints               []ConstraintConfig     `json:"constraints,omitempty"`
	TrackingMetrics           []string               `json:"tracking_metrics,omitempty"`

	Factorial *FactorialConfig `json:"factorial,omitempty"`
	Thompson  *ThompsonConfig  `json:"thompson,omitempty"`

	Rounds           *int    `json:"rounds,omitempty"`
	OptimizeForPower *bool   `json:"optimize_for_power,omitempty"`
	Concurrency      *int    `json:"concurrency,omitempty"`
	RoundInterval    *string `json:"round_interval,omitempty"` // duration string like "5s"

	Metrics []MetricConfig `json:"metrics"`
}

// ParameterConfig declares a parameter by explicit values or, for numeric
// types, by an inclusive start/end/step range.
type ParameterConfig struct {
	Name   string        `json:"name"`
	Type   string        `json:"type"`
	Values []interface{} `json:"values,omitempty"`
	Start  *float64      `json:"start,omitempty"`
	End    *float64      `json:"end,omitempty"`
	Step   *float64      `json:"step,omitempty"`
}

type ObjectiveConfig struct {
	Metric     string   `json:"metric"`
	Minimize   bool     `json:"minimize,omitempty"`
	LowerBound *float64 `json:"lower_bound,omitempty"`
	UpperBound *float64 `json:"upper_bound,omitempty"`
}

type ConstraintConfig struct {
	Metric string  `json:"metric"`
	Op     string  `json:"op"`
	Bound  float64 `json:"bound"`
}

type FactorialConfig struct {
	CapacityCap *int64 `json:"capacity_cap,omitempty"`
}

type ThompsonConfig struct {
	MinWeight  *float64 `json:"min_weight,omitempty"`
	NumSamples *int     `json:"num_samples,omitempty"`
	Seed       *uint64  `json:"seed,omitempty"`
	Method     *string  `json:"method,omitempty"`
}

// MetricConfig binds a metric to exactly one source: a gRPC metric server
// address or an in-process simulation.
type MetricConfig struct {
	Name       string            `json:"name"`
	Remote     *string           `json:"remote,omitempty"`
	Simulation *SimulationConfig `json:"simulation,omitempty"`
}

type SimulationConfig struct {
	Distribution *string                       `json:"distribution,omitempty"`
	Intercept    float64                       `json:"intercept"`
	Effects      map[string]map[string]float64 `json:"effects,omitempty"`
	Population   *int64                        `json:"population,omitempty"`
	StdDev       *float64                      `json:"std_dev,omitempty"`
	Seed         *uint64                       `json:"seed,omitempty"`
}

// LoadExperimentConfig loads an ExperimentConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
func LoadExperimentConfig(path string) (*ExperimentConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseExperimentConfig(data)
}

// ParseExperimentConfig decodes and validates a JSON definition.
func ParseExperimentConfig(data []byte) (*ExperimentConfig, error) {
	cfg := &ExperimentConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the values that cannot be checked by the experiment
// constructor: counts, durations, metric bindings and option spellings.
func (c *ExperimentConfig) Validate() error {
	if len(c.Parameters) == 0 {
		return fmt.Errorf("at least one parameter is required")
	}
	for _, p := range c.Parameters {
		hasRange := p.Start != nil || p.End != nil || p.Step != nil
		if hasRange && len(p.Values) > 0 {
			return fmt.Errorf("parameter %q: use either values or start/end/step, not both", p.Name)
		}
		if hasRange && (p.Start == nil || p.End == nil || p.Step == nil) {
			return fmt.Errorf("parameter %q: range needs start, end and step", p.Name)
		}
	}
	if c.Objective.Metric == "" {
		return fmt.Errorf("objective.metric is required")
	}
	for _, con := range c.Constraints {
		switch experiment.ComparisonOp(con.Op) {
		case experiment.OpGreaterEqual, experiment.OpLessEqual:
		default:
			return fmt.Errorf("constraint on %q: op must be >= or <=, got %q", con.Metric, con.Op)
		}
	}
	if c.Rounds != nil && *c.Rounds < 1 {
		return fmt.Errorf("rounds must be positive, got %d", *c.Rounds)
	}
	if c.Concurrency != nil && *c.Concurrency < 0 {
		return fmt.Errorf("concurrency must be non-negative, got %d", *c.Concurrency)
	}
	if c.RoundInterval != nil {
		if _, err := time.ParseDuration(*c.RoundInterval); err != nil {
			return fmt.Errorf("invalid round_interval '%s': %w", *c.RoundInterval, err)
		}
	}
	if c.Thompson != nil {
		if w := c.Thompson.MinWeight; w != nil && (*w <= 0 || *w >= 1) {
			return fmt.Errorf("thompson.min_weight must be in (0, 1), got %f", *w)
		}
		if n := c.Thompson.NumSamples; n != nil && *n < 1 {
			return fmt.Errorf("thompson.num_samples must be positive, got %d", *n)
		}
		if m := c.Thompson.Method; m != nil {
			switch shrinkage.Method(*m) {
			case shrinkage.MethodMoments, shrinkage.MethodDerSimonianLaird:
			default:
				return fmt.Errorf("thompson.method must be %q or %q, got %q", shrinkage.MethodMoments, shrinkage.MethodDerSimonianLaird, *m)
			}
		}
	}
	if c.Factorial != nil && c.Factorial.CapacityCap != nil && *c.Factorial.CapacityCap < 1 {
		return fmt.Errorf("factorial.capacity_cap must be positive, got %d", *c.Factorial.CapacityCap)
	}

	seen := make(map[string]bool, len(c.Metrics))
	for _, m := range c.Metrics {
		if m.Name == "" {
			return fmt.Errorf("metric name is required")
		}
		if seen[m.Name] {
			return fmt.Errorf("metric %q configured twice", m.Name)
		}
		seen[m.Name] = true
		if (m.Remote == nil) == (m.Simulation == nil) {
			return fmt.Errorf("metric %q: exactly one of remote or simulation is required", m.Name)
		}
		if s := m.Simulation; s != nil {
			if s.Population != nil && *s.Population < 2 {
				return fmt.Errorf("metric %q: population must be at least 2, got %d", m.Name, *s.Population)
			}
			if s.Distribution != nil {
				switch metric.Distribution(*s.Distribution) {
				case metric.Bernoulli, metric.Gaussian:
				default:
					return fmt.Errorf("metric %q: unknown distribution %q", m.Name, *s.Distribution)
				}
			}
		}
	}
	return nil
}

// GetName returns the experiment name or the default.
func (c *ExperimentConfig) GetName() string {
	if c.Name == nil || *c.Name == "" {
		return "experiment"
	}
	return *c.Name
}

// GetRounds returns the number of rounds or the default.
func (c *ExperimentConfig) GetRounds() int {
	if c.Rounds == nil {
		return 3
	}
	return *c.Rounds
}

// GetOptimizeForPower returns the optimize_for_power value or the default.
func (c *ExperimentConfig) GetOptimizeForPower() bool {
	if c.OptimizeForPower == nil {
		return false
	}
	return *c.OptimizeForPower
}

// GetConcurrency returns the per-metric fetch concurrency; 0 means one
// goroutine per arm.
func (c *ExperimentConfig) GetConcurrency() int {
	if c.Concurrency == nil {
		return 8
	}
	return *c.Concurrency
}

// GetRoundInterval parses and returns the RoundInterval as a time.Duration.
func (c *ExperimentConfig) GetRoundInterval() time.Duration {
	if c.RoundInterval == nil {
		return 0
	}
	d, err := time.ParseDuration(*c.RoundInterval)
	if err != nil {
		return 0
	}
	return d
}

// GetCapacityCap returns the factorial capacity cap or the default.
func (c *ExperimentConfig) GetCapacityCap() int64 {
	if c.Factorial == nil || c.Factorial.CapacityCap == nil {
		return generator.DefaultCapacityCap
	}
	return *c.Factorial.CapacityCap
}

// GetMinWeight returns the Thompson min_weight or the default.
func (c *ExperimentConfig) GetMinWeight() float64 {
	if c.Thompson == nil || c.Thompson.MinWeight == nil {
		return generator.DefaultMinWeight
	}
	return *c.Thompson.MinWeight
}

// GetNumSamples returns the Thompson num_samples or the default.
func (c *ExperimentConfig) GetNumSamples() int {
	if c.Thompson == nil || c.Thompson.NumSamples == nil {
		return generator.DefaultNumSamples
	}
	return *c.Thompson.NumSamples
}

// GetSeed returns the Thompson seed or the default.
func (c *ExperimentConfig) GetSeed() uint64 {
	if c.Thompson == nil || c.Thompson.Seed == nil {
		return 1
	}
	return *c.Thompson.Seed
}

// GetMethod returns the shrinkage method or the default.
func (c *ExperimentConfig) GetMethod() shrinkage.Method {
	if c.Thompson == nil || c.Thompson.Method == nil {
		return shrinkage.MethodMoments
	}
	return shrinkage.Method(*c.Thompson.Method)
}

// SearchSpace builds the declared parameters.
func (c *ExperimentConfig) SearchSpace() (*experiment.SearchSpace, error) {
	params := make([]experiment.Parameter, 0, len(c.Parameters))
	for _, pc := range c.Parameters {
		var (
			p   experiment.Parameter
			err error
		)
		typ := experiment.ParameterType(pc.Type)
		if pc.Start != nil {
			p, err = experiment.RangeParameter(pc.Name, typ, *pc.Start, *pc.End, *pc.Step)
		} else {
			p, err = experiment.NewParameter(pc.Name, typ, pc.Values...)
		}
		if err != nil {
			return nil, err
		}
		params = append(params, p)
	}
	return experiment.NewSearchSpace(params...)
}

// ExperimentOptions converts the definition into experiment options.
func (c *ExperimentConfig) ExperimentOptions() (experiment.Options, error) {
	space, err := c.SearchSpace()
	if err != nil {
		return experiment.Options{}, err
	}
	opts := experiment.Options{
		Name:        c.GetName(),
		SearchSpace: space,
		StatusQuo:   c.StatusQuo,
		Objective: experiment.Objective{
			Metric:     c.Objective.Metric,
			Minimize:   c.Objective.Minimize,
			LowerBound: c.Objective.LowerBound,
			UpperBound: c.Objective.UpperBound,
		},
		TrackingMetrics: c.TrackingMetrics,
	}
	if c.AllowOutOfDesignStatusQuo != nil {
		opts.AllowOutOfDesignStatusQuo = *c.AllowOutOfDesignStatusQuo
	}
	for _, con := range c.Constraints {
		opts.Constraints = append(opts.Constraints, experiment.OutcomeConstraint{
			Metric: con.Metric,
			Op:     experiment.ComparisonOp(con.Op),
			Bound:  con.Bound,
		})
	}
	return opts, nil
}

// FactorialGenerator returns the configured Factorial generator.
func (c *ExperimentConfig) FactorialGenerator() generator.Factorial {
	return generator.Factorial{CapacityCap: c.GetCapacityCap()}
}

// ThompsonGenerator returns the configured Thompson generator.
func (c *ExperimentConfig) ThompsonGenerator() generator.Thompson {
	return generator.Thompson{
		MinWeight:  c.GetMinWeight(),
		NumSamples: c.GetNumSamples(),
		Seed:       c.GetSeed(),
		Method:     c.GetMethod(),
	}
}

// Simulated returns the simulation model of a simulated metric.
func (m MetricConfig) Simulated() *metric.Simulated {
	s := m.Simulation
	if s == nil {
		return nil
	}
	sim := &metric.Simulated{
		Distribution: metric.Bernoulli,
		Intercept:    s.Intercept,
		Effects:      s.Effects,
		Population:   10000,
		StdDev:       1,
	}
	if s.Distribution != nil {
		sim.Distribution = metric.Distribution(*s.Distribution)
	}
	if s.Population != nil {
		sim.Population = *s.Population
	}
	if s.StdDev != nil {
		sim.StdDev = *s.StdDev
	}
	if s.Seed != nil {
		sim.Seed = *s.Seed
	}
	return sim
}

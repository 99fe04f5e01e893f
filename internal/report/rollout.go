// Package report turns an experiment's rollout history into stable tuples,
// CSV files, a predicted-effects table and charts.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/banshee-data/factorial/internal/experiment"
)

// Tuple is one arm of one trial in rollout order. Field order and meaning
// are stable: downstream renderers depend on them.
type Tuple struct {
	TrialIndex   int                    `json:"trial_index"`
	GeneratorKey string                 `json:"generator_key"`
	Status       experiment.TrialStatus `json:"status"`
	ArmName      string                 `json:"arm_name"`
	Weight       float64                `json:"weight"`
	Mean         *float64               `json:"mean,omitempty"`
	SEM          *float64               `json:"sem,omitempty"`
	StatusQuo    bool                   `json:"status_quo,omitempty"`
	Parameters   map[string]interface{} `json:"parameters"`
}

// Rollout flattens the rollout history, trials in history order and arms in
// trial order.
func Rollout(h *experiment.RolloutHistory) []Tuple {
	var out []Tuple
	for _, e := range h.Entries() {
		for _, a := range e.Arms {
			out = append(out, Tuple{
				TrialIndex:   e.TrialIndex,
				GeneratorKey: e.GeneratorKey,
				Status:       e.Status,
				ArmName:      a.Name,
				Weight:       a.Weight,
				Mean:         a.Mean,
				SEM:          a.SEM,
				StatusQuo:    a.StatusQuo,
				Parameters:   a.Parameters,
			})
		}
	}
	return out
}

// TrialSummary aggregates the tuples of one trial.
type TrialSummary struct {
	TrialIndex   int
	GeneratorKey string
	Status       experiment.TrialStatus
	NumArms      int
	TopArm       string
	TopWeight    float64
	MedianMean   float64
	HasMeans     bool
}

// Summarize groups tuples by trial. The median is taken over arms that have a
// mean.
func Summarize(tuples []Tuple) []TrialSummary {
	var (
		out   []TrialSummary
		means []float64
	)
	flush := func() {
		if len(out) == 0 || len(means) == 0 {
			return
		}
		if m, err := stats.Median(means); err == nil {
			out[len(out)-1].MedianMean = m
			out[len(out)-1].HasMeans = true
		}
	}
	for i, tp := range tuples {
		if i == 0 || tp.TrialIndex != tuples[i-1].TrialIndex {
			flush()
			means = means[:0]
			out = append(out, TrialSummary{
				TrialIndex:   tp.TrialIndex,
				GeneratorKey: tp.GeneratorKey,
				Status:       tp.Status,
			})
		}
		s := &out[len(out)-1]
		s.NumArms++
		if s.TopArm == "" || tp.Weight > s.TopWeight {
			s.TopArm, s.TopWeight = tp.ArmName, tp.Weight
		}
		if tp.Mean != nil {
			means = append(means, *tp.Mean)
		}
	}
	flush()
	return out
}

// CSVWriter writes the rollout as a raw per-arm file and a per-trial summary.
type CSVWriter struct {
	Summary *csv.Writer
	Raw     *csv.Writer
}

// NewCSVWriter creates a new CSVWriter with the given summary and raw writers.
func NewCSVWriter(summary, raw io.Writer) *CSVWriter {
	return &CSVWriter{
		Summary: csv.NewWriter(summary),
		Raw:     csv.NewWriter(raw),
	}
}

// WriteRollout writes headers and every row to both files. Parameter columns
// follow params, in order.
func (c *CSVWriter) WriteRollout(tuples []Tuple, params []string) error {
	rawHeader := []string{"trial_index", "generator_key", "status", "arm_name", "status_quo", "weight", "mean", "sem"}
	for _, p := range params {
		rawHeader = append(rawHeader, "param_"+p)
	}
	if err := c.Raw.Write(rawHeader); err != nil {
		return err
	}
	for _, tp := range tuples {
		row := []string{
			strconv.Itoa(tp.TrialIndex),
			tp.GeneratorKey,
			string(tp.Status),
			tp.ArmName,
			strconv.FormatBool(tp.StatusQuo),
			fmt.Sprintf("%.6f", tp.Weight),
			optFloat(tp.Mean),
			optFloat(tp.SEM),
		}
		for _, p := range params {
			row = append(row, fmt.Sprint(tp.Parameters[p]))
		}
		if err := c.Raw.Write(row); err != nil {
			return err
		}
	}
	c.Raw.Flush()
	if err := c.Raw.Error(); err != nil {
		return err
	}

	if err := c.Summary.Write([]string{"trial_index", "generator_key", "status", "num_arms", "top_arm", "top_weight", "median_mean"}); err != nil {
		return err
	}
	for _, s := range Summarize(tuples) {
		median := ""
		if s.HasMeans {
			median = fmt.Sprintf("%.6f", s.MedianMean)
		}
		row := []string{
			strconv.Itoa(s.TrialIndex),
			s.GeneratorKey,
			string(s.Status),
			strconv.Itoa(s.NumArms),
			s.TopArm,
			fmt.Sprintf("%.6f", s.TopWeight),
			median,
		}
		if err := c.Summary.Write(row); err != nil {
			return err
		}
	}
	c.Summary.Flush()
	return c.Summary.Error()
}

func optFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%.6f", *v)
}

// ParameterNames returns the parameter names found in tuples, sorted.
func ParameterNames(tuples []Tuple) []string {
	seen := map[string]bool{}
	var out []string
	for _, tp := range tuples {
		for k := range tp.Parameters {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Timestamped returns a file stem like "rollout-20250301T090000Z". The
// prefix is reduced to letters, digits, dot, underscore and dash.
func Timestamped(prefix string, at time.Time) string {
	return sanitizeFilename(prefix) + "-" + at.UTC().Format("20060102T150405Z")
}

func sanitizeFilename(s string) string {
	const maxLen = 96
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_.")
	if out == "" {
		return "experiment"
	}
	return out
}

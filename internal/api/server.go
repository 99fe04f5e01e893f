// Package api serves an experiment's state, rollout history and predicted
// effects over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/factorial/internal/engine"
	"github.com/banshee-data/factorial/internal/experiment"
	"github.com/banshee-data/factorial/internal/report"
	"github.com/banshee-data/factorial/internal/shrinkage"
	"github.com/banshee-data/factorial/internal/store"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Server exposes one experiment. Runner and Store are optional: without a
// runner no progress is reported, without a store abandons are not persisted
// and the experiment list is empty.
type Server struct {
	exp    *experiment.Experiment
	runner *engine.Runner
	store  store.Store
	method shrinkage.Method
}

// NewServer creates a server for exp.
func NewServer(exp *experiment.Experiment, runner *engine.Runner, st store.Store, method shrinkage.Method) *Server {
	return &Server{
		exp:    exp,
		runner: runner,
		store:  st,
		method: method,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns a mux with every API route registered.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// RegisterRoutes adds the API routes to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/experiment", s.showExperiment)
	mux.HandleFunc("/api/experiment/history", s.showHistory)
	mux.HandleFunc("/api/experiment/trace", s.showTrace)
	mux.HandleFunc("/api/experiment/effects", s.showEffects)
	mux.HandleFunc("/api/experiment/abandon", s.abandonTrial)
	mux.HandleFunc("/api/experiments", s.listExperiments)
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to encode response")
	}
}

type armView struct {
	Name       string                 `json:"name"`
	Weight     float64                `json:"weight"`
	StatusQuo  bool                   `json:"status_quo,omitempty"`
	Parameters map[string]interface{} `json:"parameters"`
}

type trialView struct {
	Index         int                    `json:"index"`
	GeneratorKey  string                 `json:"generator_key"`
	Status        experiment.TrialStatus `json:"status"`
	Arms          []armView              `json:"arms"`
	Failure       string                 `json:"failure,omitempty"`
	AbandonReason string                 `json:"abandon_reason,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	EndedAt       *time.Time             `json:"ended_at,omitempty"`
}

type experimentView struct {
	ID          string                         `json:"id"`
	Name        string                         `json:"name"`
	CreatedAt   time.Time                      `json:"created_at"`
	Objective   experiment.Objective           `json:"objective"`
	Constraints []experiment.OutcomeConstraint `json:"constraints,omitempty"`
	Metrics     []string                       `json:"metrics"`
	Parameters  []experiment.Parameter         `json:"parameters"`
	StatusQuo   map[string]interface{}         `json:"status_quo,omitempty"`
	Trials      []trialView                    `json:"trials"`
	State       *engine.State                  `json:"state,omitempty"`
}

func (s *Server) showExperiment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	view := experimentView{
		ID:          s.exp.ID(),
		Name:        s.exp.Name(),
		CreatedAt:   s.exp.CreatedAt(),
		Objective:   s.exp.Objective(),
		Constraints: s.exp.Constraints(),
		Metrics:     s.exp.Metrics(),
		Parameters:  s.exp.SearchSpace().Parameters(),
		Trials:      []trialView{},
	}
	if sq, ok := s.exp.StatusQuo(); ok {
		view.StatusQuo = sq.Parameters()
	}
	for _, t := range s.exp.Trials() {
		view.Trials = append(view.Trials, newTrialView(t))
	}
	if s.runner != nil {
		state := s.runner.GetState()
		view.State = &state
	}
	s.writeJSON(w, view)
}

func newTrialView(t *experiment.Trial) trialView {
	arms := t.Arms()
	weights := t.NormalizedWeights()
	tv := trialView{
		Index:         t.Index(),
		GeneratorKey:  t.GeneratorKey(),
		Status:        t.Status(),
		Arms:          make([]armView, len(arms)),
		Failure:       t.FailureReason(),
		AbandonReason: t.AbandonReason(),
		CreatedAt:     t.CreatedAt(),
	}
	if ended := t.EndedAt(); !ended.IsZero() {
		tv.EndedAt = &ended
	}
	for i, ta := range arms {
		tv.Arms[i] = armView{
			Name:       ta.Name,
			Weight:     weights[i],
			StatusQuo:  ta.StatusQuo,
			Parameters: ta.Arm.Parameters(),
		}
	}
	return tv
}

func (s *Server) showHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	h := s.exp.History()
	tuples := report.Rollout(h)
	if tuples == nil {
		tuples = []report.Tuple{}
	}
	s.writeJSON(w, map[string]interface{}{
		"tuples":      tuples,
		"convergence": h.Convergence(),
	})
}

func (s *Server) showTrace(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	trace := s.exp.History().Trace(s.exp.Objective())
	if trace == nil {
		trace = []experiment.TracePoint{}
	}
	s.writeJSON(w, trace)
}

// showEffects renders the predicted-effects chart, or the table itself with
// ?format=json.
func (s *Server) showEffects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	rows, err := report.PredictedEffects(s.exp, s.method)
	if errors.Is(err, experiment.ErrDataNotReady) {
		s.writeJSONError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to compute effects: %v", err))
		return
	}

	if r.URL.Query().Get("format") == "json" {
		s.writeJSON(w, rows)
		return
	}

	var buf bytes.Buffer
	title := fmt.Sprintf("%s: predicted effects", s.exp.Name())
	if err := report.RenderEffectsHTML(&buf, title, s.exp.Objective().Metric, rows); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) abandonTrial(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	index, err := strconv.Atoi(r.URL.Query().Get("trial"))
	if err != nil || index < 0 {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid 'trial' parameter")
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "abandoned via API"
	}

	t, err := s.exp.Trial(index)
	if err != nil {
		s.writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	if err := t.Abandon(reason); err != nil {
		s.writeJSONError(w, http.StatusConflict, err.Error())
		return
	}
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		if err := s.store.Save(ctx, s.exp); err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Trial abandoned but not saved: %v", err))
			return
		}
	}
	s.writeJSON(w, newTrialView(t))
}

func (s *Server) listExperiments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	summaries := []store.Summary{}
	if s.store != nil {
		list, err := s.store.List(r.Context())
		if err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list experiments: %v", err))
			return
		}
		summaries = append(summaries, list...)
	}
	s.writeJSON(w, summaries)
}

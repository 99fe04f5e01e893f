// Package store persists experiments: an in-memory store for tests and
// short runs, and a SQLite store for everything else.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/factorial/internal/experiment"
)

// ErrNotFound is returned by Load for an unknown experiment ID.
var ErrNotFound = errors.New("experiment not found")

// Store saves and restores experiments by ID.
type Store interface {
	Save(ctx context.Context, e *experiment.Experiment) error
	Load(ctx context.Context, id string) (*experiment.Experiment, error)
	List(ctx context.Context) ([]Summary, error)
}

// Summary is a lightweight listing entry.
type Summary struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	ObjectiveMetric string    `json:"objective_metric"`
	NumTrials       int       `json:"num_trials"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// MemoryStore keeps JSON-encoded snapshots in memory, so loaded experiments
// never share state with saved ones.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	raw     []byte
	summary Summary
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryStore) Save(ctx context.Context, e *experiment.Experiment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap := e.Snapshot()
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding experiment %s: %w", snap.ID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[snap.ID] = memoryEntry{raw: raw, summary: summarize(snap, m.now())}
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, id string) (*experiment.Experiment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	entry, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var snap experiment.Snapshot
	if err := json.Unmarshal(entry.raw, &snap); err != nil {
		return nil, fmt.Errorf("decoding experiment %s: %w", id, err)
	}
	return experiment.Restore(snap, nil)
}

func (m *MemoryStore) List(ctx context.Context) ([]Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Summary, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.summary)
	}
	sortSummaries(out)
	return out, nil
}

func summarize(s experiment.Snapshot, now time.Time) Summary {
	return Summary{
		ID:              s.ID,
		Name:            s.Name,
		ObjectiveMetric: s.Objective.Metric,
		NumTrials:       len(s.Trials),
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       now,
	}
}

// sortSummaries orders newest first, then by ID.
func sortSummaries(out []Summary) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
}

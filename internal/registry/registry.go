// Package registry persists agent session records to a JSON file so
// conversations survive restarts. The file is shared with external
// front-ends, so writes are atomic and a watcher can pick up outside
// edits.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"agentdeck/internal/agent"
	"agentdeck/internal/log"
)

// DefaultExchangeWindow bounds the trailing prompt/response pairs kept
// per record.
const DefaultExchangeWindow = 10

// Exchange is one prior prompt/response pair kept for context display.
type Exchange struct {
	Prompt   string    `json:"prompt"`
	Response string    `json:"response"`
	At       time.Time `json:"at"`
}

// Record is the persisted state of one agent.
type Record struct {
	SessionID    string     `json:"session_id"`
	Role         string     `json:"role"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   time.Time  `json:"last_used_at"`
	TotalCostUSD float64    `json:"total_cost_usd"`
	Turns        int        `json:"turns"`
	Exchanges    []Exchange `json:"exchanges,omitempty"`
}

// Registry reads and writes the agent record file. It implements
// agent.Store so the directory persists through it.
type Registry struct {
	mu      sync.Mutex
	path    string
	window  int
	records map[string]Record
}

var _ agent.Store = (*Registry)(nil)

// New creates a registry backed by the JSON file at path. The file need
// not exist yet.
func New(path string) *Registry {
	return &Registry{
		path:    path,
		window:  DefaultExchangeWindow,
		records: make(map[string]Record),
	}
}

// Load reads the record file into memory. A missing file is an empty
// registry, not an error.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked()
}

func (r *Registry) loadLocked() error {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		r.records = make(map[string]Record)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading registry %s: %w", r.path, err)
	}

	records := make(map[string]Record)
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("parsing registry %s: %w", r.path, err)
	}
	r.records = records
	log.Debug(log.CatRegistry, "Registry loaded", "path", r.path, "records", len(records))
	return nil
}

// Reload re-reads the record file, replacing in-memory state. Used by the
// watcher when another process writes the file.
func (r *Registry) Reload() error {
	return r.Load()
}

// Records returns a copy of all records keyed by agent name.
func (r *Registry) Records() map[string]Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Record, len(r.records))
	for name, rec := range r.records {
		out[name] = rec
	}
	return out
}

// Get returns the record for the named agent.
func (r *Registry) Get(name string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	return rec, ok
}

// SaveAgents replaces the record set with the given agents, preserving
// per-record bookkeeping (creation time, cost, turns, exchanges) for
// agents already on file. Agents absent from the slice are dropped.
func (r *Registry) SaveAgents(agents []*agent.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	next := make(map[string]Record, len(agents))
	for _, a := range agents {
		rec, ok := r.records[a.Name()]
		if !ok {
			rec = Record{CreatedAt: now}
		}
		rec.SessionID = a.SessionID()
		rec.Role = a.Role()
		rec.LastUsedAt = a.LastActivity()
		next[a.Name()] = rec
	}
	r.records = next

	return r.writeLocked()
}

// RecordTurn folds one completed turn into the named agent's record and
// persists the file.
func (r *Registry) RecordTurn(name, prompt, response string, costUSD float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[name]
	if !ok {
		rec = Record{CreatedAt: time.Now()}
	}
	rec.Turns++
	rec.TotalCostUSD += costUSD
	rec.LastUsedAt = time.Now()
	rec.Exchanges = append(rec.Exchanges, Exchange{
		Prompt:   prompt,
		Response: response,
		At:       rec.LastUsedAt,
	})
	if len(rec.Exchanges) > r.window {
		rec.Exchanges = rec.Exchanges[len(rec.Exchanges)-r.window:]
	}
	r.records[name] = rec

	return r.writeLocked()
}

// writeLocked writes the record file atomically: marshal to a temp file
// in the same directory, then rename over the target.
func (r *Registry) writeLocked() error {
	data, err := json.MarshalIndent(r.records, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding registry: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating registry dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".registry-*.json")
	if err != nil {
		return fmt.Errorf("creating temp registry file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp registry file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp registry file: %w", err)
	}

	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing registry file: %w", err)
	}

	log.Debug(log.CatRegistry, "Registry saved", "path", r.path, "records", len(r.records))
	return nil
}

// RestoreAgents rebuilds agents from the records on file, most recently
// used first.
func (r *Registry) RestoreAgents() []*agent.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	agents := make([]*agent.Agent, 0, len(r.records))
	for name, rec := range r.records {
		a := agent.New(name, rec.Role)
		a.SetSessionID(rec.SessionID)
		a.SetCreating(false)
		a.SetLastActivity(rec.LastUsedAt)
		agents = append(agents, a)
	}
	return agents
}

package agent

import (
	"context"
	"sort"
	"strings"
	"sync"

	"agentdeck/internal/log"
	"agentdeck/internal/orchestration/events"
	"agentdeck/internal/pubsub"
)

// Store persists the minimal resumption state for agents. Implemented by
// the session registry; the directory calls it after every mutation.
type Store interface {
	SaveAgents(agents []*Agent) error
}

// Directory is the process-wide catalog of agents plus the
// current-agent pointer.
type Directory struct {
	mu      sync.RWMutex
	agents  map[string]*Agent // keyed by lowercased name
	current string            // lowercased name, "" when unset
	store   Store
	broker  *pubsub.Broker[events.AgentEvent]
}

// NewDirectory creates an empty directory. store may be nil in tests.
func NewDirectory(store Store) *Directory {
	return &Directory{
		agents: make(map[string]*Agent),
		store:  store,
		broker: pubsub.NewBroker[events.AgentEvent](),
	}
}

// Subscribe returns a channel of directory events (agent_created,
// agent_switched), closed when ctx is cancelled.
func (d *Directory) Subscribe(ctx context.Context) <-chan pubsub.Event[events.AgentEvent] {
	return d.broker.Subscribe(ctx)
}

// Close shuts down the directory's event broker.
func (d *Directory) Close() {
	d.broker.Close()
}

// Create inserts a placeholder agent in the creating state and emits an
// agent_created event. The caller (the orchestrator) drives the agent's
// first subprocess invocation and then calls CompleteCreation or
// AbortCreation.
func (d *Directory) Create(name, role string) (*Agent, error) {
	key := strings.ToLower(name)

	d.mu.Lock()
	if _, exists := d.agents[key]; exists {
		d.mu.Unlock()
		return nil, ErrDuplicateAgent
	}
	a := New(name, role)
	d.agents[key] = a
	d.mu.Unlock()

	log.Info(log.CatAgent, "Agent created (pending)", "name", name, "role", role)
	d.broker.Publish(pubsub.CreatedEvent, events.AgentEvent{
		Kind:    events.AgentCreated,
		Agent:   name,
		Role:    role,
		Pending: true,
	})
	return a, nil
}

// CompleteCreation clears the creating flag, stores the resumption token,
// makes the agent current, and persists.
func (d *Directory) CompleteCreation(a *Agent, sessionID string) error {
	a.SetSessionID(sessionID)
	a.SetCreating(false)
	a.Touch()

	d.mu.Lock()
	d.current = strings.ToLower(a.Name())
	d.mu.Unlock()

	log.Info(log.CatAgent, "Agent creation complete", "name", a.Name(), "sessionID", sessionID)
	return d.persist()
}

// AbortCreation removes a placeholder agent after its first subprocess
// invocation failed.
func (d *Directory) AbortCreation(a *Agent) {
	key := strings.ToLower(a.Name())

	d.mu.Lock()
	delete(d.agents, key)
	if d.current == key {
		d.current = ""
	}
	d.mu.Unlock()

	log.Warn(log.CatAgent, "Agent creation aborted", "name", a.Name())
}

// Restore inserts an already-initialized agent, bypassing the creating
// state. Used when loading the session registry at startup.
func (d *Directory) Restore(a *Agent) {
	a.SetCreating(false)
	d.mu.Lock()
	d.agents[strings.ToLower(a.Name())] = a
	d.mu.Unlock()
}

// Switch resolves name to an agent and makes it current. Exact
// case-insensitive match wins; otherwise a substring match against all
// names is attempted. Zero matches returns ErrAgentNotFound; multiple
// matches returns an AmbiguousNameError naming every candidate.
func (d *Directory) Switch(name string) (*Agent, error) {
	key := strings.ToLower(name)

	d.mu.Lock()
	a, ok := d.agents[key]
	if !ok {
		var matches []*Agent
		for k, cand := range d.agents {
			if strings.Contains(k, key) {
				matches = append(matches, cand)
			}
		}
		switch len(matches) {
		case 0:
			d.mu.Unlock()
			return nil, ErrAgentNotFound
		case 1:
			a = matches[0]
		default:
			names := make([]string, len(matches))
			for i, m := range matches {
				names[i] = m.Name()
			}
			sort.Strings(names)
			d.mu.Unlock()
			return nil, &AmbiguousNameError{Name: name, Matches: names}
		}
	}
	d.current = strings.ToLower(a.Name())
	d.mu.Unlock()

	a.Touch()
	log.Debug(log.CatAgent, "Switched agent", "name", a.Name())
	d.broker.Publish(pubsub.UpdatedEvent, events.AgentEvent{
		Kind:  events.AgentSwitched,
		Agent: a.Name(),
	})
	return a, nil
}

// Remove deletes an agent, clears the current pointer if it pointed at
// it, and persists. Returns false if the agent did not exist.
func (d *Directory) Remove(name string) bool {
	key := strings.ToLower(name)

	d.mu.Lock()
	_, ok := d.agents[key]
	if !ok {
		d.mu.Unlock()
		return false
	}
	delete(d.agents, key)
	if d.current == key {
		d.current = ""
	}
	d.mu.Unlock()

	log.Info(log.CatAgent, "Agent removed", "name", name)
	if err := d.persist(); err != nil {
		log.ErrorErr(log.CatAgent, "Failed to persist after remove", err)
	}
	return true
}

// Current returns the current agent, or nil when none is selected.
func (d *Directory) Current() *Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.current == "" {
		return nil
	}
	return d.agents[d.current]
}

// SetCurrent points the current pointer at an existing agent.
func (d *Directory) SetCurrent(name string) bool {
	key := strings.ToLower(name)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.agents[key]; !ok {
		return false
	}
	d.current = key
	return true
}

// Get returns the agent with the given name (case-insensitive exact
// match), or nil.
func (d *Directory) Get(name string) *Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.agents[strings.ToLower(name)]
}

// All returns every agent, sorted by name for stable iteration.
func (d *Directory) All() []*Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*Agent, 0, len(d.agents))
	for _, a := range d.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name()) < strings.ToLower(out[j].Name())
	})
	return out
}

// MostRecent returns the agent with the greatest last-activity time, or
// nil when the directory is empty. Used to restore the last-used agent
// on restart.
func (d *Directory) MostRecent() *Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var best *Agent
	for _, a := range d.agents {
		if best == nil || a.LastActivity().After(best.LastActivity()) {
			best = a
		}
	}
	return best
}

// Persist saves the directory through the configured store.
func (d *Directory) Persist() error {
	return d.persist()
}

func (d *Directory) persist() error {
	if d.store == nil {
		return nil
	}
	return d.store.SaveAgents(d.All())
}

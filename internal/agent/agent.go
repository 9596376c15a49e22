// Package agent provides the in-memory catalog of named agent
// conversations and their lifecycle flags.
package agent

import (
	"sync"
	"time"
)

// Agent is one named, independently-addressable conversation with its own
// resumption state. Flag access is synchronized because the subprocess
// pump goroutine and the orchestrator both touch it.
type Agent struct {
	mu           sync.RWMutex
	name         string
	role         string
	sessionID    string
	lastActivity time.Time
	creating     bool
	processing   bool
}

// New creates an agent in the creating state.
func New(name, role string) *Agent {
	return &Agent{
		name:         name,
		role:         role,
		creating:     true,
		lastActivity: time.Now(),
	}
}

// Name returns the agent's display name (original casing).
func (a *Agent) Name() string { return a.name }

// Role returns the role the agent was created with.
func (a *Agent) Role() string { return a.role }

// SessionID returns the opaque resumption token, empty until the first
// successful subprocess invocation.
func (a *Agent) SessionID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sessionID
}

// SetSessionID stores the resumption token.
func (a *Agent) SetSessionID(id string) {
	a.mu.Lock()
	a.sessionID = id
	a.mu.Unlock()
}

// LastActivity returns the time of the agent's last state transition.
func (a *Agent) LastActivity() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastActivity
}

// Touch updates the last-activity timestamp to now.
func (a *Agent) Touch() {
	a.mu.Lock()
	a.lastActivity = time.Now()
	a.mu.Unlock()
}

// SetLastActivity overrides the last-activity timestamp. Used when
// restoring agents from the session registry.
func (a *Agent) SetLastActivity(t time.Time) {
	a.mu.Lock()
	a.lastActivity = t
	a.mu.Unlock()
}

// IsCreating reports whether the agent's first subprocess invocation has
// not yet resolved.
func (a *Agent) IsCreating() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.creating
}

// SetCreating updates the creating flag.
func (a *Agent) SetCreating(v bool) {
	a.mu.Lock()
	a.creating = v
	a.mu.Unlock()
}

// IsProcessing reports whether a subprocess is currently attached.
func (a *Agent) IsProcessing() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.processing
}

// SetProcessing updates the processing flag and bumps last activity.
func (a *Agent) SetProcessing(v bool) {
	a.mu.Lock()
	a.processing = v
	a.lastActivity = time.Now()
	a.mu.Unlock()
}

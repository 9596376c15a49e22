package agent

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDuplicateAgent is returned when creating an agent whose name is
// already taken (names are case-insensitive).
var ErrDuplicateAgent = errors.New("agent already exists")

// ErrAgentNotFound is returned when no agent matches the given name.
var ErrAgentNotFound = errors.New("agent not found")

// ErrNoCurrentAgent is returned when an operation targets the current
// agent but none is selected.
var ErrNoCurrentAgent = errors.New("no current agent selected")

// AmbiguousNameError is returned when a substring match in Switch hits
// more than one agent. It names all candidates so the caller can
// disambiguate.
type AmbiguousNameError struct {
	Name    string
	Matches []string
}

func (e *AmbiguousNameError) Error() string {
	return fmt.Sprintf("ambiguous agent name %q: matches %s", e.Name, strings.Join(e.Matches, ", "))
}

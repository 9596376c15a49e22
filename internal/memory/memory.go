// Package memory integrates an external memory-bank script as a
// side-channel: completed turns are stored and relevant context is
// retrieved per session. The channel is strictly best-effort; a missing
// or failing script never affects conversation correctness.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"agentdeck/internal/log"
)

const (
	// DefaultTimeout bounds one script invocation.
	DefaultTimeout = 10 * time.Second

	// retrievalTTL is how long a retrieval result is served from cache.
	retrievalTTL = 5 * time.Minute
)

// Interaction is the payload handed to the script on store calls.
type Interaction struct {
	SessionID string    `json:"session_id"`
	Agent     string    `json:"agent"`
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response"`
	At        time.Time `json:"at"`
}

// Client invokes the configured memory-bank script. A Client with an
// empty script path is valid and does nothing.
type Client struct {
	script  string
	timeout time.Duration
	cache   *gocache.Cache
}

// NewClient creates a client for the script at path. An empty path
// disables the side-channel.
func NewClient(script string) *Client {
	return &Client{
		script:  script,
		timeout: DefaultTimeout,
		cache:   gocache.New(retrievalTTL, 10*time.Minute),
	}
}

// Enabled reports whether a script is configured.
func (c *Client) Enabled() bool {
	return c.script != ""
}

// StoreInteraction hands one completed turn to the script without
// waiting for it. Failures are logged and dropped.
func (c *Client) StoreInteraction(in Interaction) {
	if !c.Enabled() {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		if err := c.store(ctx, in); err != nil {
			log.Warn(log.CatMemory, "Store interaction failed", "agent", in.Agent, "err", err)
			return
		}
		log.Debug(log.CatMemory, "Interaction stored", "agent", in.Agent, "session", in.SessionID)
	}()
}

func (c *Client) store(ctx context.Context, in Interaction) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding interaction: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.script, "store", in.SessionID)
	cmd.Stdin = bytes.NewReader(payload)

	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("running %s store: %w (output: %s)", c.script, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// RetrieveContext asks the script for context relevant to query within
// the session. Results are cached per session+query for a few minutes.
// A disabled client returns empty context.
func (c *Client) RetrieveContext(ctx context.Context, sessionID, query string) (string, error) {
	if !c.Enabled() {
		return "", nil
	}

	key := sessionID + "\x00" + query
	if cached, ok := c.cache.Get(key); ok {
		return cached.(string), nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.script, "retrieve", sessionID)
	cmd.Stdin = strings.NewReader(query)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("running %s retrieve: %w (stderr: %s)", c.script, err, strings.TrimSpace(stderr.String()))
	}

	result := strings.TrimSpace(stdout.String())
	c.cache.Set(key, result, gocache.DefaultExpiration)
	return result, nil
}

package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentdeck/internal/agent"
)

func tempRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "agents.json"))
}

func completedAgent(name, role, session string) *agent.Agent {
	a := agent.New(name, role)
	a.SetSessionID(session)
	a.SetCreating(false)
	return a
}

func TestRegistry_LoadMissingFile(t *testing.T) {
	r := tempRegistry(t)
	require.NoError(t, r.Load())
	require.Empty(t, r.Records())
}

func TestRegistry_SaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.json")

	r := New(path)
	require.NoError(t, r.SaveAgents([]*agent.Agent{
		completedAgent("Nova", "helper", "sess-1"),
		completedAgent("Bot", "worker", "sess-2"),
	}))

	fresh := New(path)
	require.NoError(t, fresh.Load())

	records := fresh.Records()
	require.Len(t, records, 2)
	require.Equal(t, "sess-1", records["Nova"].SessionID)
	require.Equal(t, "helper", records["Nova"].Role)
	require.Equal(t, "sess-2", records["Bot"].SessionID)
	require.False(t, records["Nova"].CreatedAt.IsZero())
}

func TestRegistry_SaveAgentsPreservesBookkeeping(t *testing.T) {
	r := tempRegistry(t)

	a := completedAgent("Nova", "helper", "sess-1")
	require.NoError(t, r.SaveAgents([]*agent.Agent{a}))
	require.NoError(t, r.RecordTurn("Nova", "hi", "hello", 0.05))

	// A later save keeps cost, turn count, and exchanges.
	require.NoError(t, r.SaveAgents([]*agent.Agent{a}))

	rec, ok := r.Get("Nova")
	require.True(t, ok)
	require.Equal(t, 1, rec.Turns)
	require.InDelta(t, 0.05, rec.TotalCostUSD, 1e-9)
	require.Len(t, rec.Exchanges, 1)
}

func TestRegistry_SaveAgentsDropsRemoved(t *testing.T) {
	r := tempRegistry(t)

	require.NoError(t, r.SaveAgents([]*agent.Agent{
		completedAgent("Nova", "helper", "s1"),
		completedAgent("Bot", "worker", "s2"),
	}))
	require.NoError(t, r.SaveAgents([]*agent.Agent{
		completedAgent("Nova", "helper", "s1"),
	}))

	_, ok := r.Get("Bot")
	require.False(t, ok)
}

func TestRegistry_RecordTurnAccumulates(t *testing.T) {
	r := tempRegistry(t)

	require.NoError(t, r.RecordTurn("Nova", "p1", "r1", 0.01))
	require.NoError(t, r.RecordTurn("Nova", "p2", "r2", 0.02))

	rec, ok := r.Get("Nova")
	require.True(t, ok)
	require.Equal(t, 2, rec.Turns)
	require.InDelta(t, 0.03, rec.TotalCostUSD, 1e-9)
	require.Equal(t, "p1", rec.Exchanges[0].Prompt)
	require.Equal(t, "r2", rec.Exchanges[1].Response)
}

func TestRegistry_ExchangeWindowBounded(t *testing.T) {
	r := tempRegistry(t)

	for i := 0; i < DefaultExchangeWindow+5; i++ {
		require.NoError(t, r.RecordTurn("Nova", "prompt", "response", 0))
	}

	rec, _ := r.Get("Nova")
	require.Len(t, rec.Exchanges, DefaultExchangeWindow)
}

func TestRegistry_WriteIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.json")

	r := New(path)
	require.NoError(t, r.SaveAgents([]*agent.Agent{completedAgent("Nova", "h", "s1")}))

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "agents.json", entries[0].Name())

	// File is well-formed JSON.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var records map[string]Record
	require.NoError(t, json.Unmarshal(data, &records))
	require.Contains(t, records, "Nova")
}

func TestRegistry_RestoreAgents(t *testing.T) {
	r := tempRegistry(t)
	last := time.Now().Add(-time.Hour).Truncate(time.Second)

	a := completedAgent("Nova", "helper", "sess-1")
	a.SetLastActivity(last)
	require.NoError(t, r.SaveAgents([]*agent.Agent{a}))

	restored := r.RestoreAgents()
	require.Len(t, restored, 1)
	got := restored[0]
	require.Equal(t, "Nova", got.Name())
	require.Equal(t, "helper", got.Role())
	require.Equal(t, "sess-1", got.SessionID())
	require.False(t, got.IsCreating())
	require.WithinDuration(t, last, got.LastActivity(), time.Second)
}

func TestWatcher_SignalsOnExternalWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0644))

	w, err := NewWatcher(path, 50*time.Millisecond)
	require.NoError(t, err)
	defer w.Stop()

	ch, err := w.Start()
	require.NoError(t, err)

	// Several writes in a burst coalesce into one signal.
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte(`{"Nova":{}}`), 0644))
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for change signal")
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0644))

	w, err := NewWatcher(path, 50*time.Millisecond)
	require.NoError(t, err)
	defer w.Stop()

	ch, err := w.Start()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0644))

	select {
	case <-ch:
		t.Fatal("unexpected signal for unrelated file")
	case <-time.After(300 * time.Millisecond):
	}
}

package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentdeck/internal/agent"
	"agentdeck/internal/history"
	"agentdeck/internal/orchestration/events"
	"agentdeck/internal/orchestration/queue"
	"agentdeck/internal/orchestration/runner"
	"agentdeck/internal/pubsub"
	"agentdeck/internal/registry"
)

// fakeBinary writes a stand-in subprocess script. Every invocation
// appends its message (the last argument) to capture, then emits a
// session id and a result. Messages starting with "slow" hold the
// process open long enough for the test to act mid-turn.
func fakeBinary(t *testing.T, capture string) string {
	t.Helper()
	script := `#!/bin/sh
for last; do :; done
printf 'MSG:%s\n' "$last" >> ` + capture + `
echo '{"type":"system","subtype":"init","session_id":"sess-fake"}'
case "$last" in
  slow*) sleep 1 ;;
esac
echo '{"type":"result","result":"ok","total_cost_usd":0.01,"duration_ms":5}'
`
	path := filepath.Join(t.TempDir(), "claude")
	require.NoError(t, os.WriteFile(path, []byte(script), 0755)) //nolint:gosec // test fixture must be executable
	return path
}

type fixture struct {
	orch     *Orchestrator
	dir      *agent.Directory
	queue    *queue.Coordinator
	registry *registry.Registry
	history  *history.Store
	capture  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	capture := filepath.Join(t.TempDir(), "capture")
	bin := fakeBinary(t, capture)

	reg := registry.New(filepath.Join(t.TempDir(), "agents.json"))
	db, err := history.NewDB(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	dir := agent.NewDirectory(reg)
	run := runner.New(runner.Config{Binary: bin, GracePeriod: 500 * time.Millisecond})
	coord := queue.NewCoordinator(0)
	store := history.NewStore(db)

	orch := New(Options{
		Directory: dir,
		Runner:    run,
		Queue:     coord,
		Registry:  reg,
		History:   store,
	})
	t.Cleanup(func() {
		orch.Close()
		dir.Close()
		coord.Close()
	})

	return &fixture{
		orch:     orch,
		dir:      dir,
		queue:    coord,
		registry: reg,
		history:  store,
		capture:  capture,
	}
}

// waitFor consumes events until match returns true, failing on timeout.
func waitFor(t *testing.T, ch <-chan pubsub.Event[events.AgentEvent], match func(events.AgentEvent) bool) []events.AgentEvent {
	t.Helper()
	var seen []events.AgentEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			seen = append(seen, ev.Payload)
			if match(ev.Payload) {
				return seen
			}
		case <-deadline:
			kinds := make([]string, len(seen))
			for i, e := range seen {
				kinds[i] = string(e.Kind)
			}
			t.Fatalf("timeout waiting for event, saw: %s", strings.Join(kinds, ", "))
		}
	}
}

func isKind(kind events.Kind, agent string) func(events.AgentEvent) bool {
	return func(ev events.AgentEvent) bool {
		return ev.Kind == kind && ev.Agent == agent
	}
}

func createAgent(t *testing.T, f *fixture, ch <-chan pubsub.Event[events.AgentEvent], name, role string) *agent.Agent {
	t.Helper()
	a, err := f.orch.CreateAgent(context.Background(), name, role, "hello "+name)
	require.NoError(t, err)
	waitFor(t, ch, isKind(events.ProcessCompleted, name))
	require.Eventually(t, func() bool {
		return !a.IsCreating()
	}, 2*time.Second, 10*time.Millisecond, "creation resolves after first turn")
	return a
}

func TestOrchestrator_CreateAgentLifecycle(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := f.orch.Subscribe(ctx)

	a := createAgent(t, f, ch, "Nova", "helper")

	require.Equal(t, "sess-fake", a.SessionID())
	require.False(t, a.IsProcessing())
	require.Same(t, a, f.dir.Current(), "created agent becomes current")

	// First turn is recorded in registry and history.
	require.Eventually(t, func() bool {
		rec, ok := f.registry.Get("Nova")
		return ok && rec.Turns == 1
	}, 2*time.Second, 10*time.Millisecond)

	turns, err := f.history.RecentTurns("Nova", 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Equal(t, "hello Nova", turns[0].Prompt)
	require.Equal(t, "ok", turns[0].Response)
}

func TestOrchestrator_CreateDuplicate(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := f.orch.Subscribe(ctx)

	createAgent(t, f, ch, "Nova", "helper")

	_, err := f.orch.CreateAgent(context.Background(), "nova", "other", "hi")
	require.ErrorIs(t, err, agent.ErrDuplicateAgent)
}

func TestOrchestrator_CreateSpawnFailureRollsBack(t *testing.T) {
	f := newFixture(t)

	// A second orchestrator over the same directory, with a runner whose
	// binary cannot spawn.
	run := runner.New(runner.Config{Binary: "/nonexistent/claude", GracePeriod: time.Second})
	orch := New(Options{
		Directory: f.dir,
		Runner:    run,
		Queue:     f.queue,
	})
	defer orch.Close()

	_, err := orch.CreateAgent(context.Background(), "Ghost", "helper", "hi")
	require.Error(t, err)
	require.Nil(t, f.dir.Get("Ghost"), "placeholder rolled back")

	// The name is free for a retry.
	_, err = f.dir.Create("Ghost", "helper")
	require.NoError(t, err)
}

func TestOrchestrator_SendMessageNoCurrent(t *testing.T) {
	f := newFixture(t)

	err := f.orch.SendMessage(context.Background(), "", "hi")
	require.ErrorIs(t, err, agent.ErrNoCurrentAgent)

	err = f.orch.SendMessage(context.Background(), "nobody", "hi")
	require.ErrorIs(t, err, agent.ErrAgentNotFound)
}

func TestOrchestrator_SendMessageIdleAgent(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := f.orch.Subscribe(ctx)

	createAgent(t, f, ch, "Nova", "helper")

	require.NoError(t, f.orch.SendMessage(context.Background(), "", "follow-up"))
	waitFor(t, ch, isKind(events.ProcessCompleted, "Nova"))

	data, err := os.ReadFile(f.capture)
	require.NoError(t, err)
	require.Contains(t, string(data), "MSG:follow-up\n")
}

func TestOrchestrator_PreemptionReplacesLiveTurn(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := f.orch.Subscribe(ctx)

	a := createAgent(t, f, ch, "Nova", "helper")

	// Queue mode off: a send during a live turn preempts it.
	require.NoError(t, f.orch.SendMessage(context.Background(), "Nova", "slow work"))
	require.True(t, a.IsProcessing())

	require.NoError(t, f.orch.SendMessage(context.Background(), "Nova", "urgent"))

	seen := waitFor(t, ch, isKind(events.ProcessCompleted, "Nova"))

	// The slow turn ends terminated, and only after that does the
	// replacement turn start.
	var termIdx, startIdx = -1, -1
	for i, ev := range seen {
		if ev.Kind == events.ProcessTerminated && termIdx == -1 {
			termIdx = i
		}
		if ev.Kind == events.ProcessStarted && ev.Message == "urgent" {
			startIdx = i
		}
	}
	require.GreaterOrEqual(t, termIdx, 0, "slow turn terminated")
	require.Greater(t, startIdx, termIdx, "replacement starts after termination")

	// The slow turn never queued anything.
	require.Zero(t, f.queue.Len("Nova"))
}

func TestOrchestrator_PreemptReturnsBeforeTerminationCompletes(t *testing.T) {
	// A subprocess that ignores the graceful signal takes the whole grace
	// window plus the kill fallback to die. The preempting send must not
	// wait for that.
	script := `#!/bin/sh
for last; do :; done
echo '{"type":"system","subtype":"init","session_id":"sess-fake"}'
case "$last" in
  stubborn*)
    trap '' TERM
    echo '{"type":"assistant","message":{"content":[{"type":"text","text":"holding"}]}}'
    sleep 30
    ;;
esac
echo '{"type":"result","result":"ok","total_cost_usd":0.01,"duration_ms":5}'
`
	bin := filepath.Join(t.TempDir(), "claude")
	require.NoError(t, os.WriteFile(bin, []byte(script), 0755)) //nolint:gosec // test fixture must be executable

	reg := registry.New(filepath.Join(t.TempDir(), "agents.json"))
	dir := agent.NewDirectory(reg)
	run := runner.New(runner.Config{Binary: bin, GracePeriod: 500 * time.Millisecond})
	coord := queue.NewCoordinator(0)
	orch := New(Options{Directory: dir, Runner: run, Queue: coord, Registry: reg})
	t.Cleanup(func() {
		orch.Close()
		dir.Close()
		coord.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := orch.Subscribe(ctx)

	_, err := orch.CreateAgent(context.Background(), "Nova", "helper", "hello")
	require.NoError(t, err)
	waitFor(t, ch, isKind(events.ProcessCompleted, "Nova"))

	// The "holding" line confirms the turn has installed its signal
	// handling before the preempt lands.
	require.NoError(t, orch.SendMessage(context.Background(), "Nova", "stubborn hold"))
	waitFor(t, ch, func(ev events.AgentEvent) bool {
		return ev.Kind == events.ProcessOutput && ev.Output != nil && ev.Output.Text == "holding"
	})

	start := time.Now()
	require.NoError(t, orch.SendMessage(context.Background(), "Nova", "replacement"))
	require.Less(t, time.Since(start), 400*time.Millisecond,
		"preempting send returns before the old turn finishes terminating")

	// The replacement turn still runs to completion.
	waitFor(t, ch, func(ev events.AgentEvent) bool {
		return ev.Kind == events.ProcessStarted && ev.Message == "replacement"
	})
	waitFor(t, ch, isKind(events.ProcessCompleted, "Nova"))
}

func TestOrchestrator_UntrackedCompletionRecordsNothing(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := f.orch.Subscribe(ctx)

	createAgent(t, f, ch, "Nova", "helper")
	require.Eventually(t, func() bool {
		rec, ok := f.registry.Get("Nova")
		return ok && rec.Turns == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A completion whose turn was already settled at a Terminate call
	// site carries no tracked prompt; it must not persist an empty
	// exchange.
	f.orch.onTurnEnded(events.AgentEvent{
		Kind:   events.ProcessCompleted,
		Agent:  "Nova",
		Result: &events.Result{Text: "late"},
	})

	turns, err := f.history.RecentTurns("Nova", 10)
	require.NoError(t, err)
	require.Len(t, turns, 1, "only the tracked turn is persisted")

	rec, ok := f.registry.Get("Nova")
	require.True(t, ok)
	require.Equal(t, 1, rec.Turns)
}

func TestOrchestrator_QueueModeBatchesMessages(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := f.orch.Subscribe(ctx)

	a := createAgent(t, f, ch, "Nova", "helper")

	require.True(t, f.orch.ToggleQueueMode())

	require.NoError(t, f.orch.SendMessage(context.Background(), "Nova", "slow work"))
	require.True(t, a.IsProcessing())

	// Two messages land in the queue while the turn runs.
	require.NoError(t, f.orch.SendMessage(context.Background(), "Nova", "b"))
	require.NoError(t, f.orch.SendMessage(context.Background(), "Nova", "c"))
	require.Equal(t, 2, f.queue.Len("Nova"))

	// When the slow turn completes, the queue drains into one batched
	// turn.
	waitFor(t, ch, func(ev events.AgentEvent) bool {
		return ev.Kind == events.ProcessStarted && ev.Message == "b\nc"
	})
	require.Zero(t, f.queue.Len("Nova"), "drain empties the queue")

	waitFor(t, ch, isKind(events.ProcessCompleted, "Nova"))

	data, err := os.ReadFile(f.capture)
	require.NoError(t, err)
	require.Contains(t, string(data), "MSG:b\nc\n", "queued messages batched newline-joined in order")
}

func TestOrchestrator_MessagesDuringCreationAreQueued(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := f.orch.Subscribe(ctx)

	_, err := f.orch.CreateAgent(context.Background(), "Nova", "helper", "slow init")
	require.NoError(t, err)

	// Still creating: sends queue regardless of queue mode.
	require.NoError(t, f.orch.SendMessage(context.Background(), "Nova", "early question"))
	require.Equal(t, 1, f.queue.Len("Nova"))

	a := f.dir.Get("Nova")
	require.True(t, a.IsCreating())

	waitFor(t, ch, func(ev events.AgentEvent) bool {
		return ev.Kind == events.ProcessStarted && ev.Message == "early question"
	})
	waitFor(t, ch, isKind(events.ProcessCompleted, "Nova"))

	require.False(t, a.IsCreating())
	require.Zero(t, f.queue.Len("Nova"))
}

func TestOrchestrator_RemoveAgent(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := f.orch.Subscribe(ctx)

	createAgent(t, f, ch, "Nova", "helper")

	require.NoError(t, f.orch.SendMessage(context.Background(), "Nova", "slow work"))
	require.NoError(t, f.orch.RemoveAgent("Nova"))

	require.Nil(t, f.dir.Get("Nova"))
	require.Nil(t, f.dir.Current())
	require.Zero(t, f.queue.Len("Nova"))

	turns, err := f.history.RecentTurns("Nova", 10)
	require.NoError(t, err)
	require.Empty(t, turns, "history rows removed with the agent")

	require.ErrorIs(t, f.orch.RemoveAgent("Nova"), agent.ErrAgentNotFound)
}

func TestOrchestrator_SwitchAgent(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := f.orch.Subscribe(ctx)

	createAgent(t, f, ch, "Nova", "helper")
	createAgent(t, f, ch, "Bot", "worker")
	require.Equal(t, "Bot", f.dir.Current().Name())

	a, err := f.orch.SwitchAgent("nov")
	require.NoError(t, err)
	require.Equal(t, "Nova", a.Name())
	require.Equal(t, "Nova", f.dir.Current().Name())
}

func TestOrchestrator_Restore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.json")

	// Seed a registry file from a previous run.
	seed := registry.New(path)
	old := agent.New("Old", "a")
	old.SetSessionID("s-old")
	old.SetCreating(false)
	old.SetLastActivity(time.Now().Add(-time.Hour))
	fresh := agent.New("Fresh", "b")
	fresh.SetSessionID("s-fresh")
	fresh.SetCreating(false)
	require.NoError(t, seed.SaveAgents([]*agent.Agent{old, fresh}))

	reg := registry.New(path)
	dir := agent.NewDirectory(reg)
	run := runner.New(runner.Config{Binary: "claude"})
	coord := queue.NewCoordinator(0)
	orch := New(Options{Directory: dir, Runner: run, Queue: coord, Registry: reg})
	defer func() {
		orch.Close()
		dir.Close()
		coord.Close()
	}()

	require.NoError(t, orch.Restore())

	require.Len(t, dir.All(), 2)
	require.Equal(t, "Fresh", dir.Current().Name(), "most recent agent becomes current")
	got := dir.Get("old")
	require.NotNil(t, got)
	require.Equal(t, "s-old", got.SessionID())
	require.False(t, got.IsCreating())
}

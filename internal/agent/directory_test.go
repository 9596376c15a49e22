package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentdeck/internal/orchestration/events"
)

// recordingStore captures SaveAgents calls for assertions.
type recordingStore struct {
	saves [][]string
}

func (s *recordingStore) SaveAgents(agents []*Agent) error {
	names := make([]string, len(agents))
	for i, a := range agents {
		names[i] = a.Name()
	}
	s.saves = append(s.saves, names)
	return nil
}

func TestDirectory_Create(t *testing.T) {
	d := NewDirectory(nil)
	defer d.Close()

	a, err := d.Create("Nova", "helper")
	require.NoError(t, err)
	require.Equal(t, "Nova", a.Name())
	require.Equal(t, "helper", a.Role())
	require.True(t, a.IsCreating())
	require.Empty(t, a.SessionID())
}

func TestDirectory_CreateDuplicate(t *testing.T) {
	d := NewDirectory(nil)
	defer d.Close()

	orig, err := d.Create("Nova", "helper")
	require.NoError(t, err)
	require.NoError(t, d.CompleteCreation(orig, "sess-1"))

	// Any casing collides.
	for _, name := range []string{"Nova", "nova", "NOVA"} {
		_, err := d.Create(name, "other")
		require.ErrorIs(t, err, ErrDuplicateAgent, "name %q", name)
	}

	// Original agent state unchanged.
	got := d.Get("nova")
	require.Same(t, orig, got)
	require.Equal(t, "sess-1", got.SessionID())
	require.Equal(t, "helper", got.Role())
}

func TestDirectory_CreateEmitsPendingEvent(t *testing.T) {
	d := NewDirectory(nil)
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := d.Subscribe(ctx)

	_, err := d.Create("Nova", "helper")
	require.NoError(t, err)

	select {
	case ev := <-ch:
		require.Equal(t, events.AgentCreated, ev.Payload.Kind)
		require.Equal(t, "Nova", ev.Payload.Agent)
		require.Equal(t, "helper", ev.Payload.Role)
		require.True(t, ev.Payload.Pending)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for agent_created event")
	}
}

func TestDirectory_CompleteCreationSetsCurrentAndPersists(t *testing.T) {
	store := &recordingStore{}
	d := NewDirectory(store)
	defer d.Close()

	a, err := d.Create("Nova", "helper")
	require.NoError(t, err)
	require.Nil(t, d.Current())

	require.NoError(t, d.CompleteCreation(a, "sess-42"))

	require.False(t, a.IsCreating())
	require.Equal(t, "sess-42", a.SessionID())
	require.Same(t, a, d.Current())
	require.Len(t, store.saves, 1)
	require.Equal(t, []string{"Nova"}, store.saves[0])
}

func TestDirectory_AbortCreation(t *testing.T) {
	d := NewDirectory(nil)
	defer d.Close()

	a, err := d.Create("Nova", "helper")
	require.NoError(t, err)

	d.AbortCreation(a)
	require.Nil(t, d.Get("Nova"))

	// Name is free again.
	_, err = d.Create("Nova", "helper")
	require.NoError(t, err)
}

func TestDirectory_Switch(t *testing.T) {
	d := NewDirectory(nil)
	defer d.Close()

	nova, _ := d.Create("Nova", "helper")
	require.NoError(t, d.CompleteCreation(nova, "s1"))
	bot, _ := d.Create("Bot", "worker")
	require.NoError(t, d.CompleteCreation(bot, "s2"))

	t.Run("exact match ignores case", func(t *testing.T) {
		a, err := d.Switch("NOVA")
		require.NoError(t, err)
		require.Equal(t, "Nova", a.Name())
		require.Same(t, a, d.Current())
	})

	t.Run("substring match", func(t *testing.T) {
		a, err := d.Switch("ov")
		require.NoError(t, err)
		require.Equal(t, "Nova", a.Name())
	})

	t.Run("no match", func(t *testing.T) {
		_, err := d.Switch("zelda")
		require.ErrorIs(t, err, ErrAgentNotFound)
	})

	t.Run("ambiguous substring names all candidates", func(t *testing.T) {
		bot2, _ := d.Create("Bot2", "worker")
		require.NoError(t, d.CompleteCreation(bot2, "s3"))

		_, err := d.Switch("bo")
		var ambErr *AmbiguousNameError
		require.ErrorAs(t, err, &ambErr)
		require.Equal(t, []string{"Bot", "Bot2"}, ambErr.Matches)
	})
}

func TestDirectory_SwitchEmitsEvent(t *testing.T) {
	d := NewDirectory(nil)
	defer d.Close()

	a, _ := d.Create("Nova", "helper")
	require.NoError(t, d.CompleteCreation(a, "s1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := d.Subscribe(ctx)

	_, err := d.Switch("nova")
	require.NoError(t, err)

	select {
	case ev := <-ch:
		require.Equal(t, events.AgentSwitched, ev.Payload.Kind)
		require.Equal(t, "Nova", ev.Payload.Agent)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for agent_switched event")
	}
}

func TestDirectory_Remove(t *testing.T) {
	store := &recordingStore{}
	d := NewDirectory(store)
	defer d.Close()

	a, _ := d.Create("Nova", "helper")
	require.NoError(t, d.CompleteCreation(a, "s1"))
	require.Same(t, a, d.Current())

	require.True(t, d.Remove("nova"))
	require.Nil(t, d.Current())
	require.Nil(t, d.Get("Nova"))

	// Last persisted state is empty.
	require.Empty(t, store.saves[len(store.saves)-1])

	require.False(t, d.Remove("nova"), "second remove returns false")
}

func TestDirectory_MostRecent(t *testing.T) {
	d := NewDirectory(nil)
	defer d.Close()

	require.Nil(t, d.MostRecent())

	old, _ := d.Create("Old", "a")
	require.NoError(t, d.CompleteCreation(old, "s1"))
	old.SetLastActivity(time.Now().Add(-time.Hour))

	fresh, _ := d.Create("Fresh", "b")
	require.NoError(t, d.CompleteCreation(fresh, "s2"))

	require.Equal(t, "Fresh", d.MostRecent().Name())
}

func TestDirectory_All(t *testing.T) {
	d := NewDirectory(nil)
	defer d.Close()

	for _, name := range []string{"zeta", "Alpha", "mid"} {
		a, err := d.Create(name, "r")
		require.NoError(t, err)
		require.NoError(t, d.CompleteCreation(a, "s"))
	}

	all := d.All()
	require.Len(t, all, 3)
	require.Equal(t, "Alpha", all[0].Name())
	require.Equal(t, "mid", all[1].Name())
	require.Equal(t, "zeta", all[2].Name())
}

func TestAmbiguousNameError_Message(t *testing.T) {
	err := &AmbiguousNameError{Name: "bo", Matches: []string{"Bot", "Bot2"}}
	require.Contains(t, err.Error(), `"bo"`)
	require.Contains(t, err.Error(), "Bot, Bot2")
	require.False(t, errors.Is(err, ErrAgentNotFound))
}

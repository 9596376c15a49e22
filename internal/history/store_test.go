package history

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestNewDB_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "history.db")

	db, err := NewDB(path)
	require.NoError(t, err)
	defer db.Close()

	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestNewDB_RunsMigrations(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer db.Close()

	var name string
	err = db.conn.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name='turns'",
	).Scan(&name)
	require.NoError(t, err)
	require.Equal(t, "turns", name)
}

func TestNewDB_MigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	db1, err := NewDB(path)
	require.NoError(t, err)

	store := NewStore(db1)
	_, err = store.SaveTurn(Turn{Agent: "Nova", Prompt: "p", Response: "r"})
	require.NoError(t, err)
	require.NoError(t, db1.Close())

	// Reopening must not re-run migrations or lose data.
	db2, err := NewDB(path)
	require.NoError(t, err)
	defer db2.Close()

	turns, err := NewStore(db2).RecentTurns("Nova", 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
}

func TestStore_SaveAndRecentTurns(t *testing.T) {
	s := newTestStore(t)

	for _, prompt := range []string{"first", "second", "third"} {
		_, err := s.SaveTurn(Turn{
			Agent:      "Nova",
			SessionID:  "sess-1",
			Prompt:     prompt,
			Response:   "re: " + prompt,
			CostUSD:    0.01,
			DurationMs: 100,
		})
		require.NoError(t, err)
	}
	_, err := s.SaveTurn(Turn{Agent: "Other", Prompt: "x", Response: "y"})
	require.NoError(t, err)

	turns, err := s.RecentTurns("Nova", 2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, "third", turns[0].Prompt, "newest first")
	require.Equal(t, "second", turns[1].Prompt)
	require.Equal(t, "re: third", turns[0].Response)
	require.Equal(t, "sess-1", turns[0].SessionID)
	require.False(t, turns[0].CreatedAt.IsZero())
}

func TestStore_TotalCost(t *testing.T) {
	s := newTestStore(t)

	total, err := s.TotalCost("Nova")
	require.NoError(t, err)
	require.Zero(t, total)

	_, err = s.SaveTurn(Turn{Agent: "Nova", Prompt: "a", CostUSD: 0.02})
	require.NoError(t, err)
	_, err = s.SaveTurn(Turn{Agent: "Nova", Prompt: "b", CostUSD: 0.03})
	require.NoError(t, err)

	total, err = s.TotalCost("Nova")
	require.NoError(t, err)
	require.InDelta(t, 0.05, total, 1e-9)
}

func TestStore_DeleteAgentTurns(t *testing.T) {
	s := newTestStore(t)

	_, err := s.SaveTurn(Turn{Agent: "Nova", Prompt: "a"})
	require.NoError(t, err)
	_, err = s.SaveTurn(Turn{Agent: "Keep", Prompt: "b"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteAgentTurns("Nova"))

	turns, err := s.RecentTurns("Nova", 10)
	require.NoError(t, err)
	require.Empty(t, turns)

	kept, err := s.RecentTurns("Keep", 10)
	require.NoError(t, err)
	require.Len(t, kept, 1)
}

func TestStore_ErrorTurnRoundTrip(t *testing.T) {
	s := newTestStore(t)

	_, err := s.SaveTurn(Turn{Agent: "Nova", Prompt: "p", IsError: true})
	require.NoError(t, err)

	turns, err := s.RecentTurns("Nova", 1)
	require.NoError(t, err)
	require.True(t, turns[0].IsError)
}

package history

import (
	"database/sql"
	"fmt"
	"time"
)

// Turn is one persisted prompt/response exchange.
type Turn struct {
	ID         int64
	Agent      string
	SessionID  string
	Prompt     string
	Response   string
	CostUSD    float64
	DurationMs int64
	IsError    bool
	CreatedAt  time.Time
}

// Store reads and writes turns. All methods are safe for concurrent use;
// database/sql serializes access to the single connection.
type Store struct {
	db *DB
}

// NewStore creates a turn store over the given database.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

const turnColumns = `id, agent, session_id, prompt, response, cost_usd, duration_ms, is_error, created_at`

func scanTurn(scanner interface{ Scan(...any) error }) (Turn, error) {
	var t Turn
	err := scanner.Scan(
		&t.ID, &t.Agent, &t.SessionID, &t.Prompt, &t.Response,
		&t.CostUSD, &t.DurationMs, &t.IsError, &t.CreatedAt,
	)
	return t, err
}

// SaveTurn inserts a completed turn and returns its row ID.
func (s *Store) SaveTurn(t Turn) (int64, error) {
	result, err := s.db.conn.Exec(
		`INSERT INTO turns (agent, session_id, prompt, response, cost_usd, duration_ms, is_error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Agent, t.SessionID, t.Prompt, t.Response,
		t.CostUSD, t.DurationMs, t.IsError, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting turn: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading insert id: %w", err)
	}
	return id, nil
}

// RecentTurns returns up to limit turns for the named agent, newest
// first.
func (s *Store) RecentTurns(agent string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.conn.Query(
		`SELECT `+turnColumns+` FROM turns WHERE agent = ? ORDER BY id DESC LIMIT ?`,
		agent, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning turn row: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turn rows: %w", err)
	}
	return turns, nil
}

// TotalCost returns the summed cost of every recorded turn for the named
// agent.
func (s *Store) TotalCost(agent string) (float64, error) {
	var total sql.NullFloat64
	err := s.db.conn.QueryRow(
		`SELECT SUM(cost_usd) FROM turns WHERE agent = ?`, agent,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing turn cost: %w", err)
	}
	return total.Float64, nil
}

// DeleteAgentTurns removes every turn recorded for the named agent.
func (s *Store) DeleteAgentTurns(agent string) error {
	if _, err := s.db.conn.Exec(`DELETE FROM turns WHERE agent = ?`, agent); err != nil {
		return fmt.Errorf("deleting turns for %s: %w", agent, err)
	}
	return nil
}

// Package usage is an append-only SQLite ledger of LLM calls: who asked
// (turn, chat, role), which model answered, and what it cost.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/botlab/internal/config"
)

// Record is one LLM call.
type Record struct {
	ID           string
	Timestamp    time.Time
	TurnID       string
	ChatID       int64
	ThreadID     int64
	Role         string // init, response, recovery, inhibitor, observer, ask
	Model        string
	Provider     string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Duration     time.Duration
}

// Summary holds aggregated totals.
type Summary struct {
	TotalRecords      int     `json:"records"`
	TotalInputTokens  int64   `json:"input_tokens"`
	TotalOutputTokens int64   `json:"output_tokens"`
	TotalCostUSD      float64 `json:"cost_usd"`
}

// Store is the ledger. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) a ledger database file.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an open database and creates the schema. The store
// takes ownership of db.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS llm_calls (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		turn_id       TEXT,
		chat_id       INTEGER NOT NULL DEFAULT 0,
		thread_id     INTEGER NOT NULL DEFAULT 0,
		role          TEXT NOT NULL,
		model         TEXT NOT NULL,
		provider      TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cost_usd      REAL NOT NULL,
		duration_ms   INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_llm_calls_timestamp ON llm_calls(timestamp);
	CREATE INDEX IF NOT EXISTS idx_llm_calls_turn ON llm_calls(turn_id);
	CREATE INDEX IF NOT EXISTS idx_llm_calls_chat ON llm_calls(chat_id);
	`)
	return err
}

// Record appends rec. An empty ID gets a UUIDv7 and a zero timestamp
// becomes now.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO llm_calls
			(id, timestamp, turn_id, chat_id, thread_id, role, model, provider,
			 input_tokens, output_tokens, cost_usd, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		stamp(rec.Timestamp),
		rec.TurnID,
		rec.ChatID,
		rec.ThreadID,
		rec.Role,
		rec.Model,
		rec.Provider,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CostUSD,
		rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary returns totals for records in [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM llm_calls
		 WHERE timestamp >= ? AND timestamp < ?`,
		stamp(start), stamp(end),
	)
	var sum Summary
	if err := row.Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByRole groups totals in [start, end) by call role.
func (s *Store) SummaryByRole(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.grouped(ctx, "role", start, end)
}

// SummaryByModel groups totals in [start, end) by model.
func (s *Store) SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.grouped(ctx, "model", start, end)
}

// SummaryByChat groups totals in [start, end) by chat ID, rendered as
// a decimal string.
func (s *Store) SummaryByChat(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.grouped(ctx, "CAST(chat_id AS TEXT)", start, end)
}

// TurnCost returns the summed cost of every call made for one turn.
func (s *Store) TurnCost(ctx context.Context, turnID string) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM llm_calls WHERE turn_id = ?`, turnID)
	var sum Summary
	if err := row.Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD); err != nil {
		return nil, fmt.Errorf("query turn usage: %w", err)
	}
	return &sum, nil
}

// grouped runs a GROUP BY over expr, which is always a constant from
// this package.
func (s *Store) grouped(ctx context.Context, expr string, start, end time.Time) (map[string]*Summary, error) {
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM llm_calls
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY 1`, expr)

	rows, err := s.db.QueryContext(ctx, query, stamp(start), stamp(end))
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", expr, err)
	}
	defer rows.Close()

	out := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", expr, err)
		}
		out[key] = &sum
	}
	return out, rows.Err()
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ComputeCost prices a call from the pricing table. Models without an
// entry cost nothing.
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) float64 {
	entry, ok := pricing[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1_000_000*entry.InputPerMillion +
		float64(outputTokens)/1_000_000*entry.OutputPerMillion
}

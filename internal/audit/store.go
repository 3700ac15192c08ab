// Package audit keeps a queryable history of policy changes. It records the
// change events published on the event hub into a SQLite table that lives
// next to the policy tables.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"grimm.is/appwall/internal/clock"
	"grimm.is/appwall/internal/events"
	"grimm.is/appwall/internal/logging"
)

// Entry is one recorded change.
type Entry struct {
	ID        int64           `json:"id"`
	EventID   string          `json:"event_id"`
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Op        string          `json:"op,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Filter selects entries for Query. Zero fields match everything.
type Filter struct {
	Type  events.EventType
	Since time.Time
	Limit int
}

// Store provides persistent storage for change history.
type Store struct {
	mu            sync.Mutex
	db            *sql.DB
	retentionDays int
	logger        *logging.Logger
}

// NewStore creates the history table in db if needed.
func NewStore(db *sql.DB, retentionDays int, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Default()
	}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS change_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			type TEXT NOT NULL,
			source TEXT NOT NULL,
			op TEXT,
			data TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_history_timestamp ON change_history(timestamp);
		CREATE INDEX IF NOT EXISTS idx_history_type ON change_history(type);
	`)
	if err != nil {
		return nil, fmt.Errorf("create history table: %w", err)
	}

	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &Store{
		db:            db,
		retentionDays: retentionDays,
		logger:        logger.WithComponent("audit"),
	}, nil
}

// Write persists one hub event.
func (s *Store) Write(ev events.Event) error {
	var op string
	if cd, ok := ev.Data.(events.ChangeData); ok {
		op = cd.Op
	}
	data, err := json.Marshal(ev.Data)
	if err != nil {
		data = []byte("{}")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO change_history (event_id, timestamp, type, source, op, data)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.Timestamp.UTC(), string(ev.Type), ev.Source, op, string(data))
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

// Run records every hub event until ctx is done.
func (s *Store) Run(ctx context.Context, hub *events.Hub) {
	ch := hub.Subscribe(1024)
	defer hub.Unsubscribe(ch)

	prune := time.NewTicker(time.Hour)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			if err := s.Write(ev); err != nil {
				s.logger.Warn("failed to record change", "type", ev.Type, "error", err)
			}
		case <-prune.C:
			if n, err := s.Prune(); err != nil {
				s.logger.Warn("failed to prune history", "error", err)
			} else if n > 0 {
				s.logger.Debug("pruned history", "removed", n)
			}
		}
	}
}

// Query returns matching entries, newest first.
func (s *Store) Query(f Filter) ([]Entry, error) {
	query := `SELECT id, event_id, timestamp, type, source, op, data FROM change_history WHERE 1=1`
	var args []any
	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, string(f.Type))
	}
	if !f.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, f.Since.UTC())
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e    Entry
			op   sql.NullString
			data sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.EventID, &e.Timestamp, &e.Type, &e.Source, &op, &data); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		e.Op = op.String
		if data.Valid && data.String != "" {
			e.Data = json.RawMessage(data.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune removes entries older than the retention period.
func (s *Store) Prune() (int64, error) {
	cutoff := clock.Now().AddDate(0, 0, -s.retentionDays).UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	result, err := s.db.Exec("DELETE FROM change_history WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return result.RowsAffected()
}

// Count returns the total number of entries.
func (s *Store) Count() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM change_history").Scan(&count)
	return count, err
}

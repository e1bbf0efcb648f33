// Package sqlite provides a durable security event history on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/giantswarm/requestgate/security"
)

const (
	// DefaultRetention is how long events are kept when Config.Retention is zero.
	DefaultRetention = 30 * 24 * time.Hour

	// DefaultPruneInterval is how often the retention loop runs.
	DefaultPruneInterval = time.Hour

	// MaxRecentLimit caps Recent so one query cannot load the whole table.
	MaxRecentLimit = 1000
)

const schema = `
CREATE TABLE IF NOT EXISTS security_events (
	id          TEXT PRIMARY KEY,
	ts          INTEGER NOT NULL,
	event_type  TEXT NOT NULL,
	ip          TEXT NOT NULL,
	level       TEXT NOT NULL,
	request_id  TEXT NOT NULL DEFAULT '',
	details     TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_security_events_ts ON security_events (ts);
CREATE INDEX IF NOT EXISTS idx_security_events_type_ts ON security_events (event_type, ts);
`

// Config configures the event store.
type Config struct {
	// DSN is the sqlite3 data source, e.g. "file:/var/lib/requestgate/events.db"
	// or ":memory:" (required).
	DSN string

	// Retention is the maximum event age kept by the prune loop.
	Retention time.Duration

	// PruneInterval is the prune loop period. Negative disables the loop.
	PruneInterval time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// EventStore is a security.EventSink backed by a single SQLite table.
type EventStore struct {
	db        *sql.DB
	logger    *slog.Logger
	now       func() time.Time
	retention time.Duration

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

var _ security.EventSink = (*EventStore)(nil)

// Open opens (or creates) the database, applies the schema and starts the
// retention loop.
func Open(cfg Config) (*EventStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("sqlite DSN is required")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = DefaultPruneInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases from splitting per connection.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &EventStore{
		db:        db,
		logger:    cfg.Logger,
		now:       cfg.Now,
		retention: cfg.Retention,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	if cfg.PruneInterval > 0 {
		go s.retentionLoop(cfg.PruneInterval)
	} else {
		close(s.done)
	}

	cfg.Logger.Info("Opened security event store", "retention", cfg.Retention)
	return s, nil
}

// Append inserts one event. Events with a duplicate ID are ignored.
func (s *EventStore) Append(ctx context.Context, e security.Event) error {
	details := []byte("{}")
	if len(e.Details) > 0 {
		var err error
		details, err = json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal event details: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO security_events (id, ts, event_type, ip, level, request_id, details)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UnixNano(), e.Type, e.IP, string(e.Level), e.RequestID, string(details))
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (s *EventStore) Recent(ctx context.Context, limit int) ([]security.Event, error) {
	if limit <= 0 || limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, event_type, ip, level, request_id, details
		 FROM security_events ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]security.Event, 0, limit)
	for rows.Next() {
		var (
			e       security.Event
			ts      int64
			level   string
			details string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.IP, &level, &e.RequestID, &details); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		e.Level = security.Level(level)
		if details != "" && details != "{}" {
			if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
				s.logger.Warn("Failed to decode event details", "id", e.ID, "error", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return events, nil
}

// CountByType counts events per type at or after since.
func (s *EventStore) CountByType(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_type, COUNT(*) FROM security_events WHERE ts >= ? GROUP BY event_type`,
		since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			eventType string
			n         int64
		)
		if err := rows.Scan(&eventType, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[eventType] = n
	}
	return counts, rows.Err()
}

// Prune deletes events older than before and returns how many were removed.
func (s *EventStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM security_events WHERE ts < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}

func (s *EventStore) retentionLoop(interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			n, err := s.Prune(ctx, s.now().Add(-s.retention))
			cancel()
			if err != nil {
				s.logger.Warn("Security event retention prune failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("Pruned security events", "removed", n)
			}
		}
	}
}

// Close stops the retention loop and closes the database.
func (s *EventStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return s.db.Close()
}

package audit

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const Schema = `
CREATE TABLE IF NOT EXISTS system_logs (
	entry_id  TEXT PRIMARY KEY,
	timestamp INTEGER NOT NULL,
	level     TEXT NOT NULL DEFAULT 'INFO',
	component TEXT NOT NULL,
	message   TEXT NOT NULL,
	metadata  TEXT
);
CREATE INDEX IF NOT EXISTS idx_system_logs_time ON system_logs(timestamp);
CREATE INDEX IF NOT EXISTS idx_system_logs_component ON system_logs(component);
CREATE INDEX IF NOT EXISTS idx_system_logs_level ON system_logs(level);
`

// SQLiteLogger writes system events to the system_logs table asynchronously.
type SQLiteLogger struct {
	db     *sql.DB
	ch     chan *Entry
	done   chan struct{}
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

func NewSQLiteLogger(sqlDB *sql.DB) *SQLiteLogger {
	l := &SQLiteLogger{
		db:   sqlDB,
		ch:   make(chan *Entry, 256),
		done: make(chan struct{}),
	}
	go l.flushLoop()
	return l
}

func (l *SQLiteLogger) Init() error {
	_, err := l.db.Exec(Schema)
	return err
}

func (l *SQLiteLogger) Log(_ context.Context, entry *Entry) error {
	l.fillDefaults(entry)
	return l.insert(entry)
}

func (l *SQLiteLogger) LogAsync(entry *Entry) {
	l.fillDefaults(entry)
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		slog.Warn("event log closed, dropping entry", "component", entry.Component)
		return
	}
	select {
	case l.ch <- entry:
	default:
		slog.Warn("event buffer full, dropping entry", "component", entry.Component)
	}
}

func (l *SQLiteLogger) Close() error {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.ch)
		<-l.done
	})
	return nil
}

// QueryEntries reads back persisted events, newest first.
func (l *SQLiteLogger) QueryEntries(ctx context.Context, f Filter) ([]*Entry, error) {
	query := `SELECT entry_id, timestamp, level, component, message, COALESCE(metadata, '')
		FROM system_logs WHERE 1=1`
	var args []any
	if f.Level != "" && f.Level != "all" {
		query += ` AND level = ?`
		args = append(args, f.Level)
	}
	if f.Component != "" && f.Component != "all" {
		query += ` AND component = ?`
		args = append(args, f.Component)
	}
	if f.Search != "" {
		query += ` AND message LIKE ?`
		args = append(args, "%"+f.Search+"%")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.EntryID, &e.Timestamp, &e.Level, &e.Component, &e.Message, &e.Metadata); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (l *SQLiteLogger) fillDefaults(e *Entry) {
	if e.EntryID == "" {
		e.EntryID = "evt_" + uuid.NewString()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().Unix()
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}
}

func (l *SQLiteLogger) flushLoop() {
	defer close(l.done)
	batch := make([]*Entry, 0, 32)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case entry, ok := <-l.ch:
			if !ok {
				l.flushBatch(batch)
				return
			}
			batch = append(batch, entry)
			if len(batch) >= 32 {
				l.flushBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				l.flushBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

func (l *SQLiteLogger) flushBatch(batch []*Entry) {
	for _, e := range batch {
		if err := l.insert(e); err != nil {
			slog.Error("event write failed", "error", err, "component", e.Component)
		}
	}
}

func (l *SQLiteLogger) insert(e *Entry) error {
	_, err := l.db.Exec(`
		INSERT INTO system_logs (entry_id, timestamp, level, component, message, metadata)
		VALUES (?,?,?,?,?,?)`,
		e.EntryID, e.Timestamp, e.Level, e.Component, e.Message, e.Metadata)
	return err
}

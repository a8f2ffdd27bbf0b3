package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/quantumnexus/deception/internal/errs"
)

// UpsertBotRecord writes the current-state row for a fingerprint. On conflict
// the score, addresses and last_seen are replaced (last writer wins) while
// first_seen is left untouched.
func (db *DB) UpsertBotRecord(ctx context.Context, rec *BotRecord) error {
	return db.exec(ctx, "upserting bot record", `
		INSERT INTO bot_tracking (
			fingerprint_hash, ip_address, user_agent, detection_score,
			browser_score, network_score, device_score, status, first_seen, last_seen
		) VALUES (?, ?, ?, ?, ?, ?, ?, 'active', datetime('now'), datetime('now'))
		ON CONFLICT(fingerprint_hash) DO UPDATE SET
			ip_address      = excluded.ip_address,
			user_agent      = excluded.user_agent,
			detection_score = excluded.detection_score,
			browser_score   = excluded.browser_score,
			network_score   = excluded.network_score,
			device_score    = excluded.device_score,
			status          = 'active',
			last_seen       = datetime('now')`,
		rec.FingerprintHash, rec.IPAddress, rec.UserAgent, rec.DetectionScore,
		rec.BrowserScore, rec.NetworkScore, rec.DeviceScore)
}

// InsertFingerprintEvent appends the raw analysis audit row.
func (db *DB) InsertFingerprintEvent(ctx context.Context, ev *FingerprintEvent) error {
	return db.exec(ctx, "inserting fingerprint event", `
		INSERT INTO fingerprint_events (fingerprint_hash, ip_address, user_agent, detection_score, payload)
		VALUES (?, ?, ?, ?, ?)`,
		ev.FingerprintHash, ev.IPAddress, ev.UserAgent, ev.DetectionScore, ev.Payload)
}

// GetBotRecord returns the tracked record for a hash, or ErrUnknownEntity.
func (db *DB) GetBotRecord(ctx context.Context, hash string) (*BotRecord, error) {
	row, release, err := db.queryRow(ctx, `
		SELECT fingerprint_hash, ip_address, user_agent, detection_score,
			browser_score, network_score, device_score, status, first_seen, last_seen
		FROM bot_tracking WHERE fingerprint_hash = ?`, hash)
	if err != nil {
		return nil, err
	}
	defer release()
	return scanBotRecord(row)
}

// ListBotRecords pages through tracked fingerprints, newest activity first.
// An empty status or "all" disables the status filter.
func (db *DB) ListBotRecords(ctx context.Context, status string, limit, offset int) ([]*BotRecord, int, error) {
	if limit <= 0 {
		limit = 10
	}
	where, args := "", []any{}
	if status != "" && status != "all" {
		where = " WHERE status = ?"
		args = append(args, status)
	}

	rows, release, err := db.query(ctx, "listing bot records",
		`SELECT fingerprint_hash, ip_address, user_agent, detection_score,
			browser_score, network_score, device_score, status, first_seen, last_seen
		FROM bot_tracking`+where+` ORDER BY last_seen DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer release()
	defer rows.Close()

	var records []*BotRecord
	for rows.Next() {
		rec, err := scanBotRecord(rows)
		if err != nil {
			return nil, 0, errs.Persistence("scanning bot record", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errs.Persistence("listing bot records", err)
	}

	total, err := db.countBotRecords(ctx, status)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

func (db *DB) countBotRecords(ctx context.Context, status string) (int, error) {
	query, args := `SELECT COUNT(*) FROM bot_tracking`, []any{}
	if status != "" && status != "all" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	row, release, err := db.queryRow(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	defer release()
	var total int
	if err := row.Scan(&total); err != nil {
		return 0, errs.Persistence("counting bot records", err)
	}
	return total, nil
}

// TrackingStats is the aggregate view over all tracked fingerprints.
type TrackingStats struct {
	TotalTracked      int     `json:"total_tracked"`
	ActiveBots        int     `json:"active_bots"`
	RecentDetections  int     `json:"recent_detections"`
	AvgDetectionScore float64 `json:"avg_detection_score"`
}

func (db *DB) GetTrackingStats(ctx context.Context) (*TrackingStats, error) {
	row, release, err := db.queryRow(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN last_seen >= datetime('now', '-1 hour') THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(detection_score), 0)
		FROM bot_tracking`)
	if err != nil {
		return nil, err
	}
	defer release()

	stats := &TrackingStats{}
	if err := row.Scan(&stats.TotalTracked, &stats.ActiveBots, &stats.RecentDetections, &stats.AvgDetectionScore); err != nil {
		return nil, errs.Persistence("reading tracking stats", err)
	}
	return stats, nil
}

// MarkDormant flips records to dormant when last_seen is older than the
// cutoff. Returns the number of records flipped.
func (db *DB) MarkDormant(ctx context.Context, olderThan time.Duration) (int64, error) {
	release, err := db.acquire()
	if err != nil {
		return 0, err
	}
	defer release()

	res, err := db.sql.ExecContext(ctx, `
		UPDATE bot_tracking SET status = 'dormant'
		WHERE status = 'active' AND last_seen < datetime('now', ?)`,
		fmt.Sprintf("-%d seconds", int64(olderThan.Seconds())))
	if err != nil {
		return 0, errs.Persistence("marking dormant records", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanBotRecord(s interface{ Scan(...any) error }) (*BotRecord, error) {
	rec := &BotRecord{}
	var ip, ua sql.NullString
	err := s.Scan(
		&rec.FingerprintHash, &ip, &ua, &rec.DetectionScore,
		&rec.BrowserScore, &rec.NetworkScore, &rec.DeviceScore,
		&rec.Status, &rec.FirstSeen, &rec.LastSeen,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrUnknownEntity
	}
	if err != nil {
		return nil, errs.Persistence("scanning bot record", err)
	}
	if ip.Valid {
		rec.IPAddress = &ip.String
	}
	if ua.Valid {
		rec.UserAgent = &ua.String
	}
	return rec, nil
}

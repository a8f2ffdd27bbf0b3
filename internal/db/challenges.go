package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/quantumnexus/deception/internal/errs"
)

// InsertChallenge stores an issued challenge. The id is a high-entropy token;
// a collision surfaces as ErrConflict rather than a silent overwrite.
func (db *DB) InsertChallenge(ctx context.Context, ch *Challenge) error {
	release, err := db.acquire()
	if err != nil {
		return err
	}
	defer release()

	_, err = db.sql.ExecContext(ctx, `
		INSERT INTO challenges (id, fingerprint_hash, type, payload, difficulty)
		VALUES (?, ?, ?, ?, ?)`,
		ch.ID, ch.FingerprintHash, ch.Type, ch.Payload, ch.Difficulty)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errs.ErrConflict
		}
		return errs.Persistence("inserting challenge", err)
	}
	return nil
}

// GetChallenge returns a challenge by ID, or ErrUnknownEntity.
func (db *DB) GetChallenge(ctx context.Context, id string) (*Challenge, error) {
	row, release, err := db.queryRow(ctx, `
		SELECT id, fingerprint_hash, type, payload, difficulty, created_at
		FROM challenges WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer release()

	ch := &Challenge{}
	err = row.Scan(&ch.ID, &ch.FingerprintHash, &ch.Type, &ch.Payload, &ch.Difficulty, &ch.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrUnknownEntity
	}
	if err != nil {
		return nil, errs.Persistence("scanning challenge", err)
	}
	return ch, nil
}

// InsertChallengeResponse appends one verification attempt. Re-verifying the
// same challenge appends another row; the attempt trail is not idempotent.
func (db *DB) InsertChallengeResponse(ctx context.Context, cr *ChallengeResponse) error {
	return db.exec(ctx, "inserting challenge response", `
		INSERT INTO challenge_responses (challenge_id, fingerprint_hash, response, success, score)
		VALUES (?, ?, ?, ?, ?)`,
		cr.ChallengeID, cr.FingerprintHash, cr.Response, boolToInt(cr.Success), cr.Score)
}

// LatestChallengeScore returns the most recent response score for a hash.
// A fingerprint with no attempts scores 0.
func (db *DB) LatestChallengeScore(ctx context.Context, hash string) (float64, error) {
	row, release, err := db.queryRow(ctx, `
		SELECT score FROM challenge_responses
		WHERE fingerprint_hash = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, hash)
	if err != nil {
		return 0, err
	}
	defer release()

	var score float64
	err = row.Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.Persistence("reading latest challenge score", err)
	}
	return score, nil
}

// CountChallengeResponses returns the number of recorded attempts for a
// challenge. Used by tests and the stats task.
func (db *DB) CountChallengeResponses(ctx context.Context, challengeID string) (int, error) {
	row, release, err := db.queryRow(ctx,
		`SELECT COUNT(*) FROM challenge_responses WHERE challenge_id = ?`, challengeID)
	if err != nil {
		return 0, err
	}
	defer release()
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, errs.Persistence("counting challenge responses", err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

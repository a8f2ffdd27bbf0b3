package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/quantumnexus/deception/internal/errs"
)

// InsertVerification appends a decision; earlier rows are never overwritten.
func (db *DB) InsertVerification(ctx context.Context, v *VerificationDecision) error {
	return db.exec(ctx, "inserting verification result", `
		INSERT INTO verification_results (fingerprint_hash, verified, confidence, components)
		VALUES (?, ?, ?, ?)`,
		v.FingerprintHash, boolToInt(v.Verified), v.Confidence, v.Components)
}

// LatestVerification returns the current decision for a hash, or
// ErrUnknownEntity when the fingerprint has never been verified.
func (db *DB) LatestVerification(ctx context.Context, hash string) (*VerificationDecision, error) {
	row, release, err := db.queryRow(ctx, `
		SELECT id, fingerprint_hash, verified, confidence, components, created_at
		FROM verification_results
		WHERE fingerprint_hash = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, hash)
	if err != nil {
		return nil, err
	}
	defer release()

	v := &VerificationDecision{}
	var verified int
	err = row.Scan(&v.ID, &v.FingerprintHash, &verified, &v.Confidence, &v.Components, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrUnknownEntity
	}
	if err != nil {
		return nil, errs.Persistence("scanning verification result", err)
	}
	v.Verified = verified != 0
	return v, nil
}

package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/quantumnexus/deception/internal/errs"
)

// InsertSandboxRun appends an execution record, including failed and
// timed-out runs.
func (db *DB) InsertSandboxRun(ctx context.Context, run *SandboxRun) error {
	return db.exec(ctx, "inserting sandbox run", `
		INSERT INTO sandbox_runs (fingerprint_hash, success, output, error, cpu_time, memory_kb, code, code_digest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.FingerprintHash, boolToInt(run.Success), run.Output, run.Error,
		run.CPUTime, run.MemoryKB, run.Code, run.CodeDigest)
}

// LatestSandboxRun returns the newest run for a hash, or ErrUnknownEntity
// when none exists.
func (db *DB) LatestSandboxRun(ctx context.Context, hash string) (*SandboxRun, error) {
	row, release, err := db.queryRow(ctx, `
		SELECT id, fingerprint_hash, success, output, error, cpu_time, memory_kb, code, code_digest, created_at
		FROM sandbox_runs
		WHERE fingerprint_hash = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, hash)
	if err != nil {
		return nil, err
	}
	defer release()

	run := &SandboxRun{}
	var success int
	var errMsg sql.NullString
	err = row.Scan(&run.ID, &run.FingerprintHash, &success, &run.Output, &errMsg,
		&run.CPUTime, &run.MemoryKB, &run.Code, &run.CodeDigest, &run.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrUnknownEntity
	}
	if err != nil {
		return nil, errs.Persistence("scanning sandbox run", err)
	}
	run.Success = success != 0
	if errMsg.Valid {
		run.Error = &errMsg.String
	}
	return run, nil
}

package db

const schema = `
CREATE TABLE IF NOT EXISTS bot_tracking (
    fingerprint_hash TEXT PRIMARY KEY,
    ip_address       TEXT,
    user_agent       TEXT,
    detection_score  REAL NOT NULL DEFAULT 0 CHECK(detection_score BETWEEN 0 AND 1),
    browser_score    REAL NOT NULL DEFAULT 0,
    network_score    REAL NOT NULL DEFAULT 0,
    device_score     REAL NOT NULL DEFAULT 0,
    status           TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active','dormant','migrated')),
    first_seen       DATETIME NOT NULL DEFAULT (datetime('now')),
    last_seen        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_bot_tracking_status ON bot_tracking(status);
CREATE INDEX IF NOT EXISTS idx_bot_tracking_seen ON bot_tracking(last_seen);

CREATE TABLE IF NOT EXISTS fingerprint_events (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    fingerprint_hash TEXT NOT NULL,
    ip_address       TEXT,
    user_agent       TEXT,
    detection_score  REAL,
    payload          TEXT,
    captured_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_fingerprint_events_hash ON fingerprint_events(fingerprint_hash);

CREATE TABLE IF NOT EXISTS challenges (
    id               TEXT PRIMARY KEY,
    fingerprint_hash TEXT NOT NULL,
    type             TEXT NOT NULL,
    payload          TEXT NOT NULL,
    difficulty       INTEGER NOT NULL CHECK(difficulty BETWEEN 1 AND 5),
    created_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_challenges_hash ON challenges(fingerprint_hash);

CREATE TABLE IF NOT EXISTS challenge_responses (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    challenge_id     TEXT NOT NULL,
    fingerprint_hash TEXT NOT NULL,
    response         TEXT,
    success          INTEGER NOT NULL DEFAULT 0,
    score            REAL NOT NULL DEFAULT 0,
    created_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_challenge_responses_hash ON challenge_responses(fingerprint_hash, created_at);

CREATE TABLE IF NOT EXISTS sandbox_runs (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    fingerprint_hash TEXT NOT NULL,
    success          INTEGER NOT NULL DEFAULT 0,
    output           TEXT,
    error            TEXT,
    cpu_time         REAL,
    memory_kb        REAL,
    code             TEXT,
    code_digest      TEXT,
    created_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_sandbox_runs_hash ON sandbox_runs(fingerprint_hash, created_at);

CREATE TABLE IF NOT EXISTS verification_results (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    fingerprint_hash TEXT NOT NULL,
    verified         INTEGER NOT NULL DEFAULT 0,
    confidence       REAL NOT NULL DEFAULT 0 CHECK(confidence BETWEEN 0 AND 1),
    components       TEXT NOT NULL DEFAULT '{}',
    created_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_verification_results_hash ON verification_results(fingerprint_hash, created_at);
`

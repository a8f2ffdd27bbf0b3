package db

import "time"

// BotRecord is the current-state view of a tracked fingerprint. It is the
// only mutable entity: analyses upsert it by hash, everything else appends.
type BotRecord struct {
	FingerprintHash string    `json:"fingerprint_hash"`
	IPAddress       *string   `json:"ip_address,omitempty"`
	UserAgent       *string   `json:"user_agent,omitempty"`
	DetectionScore  float64   `json:"detection_score"`
	BrowserScore    float64   `json:"browser_score"`
	NetworkScore    float64   `json:"network_score"`
	DeviceScore     float64   `json:"device_score"`
	Status          string    `json:"status"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
}

// FingerprintEvent is the append-only audit row written for every analysis.
type FingerprintEvent struct {
	ID              int64     `json:"id"`
	FingerprintHash string    `json:"fingerprint_hash"`
	IPAddress       *string   `json:"ip_address,omitempty"`
	UserAgent       *string   `json:"user_agent,omitempty"`
	DetectionScore  float64   `json:"detection_score"`
	Payload         string    `json:"payload"`
	CapturedAt      time.Time `json:"captured_at"`
}

// Challenge is an issued probe. The payload is immutable once written.
type Challenge struct {
	ID              string    `json:"id"`
	FingerprintHash string    `json:"fingerprint_hash"`
	Type            string    `json:"type"`
	Payload         string    `json:"payload"`
	Difficulty      int       `json:"difficulty"`
	CreatedAt       time.Time `json:"created_at"`
}

// ChallengeResponse records one verification attempt, win or lose.
type ChallengeResponse struct {
	ID              int64     `json:"id"`
	ChallengeID     string    `json:"challenge_id"`
	FingerprintHash string    `json:"fingerprint_hash"`
	Response        string    `json:"response"`
	Success         bool      `json:"success"`
	Score           float64   `json:"score"`
	CreatedAt       time.Time `json:"created_at"`
}

// SandboxRun records one isolated execution, including failures and timeouts.
// The submitted code survives only here, never on disk.
type SandboxRun struct {
	ID              int64     `json:"id"`
	FingerprintHash string    `json:"fingerprint_hash"`
	Success         bool      `json:"success"`
	Output          string    `json:"output"`
	Error           *string   `json:"error,omitempty"`
	CPUTime         float64   `json:"cpu_time"`
	MemoryKB        float64   `json:"memory_kb"`
	Code            string    `json:"-"`
	CodeDigest      string    `json:"code_digest"`
	CreatedAt       time.Time `json:"created_at"`
}

// VerificationDecision is an append-only verdict; the latest row for a hash
// is the current decision.
type VerificationDecision struct {
	ID              int64     `json:"id"`
	FingerprintHash string    `json:"fingerprint_hash"`
	Verified        bool      `json:"verified"`
	Confidence      float64   `json:"confidence"`
	Components      string    `json:"components"`
	CreatedAt       time.Time `json:"created_at"`
}

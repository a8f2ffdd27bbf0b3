// Package challenge issues difficulty-scaled probes for suspected bots and
// verifies submitted answers against the stored payload.
package challenge

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"math/big"

	"github.com/google/uuid"

	"github.com/quantumnexus/deception/internal/db"
	"github.com/quantumnexus/deception/internal/errs"
)

const (
	TypeMath     = "math"
	TypeLogic    = "logic"
	TypeAdaptive = "adaptive"
)

// Payload is the immutable challenge body. The answer never leaves the
// server; callers receive the stored challenge row, not the solution.
type Payload struct {
	Operation string `json:"operation"`
	Numbers   []int  `json:"numbers,omitempty"`
	Sequence  []int  `json:"sequence,omitempty"`
	Answer    int    `json:"answer"`
	Timeout   int    `json:"timeout"`
}

// Outcome is the structured result of verifying one response.
type Outcome struct {
	ChallengeID string   `json:"challenge_id"`
	Success     bool     `json:"success"`
	Score       float64  `json:"score"`
	Reason      string   `json:"reason,omitempty"`
	TimeTaken   *float64 `json:"time_taken,omitempty"` // recorded, never scored
}

// Coordinator creates and verifies adaptive challenges.
type Coordinator struct {
	db            *db.DB
	minDifficulty int
	maxDifficulty int
}

func New(database *db.DB, minDifficulty, maxDifficulty int) *Coordinator {
	return &Coordinator{db: database, minDifficulty: minDifficulty, maxDifficulty: maxDifficulty}
}

// Create issues a challenge scaled to the fingerprint's prior detection
// score. Unknown fingerprints get the neutral cold-start difficulty.
func (c *Coordinator) Create(ctx context.Context, fingerprintHash, challengeType string) (*db.Challenge, error) {
	if fingerprintHash == "" {
		return nil, errs.Validation("fingerprint_hash", "must not be empty")
	}

	difficulty, err := c.estimateDifficulty(ctx, fingerprintHash)
	if err != nil {
		return nil, err
	}
	payload := c.buildPayload(challengeType, difficulty)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Persistence("encoding challenge payload", err)
	}

	ch := &db.Challenge{
		ID:              uuid.NewString(),
		FingerprintHash: fingerprintHash,
		Type:            normaliseType(challengeType),
		Payload:         string(body),
		Difficulty:      difficulty,
	}
	if err := c.db.InsertChallenge(ctx, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

// Verify checks a submitted answer against the stored payload and appends the
// attempt to the audit trail, win or lose. An unknown challenge ID yields a
// structured negative outcome, never an error, so probing callers learn
// nothing about internal state.
func (c *Coordinator) Verify(ctx context.Context, challengeID string, response map[string]any) (*Outcome, error) {
	ch, err := c.db.GetChallenge(ctx, challengeID)
	if errors.Is(err, errs.ErrUnknownEntity) {
		return &Outcome{ChallengeID: challengeID, Success: false, Score: 0.0, Reason: "unknown_challenge"}, nil
	}
	if err != nil {
		return nil, err
	}

	success := evaluate(ch.Payload, response)
	score := 0.0
	if success {
		score = 1.0
	}

	raw, _ := json.Marshal(response)
	if err := c.db.InsertChallengeResponse(ctx, &db.ChallengeResponse{
		ChallengeID:     ch.ID,
		FingerprintHash: ch.FingerprintHash,
		Response:        string(raw),
		Success:         success,
		Score:           score,
	}); err != nil {
		return nil, err
	}

	outcome := &Outcome{ChallengeID: challengeID, Success: success, Score: score}
	if t, ok := asFloat(response["time_taken"]); ok {
		outcome.TimeTaken = &t
	}
	return outcome, nil
}

// estimateDifficulty maps the prior detection score into the configured
// bounds. No history means the neutral prior.
func (c *Coordinator) estimateDifficulty(ctx context.Context, fingerprintHash string) (int, error) {
	rec, err := c.db.GetBotRecord(ctx, fingerprintHash)
	if errors.Is(err, errs.ErrUnknownEntity) {
		return c.clampDifficulty(3), nil
	}
	if err != nil {
		return 0, err
	}
	// Rounds half-up, never to-even: a score sitting on a tier boundary
	// escalates to the harder challenge.
	return c.clampDifficulty(int(rec.DetectionScore*5 + 0.5)), nil
}

func (c *Coordinator) clampDifficulty(d int) int {
	if d < c.minDifficulty {
		return c.minDifficulty
	}
	if d > c.maxDifficulty {
		return c.maxDifficulty
	}
	return d
}

func (c *Coordinator) buildPayload(challengeType string, difficulty int) Payload {
	timeout := 120 + difficulty*30
	switch challengeType {
	case TypeMath:
		numbers := randomInts(3+difficulty, 50)
		return Payload{Operation: "sum", Numbers: numbers, Answer: sum(numbers), Timeout: timeout}
	case TypeLogic:
		return Payload{
			Operation: "sequence",
			Sequence:  []int{difficulty, difficulty * 2, difficulty * 3},
			Answer:    difficulty * 4,
			Timeout:   timeout,
		}
	default:
		numbers := randomInts(4, 20)
		return Payload{Operation: "checksum", Numbers: numbers, Answer: sum(numbers) % 7, Timeout: timeout}
	}
}

// evaluate compares the response against the stored payload. The check is
// type-specific and binary; there is no partial credit.
func evaluate(storedPayload string, response map[string]any) bool {
	var payload Payload
	if err := json.Unmarshal([]byte(storedPayload), &payload); err != nil {
		return false
	}
	if response == nil {
		return false
	}

	field := "answer"
	if payload.Operation == "checksum" {
		field = "checksum"
	}
	answer, ok := asInt(response[field])
	return ok && answer == payload.Answer
}

func normaliseType(t string) string {
	switch t {
	case TypeMath, TypeLogic:
		return t
	default:
		return TypeAdaptive
	}
}

// randomInts draws n integers in [1, max] from crypto/rand; challenge answers
// must not be predictable from prior challenges.
func randomInts(n, max int) []int {
	out := make([]int, n)
	for i := range out {
		v, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
		if err != nil {
			// Reader failure is unrecoverable; fall back to the midpoint so
			// the challenge stays well-formed.
			out[i] = max/2 + 1
			continue
		}
		out[i] = int(v.Int64()) + 1
	}
	return out
}

func sum(values []int) int {
	total := 0
	for _, v := range values {
		total += v
	}
	return total
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), n == float64(int(n))
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

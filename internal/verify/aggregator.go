// Package verify combines fingerprint, challenge, sandbox and behavioural
// evidence into one weighted confidence score and a verdict. The result is a
// pure function of persisted history plus caller-supplied evidence.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/quantumnexus/deception/internal/config"
	"github.com/quantumnexus/deception/internal/db"
	"github.com/quantumnexus/deception/internal/errs"
)

// Sandbox component scoring. Resource figures are proxies, so the penalties
// saturate instead of scaling without bound.
const (
	baseScoreSuccess = 0.7
	baseScoreFailure = 0.1
	maxCPUSeconds    = 30.0
	maxCPUPenalty    = 0.4
	maxMemoryKB      = 51200.0
	maxMemoryPenalty = 0.3
)

// Decision is the aggregated verdict for a fingerprint.
type Decision struct {
	FingerprintHash string             `json:"fingerprint_hash"`
	Verified        bool               `json:"verified"`
	Confidence      float64            `json:"confidence"`
	Components      map[string]float64 `json:"components"`
	CreatedAt       time.Time          `json:"created_at"`
}

// Aggregator reads the latest state of every evidence source.
type Aggregator struct {
	db        *db.DB
	threshold float64
	weights   config.Weights
}

func New(database *db.DB, threshold float64, weights config.Weights) *Aggregator {
	return &Aggregator{db: database, threshold: threshold, weights: weights}
}

// VerifyBot gathers the four component scores, each defaulting to zero on
// sparse history, and persists the append-only decision row.
func (a *Aggregator) VerifyBot(ctx context.Context, fingerprintHash string, evidence map[string]any) (*Decision, error) {
	if fingerprintHash == "" {
		return nil, errs.Validation("fingerprint_hash", "must not be empty")
	}

	fingerprintScore, err := a.fingerprintScore(ctx, fingerprintHash)
	if err != nil {
		return nil, err
	}
	challengeScore, err := a.db.LatestChallengeScore(ctx, fingerprintHash)
	if err != nil {
		return nil, err
	}
	sandboxScore, err := a.sandboxScore(ctx, fingerprintHash)
	if err != nil {
		return nil, err
	}

	behaviourScore := 0.0
	if v, ok := asFloat(evidence["behaviour_score"]); ok {
		behaviourScore = clamp01(v)
	}

	components := map[string]float64{
		"fingerprint": fingerprintScore,
		"challenge":   challengeScore,
		"sandbox":     sandboxScore,
		"behaviour":   behaviourScore,
	}

	confidence := round4(clamp01(
		a.weights.Fingerprint*fingerprintScore +
			a.weights.Challenge*challengeScore +
			a.weights.Sandbox*sandboxScore +
			a.weights.Behaviour*behaviourScore))

	decision := &Decision{
		FingerprintHash: fingerprintHash,
		Verified:        confidence >= a.threshold,
		Confidence:      confidence,
		Components:      components,
		CreatedAt:       time.Now().UTC(),
	}

	breakdown, _ := json.Marshal(components)
	if err := a.db.InsertVerification(ctx, &db.VerificationDecision{
		FingerprintHash: fingerprintHash,
		Verified:        decision.Verified,
		Confidence:      decision.Confidence,
		Components:      string(breakdown),
	}); err != nil {
		return nil, err
	}
	return decision, nil
}

func (a *Aggregator) fingerprintScore(ctx context.Context, hash string) (float64, error) {
	rec, err := a.db.GetBotRecord(ctx, hash)
	if errors.Is(err, errs.ErrUnknownEntity) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return rec.DetectionScore, nil
}

// sandboxScore derives the component from the latest run: a success base
// minus saturating CPU and memory penalties.
func (a *Aggregator) sandboxScore(ctx context.Context, hash string) (float64, error) {
	run, err := a.db.LatestSandboxRun(ctx, hash)
	if errors.Is(err, errs.ErrUnknownEntity) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	base := baseScoreFailure
	if run.Success {
		base = baseScoreSuccess
	}
	penalty := minf(run.CPUTime/maxCPUSeconds, maxCPUPenalty) +
		minf(run.MemoryKB/maxMemoryKB, maxMemoryPenalty)
	return maxf(0, base-penalty), nil
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

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round4(v float64) float64 {
	return float64(int64(v*10000+0.5)) / 10000
}

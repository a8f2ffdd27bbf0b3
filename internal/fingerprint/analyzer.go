// Package fingerprint turns raw signal payloads into canonical identity
// hashes and detection scores. The scoring model is intentionally transparent
// so it can be audited in production.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantumnexus/deception/internal/db"
	"github.com/quantumnexus/deception/internal/errs"
)

// Analysis is the structured result of analyzing one payload.
type Analysis struct {
	FingerprintHash string             `json:"fingerprint_hash"`
	DetectionScore  float64            `json:"detection_score"`
	Components      map[string]float64 `json:"components"`
	IPAddress       *string            `json:"ip_address,omitempty"`
	UserAgent       *string            `json:"user_agent,omitempty"`
	CapturedAt      time.Time          `json:"captured_at"`
}

// Analyzer scores fingerprint payloads and records them.
type Analyzer struct {
	db *db.DB
}

func New(database *db.DB) *Analyzer {
	return &Analyzer{db: database}
}

// Analyze normalises the payload, persists the raw event plus the tracked
// record, and returns the detection result. Every optional field has a
// default; only a nil payload is rejected.
func (a *Analyzer) Analyze(ctx context.Context, payload map[string]any) (*Analysis, error) {
	if payload == nil {
		return nil, errs.Validation("payload", "must be a mapping")
	}

	signals := subMap(payload, "signals")
	hash := asString(payload["fingerprint_hash"])
	if hash == "" {
		hash = deriveHash(payload, signals)
	}
	score := detectionScore(signals)
	components := componentScores(subMap(payload, "components"), score)

	analysis := &Analysis{
		FingerprintHash: hash,
		DetectionScore:  round4(score),
		Components:      components,
		IPAddress:       optString(payload["ip"]),
		UserAgent:       optString(payload["user_agent"]),
		CapturedAt:      time.Now().UTC(),
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Validation("payload", "must be JSON-serialisable")
	}
	if err := a.db.InsertFingerprintEvent(ctx, &db.FingerprintEvent{
		FingerprintHash: analysis.FingerprintHash,
		IPAddress:       analysis.IPAddress,
		UserAgent:       analysis.UserAgent,
		DetectionScore:  analysis.DetectionScore,
		Payload:         string(raw),
	}); err != nil {
		return nil, err
	}
	if err := a.db.UpsertBotRecord(ctx, &db.BotRecord{
		FingerprintHash: analysis.FingerprintHash,
		IPAddress:       analysis.IPAddress,
		UserAgent:       analysis.UserAgent,
		DetectionScore:  analysis.DetectionScore,
		BrowserScore:    components["browser"],
		NetworkScore:    components["network"],
		DeviceScore:     components["device"],
	}); err != nil {
		return nil, err
	}
	return analysis, nil
}

// deriveHash builds the canonical identity: sha256 over ip, user agent and
// the sorted-key JSON of the signal map. Identical inputs always produce the
// same hash.
func deriveHash(payload map[string]any, signals map[string]any) string {
	canonical, _ := json.Marshal(signals) // map keys marshal in sorted order
	seed := fmt.Sprintf("%s|%s|%s", asString(payload["ip"]), asString(payload["user_agent"]), canonical)
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// detectionScore averages whichever feature scores are present. Confidence
// always participates and defaults to 0.5.
func detectionScore(signals map[string]any) float64 {
	confidence := 0.5
	if v, ok := asFloat(signals["confidence"]); ok {
		confidence = v
	}
	features := []float64{confidence}

	if entropy, ok := asFloat(signals["entropy"]); ok && entropy != 0 {
		features = append(features, min1(entropy/8.0))
	}
	if anomalies, ok := asFloat(signals["anomalies"]); ok && anomalies != 0 {
		features = append(features, min1(anomalies/5.0))
	}
	if behaviour := subMap(signals, "behaviour"); len(behaviour) > 0 {
		total := 0.0
		for _, v := range behaviour {
			if truthy(v) {
				total += 1.0
			} else {
				total += 0.3
			}
		}
		features = append(features, min1(total/float64(len(behaviour))))
	}

	sum := 0.0
	for _, f := range features {
		sum += f
	}
	return clamp01(sum / float64(len(features)))
}

// componentScores picks caller-supplied per-component scores, falling back to
// the overall detection score.
func componentScores(components map[string]any, overall float64) map[string]float64 {
	out := make(map[string]float64, 3)
	for _, name := range []string{"browser", "network", "device"} {
		score := overall
		if comp := subMap(components, name); comp != nil {
			if v, ok := asFloat(comp["score"]); ok {
				score = v
			}
		}
		out[name] = round4(clamp01(score))
	}
	return out
}

func subMap(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	if sub, ok := m[key].(map[string]any); ok {
		return sub
	}
	return nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
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

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func optString(v any) *string {
	if s, ok := v.(string); ok && s != "" {
		return &s
	}
	return nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	case nil:
		return false
	default:
		if f, ok := asFloat(v); ok {
			return f != 0
		}
		return true
	}
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	return min1(v)
}

func round4(v float64) float64 {
	return float64(int64(v*10000+0.5)) / 10000
}

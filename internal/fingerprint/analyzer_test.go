package fingerprint

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/quantumnexus/deception/internal/db"
	"github.com/quantumnexus/deception/internal/errs"
)

func newTestAnalyzer(t *testing.T) (*Analyzer, *db.DB) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"), 5)
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return New(database), database
}

func TestAnalyzeRejectsNilPayload(t *testing.T) {
	a, _ := newTestAnalyzer(t)
	_, err := a.Analyze(context.Background(), nil)
	if !errs.IsValidation(err) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestAnalyzeDeterministicHash(t *testing.T) {
	a, _ := newTestAnalyzer(t)
	ctx := context.Background()

	payload := func() map[string]any {
		return map[string]any{
			"ip":         "203.0.113.7",
			"user_agent": "Scrapy/2.11",
			"signals": map[string]any{
				"entropy":   6.5,
				"anomalies": 2.0,
			},
		}
	}

	first, err := a.Analyze(ctx, payload())
	if err != nil {
		t.Fatalf("first analyze: %v", err)
	}
	second, err := a.Analyze(ctx, payload())
	if err != nil {
		t.Fatalf("second analyze: %v", err)
	}
	if first.FingerprintHash != second.FingerprintHash {
		t.Errorf("hash not stable: %s vs %s", first.FingerprintHash, second.FingerprintHash)
	}
	if len(first.FingerprintHash) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(first.FingerprintHash))
	}

	// A different signal set yields a different identity.
	changed := payload()
	changed["signals"].(map[string]any)["entropy"] = 1.0
	third, err := a.Analyze(ctx, changed)
	if err != nil {
		t.Fatalf("third analyze: %v", err)
	}
	if third.FingerprintHash == first.FingerprintHash {
		t.Error("distinct signals produced the same hash")
	}
}

func TestAnalyzeSuppliedHashWins(t *testing.T) {
	a, _ := newTestAnalyzer(t)

	res, err := a.Analyze(context.Background(), map[string]any{
		"fingerprint_hash": "caller-chosen",
		"signals":          map[string]any{},
	})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if res.FingerprintHash != "caller-chosen" {
		t.Errorf("hash = %q, want caller-chosen", res.FingerprintHash)
	}
}

func TestDetectionScore(t *testing.T) {
	cases := []struct {
		name    string
		signals map[string]any
		want    float64
	}{
		{"empty defaults to neutral confidence", map[string]any{}, 0.5},
		{"explicit confidence only", map[string]any{"confidence": 0.9}, 0.9},
		{
			"all features maxed",
			map[string]any{
				"confidence": 1.0,
				"entropy":    8.0,
				"anomalies":  5.0,
				"behaviour":  map[string]any{"headless": true, "webdriver": true},
			},
			1.0,
		},
		{
			// (0.5 + 4/8 + 2/5) / 3
			"partial features average with confidence",
			map[string]any{"entropy": 4.0, "anomalies": 2.0},
			(0.5 + 0.5 + 0.4) / 3,
		},
		{
			// zero-valued features are treated as absent
			"zero entropy ignored",
			map[string]any{"entropy": 0.0},
			0.5,
		},
		{
			// flags: one true (1.0), one false (0.3) -> mean 0.65
			"behaviour flags mixed",
			map[string]any{"confidence": 0.35, "behaviour": map[string]any{"headless": true, "webdriver": false}},
			(0.35 + 0.65) / 2,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := detectionScore(tc.signals)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("detectionScore = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAnalyzePersistsRecordAndEvent(t *testing.T) {
	a, database := newTestAnalyzer(t)
	ctx := context.Background()

	res, err := a.Analyze(ctx, map[string]any{
		"ip":         "198.51.100.3",
		"user_agent": "bot/1.0",
		"signals":    map[string]any{"confidence": 0.8},
		"components": map[string]any{
			"browser": map[string]any{"score": 0.9},
		},
	})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}

	rec, err := database.GetBotRecord(ctx, res.FingerprintHash)
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if rec.DetectionScore != 0.8 {
		t.Errorf("detection_score = %v, want 0.8", rec.DetectionScore)
	}
	if rec.BrowserScore != 0.9 {
		t.Errorf("browser_score = %v, want supplied 0.9", rec.BrowserScore)
	}
	// Components without a supplied score fall back to the overall score.
	if rec.NetworkScore != 0.8 {
		t.Errorf("network_score = %v, want fallback 0.8", rec.NetworkScore)
	}
	if rec.IPAddress == nil || *rec.IPAddress != "198.51.100.3" {
		t.Errorf("ip_address = %v, want 198.51.100.3", rec.IPAddress)
	}
}

func TestScoreStaysInRange(t *testing.T) {
	a, _ := newTestAnalyzer(t)

	res, err := a.Analyze(context.Background(), map[string]any{
		"signals": map[string]any{
			"confidence": 50.0,
			"entropy":    1000.0,
			"anomalies":  99.0,
		},
	})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if res.DetectionScore < 0 || res.DetectionScore > 1 {
		t.Errorf("detection_score = %v, want clamped to [0,1]", res.DetectionScore)
	}
}

package honeypot

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/quantumnexus/deception/internal/challenge"
	"github.com/quantumnexus/deception/internal/config"
	"github.com/quantumnexus/deception/internal/db"
	"github.com/quantumnexus/deception/internal/errs"
	"github.com/quantumnexus/deception/internal/schedule"
)

type eventSink struct {
	names []string
}

func (s *eventSink) record(name string, payload map[string]any) {
	s.names = append(s.names, name)
}

func newTestService(t *testing.T) (*Service, *db.DB, *eventSink) {
	t.Helper()
	cfg := config.DefaultConfig()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"), cfg.Database.PoolSize)
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	sink := &eventSink{}
	svc, err := New(cfg, database, sink.record)
	if err != nil {
		t.Fatalf("building service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc, database, sink
}

func botPayload(ip string) map[string]any {
	return map[string]any{
		"ip":         ip,
		"user_agent": "HeadlessChrome/120",
		"signals": map[string]any{
			"confidence": 0.9,
			"entropy":    7.0,
			"behaviour":  map[string]any{"headless": true},
		},
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	svc, _, sink := newTestService(t)
	ctx := context.Background()

	analysis, err := svc.ProcessFingerprint(ctx, botPayload("203.0.113.9"))
	if err != nil {
		t.Fatalf("processing fingerprint: %v", err)
	}
	hash := analysis.FingerprintHash

	ch, err := svc.GenerateChallenge(ctx, hash, challenge.TypeMath)
	if err != nil {
		t.Fatalf("generating challenge: %v", err)
	}
	var p challenge.Payload
	if err := json.Unmarshal([]byte(ch.Payload), &p); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}

	out, err := svc.VerifyChallengeResponse(ctx, ch.ID, map[string]any{"answer": p.Answer})
	if err != nil {
		t.Fatalf("verifying response: %v", err)
	}
	if !out.Success {
		t.Fatal("correct answer rejected")
	}

	decision, err := svc.VerifyBot(ctx, hash, map[string]any{"behaviour_score": 0.8})
	if err != nil {
		t.Fatalf("verifying bot: %v", err)
	}
	if decision.Confidence <= 0 {
		t.Errorf("confidence = %v, want > 0 with fingerprint and challenge evidence", decision.Confidence)
	}

	details, err := svc.BotDetails(ctx, hash)
	if err != nil {
		t.Fatalf("bot details: %v", err)
	}
	if details.Record.FingerprintHash != hash {
		t.Errorf("record hash = %q, want %q", details.Record.FingerprintHash, hash)
	}
	if details.LatestVerification == nil {
		t.Error("latest verification missing from details")
	}

	want := []string{"fingerprint.analyzed", "challenge.created", "challenge.verified", "verification.completed"}
	if len(sink.names) != len(want) {
		t.Fatalf("events = %v, want %v", sink.names, want)
	}
	for i, name := range want {
		if sink.names[i] != name {
			t.Errorf("event[%d] = %q, want %q", i, sink.names[i], name)
		}
	}
}

func TestBotDetailsCaching(t *testing.T) {
	svc, database, _ := newTestService(t)
	ctx := context.Background()

	analysis, err := svc.ProcessFingerprint(ctx, botPayload("203.0.113.10"))
	if err != nil {
		t.Fatalf("processing fingerprint: %v", err)
	}
	hash := analysis.FingerprintHash

	first, err := svc.BotDetails(ctx, hash)
	if err != nil {
		t.Fatalf("first details: %v", err)
	}

	// A writer that bypasses the service is invisible until the TTL expires
	// or a service-level mutation invalidates the key.
	if err := database.UpsertBotRecord(ctx, &db.BotRecord{FingerprintHash: hash, DetectionScore: 0.01}); err != nil {
		t.Fatalf("out-of-band update: %v", err)
	}
	cached, err := svc.BotDetails(ctx, hash)
	if err != nil {
		t.Fatalf("cached details: %v", err)
	}
	if cached.Record.DetectionScore != first.Record.DetectionScore {
		t.Errorf("cached score = %v, want stale %v", cached.Record.DetectionScore, first.Record.DetectionScore)
	}

	// A mutation through the service invalidates the key.
	if _, err := svc.ProcessFingerprint(ctx, botPayload("203.0.113.10")); err != nil {
		t.Fatalf("reprocessing fingerprint: %v", err)
	}
	fresh, err := svc.BotDetails(ctx, hash)
	if err != nil {
		t.Fatalf("fresh details: %v", err)
	}
	if fresh.Record.DetectionScore == 0.01 {
		t.Error("invalidation did not pick up the rewritten record")
	}
}

func TestBotDetailsStorageFailure(t *testing.T) {
	svc, database, _ := newTestService(t)
	ctx := context.Background()

	analysis, err := svc.ProcessFingerprint(ctx, botPayload("203.0.113.11"))
	if err != nil {
		t.Fatalf("processing fingerprint: %v", err)
	}
	hash := analysis.FingerprintHash

	if _, err := database.Handle().Exec(`DROP TABLE verification_results`); err != nil {
		t.Fatalf("dropping table: %v", err)
	}

	if _, err := svc.BotDetails(ctx, hash); err == nil {
		t.Fatal("err = nil, want the storage failure surfaced")
	}

	// The failed lookup must not have cached a partial view. The direct row
	// insert bypasses the service, so only a stale cache entry could hide it.
	if err := database.Migrate(); err != nil {
		t.Fatalf("restoring schema: %v", err)
	}
	if err := database.InsertVerification(ctx, &db.VerificationDecision{
		FingerprintHash: hash, Verified: true, Confidence: 0.9, Components: "{}",
	}); err != nil {
		t.Fatalf("seeding decision: %v", err)
	}
	details, err := svc.BotDetails(ctx, hash)
	if err != nil {
		t.Fatalf("details after recovery: %v", err)
	}
	if details.LatestVerification == nil {
		t.Error("latest verification missing, a partial view was served from the cache")
	}
}

func TestBotDetailsUnknown(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.BotDetails(context.Background(), "no-such-hash")
	if !errors.Is(err, errs.ErrUnknownEntity) {
		t.Fatalf("err = %v, want ErrUnknownEntity", err)
	}
}

func TestListBotsPagination(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		if _, err := svc.ProcessFingerprint(ctx, botPayload(ip)); err != nil {
			t.Fatalf("seeding %s: %v", ip, err)
		}
	}

	page, err := svc.ListBots(ctx, "", 1, 2)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if page.Total != 3 || page.Pages != 2 {
		t.Errorf("total/pages = %d/%d, want 3/2", page.Total, page.Pages)
	}
	if len(page.Bots) != 2 {
		t.Errorf("page 1 size = %d, want 2", len(page.Bots))
	}

	page, err = svc.ListBots(ctx, "", 2, 2)
	if err != nil {
		t.Fatalf("listing page 2: %v", err)
	}
	if len(page.Bots) != 1 {
		t.Errorf("page 2 size = %d, want 1", len(page.Bots))
	}

	// Out-of-range arguments are normalised, not rejected.
	page, err = svc.ListBots(ctx, "", 0, -5)
	if err != nil {
		t.Fatalf("listing with bad args: %v", err)
	}
	if page.Page != 1 || page.PerPage != 10 {
		t.Errorf("page/per_page = %d/%d, want normalised 1/10", page.Page, page.PerPage)
	}
}

func TestStats(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.ProcessFingerprint(ctx, botPayload("10.0.0.1")); err != nil {
		t.Fatalf("seeding: %v", err)
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalTracked != 1 || stats.ActiveBots != 1 {
		t.Errorf("tracked/active = %d/%d, want 1/1", stats.TotalTracked, stats.ActiveBots)
	}
}

func TestRegisterMaintenance(t *testing.T) {
	svc, database, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.ProcessFingerprint(ctx, botPayload("10.0.0.1")); err != nil {
		t.Fatalf("seeding: %v", err)
	}
	if _, err := database.Handle().Exec(
		`UPDATE bot_tracking SET last_seen = datetime('now', '-2 days')`); err != nil {
		t.Fatalf("backdating: %v", err)
	}

	registry := schedule.NewRegistry(svc.EventLog())
	if err := svc.RegisterMaintenance(registry); err != nil {
		t.Fatalf("registering tasks: %v", err)
	}
	if _, ok := registry.Next(); !ok {
		t.Fatal("no tasks registered")
	}

	n := registry.RunDue(ctx, time.Now().Add(2*time.Hour))
	if n != 2 {
		t.Fatalf("ran %d tasks, want 2", n)
	}

	rec, err := database.GetBotRecord(ctx, firstHash(t, database))
	if err != nil {
		t.Fatalf("reading record: %v", err)
	}
	if rec.Status != "dormant" {
		t.Errorf("status = %q, want dormant after maintenance", rec.Status)
	}
}

func firstHash(t *testing.T, database *db.DB) string {
	t.Helper()
	records, _, err := database.ListBotRecords(context.Background(), "", 1, 0)
	if err != nil || len(records) == 0 {
		t.Fatalf("listing records: %v", err)
	}
	return records[0].FingerprintHash
}

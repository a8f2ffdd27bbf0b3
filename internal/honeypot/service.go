// Package honeypot wires the verification pipeline into one explicitly
// constructed service: fingerprint analysis, challenge coordination, sandbox
// execution and confidence aggregation over shared persistence.
package honeypot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/quantumnexus/deception/internal/challenge"
	"github.com/quantumnexus/deception/internal/config"
	"github.com/quantumnexus/deception/internal/db"
	"github.com/quantumnexus/deception/internal/errs"
	"github.com/quantumnexus/deception/internal/fingerprint"
	"github.com/quantumnexus/deception/internal/sandbox"
	"github.com/quantumnexus/deception/internal/schedule"
	"github.com/quantumnexus/deception/internal/verify"
	"github.com/quantumnexus/deception/pkg/audit"
)

// EventFunc receives a notification after every state-changing operation.
// Wiring it to a transport (websocket fan-out, webhooks) is the caller's
// concern.
type EventFunc func(name string, payload map[string]any)

// BotDetails is the cached external view of one tracked fingerprint.
type BotDetails struct {
	Record             *db.BotRecord            `json:"record"`
	LatestVerification *db.VerificationDecision `json:"latest_verification,omitempty"`
}

// BotPage is one page of the tracked-fingerprint directory.
type BotPage struct {
	Bots    []*db.BotRecord `json:"bots"`
	Page    int             `json:"page"`
	PerPage int             `json:"per_page"`
	Total   int             `json:"total"`
	Pages   int             `json:"pages"`
}

// Service orchestrates the pipeline components. All cross-caller
// coordination happens through the persistence layer's upsert and
// unique-constraint semantics, so independent worker processes can run the
// same service concurrently.
type Service struct {
	cfg          *config.Config
	db           *db.DB
	events       *audit.SQLiteLogger
	fingerprints *fingerprint.Analyzer
	challenges   *challenge.Coordinator
	executor     *sandbox.Executor
	verifier     *verify.Aggregator
	cache        *expirable.LRU[string, *BotDetails]
	onEvent      EventFunc
}

func New(cfg *config.Config, database *db.DB, onEvent EventFunc) (*Service, error) {
	events := audit.NewSQLiteLogger(database.Handle())
	if err := events.Init(); err != nil {
		return nil, fmt.Errorf("initialising event log: %w", err)
	}

	ttl := time.Duration(cfg.Cache.TTLSeconds) * time.Second
	return &Service{
		cfg:          cfg,
		db:           database,
		events:       events,
		fingerprints: fingerprint.New(database),
		challenges:   challenge.New(database, cfg.Challenge.MinDifficulty, cfg.Challenge.MaxDifficulty),
		executor:     sandbox.New(database, cfg.Sandbox.Interpreter, time.Duration(cfg.Sandbox.TimeoutSeconds)*time.Second),
		verifier:     verify.New(database, cfg.Verification.Threshold, cfg.Verification.Weights),
		cache:        expirable.NewLRU[string, *BotDetails](cfg.Cache.MaxEntries, nil, ttl),
		onEvent:      onEvent,
	}, nil
}

// Close flushes the event log. The database handle belongs to the caller.
func (s *Service) Close() error {
	return s.events.Close()
}

// ProcessFingerprint analyses a raw signal payload and updates tracking state.
func (s *Service) ProcessFingerprint(ctx context.Context, payload map[string]any) (*fingerprint.Analysis, error) {
	analysis, err := s.fingerprints.Analyze(ctx, payload)
	if err != nil {
		return nil, err
	}
	s.cache.Remove(cacheKey(analysis.FingerprintHash))
	s.logEvent(audit.LevelInfo, "fingerprinting",
		fmt.Sprintf("processed fingerprint %s", shortHash(analysis.FingerprintHash)),
		map[string]any{"score": analysis.DetectionScore})
	s.emit("fingerprint.analyzed", map[string]any{
		"fingerprint_hash": analysis.FingerprintHash,
		"detection_score":  analysis.DetectionScore,
	})
	return analysis, nil
}

// GenerateChallenge issues a challenge scaled to the fingerprint's history.
func (s *Service) GenerateChallenge(ctx context.Context, fingerprintHash, challengeType string) (*db.Challenge, error) {
	ch, err := s.challenges.Create(ctx, fingerprintHash, challengeType)
	if err != nil {
		return nil, err
	}
	s.logEvent(audit.LevelInfo, "challenge",
		fmt.Sprintf("generated %s challenge for %s", ch.Type, shortHash(fingerprintHash)),
		map[string]any{"challenge_id": ch.ID, "difficulty": ch.Difficulty})
	s.emit("challenge.created", map[string]any{
		"challenge_id":     ch.ID,
		"fingerprint_hash": fingerprintHash,
		"difficulty":       ch.Difficulty,
	})
	return ch, nil
}

// VerifyChallengeResponse checks a submitted answer and appends the attempt.
func (s *Service) VerifyChallengeResponse(ctx context.Context, challengeID string, response map[string]any) (*challenge.Outcome, error) {
	outcome, err := s.challenges.Verify(ctx, challengeID, response)
	if err != nil {
		return nil, err
	}
	level := audit.LevelWarning
	if outcome.Success {
		level = audit.LevelInfo
	}
	s.logEvent(level, "challenge",
		fmt.Sprintf("challenge %s verification success=%t", challengeID, outcome.Success),
		map[string]any{"score": outcome.Score})
	s.emit("challenge.verified", map[string]any{
		"challenge_id": challengeID,
		"success":      outcome.Success,
		"score":        outcome.Score,
	})
	return outcome, nil
}

// ExecuteInSandbox runs untrusted code in the isolated subprocess.
func (s *Service) ExecuteInSandbox(ctx context.Context, fingerprintHash, code string) (*sandbox.Result, error) {
	result, err := s.executor.Execute(ctx, fingerprintHash, code)
	if err != nil {
		return nil, err
	}
	level := audit.LevelInfo
	if !result.Success {
		level = audit.LevelError
	}
	s.logEvent(level, "sandbox",
		fmt.Sprintf("sandbox execution for %s", shortHash(fingerprintHash)),
		map[string]any{"cpu_time": result.CPUTime, "memory_kb": result.MemoryKB})
	s.emit("sandbox.executed", map[string]any{
		"fingerprint_hash": fingerprintHash,
		"success":          result.Success,
	})
	return result, nil
}

// VerifyBot aggregates all evidence sources into the current decision.
func (s *Service) VerifyBot(ctx context.Context, fingerprintHash string, evidence map[string]any) (*verify.Decision, error) {
	decision, err := s.verifier.VerifyBot(ctx, fingerprintHash, evidence)
	if err != nil {
		return nil, err
	}
	s.cache.Remove(cacheKey(fingerprintHash))
	level := audit.LevelWarning
	if decision.Verified {
		level = audit.LevelInfo
	}
	s.logEvent(level, "verification",
		fmt.Sprintf("verification for %s confidence %.4f", shortHash(fingerprintHash), decision.Confidence), nil)
	s.emit("verification.completed", map[string]any{
		"fingerprint_hash": fingerprintHash,
		"verified":         decision.Verified,
		"confidence":       decision.Confidence,
	})
	return decision, nil
}

// BotDetails returns the tracked record plus the latest decision through the
// short-TTL read-through cache. Brief staleness is accepted; mutating
// operations invalidate the key.
func (s *Service) BotDetails(ctx context.Context, fingerprintHash string) (*BotDetails, error) {
	key := cacheKey(fingerprintHash)
	if details, ok := s.cache.Get(key); ok {
		return details, nil
	}

	rec, err := s.db.GetBotRecord(ctx, fingerprintHash)
	if err != nil {
		return nil, err
	}
	details := &BotDetails{Record: rec}
	latest, err := s.db.LatestVerification(ctx, fingerprintHash)
	switch {
	case err == nil:
		details.LatestVerification = latest
	case !errors.Is(err, errs.ErrUnknownEntity):
		// A never-verified fingerprint is normal; a storage failure is not,
		// and must not be cached as a partial view.
		return nil, err
	}
	s.cache.Add(key, details)
	return details, nil
}

// ListBots pages through tracked fingerprints. Bypasses the cache: listings
// are cheap and page/status combinations churn too much to be worth keying.
func (s *Service) ListBots(ctx context.Context, status string, page, perPage int) (*BotPage, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 10
	}
	records, total, err := s.db.ListBotRecords(ctx, status, perPage, (page-1)*perPage)
	if err != nil {
		return nil, err
	}
	return &BotPage{
		Bots:    records,
		Page:    page,
		PerPage: perPage,
		Total:   total,
		Pages:   (total + perPage - 1) / perPage,
	}, nil
}

// Stats returns the aggregate tracking view.
func (s *Service) Stats(ctx context.Context) (*db.TrackingStats, error) {
	return s.db.GetTrackingStats(ctx)
}

// EventLog exposes the persisted event logger for components that record
// their own entries, such as the task registry.
func (s *Service) EventLog() audit.Logger {
	return s.events
}

// SystemLogs reads back persisted events.
func (s *Service) SystemLogs(ctx context.Context, f audit.Filter) ([]*audit.Entry, error) {
	return s.events.QueryEntries(ctx, f)
}

// RegisterMaintenance adds the core's periodic operations to a registry.
// The registry's trigger lives outside the core.
func (s *Service) RegisterMaintenance(reg *schedule.Registry) error {
	if err := reg.Register("aggregate_statistics", time.Hour, func(ctx context.Context) error {
		stats, err := s.Stats(ctx)
		if err != nil {
			return err
		}
		s.logEvent(audit.LevelInfo, "tasks", "aggregated tracking statistics", map[string]any{
			"total_tracked":       stats.TotalTracked,
			"active_bots":         stats.ActiveBots,
			"avg_detection_score": stats.AvgDetectionScore,
		})
		return nil
	}); err != nil {
		return err
	}

	dormantAfter := time.Duration(s.cfg.Tasks.DormantAfterHours) * time.Hour
	return reg.Register("mark_dormant", time.Hour, func(ctx context.Context) error {
		n, err := s.db.MarkDormant(ctx, dormantAfter)
		if err != nil {
			return err
		}
		if n > 0 {
			s.cache.Purge()
			s.logEvent(audit.LevelInfo, "tasks",
				fmt.Sprintf("marked %d fingerprints dormant", n), nil)
		}
		return nil
	})
}

func (s *Service) logEvent(level, component, message string, metadata map[string]any) {
	entry := &audit.Entry{Level: level, Component: component, Message: message}
	if metadata != nil {
		meta, _ := json.Marshal(metadata)
		entry.Metadata = string(meta)
	}
	s.events.LogAsync(entry)
}

func (s *Service) emit(name string, payload map[string]any) {
	if s.onEvent != nil {
		s.onEvent(name, payload)
	}
}

func cacheKey(hash string) string {
	return "bot_details:" + hash
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/pinpoint/backend/internal/entries"
	"github.com/MarcoPoloResearchLab/pinpoint/backend/internal/pending"
	"github.com/MarcoPoloResearchLab/pinpoint/backend/internal/preserve"
)

type staticIDGenerator struct {
	mu    sync.Mutex
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.index >= len(g.ids) {
		return "", errors.New("static id generator exhausted")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type engineHarness struct {
	db        *gorm.DB
	pending   *pending.Service
	preserver *preserve.Manager
	clock     func() time.Time
	now       time.Time
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()
	dsn := fmt.Sprintf("file:reconcile_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to unwrap sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&pending.Guess{}, &entries.Entry{}, &entries.MigrationClaim{}); err != nil {
		t.Fatalf("failed to migrate test schema: %v", err)
	}

	now := time.Unix(1700000000, 0).UTC()
	clock := func() time.Time { return now }

	pendingService, err := pending.NewService(pending.ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &staticIDGenerator{ids: []string{"issued"}},
	})
	if err != nil {
		t.Fatalf("failed to construct pending service: %v", err)
	}

	preserver, err := preserve.NewManager(preserve.ManagerConfig{
		Tiers: []preserve.Store{preserve.NewMemoryStore(clock)},
		Clock: clock,
	})
	if err != nil {
		t.Fatalf("failed to construct preservation manager: %v", err)
	}

	return &engineHarness{db: db, pending: pendingService, preserver: preserver, clock: clock, now: now}
}

func (h *engineHarness) newEngine(t *testing.T, idProvider entries.IDProvider) *Engine {
	t.Helper()
	engine, err := NewEngine(EngineConfig{
		Database:     h.db,
		Pending:      h.pending,
		Preserver:    h.preserver,
		Clock:        h.clock,
		IDProvider:   idProvider,
		RetryBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	return engine
}

func (h *engineHarness) guessSet() entries.GuessSet {
	return entries.GuessSet{
		SessionID:     "session-1",
		CompetitionID: "comp-1",
		UnitPrice:     15.00,
		CreatedAt:     h.now,
		Guesses: []entries.Guess{
			{ID: "g-1", X: 100, Y: 200, CapturedAt: h.now},
			{ID: "g-2", X: 110, Y: 210, CapturedAt: h.now},
			{ID: "g-3", X: 120, Y: 220, CapturedAt: h.now},
		},
	}
}

func (h *engineHarness) countEntries(t *testing.T, userID string) int64 {
	t.Helper()
	var count int64
	err := h.db.Model(&entries.Entry{}).Where("user_id = ?", userID).Count(&count).Error
	if err != nil {
		t.Fatalf("entry count failed: %v", err)
	}
	return count
}

func TestMigrateTokenPathIsIdempotent(t *testing.T) {
	harness := newEngineHarness(t)
	ctx := context.Background()

	guessSet := harness.guessSet()
	if _, err := harness.preserver.Save(ctx, guessSet); err != nil {
		t.Fatalf("preserve failed: %v", err)
	}
	token, err := harness.pending.IssueToken(ctx, guessSet)
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}

	engine := harness.newEngine(t, &staticIDGenerator{ids: []string{"e-1", "e-2", "e-3"}})
	result, err := engine.Migrate(ctx, MigrationRequest{UserID: "user-1", Token: token, SessionID: guessSet.SessionID})
	if err != nil {
		t.Fatalf("first migrate failed: %v", err)
	}
	if result.Source != SourceToken || result.Migrated != 3 || result.Skipped != 0 {
		t.Fatalf("unexpected first result: %#v", result)
	}
	if got := harness.countEntries(t, "user-1"); got != 3 {
		t.Fatalf("expected 3 permanent entries, got %d", got)
	}

	// The preserved copy is cleared once the token path succeeds.
	preserved, err := harness.preserver.Load(ctx, guessSet.SessionID)
	if err != nil || preserved != nil {
		t.Fatalf("expected preserved copy cleared, got %#v, %v", preserved, err)
	}

	// A repeat run finds the token consumed and does nothing.
	again, err := engine.Migrate(ctx, MigrationRequest{UserID: "user-1", Token: token, SessionID: guessSet.SessionID})
	if err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
	if again.Source != SourceToken || again.Migrated != 0 || again.Skipped != 0 {
		t.Fatalf("expected no-op repeat, got %#v", again)
	}
	if got := harness.countEntries(t, "user-1"); got != 3 {
		t.Fatalf("expected entry count unchanged, got %d", got)
	}
}

func TestMigrateResolvesTokenFromPreservedCopy(t *testing.T) {
	harness := newEngineHarness(t)
	ctx := context.Background()

	guessSet := harness.guessSet()
	token, err := harness.pending.IssueToken(ctx, guessSet)
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}
	guessSet.SubmissionToken = token
	if _, err := harness.preserver.Save(ctx, guessSet); err != nil {
		t.Fatalf("preserve failed: %v", err)
	}

	// No token on the request: the preserved copy supplies it.
	engine := harness.newEngine(t, &staticIDGenerator{ids: []string{"e-1", "e-2", "e-3"}})
	result, err := engine.Migrate(ctx, MigrationRequest{UserID: "user-1", SessionID: guessSet.SessionID})
	if err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if result.Source != SourceToken || result.Migrated != 3 {
		t.Fatalf("expected token path via preserved copy, got %#v", result)
	}
}

func TestMigrateExpiredTokenFallsBackToLocal(t *testing.T) {
	harness := newEngineHarness(t)
	ctx := context.Background()

	// Rows already past their expiry read as absent on the token path.
	stale := pending.Guess{
		Token:          "tok_stale",
		SequenceNumber: 1,
		CompetitionID:  "comp-1",
		X:              100, Y: 200,
		UnitPrice: 15.00,
		Status:    pending.StatusPendingConfirmation,
		CreatedAt: harness.now.Add(-8 * 24 * time.Hour),
		ExpiresAt: harness.now.Add(-24 * time.Hour),
	}
	if err := harness.db.Create(&stale).Error; err != nil {
		t.Fatalf("failed to seed stale row: %v", err)
	}

	guessSet := harness.guessSet()
	if _, err := harness.preserver.Save(ctx, guessSet); err != nil {
		t.Fatalf("preserve failed: %v", err)
	}

	engine := harness.newEngine(t, &staticIDGenerator{ids: []string{"e-1", "e-2", "e-3"}})
	result, err := engine.Migrate(ctx, MigrationRequest{UserID: "user-1", Token: "tok_stale", SessionID: guessSet.SessionID})
	if err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if result.Source != SourceLocal || result.Migrated != 3 {
		t.Fatalf("expected fallback to local source, got %#v", result)
	}
	if got := harness.countEntries(t, "user-1"); got != 3 {
		t.Fatalf("expected 3 entries from local copy, got %d", got)
	}
}

func TestMigrateLocalClaimPreventsDuplicate(t *testing.T) {
	harness := newEngineHarness(t)
	ctx := context.Background()

	guessSet := harness.guessSet()
	if _, err := harness.preserver.Save(ctx, guessSet); err != nil {
		t.Fatalf("preserve failed: %v", err)
	}

	engine := harness.newEngine(t, &staticIDGenerator{ids: []string{"e-1", "e-2", "e-3"}})
	result, err := engine.Migrate(ctx, MigrationRequest{UserID: "user-1", SessionID: guessSet.SessionID})
	if err != nil {
		t.Fatalf("first migrate failed: %v", err)
	}
	if result.Source != SourceLocal || result.Migrated != 3 {
		t.Fatalf("unexpected first result: %#v", result)
	}

	// A stale copy re-offered after a reload hits the existing claim.
	if _, err := harness.preserver.Save(ctx, guessSet); err != nil {
		t.Fatalf("re-preserve failed: %v", err)
	}
	again, err := engine.Migrate(ctx, MigrationRequest{UserID: "user-1", SessionID: guessSet.SessionID})
	if err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
	if again.Source != SourceLocal || again.Migrated != 0 || again.Skipped != 3 {
		t.Fatalf("expected claim to skip re-migration, got %#v", again)
	}
	if got := harness.countEntries(t, "user-1"); got != 3 {
		t.Fatalf("expected entry count unchanged, got %d", got)
	}
}

func TestMigrateNothingToDo(t *testing.T) {
	harness := newEngineHarness(t)

	engine := harness.newEngine(t, &staticIDGenerator{ids: []string{"unused"}})
	result, err := engine.Migrate(context.Background(), MigrationRequest{UserID: "user-1", SessionID: "session-empty"})
	if err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if result.Source != SourceNone || result.Migrated != 0 || result.Skipped != 0 {
		t.Fatalf("expected empty terminal state, got %#v", result)
	}
}

func TestMigrateRejectsInvalidUserID(t *testing.T) {
	harness := newEngineHarness(t)

	engine := harness.newEngine(t, &staticIDGenerator{ids: []string{"unused"}})
	_, err := engine.Migrate(context.Background(), MigrationRequest{UserID: "   "})
	if !errors.Is(err, entries.ErrInvalidUserID) {
		t.Fatalf("expected invalid user id error, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "reconcile.migrate.invalid_user_id" {
		t.Fatalf("expected coded service error, got %v", err)
	}
}

func TestMigratePartialFailureResumes(t *testing.T) {
	harness := newEngineHarness(t)
	ctx := context.Background()

	guessSet := harness.guessSet()
	token, err := harness.pending.IssueToken(ctx, guessSet)
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}

	// An occupied entry id makes the second row's insert collide, so the run
	// halts after the first row. The duplicates cover the retry attempts.
	occupied := entries.Entry{
		EntryID:       "dup",
		CompetitionID: "comp-other",
		UserID:        "someone-else",
	}
	if err := harness.db.Create(&occupied).Error; err != nil {
		t.Fatalf("failed to seed occupied entry: %v", err)
	}

	failing := harness.newEngine(t, &staticIDGenerator{ids: []string{"e-1", "dup", "dup", "dup"}})
	result, err := failing.Migrate(ctx, MigrationRequest{UserID: "user-1", Token: token})
	if err == nil {
		t.Fatalf("expected halted migration to report an error")
	}
	if result.Migrated != 1 {
		t.Fatalf("expected exactly one row migrated before the halt, got %#v", result)
	}

	// The later rows are still pending_confirmation; a fresh run resumes
	// there without touching the already-confirmed first row.
	resumed := harness.newEngine(t, &staticIDGenerator{ids: []string{"e-2", "e-3"}})
	again, err := resumed.Migrate(ctx, MigrationRequest{UserID: "user-1", Token: token})
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if again.Source != SourceToken || again.Migrated != 2 || again.Skipped != 0 {
		t.Fatalf("expected resume to migrate the remaining rows, got %#v", again)
	}
	if got := harness.countEntries(t, "user-1"); got != 3 {
		t.Fatalf("expected 3 entries total after resume, got %d", got)
	}

	var sequences []int
	err = harness.db.Model(&entries.Entry{}).
		Where("user_id = ?", "user-1").
		Order("sequence_number ASC").
		Pluck("sequence_number", &sequences).Error
	if err != nil {
		t.Fatalf("sequence query failed: %v", err)
	}
	for index, sequence := range sequences {
		if sequence != index+1 {
			t.Fatalf("expected contiguous sequences 1..3, got %v", sequences)
		}
	}
}

func TestConcurrentMigrationsMigrateExactlyOnce(t *testing.T) {
	harness := newEngineHarness(t)
	ctx := context.Background()

	guessSet := harness.guessSet()
	token, err := harness.pending.IssueToken(ctx, guessSet)
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}

	engine := harness.newEngine(t, entries.NewUUIDProvider())

	var wg sync.WaitGroup
	results := make([]MigrationResult, 2)
	errs := make([]error, 2)
	for index := range results {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			results[slot], errs[slot] = engine.Migrate(ctx, MigrationRequest{UserID: "user-1", Token: token})
		}(index)
	}
	wg.Wait()

	migrated := 0
	for slot := range results {
		if errs[slot] != nil {
			t.Fatalf("concurrent migrate %d failed: %v", slot, errs[slot])
		}
		migrated += results[slot].Migrated
	}
	if migrated != 3 {
		t.Fatalf("expected the racers to migrate 3 rows between them, got %d", migrated)
	}
	if got := harness.countEntries(t, "user-1"); got != 3 {
		t.Fatalf("expected exactly 3 permanent entries, got %d", got)
	}
}

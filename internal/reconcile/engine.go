package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/pinpoint/backend/internal/entries"
	"github.com/MarcoPoloResearchLab/pinpoint/backend/internal/pending"
	"github.com/MarcoPoloResearchLab/pinpoint/backend/internal/preserve"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase  = errors.New("database handle is required")
	errMissingPending   = errors.New("pending service is required")
	errMissingPreserver = errors.New("preservation manager is required")
	errRowConsumed      = errors.New("row already consumed by a concurrent migration")
	noOpLogger          = zap.NewNop()
)

// ServiceError carries a dotted operation code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opEngineNew = "reconcile.engine.new"
	opMigrate   = "reconcile.migrate"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

const (
	defaultRetryAttempts = 3
	defaultRetryBackoff  = 100 * time.Millisecond
)

// EngineConfig describes the dependencies of the reconciliation engine.
type EngineConfig struct {
	Database      *gorm.DB
	Pending       *pending.Service
	Preserver     *preserve.Manager
	Clock         func() time.Time
	IDProvider    entries.IDProvider
	Logger        *zap.Logger
	RetryAttempts int
	RetryBackoff  time.Duration
}

// Engine moves pending or preserved guesses into the permanent entry store
// exactly once per source. Every write is a conditional transition, so the
// engine is safe to invoke repeatedly, concurrently, and from any partial
// state.
type Engine struct {
	db            *gorm.DB
	pending       *pending.Service
	preserver     *preserve.Manager
	clock         func() time.Time
	idProvider    entries.IDProvider
	logger        *zap.Logger
	retryAttempts int
	retryBackoff  time.Duration
}

// NewEngine constructs the reconciliation engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opEngineNew, "missing_database", errMissingDatabase)
	}
	if cfg.Pending == nil {
		return nil, newServiceError(opEngineNew, "missing_pending", errMissingPending)
	}
	if cfg.Preserver == nil {
		return nil, newServiceError(opEngineNew, "missing_preserver", errMissingPreserver)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = entries.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	return &Engine{
		db:            cfg.Database,
		pending:       cfg.Pending,
		preserver:     cfg.Preserver,
		clock:         clock,
		idProvider:    idProvider,
		logger:        logger,
		retryAttempts: attempts,
		retryBackoff:  backoff,
	}, nil
}

// Source identifies which preservation path fed a migration.
type Source string

const (
	// SourceNone means neither a token nor a preserved copy resolved.
	SourceNone Source = "none"
	// SourceToken means the server-held pending rows were migrated.
	SourceToken Source = "token"
	// SourceLocal means the preserved guess set was migrated directly.
	SourceLocal Source = "local"
)

// MigrationRequest names the authenticated identity plus whatever source
// hints the caller holds. Token and session may both be set; the token wins.
type MigrationRequest struct {
	UserID    string
	Token     string
	SessionID string
}

// MigrationResult summarizes one engine run.
type MigrationResult struct {
	Source   Source
	Migrated int
	Skipped  int
}

// Migrate locates pending or preserved guesses and records them
// permanently, at most once per source. A run that finds nothing to do is
// a normal terminal state, not an error.
func (e *Engine) Migrate(ctx context.Context, request MigrationRequest) (MigrationResult, error) {
	userID, err := entries.NewUserID(request.UserID)
	if err != nil {
		return MigrationResult{Source: SourceNone}, newServiceError(opMigrate, "invalid_user_id", err)
	}

	token := request.Token
	var local *entries.GuessSet
	localLoaded := false

	// A preserved copy may carry the token the confirmation link lost.
	if token == "" && request.SessionID != "" {
		local, err = e.preserver.Load(ctx, request.SessionID)
		if err != nil {
			return MigrationResult{Source: SourceNone}, newServiceError(opMigrate, "preserved_load_failed", err)
		}
		localLoaded = true
		if local != nil && local.SubmissionToken != "" {
			token = local.SubmissionToken
		}
	}

	if token != "" {
		result, handled, err := e.migrateToken(ctx, userID, token, request.SessionID)
		if handled || err != nil {
			return result, err
		}
		// Token expired or unknown: fall back to the preserved copy.
	}

	if !localLoaded && request.SessionID != "" {
		local, err = e.preserver.Load(ctx, request.SessionID)
		if err != nil {
			return MigrationResult{Source: SourceNone}, newServiceError(opMigrate, "preserved_load_failed", err)
		}
	}
	if local == nil {
		return MigrationResult{Source: SourceNone}, nil
	}

	return e.migrateLocal(ctx, userID, request.SessionID, *local)
}

// migrateToken runs the token path. handled is false when the token has no
// rows at all, in which case the caller falls back to the local source.
func (e *Engine) migrateToken(ctx context.Context, userID entries.UserID, token, sessionID string) (MigrationResult, bool, error) {
	rows, err := e.pending.EligibleRows(ctx, e.db, token)
	if err != nil {
		return MigrationResult{Source: SourceToken}, true, newServiceError(opMigrate, "pending_query_failed", err)
	}

	if len(rows) == 0 {
		consumed, err := e.tokenConsumed(ctx, token)
		if err != nil {
			return MigrationResult{Source: SourceToken}, true, newServiceError(opMigrate, "pending_query_failed", err)
		}
		if consumed {
			// A previous run already migrated this token; make sure stale
			// local copies cannot be re-offered after a reload.
			e.clearPreserved(ctx, sessionID)
			return MigrationResult{Source: SourceToken}, true, nil
		}
		return MigrationResult{}, false, nil
	}

	result := MigrationResult{Source: SourceToken}
	for _, row := range rows {
		migrated, err := e.migrateRow(ctx, userID, token, row)
		if err != nil {
			// Later rows stay pending_confirmation; a retry resumes here.
			e.logger.Error("token migration halted on row",
				zap.String("operation", opMigrate),
				zap.String("token", token),
				zap.Int("sequence_number", row.SequenceNumber),
				zap.Int("migrated", result.Migrated),
				zap.Error(err))
			return result, true, newServiceError(opMigrate, "row_migration_failed", err)
		}
		if migrated {
			result.Migrated++
		} else {
			result.Skipped++
		}
	}

	e.clearPreserved(ctx, sessionID)
	e.logger.Info("token migration completed",
		zap.String("token", token),
		zap.String("user_id", userID.String()),
		zap.Int("migrated", result.Migrated),
		zap.Int("skipped", result.Skipped))
	return result, true, nil
}

// migrateRow performs the atomic per-row transition: permanent insert plus
// the conditional status flip commit or roll back together. A flip that
// affects zero rows means a concurrent attempt won the race; the insert is
// rolled back and the row is reported as skipped, not failed.
func (e *Engine) migrateRow(ctx context.Context, userID entries.UserID, token string, row pending.Guess) (bool, error) {
	var lastErr error
	for attempt := 0; attempt < e.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(e.retryBackoff):
			}
		}

		entryID, err := e.idProvider.NewID()
		if err != nil {
			lastErr = err
			continue
		}

		txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			entry := entries.Entry{
				EntryID:        entryID,
				CompetitionID:  row.CompetitionID,
				UserID:         userID.String(),
				X:              row.X,
				Y:              row.Y,
				PricePaid:      row.UnitPrice,
				SequenceNumber: row.SequenceNumber,
				CreatedAt:      e.clock().UTC(),
			}
			if err := tx.Create(&entry).Error; err != nil {
				return err
			}
			flipped, err := e.pending.Confirm(ctx, tx, token, row.SequenceNumber)
			if err != nil {
				return err
			}
			if !flipped {
				return errRowConsumed
			}
			return nil
		})
		if txErr == nil {
			return true, nil
		}
		if errors.Is(txErr, errRowConsumed) {
			return false, nil
		}
		lastErr = txErr
	}
	return false, lastErr
}

// migrateLocal runs the non-tokenized path. The migration claim row is the
// at-most-once guard for the (session, competition) pair.
func (e *Engine) migrateLocal(ctx context.Context, userID entries.UserID, sessionID string, guessSet entries.GuessSet) (MigrationResult, error) {
	result := MigrationResult{Source: SourceLocal}

	var lastErr error
	for attempt := 0; attempt < e.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return result, newServiceError(opMigrate, "cancelled", ctx.Err())
			case <-time.After(e.retryBackoff):
			}
		}

		claimed := false
		migrated := 0
		txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			claim := entries.MigrationClaim{
				SourceKind:    entries.SourceKindSession,
				SourceKey:     sessionID,
				CompetitionID: guessSet.CompetitionID,
				UserID:        userID.String(),
			}
			claimResult := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&claim)
			if claimResult.Error != nil {
				return claimResult.Error
			}
			if claimResult.RowsAffected == 0 {
				// Another run holds the claim; nothing left to do here.
				return nil
			}
			claimed = true

			now := e.clock().UTC()
			for index, guess := range guessSet.Guesses {
				entryID, err := e.idProvider.NewID()
				if err != nil {
					return err
				}
				entry := entries.Entry{
					EntryID:        entryID,
					CompetitionID:  guessSet.CompetitionID,
					UserID:         userID.String(),
					X:              guess.X,
					Y:              guess.Y,
					PricePaid:      guessSet.UnitPrice,
					SequenceNumber: index + 1,
					CreatedAt:      now,
				}
				if err := tx.Create(&entry).Error; err != nil {
					return err
				}
				migrated++
			}
			return nil
		})
		if txErr != nil {
			lastErr = txErr
			continue
		}

		if claimed {
			result.Migrated = migrated
		} else {
			result.Skipped = len(guessSet.Guesses)
		}
		e.clearPreserved(ctx, sessionID)
		e.logger.Info("local migration completed",
			zap.String("session_id", sessionID),
			zap.String("user_id", userID.String()),
			zap.Int("migrated", result.Migrated),
			zap.Int("skipped", result.Skipped))
		return result, nil
	}

	e.logger.Error("local migration failed",
		zap.String("operation", opMigrate),
		zap.String("session_id", sessionID),
		zap.Error(lastErr))
	return result, newServiceError(opMigrate, "local_migration_failed", lastErr)
}

// tokenConsumed reports whether any of the token's rows were already
// confirmed, distinguishing a consumed token from one that expired or never
// existed.
func (e *Engine) tokenConsumed(ctx context.Context, token string) (bool, error) {
	var count int64
	err := e.db.WithContext(ctx).Model(&pending.Guess{}).
		Where("token = ? AND status = ?", token, pending.StatusConfirmed).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (e *Engine) clearPreserved(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	e.preserver.Clear(ctx, sessionID)
}

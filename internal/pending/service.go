package pending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/pinpoint/backend/internal/entries"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultTTL is the age past which server-held pending rows read as absent.
const DefaultTTL = 7 * 24 * time.Hour

const tokenPrefix = "tok_"

var (
	errMissingDatabase = errors.New("pending: database handle is required")
	errMissingToken    = errors.New("pending: token is required")
)

// ServiceConfig describes the dependencies of the submission token service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider entries.IDProvider
	TTL        time.Duration
	Logger     *zap.Logger
}

// Service converts a client-only guess set into a durable, server-visible,
// tokenized record so an entry survives loss of the originating device.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider entries.IDProvider
	ttl        time.Duration
	logger     *zap.Logger
}

// NewService constructs the submission token service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = entries.NewUUIDProvider()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		ttl:        ttl,
		logger:     logger,
	}, nil
}

// IssueToken mints a write-once opaque token and records one
// pending_confirmation row per guess, all in one transaction. Callers
// treat failure as best-effort: the local preservation copy is the
// fallback, so a failed issuance loses only the cross-device recovery path.
func (s *Service) IssueToken(ctx context.Context, guessSet entries.GuessSet) (string, error) {
	if err := guessSet.Validate(); err != nil {
		return "", err
	}

	identifier, err := s.idProvider.NewID()
	if err != nil {
		return "", fmt.Errorf("pending: token generation: %w", err)
	}
	token := tokenPrefix + identifier

	now := s.clock().UTC()
	expiresAt := now.Add(s.ttl)
	rows := make([]Guess, 0, len(guessSet.Guesses))
	for index, guess := range guessSet.Guesses {
		rows = append(rows, Guess{
			Token:          token,
			SequenceNumber: index + 1,
			CompetitionID:  guessSet.CompetitionID,
			X:              guess.X,
			Y:              guess.Y,
			UnitPrice:      guessSet.UnitPrice,
			ImageRef:       guessSet.ImageRef,
			Email:          guessSet.Email,
			Status:         StatusPendingConfirmation,
			CreatedAt:      now,
			ExpiresAt:      expiresAt,
		})
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&rows).Error
	})
	if err != nil {
		s.logger.Error("pending row insert failed",
			zap.String("operation", "pending.issue_token"),
			zap.String("competition_id", guessSet.CompetitionID),
			zap.Int("guesses", len(rows)),
			zap.Error(err))
		return "", err
	}

	s.logger.Info("submission token issued",
		zap.String("token", token),
		zap.String("competition_id", guessSet.CompetitionID),
		zap.Int("guesses", len(rows)))
	return token, nil
}

// LoadByToken reconstructs the guess set from the token's non-expired
// pending_confirmation rows, sequence order preserved. It returns
// (nil, nil) when no eligible rows remain: consumed and expired tokens are
// indistinguishable from tokens that never existed.
func (s *Service) LoadByToken(ctx context.Context, token string) (*entries.GuessSet, error) {
	rows, err := s.EligibleRows(ctx, s.db, token)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	first := rows[0]
	guessSet := entries.GuessSet{
		CompetitionID:   first.CompetitionID,
		UnitPrice:       first.UnitPrice,
		ImageRef:        first.ImageRef,
		Email:           first.Email,
		CreatedAt:       first.CreatedAt,
		SubmissionToken: token,
		Guesses:         make([]entries.Guess, 0, len(rows)),
	}
	for _, row := range rows {
		guessSet.Guesses = append(guessSet.Guesses, entries.Guess{
			ID:         fmt.Sprintf("%s-%d", token, row.SequenceNumber),
			X:          row.X,
			Y:          row.Y,
			CapturedAt: row.CreatedAt,
		})
	}
	return &guessSet, nil
}

// EligibleRows selects the token's pending_confirmation rows that have not
// expired, in sequence order, against the provided handle. The engine calls
// this inside its own transactions so a cached read can never sneak past a
// concurrent migration.
func (s *Service) EligibleRows(ctx context.Context, db *gorm.DB, token string) ([]Guess, error) {
	if token == "" {
		return nil, errMissingToken
	}
	var rows []Guess
	err := db.WithContext(ctx).
		Where("token = ? AND status = ? AND expires_at > ?", token, StatusPendingConfirmation, s.clock().UTC()).
		Order("sequence_number ASC").
		Find(&rows).Error
	if err != nil {
		s.logger.Error("pending row query failed",
			zap.String("operation", "pending.eligible_rows"),
			zap.String("token", token),
			zap.Error(err))
		return nil, err
	}
	return rows, nil
}

// Confirm flips one row from pending_confirmation to confirmed. The update
// is conditional on the current status, so of two racing migrations exactly
// one observes the flip and the other reports no rows affected.
func (s *Service) Confirm(ctx context.Context, tx *gorm.DB, token string, sequenceNumber int) (bool, error) {
	if !StatusPendingConfirmation.CanTransitionTo(StatusConfirmed) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, StatusPendingConfirmation, StatusConfirmed)
	}
	result := tx.WithContext(ctx).Model(&Guess{}).
		Where("token = ? AND sequence_number = ? AND status = ?", token, sequenceNumber, StatusPendingConfirmation).
		Update("status", StatusConfirmed)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ExpireStale flips past-TTL pending rows to expired and deletes expired
// rows older than one further TTL window. Readers already exclude expired
// rows, so correctness never depends on this sweep running.
func (s *Service) ExpireStale(ctx context.Context) (int64, error) {
	now := s.clock().UTC()

	flip := s.db.WithContext(ctx).Model(&Guess{}).
		Where("status = ? AND expires_at <= ?", StatusPendingConfirmation, now).
		Update("status", StatusExpired)
	if flip.Error != nil {
		s.logger.Error("pending expiry sweep failed",
			zap.String("operation", "pending.expire_stale"),
			zap.Error(flip.Error))
		return 0, flip.Error
	}

	purge := s.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", StatusExpired, now.Add(-s.ttl)).
		Delete(&Guess{})
	if purge.Error != nil {
		return flip.RowsAffected, purge.Error
	}

	if flip.RowsAffected > 0 || purge.RowsAffected > 0 {
		s.logger.Info("pending expiry sweep completed",
			zap.Int64("expired", flip.RowsAffected),
			zap.Int64("purged", purge.RowsAffected))
	}
	return flip.RowsAffected, nil
}

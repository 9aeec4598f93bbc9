package entries

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("entries: database handle is required")

// StoreConfig describes the dependencies of the permanent entry store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store reads permanently recorded entries. Writes happen exclusively
// through the reconciliation engine or a direct authenticated submission,
// both of which operate inside their own transactions.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore constructs the read-side store over the entries table.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// ListByUser returns all entries owned by the user, oldest first.
func (s *Store) ListByUser(ctx context.Context, userID UserID) ([]Entry, error) {
	var result []Entry
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at ASC, sequence_number ASC").
		Find(&result).Error
	if err != nil {
		s.logger.Error("entry list query failed",
			zap.String("operation", "entries.list_by_user"),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return nil, err
	}
	return result, nil
}

// ListByCompetitionAndUser returns the user's entries for one competition
// in sequence order.
func (s *Store) ListByCompetitionAndUser(ctx context.Context, competitionID CompetitionID, userID UserID) ([]Entry, error) {
	var result []Entry
	err := s.db.WithContext(ctx).
		Where("competition_id = ? AND user_id = ?", competitionID.String(), userID.String()).
		Order("sequence_number ASC").
		Find(&result).Error
	if err != nil {
		s.logger.Error("entry list query failed",
			zap.String("operation", "entries.list_by_competition_and_user"),
			zap.String("competition_id", competitionID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return nil, err
	}
	return result, nil
}

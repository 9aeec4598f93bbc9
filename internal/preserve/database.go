package preserve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("preserve: database handle is required")

// PreservedPayload is the row shape backing the database tier. It is the
// persistent-until-cleared namespace: payloads survive process restarts and
// are removed on Clear or once past expires_at.
type PreservedPayload struct {
	Key       string    `gorm:"column:key;primaryKey;size:190;not null"`
	Payload   string    `gorm:"column:payload;type:text;not null"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null;index"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (PreservedPayload) TableName() string {
	return "preserved_payloads"
}

// DatabaseStoreConfig describes the database-backed tier.
type DatabaseStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// DatabaseStore is the persistent-until-cleared tier over the SQLite store.
type DatabaseStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewDatabaseStore constructs the database tier.
func NewDatabaseStore(cfg DatabaseStoreConfig) (*DatabaseStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &DatabaseStore{db: cfg.Database, clock: clock}, nil
}

// Name identifies the tier in logs and per-tier save outcomes.
func (s *DatabaseStore) Name() string {
	return "database"
}

// Save upserts the payload for the key with a fresh expiry.
func (s *DatabaseStore) Save(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	record := PreservedPayload{
		Key:       key,
		Payload:   string(payload),
		ExpiresAt: s.clock().Add(ttl),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"payload", "expires_at", "updated_at"}),
		}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("preserve: database save: %w", err)
	}
	return nil
}

// Load returns the payload for the key. Expired rows read as absent and are
// deleted on the way out.
func (s *DatabaseStore) Load(ctx context.Context, key string) ([]byte, error) {
	var record PreservedPayload
	err := s.db.WithContext(ctx).Where("key = ?", key).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("preserve: database load: %w", err)
	}
	if s.clock().After(record.ExpiresAt) {
		_ = s.db.WithContext(ctx).Where("key = ?", key).Delete(&PreservedPayload{}).Error
		return nil, ErrNotFound
	}
	return []byte(record.Payload), nil
}

// Clear removes the payload for the key.
func (s *DatabaseStore) Clear(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("key = ?", key).Delete(&PreservedPayload{}).Error; err != nil {
		return fmt.Errorf("preserve: database clear: %w", err)
	}
	return nil
}

package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/pinpoint/backend/internal/pending"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillPendingExpiry = "2026-07-21_backfill_pending_expiry"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillPendingExpiry, apply: backfillPendingExpiry},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillPendingExpiry stamps an expiry on pending rows written before the
// expires_at column existed, so the read-time expiry filter applies to them
// too.
func backfillPendingExpiry(db *gorm.DB) error {
	zeroTime := time.Time{}
	return db.Model(&pending.Guess{}).
		Where("expires_at = ? OR expires_at IS NULL", zeroTime).
		Update("expires_at", db.NowFunc().UTC().Add(pending.DefaultTTL)).Error
}

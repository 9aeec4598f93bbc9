package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pinpoint/backend/internal/pending"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsPendingExpiry(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&pending.Guess{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	row := pending.Guess{
		Token:          "tok_legacy",
		SequenceNumber: 1,
		CompetitionID:  "comp-1",
		X:              10,
		Y:              20,
		UnitPrice:      15,
		Status:         pending.StatusPendingConfirmation,
		CreatedAt:      time.Now().UTC(),
	}
	if err := database.Create(&row).Error; err != nil {
		testContext.Fatalf("failed to insert pending row: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored pending.Guess
	if err := database.Where("token = ?", row.Token).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload pending row: %v", err)
	}
	if stored.ExpiresAt.IsZero() {
		testContext.Fatalf("expected expiry to be backfilled")
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillPendingExpiry).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestOpenSQLiteInitializesSchema(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "pinpoint.db")

	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	for _, table := range []string{"pending_guesses", "entries", "migration_claims", "preserved_payloads", "user_identities"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
}

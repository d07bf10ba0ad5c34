package database

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/projection"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsReleasesDeletedUniqueKeys(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(append(projection.Models(), &migrationRecord{})...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	key := "E1\x1fC1"
	tombstone := projection.Record{
		Table:       "equipment_contracts",
		RowID:       "L1",
		PayloadJSON: `{"id":"L1"}`,
		UniqueKey:   &key,
		Deleted:     true,
	}
	if err := database.Create(&tombstone).Error; err != nil {
		testContext.Fatalf("failed to insert record: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored projection.Record
	if err := database.Where("table_name = ? AND row_id = ?", tombstone.Table, tombstone.RowID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload record: %v", err)
	}
	if stored.UniqueKey != nil {
		testContext.Fatalf("expected unique key to be released, got %q", *stored.UniqueKey)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationReleaseDeletedUnique).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("re-applying migrations must be a no-op: %v", err)
	}
}

func TestOpenProjectionRejectsUnknownDriver(testContext *testing.T) {
	_, err := OpenProjection(Config{Driver: "oracle", DSN: "x"}, zap.NewNop())
	if !errors.Is(err, ErrUnsupportedDriver) {
		testContext.Fatalf("expected ErrUnsupportedDriver, got %v", err)
	}
}

func TestOpenProjectionSQLite(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "projection.db")
	database, err := OpenProjection(Config{Driver: DriverSQLite, DSN: databasePath}, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open projection: %v", err)
	}
	for _, model := range projection.Models() {
		if !database.Migrator().HasTable(model) {
			testContext.Fatalf("expected table for %T", model)
		}
	}
	if !database.Migrator().HasIndex(&projection.Change{}, "idx_sync_changes_table_seq") {
		testContext.Fatalf("expected change table index")
	}
}

package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/projection"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationCreateChangeTableIndex = "2026-09-14_create_change_table_index"
	migrationReleaseDeletedUnique   = "2026-10-02_release_deleted_unique_keys"
)

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

func projectionMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationCreateChangeTableIndex, apply: createChangeTableIndex},
		{name: migrationReleaseDeletedUnique, apply: releaseDeletedUniqueKeys},
	}
}

// applyMigrations runs each pending migration and its bookkeeping row in one transaction.
func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range projectionMigrations() {
		applied, err := migrationApplied(db, migration.name)
		if err != nil {
			return fmt.Errorf("database: check migration %s: %w", migration.name, err)
		}
		if applied {
			continue
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return fmt.Errorf("database: apply migration %s: %w", migration.name, err)
		}
		if logger != nil {
			logger.Info("projection migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func migrationApplied(db *gorm.DB, name string) (bool, error) {
	var record migrationRecord
	err := db.Where("name = ?", name).Take(&record).Error
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return false, nil
	default:
		return false, err
	}
}

func createChangeTableIndex(db *gorm.DB) error {
	return db.Exec("CREATE INDEX IF NOT EXISTS idx_sync_changes_table_seq ON sync_changes (table_name, server_seq)").Error
}

// releaseDeletedUniqueKeys frees unique keys still held by tombstoned join rows.
func releaseDeletedUniqueKeys(db *gorm.DB) error {
	return db.Model(&projection.Record{}).
		Where("deleted = ? AND unique_key IS NOT NULL", true).
		Update("unique_key", nil).Error
}

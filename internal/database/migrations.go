package database

import (
	"errors"
	"time"

	"github.com/driftboardhq/driftboard/internal/board"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationClearHalfSetEditLocks = "2026-07-14_clear_half_set_edit_locks"

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
		{name: migrationClearHalfSetEditLocks, apply: clearHalfSetEditLocks},
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

// clearHalfSetEditLocks nulls rows where only one of the two lock columns
// survived a partial write. The lock columns are either both set or both null.
func clearHalfSetEditLocks(db *gorm.DB) error {
	if err := db.Model(&board.Card{}).
		Where("editing_by IS NOT NULL AND editing_at IS NULL").
		Update("editing_by", nil).Error; err != nil {
		return err
	}
	return db.Model(&board.Card{}).
		Where("editing_at IS NOT NULL AND editing_by IS NULL").
		Update("editing_at", nil).Error
}

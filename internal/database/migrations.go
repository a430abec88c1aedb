package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/collab"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationDropOrphanedSyncEntries = "2026-09-14_drop_orphaned_sync_entries"

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
		{name: migrationDropOrphanedSyncEntries, apply: dropOrphanedSyncEntries},
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

// dropOrphanedSyncEntries removes queued entries whose target owner no longer has a session.
func dropOrphanedSyncEntries(db *gorm.DB) error {
	return db.Where("target_owner NOT IN (?)",
		db.Model(&collab.Session{}).Select("owner"),
	).Delete(&collab.SyncChangeEntry{}).Error
}

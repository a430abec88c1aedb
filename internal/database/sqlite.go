package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/content"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models lists every table the API owns.
func Models() []any {
	models := []any{&users.Identity{}, &migrationRecord{}}
	models = append(models, collab.Models()...)
	return append(models, content.Models()...)
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// A single open connection serializes transactions.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// Migrate creates missing tables and applies pending named migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}

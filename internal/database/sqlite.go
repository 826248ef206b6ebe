// Package database opens the Orbit SQLite store and keeps its schema current.
package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/orbit/internal/chat"
	"github.com/MarcoPoloResearchLab/orbit/internal/notes"
	"github.com/MarcoPoloResearchLab/orbit/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models lists every persisted type, in migration order.
func Models() []any {
	models := []any{&users.Identity{}}
	models = append(models, chat.Models()...)
	models = append(models, notes.Models()...)
	return append(models, &migrationRecord{})
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
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

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("path", path))
	return db, nil
}

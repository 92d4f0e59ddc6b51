// Package db opens the GORM database connection and runs schema
// migration for the flowboard server.
package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/flowboard/flowboard/api/models"
	"github.com/flowboard/flowboard/internal/config"
	"github.com/flowboard/flowboard/internal/slogging"
)

// NewGormDB creates a GORM connection for the configured driver.
// PostgreSQL is the deployment target; SQLite serves local development
// and tests.
func NewGormDB(cfg config.DatabaseConfig) (*gorm.DB, error) {
	log := slogging.Get()

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.PostgresDSN())
		log.Debug("Using PostgreSQL dialector for %s:%s/%s", cfg.Host, cfg.Port, cfg.Name)
	case "sqlite":
		dialector = sqlite.Open(cfg.SQLitePath)
		log.Debug("Using SQLite dialector for %s", cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	log.Info("Database connection established: driver=%s", cfg.Driver)
	return gormDB, nil
}

// AutoMigrate creates or updates the flowboard tables
func AutoMigrate(gormDB *gorm.DB) error {
	if err := gormDB.AutoMigrate(
		&models.Diagram{},
		&models.DiagramVersion{},
		&models.CollaborationSession{},
	); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

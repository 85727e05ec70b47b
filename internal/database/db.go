package database

import (
	"fmt"
	"time"

	"dream_analyzer_go_backend/cmd/api/config"
	"dream_analyzer_go_backend/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens the postgres connection and applies migrations when enabled.
func InitDB(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), GormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	if cfg.AutoMigrate {
		if err := Migrate(sqlDB); err != nil {
			return nil, err
		}
		log.Info().Msg("Database migrations applied")
	}

	return db, nil
}

// GormConfig is shared by the server and test databases so that timestamps
// are always written in UTC.
func GormConfig() *gorm.Config {
	return &gorm.Config{
		NowFunc:        func() time.Time { return time.Now().UTC() },
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	}
}

// AutoMigrate creates the schema from the models. Used by tests; servers run
// the SQL migrations instead.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(models.All()...)
}

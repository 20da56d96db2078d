package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"halite-tournament/logger"
	"halite-tournament/models"
)

// Open connects to PostgreSQL, retrying transient connection failures
// according to policy.
func Open(ctx context.Context, dsn string, policy RetryPolicy) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database URL is empty")
	}

	var db *gorm.DB
	err := policy.Do(ctx, func() error {
		var err error
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		})
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	logger.Info("[DB] connected")
	return db, nil
}

// Migrate creates or updates the tournament tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.User{},
		&models.Bot{},
		&models.Match{},
		&models.MatchResult{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

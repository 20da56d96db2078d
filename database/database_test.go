package database

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"halite-tournament/models"
)

func TestMigrate(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, Migrate(db))
	// idempotent
	require.NoError(t, Migrate(db))

	for _, table := range []interface{}{&models.User{}, &models.Bot{}, &models.Match{}, &models.MatchResult{}} {
		assert.True(t, db.Migrator().HasTable(table))
	}
	assert.True(t, db.Migrator().HasIndex(&models.MatchResult{}, "unique_bot_match"))
	assert.True(t, db.Migrator().HasIndex(&models.Match{}, "idx_matches_uuid"))
}

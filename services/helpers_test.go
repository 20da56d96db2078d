package services

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"halite-tournament/database"
	"halite-tournament/models"
)

// newTestDB opens a private in-memory database. SQLite has no row locks, so
// the pool is pinned to one connection: transactions then run one at a time,
// which is what the row locks guarantee on PostgreSQL.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

func testRetryPolicy() database.RetryPolicy {
	return database.RetryPolicy{
		MaxAttempts: 3,
		MinWait:     time.Millisecond,
		MaxWait:     2 * time.Millisecond,
		Retryable:   database.IsTransient,
	}
}

func createBot(t *testing.T, db *gorm.DB, name string, mu, sigma float64) *models.Bot {
	t.Helper()
	user := models.NewUser(name, false)
	bot := models.NewBot(user)
	bot.Mu, bot.Sigma = mu, sigma
	bot.DockerImage = "docker.io/halite/" + name + ":v1"
	require.NoError(t, db.Create(user).Error)
	require.NoError(t, db.Create(bot).Error)
	return bot
}

func reloadBot(t *testing.T, db *gorm.DB, name string) models.Bot {
	t.Helper()
	var bot models.Bot
	require.NoError(t, db.Where("name = ?", name).First(&bot).Error)
	return bot
}

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (s *memStore) Put(_ context.Context, key string, body []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), body...)
	return nil
}

func (s *memStore) URL(key string) string {
	return "https://cdn.test/" + key
}

func (s *memStore) get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[key]
	return b, ok
}

type archiveFile struct {
	name string
	body string
}

func tarXZ(t *testing.T, files ...archiveFile) []byte {
	t.Helper()
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for _, f := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     f.name,
			Mode:     0o644,
			Size:     int64(len(f.body)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(f.body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	var out bytes.Buffer
	xw, err := xz.NewWriter(&out)
	require.NoError(t, err)
	_, err = xw.Write(tarBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, xw.Close())
	return out.Bytes()
}

type botResult struct {
	name     string
	rank     int
	errorLog string
}

func descriptor(id string, results ...botResult) map[string]interface{} {
	rs := make([]interface{}, 0, len(results))
	for _, r := range results {
		entry := map[string]interface{}{
			"bot_name":         r.name,
			"docker_image":     "docker.io/halite/" + r.name + ":v1",
			"rank":             r.rank,
			"last_frame_alive": 100 + r.rank,
			"error_log":        nil,
		}
		if r.errorLog != "" {
			entry["error_log"] = r.errorLog
		}
		rs = append(rs, entry)
	}
	return map[string]interface{}{
		"id":              id,
		"date":            "2024-03-01T12:00:00+00:00",
		"replay":          "replay.hlt",
		"seed":            42,
		"width":           30,
		"height":          30,
		"workflow_run_id": 1234,
		"match_results":   rs,
	}
}

// archiveFor packs d as <basename>.json together with the replay and every
// error log it names.
func archiveFor(t *testing.T, basename string, d map[string]interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(d)
	require.NoError(t, err)

	files := []archiveFile{{name: basename + ".json", body: string(raw)}}
	if replay, ok := d["replay"].(string); ok {
		files = append(files, archiveFile{name: replay, body: "replay of " + basename})
	}
	if rs, ok := d["match_results"].([]interface{}); ok {
		for _, r := range rs {
			if log, ok := r.(map[string]interface{})["error_log"].(string); ok {
				files = append(files, archiveFile{name: log, body: fmt.Sprintf("log %s", log)})
			}
		}
	}
	return tarXZ(t, files...)
}

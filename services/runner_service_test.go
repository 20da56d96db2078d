package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"halite-tournament/config"
	"halite-tournament/models"
)

type dispatchRequest struct {
	Ref    string            `json:"ref"`
	Inputs map[string]string `json:"inputs"`
}

// fakeGitHub serves the two Actions endpoints the runner calls.
type fakeGitHub struct {
	mu             sync.Mutex
	dispatchStatus int
	dispatches     []dispatchRequest
	listCalls      int
	// runs builds the listing for the given call using the last dispatched id.
	runs func(call int, id string) []WorkflowRun
}

func (f *fakeGitHub) snapshot() (int, []dispatchRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, append([]dispatchRequest(nil), f.dispatches...)
}

func (f *fakeGitHub) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/nmalaguti/halite-matches/actions/workflows/match.yml/dispatches", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer gh-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/vnd.github+json", r.Header.Get("Accept"))

		var req dispatchRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		f.mu.Lock()
		f.dispatches = append(f.dispatches, req)
		status := f.dispatchStatus
		f.mu.Unlock()

		if status == 0 {
			status = http.StatusNoContent
		}
		if status != http.StatusNoContent {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"message":"Unexpected inputs provided: [\"bots\"]"}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /repos/nmalaguti/halite-matches/actions/workflows/match.yml/runs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "workflow_dispatch", r.URL.Query().Get("event"))

		f.mu.Lock()
		f.listCalls++
		call := f.listCalls
		id := ""
		if n := len(f.dispatches); n > 0 {
			id = f.dispatches[n-1].Inputs["id"]
		}
		f.mu.Unlock()

		var runs []WorkflowRun
		if f.runs != nil {
			runs = f.runs(call, id)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"total_count": len(runs), "workflow_runs": runs})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestRunner(t *testing.T, db *gorm.DB, gh *fakeGitHub) *RunnerService {
	t.Helper()
	srv := gh.server(t)
	client := NewWorkflowClient(srv.URL, "gh-token", "nmalaguti", "halite-matches", "match.yml", "main")
	client.Client = srv.Client()

	runner := NewRunnerService(db, client, NewMatchmakingService(db, config.DefaultMatchmaking()))
	runner.PollInterval = 5 * time.Millisecond
	runner.PollMaxInterval = 10 * time.Millisecond
	runner.PollTimeout = 2 * time.Second
	return runner
}

func players(names ...string) []MatchPlayer {
	out := make([]MatchPlayer, len(names))
	for i, n := range names {
		out[i] = MatchPlayer{Name: n, DockerImage: "docker.io/halite/" + n + ":v1"}
	}
	return out
}

func TestStartMatch(t *testing.T) {
	db := newTestDB(t)
	gh := &fakeGitHub{
		runs: func(call int, id string) []WorkflowRun {
			if call < 3 {
				return nil // not visible yet
			}
			now := time.Now()
			return []WorkflowRun{
				{ID: 7, DisplayTitle: "someone else", CreatedAt: now},
				{ID: 42, DisplayTitle: id, CreatedAt: now.Add(-10 * time.Second)},
			}
		},
	}
	runner := newTestRunner(t, db, gh)

	match, err := runner.StartMatch(context.Background(), players("alpha", "beta", "gamma"))
	require.NoError(t, err)

	assert.Equal(t, int64(42), match.RunID)
	assert.False(t, match.Ingested())
	assert.Nil(t, match.Date)

	listCalls, dispatches := gh.snapshot()
	assert.GreaterOrEqual(t, listCalls, 3)
	require.Len(t, dispatches, 1)
	sent := dispatches[0]
	assert.Equal(t, "main", sent.Ref)
	assert.Equal(t, match.UUID, sent.Inputs["id"])

	dims := strings.Split(sent.Inputs["map-size"], " ")
	require.Len(t, dims, 2)
	assert.Equal(t, dims[0], dims[1])
	size, err := strconv.Atoi(dims[0])
	require.NoError(t, err)
	assert.Contains(t, config.DefaultMatchmaking().MapSizes, size)

	var bots []map[string]string
	require.NoError(t, json.Unmarshal([]byte(sent.Inputs["bots"]), &bots))
	assert.Equal(t, []map[string]string{
		{"name": "alpha", "docker-image": "docker.io/halite/alpha:v1"},
		{"name": "beta", "docker-image": "docker.io/halite/beta:v1"},
		{"name": "gamma", "docker-image": "docker.io/halite/gamma:v1"},
	}, bots)

	var stored models.Match
	require.NoError(t, db.Where("uuid = ?", match.UUID).First(&stored).Error)
	assert.Equal(t, int64(42), stored.RunID)
}

func TestStartMatch_PlayerCountBounds(t *testing.T) {
	db := newTestDB(t)
	gh := &fakeGitHub{}
	runner := newTestRunner(t, db, gh)

	_, err := runner.StartMatch(context.Background(), players("alpha"))
	assert.ErrorIs(t, err, ErrTooFewPlayers)
	assert.EqualError(t, err, "too few players (minimum 2)")

	_, err = runner.StartMatch(context.Background(), players("a", "b", "c", "d", "e", "f", "g"))
	assert.ErrorIs(t, err, ErrTooManyPlayers)
	assert.EqualError(t, err, "too many players (maximum 6)")

	noImage := players("alpha", "beta")
	noImage[1].DockerImage = ""
	_, err = runner.StartMatch(context.Background(), noImage)
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)

	_, dispatches := gh.snapshot()
	assert.Empty(t, dispatches, "nothing is dispatched for a rejected match")
}

func TestStartMatch_DispatchRejected(t *testing.T) {
	db := newTestDB(t)
	gh := &fakeGitHub{dispatchStatus: http.StatusUnprocessableEntity}
	runner := newTestRunner(t, db, gh)

	_, err := runner.StartMatch(context.Background(), players("alpha", "beta"))
	require.ErrorIs(t, err, ErrWorkflowFailedToStart)
	assert.Contains(t, err.Error(), "Unexpected inputs")
	listCalls, _ := gh.snapshot()
	assert.Zero(t, listCalls)
	assert.Equal(t, int64(0), countRows(t, db, &models.Match{}))
}

func TestStartMatch_RunNeverAppears(t *testing.T) {
	db := newTestDB(t)
	gh := &fakeGitHub{
		runs: func(_ int, id string) []WorkflowRun {
			// right title, but created long before the dispatch
			return []WorkflowRun{{ID: 1, DisplayTitle: id, CreatedAt: time.Now().Add(-2 * time.Hour)}}
		},
	}
	runner := newTestRunner(t, db, gh)
	runner.PollTimeout = 100 * time.Millisecond

	start := time.Now()
	_, err := runner.StartMatch(context.Background(), players("alpha", "beta"))
	require.ErrorIs(t, err, ErrWorkflowRunNotFound)
	assert.Less(t, time.Since(start), 2*time.Second, "polling stops at the timeout")
	listCalls, _ := gh.snapshot()
	assert.Greater(t, listCalls, 1)
	assert.Equal(t, int64(0), countRows(t, db, &models.Match{}))
}

func TestStartMatch_CallerCancels(t *testing.T) {
	db := newTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	gh := &fakeGitHub{
		runs: func(int, string) []WorkflowRun {
			cancel()
			return nil
		},
	}
	runner := newTestRunner(t, db, gh)
	runner.PollInterval = time.Second

	_, err := runner.StartMatch(ctx, players("alpha", "beta"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCreateMatchHandler(t *testing.T) {
	db := newTestDB(t)
	for _, name := range []string{"alpha", "beta", "gamma", "delta", "epsilon", "zeta", "eta"} {
		createBot(t, db, name, 25, 5)
	}
	gh := &fakeGitHub{
		runs: func(_ int, id string) []WorkflowRun {
			return []WorkflowRun{{ID: 99, DisplayTitle: id, CreatedAt: time.Now()}}
		},
	}
	runner := newTestRunner(t, db, gh)

	app := fiber.New()
	app.Post("/api/matches", runner.CreateMatch)

	post := func(body string) (*http.Response, map[string]interface{}) {
		req := httptest.NewRequest("POST", "/api/matches", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		return resp, decodeJSON(t, resp.Body)
	}

	resp, out := post(`{"bots":["alpha","beta"]}`)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(99), out["run_id"])
	assert.NotEmpty(t, out["uuid"])

	resp, out = post(`{"seed_bot":"gamma","players":2}`)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(99), out["run_id"])

	resp, out = post(`{"bots":["alpha"]}`)
	assert.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "Too few players. Minimum 2.", out["error"])

	resp, out = post(`{"bots":["alpha","beta","gamma","delta","epsilon","zeta","eta"]}`)
	assert.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "Too many players. Maximum 6.", out["error"])

	resp, _ = post(`{"bots":["alpha","ghost"]}`)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, _ = post(`{"bots":["alpha","alpha"]}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, int64(2), countRows(t, db, &models.Match{}))
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/pflag"
	"gorm.io/gorm"

	"halite-tournament/config"
	"halite-tournament/database"
	"halite-tournament/handlers"
	"halite-tournament/logger"
	"halite-tournament/middleware"
	"halite-tournament/services"
	"halite-tournament/utils"
)

const usage = `usage: halite-tournament [serve] [--port PORT]
       halite-tournament runmatch [--bot NAME] [--players N]
       halite-tournament migrate`

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config:", err)
	}

	logger.Init(cfg.IsProduction(), cfg.LogLevel)
	defer logger.Sync()

	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "serve":
		err = serve(ctx, cfg, args)
	case "runmatch":
		err = runMatch(ctx, cfg, args)
	case "migrate":
		err = migrate(ctx, cfg)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Sync()
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config, args []string) error {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	port := fs.String("port", cfg.Port, "HTTP listen port")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	if err := database.Migrate(db); err != nil {
		return err
	}

	store, localDir, err := newArtifactStore(ctx, cfg)
	if err != nil {
		return err
	}

	matchService := services.NewMatchService(db, store, retryPolicy(cfg), cfg.ArchiveMaxBytes)
	botService := services.NewBotService(db)

	var runnerService *services.RunnerService
	if err := cfg.ValidateRunner(); err != nil {
		logger.Warn("[RUNNER] match dispatch disabled", "reason", err)
	} else {
		runnerService = newRunner(db, cfg)
	}

	app := fiber.New(fiber.Config{
		BodyLimit:    int(cfg.ArchiveMaxBytes),
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 2 * time.Minute,
	})
	app.Use(recover.New())
	app.Use(middleware.RequestLogger())

	auth := middleware.TokenAuth(cfg.UploadToken)
	handlers.SetupMatchRoutes(app, auth, matchService, runnerService)
	handlers.SetupBotRoutes(app, auth, botService)
	if localDir != "" {
		app.Static("/uploads", localDir)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(":" + *port)
	}()
	logger.Info("✅ Server running", "port", *port)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return app.ShutdownWithContext(shutdownCtx)
}

// runMatch dispatches one match, the way an external cron drives the ladder.
func runMatch(ctx context.Context, cfg *config.Config, args []string) error {
	fs := pflag.NewFlagSet("runmatch", pflag.ContinueOnError)
	seed := fs.String("bot", "", "seed bot name (default: picked by the seed strategies)")
	players := fs.IntP("players", "n", 0, "number of players, 2-6 (default: drawn)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := cfg.ValidateRunner(); err != nil {
		return err
	}

	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}

	match, err := newRunner(db, cfg).RunSeededMatch(ctx, *seed, *players)
	if err != nil {
		return err
	}
	fmt.Printf("Match ID: %s, Run ID: %d\n", match.UUID, match.RunID)
	return nil
}

func migrate(ctx context.Context, cfg *config.Config) error {
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	return database.Migrate(db)
}

func openDB(ctx context.Context, cfg *config.Config) (*gorm.DB, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL environment variable not set")
	}
	return database.Open(ctx, cfg.DatabaseURL, retryPolicy(cfg))
}

func retryPolicy(cfg *config.Config) database.RetryPolicy {
	policy := database.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.DBRetryAttempts
	policy.MinWait = cfg.DBRetryMinWait
	policy.MaxWait = cfg.DBRetryMaxWait
	return policy
}

func newRunner(db *gorm.DB, cfg *config.Config) *services.RunnerService {
	owner, repo, _ := cfg.MatchRepo()
	client := services.NewWorkflowClient(cfg.GitHubAPIURL, cfg.GitHubToken, owner, repo, cfg.MatchWorkflow, cfg.MatchRef)

	runner := services.NewRunnerService(db, client, services.NewMatchmakingService(db, cfg.Matchmaking))
	runner.PollInterval = cfg.RunPollInterval
	runner.PollMaxInterval = cfg.RunPollMaxWait
	runner.PollTimeout = cfg.RunPollTimeout
	runner.ClockSkew = cfg.RunClockSkew
	return runner
}

// newArtifactStore returns S3 storage when a bucket is configured and local
// disk otherwise; localDir is set only in the latter case.
func newArtifactStore(ctx context.Context, cfg *config.Config) (store services.ArtifactStore, localDir string, err error) {
	if cfg.S3Bucket != "" {
		s3Store, err := utils.NewS3Store(ctx, utils.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			PublicBaseURL:   cfg.CDNBaseURL,
		})
		if err != nil {
			return nil, "", fmt.Errorf("failed to initialize S3 client: %w", err)
		}
		return s3Store, "", nil
	}

	local, err := utils.NewLocalStore(cfg.UploadDir)
	if err != nil {
		return nil, "", err
	}
	logger.Warn("[STORAGE] S3_BUCKET not set, storing artifacts on local disk", "dir", cfg.UploadDir)
	return local, cfg.UploadDir, nil
}

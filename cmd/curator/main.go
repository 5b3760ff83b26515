package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"content-curator/internal/config"
	"content-curator/internal/database"
	"content-curator/internal/handlers"
	"content-curator/internal/middleware"
	"content-curator/internal/models"
	"content-curator/internal/policy"
	"content-curator/internal/ratelimit"
	"content-curator/internal/repository"
	"content-curator/internal/router"
	"content-curator/internal/services"
	"content-curator/internal/storage"
	"content-curator/internal/worker"
)

const usage = `usage: curator <command> [flags]

commands:
  run    [--platform youtube|bilibili] [--id <videoId|url>]
  sync   [--date YYYY-MM-DD]
  feed
  serve`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "run":
		err = runCmd(ctx, cfg, args)
	case "sync":
		err = syncCmd(ctx, cfg, args)
	case "feed":
		err = feedCmd(ctx, cfg)
	case "serve":
		err = serveCmd(ctx, cfg)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		log.Printf("✗ %s failed: %v", os.Args[1], err)
		os.Exit(1)
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func runCmd(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	platformFlag := fs.String("platform", "", "restrict the run to one platform")
	idFlag := fs.String("id", "", "process only this video id or URL")
	if err := fs.Parse(args); err != nil {
		return err
	}

	opts := worker.RunOptions{VideoID: worker.NormalizeVideoID(*idFlag)}
	if *platformFlag != "" {
		p, err := models.ParsePlatform(*platformFlag)
		if err != nil {
			return err
		}
		opts.Platform = p
	}

	log.Println("🚀 Starting content run...")

	inputs, err := defaultRunSetup.prepare(ctx, cfg)
	if err != nil {
		return err
	}
	defer inputs.closeLedger()

	// ──── Step 4: Initialize Gemini Client ────
	var rewriter *services.Rewriter
	if cfg.GeminiAPIKey != "" {
		gemini, err := services.NewGeminiService(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, ratelimit.New("gemini", cfg.GeminiRequestsPerMin))
		if err != nil {
			return fmt.Errorf("gemini client initialization failed: %w", err)
		}
		defer gemini.Close()
		rewriter = services.NewRewriter(gemini, cfg.PromptTemplatePath, cfg.MaxTranscriptChars)
		log.Println("✓ Gemini client initialized")
	} else {
		rewriter = services.NewRewriter(nil, cfg.PromptTemplatePath, cfg.MaxTranscriptChars)
		log.Println("✗ GEMINI_API_KEY not set, summaries will be empty")
	}

	// ──── Step 5: Storage and Table ────
	artifacts, err := buildStorage(ctx, cfg, time.Now())
	if err != nil {
		return err
	}
	reconciler := services.NewReconciler(newFeishu(cfg))

	pipeline := worker.NewPipeline(inputs.registry, inputs.extractors, inputs.ledger, rewriter, artifacts, reconciler)
	summary, err := pipeline.Run(ctx, opts)
	printSummary(summary)
	return err
}

// runSetup is the start-up sequence of `curator run`. Each step runs only
// when the previous one succeeded, and store credentials are checked first.
type runSetup struct {
	loadRegistry  func(path string) (*config.Registry, error)
	openLedger    func(ctx context.Context, cfg *config.Config) (repository.Ledger, func(), error)
	newExtractors func(ctx context.Context, cfg *config.Config) (services.Extractors, error)
}

var defaultRunSetup = runSetup{
	loadRegistry:  config.LoadRegistry,
	openLedger:    openLedger,
	newExtractors: buildExtractors,
}

type runInputs struct {
	registry    *config.Registry
	ledger      repository.Ledger
	closeLedger func()
	extractors  services.Extractors
}

func (s runSetup) prepare(ctx context.Context, cfg *config.Config) (*runInputs, error) {
	// ──── Step 1: Validate Credentials ────
	if err := cfg.StoreCredentials(); err != nil {
		return nil, policy.New(policy.FatalConfig, "config", err)
	}
	registry, err := s.loadRegistry(cfg.SourcesFile)
	if err != nil {
		return nil, policy.New(policy.FatalConfig, "config", err)
	}
	log.Printf("✓ Source registry loaded (%d sources)", registry.Count())

	// ──── Step 2: Open Ledger ────
	ledger, closeLedger, err := s.openLedger(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log.Printf("✓ Ledger ready (%s)", cfg.LedgerBackend)

	// ──── Step 3: Initialize Extractors ────
	extractors, err := s.newExtractors(ctx, cfg)
	if err != nil {
		closeLedger()
		return nil, err
	}

	return &runInputs{
		registry:    registry,
		ledger:      ledger,
		closeLedger: closeLedger,
		extractors:  extractors,
	}, nil
}

func syncCmd(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	dateFlag := fs.String("date", "", "only reconcile artifacts from this run date (YYYY-MM-DD)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dateFlag != "" {
		if _, err := time.Parse("2006-01-02", *dateFlag); err != nil {
			return fmt.Errorf("invalid --date %q: %w", *dateFlag, err)
		}
	}

	if err := cfg.StoreCredentials(); err != nil {
		return policy.New(policy.FatalConfig, "config", err)
	}

	artifacts, err := buildStorage(ctx, cfg, time.Now())
	if err != nil {
		return err
	}
	reconciler := services.NewReconciler(newFeishu(cfg))

	summary, err := worker.Sync(ctx, artifacts, reconciler, *dateFlag)
	printSummary(summary)
	return err
}

func feedCmd(ctx context.Context, cfg *config.Config) error {
	if err := cfg.StoreCredentials(); err != nil {
		return policy.New(policy.FatalConfig, "config", err)
	}

	builder := services.NewFeedBuilder(newFeishu(cfg), cfg.FeishuBaseURL)
	feed, err := builder.Build(ctx)
	if err != nil {
		return err
	}
	if err := services.WriteFeed(cfg.FeedPath, feed); err != nil {
		return err
	}
	log.Printf("✓ Feed written to %s (%d articles)", cfg.FeedPath, len(feed.Articles))
	return nil
}

func serveCmd(ctx context.Context, cfg *config.Config) error {
	if err := cfg.StoreCredentials(); err != nil {
		return policy.New(policy.FatalConfig, "config", err)
	}

	feedHandler := handlers.NewFeedHandler(services.NewFeedBuilder(newFeishu(cfg), cfg.FeishuBaseURL), cfg.FeedCacheTTL)
	limiter := middleware.NewRateLimiter(cfg.FeedRequestsPerMin, time.Minute)
	defer limiter.Close()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router.New(feedHandler, limiter),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		log.Println("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("✓ Feed server ready on http://localhost:%s", cfg.Port)
	log.Printf("  API: http://localhost:%s/api/v1/feed", cfg.Port)

	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func openLedger(ctx context.Context, cfg *config.Config) (repository.Ledger, func(), error) {
	if err := cfg.LedgerSettings(); err != nil {
		return nil, nil, policy.New(policy.FatalConfig, "config", err)
	}

	switch cfg.LedgerBackend {
	case "postgres":
		pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres connection failed: %w", err)
		}
		if err := database.RunMigrations(ctx, pool, cfg.MigrationsDir); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("database migration failed: %w", err)
		}
		log.Println("✓ PostgreSQL connected, migrations applied")
		return repository.NewPostgresLedger(pool), pool.Close, nil
	case "redis":
		client, err := database.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis connection failed: %w", err)
		}
		log.Println("✓ Redis connected")
		return repository.NewRedisLedger(client, repository.DefaultLedgerKey), func() { client.Close() }, nil
	default:
		ledger, err := repository.OpenFileLedger(cfg.LedgerPath)
		if err != nil {
			return nil, nil, err
		}
		return ledger, func() {}, nil
	}
}

func buildExtractors(ctx context.Context, cfg *config.Config) (services.Extractors, error) {
	var list []services.Extractor

	if cfg.YouTubeAPIKey != "" {
		yt, err := services.NewYouTubeService(ctx, services.YouTubeConfig{
			APIKey:     cfg.YouTubeAPIKey,
			MaxResults: cfg.YouTubeMaxResults,
			Timeout:    cfg.HTTPTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("youtube client initialization failed: %w", err)
		}
		list = append(list, yt)
		log.Println("✓ YouTube extractor initialized")
	} else {
		log.Println("✗ YOUTUBE_API_KEY not set, youtube disabled")
	}

	if cfg.BibiGPTAPIKey != "" {
		list = append(list, services.NewBilibiliService(services.BilibiliConfig{
			APIKey:      cfg.BibiGPTAPIKey,
			BibiBaseURL: cfg.BibiGPTBaseURL,
			BiliBaseURL: cfg.BilibiliAPIBaseURL,
			Timeout:     cfg.HTTPTimeout,
		}, ratelimit.New("bibigpt", cfg.BibiGPTCallsPerMinute), ratelimit.New("bilibili", cfg.BilibiliCallsPerMin)))
		log.Println("✓ Bilibili extractor initialized")
	} else {
		log.Println("✗ BIBIGPT_API_KEY not set, bilibili disabled")
	}

	return services.NewExtractors(list...), nil
}

func buildStorage(ctx context.Context, cfg *config.Config, runDate time.Time) (*storage.Manager, error) {
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	if cfg.ArtifactBucket == "" {
		return storage.NewManager(cfg.OutputDir, runDate, httpClient, nil), nil
	}

	mirror, err := storage.NewS3Mirror(ctx, storage.S3Config{
		Bucket: cfg.ArtifactBucket,
		Region: cfg.AWSRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("artifact mirror initialization failed: %w", err)
	}
	log.Printf("✓ Artifacts mirrored to s3://%s", cfg.ArtifactBucket)
	return storage.NewManager(cfg.OutputDir, runDate, httpClient, mirror), nil
}

func newFeishu(cfg *config.Config) *services.FeishuService {
	return services.NewFeishuService(services.FeishuConfig{
		AppID:     cfg.FeishuAppID,
		AppSecret: cfg.FeishuAppSecret,
		BaseID:    cfg.FeishuBaseID,
		TableID:   cfg.FeishuTableID,
		BaseURL:   cfg.FeishuBaseURL,
		Timeout:   cfg.HTTPTimeout,
	}, ratelimit.New("feishu", cfg.FeishuRequestsPerMin))
}

func printSummary(s *models.RunSummary) {
	if s == nil {
		return
	}
	disabled := "none"
	if len(s.Disabled) > 0 {
		disabled = strings.Join(s.Disabled, ", ")
	}
	log.Printf("✓ Run %s: %d total, %d succeeded, %d skipped, %d failed (disabled: %s)",
		s.RunID, s.Total, s.Succeeded, s.Skipped, s.Failed, disabled)
}

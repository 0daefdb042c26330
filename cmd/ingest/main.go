package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"news_ingest/internal/classifier"
	"news_ingest/internal/config"
	"news_ingest/internal/dedup"
	"news_ingest/internal/fetcher"
	"news_ingest/internal/ingest"
	"news_ingest/internal/lock"
	"news_ingest/internal/model"
	"news_ingest/internal/notify"
	"news_ingest/internal/scheduler"
	"news_ingest/internal/storage"
)

func main() {
	cronMode := flag.Bool("cron", false, "run on the configured schedule until interrupted")
	onceMode := flag.Bool("once", false, "run one pass immediately; without -cron this is the default and the process exits")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Database.Driver == storage.DriverSQLite {
		if dir := filepath.Dir(cfg.Database.DSN); dir != "." && !strings.HasPrefix(cfg.Database.DSN, ":memory:") {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				log.Error("create data directory", "path", dir, "error", err)
				os.Exit(1)
			}
		}
	}

	store, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Error("open database", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	err = store.Ping(pingCtx)
	cancelPing()
	if err != nil {
		log.Error("ping database", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}

	loader, err := newModelLoader(ctx, cfg, log)
	if err != nil {
		log.Error("create model loader", "error", err)
		os.Exit(1)
	}

	locker, closeLocker, err := newLocker(ctx, cfg, log)
	if err != nil {
		log.Error("create run lock", "error", err)
		os.Exit(1)
	}
	defer closeLocker()

	notifier, closeNotifier, err := newNotifier(cfg, log)
	if err != nil {
		log.Error("create notifiers", "error", err)
		os.Exit(1)
	}
	defer closeNotifier()

	f := fetcher.New(&http.Client{})
	f.SetTimeout(cfg.Ingest.FetchTimeout)

	fields, _ := dedup.ParseFields(cfg.Ingest.DedupFields) // checked by config.Validate
	orch, err := ingest.New(ingest.Options{
		Sources:          cfg.ModelSources(),
		ImpactFloor:      model.ImpactLevel(cfg.Ingest.ImpactFloor),
		Threshold:        cfg.Ingest.SimilarityThreshold,
		Fields:           fields,
		Retention:        time.Duration(cfg.Ingest.RetentionDays) * 24 * time.Hour,
		Location:         cfg.Ingest.Location(),
		MediaSegments:    cfg.Ingest.MediaSegments,
		FetchConcurrency: cfg.Ingest.FetchConcurrency,
		LockTTL:          cfg.Ingest.LockTTL,
	}, ingest.Deps{
		Store:    store,
		Models:   loader,
		Fetcher:  f,
		Locker:   locker,
		Notifier: notifier,
		Log:      log,
	})
	if err != nil {
		log.Error("create orchestrator", "error", err)
		os.Exit(1)
	}

	var last model.RunResult
	sched, err := scheduler.New(cfg.Schedule, cfg.Ingest.Location(), func(ctx context.Context) {
		last = orch.Run(ctx)
		log.Info("run complete", "run_id", last.RunID, "status", last.StatusCode(), "message", last.Message)
	}, log)
	if err != nil {
		log.Error("create scheduler", "error", err)
		os.Exit(1)
	}

	if *onceMode || !*cronMode {
		sched.Once(ctx)
		if !*cronMode {
			fmt.Println(last.StatusCode(), last.Message)
			if last.Status != model.RunSucceeded {
				os.Exit(1)
			}
			return
		}
	}
	sched.Run(ctx)
}

func newModelLoader(ctx context.Context, cfg *config.Config, log *slog.Logger) (*classifier.Loader, error) {
	var blobs classifier.BlobStore
	if cfg.Model.Bucket != "" {
		s3, err := classifier.NewS3(ctx, classifier.S3Config{
			Region:       cfg.Model.Region,
			Profile:      cfg.Model.Profile,
			Endpoint:     cfg.Model.Endpoint,
			UsePathStyle: cfg.Model.UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("create s3 client: %w", err)
		}
		blobs = s3
	}
	return classifier.NewLoader(blobs, cfg.Model.Bucket, cfg.Model.Key, cfg.Model.CachePath, log), nil
}

func newLocker(ctx context.Context, cfg *config.Config, log *slog.Logger) (lock.Locker, func(), error) {
	if cfg.Redis.Addr == "" {
		return lock.Noop{}, func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
	}
	return lock.NewRedis(client, "news_ingest:", log), func() { _ = client.Close() }, nil
}

func newNotifier(cfg *config.Config, log *slog.Logger) (notify.Notifier, func(), error) {
	var (
		ns      []notify.Notifier
		closers []func()
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.Telegram.BotToken != "" {
		tg, err := notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, log)
		if err != nil {
			return nil, nil, err
		}
		ns = append(ns, tg)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		k, err := notify.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		ns = append(ns, k)
		closers = append(closers, func() { _ = k.Close() })
	}

	if len(ns) == 0 {
		return nil, closeAll, nil
	}
	return notify.NewMulti(ns...), closeAll, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

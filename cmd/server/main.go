package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"log/slog"

	"github.com/darshi/darshi-backend/internal/api"
	"github.com/darshi/darshi-backend/internal/backfill"
	"github.com/darshi/darshi-backend/internal/config"
	"github.com/darshi/darshi-backend/internal/database"
	"github.com/darshi/darshi-backend/internal/duplicate"
	"github.com/darshi/darshi-backend/internal/forwarding"
	"github.com/darshi/darshi-backend/internal/geo"
	"github.com/darshi/darshi-backend/internal/logging"
	"github.com/darshi/darshi-backend/internal/metrics"
	"github.com/darshi/darshi-backend/internal/notify"
	"github.com/darshi/darshi-backend/internal/pipeline"
	"github.com/darshi/darshi-backend/internal/ratelimit"
	"github.com/darshi/darshi-backend/internal/server"
	"github.com/darshi/darshi-backend/internal/vision"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to init logger", "error", err)
		os.Exit(1)
	}

	logger.Info("starting darshi backend")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	logger.Info("connecting to database")
	dbConfig := database.DefaultConfig()
	dbConfig.URL = cfg.Database.URL
	db, err := database.Connect(ctx, dbConfig)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := database.EnsureSchema(ctx, db); err != nil {
		logger.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}
	logger.Info("database ready")

	reportRepo := database.NewReportRepository(db)

	collector, err := metrics.NewCollector()
	if err != nil {
		logger.Error("failed to init metrics", "error", err)
		os.Exit(1)
	}

	dupIndex := duplicate.NewIndex(reportRepo, cfg.Pipeline.DuplicateThreshold, logger)

	// Classifier: real vision model when an API key is configured, mock
	// verdicts otherwise so local development works end to end.
	var classifier vision.Classifier
	visionConfig := vision.DefaultConfig()
	visionConfig.APIKey = cfg.Classifier.APIKey
	visionConfig.BaseURL = cfg.Classifier.BaseURL
	visionConfig.Model = cfg.Classifier.Model
	openaiClassifier, err := vision.NewOpenAIClassifier(visionConfig, logger)
	if err != nil {
		logger.Warn("classifier not configured, using mock verdicts", "error", err)
		classifier = vision.NewMockClassifier()
	} else {
		logger.Info("vision classifier configured", "model", visionConfig.Model)
		classifier = openaiClassifier
	}

	geocoder := geo.NewNominatimGeocoder(cfg.Geo.GeocodeBaseURL, 10*time.Second, 10*time.Minute, logger)
	places := geo.NewPlacesClient(cfg.Geo.PlacesBaseURL, 10*time.Second, logger)

	forwarder := forwarding.New(forwarding.Config{
		Endpoint:       cfg.Forwarding.Endpoint,
		CallbackSecret: cfg.Forwarding.CallbackSecret,
		Areas:          cfg.Forwarding.Areas,
	}, logger)
	if forwarder.Enabled() {
		logger.Info("municipal forwarding enabled", "areas", len(cfg.Forwarding.Areas))
	} else {
		logger.Info("municipal forwarding disabled")
	}

	var notifier pipeline.Notifier
	if endpoint := os.Getenv("NOTIFY_WEBHOOK_URL"); endpoint != "" {
		notifier = notify.NewWebhookNotifier(endpoint, 10*time.Second, logger)
	} else {
		notifier = notify.NewLogNotifier(logger)
	}

	// Image fetcher: HTTP always, object storage when configured.
	var objectFetcher pipeline.ImageFetcher
	if cfg.Storage.Endpoint != "" {
		minioClient, merr := minio.New(cfg.Storage.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.Storage.AccessKey, cfg.Storage.SecretKey, ""),
			Secure: cfg.Storage.UseSSL,
		})
		if merr != nil {
			logger.Error("failed to init object storage client", "error", merr)
			os.Exit(1)
		}
		objectFetcher = pipeline.NewObjectFetcher(minioClient)
		logger.Info("object storage fetcher enabled", "endpoint", cfg.Storage.Endpoint)
	}
	fetcher := pipeline.NewFetcher(pipeline.NewHTTPFetcher(cfg.Pipeline.FetchTimeout), objectFetcher)

	breaker := pipeline.NewBreaker(cfg.Classifier.BreakerThreshold, cfg.Classifier.BreakerCooldown)
	retryPolicy := pipeline.DefaultRetryPolicy()

	forwardingStage := pipeline.NewForwardingStage(reportRepo, forwarder, collector, logger)
	classificationStage := pipeline.NewClassificationStage(
		reportRepo, fetcher, classifier, forwardingStage, notifier,
		breaker, retryPolicy, collector, logger,
	)
	geocodeStage := pipeline.NewGeocodeStage(reportRepo, geocoder, collector, logger)
	landmarkStage := pipeline.NewLandmarkStage(reportRepo, places, cfg.Geo.LandmarkRadiusM, cfg.Geo.LandmarkLimit, collector, logger)

	orchestrator := pipeline.NewOrchestrator(classificationStage, geocodeStage, landmarkStage, cfg.Pipeline.StageTimeout, logger)

	logger.Info("starting backfill sweeper")
	sweeper := backfill.NewSweeper(reportRepo, orchestrator, backfill.Config{
		Interval: cfg.Backfill.Interval,
		MaxAge:   cfg.Backfill.MaxAge,
		Batch:    cfg.Backfill.Batch,
	}, logger)
	go sweeper.Run(ctx)

	// Rate limiter: shared Redis counters when available, process-local
	// otherwise.
	var limiter ratelimit.Limiter
	rateCfg := ratelimit.Config{Requests: cfg.RateLimit.Requests, Window: cfg.RateLimit.Window}
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		limiter = ratelimit.NewRedisLimiter(redisClient, rateCfg, logger)
		logger.Info("redis rate limiter enabled", "addr", cfg.Redis.Addr)
	} else {
		limiter = ratelimit.NewLocalLimiter(rateCfg)
		logger.Info("local rate limiter enabled")
	}

	mux := http.NewServeMux()
	api.SetupRoutes(mux, reportRepo, dupIndex, orchestrator, forwarder, limiter, db, collector, logger)

	srv := server.New(cfg.Server, logger, collector.InstrumentHandler(mux))

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("darshi backend started", "port", cfg.Server.Port)

	waitForSignal(logger)

	logger.Info("shutting down")
	stop()
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	orchestrator.Drain()
	logger.Info("shutdown complete")
}

func waitForSignal(logger *slog.Logger) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	sig := <-c
	logger.Info("received signal", "signal", sig.String())
	signal.Stop(c)
	close(c)
}

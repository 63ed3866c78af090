package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentworkforce/deskmigrate/internal/httpapi"
	"github.com/agentworkforce/deskmigrate/internal/migrate"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("loading .env failed: %v", err)
	}

	addr := os.Getenv("DESKMIGRATE_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	logger := log.New(os.Stderr, "deskmigrate ", log.LstdFlags|log.LUTC)

	profile := strings.TrimSpace(os.Getenv("DESKMIGRATE_BACKEND_PROFILE"))
	store, err := migrate.NewStagingStoreFromProfile(profile)
	if err != nil {
		log.Fatalf("failed to initialize staging store: %v", err)
	}
	defer store.Close()
	mapper, err := migrate.NewIdentifierMapperFromProfile(profile)
	if err != nil {
		log.Fatalf("failed to initialize identifier mapper: %v", err)
	}
	defer mapper.Close()
	queue, err := migrate.NewTaskQueueFromProfile(profile, intEnv("DESKMIGRATE_QUEUE_CAPACITY", 0))
	if err != nil {
		log.Fatalf("failed to initialize task queue: %v", err)
	}
	defer queue.Close()

	sourceLimiter := migrate.NewRateLimiter(migrate.RateLimiterOptions{
		Target:         "source",
		Strategy:       migrate.StrategyCounter,
		RequestCeiling: intEnv("DESKMIGRATE_SOURCE_RATE_CEILING", 0),
		Logger:         logger,
	})
	destLimiter := migrate.NewRateLimiter(migrate.RateLimiterOptions{
		Target:       "destination",
		Strategy:     migrate.StrategyHeaderFeedback,
		LowWaterMark: intEnv("DESKMIGRATE_DEST_RATE_LOW_WATER", 0),
		Logger:       logger,
	})

	sourceClient := migrate.NewHelpDeskClient(migrate.HelpDeskClientOptions{
		Target:     "source",
		BaseURL:    requireEnv("DESKMIGRATE_SOURCE_BASE_URL"),
		APIKey:     os.Getenv("DESKMIGRATE_SOURCE_API_KEY"),
		UserAgent:  userAgent(),
		MaxRetries: intEnv("DESKMIGRATE_HTTP_MAX_RETRIES", 0),
		Limiter:    sourceLimiter,
		Logger:     logger,
	})
	destClient := migrate.NewHelpDeskClient(migrate.HelpDeskClientOptions{
		Target:     "destination",
		BaseURL:    requireEnv("DESKMIGRATE_DEST_BASE_URL"),
		APIKey:     os.Getenv("DESKMIGRATE_DEST_API_KEY"),
		UserAgent:  userAgent(),
		MaxRetries: intEnv("DESKMIGRATE_HTTP_MAX_RETRIES", 0),
		Limiter:    destLimiter,
		Logger:     logger,
	})

	validator, err := migrate.NewPayloadValidator()
	if err != nil {
		log.Fatalf("failed to compile payload schemas: %v", err)
	}
	transformer, err := migrate.NewTransformer(migrate.TransformerOptions{
		Store:     store,
		Mapper:    mapper,
		Validator: validator,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("failed to build transformer: %v", err)
	}
	extractor, err := migrate.NewExtractor(migrate.ExtractorOptions{
		Store:  store,
		Client: sourceClient,
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("failed to build extractor: %v", err)
	}
	uploader, err := migrate.NewUploadWorker(migrate.UploadWorkerOptions{
		Store:         store,
		Mapper:        mapper,
		Transformer:   transformer,
		Validator:     validator,
		Client:        destClient,
		Logger:        logger,
		MaxAttempts:   intEnv("DESKMIGRATE_UPLOAD_MAX_ATTEMPTS", 0),
		RetryDelay:    durationEnv("DESKMIGRATE_UPLOAD_RETRY_DELAY", 0),
		MaxTextLength: intEnv("DESKMIGRATE_MAX_TEXT_LENGTH", 0),
	})
	if err != nil {
		log.Fatalf("failed to build upload worker: %v", err)
	}
	merger, err := migrate.NewConversationMerger(migrate.ConversationMergerOptions{
		Store:    store,
		Mapper:   mapper,
		Uploader: uploader,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("failed to build conversation merger: %v", err)
	}
	pipeline, err := migrate.NewPipeline(migrate.PipelineOptions{
		Store:             store,
		Mapper:            mapper,
		Queue:             queue,
		Extractor:         extractor,
		Uploader:          uploader,
		Merger:            merger,
		DestinationClient: destClient,
		Progress:          migrate.NewProgressBroker(),
		Logger:            logger,
		UploadWorkers:     intEnv("DESKMIGRATE_UPLOAD_WORKERS", 0),
	})
	if err != nil {
		log.Fatalf("failed to build pipeline: %v", err)
	}

	if overridesPath := strings.TrimSpace(os.Getenv("DESKMIGRATE_MAPPING_OVERRIDES")); overridesPath != "" {
		applied, err := migrate.ApplyMappingOverrides(context.Background(), overridesPath, mapper)
		if err != nil {
			log.Fatalf("failed to apply mapping overrides: %v", err)
		}
		logger.Printf("applied %d mapping overrides from %s", applied, overridesPath)
		watcher, err := migrate.NewOverrideWatcher(migrate.OverrideWatcherOptions{
			Path:   overridesPath,
			Mapper: mapper,
			Logger: logger,
		})
		if err != nil {
			log.Fatalf("failed to watch mapping overrides: %v", err)
		}
		watcher.Start(context.Background())
		defer watcher.Close()
	}

	server := httpapi.NewServerWithConfig(pipeline, httpapi.ServerConfig{
		JWTSecret:       os.Getenv("DESKMIGRATE_JWT_SECRET"),
		RateLimitMax:    intEnv("DESKMIGRATE_TRIGGER_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("DESKMIGRATE_TRIGGER_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("DESKMIGRATE_MAX_BODY_BYTES", 0),
	})

	log.Printf("deskmigrate listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func userAgent() string {
	if ua := strings.TrimSpace(os.Getenv("DESKMIGRATE_USER_AGENT")); ua != "" {
		return ua
	}
	return "deskmigrate/1.0"
}

func requireEnv(name string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		log.Fatalf("missing required environment variable %s", name)
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

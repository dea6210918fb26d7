// Command server starts the VodForge HTTP service: upload intake, HLS
// transcoding, artifact publishing, and range-aware streaming.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"vodforge/internal/api"
	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/pipeline"
	"vodforge/internal/server"
	"vodforge/internal/transcode"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log output format (json or text)")

	scratchDir := flag.String("scratch-dir", "", "directory for upload bodies and transcode output")
	keyPrefix := flag.String("key-prefix", "", "object key prefix for published artifacts")
	maxUploadBytes := flag.Int64("max-upload-bytes", 0, "maximum accepted upload body size in bytes")
	publishConcurrency := flag.Int("publish-concurrency", 0, "parallel artifact uploads per pipeline run")

	engineBinary := flag.String("transcode-binary", "", "transcoding engine executable")
	segmentSeconds := flag.Int("transcode-segment-seconds", 0, "HLS segment target duration in seconds")
	transcodeTimeout := flag.Duration("transcode-timeout", 0, "watchdog timeout for one engine run")

	workers := flag.Int("recovery-workers", 0, "workers re-driving interrupted runs")
	queueSize := flag.Int("recovery-queue-size", 0, "backlog of queued recovery runs")

	blobDriver := flag.String("blob-driver", "", "blob store driver (minio or memory)")
	minioEndpoint := flag.String("minio-endpoint", "", "MinIO/S3 endpoint host:port")
	minioAccessKey := flag.String("minio-access-key", "", "MinIO/S3 access key")
	minioSecretKey := flag.String("minio-secret-key", "", "MinIO/S3 secret key")
	minioBucket := flag.String("minio-bucket", "", "bucket for published artifacts")
	minioRegion := flag.String("minio-region", "", "bucket region")
	minioUseSSL := flag.Bool("minio-use-ssl", false, "enable TLS for object storage requests")

	assetDriver := flag.String("asset-driver", "", "asset repository driver (memory or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string for asset records")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")

	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	uploadLimit := flag.Int("rate-upload-limit", 0, "maximum uploads per window for a single IP")
	uploadWindow := flag.Duration("rate-upload-window", 0, "window for counting upload attempts")
	redisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed upload throttling")
	redisPassword := flag.String("rate-redis-password", "", "Redis password for distributed upload throttling")
	redisDB := flag.Int("rate-redis-db", 0, "Redis database for distributed upload throttling")
	redisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis operations")

	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "graceful shutdown deadline")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("VODFORGE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("VODFORGE_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	blob, err := openBlobStore(ctx, blobStoreSettings{
		Driver:    firstNonEmpty(*blobDriver, os.Getenv("VODFORGE_BLOB_DRIVER")),
		Endpoint:  firstNonEmpty(*minioEndpoint, os.Getenv("VODFORGE_MINIO_ENDPOINT")),
		AccessKey: firstNonEmpty(*minioAccessKey, os.Getenv("VODFORGE_MINIO_ACCESS_KEY")),
		SecretKey: firstNonEmpty(*minioSecretKey, os.Getenv("VODFORGE_MINIO_SECRET_KEY")),
		Bucket:    firstNonEmpty(*minioBucket, os.Getenv("VODFORGE_MINIO_BUCKET")),
		Region:    firstNonEmpty(*minioRegion, os.Getenv("VODFORGE_MINIO_REGION")),
		UseSSL:    resolveBool(*minioUseSSL, "VODFORGE_MINIO_USE_SSL"),
	}, logger)
	if err != nil {
		logger.Error("failed to open blob store", "error", err)
		os.Exit(1)
	}

	assets, err := openAssetRepository(ctx, assetRepositorySettings{
		Driver:          firstNonEmpty(*assetDriver, os.Getenv("VODFORGE_ASSET_DRIVER")),
		DSN:             firstNonEmpty(*postgresDSN, os.Getenv("VODFORGE_POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		MaxConnections:  resolveInt(*postgresMaxConns, "VODFORGE_POSTGRES_MAX_CONNS"),
		MinConnections:  resolveInt(*postgresMinConns, "VODFORGE_POSTGRES_MIN_CONNS"),
		MaxConnLifetime: resolveDuration(*postgresMaxConnLifetime, "VODFORGE_POSTGRES_MAX_CONN_LIFETIME", 0),
		MaxConnIdleTime: resolveDuration(*postgresMaxConnIdle, "VODFORGE_POSTGRES_MAX_CONN_IDLE", 0),
		ApplicationName: firstNonEmpty(*postgresAppName, os.Getenv("VODFORGE_POSTGRES_APP_NAME")),
	}, logger)
	if err != nil {
		logger.Error("failed to open asset repository", "error", err)
		os.Exit(1)
	}

	engine := transcode.NewRunner(transcode.Config{
		Binary:         firstNonEmpty(*engineBinary, os.Getenv("VODFORGE_TRANSCODE_BINARY")),
		SegmentSeconds: resolveInt(*segmentSeconds, "VODFORGE_TRANSCODE_SEGMENT_SECONDS"),
		Timeout:        resolveDuration(*transcodeTimeout, "VODFORGE_TRANSCODE_TIMEOUT", 30*time.Minute),
		Logger:         logging.WithComponent(logger, "transcode"),
	})

	pipe, err := pipeline.New(pipeline.Config{
		Blob:               blob,
		Assets:             assets,
		Engine:             engine,
		ScratchDir:         firstNonEmpty(*scratchDir, os.Getenv("VODFORGE_SCRATCH_DIR")),
		KeyPrefix:          firstNonEmpty(*keyPrefix, os.Getenv("VODFORGE_KEY_PREFIX")),
		PublishConcurrency: resolveInt(*publishConcurrency, "VODFORGE_PUBLISH_CONCURRENCY"),
		Logger:             logging.WithComponent(logger, "pipeline"),
		Metrics:            recorder,
	})
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}

	processor := pipeline.NewProcessor(pipeline.ProcessorConfig{
		Pipeline:  pipe,
		Assets:    assets,
		Workers:   resolveInt(*workers, "VODFORGE_RECOVERY_WORKERS"),
		QueueSize: resolveInt(*queueSize, "VODFORGE_RECOVERY_QUEUE_SIZE"),
		Logger:    logging.WithComponent(logger, "recovery"),
	})
	processor.Start()

	handler := api.NewHandler(pipe, assets, blob)
	handler.KeyPrefix = firstNonEmpty(*keyPrefix, os.Getenv("VODFORGE_KEY_PREFIX"))
	handler.MaxUploadBytes = resolveInt64(*maxUploadBytes, "VODFORGE_MAX_UPLOAD_BYTES")
	handler.Logger = logging.WithComponent(logger, "api")
	handler.Metrics = recorder

	listenAddr := firstNonEmpty(*addr, os.Getenv("VODFORGE_ADDR"))
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("VODFORGE_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("VODFORGE_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "VODFORGE_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "VODFORGE_RATE_GLOBAL_BURST"),
			UploadLimit:   resolveInt(*uploadLimit, "VODFORGE_RATE_UPLOAD_LIMIT"),
			UploadWindow:  resolveDuration(*uploadWindow, "VODFORGE_RATE_UPLOAD_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*redisAddr, os.Getenv("VODFORGE_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*redisPassword, os.Getenv("VODFORGE_RATE_REDIS_PASSWORD")),
			RedisDB:       resolveInt(*redisDB, "VODFORGE_RATE_REDIS_DB"),
			RedisTimeout:  resolveDuration(*redisTimeout, "VODFORGE_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		ShutdownTimeout: resolveDuration(*shutdownTimeout, "VODFORGE_SHUTDOWN_TIMEOUT", server.DefaultShutdownTimeout),
		Logger:          logger,
		Metrics:         recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	logger.Info("VodForge listening", "addr", listenAddr)
	logger.Info("metrics endpoint available", "path", "/metrics")
	runErr := srv.Run(ctx)
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := processor.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to stop recovery processor", "error", err)
	}
	if err := assets.Close(shutdownCtx); err != nil {
		logger.Warn("failed to close asset repository", "error", err)
	}

	if runErr != nil {
		logger.Error("server error", "error", runErr)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt64(flagValue int64, envKey string) int64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseInt(strings.TrimSpace(env), 10, 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}

// Command server starts the coursecast HTTP API and, unless disabled, the
// in-process transcode workers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"coursecast/internal/api"
	"coursecast/internal/auth"
	"coursecast/internal/blob"
	"coursecast/internal/media"
	"coursecast/internal/observability/logging"
	"coursecast/internal/observability/metrics"
	"coursecast/internal/queue"
	"coursecast/internal/server"
	"coursecast/internal/storage"
)

const (
	envPrefix = "COURSECAST_"

	defaultDataPath        = "data/store.json"
	defaultMediaDir        = "data/media"
	defaultSessionTTL      = 7 * 24 * time.Hour
	defaultPurgeInterval   = 15 * time.Minute
	defaultShutdownTimeout = 10 * time.Second
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "coursecast-server:", err)
		os.Exit(1)
	}
}

func run(baseCtx context.Context, args []string) error {
	fs := flag.NewFlagSet("coursecast-server", flag.ContinueOnError)

	addrFlag := fs.String("addr", "", "listen address (host:port)")
	modeFlag := fs.String("mode", "", "runtime mode: dev or prod")
	logLevelFlag := fs.String("log-level", "", "log level: debug, info, warn, error")
	logFormatFlag := fs.String("log-format", "", "log format: json or text")

	storageDriverFlag := fs.String("storage-driver", "", "storage driver: json or postgres")
	dataPathFlag := fs.String("data", "", "path of the JSON datastore file")
	postgresDSNFlag := fs.String("postgres-dsn", "", "postgres connection string")
	pgMaxConnsFlag := fs.Int("pg-max-conns", 0, "postgres pool max connections")
	pgMinConnsFlag := fs.Int("pg-min-conns", 0, "postgres pool min connections")
	pgAcquireTimeoutFlag := fs.Duration("pg-acquire-timeout", 0, "postgres pool acquire timeout")
	pgConnLifetimeFlag := fs.Duration("pg-conn-lifetime", 0, "postgres connection max lifetime")
	pgConnIdleFlag := fs.Duration("pg-conn-idle", 0, "postgres connection max idle time")
	pgHealthIntervalFlag := fs.Duration("pg-health-interval", 0, "postgres pool health check interval")
	pgQueryTimeoutFlag := fs.Duration("pg-query-timeout", 0, "postgres per-query timeout")

	sessionStoreFlag := fs.String("session-store", "", "session store: memory or postgres")
	sessionTTLFlag := fs.Duration("session-ttl", 0, "absolute session lifetime")
	sessionIdleFlag := fs.Duration("session-idle", 0, "session idle timeout (0 disables)")
	purgeIntervalFlag := fs.Duration("session-purge-interval", 0, "expired session sweep interval")

	blobDriverFlag := fs.String("blob-driver", "", "blob driver: local or s3")
	mediaDirFlag := fs.String("media-dir", "", "root directory of the local blob store")
	s3EndpointFlag := fs.String("s3-endpoint", "", "S3 endpoint host or URL")
	s3RegionFlag := fs.String("s3-region", "", "S3 signing region")
	s3BucketFlag := fs.String("s3-bucket", "", "S3 bucket name")
	s3PrefixFlag := fs.String("s3-prefix", "", "key prefix inside the bucket")
	s3SSLFlag := fs.String("s3-ssl", "", "use https for the S3 endpoint (true/false)")

	queueDriverFlag := fs.String("queue-driver", "", "job queue driver: memory or redis")
	queueRedisAddrFlag := fs.String("queue-redis-addr", "", "redis address for the job queue")
	queueGroupFlag := fs.String("queue-group", "", "redis consumer group name")
	queueStreamPrefixFlag := fs.String("queue-stream-prefix", "", "redis stream key prefix")
	workersFlag := fs.String("workers", "", "run transcode workers in this process (true/false)")
	workerConcurrencyFlag := fs.Int("worker-concurrency", 0, "transcode worker goroutines")
	workerRateFlag := fs.Float64("worker-rate", 0, "max transcode job starts per second (0 disables)")
	workerBurstFlag := fs.Int("worker-burst", 0, "burst allowance above worker-rate")
	jobAttemptsFlag := fs.Int("job-attempts", 0, "max attempts per transcode job")
	jobBackoffFlag := fs.Duration("job-backoff", 0, "base delay of the retry backoff")

	ffmpegFlag := fs.String("ffmpeg", "", "path of the ffmpeg binary")
	ffprobeFlag := fs.String("ffprobe", "", "path of the ffprobe binary")
	workDirFlag := fs.String("work-dir", "", "scratch directory for transcodes")
	thumbnailsFlag := fs.Int("thumbnails", 0, "thumbnail captures per video")
	deleteOriginalFlag := fs.String("delete-original", "", "delete the uploaded source once processing completes (true/false)")

	maxUploadFlag := fs.Int64("max-upload-bytes", 0, "upload size cap in bytes")
	tlsCertFlag := fs.String("tls-cert", "", "TLS certificate file")
	tlsKeyFlag := fs.String("tls-key", "", "TLS key file")

	globalRPSFlag := fs.Float64("rate-global-rps", 0, "global request rate limit (0 disables)")
	globalBurstFlag := fs.Int("rate-global-burst", 0, "global rate limit burst")
	loginLimitFlag := fs.Int("login-limit", 0, "login attempts per client per window (0 disables)")
	loginWindowFlag := fs.Duration("login-window", 0, "login rate limit window")
	loginRedisAddrFlag := fs.String("login-redis-addr", "", "redis address for shared login throttling")

	corsOriginsFlag := fs.String("cors-origins", "", "comma separated list of allowed origins")

	if err := fs.Parse(args); err != nil {
		return err
	}

	mode, err := resolveMode(*modeFlag)
	if err != nil {
		return err
	}

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevelFlag, envValue("LOG_LEVEL")),
		Format: firstNonEmpty(*logFormatFlag, envValue("LOG_FORMAT")),
	})

	ctx, stop := signal.NotifyContext(baseCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	storageDriver, err := resolveStorageDriver(firstNonEmpty(*storageDriverFlag, envValue("STORAGE_DRIVER")), mode)
	if err != nil {
		return err
	}
	repo, err := openRepository(repositoryConfig{
		Driver:          storageDriver,
		DataPath:        firstNonEmpty(*dataPathFlag, envValue("DATA_PATH"), defaultDataPath),
		DSN:             resolvePostgresDSN(*postgresDSNFlag),
		MaxConns:        resolveInt(*pgMaxConnsFlag, envValue("PG_MAX_CONNS")),
		MinConns:        resolveInt(*pgMinConnsFlag, envValue("PG_MIN_CONNS")),
		AcquireTimeout:  resolveDuration(*pgAcquireTimeoutFlag, envValue("PG_ACQUIRE_TIMEOUT")),
		ConnMaxLifetime: resolveDuration(*pgConnLifetimeFlag, envValue("PG_CONN_LIFETIME")),
		ConnMaxIdleTime: resolveDuration(*pgConnIdleFlag, envValue("PG_CONN_IDLE")),
		HealthInterval:  resolveDuration(*pgHealthIntervalFlag, envValue("PG_HEALTH_INTERVAL")),
		QueryTimeout:    resolveDuration(*pgQueryTimeoutFlag, envValue("PG_QUERY_TIMEOUT")),
	})
	if err != nil {
		return err
	}
	defer closeWithTimeout(repo.Close, logger, "close datastore")

	sessions, closeSessions, err := buildSessionManager(ctx, sessionConfig{
		Store:       firstNonEmpty(*sessionStoreFlag, envValue("SESSION_STORE"), "memory"),
		DSN:         resolvePostgresDSN(*postgresDSNFlag),
		TTL:         durationOrDefault(resolveDuration(*sessionTTLFlag, envValue("SESSION_TTL")), defaultSessionTTL),
		IdleTimeout: resolveDuration(*sessionIdleFlag, envValue("SESSION_IDLE")),
	})
	if err != nil {
		return err
	}
	defer closeSessions()

	blobs, err := openBlobStore(blobConfig{
		Driver:    firstNonEmpty(*blobDriverFlag, envValue("BLOB_DRIVER"), "local"),
		MediaDir:  firstNonEmpty(*mediaDirFlag, envValue("MEDIA_DIR"), defaultMediaDir),
		Endpoint:  firstNonEmpty(*s3EndpointFlag, envValue("S3_ENDPOINT")),
		Region:    firstNonEmpty(*s3RegionFlag, envValue("S3_REGION")),
		Bucket:    firstNonEmpty(*s3BucketFlag, envValue("S3_BUCKET")),
		Prefix:    firstNonEmpty(*s3PrefixFlag, envValue("S3_PREFIX")),
		AccessKey: envValue("S3_ACCESS_KEY"),
		SecretKey: envValue("S3_SECRET_KEY"),
		UseSSL:    resolveBool(*s3SSLFlag, envValue("S3_SSL"), true),
	})
	if err != nil {
		return err
	}

	queueDriver := strings.ToLower(firstNonEmpty(*queueDriverFlag, envValue("QUEUE_DRIVER"), "memory"))
	transport, err := openTransport(transportConfig{
		Driver:       queueDriver,
		RedisAddr:    firstNonEmpty(*queueRedisAddrFlag, envValue("QUEUE_REDIS_ADDR")),
		Password:     envValue("QUEUE_REDIS_PASSWORD"),
		Group:        firstNonEmpty(*queueGroupFlag, envValue("QUEUE_GROUP")),
		StreamPrefix: firstNonEmpty(*queueStreamPrefixFlag, envValue("QUEUE_STREAM_PREFIX")),
		Logger:       logger.With("component", "queue"),
	})
	if err != nil {
		return err
	}

	manager, err := queue.NewManager(queue.Config{
		Transport:          transport,
		Logger:             logger.With("component", "queue"),
		BackoffBase:        resolveDuration(*jobBackoffFlag, envValue("JOB_BACKOFF")),
		DefaultMaxAttempts: resolveInt(*jobAttemptsFlag, envValue("JOB_ATTEMPTS")),
	})
	if err != nil {
		return fmt.Errorf("configure job queue: %w", err)
	}

	// A memory transport only exists inside this process, so disabling
	// workers would strand every accepted upload.
	runWorkers := resolveBool(*workersFlag, envValue("WORKERS"), true)
	if queueDriver == "memory" {
		runWorkers = true
	}
	if runWorkers {
		processor, err := media.NewProcessor(media.ProcessorConfig{
			Repository: repo,
			Blobs:      blobs,
			FFmpeg: media.NewCLI(media.CLIConfig{
				FFmpegPath:  firstNonEmpty(*ffmpegFlag, envValue("FFMPEG")),
				FFprobePath: firstNonEmpty(*ffprobeFlag, envValue("FFPROBE")),
				Logger:      logger.With("component", "ffmpeg"),
			}),
			Logger:         logger.With("component", "media"),
			WorkDir:        firstNonEmpty(*workDirFlag, envValue("WORK_DIR")),
			ThumbnailCount: resolveInt(*thumbnailsFlag, envValue("THUMBNAILS")),
			DeleteOriginal: resolveBool(*deleteOriginalFlag, envValue("DELETE_ORIGINAL"), false),
		})
		if err != nil {
			return fmt.Errorf("configure transcode pipeline: %w", err)
		}
		err = manager.RegisterWorkers(media.QueueName, processor.Handle, queue.WorkerOptions{
			Concurrency:   resolveInt(*workerConcurrencyFlag, envValue("WORKER_CONCURRENCY")),
			RatePerSecond: resolveFloat(*workerRateFlag, envValue("WORKER_RATE")),
			Burst:         resolveInt(*workerBurstFlag, envValue("WORKER_BURST")),
		})
		if err != nil {
			return fmt.Errorf("register transcode workers: %w", err)
		}
		processor.WatchFailures(manager)
	}

	go watchTranscodeMetrics(ctx, manager, metrics.Default())

	if err := manager.Start(); err != nil {
		return fmt.Errorf("start job queue: %w", err)
	}
	defer closeWithTimeout(manager.Shutdown, logger, "drain job queue")

	purgeInterval := durationOrDefault(resolveDuration(*purgeIntervalFlag, envValue("SESSION_PURGE_INTERVAL")), defaultPurgeInterval)
	stopPurge := startSessionPurgeWorker(ctx, logger, sessions, purgeInterval)
	defer stopPurge()

	handler := api.NewHandler(repo, sessions)
	handler.Blobs = blobs
	handler.Jobs = manager
	handler.Logger = logger.With("component", "api")
	handler.MaxUploadBytes = resolveInt64(*maxUploadFlag, envValue("MAX_UPLOAD_BYTES"))

	addr := resolveListenAddr(firstNonEmpty(*addrFlag, envValue("ADDR")), mode)
	srv, err := server.New(handler, server.Config{
		Addr: addr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCertFlag, envValue("TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKeyFlag, envValue("TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPSFlag, envValue("RATE_GLOBAL_RPS")),
			GlobalBurst:   resolveInt(*globalBurstFlag, envValue("RATE_GLOBAL_BURST")),
			LoginLimit:    resolveInt(*loginLimitFlag, envValue("LOGIN_LIMIT")),
			LoginWindow:   resolveDuration(*loginWindowFlag, envValue("LOGIN_WINDOW")),
			RedisAddr:     firstNonEmpty(*loginRedisAddrFlag, envValue("LOGIN_REDIS_ADDR")),
			RedisPassword: envValue("LOGIN_REDIS_PASSWORD"),
		},
		CORS: server.CORSConfig{
			AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOriginsFlag, envValue("CORS_ORIGINS"))),
		},
		Logger:      logger.With("component", "server"),
		AuditLogger: logger.With("component", "audit"),
	})
	if err != nil {
		return err
	}

	logger.Info("server listening",
		"addr", addr,
		"mode", mode,
		"storage_driver", storageDriver,
		"queue_driver", queueDriver,
		"workers", runWorkers,
	)
	return srv.Run(ctx)
}

type repositoryConfig struct {
	Driver          string
	DataPath        string
	DSN             string
	MaxConns        int
	MinConns        int
	AcquireTimeout  time.Duration
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	HealthInterval  time.Duration
	QueryTimeout    time.Duration
}

func openRepository(cfg repositoryConfig) (storage.Repository, error) {
	switch cfg.Driver {
	case "json":
		repo, err := storage.NewStorage(cfg.DataPath)
		if err != nil {
			return nil, fmt.Errorf("open json datastore: %w", err)
		}
		return repo, nil
	case "postgres":
		opts := []storage.Option{
			storage.WithPostgresApplicationName("coursecast-server"),
		}
		if cfg.MaxConns > 0 || cfg.MinConns > 0 {
			opts = append(opts, storage.WithPostgresPoolLimits(int32(cfg.MaxConns), int32(cfg.MinConns)))
		}
		if cfg.AcquireTimeout > 0 {
			opts = append(opts, storage.WithPostgresAcquireTimeout(cfg.AcquireTimeout))
		}
		if cfg.ConnMaxLifetime > 0 || cfg.ConnMaxIdleTime > 0 || cfg.HealthInterval > 0 {
			opts = append(opts, storage.WithPostgresPoolDurations(cfg.ConnMaxLifetime, cfg.ConnMaxIdleTime, cfg.HealthInterval))
		}
		if cfg.QueryTimeout > 0 {
			opts = append(opts, storage.WithPostgresQueryTimeout(cfg.QueryTimeout))
		}
		repo, err := storage.NewPostgresRepository(cfg.DSN, opts...)
		if err != nil {
			return nil, fmt.Errorf("open postgres datastore: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q (expected json or postgres)", cfg.Driver)
	}
}

type sessionConfig struct {
	Store       string
	DSN         string
	TTL         time.Duration
	IdleTimeout time.Duration
}

func buildSessionManager(ctx context.Context, cfg sessionConfig) (*auth.SessionManager, func(), error) {
	opts := []auth.SessionOption{}
	if cfg.IdleTimeout > 0 {
		opts = append(opts, auth.WithIdleTimeout(cfg.IdleTimeout))
	}
	cleanup := func() {}

	switch strings.ToLower(strings.TrimSpace(cfg.Store)) {
	case "", "memory":
	case "postgres":
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, nil, fmt.Errorf("postgres session store requires a postgres dsn")
		}
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect session store: %w", err)
		}
		store, err := auth.NewPostgresSessionStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("prepare session store: %w", err)
		}
		opts = append(opts, auth.WithStore(store))
		cleanup = pool.Close
	default:
		return nil, nil, fmt.Errorf("unknown session store %q (expected memory or postgres)", cfg.Store)
	}

	return auth.NewSessionManager(cfg.TTL, opts...), cleanup, nil
}

type blobConfig struct {
	Driver    string
	MediaDir  string
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

func openBlobStore(cfg blobConfig) (blob.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "local":
		store, err := blob.NewLocalStore(cfg.MediaDir)
		if err != nil {
			return nil, fmt.Errorf("open media directory: %w", err)
		}
		return store, nil
	case "s3":
		store, err := blob.NewS3Store(blob.S3Config{
			Endpoint:  cfg.Endpoint,
			Region:    cfg.Region,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
			Prefix:    cfg.Prefix,
			UseSSL:    cfg.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("configure s3 store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q (expected local or s3)", cfg.Driver)
	}
}

type transportConfig struct {
	Driver       string
	RedisAddr    string
	Password     string
	Group        string
	StreamPrefix string
	Logger       *slog.Logger
}

func openTransport(cfg transportConfig) (queue.Transport, error) {
	switch cfg.Driver {
	case "memory":
		return queue.NewMemoryTransport(), nil
	case "redis":
		transport, err := queue.NewRedisTransport(queue.RedisTransportConfig{
			Addr:         cfg.RedisAddr,
			Password:     cfg.Password,
			Group:        cfg.Group,
			StreamPrefix: cfg.StreamPrefix,
			Logger:       cfg.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("connect job queue: %w", err)
		}
		return transport, nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q (expected memory or redis)", cfg.Driver)
	}
}

// watchTranscodeMetrics feeds queue lifecycle events into the transcode
// counters. Retries re-emit active events for the same job, so the started
// set dedupes by job ID to keep the gauge balanced.
func watchTranscodeMetrics(ctx context.Context, manager *queue.Manager, recorder *metrics.Recorder) {
	sub := manager.Subscribe()
	defer sub.Close()
	started := make(map[string]struct{})
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if event.Queue != media.QueueName {
				continue
			}
			switch event.Type {
			case queue.EventActive:
				if _, seen := started[event.JobID]; !seen {
					started[event.JobID] = struct{}{}
					recorder.TranscodeJobStarted()
				}
			case queue.EventCompleted:
				if _, seen := started[event.JobID]; seen {
					delete(started, event.JobID)
					recorder.TranscodeJobCompleted()
				}
			case queue.EventFailed:
				if _, seen := started[event.JobID]; seen {
					delete(started, event.JobID)
					recorder.TranscodeJobFailed()
				}
			}
		}
	}
}

func closeWithTimeout(closeFn func(context.Context) error, logger *slog.Logger, what string) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := closeFn(ctx); err != nil {
		logger.Error(what+" failed", "error", err)
	}
}

func resolveMode(value string) (string, error) {
	mode := strings.ToLower(strings.TrimSpace(firstNonEmpty(value, envValue("MODE"), "dev")))
	switch mode {
	case "dev", "prod":
		return mode, nil
	default:
		return "", fmt.Errorf("unknown mode %q (expected dev or prod)", mode)
	}
}

// resolveStorageDriver applies the mode default and refuses the JSON file
// store in prod, where a crash mid-write can lose the dataset.
func resolveStorageDriver(value, mode string) (string, error) {
	driver := strings.ToLower(strings.TrimSpace(value))
	if driver == "" {
		if mode == "prod" {
			driver = "postgres"
		} else {
			driver = "json"
		}
	}
	if mode == "prod" && driver == "json" {
		return "", fmt.Errorf("the json storage driver is not supported in prod mode")
	}
	return driver, nil
}

func resolvePostgresDSN(flagValue string) string {
	return firstNonEmpty(flagValue, envValue("POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
}

func resolveListenAddr(value, mode string) string {
	if addr := strings.TrimSpace(value); addr != "" {
		return addr
	}
	if mode == "prod" {
		return ":80"
	}
	return ":8080"
}

func envValue(suffix string) string {
	return os.Getenv(envPrefix + suffix)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func resolveInt(flagValue int, envRaw string) int {
	if flagValue != 0 {
		return flagValue
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(envRaw)); err == nil {
		return parsed
	}
	return 0
}

func resolveInt64(flagValue int64, envRaw string) int64 {
	if flagValue != 0 {
		return flagValue
	}
	if parsed, err := strconv.ParseInt(strings.TrimSpace(envRaw), 10, 64); err == nil {
		return parsed
	}
	return 0
}

func resolveFloat(flagValue float64, envRaw string) float64 {
	if flagValue != 0 {
		return flagValue
	}
	if parsed, err := strconv.ParseFloat(strings.TrimSpace(envRaw), 64); err == nil {
		return parsed
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envRaw string) time.Duration {
	if flagValue != 0 {
		return flagValue
	}
	if parsed, err := time.ParseDuration(strings.TrimSpace(envRaw)); err == nil {
		return parsed
	}
	return 0
}

func resolveBool(flagValue, envRaw string, fallback bool) bool {
	raw := firstNonEmpty(flagValue, envRaw)
	if raw == "" {
		return fallback
	}
	if parsed, err := strconv.ParseBool(raw); err == nil {
		return parsed
	}
	return fallback
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}

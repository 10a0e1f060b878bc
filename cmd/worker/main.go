// Command worker runs a standalone transcode worker fleet member. It consumes
// the Redis-backed job queue shared with the API server, so uploads accepted
// anywhere are processed here.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"coursecast/internal/blob"
	"coursecast/internal/media"
	"coursecast/internal/observability/logging"
	"coursecast/internal/observability/metrics"
	"coursecast/internal/queue"
	"coursecast/internal/serverutil"
	"coursecast/internal/storage"
)

const (
	envPrefix = "COURSECAST_"

	defaultDataPath        = "data/store.json"
	defaultMediaDir        = "data/media"
	defaultShutdownTimeout = 10 * time.Second
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "coursecast-worker:", err)
		os.Exit(1)
	}
}

func run(baseCtx context.Context, args []string) error {
	fs := flag.NewFlagSet("coursecast-worker", flag.ContinueOnError)

	logLevelFlag := fs.String("log-level", "", "log level: debug, info, warn, error")
	logFormatFlag := fs.String("log-format", "", "log format: json or text")

	storageDriverFlag := fs.String("storage-driver", "", "storage driver: json or postgres")
	dataPathFlag := fs.String("data", "", "path of the JSON datastore file")
	postgresDSNFlag := fs.String("postgres-dsn", "", "postgres connection string")

	blobDriverFlag := fs.String("blob-driver", "", "blob driver: local or s3")
	mediaDirFlag := fs.String("media-dir", "", "root directory of the local blob store")
	s3EndpointFlag := fs.String("s3-endpoint", "", "S3 endpoint host or URL")
	s3RegionFlag := fs.String("s3-region", "", "S3 signing region")
	s3BucketFlag := fs.String("s3-bucket", "", "S3 bucket name")
	s3PrefixFlag := fs.String("s3-prefix", "", "key prefix inside the bucket")
	s3SSLFlag := fs.String("s3-ssl", "", "use https for the S3 endpoint (true/false)")

	redisAddrFlag := fs.String("queue-redis-addr", "", "redis address for the job queue")
	queueGroupFlag := fs.String("queue-group", "", "redis consumer group name")
	queueStreamPrefixFlag := fs.String("queue-stream-prefix", "", "redis stream key prefix")
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

	metricsAddrFlag := fs.String("metrics-addr", "", "listen address of the metrics endpoint (empty disables)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevelFlag, envValue("LOG_LEVEL")),
		Format: firstNonEmpty(*logFormatFlag, envValue("LOG_FORMAT")),
	})

	ctx, stop := signal.NotifyContext(baseCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := openRepository(
		strings.ToLower(firstNonEmpty(*storageDriverFlag, envValue("STORAGE_DRIVER"), "json")),
		firstNonEmpty(*dataPathFlag, envValue("DATA_PATH"), defaultDataPath),
		firstNonEmpty(*postgresDSNFlag, envValue("POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
	)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if err := repo.Close(closeCtx); err != nil {
			logger.Error("close datastore failed", "error", err)
		}
	}()

	blobs, err := openBlobStore(blobSettings{
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

	// A worker without the shared Redis queue would never see a job.
	redisAddr := firstNonEmpty(*redisAddrFlag, envValue("QUEUE_REDIS_ADDR"))
	if redisAddr == "" {
		return fmt.Errorf("a redis address is required (-queue-redis-addr or %sQUEUE_REDIS_ADDR)", envPrefix)
	}
	transport, err := queue.NewRedisTransport(queue.RedisTransportConfig{
		Addr:         redisAddr,
		Password:     envValue("QUEUE_REDIS_PASSWORD"),
		Group:        firstNonEmpty(*queueGroupFlag, envValue("QUEUE_GROUP")),
		StreamPrefix: firstNonEmpty(*queueStreamPrefixFlag, envValue("QUEUE_STREAM_PREFIX")),
		Logger:       logger.With("component", "queue"),
	})
	if err != nil {
		return fmt.Errorf("connect job queue: %w", err)
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
	go watchTranscodeMetrics(ctx, manager, metrics.Default())

	if err := manager.Start(); err != nil {
		return fmt.Errorf("start job queue: %w", err)
	}
	logger.Info("worker consuming transcode jobs", "redis_addr", redisAddr)

	metricsErr := make(chan error, 1)
	if metricsAddr := firstNonEmpty(*metricsAddrFlag, envValue("METRICS_ADDR")); metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Default().Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		go func() {
			metricsErr <- serverutil.Run(ctx, serverutil.Config{
				Server: &http.Server{
					Addr:              metricsAddr,
					Handler:           mux,
					ReadHeaderTimeout: 5 * time.Second,
				},
			})
		}()
	}

	select {
	case err := <-metricsErr:
		if err != nil {
			logger.Error("metrics endpoint stopped", "error", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("drain job queue: %w", err)
	}
	return nil
}

func openRepository(driver, dataPath, dsn string) (storage.Repository, error) {
	switch driver {
	case "json":
		repo, err := storage.NewStorage(dataPath)
		if err != nil {
			return nil, fmt.Errorf("open json datastore: %w", err)
		}
		return repo, nil
	case "postgres":
		repo, err := storage.NewPostgresRepository(dsn, storage.WithPostgresApplicationName("coursecast-worker"))
		if err != nil {
			return nil, fmt.Errorf("open postgres datastore: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q (expected json or postgres)", driver)
	}
}

type blobSettings struct {
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

func openBlobStore(cfg blobSettings) (blob.Store, error) {
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

// watchTranscodeMetrics mirrors the API server's event wiring so a worker's
// /metrics endpoint reports its own job throughput.
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

func resolveInt(flagValue int, envRaw string) int {
	if flagValue != 0 {
		return flagValue
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(envRaw)); err == nil {
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

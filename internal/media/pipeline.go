package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"coursecast/internal/blob"
	"coursecast/internal/models"
	"coursecast/internal/queue"
	"coursecast/internal/storage"
)

const (
	// QueueName is the job queue the transcoding workers consume.
	QueueName = "transcoding"
	// JobTranscode is the job name carried by transcode envelopes.
	JobTranscode = "transcode-video"

	defaultThumbnailCount = 3
)

// TranscodePayload is the job payload enqueued when an upload is accepted.
type TranscodePayload struct {
	VideoID string `json:"videoId"`
}

// EnqueueTranscode schedules background processing for an uploaded video.
func EnqueueTranscode(ctx context.Context, manager *queue.Manager, videoID string, opts ...queue.Option) (queue.Job, error) {
	return manager.Enqueue(ctx, QueueName, JobTranscode, TranscodePayload{VideoID: videoID}, opts...)
}

// ProcessorConfig assembles the transcoding pipeline.
type ProcessorConfig struct {
	Repository     storage.Repository
	Blobs          blob.Store
	FFmpeg         FFmpeg
	Logger         *slog.Logger
	WorkDir        string
	Ladder         []Rendition
	ThumbnailCount int
	// DeleteOriginal removes the uploaded source once the video reaches the
	// completed state. Only the renditions are served afterwards.
	DeleteOriginal bool
}

// Processor downloads an original, produces the rendition ladder and
// thumbnails, and drives the video's status lifecycle.
type Processor struct {
	repo           storage.Repository
	blobs          blob.Store
	ffmpeg         FFmpeg
	logger         *slog.Logger
	workDir        string
	ladder         []Rendition
	thumbnailCount int
	deleteOriginal bool
}

// NewProcessor validates the config and returns a ready pipeline.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if cfg.Blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if cfg.FFmpeg == nil {
		return nil, errors.New("ffmpeg is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare work directory: %w", err)
	}
	ladder := cfg.Ladder
	if len(ladder) == 0 {
		ladder = DefaultLadder()
	}
	thumbnails := cfg.ThumbnailCount
	if thumbnails <= 0 {
		thumbnails = defaultThumbnailCount
	}
	return &Processor{
		repo:           cfg.Repository,
		blobs:          cfg.Blobs,
		ffmpeg:         cfg.FFmpeg,
		logger:         logger,
		workDir:        workDir,
		ladder:         ladder,
		thumbnailCount: thumbnails,
		deleteOriginal: cfg.DeleteOriginal,
	}, nil
}

// Handle adapts Process to the queue's handler signature.
func (p *Processor) Handle(ctx context.Context, job *queue.ActiveJob) error {
	var payload TranscodePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode transcode payload: %w", err)
	}
	if payload.VideoID == "" {
		return errors.New("transcode payload missing video id")
	}
	return p.Process(ctx, payload.VideoID, job.Progress)
}

// Process runs the full pipeline for one video. Each rendition is recorded as
// soon as it finishes so retries resume with upserts instead of duplicates.
func (p *Processor) Process(ctx context.Context, videoID string, progress func(float64)) error {
	if progress == nil {
		progress = func(float64) {}
	}
	video, ok := p.repo.GetVideo(videoID)
	if !ok {
		return fmt.Errorf("video %s not found", videoID)
	}
	switch video.Status {
	case models.VideoStatusCompleted:
		p.logger.Info("video already processed, skipping", "video_id", videoID)
		return nil
	case models.VideoStatusFailed:
		p.logger.Warn("video is in a terminal failed state, skipping", "video_id", videoID)
		return nil
	}
	if _, err := p.repo.UpdateVideoStatus(videoID, models.VideoStatusProcessing, ""); err != nil {
		return fmt.Errorf("mark video processing: %w", err)
	}

	tempDir, err := os.MkdirTemp(p.workDir, "transcode-")
	if err != nil {
		return fmt.Errorf("create scratch directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	sourcePath := filepath.Join(tempDir, "source"+filepath.Ext(video.Filename))
	if err := p.download(ctx, video.Path, sourcePath); err != nil {
		return fmt.Errorf("fetch original: %w", err)
	}

	probe, err := p.ffmpeg.Probe(ctx, sourcePath)
	if err != nil {
		return err
	}
	if _, err := p.repo.SetVideoDuration(videoID, probe.DurationSeconds); err != nil {
		return fmt.Errorf("record duration: %w", err)
	}

	renditions := SelectRenditions(p.ladder, probe.Height)
	totalSteps := len(renditions) + p.thumbnailCount
	step := 0
	advance := func() {
		step++
		progress(float64(step) / float64(totalSteps+1) * 100)
	}

	for _, rendition := range renditions {
		if err := p.processRendition(ctx, video, rendition, sourcePath, tempDir); err != nil {
			return err
		}
		advance()
	}

	if err := p.generateThumbnails(ctx, video, sourcePath, tempDir, probe.DurationSeconds, advance); err != nil {
		return err
	}

	if _, err := p.repo.UpdateVideoStatus(videoID, models.VideoStatusCompleted, ""); err != nil {
		return fmt.Errorf("mark video completed: %w", err)
	}
	if p.deleteOriginal {
		// The renditions are durable at this point, so a failed cleanup
		// only leaves the source behind.
		if err := p.blobs.Delete(ctx, video.Path); err != nil {
			p.logger.Warn("delete original source", "video_id", videoID, "path", video.Path, "error", err)
		}
	}
	progress(100)
	p.logger.Info("video processing finished",
		"video_id", videoID,
		"renditions", len(renditions),
		"duration_seconds", probe.DurationSeconds,
	)
	return nil
}

func (p *Processor) processRendition(ctx context.Context, video models.Video, rendition Rendition, sourcePath, tempDir string) error {
	outputPath := filepath.Join(tempDir, rendition.Quality+".mp4")
	if err := p.ffmpeg.Transcode(ctx, sourcePath, outputPath, rendition); err != nil {
		return err
	}
	key := blob.ProcessedKey(rendition.Quality, video.ID)
	size, err := p.upload(ctx, outputPath, key)
	if err != nil {
		return fmt.Errorf("store %s rendition: %w", rendition.Quality, err)
	}
	_, err = p.repo.UpsertVideoQuality(storage.UpsertVideoQualityParams{
		VideoID:    video.ID,
		Quality:    rendition.Quality,
		Path:       key,
		SizeBytes:  size,
		Bitrate:    rendition.BitrateKbps,
		Resolution: fmt.Sprintf("%dx%d", rendition.Width, rendition.Height),
	})
	if err != nil {
		return fmt.Errorf("record %s rendition: %w", rendition.Quality, err)
	}
	return nil
}

// generateThumbnails spreads capture points evenly across the runtime; the
// first successful capture becomes the cover image.
func (p *Processor) generateThumbnails(ctx context.Context, video models.Video, sourcePath, tempDir string, duration float64, advance func()) error {
	for i := 0; i < p.thumbnailCount; i++ {
		offset := 0.0
		if duration > 0 {
			offset = duration * float64(i+1) / float64(p.thumbnailCount+1)
		}
		outputPath := filepath.Join(tempDir, fmt.Sprintf("thumb-%02d.jpg", i))
		if err := p.ffmpeg.Thumbnail(ctx, sourcePath, outputPath, offset); err != nil {
			return err
		}
		key := blob.ThumbnailKey(video.ID, i)
		if _, err := p.upload(ctx, outputPath, key); err != nil {
			return fmt.Errorf("store thumbnail %d: %w", i, err)
		}
		if i == 0 {
			if _, err := p.repo.SetVideoThumbnail(video.ID, key); err != nil {
				return fmt.Errorf("record thumbnail: %w", err)
			}
		}
		advance()
	}
	return nil
}

func (p *Processor) download(ctx context.Context, key, destPath string) error {
	reader, err := p.blobs.ReadRange(ctx, key, 0, -1)
	if err != nil {
		return err
	}
	defer reader.Close()
	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, reader); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (p *Processor) upload(ctx context.Context, localPath, key string) (int64, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return 0, err
	}
	defer file.Close()
	return p.blobs.Write(ctx, key, file)
}

// MarkFailed pins a video in the failed state after the job queue has given
// up on it. Videos that never left pending are walked through processing
// first so the lifecycle stays well-formed.
func (p *Processor) MarkFailed(videoID, reason string) {
	video, ok := p.repo.GetVideo(videoID)
	if !ok {
		p.logger.Warn("cannot fail unknown video", "video_id", videoID)
		return
	}
	if video.Status.Terminal() {
		return
	}
	if video.Status == models.VideoStatusPending {
		if _, err := p.repo.UpdateVideoStatus(videoID, models.VideoStatusProcessing, ""); err != nil {
			p.logger.Error("promote video before failing", "video_id", videoID, "error", err)
			return
		}
	}
	if _, err := p.repo.UpdateVideoStatus(videoID, models.VideoStatusFailed, reason); err != nil {
		p.logger.Error("mark video failed", "video_id", videoID, "error", err)
	}
}

// WatchFailures registers a hook that marks a video failed once the queue
// permanently gives up on its transcode job. The hook runs on the worker
// goroutine, so the status flip does not depend on an event subscriber
// draining in time.
func (p *Processor) WatchFailures(manager *queue.Manager) {
	manager.OnFailure(func(event queue.Event) {
		if event.Name != JobTranscode {
			return
		}
		job, ok := manager.Job(event.JobID)
		if !ok {
			p.logger.Warn("failed job missing from ledger", "job_id", event.JobID)
			return
		}
		var payload TranscodePayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.VideoID == "" {
			p.logger.Error("failed job carries undecodable payload", "job_id", event.JobID, "error", err)
			return
		}
		p.MarkFailed(payload.VideoID, event.Reason)
	})
}

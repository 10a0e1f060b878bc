package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// ProbeResult summarises the source characteristics the pipeline needs.
type ProbeResult struct {
	DurationSeconds float64
	Width           int
	Height          int
	VideoCodec      string
}

// FFmpeg abstracts the media tooling so the pipeline can be exercised without
// binaries installed.
type FFmpeg interface {
	Probe(ctx context.Context, inputPath string) (ProbeResult, error)
	Transcode(ctx context.Context, inputPath, outputPath string, rendition Rendition) error
	Thumbnail(ctx context.Context, inputPath, outputPath string, offsetSeconds float64) error
}

// CLIConfig locates the ffmpeg and ffprobe binaries.
type CLIConfig struct {
	FFmpegPath  string
	FFprobePath string
	Logger      *slog.Logger
}

// CLI shells out to ffmpeg and ffprobe.
type CLI struct {
	ffmpegPath  string
	ffprobePath string
	logger      *slog.Logger
}

// NewCLI prepares a CLI wrapper, defaulting to binaries on PATH.
func NewCLI(cfg CLIConfig) *CLI {
	ffmpegPath := strings.TrimSpace(cfg.FFmpegPath)
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	ffprobePath := strings.TrimSpace(cfg.FFprobePath)
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CLI{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath, logger: logger}
}

type probePayload struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

// Probe reads duration and video stream dimensions via ffprobe.
func (c *CLI) Probe(ctx context.Context, inputPath string) (ProbeResult, error) {
	cmd := exec.CommandContext(ctx, c.ffprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		inputPath,
	)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = newLogWriter(c.logger, "ffprobe")
	if err := cmd.Run(); err != nil {
		return ProbeResult{}, fmt.Errorf("probe %s: %w", inputPath, err)
	}

	var payload probePayload
	if err := json.Unmarshal(stdout.Bytes(), &payload); err != nil {
		return ProbeResult{}, fmt.Errorf("decode probe output: %w", err)
	}

	result := ProbeResult{}
	if payload.Format.Duration != "" {
		seconds, err := strconv.ParseFloat(payload.Format.Duration, 64)
		if err != nil {
			return ProbeResult{}, fmt.Errorf("parse probed duration %q: %w", payload.Format.Duration, err)
		}
		result.DurationSeconds = seconds
	}
	for _, stream := range payload.Streams {
		if stream.CodecType != "video" {
			continue
		}
		result.Width = stream.Width
		result.Height = stream.Height
		result.VideoCodec = stream.CodecName
		break
	}
	if result.VideoCodec == "" {
		return ProbeResult{}, fmt.Errorf("no video stream in %s", inputPath)
	}
	return result, nil
}

// Transcode produces one MP4 rendition. The scale filter preserves aspect
// ratio and keeps dimensions even, which H.264 requires.
func (c *CLI) Transcode(ctx context.Context, inputPath, outputPath string, rendition Rendition) error {
	bitrate := fmt.Sprintf("%dk", rendition.BitrateKbps)
	args := []string{
		"-y",
		"-i", inputPath,
		"-vf", fmt.Sprintf("scale=-2:%d", rendition.Height),
		"-c:v", "libx264",
		"-preset", "medium",
		"-b:v", bitrate,
		"-maxrate", bitrate,
		"-bufsize", fmt.Sprintf("%dk", rendition.BitrateKbps*2),
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		outputPath,
	}
	cmd := exec.CommandContext(ctx, c.ffmpegPath, args...)
	cmd.Stdout = newLogWriter(c.logger, "ffmpeg")
	cmd.Stderr = newLogWriter(c.logger, "ffmpeg")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("transcode %s to %s: %w", inputPath, rendition.Quality, err)
	}
	return nil
}

// Thumbnail captures a single frame at the given offset as a JPEG.
func (c *CLI) Thumbnail(ctx context.Context, inputPath, outputPath string, offsetSeconds float64) error {
	if offsetSeconds < 0 {
		offsetSeconds = 0
	}
	args := []string{
		"-y",
		"-ss", strconv.FormatFloat(offsetSeconds, 'f', 3, 64),
		"-i", inputPath,
		"-frames:v", "1",
		"-vf", "scale=640:-2",
		"-q:v", "3",
		outputPath,
	}
	cmd := exec.CommandContext(ctx, c.ffmpegPath, args...)
	cmd.Stdout = newLogWriter(c.logger, "ffmpeg")
	cmd.Stderr = newLogWriter(c.logger, "ffmpeg")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("thumbnail %s at %.3fs: %w", inputPath, offsetSeconds, err)
	}
	return nil
}

// logWriter forwards process output line by line so multi-line ffmpeg chatter
// stays readable in structured logs.
type logWriter struct {
	logger *slog.Logger
	tool   string
}

func newLogWriter(logger *slog.Logger, tool string) *logWriter {
	return &logWriter{logger: logger, tool: tool}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug("media tool output", "tool", w.tool, "line", string(line))
	}
	return total, nil
}

var _ FFmpeg = (*CLI)(nil)

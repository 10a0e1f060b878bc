package api

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"coursecast/internal/blob"
	"coursecast/internal/media"
	"coursecast/internal/models"
	"coursecast/internal/storage"
)

const defaultMaxUploadBytes = 4 << 30 // 4 GiB

var allowedVideoTypes = map[string]bool{
	"video/mp4":        true,
	"video/quicktime":  true,
	"video/webm":       true,
	"video/x-matroska": true,
	"video/x-msvideo":  true,
}

var videoTypeByExtension = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
}

type videoQualityResponse struct {
	Quality    string `json:"quality"`
	Bitrate    int    `json:"bitrate"`
	Resolution string `json:"resolution"`
	SizeBytes  int64  `json:"sizeBytes"`
}

type videoResponse struct {
	ID              string                 `json:"id"`
	OriginalName    string                 `json:"originalName"`
	Filename        string                 `json:"filename"`
	SizeBytes       int64                  `json:"sizeBytes"`
	MimeType        string                 `json:"mimeType"`
	Status          string                 `json:"status"`
	DurationSeconds float64                `json:"durationSeconds"`
	Thumbnail       string                 `json:"thumbnail,omitempty"`
	ProcessingError string                 `json:"processingError,omitempty"`
	Qualities       []videoQualityResponse `json:"qualities"`
	CreatedAt       string                 `json:"createdAt"`
	UpdatedAt       string                 `json:"updatedAt"`
}

type uploadAcceptedResponse struct {
	Video videoResponse `json:"video"`
	JobID string        `json:"jobId"`
}

func (h *Handler) newVideoResponse(video models.Video) videoResponse {
	qualities := h.Store.ListVideoQualities(video.ID)
	rendered := make([]videoQualityResponse, 0, len(qualities))
	for _, quality := range qualities {
		rendered = append(rendered, videoQualityResponse{
			Quality:    quality.Quality,
			Bitrate:    quality.Bitrate,
			Resolution: quality.Resolution,
			SizeBytes:  quality.SizeBytes,
		})
	}
	return videoResponse{
		ID:              video.ID,
		OriginalName:    video.OriginalName,
		Filename:        video.Filename,
		SizeBytes:       video.SizeBytes,
		MimeType:        video.MimeType,
		Status:          string(video.Status),
		DurationSeconds: video.DurationSeconds,
		Thumbnail:       video.Thumbnail,
		ProcessingError: video.ProcessingError,
		Qualities:       rendered,
		CreatedAt:       video.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:       video.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func (h *Handler) maxUploadBytes() int64 {
	if h.MaxUploadBytes > 0 {
		return h.MaxUploadBytes
	}
	return defaultMaxUploadBytes
}

// Videos serves the collection: multipart upload and admin listing.
func (h *Handler) Videos(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.uploadVideo(w, r)
	case http.MethodGet:
		if _, ok := h.requireRole(w, r, roleAdmin); !ok {
			return
		}
		videos := h.Store.ListVideos()
		response := make([]videoResponse, 0, len(videos))
		for _, video := range videos {
			response = append(response, h.newVideoResponse(video))
		}
		writeJSON(w, http.StatusOK, response)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// uploadVideo accepts the original, records the pending video, and enqueues
// transcoding. The 202 response reflects the job still running.
func (h *Handler) uploadVideo(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireRole(w, r, roleAdmin, roleInstructor); !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes())

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Errorf("multipart field %q is required", "file"))
		return
	}
	defer file.Close()

	originalName := header.Filename
	mimeType := strings.TrimSpace(header.Header.Get("Content-Type"))
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = videoTypeByExtension[strings.ToLower(filepath.Ext(originalName))]
	}
	if !allowedVideoTypes[mimeType] {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported media type %q", mimeType))
		return
	}

	normalized := blob.NormalizeFilename(originalName)
	key := blob.OriginalKey(uuid.NewString(), normalized)
	size, err := h.Blobs.Write(r.Context(), key, file)
	if err != nil {
		h.logger().Error("store original upload", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("failed to store upload"))
		return
	}

	video, err := h.Store.CreateVideo(storage.CreateVideoParams{
		OriginalName: originalName,
		Filename:     normalized,
		Path:         key,
		SizeBytes:    size,
		MimeType:     mimeType,
	})
	if err != nil {
		_ = h.Blobs.Delete(r.Context(), key)
		writeError(w, http.StatusBadRequest, err)
		return
	}

	job, err := media.EnqueueTranscode(r.Context(), h.Jobs, video.ID)
	if err != nil {
		h.logger().Error("enqueue transcode", "video_id", video.ID, "error", err)
		_ = h.Store.DeleteVideo(video.ID)
		_ = h.Blobs.Delete(r.Context(), key)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("failed to schedule processing"))
		return
	}

	writeJSON(w, http.StatusAccepted, uploadAcceptedResponse{
		Video: h.newVideoResponse(video),
		JobID: job.ID,
	})
}

// VideoByID serves detail and deletion for a single video.
func (h *Handler) VideoByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/videos/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, fmt.Errorf("video id missing"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		if _, ok := h.requireRole(w, r, roleAdmin, roleInstructor); !ok {
			return
		}
		video, ok := h.Store.GetVideo(id)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", id))
			return
		}
		writeJSON(w, http.StatusOK, h.newVideoResponse(video))
	case http.MethodDelete:
		if _, ok := h.requireRole(w, r, roleAdmin); !ok {
			return
		}
		video, ok := h.Store.GetVideo(id)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", id))
			return
		}
		// Blobs go first so a crash leaves records pointing at missing
		// objects rather than orphaned objects nothing references.
		for _, quality := range h.Store.ListVideoQualities(id) {
			if err := h.Blobs.Delete(r.Context(), quality.Path); err != nil {
				h.logger().Warn("delete rendition blob", "path", quality.Path, "error", err)
			}
		}
		// Processing uploads a run of thumbnail candidates under sequential
		// keys but only records the first; sweep until the first gap.
		for i := 0; ; i++ {
			key := blob.ThumbnailKey(id, i)
			if _, err := h.Blobs.Stat(r.Context(), key); err != nil {
				break
			}
			if err := h.Blobs.Delete(r.Context(), key); err != nil {
				h.logger().Warn("delete thumbnail blob", "path", key, "error", err)
				break
			}
		}
		if video.Thumbnail != "" {
			if err := h.Blobs.Delete(r.Context(), video.Thumbnail); err != nil {
				h.logger().Warn("delete thumbnail blob", "path", video.Thumbnail, "error", err)
			}
		}
		if err := h.Blobs.Delete(r.Context(), video.Path); err != nil {
			h.logger().Warn("delete original blob", "path", video.Path, "error", err)
		}
		if err := h.Store.DeleteVideo(id); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, DELETE")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

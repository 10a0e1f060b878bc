package storage

import (
	"fmt"
	"sort"
	"strings"

	"coursecast/internal/models"
)

// CreateVideoParams captures the metadata recorded when an upload is accepted.
type CreateVideoParams struct {
	OriginalName string
	Filename     string
	Path         string
	SizeBytes    int64
	MimeType     string
}

// UpsertVideoQualityParams describes one transcoded rendition.
type UpsertVideoQualityParams struct {
	VideoID    string
	Quality    string
	Path       string
	SizeBytes  int64
	Bitrate    int
	Resolution string
}

// CreateVideo registers a freshly uploaded video in the pending state.
func (s *Storage) CreateVideo(params CreateVideoParams) (models.Video, error) {
	if strings.TrimSpace(params.Filename) == "" {
		return models.Video{}, fmt.Errorf("filename is required")
	}
	if strings.TrimSpace(params.Path) == "" {
		return models.Video{}, fmt.Errorf("path is required")
	}

	id, err := generateID()
	if err != nil {
		return models.Video{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	video := models.Video{
		ID:           id,
		OriginalName: params.OriginalName,
		Filename:     params.Filename,
		Path:         params.Path,
		SizeBytes:    params.SizeBytes,
		MimeType:     params.MimeType,
		Status:       models.VideoStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	updated := cloneDataset(s.data)
	updated.Videos[id] = video

	if err := s.persistDataset(updated); err != nil {
		return models.Video{}, err
	}
	s.data = updated

	return video, nil
}

// GetVideo returns the video with the provided ID.
func (s *Storage) GetVideo(id string) (models.Video, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	video, ok := s.data.Videos[id]
	return video, ok
}

// ListVideos returns all videos ordered by creation time, newest first.
func (s *Storage) ListVideos() []models.Video {
	s.mu.RLock()
	defer s.mu.RUnlock()
	videos := make([]models.Video, 0, len(s.data.Videos))
	for _, video := range s.data.Videos {
		videos = append(videos, video)
	}
	sort.Slice(videos, func(i, j int) bool {
		if videos[i].CreatedAt.Equal(videos[j].CreatedAt) {
			return videos[i].ID < videos[j].ID
		}
		return videos[i].CreatedAt.After(videos[j].CreatedAt)
	})
	return videos
}

// UpdateVideoStatus advances the processing lifecycle. Transitions outside the
// state machine return ErrInvalidTransition; processingError is recorded only
// when the new status is failed.
func (s *Storage) UpdateVideoStatus(id string, status models.VideoStatus, processingError string) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[id]
	if !ok {
		return models.Video{}, fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	if !video.Status.CanTransition(status) {
		return models.Video{}, fmt.Errorf("video %s: %s -> %s: %w", id, video.Status, status, ErrInvalidTransition)
	}

	video.Status = status
	video.UpdatedAt = s.now()
	if status == models.VideoStatusFailed {
		if strings.TrimSpace(processingError) == "" {
			processingError = "processing failed"
		}
		video.ProcessingError = processingError
	} else {
		video.ProcessingError = ""
	}

	updated := cloneDataset(s.data)
	updated.Videos[id] = video

	if err := s.persistDataset(updated); err != nil {
		return models.Video{}, err
	}
	s.data = updated

	return video, nil
}

// SetVideoDuration records the probed duration in seconds.
func (s *Storage) SetVideoDuration(id string, seconds float64) (models.Video, error) {
	if seconds < 0 {
		return models.Video{}, fmt.Errorf("duration must not be negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[id]
	if !ok {
		return models.Video{}, fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	video.DurationSeconds = seconds
	video.UpdatedAt = s.now()

	updated := cloneDataset(s.data)
	updated.Videos[id] = video

	if err := s.persistDataset(updated); err != nil {
		return models.Video{}, err
	}
	s.data = updated

	return video, nil
}

// SetVideoThumbnail records the stored thumbnail path.
func (s *Storage) SetVideoThumbnail(id, path string) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[id]
	if !ok {
		return models.Video{}, fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	video.Thumbnail = path
	video.UpdatedAt = s.now()

	updated := cloneDataset(s.data)
	updated.Videos[id] = video

	if err := s.persistDataset(updated); err != nil {
		return models.Video{}, err
	}
	s.data = updated

	return video, nil
}

// DeleteVideo removes the video and its rendition records. Callers are
// responsible for removing blobs first.
func (s *Storage) DeleteVideo(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Videos[id]; !ok {
		return fmt.Errorf("video %s: %w", id, ErrNotFound)
	}

	updated := cloneDataset(s.data)
	delete(updated.Videos, id)
	delete(updated.VideoQualities, id)

	if err := s.persistDataset(updated); err != nil {
		return err
	}
	s.data = updated

	return nil
}

// UpsertVideoQuality records a rendition, replacing any existing record for
// the same (video, quality) pair so pipeline re-runs never duplicate.
func (s *Storage) UpsertVideoQuality(params UpsertVideoQualityParams) (models.VideoQuality, error) {
	quality := strings.TrimSpace(params.Quality)
	if quality == "" {
		return models.VideoQuality{}, fmt.Errorf("quality is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Videos[params.VideoID]; !ok {
		return models.VideoQuality{}, fmt.Errorf("video %s: %w", params.VideoID, ErrNotFound)
	}

	record := models.VideoQuality{
		VideoID:    params.VideoID,
		Quality:    quality,
		Path:       params.Path,
		SizeBytes:  params.SizeBytes,
		Bitrate:    params.Bitrate,
		Resolution: params.Resolution,
		CreatedAt:  s.now(),
	}

	updated := cloneDataset(s.data)
	qualities := updated.VideoQualities[params.VideoID]
	replaced := false
	for i, existing := range qualities {
		if existing.Quality == quality {
			record.CreatedAt = existing.CreatedAt
			qualities[i] = record
			replaced = true
			break
		}
	}
	if !replaced {
		qualities = append(qualities, record)
	}
	updated.VideoQualities[params.VideoID] = qualities

	if err := s.persistDataset(updated); err != nil {
		return models.VideoQuality{}, err
	}
	s.data = updated

	return record, nil
}

// ListVideoQualities returns the renditions recorded for a video ordered by
// ascending bitrate.
func (s *Storage) ListVideoQualities(videoID string) []models.VideoQuality {
	s.mu.RLock()
	defer s.mu.RUnlock()
	qualities := append([]models.VideoQuality(nil), s.data.VideoQualities[videoID]...)
	sort.Slice(qualities, func(i, j int) bool {
		if qualities[i].Bitrate == qualities[j].Bitrate {
			return qualities[i].Quality < qualities[j].Quality
		}
		return qualities[i].Bitrate < qualities[j].Bitrate
	})
	return qualities
}

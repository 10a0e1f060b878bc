package models

import (
	"fmt"
	"strings"
	"time"
)

// VideoStatus enumerates the processing lifecycle of an uploaded video.
type VideoStatus string

const (
	VideoStatusPending    VideoStatus = "pending"
	VideoStatusProcessing VideoStatus = "processing"
	VideoStatusCompleted  VideoStatus = "completed"
	VideoStatusFailed     VideoStatus = "failed"
)

// ParseVideoStatus normalizes and validates a status string.
func ParseVideoStatus(value string) (VideoStatus, error) {
	status := VideoStatus(strings.ToLower(strings.TrimSpace(value)))
	switch status {
	case VideoStatusPending, VideoStatusProcessing, VideoStatusCompleted, VideoStatusFailed:
		return status, nil
	default:
		return "", fmt.Errorf("unknown video status %q", value)
	}
}

// CanTransition reports whether moving from the receiver to next is a legal
// lifecycle step. Processing may re-enter processing because a retried job
// restarts the pipeline from scratch; terminal states never change.
func (s VideoStatus) CanTransition(next VideoStatus) bool {
	switch s {
	case VideoStatusPending:
		return next == VideoStatusProcessing
	case VideoStatusProcessing:
		switch next {
		case VideoStatusProcessing, VideoStatusCompleted, VideoStatusFailed:
			return true
		}
	}
	return false
}

// Terminal reports whether the status is a final lifecycle state.
func (s VideoStatus) Terminal() bool {
	return s == VideoStatusCompleted || s == VideoStatusFailed
}

// Video represents one uploaded media asset and its processing state.
type Video struct {
	ID              string      `json:"id"`
	OriginalName    string      `json:"originalName"`
	Filename        string      `json:"filename"`
	Path            string      `json:"path"`
	SizeBytes       int64       `json:"sizeBytes"`
	MimeType        string      `json:"mimeType"`
	Status          VideoStatus `json:"status"`
	DurationSeconds float64     `json:"durationSeconds,omitempty"`
	Thumbnail       string      `json:"thumbnail,omitempty"`
	ProcessingError string      `json:"processingError,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// VideoQuality is one transcoded rendition of a video. At most one record
// exists per (VideoID, Quality) pair.
type VideoQuality struct {
	VideoID    string    `json:"videoId"`
	Quality    string    `json:"quality"`
	Path       string    `json:"path"`
	SizeBytes  int64     `json:"sizeBytes"`
	Bitrate    int       `json:"bitrate"`
	Resolution string    `json:"resolution"`
	CreatedAt  time.Time `json:"createdAt"`
}

// User is a platform account. Roles carry coarse authorisation flags; the
// "admin" role bypasses enrollment checks on paid content.
type User struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Roles        []string  `json:"roles"`
	CreatedAt    time.Time `json:"createdAt"`
}

// HasRole reports whether the user carries the named role.
func (u User) HasRole(role string) bool {
	for _, candidate := range u.Roles {
		if strings.EqualFold(candidate, role) {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the user holds the administrative override role.
func (u User) IsAdmin() bool {
	return u.HasRole("admin")
}

// Course groups materials under a single owner.
type Course struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

// Material links a course unit to a video. Free materials stream without an
// enrollment check.
type Material struct {
	ID        string    `json:"id"`
	CourseID  string    `json:"courseId"`
	Title     string    `json:"title"`
	VideoID   string    `json:"videoId"`
	IsFree    bool      `json:"isFree"`
	CreatedAt time.Time `json:"createdAt"`
}

// EnrollmentStatus enumerates the lifecycle of a course enrollment.
type EnrollmentStatus string

const (
	EnrollmentStatusActive    EnrollmentStatus = "active"
	EnrollmentStatusCancelled EnrollmentStatus = "cancelled"
)

// Enrollment records a user's access to a course. Unique per
// (UserID, CourseID).
type Enrollment struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	CourseID  string           `json:"courseId"`
	Status    EnrollmentStatus `json:"status"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Active reports whether the enrollment currently grants access.
func (e Enrollment) Active() bool {
	return e.Status == EnrollmentStatusActive
}

// PlaybackProgress tracks the most recent playback position per user and
// material. Unique per (UserID, MaterialID); updates are best-effort.
type PlaybackProgress struct {
	UserID          string    `json:"userId"`
	MaterialID      string    `json:"materialId"`
	PositionSeconds float64   `json:"positionSeconds"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

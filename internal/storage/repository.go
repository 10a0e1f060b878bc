package storage

import (
	"context"

	"coursecast/internal/models"
)

// Repository exposes the datastore operations required by API handlers and
// the transcoding pipeline.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	CreateUser(params CreateUserParams) (models.User, error)
	AuthenticateUser(email, password string) (models.User, error)
	FindUserByEmail(email string) (models.User, bool)
	GetUser(id string) (models.User, bool)
	ListUsers() []models.User
	SetUserPassword(id, password string) (models.User, error)

	CreateVideo(params CreateVideoParams) (models.Video, error)
	GetVideo(id string) (models.Video, bool)
	ListVideos() []models.Video
	UpdateVideoStatus(id string, status models.VideoStatus, processingError string) (models.Video, error)
	SetVideoDuration(id string, seconds float64) (models.Video, error)
	SetVideoThumbnail(id, path string) (models.Video, error)
	DeleteVideo(id string) error
	UpsertVideoQuality(params UpsertVideoQualityParams) (models.VideoQuality, error)
	ListVideoQualities(videoID string) []models.VideoQuality

	CreateCourse(ownerID, title string) (models.Course, error)
	GetCourse(id string) (models.Course, bool)
	CreateMaterial(params CreateMaterialParams) (models.Material, error)
	GetMaterial(id string) (models.Material, bool)
	ListMaterials(courseID string) []models.Material

	Enroll(userID, courseID string) (models.Enrollment, error)
	CancelEnrollment(userID, courseID string) (models.Enrollment, error)
	GetEnrollment(userID, courseID string) (models.Enrollment, bool)

	UpsertPlaybackProgress(userID, materialID string, positionSeconds float64) (models.PlaybackProgress, error)
	GetPlaybackProgress(userID, materialID string) (models.PlaybackProgress, bool)
}

var _ Repository = (*Storage)(nil)

package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"coursecast/internal/models"
)

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository and ensures the
// schema exists.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.QueryTimeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := EnsurePostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &postgresRepository{pool: pool, cfg: cfg}, nil
}

func (r *postgresRepository) queryCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.cfg.QueryTimeout)
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// User operations

const userColumns = "id, display_name, email, password_hash, roles, created_at"

func scanUser(row pgx.Row) (models.User, error) {
	var user models.User
	err := row.Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Roles, &user.CreatedAt)
	return user, err
}

func (r *postgresRepository) CreateUser(params CreateUserParams) (models.User, error) {
	email := strings.ToLower(strings.TrimSpace(params.Email))
	if email == "" {
		return models.User{}, errors.New("email is required")
	}
	if strings.TrimSpace(params.DisplayName) == "" {
		return models.User{}, errors.New("display name is required")
	}
	if len(params.Password) < 8 {
		return models.User{}, errors.New("password must be at least 8 characters")
	}
	hashed, err := hashPassword(params.Password)
	if err != nil {
		return models.User{}, fmt.Errorf("hash password: %w", err)
	}
	id, err := generateID()
	if err != nil {
		return models.User{}, err
	}

	user := models.User{
		ID:           id,
		DisplayName:  strings.TrimSpace(params.DisplayName),
		Email:        email,
		PasswordHash: hashed,
		Roles:        normalizeRoles(params.Roles),
		CreatedAt:    r.cfg.Clock(),
	}
	roles := user.Roles
	if roles == nil {
		roles = []string{}
	}

	ctx, cancel := r.queryCtx()
	defer cancel()
	_, err = r.pool.Exec(ctx,
		"INSERT INTO users (id, display_name, email, password_hash, roles, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		user.ID, user.DisplayName, user.Email, user.PasswordHash, roles, user.CreatedAt)
	if err != nil {
		return models.User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (r *postgresRepository) AuthenticateUser(email, password string) (models.User, error) {
	if password == "" {
		return models.User{}, errors.New("password is required")
	}
	user, ok := r.FindUserByEmail(email)
	if !ok {
		return models.User{}, ErrInvalidCredentials
	}
	if user.PasswordHash == "" {
		return models.User{}, ErrPasswordLoginUnsupported
	}
	if err := verifyPassword(user.PasswordHash, password); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return models.User{}, ErrInvalidCredentials
		}
		return models.User{}, err
	}
	return user, nil
}

func (r *postgresRepository) FindUserByEmail(email string) (models.User, bool) {
	ctx, cancel := r.queryCtx()
	defer cancel()
	user, err := scanUser(r.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE LOWER(email) = LOWER($1)", strings.TrimSpace(email)))
	if err != nil {
		return models.User{}, false
	}
	return user, true
}

func (r *postgresRepository) GetUser(id string) (models.User, bool) {
	ctx, cancel := r.queryCtx()
	defer cancel()
	user, err := scanUser(r.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1", id))
	if err != nil {
		return models.User{}, false
	}
	return user, true
}

func (r *postgresRepository) ListUsers() []models.User {
	ctx, cancel := r.queryCtx()
	defer cancel()
	rows, err := r.pool.Query(ctx,
		"SELECT "+userColumns+" FROM users ORDER BY created_at, id")
	if err != nil {
		return nil
	}
	defer rows.Close()
	var users []models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil
		}
		users = append(users, user)
	}
	return users
}

func (r *postgresRepository) SetUserPassword(id, password string) (models.User, error) {
	if len(password) < 8 {
		return models.User{}, errors.New("password must be at least 8 characters")
	}
	hashed, err := hashPassword(password)
	if err != nil {
		return models.User{}, fmt.Errorf("hash password: %w", err)
	}
	ctx, cancel := r.queryCtx()
	defer cancel()
	user, err := scanUser(r.pool.QueryRow(ctx,
		"UPDATE users SET password_hash = $2 WHERE id = $1 RETURNING "+userColumns, id, hashed))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.User{}, fmt.Errorf("update password: %w", err)
	}
	return user, nil
}

// Video operations

const videoColumns = "id, original_name, filename, path, size_bytes, mime_type, status, duration_seconds, thumbnail, processing_error, created_at, updated_at"

func scanVideo(row pgx.Row) (models.Video, error) {
	var video models.Video
	var status string
	err := row.Scan(&video.ID, &video.OriginalName, &video.Filename, &video.Path,
		&video.SizeBytes, &video.MimeType, &status, &video.DurationSeconds,
		&video.Thumbnail, &video.ProcessingError, &video.CreatedAt, &video.UpdatedAt)
	if err != nil {
		return models.Video{}, err
	}
	video.Status = models.VideoStatus(status)
	return video, nil
}

func (r *postgresRepository) CreateVideo(params CreateVideoParams) (models.Video, error) {
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
	now := r.cfg.Clock()
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
	ctx, cancel := r.queryCtx()
	defer cancel()
	_, err = r.pool.Exec(ctx,
		"INSERT INTO videos (id, original_name, filename, path, size_bytes, mime_type, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		video.ID, video.OriginalName, video.Filename, video.Path, video.SizeBytes, video.MimeType, string(video.Status), video.CreatedAt, video.UpdatedAt)
	if err != nil {
		return models.Video{}, fmt.Errorf("insert video: %w", err)
	}
	return video, nil
}

func (r *postgresRepository) GetVideo(id string) (models.Video, bool) {
	ctx, cancel := r.queryCtx()
	defer cancel()
	video, err := scanVideo(r.pool.QueryRow(ctx,
		"SELECT "+videoColumns+" FROM videos WHERE id = $1", id))
	if err != nil {
		return models.Video{}, false
	}
	return video, true
}

func (r *postgresRepository) ListVideos() []models.Video {
	ctx, cancel := r.queryCtx()
	defer cancel()
	rows, err := r.pool.Query(ctx,
		"SELECT "+videoColumns+" FROM videos ORDER BY created_at DESC, id")
	if err != nil {
		return nil
	}
	defer rows.Close()
	var videos []models.Video
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil
		}
		videos = append(videos, video)
	}
	return videos
}

// UpdateVideoStatus enforces the lifecycle inside a transaction so concurrent
// workers cannot race a terminal state back to processing.
func (r *postgresRepository) UpdateVideoStatus(id string, status models.VideoStatus, processingError string) (models.Video, error) {
	ctx, cancel := r.queryCtx()
	defer cancel()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Video{}, fmt.Errorf("begin status update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := scanVideo(tx.QueryRow(ctx,
		"SELECT "+videoColumns+" FROM videos WHERE id = $1 FOR UPDATE", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Video{}, fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Video{}, fmt.Errorf("load video: %w", err)
	}
	if !current.Status.CanTransition(status) {
		return models.Video{}, fmt.Errorf("video %s: %s -> %s: %w", id, current.Status, status, ErrInvalidTransition)
	}

	current.Status = status
	current.UpdatedAt = r.cfg.Clock()
	if status == models.VideoStatusFailed {
		if strings.TrimSpace(processingError) == "" {
			processingError = "processing failed"
		}
		current.ProcessingError = processingError
	} else {
		current.ProcessingError = ""
	}

	_, err = tx.Exec(ctx,
		"UPDATE videos SET status = $2, processing_error = $3, updated_at = $4 WHERE id = $1",
		id, string(current.Status), current.ProcessingError, current.UpdatedAt)
	if err != nil {
		return models.Video{}, fmt.Errorf("update video status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Video{}, fmt.Errorf("commit status update: %w", err)
	}
	return current, nil
}

func (r *postgresRepository) SetVideoDuration(id string, seconds float64) (models.Video, error) {
	if seconds < 0 {
		return models.Video{}, fmt.Errorf("duration must not be negative")
	}
	ctx, cancel := r.queryCtx()
	defer cancel()
	video, err := scanVideo(r.pool.QueryRow(ctx,
		"UPDATE videos SET duration_seconds = $2, updated_at = $3 WHERE id = $1 RETURNING "+videoColumns,
		id, seconds, r.cfg.Clock()))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Video{}, fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Video{}, fmt.Errorf("update video duration: %w", err)
	}
	return video, nil
}

func (r *postgresRepository) SetVideoThumbnail(id, path string) (models.Video, error) {
	ctx, cancel := r.queryCtx()
	defer cancel()
	video, err := scanVideo(r.pool.QueryRow(ctx,
		"UPDATE videos SET thumbnail = $2, updated_at = $3 WHERE id = $1 RETURNING "+videoColumns,
		id, path, r.cfg.Clock()))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Video{}, fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Video{}, fmt.Errorf("update video thumbnail: %w", err)
	}
	return video, nil
}

func (r *postgresRepository) DeleteVideo(id string) error {
	ctx, cancel := r.queryCtx()
	defer cancel()
	tag, err := r.pool.Exec(ctx, "DELETE FROM videos WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete video: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *postgresRepository) UpsertVideoQuality(params UpsertVideoQualityParams) (models.VideoQuality, error) {
	quality := strings.TrimSpace(params.Quality)
	if quality == "" {
		return models.VideoQuality{}, fmt.Errorf("quality is required")
	}
	record := models.VideoQuality{
		VideoID:    params.VideoID,
		Quality:    quality,
		Path:       params.Path,
		SizeBytes:  params.SizeBytes,
		Bitrate:    params.Bitrate,
		Resolution: params.Resolution,
		CreatedAt:  r.cfg.Clock(),
	}
	ctx, cancel := r.queryCtx()
	defer cancel()
	err := r.pool.QueryRow(ctx,
		`INSERT INTO video_qualities (video_id, quality, path, size_bytes, bitrate, resolution, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (video_id, quality) DO UPDATE
		 SET path = EXCLUDED.path, size_bytes = EXCLUDED.size_bytes,
		     bitrate = EXCLUDED.bitrate, resolution = EXCLUDED.resolution
		 RETURNING created_at`,
		record.VideoID, record.Quality, record.Path, record.SizeBytes, record.Bitrate, record.Resolution, record.CreatedAt).
		Scan(&record.CreatedAt)
	if err != nil {
		return models.VideoQuality{}, fmt.Errorf("upsert video quality: %w", err)
	}
	return record, nil
}

func (r *postgresRepository) ListVideoQualities(videoID string) []models.VideoQuality {
	ctx, cancel := r.queryCtx()
	defer cancel()
	rows, err := r.pool.Query(ctx,
		"SELECT video_id, quality, path, size_bytes, bitrate, resolution, created_at FROM video_qualities WHERE video_id = $1 ORDER BY bitrate, quality",
		videoID)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var qualities []models.VideoQuality
	for rows.Next() {
		var record models.VideoQuality
		if err := rows.Scan(&record.VideoID, &record.Quality, &record.Path, &record.SizeBytes, &record.Bitrate, &record.Resolution, &record.CreatedAt); err != nil {
			return nil
		}
		qualities = append(qualities, record)
	}
	return qualities
}

// Catalog operations

func (r *postgresRepository) CreateCourse(ownerID, title string) (models.Course, error) {
	if strings.TrimSpace(title) == "" {
		return models.Course{}, fmt.Errorf("title is required")
	}
	id, err := generateID()
	if err != nil {
		return models.Course{}, err
	}
	course := models.Course{
		ID:        id,
		OwnerID:   ownerID,
		Title:     strings.TrimSpace(title),
		CreatedAt: r.cfg.Clock(),
	}
	ctx, cancel := r.queryCtx()
	defer cancel()
	_, err = r.pool.Exec(ctx,
		"INSERT INTO courses (id, owner_id, title, created_at) VALUES ($1, $2, $3, $4)",
		course.ID, course.OwnerID, course.Title, course.CreatedAt)
	if err != nil {
		return models.Course{}, fmt.Errorf("insert course: %w", err)
	}
	return course, nil
}

func (r *postgresRepository) GetCourse(id string) (models.Course, bool) {
	ctx, cancel := r.queryCtx()
	defer cancel()
	var course models.Course
	err := r.pool.QueryRow(ctx,
		"SELECT id, owner_id, title, created_at FROM courses WHERE id = $1", id).
		Scan(&course.ID, &course.OwnerID, &course.Title, &course.CreatedAt)
	if err != nil {
		return models.Course{}, false
	}
	return course, true
}

func (r *postgresRepository) CreateMaterial(params CreateMaterialParams) (models.Material, error) {
	if strings.TrimSpace(params.Title) == "" {
		return models.Material{}, fmt.Errorf("title is required")
	}
	id, err := generateID()
	if err != nil {
		return models.Material{}, err
	}
	material := models.Material{
		ID:        id,
		CourseID:  params.CourseID,
		Title:     strings.TrimSpace(params.Title),
		VideoID:   params.VideoID,
		IsFree:    params.IsFree,
		CreatedAt: r.cfg.Clock(),
	}
	ctx, cancel := r.queryCtx()
	defer cancel()
	_, err = r.pool.Exec(ctx,
		"INSERT INTO materials (id, course_id, title, video_id, is_free, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		material.ID, material.CourseID, material.Title, material.VideoID, material.IsFree, material.CreatedAt)
	if err != nil {
		return models.Material{}, fmt.Errorf("insert material: %w", err)
	}
	return material, nil
}

func (r *postgresRepository) GetMaterial(id string) (models.Material, bool) {
	ctx, cancel := r.queryCtx()
	defer cancel()
	var material models.Material
	err := r.pool.QueryRow(ctx,
		"SELECT id, course_id, title, video_id, is_free, created_at FROM materials WHERE id = $1", id).
		Scan(&material.ID, &material.CourseID, &material.Title, &material.VideoID, &material.IsFree, &material.CreatedAt)
	if err != nil {
		return models.Material{}, false
	}
	return material, true
}

func (r *postgresRepository) ListMaterials(courseID string) []models.Material {
	ctx, cancel := r.queryCtx()
	defer cancel()
	rows, err := r.pool.Query(ctx,
		"SELECT id, course_id, title, video_id, is_free, created_at FROM materials WHERE course_id = $1 ORDER BY created_at, id",
		courseID)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var materials []models.Material
	for rows.Next() {
		var material models.Material
		if err := rows.Scan(&material.ID, &material.CourseID, &material.Title, &material.VideoID, &material.IsFree, &material.CreatedAt); err != nil {
			return nil
		}
		materials = append(materials, material)
	}
	return materials
}

func (r *postgresRepository) Enroll(userID, courseID string) (models.Enrollment, error) {
	id, err := generateID()
	if err != nil {
		return models.Enrollment{}, err
	}
	now := r.cfg.Clock()
	enrollment := models.Enrollment{
		ID:        id,
		UserID:    userID,
		CourseID:  courseID,
		Status:    models.EnrollmentStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ctx, cancel := r.queryCtx()
	defer cancel()
	var status string
	err = r.pool.QueryRow(ctx,
		`INSERT INTO enrollments (id, user_id, course_id, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, course_id) DO UPDATE
		 SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
		 RETURNING id, status, created_at`,
		enrollment.ID, userID, courseID, string(enrollment.Status), now, now).
		Scan(&enrollment.ID, &status, &enrollment.CreatedAt)
	if err != nil {
		return models.Enrollment{}, fmt.Errorf("upsert enrollment: %w", err)
	}
	enrollment.Status = models.EnrollmentStatus(status)
	return enrollment, nil
}

func (r *postgresRepository) CancelEnrollment(userID, courseID string) (models.Enrollment, error) {
	ctx, cancel := r.queryCtx()
	defer cancel()
	var enrollment models.Enrollment
	var status string
	err := r.pool.QueryRow(ctx,
		`UPDATE enrollments SET status = $3, updated_at = $4
		 WHERE user_id = $1 AND course_id = $2
		 RETURNING id, user_id, course_id, status, created_at, updated_at`,
		userID, courseID, string(models.EnrollmentStatusCancelled), r.cfg.Clock()).
		Scan(&enrollment.ID, &enrollment.UserID, &enrollment.CourseID, &status, &enrollment.CreatedAt, &enrollment.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Enrollment{}, fmt.Errorf("enrollment for user %s in course %s: %w", userID, courseID, ErrNotFound)
	}
	if err != nil {
		return models.Enrollment{}, fmt.Errorf("cancel enrollment: %w", err)
	}
	enrollment.Status = models.EnrollmentStatus(status)
	return enrollment, nil
}

func (r *postgresRepository) GetEnrollment(userID, courseID string) (models.Enrollment, bool) {
	ctx, cancel := r.queryCtx()
	defer cancel()
	var enrollment models.Enrollment
	var status string
	err := r.pool.QueryRow(ctx,
		"SELECT id, user_id, course_id, status, created_at, updated_at FROM enrollments WHERE user_id = $1 AND course_id = $2",
		userID, courseID).
		Scan(&enrollment.ID, &enrollment.UserID, &enrollment.CourseID, &status, &enrollment.CreatedAt, &enrollment.UpdatedAt)
	if err != nil {
		return models.Enrollment{}, false
	}
	enrollment.Status = models.EnrollmentStatus(status)
	return enrollment, true
}

func (r *postgresRepository) UpsertPlaybackProgress(userID, materialID string, positionSeconds float64) (models.PlaybackProgress, error) {
	if positionSeconds < 0 {
		positionSeconds = 0
	}
	entry := models.PlaybackProgress{
		UserID:          userID,
		MaterialID:      materialID,
		PositionSeconds: positionSeconds,
		UpdatedAt:       r.cfg.Clock(),
	}
	ctx, cancel := r.queryCtx()
	defer cancel()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO playback_progress (user_id, material_id, position_seconds, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, material_id) DO UPDATE
		 SET position_seconds = EXCLUDED.position_seconds, updated_at = EXCLUDED.updated_at`,
		entry.UserID, entry.MaterialID, entry.PositionSeconds, entry.UpdatedAt)
	if err != nil {
		return models.PlaybackProgress{}, fmt.Errorf("upsert playback progress: %w", err)
	}
	return entry, nil
}

func (r *postgresRepository) GetPlaybackProgress(userID, materialID string) (models.PlaybackProgress, bool) {
	ctx, cancel := r.queryCtx()
	defer cancel()
	var entry models.PlaybackProgress
	err := r.pool.QueryRow(ctx,
		"SELECT user_id, material_id, position_seconds, updated_at FROM playback_progress WHERE user_id = $1 AND material_id = $2",
		userID, materialID).
		Scan(&entry.UserID, &entry.MaterialID, &entry.PositionSeconds, &entry.UpdatedAt)
	if err != nil {
		return models.PlaybackProgress{}, false
	}
	return entry, true
}

var _ Repository = (*postgresRepository)(nil)

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/jackc/pgx/v5"

	"coursecast/internal/models"
)

// Snapshot is a flattened, order-stable copy of the JSON dataset. It preserves
// IDs, password hashes, and timestamps so a migrated deployment is
// indistinguishable from the original.
type Snapshot struct {
	Users            []models.User
	Videos           []models.Video
	VideoQualities   []models.VideoQuality
	Courses          []models.Course
	Materials        []models.Material
	Enrollments      []models.Enrollment
	PlaybackProgress []models.PlaybackProgress
}

// SnapshotCounts reports per-table record totals, used to verify a migration.
type SnapshotCounts struct {
	Users            int
	Videos           int
	VideoQualities   int
	Courses          int
	Materials        int
	Enrollments      int
	PlaybackProgress int
}

// Counts tallies the snapshot contents.
func (s Snapshot) Counts() SnapshotCounts {
	return SnapshotCounts{
		Users:            len(s.Users),
		Videos:           len(s.Videos),
		VideoQualities:   len(s.VideoQualities),
		Courses:          len(s.Courses),
		Materials:        len(s.Materials),
		Enrollments:      len(s.Enrollments),
		PlaybackProgress: len(s.PlaybackProgress),
	}
}

// LoadSnapshotFromJSON reads a JSON datastore file without going through
// Storage, so a snapshot can be taken while the original file is offline.
func LoadSnapshotFromJSON(path string) (Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read datastore: %w", err)
	}
	var data dataset
	if err := json.Unmarshal(raw, &data); err != nil {
		return Snapshot{}, fmt.Errorf("decode datastore: %w", err)
	}

	var snap Snapshot
	for _, user := range data.Users {
		snap.Users = append(snap.Users, user)
	}
	for _, video := range data.Videos {
		snap.Videos = append(snap.Videos, video)
	}
	for _, qualities := range data.VideoQualities {
		snap.VideoQualities = append(snap.VideoQualities, qualities...)
	}
	for _, course := range data.Courses {
		snap.Courses = append(snap.Courses, course)
	}
	for _, material := range data.Materials {
		snap.Materials = append(snap.Materials, material)
	}
	for _, enrollment := range data.Enrollments {
		snap.Enrollments = append(snap.Enrollments, enrollment)
	}
	for _, byMaterial := range data.PlaybackProgress {
		for _, entry := range byMaterial {
			snap.PlaybackProgress = append(snap.PlaybackProgress, entry)
		}
	}

	sort.Slice(snap.Users, func(i, j int) bool { return snap.Users[i].ID < snap.Users[j].ID })
	sort.Slice(snap.Videos, func(i, j int) bool { return snap.Videos[i].ID < snap.Videos[j].ID })
	sort.Slice(snap.VideoQualities, func(i, j int) bool {
		a, b := snap.VideoQualities[i], snap.VideoQualities[j]
		if a.VideoID != b.VideoID {
			return a.VideoID < b.VideoID
		}
		return a.Quality < b.Quality
	})
	sort.Slice(snap.Courses, func(i, j int) bool { return snap.Courses[i].ID < snap.Courses[j].ID })
	sort.Slice(snap.Materials, func(i, j int) bool { return snap.Materials[i].ID < snap.Materials[j].ID })
	sort.Slice(snap.Enrollments, func(i, j int) bool { return snap.Enrollments[i].ID < snap.Enrollments[j].ID })
	sort.Slice(snap.PlaybackProgress, func(i, j int) bool {
		a, b := snap.PlaybackProgress[i], snap.PlaybackProgress[j]
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		return a.MaterialID < b.MaterialID
	})
	return snap, nil
}

// ImportSnapshotToPostgres writes a snapshot into a Postgres repository in a
// single transaction. Records are inserted verbatim; ON CONFLICT DO NOTHING
// makes a rerun after a partial failure safe.
func ImportSnapshotToPostgres(ctx context.Context, repo Repository, snap Snapshot) error {
	pg, ok := repo.(*postgresRepository)
	if !ok {
		return errors.New("snapshot import requires a postgres repository")
	}

	tx, err := pg.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin import: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, user := range snap.Users {
		roles := user.Roles
		if roles == nil {
			roles = []string{}
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO users (id, display_name, email, password_hash, roles, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`,
			user.ID, user.DisplayName, user.Email, user.PasswordHash, roles, user.CreatedAt)
		if err != nil {
			return fmt.Errorf("import user %s: %w", user.ID, err)
		}
	}
	for _, video := range snap.Videos {
		_, err := tx.Exec(ctx,
			`INSERT INTO videos (id, original_name, filename, path, size_bytes, mime_type, status, duration_seconds, thumbnail, processing_error, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) ON CONFLICT (id) DO NOTHING`,
			video.ID, video.OriginalName, video.Filename, video.Path, video.SizeBytes, video.MimeType,
			string(video.Status), video.DurationSeconds, video.Thumbnail, video.ProcessingError,
			video.CreatedAt, video.UpdatedAt)
		if err != nil {
			return fmt.Errorf("import video %s: %w", video.ID, err)
		}
	}
	for _, quality := range snap.VideoQualities {
		_, err := tx.Exec(ctx,
			`INSERT INTO video_qualities (video_id, quality, path, size_bytes, bitrate, resolution, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (video_id, quality) DO NOTHING`,
			quality.VideoID, quality.Quality, quality.Path, quality.SizeBytes, quality.Bitrate, quality.Resolution, quality.CreatedAt)
		if err != nil {
			return fmt.Errorf("import quality %s/%s: %w", quality.VideoID, quality.Quality, err)
		}
	}
	for _, course := range snap.Courses {
		_, err := tx.Exec(ctx,
			`INSERT INTO courses (id, owner_id, title, created_at)
			 VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING`,
			course.ID, course.OwnerID, course.Title, course.CreatedAt)
		if err != nil {
			return fmt.Errorf("import course %s: %w", course.ID, err)
		}
	}
	for _, material := range snap.Materials {
		_, err := tx.Exec(ctx,
			`INSERT INTO materials (id, course_id, title, video_id, is_free, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`,
			material.ID, material.CourseID, material.Title, material.VideoID, material.IsFree, material.CreatedAt)
		if err != nil {
			return fmt.Errorf("import material %s: %w", material.ID, err)
		}
	}
	for _, enrollment := range snap.Enrollments {
		_, err := tx.Exec(ctx,
			`INSERT INTO enrollments (id, user_id, course_id, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (user_id, course_id) DO NOTHING`,
			enrollment.ID, enrollment.UserID, enrollment.CourseID, string(enrollment.Status),
			enrollment.CreatedAt, enrollment.UpdatedAt)
		if err != nil {
			return fmt.Errorf("import enrollment %s: %w", enrollment.ID, err)
		}
	}
	for _, entry := range snap.PlaybackProgress {
		_, err := tx.Exec(ctx,
			`INSERT INTO playback_progress (user_id, material_id, position_seconds, updated_at)
			 VALUES ($1, $2, $3, $4) ON CONFLICT (user_id, material_id) DO NOTHING`,
			entry.UserID, entry.MaterialID, entry.PositionSeconds, entry.UpdatedAt)
		if err != nil {
			return fmt.Errorf("import playback progress %s/%s: %w", entry.UserID, entry.MaterialID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit import: %w", err)
	}
	return nil
}

package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		email TEXT NOT NULL,
		password_hash TEXT NOT NULL DEFAULT '',
		roles TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_email_unique ON users (LOWER(email))`,
	`CREATE TABLE IF NOT EXISTS videos (
		id TEXT PRIMARY KEY,
		original_name TEXT NOT NULL,
		filename TEXT NOT NULL,
		path TEXT NOT NULL,
		size_bytes BIGINT NOT NULL DEFAULT 0,
		mime_type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		thumbnail TEXT NOT NULL DEFAULT '',
		processing_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS video_qualities (
		video_id TEXT NOT NULL REFERENCES videos (id) ON DELETE CASCADE,
		quality TEXT NOT NULL,
		path TEXT NOT NULL,
		size_bytes BIGINT NOT NULL DEFAULT 0,
		bitrate INTEGER NOT NULL DEFAULT 0,
		resolution TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (video_id, quality)
	)`,
	`CREATE TABLE IF NOT EXISTS courses (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL REFERENCES users (id),
		title TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS materials (
		id TEXT PRIMARY KEY,
		course_id TEXT NOT NULL REFERENCES courses (id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		video_id TEXT NOT NULL REFERENCES videos (id),
		is_free BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS enrollments (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users (id),
		course_id TEXT NOT NULL REFERENCES courses (id) ON DELETE CASCADE,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (user_id, course_id)
	)`,
	`CREATE TABLE IF NOT EXISTS playback_progress (
		user_id TEXT NOT NULL REFERENCES users (id),
		material_id TEXT NOT NULL REFERENCES materials (id) ON DELETE CASCADE,
		position_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (user_id, material_id)
	)`,
}

// EnsurePostgresSchema applies the schema statements required by the Postgres
// repository. Statements are idempotent so the call is safe on every boot.
func EnsurePostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return fmt.Errorf("postgres pool is required")
	}
	for _, statement := range migrationStatements {
		if _, err := pool.Exec(ctx, statement); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}

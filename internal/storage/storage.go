package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"coursecast/internal/models"
)

const (
	passwordHashSaltLength = 16
	passwordHashKeyLength  = 32
	passwordHashIterations = 120000
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidTransition indicates a video status update that violates the
	// processing lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")

	ErrInvalidCredentials       = errors.New("invalid credentials")
	ErrPasswordLoginUnsupported = errors.New("account does not support password login")
)

type dataset struct {
	Users            map[string]models.User                       `json:"users"`
	Videos           map[string]models.Video                      `json:"videos"`
	VideoQualities   map[string][]models.VideoQuality             `json:"videoQualities"`
	Courses          map[string]models.Course                     `json:"courses"`
	Materials        map[string]models.Material                   `json:"materials"`
	Enrollments      map[string]models.Enrollment                 `json:"enrollments"`
	PlaybackProgress map[string]map[string]models.PlaybackProgress `json:"playbackProgress"`
}

// Storage is the JSON-file-backed repository implementation. All mutations
// clone the dataset, persist the clone, and only then swap it in so a failed
// write never leaves partial state in memory.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
	now             func() time.Time
}

func newDataset() dataset {
	return dataset{
		Users:            make(map[string]models.User),
		Videos:           make(map[string]models.Video),
		VideoQualities:   make(map[string][]models.VideoQuality),
		Courses:          make(map[string]models.Course),
		Materials:        make(map[string]models.Material),
		Enrollments:      make(map[string]models.Enrollment),
		PlaybackProgress: make(map[string]map[string]models.PlaybackProgress),
	}
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Users == nil {
		s.data.Users = make(map[string]models.User)
	}
	if s.data.Videos == nil {
		s.data.Videos = make(map[string]models.Video)
	}
	if s.data.VideoQualities == nil {
		s.data.VideoQualities = make(map[string][]models.VideoQuality)
	}
	if s.data.Courses == nil {
		s.data.Courses = make(map[string]models.Course)
	}
	if s.data.Materials == nil {
		s.data.Materials = make(map[string]models.Material)
	}
	if s.data.Enrollments == nil {
		s.data.Enrollments = make(map[string]models.Enrollment)
	}
	if s.data.PlaybackProgress == nil {
		s.data.PlaybackProgress = make(map[string]map[string]models.PlaybackProgress)
	}
}

// NewStorage opens (or initialises) the JSON store at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: path,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	s.ensureDatasetInitializedLocked()

	return nil
}

// Ping reports whether the backing file's directory is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Dir(s.filePath)); err != nil {
		return fmt.Errorf("stat data dir: %w", err)
	}
	return nil
}

// Close flushes the current dataset to disk.
func (s *Storage) Close(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistDataset(s.data)
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func cloneDataset(src dataset) dataset {
	clone := newDataset()

	for id, user := range src.Users {
		cloned := user
		if user.Roles != nil {
			cloned.Roles = append([]string(nil), user.Roles...)
		}
		clone.Users[id] = cloned
	}

	for id, video := range src.Videos {
		clone.Videos[id] = video
	}

	for videoID, qualities := range src.VideoQualities {
		clone.VideoQualities[videoID] = append([]models.VideoQuality(nil), qualities...)
	}

	for id, course := range src.Courses {
		clone.Courses[id] = course
	}

	for id, material := range src.Materials {
		clone.Materials[id] = material
	}

	for id, enrollment := range src.Enrollments {
		clone.Enrollments[id] = enrollment
	}

	for userID, progress := range src.PlaybackProgress {
		cloned := make(map[string]models.PlaybackProgress, len(progress))
		for materialID, entry := range progress {
			cloned[materialID] = entry
		}
		clone.PlaybackProgress[userID] = cloned
	}

	return clone
}

func generateID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

func normalizeRoles(input []string) []string {
	if len(input) == 0 {
		return nil
	}
	roles := make([]string, 0, len(input))
	seen := make(map[string]struct{})
	for _, role := range input {
		trimmed := strings.TrimSpace(role)
		if trimmed == "" {
			continue
		}
		normalized := strings.ToLower(trimmed)
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		roles = append(roles, normalized)
	}
	if len(roles) == 0 {
		return nil
	}
	sort.Strings(roles)
	return roles
}

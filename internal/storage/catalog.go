package storage

import (
	"fmt"
	"sort"
	"strings"

	"coursecast/internal/models"
)

// CreateMaterialParams captures a new course unit.
type CreateMaterialParams struct {
	CourseID string
	Title    string
	VideoID  string
	IsFree   bool
}

// CreateCourse registers a course owned by the provided user.
func (s *Storage) CreateCourse(ownerID, title string) (models.Course, error) {
	if strings.TrimSpace(title) == "" {
		return models.Course{}, fmt.Errorf("title is required")
	}

	id, err := generateID()
	if err != nil {
		return models.Course{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Users[ownerID]; !ok {
		return models.Course{}, fmt.Errorf("owner %s: %w", ownerID, ErrNotFound)
	}

	course := models.Course{
		ID:        id,
		OwnerID:   ownerID,
		Title:     strings.TrimSpace(title),
		CreatedAt: s.now(),
	}

	updated := cloneDataset(s.data)
	updated.Courses[id] = course

	if err := s.persistDataset(updated); err != nil {
		return models.Course{}, err
	}
	s.data = updated

	return course, nil
}

// GetCourse returns the course with the provided ID.
func (s *Storage) GetCourse(id string) (models.Course, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	course, ok := s.data.Courses[id]
	return course, ok
}

// CreateMaterial attaches a video to a course as a streamable unit.
func (s *Storage) CreateMaterial(params CreateMaterialParams) (models.Material, error) {
	if strings.TrimSpace(params.Title) == "" {
		return models.Material{}, fmt.Errorf("title is required")
	}

	id, err := generateID()
	if err != nil {
		return models.Material{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Courses[params.CourseID]; !ok {
		return models.Material{}, fmt.Errorf("course %s: %w", params.CourseID, ErrNotFound)
	}
	if _, ok := s.data.Videos[params.VideoID]; !ok {
		return models.Material{}, fmt.Errorf("video %s: %w", params.VideoID, ErrNotFound)
	}

	material := models.Material{
		ID:        id,
		CourseID:  params.CourseID,
		Title:     strings.TrimSpace(params.Title),
		VideoID:   params.VideoID,
		IsFree:    params.IsFree,
		CreatedAt: s.now(),
	}

	updated := cloneDataset(s.data)
	updated.Materials[id] = material

	if err := s.persistDataset(updated); err != nil {
		return models.Material{}, err
	}
	s.data = updated

	return material, nil
}

// GetMaterial returns the material with the provided ID.
func (s *Storage) GetMaterial(id string) (models.Material, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	material, ok := s.data.Materials[id]
	return material, ok
}

// ListMaterials returns the materials of a course ordered by creation time.
func (s *Storage) ListMaterials(courseID string) []models.Material {
	s.mu.RLock()
	defer s.mu.RUnlock()
	materials := make([]models.Material, 0)
	for _, material := range s.data.Materials {
		if material.CourseID == courseID {
			materials = append(materials, material)
		}
	}
	sort.Slice(materials, func(i, j int) bool {
		if materials[i].CreatedAt.Equal(materials[j].CreatedAt) {
			return materials[i].ID < materials[j].ID
		}
		return materials[i].CreatedAt.Before(materials[j].CreatedAt)
	})
	return materials
}

// Enroll grants a user access to a course. Re-enrolling reactivates a
// cancelled enrollment rather than creating a duplicate.
func (s *Storage) Enroll(userID, courseID string) (models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Users[userID]; !ok {
		return models.Enrollment{}, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if _, ok := s.data.Courses[courseID]; !ok {
		return models.Enrollment{}, fmt.Errorf("course %s: %w", courseID, ErrNotFound)
	}

	now := s.now()
	updated := cloneDataset(s.data)

	for id, enrollment := range updated.Enrollments {
		if enrollment.UserID == userID && enrollment.CourseID == courseID {
			enrollment.Status = models.EnrollmentStatusActive
			enrollment.UpdatedAt = now
			updated.Enrollments[id] = enrollment
			if err := s.persistDataset(updated); err != nil {
				return models.Enrollment{}, err
			}
			s.data = updated
			return enrollment, nil
		}
	}

	id, err := generateID()
	if err != nil {
		return models.Enrollment{}, err
	}
	enrollment := models.Enrollment{
		ID:        id,
		UserID:    userID,
		CourseID:  courseID,
		Status:    models.EnrollmentStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	updated.Enrollments[id] = enrollment

	if err := s.persistDataset(updated); err != nil {
		return models.Enrollment{}, err
	}
	s.data = updated

	return enrollment, nil
}

// CancelEnrollment revokes a user's access to a course.
func (s *Storage) CancelEnrollment(userID, courseID string) (models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := cloneDataset(s.data)
	for id, enrollment := range updated.Enrollments {
		if enrollment.UserID == userID && enrollment.CourseID == courseID {
			enrollment.Status = models.EnrollmentStatusCancelled
			enrollment.UpdatedAt = s.now()
			updated.Enrollments[id] = enrollment
			if err := s.persistDataset(updated); err != nil {
				return models.Enrollment{}, err
			}
			s.data = updated
			return enrollment, nil
		}
	}
	return models.Enrollment{}, fmt.Errorf("enrollment for user %s in course %s: %w", userID, courseID, ErrNotFound)
}

// GetEnrollment looks up the enrollment for a (user, course) pair.
func (s *Storage) GetEnrollment(userID, courseID string) (models.Enrollment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, enrollment := range s.data.Enrollments {
		if enrollment.UserID == userID && enrollment.CourseID == courseID {
			return enrollment, true
		}
	}
	return models.Enrollment{}, false
}

// UpsertPlaybackProgress records the most recent playback position for a
// (user, material) pair.
func (s *Storage) UpsertPlaybackProgress(userID, materialID string, positionSeconds float64) (models.PlaybackProgress, error) {
	if positionSeconds < 0 {
		positionSeconds = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Users[userID]; !ok {
		return models.PlaybackProgress{}, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if _, ok := s.data.Materials[materialID]; !ok {
		return models.PlaybackProgress{}, fmt.Errorf("material %s: %w", materialID, ErrNotFound)
	}

	entry := models.PlaybackProgress{
		UserID:          userID,
		MaterialID:      materialID,
		PositionSeconds: positionSeconds,
		UpdatedAt:       s.now(),
	}

	updated := cloneDataset(s.data)
	if updated.PlaybackProgress[userID] == nil {
		updated.PlaybackProgress[userID] = make(map[string]models.PlaybackProgress)
	}
	updated.PlaybackProgress[userID][materialID] = entry

	if err := s.persistDataset(updated); err != nil {
		return models.PlaybackProgress{}, err
	}
	s.data = updated

	return entry, nil
}

// GetPlaybackProgress returns the stored position for a (user, material) pair.
func (s *Storage) GetPlaybackProgress(userID, materialID string) (models.PlaybackProgress, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, ok := s.data.PlaybackProgress[userID]
	if !ok {
		return models.PlaybackProgress{}, false
	}
	entry, ok := entries[materialID]
	return entry, ok
}

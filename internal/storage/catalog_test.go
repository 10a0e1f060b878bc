package storage

import (
	"errors"
	"testing"

	"coursecast/internal/models"
)

func createTestUser(t *testing.T, store *Storage, email string) models.User {
	t.Helper()
	user, err := store.CreateUser(CreateUserParams{
		DisplayName: "Test User",
		Email:       email,
		Password:    "correct-horse",
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return user
}

func createTestCourse(t *testing.T, store *Storage) (models.User, models.Course) {
	t.Helper()
	owner := createTestUser(t, store, "owner@example.com")
	course, err := store.CreateCourse(owner.ID, "Intro to Go")
	if err != nil {
		t.Fatalf("CreateCourse: %v", err)
	}
	return owner, course
}

func TestCreateMaterialRequiresCourseAndVideo(t *testing.T) {
	store := newTestStorage(t)
	_, course := createTestCourse(t, store)
	video := createTestVideo(t, store)

	if _, err := store.CreateMaterial(CreateMaterialParams{CourseID: "missing", Title: "Unit", VideoID: video.ID}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing course, got %v", err)
	}
	if _, err := store.CreateMaterial(CreateMaterialParams{CourseID: course.ID, Title: "Unit", VideoID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing video, got %v", err)
	}

	material, err := store.CreateMaterial(CreateMaterialParams{CourseID: course.ID, Title: "Unit 1", VideoID: video.ID, IsFree: true})
	if err != nil {
		t.Fatalf("CreateMaterial: %v", err)
	}
	if !material.IsFree {
		t.Fatalf("expected free material")
	}

	materials := store.ListMaterials(course.ID)
	if len(materials) != 1 || materials[0].ID != material.ID {
		t.Fatalf("unexpected material listing: %+v", materials)
	}
}

func TestEnrollReactivatesCancelledEnrollment(t *testing.T) {
	store := newTestStorage(t)
	_, course := createTestCourse(t, store)
	student := createTestUser(t, store, "student@example.com")

	first, err := store.Enroll(student.ID, course.ID)
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if !first.Active() {
		t.Fatalf("expected active enrollment")
	}

	cancelled, err := store.CancelEnrollment(student.ID, course.ID)
	if err != nil {
		t.Fatalf("CancelEnrollment: %v", err)
	}
	if cancelled.Active() {
		t.Fatalf("expected cancelled enrollment")
	}

	again, err := store.Enroll(student.ID, course.ID)
	if err != nil {
		t.Fatalf("re-Enroll: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("re-enrolling should reuse the record, got %s vs %s", again.ID, first.ID)
	}
	if !again.Active() {
		t.Fatalf("expected reactivated enrollment")
	}
}

func TestCancelEnrollmentMissing(t *testing.T) {
	store := newTestStorage(t)
	if _, err := store.CancelEnrollment("user", "course"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertPlaybackProgress(t *testing.T) {
	store := newTestStorage(t)
	_, course := createTestCourse(t, store)
	student := createTestUser(t, store, "student@example.com")
	video := createTestVideo(t, store)
	material, err := store.CreateMaterial(CreateMaterialParams{CourseID: course.ID, Title: "Unit 1", VideoID: video.ID})
	if err != nil {
		t.Fatalf("CreateMaterial: %v", err)
	}

	if _, err := store.UpsertPlaybackProgress(student.ID, material.ID, 12.5); err != nil {
		t.Fatalf("UpsertPlaybackProgress: %v", err)
	}
	if _, err := store.UpsertPlaybackProgress(student.ID, material.ID, 90); err != nil {
		t.Fatalf("UpsertPlaybackProgress update: %v", err)
	}

	entry, ok := store.GetPlaybackProgress(student.ID, material.ID)
	if !ok {
		t.Fatalf("progress missing")
	}
	if entry.PositionSeconds != 90 {
		t.Fatalf("expected latest position 90, got %f", entry.PositionSeconds)
	}

	// Negative positions clamp to zero.
	clamped, err := store.UpsertPlaybackProgress(student.ID, material.ID, -5)
	if err != nil {
		t.Fatalf("UpsertPlaybackProgress clamp: %v", err)
	}
	if clamped.PositionSeconds != 0 {
		t.Fatalf("expected clamped position, got %f", clamped.PositionSeconds)
	}
}

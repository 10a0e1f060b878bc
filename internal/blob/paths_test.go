package blob

import "testing"

func TestNormalizeFilename(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"Lecture 01.mp4", "lecture-01.mp4"},
		{"Éléphant vidéo.MP4", "elephant-video.mp4"},
		{"../../etc/passwd", "passwd"},
		{"C:\\Users\\me\\clip.mov", "clip.mov"},
		{"  weird***name???.mkv ", "weird-name-.mkv"},
		{"", "upload"},
		{"...", "upload"},
		{"日本語.mp4", "mp4"},
	}
	for _, tc := range cases {
		if got := NormalizeFilename(tc.input); got != tc.want {
			t.Errorf("NormalizeFilename(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestKeyLayout(t *testing.T) {
	if got := OriginalKey("abc123", "Intro.mp4"); got != "videos/originals/abc123-intro.mp4" {
		t.Fatalf("OriginalKey = %q", got)
	}
	if got := ProcessedKey("720p", "abc123"); got != "videos/processed/720p/abc123.mp4" {
		t.Fatalf("ProcessedKey = %q", got)
	}
	if got := ThumbnailKey("abc123", 2); got != "videos/thumbnails/abc123-02.jpg" {
		t.Fatalf("ThumbnailKey = %q", got)
	}
}

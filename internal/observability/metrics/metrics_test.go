package metrics

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestObserveRequestNormalizesPaths(t *testing.T) {
	recorder := New()

	cases := []struct {
		name string
		path string
		want string
	}{
		{"root", "/", `path="/"`},
		{"empty", "", `path="/"`},
		{"id segment", "/api/videos/3f8a2b90-1111", `path="/api/videos/:id"`},
		{"trailing slash", "/api/materials/abc123def/", `path="/api/materials/:id"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recorder.Reset()
			recorder.ObserveRequest("GET", tc.path, 200, 10*time.Millisecond)

			var out bytes.Buffer
			recorder.Write(&out)
			if !strings.Contains(out.String(), tc.want) {
				t.Fatalf("expected %s in output:\n%s", tc.want, out.String())
			}
		})
	}
}

func TestTranscodeGaugeNeverGoesNegative(t *testing.T) {
	recorder := New()
	recorder.TranscodeJobStarted()
	recorder.TranscodeJobCompleted()
	recorder.TranscodeJobFailed()
	if active := recorder.ActiveTranscodeJobs(); active != 0 {
		t.Fatalf("expected gauge at zero, got %d", active)
	}

	events, _ := recorder.TranscodeCounts()
	if events["start"] != 1 || events["complete"] != 1 || events["fail"] != 1 {
		t.Fatalf("unexpected event counts: %v", events)
	}
}

func TestUploadAndPlaybackCounters(t *testing.T) {
	recorder := New()
	recorder.ObserveUpload("accepted")
	recorder.ObserveUpload("accepted")
	recorder.ObserveUpload("rejected")
	recorder.PlaybackStarted("720p")
	recorder.PlaybackStarted("")

	counts := recorder.UploadCounts()
	if counts["accepted"] != 2 || counts["rejected"] != 1 {
		t.Fatalf("unexpected upload counts: %v", counts)
	}

	var out bytes.Buffer
	recorder.Write(&out)
	for _, want := range []string{
		`coursecast_uploads_total{outcome="accepted"} 2`,
		`coursecast_playback_starts_total{quality="720p"} 1`,
		`coursecast_playback_starts_total{quality="unknown"} 1`,
	} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("expected %q in output:\n%s", want, out.String())
		}
	}
}

func TestRecorderIsSafeForConcurrentUse(t *testing.T) {
	recorder := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				recorder.ObserveRequest("GET", "/api/videos", 200, time.Millisecond)
				recorder.TranscodeJobStarted()
				recorder.TranscodeJobCompleted()
			}
		}()
	}
	wg.Wait()

	var out bytes.Buffer
	recorder.Write(&out)
	if !strings.Contains(out.String(), `coursecast_http_requests_total{method="GET",path="/api/videos",status="200"} 1600`) {
		t.Fatalf("expected aggregated request count:\n%s", out.String())
	}
}

package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP traffic, upload
// outcomes, playback starts, and transcode job lifecycle events. Writers are
// coordinated through a RWMutex; the active job gauge is atomic.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	uploadEvents    map[string]uint64
	playbackStarts  map[string]uint64
	transcodeEvents map[string]uint64
	activeJobs      atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		uploadEvents:    make(map[string]uint64),
		playbackStarts:  make(map[string]uint64),
		transcodeEvents: make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared across helper functions for
// packages that do not need a custom instrumentation pipeline.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and cumulative duration by HTTP
// method, normalized path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveUpload records an upload outcome such as "accepted" or "rejected".
func (r *Recorder) ObserveUpload(outcome string) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.uploadEvents[normalized]++
	r.mu.Unlock()
}

// PlaybackStarted records a playback session keyed by the served quality.
func (r *Recorder) PlaybackStarted(quality string) {
	normalized := normalizeName(quality)
	r.mu.Lock()
	r.playbackStarts[normalized]++
	r.mu.Unlock()
}

// TranscodeJobStarted records the start of a transcode job and increments the
// active job gauge.
func (r *Recorder) TranscodeJobStarted() {
	r.recordTranscodeEvent("start")
	r.activeJobs.Add(1)
}

// TranscodeJobCompleted records a finished transcode job and decrements the
// active job gauge.
func (r *Recorder) TranscodeJobCompleted() {
	r.recordTranscodeEvent("complete")
	r.decrementGauge(&r.activeJobs)
}

// TranscodeJobFailed records a failed transcode job and decrements the active
// job gauge without letting it go negative.
func (r *Recorder) TranscodeJobFailed() {
	r.recordTranscodeEvent("fail")
	r.decrementGauge(&r.activeJobs)
}

func (r *Recorder) recordTranscodeEvent(status string) {
	normalized := normalizeName(status)
	r.mu.Lock()
	r.transcodeEvents[normalized]++
	r.mu.Unlock()
}

// ActiveTranscodeJobs exposes the current number of running transcode jobs.
func (r *Recorder) ActiveTranscodeJobs() int64 {
	return r.activeJobs.Load()
}

// UploadCounts returns a copy of the upload outcome counters for reporting
// and tests.
func (r *Recorder) UploadCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]uint64, len(r.uploadEvents))
	for k, v := range r.uploadEvents {
		counts[k] = v
	}
	return counts
}

// TranscodeCounts returns a copy of the transcode event counters and the
// current active gauge value.
func (r *Recorder) TranscodeCounts() (events map[string]uint64, active int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[string]uint64, len(r.transcodeEvents))
	for k, v := range r.transcodeEvents {
		events[k] = v
	}
	return events, r.activeJobs.Load()
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.uploadEvents = make(map[string]uint64)
	r.playbackStarts = make(map[string]uint64)
	r.transcodeEvents = make(map[string]uint64)
	r.activeJobs.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format, sorting label sets to
// keep output stable for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	uploadEvents := sortedKeys(r.uploadEvents)
	playbackStarts := sortedKeys(r.playbackStarts)
	transcodeEvents := sortedKeys(r.transcodeEvents)

	fmt.Fprintln(w, "# HELP coursecast_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE coursecast_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "coursecast_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP coursecast_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE coursecast_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "coursecast_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP coursecast_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE coursecast_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "coursecast_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP coursecast_uploads_total Video uploads by outcome")
	fmt.Fprintln(w, "# TYPE coursecast_uploads_total counter")
	for _, event := range uploadEvents {
		fmt.Fprintf(w, "coursecast_uploads_total{outcome=\"%s\"} %d\n", event, r.uploadEvents[event])
	}

	fmt.Fprintln(w, "# HELP coursecast_playback_starts_total Playback sessions by served quality")
	fmt.Fprintln(w, "# TYPE coursecast_playback_starts_total counter")
	for _, quality := range playbackStarts {
		fmt.Fprintf(w, "coursecast_playback_starts_total{quality=\"%s\"} %d\n", quality, r.playbackStarts[quality])
	}

	fmt.Fprintln(w, "# HELP coursecast_transcode_jobs_total Transcode job events by status")
	fmt.Fprintln(w, "# TYPE coursecast_transcode_jobs_total counter")
	for _, status := range transcodeEvents {
		fmt.Fprintf(w, "coursecast_transcode_jobs_total{status=\"%s\"} %d\n", status, r.transcodeEvents[status])
	}

	fmt.Fprintln(w, "# HELP coursecast_transcode_active_jobs Current number of running transcode jobs")
	fmt.Fprintln(w, "# TYPE coursecast_transcode_active_jobs gauge")
	fmt.Fprintf(w, "coursecast_transcode_active_jobs %d\n", r.activeJobs.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	// Route segments are short lowercase words; record IDs are UUIDs or
	// digit-heavy tokens.
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ObserveUpload records an upload outcome on the default recorder.
func ObserveUpload(outcome string) {
	defaultRecorder.ObserveUpload(outcome)
}

// PlaybackStarted records a playback start on the default recorder.
func PlaybackStarted(quality string) {
	defaultRecorder.PlaybackStarted(quality)
}

// TranscodeJobStarted records a job start on the default recorder.
func TranscodeJobStarted() {
	defaultRecorder.TranscodeJobStarted()
}

// TranscodeJobCompleted records a job completion on the default recorder.
func TranscodeJobCompleted() {
	defaultRecorder.TranscodeJobCompleted()
}

// TranscodeJobFailed records a job failure on the default recorder.
func TranscodeJobFailed() {
	defaultRecorder.TranscodeJobFailed()
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}

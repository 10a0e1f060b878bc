package metrics

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPMiddlewareRecordsStatus(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("expected status passthrough, got %d", rec.Code)
	}

	var out bytes.Buffer
	recorder.Write(&out)
	if !strings.Contains(out.String(), `coursecast_http_requests_total{method="GET",path="/healthz",status="418"} 1`) {
		t.Fatalf("expected recorded request:\n%s", out.String())
	}
}

func TestHTTPMiddlewareDefaultsStatusToOK(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var out bytes.Buffer
	recorder.Write(&out)
	if !strings.Contains(out.String(), `status="200"`) {
		t.Fatalf("expected default 200 status:\n%s", out.String())
	}
}

func TestResponseRecorderPreservesFlush(t *testing.T) {
	rec := httptest.NewRecorder()
	rr := NewResponseRecorder(rec)
	rr.Flush()
	if !rec.Flushed {
		t.Fatal("expected flush to reach the underlying writer")
	}
}

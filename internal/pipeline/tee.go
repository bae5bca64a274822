package pipeline

import (
	"net/http"
	"time"
)

// teeWriter wraps an http.ResponseWriter so the bypass path (spec §4.5
// steps 1-3: non-GET, skip-listed path, or no-store) can stream the
// origin's response straight through to the client while still
// recording the status code and byte count needed for the request log
// line (SUPPLEMENTED FEATURES item 2). Unlike a full response buffer,
// it never holds the body in memory — spec §4.5 explicitly allows
// streaming bypass responses through unbuffered.
type teeWriter struct {
	rw        http.ResponseWriter
	status    int
	bytesOut  int64
	wroteHead bool
	createdAt time.Time
}

func newTeeWriter(w http.ResponseWriter) *teeWriter {
	return &teeWriter{rw: w, createdAt: time.Now()}
}

func (t *teeWriter) Header() http.Header { return t.rw.Header() }

func (t *teeWriter) WriteHeader(statusCode int) {
	t.wroteHead = true
	t.status = statusCode
	t.rw.WriteHeader(statusCode)
}

func (t *teeWriter) Write(b []byte) (int, error) {
	if !t.wroteHead {
		t.WriteHeader(http.StatusOK)
	}
	n, err := t.rw.Write(b)
	t.bytesOut += int64(n)
	return n, err
}

// StatusCode returns the status code this writer observed, or 200 if
// WriteHeader was never called explicitly (net/http's own default).
func (t *teeWriter) StatusCode() int {
	if t.status == 0 {
		return http.StatusOK
	}
	return t.status
}

func (t *teeWriter) BytesOut() int64 { return t.bytesOut }

func (t *teeWriter) Elapsed() time.Duration { return time.Since(t.createdAt) }

package web

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"
)

// withDeadline bounds each request's handling. The inner handler runs
// against a buffered writer; if it finishes in time the buffer is flushed
// as-is, otherwise the client gets a 504 problem response and whatever the
// handler writes afterwards is discarded. The request context is cancelled
// either way, so in-flight store reads stop awaiting.
func withDeadline(next http.Handler, d time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()

		dw := &deadlineWriter{header: make(http.Header)}
		done := make(chan struct{})
		panicked := make(chan any, 1)
		go func() {
			defer func() {
				if p := recover(); p != nil {
					panicked <- p
				}
			}()
			next.ServeHTTP(dw, r.WithContext(ctx))
			close(done)
		}()

		select {
		case p := <-panicked:
			panic(p)
		case <-done:
			dw.mu.Lock()
			defer dw.mu.Unlock()
			dst := w.Header()
			for k, v := range dw.header {
				dst[k] = v
			}
			if dw.status == 0 {
				dw.status = http.StatusOK
			}
			w.WriteHeader(dw.status)
			_, _ = w.Write(dw.body.Bytes())
		case <-ctx.Done():
			dw.mu.Lock()
			dw.timedOut = true
			dw.mu.Unlock()
			WriteError(w, http.StatusGatewayTimeout, "Gateway Timeout",
				"The request did not complete in time.")
		}
	})
}

// deadlineWriter buffers the response so nothing reaches the wire after a
// timeout response has been sent.
type deadlineWriter struct {
	mu       sync.Mutex
	header   http.Header
	body     bytes.Buffer
	status   int
	timedOut bool
}

func (dw *deadlineWriter) Header() http.Header { return dw.header }

func (dw *deadlineWriter) WriteHeader(status int) {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.timedOut || dw.status != 0 {
		return
	}
	dw.status = status
}

func (dw *deadlineWriter) Write(b []byte) (int, error) {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	if dw.status == 0 {
		dw.status = http.StatusOK
	}
	return dw.body.Write(b)
}

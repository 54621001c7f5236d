package web

import (
	"net/http"
	"time"

	"golang.org/x/sys/unix"
)

// handleHealth reports liveness plus a database ping and free disk space
// at the data directory. Unauthenticated and exempt from CSRF and rate
// limiting.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	dbCheck := "ok"
	if err := s.st.Read().PingContext(r.Context()); err != nil {
		dbCheck = "unreachable"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	diskCheck := "ok"
	var fs unix.Statfs_t
	if err := unix.Statfs(s.cfg.DataDir(), &fs); err == nil {
		free := fs.Bavail * uint64(fs.Bsize)
		if free < 100<<20 {
			diskCheck = "low"
			status = "degraded"
		}
	} else {
		diskCheck = "unknown"
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   s.version,
		"checks": map[string]any{
			"database":   dbCheck,
			"disk_space": diskCheck,
			"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
		},
	})
}

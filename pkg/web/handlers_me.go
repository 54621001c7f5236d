package web

import (
	"net/http"
)

func (s *Server) handlePasswordForm(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"page":   "password_change",
		"forced": UserFrom(r.Context()).MustChangePassword,
	})
}

func (s *Server) handlePasswordChange(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		WriteBadRequest(w, "Malformed form body")
		return
	}
	if !checkCSRFField(w, r) {
		return
	}
	user := UserFrom(r.Context())
	oldPassword := r.PostFormValue("current_password")
	newPassword := r.PostFormValue("new_password")
	if newPassword != r.PostFormValue("confirm_password") {
		WriteBadRequest(w, "New password and confirmation do not match")
		return
	}
	if err := s.identity.ChangePassword(r.Context(), user, oldPassword, newPassword, clientIP(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "redirect_url": "/dashboard"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())
	sessions, err := s.identity.ListSessions(r.Context(), user.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	current := SessionFrom(r.Context())
	type view struct {
		ID           string `json:"id"`
		IPAddress    string `json:"ip_address,omitempty"`
		UserAgent    string `json:"user_agent,omitempty"`
		LastActivity string `json:"last_activity"`
		CreatedAt    string `json:"created_at"`
		Current      bool   `json:"current"`
	}
	out := make([]view, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, view{
			ID:           sess.ID,
			IPAddress:    sess.IPAddress,
			UserAgent:    sess.UserAgent,
			LastActivity: sess.LastActivity.UTC().Format("2006-01-02T15:04:05Z"),
			CreatedAt:    sess.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
			Current:      current != nil && sess.ID == current.ID,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleTerminateSession lets a user kill one of their own sessions. The
// ownership check is in the DELETE predicate, so foreign ids are no-ops.
func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		WriteBadRequest(w, "Malformed form body")
		return
	}
	if !checkCSRFField(w, r) {
		return
	}
	user := UserFrom(r.Context())
	if err := s.identity.TerminateByID(r.Context(), r.PathValue("id"), user.ID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

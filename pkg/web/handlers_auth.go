package web

import (
	"net/http"

	"github.com/oakmount-io/mailroom/pkg/model"
)

// userView is the identity projection returned to clients.
type userView struct {
	ID                 string     `json:"id"`
	Username           string     `json:"username"`
	FullName           string     `json:"full_name"`
	Role               model.Role `json:"role"`
	MustChangePassword bool       `json:"must_change_password"`
}

func viewOf(u *model.User) userView {
	return userView{
		ID:                 u.ID,
		Username:           u.Username,
		FullName:           u.FullName,
		Role:               u.Role,
		MustChangePassword: u.MustChangePassword,
	}
}

// handleLoginPage serves the login form projection. Rendering is a client
// concern; already-authenticated users are pointed at the dashboard.
func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if UserFrom(r.Context()) != nil {
		http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"page": "login"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		WriteBadRequest(w, "Malformed form body")
		return
	}
	if !checkCSRFField(w, r) {
		return
	}
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	if username == "" || password == "" {
		WriteBadRequest(w, "Username and password are required")
		return
	}

	user, sess, err := s.identity.Login(r.Context(), username, password, clientIP(r), r.UserAgent())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	s.setSessionCookie(w, sess.Token)
	redirect := "/dashboard"
	if user.MustChangePassword {
		redirect = forceChangePath
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"redirect_url": redirect,
		"user":         viewOf(user),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		WriteBadRequest(w, "Malformed form body")
		return
	}
	if !checkCSRFField(w, r) {
		return
	}
	user := UserFrom(r.Context())
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" && user != nil {
		if err := s.identity.Logout(r.Context(), user, c.Value, clientIP(r)); err != nil {
			writeServiceError(w, err)
			return
		}
	}
	s.clearSessionCookie(w)
	http.Redirect(w, r, "/auth/login", http.StatusSeeOther)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, viewOf(UserFrom(r.Context())))
}

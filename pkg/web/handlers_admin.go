package web

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/oakmount-io/mailroom/pkg/audit"
	"github.com/oakmount-io/mailroom/pkg/identity"
	"github.com/oakmount-io/mailroom/pkg/model"
	"github.com/oakmount-io/mailroom/pkg/rbac"
	"github.com/oakmount-io/mailroom/pkg/settings"
)

func (s *Server) handleAdminDashboard(w http.ResponseWriter, r *http.Request) {
	if !s.requireAction(w, r, rbac.ActionUserManage) {
		return
	}
	stats, err := s.pkgs.Stats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	users, err := s.identity.ListUsers(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	active := 0
	for _, u := range users {
		if u.IsActive {
			active++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"package_stats": stats,
		"users_total":   len(users),
		"users_active":  active,
	})
}

func (s *Server) handleUserList(w http.ResponseWriter, r *http.Request) {
	if !s.requireAction(w, r, rbac.ActionUserManage) {
		return
	}
	users, err := s.identity.ListUsers(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := make([]userView, 0, len(users))
	for _, u := range users {
		out = append(out, viewOf(u))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUserForm(w http.ResponseWriter, r *http.Request) {
	if !s.requireAction(w, r, rbac.ActionUserManage) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"page": "user_new"})
}

func (s *Server) handleUserCreate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		WriteBadRequest(w, "Malformed form body")
		return
	}
	if !checkCSRFField(w, r) {
		return
	}
	actor := UserFrom(r.Context())
	role := model.Role(r.PostFormValue("role"))
	if d := rbac.CanAssignRole(actor, role); !d.Allowed {
		WriteForbidden(w, "")
		return
	}
	u, err := s.identity.CreateUser(r.Context(), identity.NewUser{
		Username: r.PostFormValue("username"),
		Password: r.PostFormValue("password"),
		FullName: r.PostFormValue("full_name"),
		Role:     role,
	}, actor, clientIP(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(u))
}

// fetchManagedUser loads the target and applies the management rule.
// Denials do not reveal whether the id exists to under-privileged actors.
func (s *Server) fetchManagedUser(w http.ResponseWriter, r *http.Request) (*model.User, bool) {
	actor := UserFrom(r.Context())
	if d := rbac.Decide(actor, rbac.ActionUserManage); !d.Allowed {
		WriteForbidden(w, "")
		return nil, false
	}
	target, err := s.identity.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return nil, false
	}
	if d := rbac.CanManageUser(actor, target); !d.Allowed {
		WriteForbidden(w, "")
		return nil, false
	}
	return target, true
}

func (s *Server) handleUserGet(w http.ResponseWriter, r *http.Request) {
	target, ok := s.fetchManagedUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(target))
}

func (s *Server) handleUserUpdate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		WriteBadRequest(w, "Malformed form body")
		return
	}
	if !checkCSRFField(w, r) {
		return
	}
	target, ok := s.fetchManagedUser(w, r)
	if !ok {
		return
	}
	actor := UserFrom(r.Context())

	var upd identity.UserUpdate
	if v := r.PostFormValue("full_name"); v != "" {
		upd.FullName = &v
	}
	if v := r.PostFormValue("role"); v != "" && model.Role(v) != target.Role {
		role := model.Role(v)
		if d := rbac.CanChangeRole(actor, target, role); !d.Allowed {
			WriteForbidden(w, "")
			return
		}
		upd.Role = &role
	}
	u, err := s.identity.UpdateUser(r.Context(), target.ID, upd, actor, clientIP(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(u))
}

func (s *Server) handleUserDeactivate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		WriteBadRequest(w, "Malformed form body")
		return
	}
	if !checkCSRFField(w, r) {
		return
	}
	target, ok := s.fetchManagedUser(w, r)
	if !ok {
		return
	}
	actor := UserFrom(r.Context())
	if d := rbac.CanDeactivate(actor, target); !d.Allowed {
		WriteForbidden(w, "")
		return
	}
	inactive := false
	u, err := s.identity.UpdateUser(r.Context(), target.ID,
		identity.UserUpdate{IsActive: &inactive}, actor, clientIP(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(u))
}

func (s *Server) handleUserResetPassword(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		WriteBadRequest(w, "Malformed form body")
		return
	}
	if !checkCSRFField(w, r) {
		return
	}
	target, ok := s.fetchManagedUser(w, r)
	if !ok {
		return
	}
	err := s.identity.ResetPassword(r.Context(), target.ID, r.PostFormValue("new_password"),
		UserFrom(r.Context()), clientIP(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	if !s.requireAction(w, r, rbac.ActionPackageExport) {
		return
	}
	f, err := filterFromQuery(r.URL.Query())
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	rows, err := s.pkgs.Search(r.Context(), f)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleReportExport(w http.ResponseWriter, r *http.Request) {
	if !s.requireAction(w, r, rbac.ActionPackageExport) {
		return
	}
	f, err := filterFromQuery(r.URL.Query())
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	rows, err := s.pkgs.ExportRows(r.Context(), f, UserFrom(r.Context()), clientIP(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="packages-%s.csv"`, time.Now().UTC().Format("20060102-150405")))
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"tracking_no", "carrier", "recipient", "employee_id", "department", "status", "created_at", "updated_at"})
	for _, row := range rows {
		_ = cw.Write([]string{
			row.TrackingNo, row.Carrier, row.RecipientName, row.EmployeeID, row.Department,
			row.Status,
			row.CreatedAt.UTC().Format(time.RFC3339),
			row.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	cw.Flush()
}

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	if !s.requireAction(w, r, rbac.ActionSettingsManage) {
		return
	}
	base, _, err := s.settings.Get(r.Context(), settings.KeyQRBaseURL)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{settings.KeyQRBaseURL: base})
}

func (s *Server) handleSettingsQRBaseURL(w http.ResponseWriter, r *http.Request) {
	if !s.requireAction(w, r, rbac.ActionSettingsManage) {
		return
	}
	if err := r.ParseForm(); err != nil {
		WriteBadRequest(w, "Malformed form body")
		return
	}
	if !checkCSRFField(w, r) {
		return
	}
	err := s.settings.Set(r.Context(), settings.KeyQRBaseURL, r.PostFormValue("value"),
		UserFrom(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if !s.requireAction(w, r, rbac.ActionAuditView) {
		return
	}
	q := r.URL.Query()
	f := audit.Filter{
		Kind:   audit.Kind(q.Get("kind")),
		UserID: q.Get("user_id"),
	}
	if v := q.Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		f.Offset, _ = strconv.Atoi(v)
	}
	events, err := s.aud.List(r.Context(), f)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleAuditVerify re-walks the hash chain. A break is reported in the
// body, not as a server error; operators need the position, not a 500.
func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if !s.requireAction(w, r, rbac.ActionAuditView) {
		return
	}
	n, err := s.aud.VerifyChain(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"valid":            false,
			"entries_verified": n,
			"error":            err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "entries_verified": n})
}

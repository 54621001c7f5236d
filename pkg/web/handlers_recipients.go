package web

import (
	"encoding/csv"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/oakmount-io/mailroom/pkg/rbac"
	"github.com/oakmount-io/mailroom/pkg/recipients"
)

func (s *Server) handleRecipientList(w http.ResponseWriter, r *http.Request) {
	list, err := s.recs.List(r.Context(), true)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleRecipientSearch backs the registration typeahead. It always
// answers JSON; HTML partial rendering is a client concern.
func (s *Server) handleRecipientSearch(w http.ResponseWriter, r *http.Request) {
	list, err := s.recs.Search(r.Context(), r.URL.Query().Get("q"), 20)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) requireAction(w http.ResponseWriter, r *http.Request, action rbac.Action) bool {
	if d := rbac.Decide(UserFrom(r.Context()), action); !d.Allowed {
		WriteForbidden(w, "")
		return false
	}
	return true
}

func (s *Server) handleAdminRecipientList(w http.ResponseWriter, r *http.Request) {
	if !s.requireAction(w, r, rbac.ActionRecipientManage) {
		return
	}
	list, err := s.recs.List(r.Context(), false)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleRecipientForm(w http.ResponseWriter, r *http.Request) {
	if !s.requireAction(w, r, rbac.ActionRecipientManage) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"page": "recipient_new"})
}

func recipientInput(r *http.Request) recipients.Input {
	return recipients.Input{
		EmployeeID: r.PostFormValue("employee_id"),
		Name:       r.PostFormValue("name"),
		Email:      r.PostFormValue("email"),
		Department: r.PostFormValue("department"),
		Phone:      r.PostFormValue("phone"),
		Location:   r.PostFormValue("location"),
	}
}

func (s *Server) handleRecipientCreate(w http.ResponseWriter, r *http.Request) {
	if !s.requireAction(w, r, rbac.ActionRecipientManage) {
		return
	}
	if err := r.ParseForm(); err != nil {
		WriteBadRequest(w, "Malformed form body")
		return
	}
	if !checkCSRFField(w, r) {
		return
	}
	rec, err := s.recs.Create(r.Context(), recipientInput(r), UserFrom(r.Context()), clientIP(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleRecipientGet(w http.ResponseWriter, r *http.Request) {
	if !s.requireAction(w, r, rbac.ActionRecipientManage) {
		return
	}
	rec, err := s.recs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRecipientUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.requireAction(w, r, rbac.ActionRecipientManage) {
		return
	}
	if err := r.ParseForm(); err != nil {
		WriteBadRequest(w, "Malformed form body")
		return
	}
	if !checkCSRFField(w, r) {
		return
	}
	rec, err := s.recs.Update(r.Context(), r.PathValue("id"), recipientInput(r),
		UserFrom(r.Context()), clientIP(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRecipientDeactivate(w http.ResponseWriter, r *http.Request) {
	if !s.requireAction(w, r, rbac.ActionRecipientManage) {
		return
	}
	if err := r.ParseForm(); err != nil {
		WriteBadRequest(w, "Malformed form body")
		return
	}
	if !checkCSRFField(w, r) {
		return
	}
	if err := s.recs.Deactivate(r.Context(), r.PathValue("id"), UserFrom(r.Context()), clientIP(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleImportForm(w http.ResponseWriter, r *http.Request) {
	if !s.requireAction(w, r, rbac.ActionRecipientImport) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"page":    "recipient_import",
		"columns": []string{"employee_id", "name", "email", "department", "phone", "location"},
	})
}

func (s *Server) handleImportValidate(w http.ResponseWriter, r *http.Request) {
	if !s.requireAction(w, r, rbac.ActionRecipientImport) {
		return
	}
	rows, ok := s.readImportCSV(w, r)
	if !ok {
		return
	}
	report, _, err := s.recs.ValidateImport(r.Context(), rows)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleImportConfirm(w http.ResponseWriter, r *http.Request) {
	if !s.requireAction(w, r, rbac.ActionRecipientImport) {
		return
	}
	rows, ok := s.readImportCSV(w, r)
	if !ok {
		return
	}
	report, err := s.recs.Import(r.Context(), rows, UserFrom(r.Context()), clientIP(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// readImportCSV parses the uploaded file into recipient inputs. The first
// row is a header; columns are matched by name, order-independent.
func (s *Server) readImportCSV(w http.ResponseWriter, r *http.Request) ([]recipients.Input, bool) {
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		WriteBadRequest(w, "Malformed multipart body")
		return nil, false
	}
	if !checkCSRFField(w, r) {
		return nil, false
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		WriteBadRequest(w, "A CSV file is required")
		return nil, false
	}
	defer func() { _ = file.Close() }()

	reader := csv.NewReader(file)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		WriteBadRequest(w, "CSV file is empty or unreadable")
		return nil, false
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := col["employee_id"]; !ok {
		WriteBadRequest(w, "CSV is missing the employee_id column")
		return nil, false
	}

	field := func(record []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return ""
		}
		return record[i]
	}

	var rows []recipients.Input
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			WriteBadRequest(w, "CSV file is malformed")
			return nil, false
		}
		rows = append(rows, recipients.Input{
			EmployeeID: field(record, "employee_id"),
			Name:       field(record, "name"),
			Email:      field(record, "email"),
			Department: field(record, "department"),
			Phone:      field(record, "phone"),
			Location:   field(record, "location"),
		})
	}
	return rows, true
}

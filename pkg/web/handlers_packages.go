package web

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/oakmount-io/mailroom/pkg/model"
	"github.com/oakmount-io/mailroom/pkg/packages"
	"github.com/oakmount-io/mailroom/pkg/settings"
)

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	stats, err := s.pkgs.Stats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	recent, err := s.pkgs.Search(r.Context(), packages.Filter{Limit: 10})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":  stats,
		"recent": recent,
	})
}

func (s *Server) handlePackageList(w http.ResponseWriter, r *http.Request) {
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

func (s *Server) handlePackageForm(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"page": "package_new"})
}

// maxFormMemory bounds multipart parsing; larger file parts spill to disk.
const maxFormMemory = 1 << 20

func (s *Server) handlePackageRegister(w http.ResponseWriter, r *http.Request) {
	upload, ok := s.parsePackageForm(w, r)
	if !ok {
		return
	}
	if !checkCSRFField(w, r) {
		return
	}
	user := UserFrom(r.Context())
	pkg, err := s.pkgs.Register(r.Context(), packages.RegisterInput{
		TrackingNo:  r.PostFormValue("tracking_no"),
		Carrier:     r.PostFormValue("carrier"),
		RecipientID: r.PostFormValue("recipient_id"),
		Notes:       r.PostFormValue("notes"),
		Photo:       upload,
	}, user, clientIP(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pkg)
}

func (s *Server) handlePackageDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pkg, err := s.pkgs.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	timeline, err := s.pkgs.Timeline(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	attachments, err := s.pkgs.Attachments(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	recipient, err := s.recs.Get(r.Context(), pkg.RecipientID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"package":     pkg,
		"recipient":   recipient,
		"timeline":    timeline,
		"attachments": attachments,
	})
}

func (s *Server) handlePackageStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		WriteBadRequest(w, "Malformed form body")
		return
	}
	if !checkCSRFField(w, r) {
		return
	}
	user := UserFrom(r.Context())
	pkg, err := s.pkgs.UpdateStatus(r.Context(), r.PathValue("id"),
		model.PackageStatus(r.PostFormValue("status")), r.PostFormValue("notes"), user, clientIP(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}

func (s *Server) handlePackagePhoto(w http.ResponseWriter, r *http.Request) {
	upload, ok := s.parsePackageForm(w, r)
	if !ok {
		return
	}
	if !checkCSRFField(w, r) {
		return
	}
	if upload == nil {
		WriteBadRequest(w, "A photo file is required")
		return
	}
	user := UserFrom(r.Context())
	att, err := s.pkgs.AttachPhoto(r.Context(), r.PathValue("id"), upload, user)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, att)
}

// handlePackageQR returns the sticker deep link for a package. Rasterizing
// the QR image is a client/peripheral concern; the core only owns the URL.
func (s *Server) handlePackageQR(w http.ResponseWriter, r *http.Request) {
	pkg, err := s.pkgs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	base, ok, err := s.settings.Get(r.Context(), settings.KeyQRBaseURL)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !ok || base == "" {
		base = "http://" + r.Host
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"package_id":  pkg.ID,
		"tracking_no": pkg.TrackingNo,
		"url":         fmt.Sprintf("%s/packages/%s", base, pkg.ID),
	})
}

// parsePackageForm reads a multipart or urlencoded form, returning the
// optional photo part. The upload is size-capped at read time so an
// oversized body fails before it is buffered whole.
func (s *Server) parsePackageForm(w http.ResponseWriter, r *http.Request) (*packages.Upload, bool) {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !isMultipart(ct) {
		if err := r.ParseForm(); err != nil {
			WriteBadRequest(w, "Malformed form body")
			return nil, false
		}
		return nil, true
	}
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		WriteBadRequest(w, "Malformed multipart body")
		return nil, false
	}
	file, header, err := r.FormFile("photo")
	if err != nil {
		// Photo part absent; fine.
		return nil, true
	}
	defer func() { _ = file.Close() }()

	content, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadSize+1))
	if err != nil {
		WriteBadRequest(w, "Could not read uploaded file")
		return nil, false
	}
	if int64(len(content)) > s.cfg.MaxUploadSize {
		WriteValidation(w, &model.ValidationError{
			Reason:  "file_too_large",
			Message: fmt.Sprintf("File exceeds the maximum size of %d bytes", s.cfg.MaxUploadSize),
		})
		return nil, false
	}
	return &packages.Upload{Filename: header.Filename, Content: content}, true
}

func isMultipart(ct string) bool {
	return len(ct) >= 19 && ct[:19] == "multipart/form-data"
}

// filterFromQuery builds a package filter from list/search parameters.
func filterFromQuery(q url.Values) (packages.Filter, error) {
	f := packages.Filter{
		Query:      q.Get("q"),
		Department: q.Get("department"),
	}
	if st := q.Get("status"); st != "" {
		f.Status = model.PackageStatus(st)
		if !f.Status.Valid() {
			return f, fmt.Errorf("unknown status %q", st)
		}
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return f, fmt.Errorf("invalid from date %q", v)
		}
		f.Since = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return f, fmt.Errorf("invalid to date %q", v)
		}
		f.Until = t.AddDate(0, 0, 1)
	}
	if v := q.Get("page"); v != "" {
		f.Page, _ = strconv.Atoi(v)
	}
	if v := q.Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	return f, nil
}

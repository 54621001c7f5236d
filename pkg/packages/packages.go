// Package packages owns the package lifecycle: the status state machine,
// the append-only event log, attachments and read projections.
package packages

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/oakmount-io/mailroom/pkg/audit"
	"github.com/oakmount-io/mailroom/pkg/model"
	"github.com/oakmount-io/mailroom/pkg/recipients"
	"github.com/oakmount-io/mailroom/pkg/store"
)

const maxNotesLen = 500

// transitions is the full status graph. Terminal states have no entry.
var transitions = map[model.PackageStatus][]model.PackageStatus{
	model.StatusRegistered:     {model.StatusAwaitingPickup, model.StatusOutForDelivery, model.StatusReturned},
	model.StatusAwaitingPickup: {model.StatusOutForDelivery, model.StatusDelivered, model.StatusReturned},
	model.StatusOutForDelivery: {model.StatusDelivered, model.StatusReturned},
}

// CanTransition reports whether a package may move from one status to
// another.
func CanTransition(from, to model.PackageStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Service owns package reads and writes.
type Service struct {
	st   *store.Store
	q    *store.Queue
	aud  *audit.Recorder
	recs *recipients.Service

	files *FileStore
}

func NewService(st *store.Store, q *store.Queue, aud *audit.Recorder, recs *recipients.Service, files *FileStore) *Service {
	return &Service{st: st, q: q, aud: aud, recs: recs, files: files}
}

// RegisterInput is the registration form. Photo is optional; when set it
// has already been read into memory by the handler.
type RegisterInput struct {
	TrackingNo  string
	Carrier     string
	RecipientID string
	Notes       string
	Photo       *Upload
}

// Upload is a received file: raw content plus the name the client gave it.
type Upload struct {
	Filename string
	Content  []byte
}

// Register creates a package in status registered. The package row, its
// first event, the optional attachment row and the audit record commit as
// one batch; the photo file is written first and removed again if the
// batch fails.
func (s *Service) Register(ctx context.Context, in RegisterInput, actor *model.User, ip string) (*model.Package, error) {
	in.TrackingNo = strings.TrimSpace(in.TrackingNo)
	in.Carrier = strings.TrimSpace(in.Carrier)
	in.Notes = strings.TrimSpace(in.Notes)
	switch {
	case in.TrackingNo == "":
		return nil, model.Validation("tracking_no_required", "Tracking number is required")
	case in.Carrier == "":
		return nil, model.Validation("carrier_required", "Carrier is required")
	case len(in.Notes) > maxNotesLen:
		return nil, model.Validation("notes_too_long", "Notes must be at most %d characters", maxNotesLen)
	}

	rec, err := s.recs.Get(ctx, in.RecipientID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.Validation("unknown_recipient", "Recipient does not exist")
		}
		return nil, err
	}
	if !rec.IsActive {
		return nil, model.Validation("inactive_recipient", "Recipient %s is deactivated", rec.EmployeeID)
	}

	now := store.Now()
	pkg := &model.Package{
		ID:          uuid.New().String(),
		TrackingNo:  in.TrackingNo,
		Carrier:     in.Carrier,
		RecipientID: rec.ID,
		Status:      model.StatusRegistered,
		Notes:       in.Notes,
		CreatedBy:   actor.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	ops := []store.Op{
		{
			SQL: `INSERT INTO packages (id, tracking_no, carrier, recipient_id, status, notes, created_by, created_at, updated_at)
			      VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			Args: []any{pkg.ID, pkg.TrackingNo, pkg.Carrier, pkg.RecipientID, string(pkg.Status),
				pkg.Notes, pkg.CreatedBy, store.FormatTime(now), store.FormatTime(now)},
		},
		{
			SQL: `INSERT INTO package_events (id, package_id, old_status, new_status, notes, actor_id, created_at)
			      VALUES (?, ?, NULL, ?, ?, ?, ?)`,
			Args: []any{uuid.New().String(), pkg.ID, string(model.StatusRegistered), pkg.Notes,
				actor.ID, store.FormatTime(now)},
		},
	}

	var storedPath string
	if in.Photo != nil {
		att, err := s.files.Validate(in.Photo)
		if err != nil {
			return nil, err
		}
		storedPath, err = s.files.Write(att, in.Photo.Content, now)
		if err != nil {
			return nil, err
		}
		ops = append(ops, store.Op{
			SQL: `INSERT INTO attachments (id, package_id, original_filename, stored_path, mime_type, size_bytes, uploaded_by, created_at)
			      VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			Args: []any{att.ID, pkg.ID, att.OriginalFilename, storedPath, att.MIMEType,
				att.SizeBytes, actor.ID, store.FormatTime(now)},
		})
	}

	err = s.aud.RecordWithBatch(ctx, audit.KindPackageCreated, audit.Entry{
		UserID: actor.ID, Username: actor.Username, IPAddress: ip,
		Detail: map[string]any{"package_id": pkg.ID, "tracking_no": pkg.TrackingNo, "recipient_id": rec.ID},
	}, ops)
	if err != nil {
		if storedPath != "" {
			s.files.Remove(storedPath)
		}
		return nil, err
	}
	return pkg, nil
}

// UpdateStatus moves a package along the state machine. The status update,
// the event row and the audit record commit atomically; an invalid
// transition writes nothing.
func (s *Service) UpdateStatus(ctx context.Context, id string, to model.PackageStatus, notes string, actor *model.User, ip string) (*model.Package, error) {
	if !to.Valid() {
		return nil, model.Validation("invalid_status", "Unknown status %q", to)
	}
	notes = strings.TrimSpace(notes)
	if len(notes) > maxNotesLen {
		return nil, model.Validation("notes_too_long", "Notes must be at most %d characters", maxNotesLen)
	}

	pkg, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(pkg.Status, to) {
		return nil, model.Validation("invalid_transition",
			"Cannot move a package from %s to %s", pkg.Status, to)
	}

	now := store.Now()
	from := pkg.Status
	ops := []store.Op{
		{
			SQL:  `UPDATE packages SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			Args: []any{string(to), store.FormatTime(now), pkg.ID, string(from)},
		},
		{
			SQL: `INSERT INTO package_events (id, package_id, old_status, new_status, notes, actor_id, created_at)
			      VALUES (?, ?, ?, ?, ?, ?, ?)`,
			Args: []any{uuid.New().String(), pkg.ID, string(from), string(to), notes,
				actor.ID, store.FormatTime(now)},
		},
	}
	err = s.aud.RecordWithBatch(ctx, audit.KindPackageStatusChanged, audit.Entry{
		UserID: actor.ID, Username: actor.Username, IPAddress: ip,
		Detail: map[string]any{"package_id": pkg.ID, "old_status": string(from), "new_status": string(to)},
	}, ops)
	if err != nil {
		return nil, err
	}
	pkg.Status = to
	pkg.UpdatedAt = now
	return pkg, nil
}

// AttachPhoto validates and stores a photo for an existing package.
func (s *Service) AttachPhoto(ctx context.Context, id string, up *Upload, actor *model.User) (*model.Attachment, error) {
	pkg, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	att, err := s.files.Validate(up)
	if err != nil {
		return nil, err
	}
	now := store.Now()
	storedPath, err := s.files.Write(att, up.Content, now)
	if err != nil {
		return nil, err
	}
	att.PackageID = pkg.ID
	att.StoredPath = storedPath
	att.UploadedBy = actor.ID
	att.CreatedAt = now

	err = s.q.Submit(ctx, store.Op{
		SQL: `INSERT INTO attachments (id, package_id, original_filename, stored_path, mime_type, size_bytes, uploaded_by, created_at)
		      VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		Args: []any{att.ID, att.PackageID, att.OriginalFilename, att.StoredPath, att.MIMEType,
			att.SizeBytes, att.UploadedBy, store.FormatTime(now)},
	})
	if err != nil {
		s.files.Remove(storedPath)
		return nil, err
	}
	return att, nil
}

// Get returns a package by id.
func (s *Service) Get(ctx context.Context, id string) (*model.Package, error) {
	row := s.st.Read().QueryRowContext(ctx,
		`SELECT `+pkgColumns+` FROM packages WHERE id = ?`, id)
	return scanPackage(row)
}

// Timeline returns a package's events, oldest first with id tiebreak.
func (s *Service) Timeline(ctx context.Context, id string) ([]*model.PackageEvent, error) {
	rows, err := s.st.Read().QueryContext(ctx, `
		SELECT id, package_id, old_status, new_status, notes, actor_id, created_at
		FROM package_events WHERE package_id = ?
		ORDER BY created_at ASC, id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.PackageEvent
	for rows.Next() {
		var (
			ev                 model.PackageEvent
			oldStatus, evNotes sql.NullString
			createdAt          string
		)
		if err := rows.Scan(&ev.ID, &ev.PackageID, &oldStatus, &ev.NewStatus, &evNotes,
			&ev.ActorID, &createdAt); err != nil {
			return nil, err
		}
		ev.OldStatus = model.PackageStatus(oldStatus.String)
		ev.Notes = evNotes.String
		ev.CreatedAt = store.ParseTime(createdAt)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// Attachments lists a package's stored photos, oldest first.
func (s *Service) Attachments(ctx context.Context, id string) ([]*model.Attachment, error) {
	rows, err := s.st.Read().QueryContext(ctx, `
		SELECT id, package_id, original_filename, stored_path, mime_type, size_bytes, uploaded_by, created_at
		FROM attachments WHERE package_id = ?
		ORDER BY created_at ASC, id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Attachment
	for rows.Next() {
		var (
			a         model.Attachment
			createdAt string
		)
		if err := rows.Scan(&a.ID, &a.PackageID, &a.OriginalFilename, &a.StoredPath,
			&a.MIMEType, &a.SizeBytes, &a.UploadedBy, &createdAt); err != nil {
			return nil, err
		}
		a.CreatedAt = store.ParseTime(createdAt)
		out = append(out, &a)
	}
	return out, rows.Err()
}

const pkgColumns = `id, tracking_no, carrier, recipient_id, status, notes, created_by, created_at, updated_at`

func scanPackage(row interface{ Scan(...any) error }) (*model.Package, error) {
	var (
		p                    model.Package
		status               string
		notes                sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&p.ID, &p.TrackingNo, &p.Carrier, &p.RecipientID, &status, &notes,
		&p.CreatedBy, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	p.Status = model.PackageStatus(status)
	p.Notes = notes.String
	p.CreatedAt = store.ParseTime(createdAt)
	p.UpdatedAt = store.ParseTime(updatedAt)
	return &p, nil
}

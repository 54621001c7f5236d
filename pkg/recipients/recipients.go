// Package recipients maintains the directory packages are addressed to.
package recipients

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/oakmount-io/mailroom/pkg/audit"
	"github.com/oakmount-io/mailroom/pkg/model"
	"github.com/oakmount-io/mailroom/pkg/store"
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Service owns recipient reads and writes.
type Service struct {
	st  *store.Store
	q   *store.Queue
	aud *audit.Recorder
}

func NewService(st *store.Store, q *store.Queue, aud *audit.Recorder) *Service {
	return &Service{st: st, q: q, aud: aud}
}

// Input carries the recipient fields accepted from callers.
type Input struct {
	EmployeeID string
	Name       string
	Email      string
	Department string
	Phone      string
	Location   string
}

func (in *Input) normalize() {
	in.EmployeeID = strings.TrimSpace(in.EmployeeID)
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))
	in.Department = strings.TrimSpace(in.Department)
	in.Phone = strings.TrimSpace(in.Phone)
	in.Location = strings.TrimSpace(in.Location)
}

func (in *Input) validate() error {
	switch {
	case in.EmployeeID == "":
		return model.Validation("employee_id_required", "Employee ID is required")
	case in.Name == "":
		return model.Validation("name_required", "Name is required")
	case !emailPattern.MatchString(in.Email):
		return model.Validation("invalid_email", "Email address %q is not valid", in.Email)
	case in.Department == "":
		return model.Validation("department_required", "Department is required")
	}
	return nil
}

// Create inserts a new recipient. Employee ID and email uniqueness is
// enforced by the store.
func (s *Service) Create(ctx context.Context, in Input, actor *model.User, ip string) (*model.Recipient, error) {
	in.normalize()
	if err := in.validate(); err != nil {
		return nil, err
	}

	now := store.Now()
	r := &model.Recipient{
		ID:         uuid.New().String(),
		EmployeeID: in.EmployeeID,
		Name:       in.Name,
		Email:      in.Email,
		Department: in.Department,
		Phone:      in.Phone,
		Location:   in.Location,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	op := store.Op{
		SQL: `INSERT INTO recipients (id, employee_id, name, email, department, phone, location, is_active, created_at, updated_at)
		      VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		Args: []any{r.ID, r.EmployeeID, r.Name, r.Email, r.Department, r.Phone, r.Location,
			store.FormatTime(now), store.FormatTime(now)},
	}
	err := s.aud.RecordWithBatch(ctx, audit.KindRecipientCreated, audit.Entry{
		UserID: actor.ID, Username: actor.Username, IPAddress: ip,
		Detail: map[string]any{"recipient_id": r.ID, "employee_id": r.EmployeeID},
	}, []store.Op{op})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, model.ErrDuplicate
		}
		return nil, err
	}
	return r, nil
}

// Update edits a recipient. The employee id is immutable; attempts to
// change it are a validation error rather than a silent ignore.
func (s *Service) Update(ctx context.Context, id string, in Input, actor *model.User, ip string) (*model.Recipient, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	in.normalize()
	if in.EmployeeID != "" && in.EmployeeID != r.EmployeeID {
		return nil, model.Validation("employee_id_immutable", "Employee ID cannot be changed")
	}
	in.EmployeeID = r.EmployeeID
	if err := in.validate(); err != nil {
		return nil, err
	}

	now := store.Now()
	r.Name, r.Email, r.Department = in.Name, in.Email, in.Department
	r.Phone, r.Location = in.Phone, in.Location
	r.UpdatedAt = now
	op := store.Op{
		SQL: `UPDATE recipients SET name = ?, email = ?, department = ?, phone = ?, location = ?, updated_at = ?
		      WHERE id = ?`,
		Args: []any{r.Name, r.Email, r.Department, r.Phone, r.Location, store.FormatTime(now), r.ID},
	}
	err = s.aud.RecordWithBatch(ctx, audit.KindRecipientUpdated, audit.Entry{
		UserID: actor.ID, Username: actor.Username, IPAddress: ip,
		Detail: map[string]any{"recipient_id": r.ID, "employee_id": r.EmployeeID},
	}, []store.Op{op})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, model.ErrDuplicate
		}
		return nil, err
	}
	return r, nil
}

// Deactivate soft-deletes a recipient. Refused while any of their packages
// is still in flight.
func (s *Service) Deactivate(ctx context.Context, id string, actor *model.User, ip string) error {
	r, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	var open int
	err = s.st.Read().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM packages
		WHERE recipient_id = ? AND status IN (?, ?, ?)`,
		r.ID, string(model.StatusRegistered), string(model.StatusAwaitingPickup),
		string(model.StatusOutForDelivery)).Scan(&open)
	if err != nil {
		return err
	}
	if open > 0 {
		return model.Validation("has_open_packages",
			"Recipient has %d package(s) not yet delivered or returned", open)
	}

	op := store.Op{
		SQL:  `UPDATE recipients SET is_active = 0, updated_at = ? WHERE id = ?`,
		Args: []any{store.FormatTime(store.Now()), r.ID},
	}
	return s.aud.RecordWithBatch(ctx, audit.KindRecipientUpdated, audit.Entry{
		UserID: actor.ID, Username: actor.Username, IPAddress: ip,
		Detail: map[string]any{"recipient_id": r.ID, "employee_id": r.EmployeeID, "deactivated": true},
	}, []store.Op{op})
}

// Get returns a recipient by id.
func (s *Service) Get(ctx context.Context, id string) (*model.Recipient, error) {
	row := s.st.Read().QueryRowContext(ctx,
		`SELECT `+columns+` FROM recipients WHERE id = ?`, id)
	return scan(row)
}

// GetByEmployeeID returns a recipient by employee id.
func (s *Service) GetByEmployeeID(ctx context.Context, employeeID string) (*model.Recipient, error) {
	row := s.st.Read().QueryRowContext(ctx,
		`SELECT `+columns+` FROM recipients WHERE employee_id = ?`, employeeID)
	return scan(row)
}

// List returns recipients, optionally active only, name order.
func (s *Service) List(ctx context.Context, activeOnly bool) ([]*model.Recipient, error) {
	q := `SELECT ` + columns + ` FROM recipients`
	if activeOnly {
		q += ` WHERE is_active = 1`
	}
	q += ` ORDER BY name ASC, id ASC`
	return s.queryMany(ctx, q)
}

// Search matches a case-insensitive substring against name, employee id
// and email. Active recipients only; used by the registration typeahead.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]*model.Recipient, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	like := "%" + strings.TrimSpace(query) + "%"
	return s.queryMany(ctx, `
		SELECT `+columns+` FROM recipients
		WHERE is_active = 1 AND (name LIKE ? COLLATE NOCASE OR employee_id LIKE ? OR email LIKE ?)
		ORDER BY name ASC, id ASC LIMIT ?`, like, like, like, limit)
}

func (s *Service) queryMany(ctx context.Context, query string, args ...any) ([]*model.Recipient, error) {
	rows, err := s.st.Read().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Recipient
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const columns = `id, employee_id, name, email, department, phone, location, is_active, created_at, updated_at`

func scan(row interface{ Scan(...any) error }) (*model.Recipient, error) {
	var (
		r                     model.Recipient
		dept, phone, location sql.NullString
		createdAt, updatedAt  string
	)
	err := row.Scan(&r.ID, &r.EmployeeID, &r.Name, &r.Email, &dept, &phone, &location,
		&r.IsActive, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	r.Department = dept.String
	r.Phone = phone.String
	r.Location = location.String
	r.CreatedAt = store.ParseTime(createdAt)
	r.UpdatedAt = store.ParseTime(updatedAt)
	return &r, nil
}

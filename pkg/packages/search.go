package packages

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/oakmount-io/mailroom/pkg/audit"
	"github.com/oakmount-io/mailroom/pkg/model"
	"github.com/oakmount-io/mailroom/pkg/store"
)

const maxPageSize = 100

// Filter selects packages for list, search and export projections.
type Filter struct {
	Query      string
	Status     model.PackageStatus
	Department string
	Since      time.Time
	Until      time.Time
	Page       int
	Limit      int
}

// Row is a package joined with its recipient for display.
type Row struct {
	Package       model.Package `json:"package"`
	RecipientName string        `json:"recipient_name"`
	Department    string        `json:"department"`
	EmployeeID    string        `json:"employee_id"`
}

// Search returns packages matching the filter, newest first with id
// tiebreak. The free-text query matches tracking number and recipient
// name.
func (s *Service) Search(ctx context.Context, f Filter) ([]*Row, error) {
	if f.Limit <= 0 || f.Limit > maxPageSize {
		f.Limit = maxPageSize
	}
	if f.Page < 1 {
		f.Page = 1
	}

	where, args := f.clauses()
	q := `
		SELECT p.id, p.tracking_no, p.carrier, p.recipient_id, p.status, p.notes,
		       p.created_by, p.created_at, p.updated_at,
		       r.name, r.department, r.employee_id
		FROM packages p JOIN recipients r ON p.recipient_id = r.id` +
		where + `
		ORDER BY p.created_at DESC, p.id DESC
		LIMIT ? OFFSET ?`
	args = append(args, f.Limit, (f.Page-1)*f.Limit)

	rows, err := s.st.Read().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (f Filter) clauses() (string, []any) {
	var conds []string
	var args []any
	if q := strings.TrimSpace(f.Query); q != "" {
		like := "%" + q + "%"
		conds = append(conds, `(p.tracking_no LIKE ? OR r.name LIKE ? COLLATE NOCASE)`)
		args = append(args, like, like)
	}
	if f.Status != "" {
		conds = append(conds, `p.status = ?`)
		args = append(args, string(f.Status))
	}
	if f.Department != "" {
		conds = append(conds, `r.department = ?`)
		args = append(args, f.Department)
	}
	if !f.Since.IsZero() {
		conds = append(conds, `p.created_at >= ?`)
		args = append(args, store.FormatTime(f.Since))
	}
	if !f.Until.IsZero() {
		conds = append(conds, `p.created_at < ?`)
		args = append(args, store.FormatTime(f.Until))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "\n\t\tWHERE " + strings.Join(conds, " AND "), args
}

// Stats counts packages by status for the dashboard.
func (s *Service) Stats(ctx context.Context) (map[model.PackageStatus]int, error) {
	rows, err := s.st.Read().QueryContext(ctx,
		`SELECT status, COUNT(*) FROM packages GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[model.PackageStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[model.PackageStatus(status)] = n
	}
	return out, rows.Err()
}

// ExportRow is one line of the CSV report projection.
type ExportRow struct {
	TrackingNo    string
	Carrier       string
	RecipientName string
	EmployeeID    string
	Department    string
	Status        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ExportRows returns the report projection for the filter, unpaginated,
// and records that an export was generated.
func (s *Service) ExportRows(ctx context.Context, f Filter, actor *model.User, ip string) ([]ExportRow, error) {
	f.Page, f.Limit = 0, 0
	where, args := f.clauses()
	q := `
		SELECT p.tracking_no, p.carrier, r.name, r.employee_id, r.department,
		       p.status, p.created_at, p.updated_at
		FROM packages p JOIN recipients r ON p.recipient_id = r.id` +
		where + `
		ORDER BY p.created_at DESC, p.id DESC`

	rows, err := s.st.Read().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ExportRow
	for rows.Next() {
		var (
			er                   ExportRow
			dept                 sql.NullString
			createdAt, updatedAt string
		)
		if err := rows.Scan(&er.TrackingNo, &er.Carrier, &er.RecipientName, &er.EmployeeID,
			&dept, &er.Status, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		er.Department = dept.String
		er.CreatedAt = store.ParseTime(createdAt)
		er.UpdatedAt = store.ParseTime(updatedAt)
		out = append(out, er)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.aud.Record(ctx, audit.KindExportGenerated, audit.Entry{
		UserID: actor.ID, Username: actor.Username, IPAddress: ip,
		Detail: map[string]any{"rows": len(out)},
	})
	return out, nil
}

func scanRow(rows *sql.Rows) (*Row, error) {
	var (
		r                    Row
		status               string
		notes, dept          sql.NullString
		createdAt, updatedAt string
	)
	err := rows.Scan(&r.Package.ID, &r.Package.TrackingNo, &r.Package.Carrier,
		&r.Package.RecipientID, &status, &notes, &r.Package.CreatedBy, &createdAt, &updatedAt,
		&r.RecipientName, &dept, &r.EmployeeID)
	if err != nil {
		return nil, err
	}
	r.Package.Status = model.PackageStatus(status)
	r.Package.Notes = notes.String
	r.Package.CreatedAt = store.ParseTime(createdAt)
	r.Package.UpdatedAt = store.ParseTime(updatedAt)
	r.Department = dept.String
	return &r, nil
}

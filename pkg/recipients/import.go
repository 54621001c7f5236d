package recipients

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/oakmount-io/mailroom/pkg/audit"
	"github.com/oakmount-io/mailroom/pkg/model"
	"github.com/oakmount-io/mailroom/pkg/store"
)

// importChunkSize bounds each import transaction so a large file does not
// hold the writer for its whole duration.
const importChunkSize = 500

// RowError is one rejected import row.
type RowError struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// ImportReport summarizes a validate or confirm pass. Row numbers are
// 1-based positions in the submitted file.
type ImportReport struct {
	Total   int        `json:"total"`
	Created int        `json:"created"`
	Updated int        `json:"updated"`
	Failed  []RowError `json:"failed,omitempty"`
}

type importRow struct {
	index  int
	input  Input
	exists bool
}

// ValidateImport checks every row without writing anything: field
// validation plus an existence probe by employee id so the report can say
// what a confirm would create versus update. Duplicate employee ids within
// the file are rejected past their first occurrence.
func (s *Service) ValidateImport(ctx context.Context, rows []Input) (*ImportReport, []importRow, error) {
	report := &ImportReport{Total: len(rows)}
	seen := make(map[string]bool, len(rows))
	var valid []importRow

	for i, in := range rows {
		in.normalize()
		if err := in.validate(); err != nil {
			var ve *model.ValidationError
			reason := "invalid"
			if errors.As(err, &ve) {
				reason = ve.Reason
			}
			report.Failed = append(report.Failed, RowError{Row: i + 1, Reason: reason})
			continue
		}
		if seen[in.EmployeeID] {
			report.Failed = append(report.Failed, RowError{Row: i + 1, Reason: "duplicate_employee_id"})
			continue
		}
		seen[in.EmployeeID] = true

		_, err := s.GetByEmployeeID(ctx, in.EmployeeID)
		switch {
		case err == nil:
			report.Updated++
			valid = append(valid, importRow{index: i, input: in, exists: true})
		case errors.Is(err, model.ErrNotFound):
			report.Created++
			valid = append(valid, importRow{index: i, input: in, exists: false})
		default:
			return nil, nil, err
		}
	}
	return report, valid, nil
}

// Import runs the confirm phase: re-validates, then upserts by employee id
// in chunked batches. Each chunk is atomic; a chunk failure aborts the
// remainder and is reported against its first row.
func (s *Service) Import(ctx context.Context, rows []Input, actor *model.User, ip string) (*ImportReport, error) {
	report, valid, err := s.ValidateImport(ctx, rows)
	if err != nil {
		return nil, err
	}

	for start := 0; start < len(valid); start += importChunkSize {
		end := start + importChunkSize
		if end > len(valid) {
			end = len(valid)
		}
		chunk := valid[start:end]

		now := store.FormatTime(store.Now())
		ops := make([]store.Op, 0, len(chunk))
		for _, r := range chunk {
			in := r.input
			ops = append(ops, store.Op{
				SQL: `INSERT INTO recipients (id, employee_id, name, email, department, phone, location, is_active, created_at, updated_at)
				      VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
				      ON CONFLICT(employee_id) DO UPDATE SET
				          name = excluded.name, email = excluded.email, department = excluded.department,
				          phone = excluded.phone, location = excluded.location, updated_at = excluded.updated_at`,
				Args: []any{uuid.New().String(), in.EmployeeID, in.Name, in.Email,
					in.Department, in.Phone, in.Location, now, now},
			})
		}
		if err := s.q.SubmitBatch(ctx, ops); err != nil {
			// Typically a cross-row email collision the per-row probe
			// cannot see. The chunk rolled back as a unit.
			reason := "write_failed"
			if errors.Is(err, store.ErrDuplicate) {
				reason = "duplicate_email"
			}
			for _, r := range chunk {
				if r.exists {
					report.Updated--
				} else {
					report.Created--
				}
				report.Failed = append(report.Failed, RowError{Row: r.index + 1, Reason: reason})
			}
			continue
		}
	}

	s.aud.Record(ctx, audit.KindRecipientImported, audit.Entry{
		UserID: actor.ID, Username: actor.Username, IPAddress: ip,
		Detail: map[string]any{
			"total": report.Total, "created": report.Created,
			"updated": report.Updated, "failed": len(report.Failed),
		},
	})
	return report, nil
}

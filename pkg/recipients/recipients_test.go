package recipients

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakmount-io/mailroom/pkg/audit"
	"github.com/oakmount-io/mailroom/pkg/model"
	"github.com/oakmount-io/mailroom/pkg/store"
)

type fixture struct {
	st    *store.Store
	q     *store.Queue
	svc   *Service
	actor *model.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "recipients.db"))
	require.NoError(t, err)
	q := store.NewQueue(st, time.Hour)
	t.Cleanup(func() {
		_ = q.Shutdown(context.Background())
		_ = st.Close()
	})

	recorder, err := audit.NewRecorder(context.Background(), st, q)
	require.NoError(t, err)

	actor := &model.User{ID: "actor-1", Username: "jdoe", Role: model.RoleAdmin, IsActive: true}
	now := store.FormatTime(store.Now())
	require.NoError(t, q.Submit(context.Background(), store.Op{
		SQL: `INSERT INTO users (id, username, password_hash, full_name, role, created_at, updated_at)
		      VALUES (?, ?, 'x', 'J Doe', 'admin', ?, ?)`,
		Args: []any{actor.ID, actor.Username, now, now},
	}))

	return &fixture{st: st, q: q, svc: NewService(st, q, recorder), actor: actor}
}

func validInput(empID string) Input {
	return Input{
		EmployeeID: empID,
		Name:       "Riley Chen",
		Email:      empID + "@example.com",
		Department: "Finance",
	}
}

func TestCreateNormalizesFields(t *testing.T) {
	f := newFixture(t)
	r, err := f.svc.Create(context.Background(), Input{
		EmployeeID: "  E100 ",
		Name:       " Riley Chen ",
		Email:      " Riley@Example.COM ",
		Department: "Finance",
	}, f.actor, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "E100", r.EmployeeID)
	assert.Equal(t, "Riley Chen", r.Name)
	assert.Equal(t, "riley@example.com", r.Email)
	assert.True(t, r.IsActive)
}

func TestCreateValidationReasons(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		in     Input
		reason string
	}{
		{Input{Name: "X", Email: "x@example.com", Department: "D"}, "employee_id_required"},
		{Input{EmployeeID: "E1", Email: "x@example.com", Department: "D"}, "name_required"},
		{Input{EmployeeID: "E1", Name: "X", Email: "not-an-email", Department: "D"}, "invalid_email"},
		{Input{EmployeeID: "E1", Name: "X", Email: "x@example.com"}, "department_required"},
	}
	for _, tc := range cases {
		_, err := f.svc.Create(context.Background(), tc.in, f.actor, "10.0.0.1")
		var ve *model.ValidationError
		require.ErrorAs(t, err, &ve, tc.reason)
		assert.Equal(t, tc.reason, ve.Reason)
	}
}

func TestCreateDuplicateEmployeeID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Create(ctx, validInput("E100"), f.actor, "10.0.0.1")
	require.NoError(t, err)

	in := validInput("E100")
	in.Email = "other@example.com"
	_, err = f.svc.Create(ctx, in, f.actor, "10.0.0.1")
	assert.ErrorIs(t, err, model.ErrDuplicate)
}

func TestUpdateKeepsEmployeeIDImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, err := f.svc.Create(ctx, validInput("E100"), f.actor, "10.0.0.1")
	require.NoError(t, err)

	in := validInput("E999")
	_, err = f.svc.Update(ctx, r.ID, in, f.actor, "10.0.0.1")
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "employee_id_immutable", ve.Reason)

	// Leaving the field empty means "unchanged" and is accepted.
	in = validInput("")
	in.Email = "E100@example.com"
	in.Department = "Legal"
	got, err := f.svc.Update(ctx, r.ID, in, f.actor, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "E100", got.EmployeeID)
	assert.Equal(t, "Legal", got.Department)
}

func TestDeactivateBlockedByOpenPackages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, err := f.svc.Create(ctx, validInput("E100"), f.actor, "10.0.0.1")
	require.NoError(t, err)

	now := store.FormatTime(store.Now())
	require.NoError(t, f.q.Submit(ctx, store.Op{
		SQL: `INSERT INTO packages (id, tracking_no, carrier, recipient_id, status, created_by, created_at, updated_at)
		      VALUES ('p1', 'TRK-1', 'UPS', ?, 'awaiting_pickup', ?, ?, ?)`,
		Args: []any{r.ID, f.actor.ID, now, now},
	}))

	err = f.svc.Deactivate(ctx, r.ID, f.actor, "10.0.0.1")
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "has_open_packages", ve.Reason)

	got, err := f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)

	// Once the package reaches a terminal state the deactivation goes through.
	require.NoError(t, f.q.Submit(ctx, store.Op{
		SQL:  `UPDATE packages SET status = 'delivered' WHERE id = 'p1'`,
		Args: nil,
	}))
	require.NoError(t, f.svc.Deactivate(ctx, r.ID, f.actor, "10.0.0.1"))
	got, err = f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}

func TestSearchIsCaseInsensitiveAndActiveOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, validInput("E100"), f.actor, "10.0.0.1")
	require.NoError(t, err)
	in := validInput("E200")
	in.Name = "Morgan Diaz"
	in.Email = "morgan@example.com"
	r2, err := f.svc.Create(ctx, in, f.actor, "10.0.0.1")
	require.NoError(t, err)

	got, err := f.svc.Search(ctx, "riley", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "E100", got[0].EmployeeID)

	got, err = f.svc.Search(ctx, "E2", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Morgan Diaz", got[0].Name)

	require.NoError(t, f.svc.Deactivate(ctx, r2.ID, f.actor, "10.0.0.1"))
	got, err = f.svc.Search(ctx, "morgan", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestValidateImportReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, validInput("E100"), f.actor, "10.0.0.1")
	require.NoError(t, err)

	rows := []Input{
		validInput("E100"), // exists -> update
		validInput("E200"), // new -> create
		{EmployeeID: "E300", Name: "X", Email: "bad", Department: "D"},
		validInput("E200"), // duplicate within the file
	}
	report, valid, err := f.svc.ValidateImport(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Total)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Updated)
	require.Len(t, report.Failed, 2)
	assert.Equal(t, RowError{Row: 3, Reason: "invalid_email"}, report.Failed[0])
	assert.Equal(t, RowError{Row: 4, Reason: "duplicate_employee_id"}, report.Failed[1])
	assert.Len(t, valid, 2)

	// Validation writes nothing.
	got, err := f.svc.GetByEmployeeID(ctx, "E200")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Nil(t, got)
}

func TestImportUpsertsAndAudits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	existing, err := f.svc.Create(ctx, validInput("E100"), f.actor, "10.0.0.1")
	require.NoError(t, err)

	rows := []Input{
		{EmployeeID: "E100", Name: "Riley Chen-Park", Email: "e100@example.com", Department: "Legal"},
		validInput("E200"),
		validInput("E300"),
	}
	report, err := f.svc.Import(ctx, rows, f.actor, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Created)
	assert.Equal(t, 1, report.Updated)
	assert.Empty(t, report.Failed)

	// The update landed on the existing row rather than a new one.
	got, err := f.svc.GetByEmployeeID(ctx, "E100")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, got.ID)
	assert.Equal(t, "Riley Chen-Park", got.Name)
	assert.Equal(t, "Legal", got.Department)

	_, err = f.svc.GetByEmployeeID(ctx, "E200")
	assert.NoError(t, err)

	var n int
	require.NoError(t, f.st.Read().QueryRow(
		`SELECT COUNT(*) FROM auth_events WHERE event_type = 'recipient_imported'`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestImportReportsCrossRowEmailCollision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, validInput("E100"), f.actor, "10.0.0.1")
	require.NoError(t, err)

	// New employee id, but an email the directory already holds. The chunk
	// rolls back and the row is reported.
	in := validInput("E200")
	in.Email = "e100@example.com"
	report, err := f.svc.Import(ctx, []Input{in}, f.actor, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 0, report.Created)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "duplicate_email", report.Failed[0].Reason)

	_, err = f.svc.GetByEmployeeID(ctx, "E200")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

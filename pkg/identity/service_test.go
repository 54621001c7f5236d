package identity

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakmount-io/mailroom/pkg/audit"
	"github.com/oakmount-io/mailroom/pkg/model"
	"github.com/oakmount-io/mailroom/pkg/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	q := store.NewQueue(st, time.Hour)
	t.Cleanup(func() {
		_ = q.Shutdown(context.Background())
		_ = st.Close()
	})

	rec, err := audit.NewRecorder(context.Background(), st, q)
	require.NoError(t, err)

	svc := NewService(st, q, rec, Params{
		Password:        testParams,
		MinLength:       12,
		HistoryCount:    3,
		SessionTimeout:  30 * time.Minute,
		MaxSessions:     3,
		MaxFailedLogins: 5,
		LockoutDuration: 30 * time.Minute,
		RenewWindow:     time.Minute,
	})
	svc.sleep = func(time.Duration) {}
	return svc
}

func seedUser(t *testing.T, svc *Service, username, password string, role model.Role) *model.User {
	t.Helper()
	u, err := svc.CreateUser(context.Background(), NewUser{
		Username: username,
		Password: password,
		FullName: "Test User",
		Role:     role,
	}, &model.User{ID: "seed", Username: "seed", Role: model.RoleSuperAdmin, IsActive: true}, "127.0.0.1")
	require.NoError(t, err)
	// Creation flags a forced change; most login tests want a settled account.
	require.NoError(t, svc.q.Submit(context.Background(), store.Op{
		SQL: `UPDATE users SET must_change_password = 0 WHERE id = ?`, Args: []any{u.ID}}))
	u.MustChangePassword = false
	return u
}

func countEvents(t *testing.T, svc *Service, kind audit.Kind) int {
	t.Helper()
	var n int
	require.NoError(t, svc.st.Read().QueryRow(
		`SELECT COUNT(*) FROM auth_events WHERE event_type = ?`, string(kind)).Scan(&n))
	return n
}

func TestLoginSuccess(t *testing.T) {
	svc := newTestService(t)
	seedUser(t, svc, "jdoe", "Correct-Horse-9!", model.RoleOperator)
	ctx := context.Background()

	user, sess, err := svc.Login(ctx, "jdoe", "Correct-Horse-9!", "10.0.0.1", "go-test")
	require.NoError(t, err)
	assert.Equal(t, "jdoe", user.Username)
	assert.Equal(t, 0, user.FailedLoginCount)
	assert.GreaterOrEqual(t, len(sess.Token), 43)
	assert.Equal(t, 1, countEvents(t, svc, audit.KindLogin))
}

func TestLoginUnknownUser(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Login(ctx, "nobody", "whatever", "10.0.0.1", "")
	assert.ErrorIs(t, err, model.ErrInvalidCredentials)
	assert.Equal(t, 1, countEvents(t, svc, audit.KindLoginFailed))
}

func TestLoginLockoutAfterMaxFailures(t *testing.T) {
	svc := newTestService(t)
	u := seedUser(t, svc, "jdoe", "Correct-Horse-9!", model.RoleOperator)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _, err := svc.Login(ctx, "jdoe", "wrong-password", "10.0.0.1", "")
		assert.ErrorIs(t, err, model.ErrInvalidCredentials)
	}
	assert.Equal(t, 5, countEvents(t, svc, audit.KindLoginFailed))
	assert.Equal(t, 1, countEvents(t, svc, audit.KindAccountLocked))

	got, err := svc.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.FailedLoginCount)
	require.NotNil(t, got.LockedUntil)
	assert.True(t, got.LockedUntil.After(time.Now()))

	// Correct password during the lockout still fails, with no session.
	_, _, err = svc.Login(ctx, "jdoe", "Correct-Horse-9!", "10.0.0.1", "")
	assert.ErrorIs(t, err, model.ErrLocked)
	sessions, err := svc.ListSessions(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestLoginResetsCounterOnSuccess(t *testing.T) {
	svc := newTestService(t)
	u := seedUser(t, svc, "jdoe", "Correct-Horse-9!", model.RoleOperator)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _, _ = svc.Login(ctx, "jdoe", "wrong-password", "10.0.0.1", "")
	}
	_, _, err := svc.Login(ctx, "jdoe", "Correct-Horse-9!", "10.0.0.1", "")
	require.NoError(t, err)

	got, err := svc.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.FailedLoginCount)
	assert.Nil(t, got.LockedUntil)
}

func TestLoginInactiveUser(t *testing.T) {
	svc := newTestService(t)
	u := seedUser(t, svc, "jdoe", "Correct-Horse-9!", model.RoleOperator)
	ctx := context.Background()
	require.NoError(t, svc.q.Submit(ctx, store.Op{
		SQL: `UPDATE users SET is_active = 0 WHERE id = ?`, Args: []any{u.ID}}))

	_, _, err := svc.Login(ctx, "jdoe", "Correct-Horse-9!", "10.0.0.1", "")
	assert.ErrorIs(t, err, model.ErrInvalidCredentials)
}

func TestSessionCapEvictsOldest(t *testing.T) {
	svc := newTestService(t)
	u := seedUser(t, svc, "jdoe", "Correct-Horse-9!", model.RoleOperator)
	ctx := context.Background()

	// Recent enough that all three stay inside the 30 minute timeout.
	base := time.Now().Add(-3 * time.Minute)
	var tokens []string
	for i := 0; i < 3; i++ {
		created := base.Add(time.Duration(i) * time.Minute)
		svc.now = func() time.Time { return created }
		sess, err := svc.CreateSession(ctx, u.ID, "10.0.0.1", "")
		require.NoError(t, err)
		tokens = append(tokens, sess.Token)
	}
	svc.now = time.Now

	s4, err := svc.CreateSession(ctx, u.ID, "10.0.0.1", "")
	require.NoError(t, err)

	sessions, err := svc.ListSessions(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, sessions, 3, "active sessions never exceed the cap")

	// The oldest session is gone; the others and the new one survive.
	_, _, err = svc.ValidateSession(ctx, tokens[0])
	assert.ErrorIs(t, err, model.ErrUnauthenticated)
	for _, tok := range []string{tokens[1], tokens[2], s4.Token} {
		_, _, err := svc.ValidateSession(ctx, tok)
		assert.NoError(t, err)
	}
}

func TestSessionCapHoldsUnderConcurrentLogins(t *testing.T) {
	svc := newTestService(t)
	u := seedUser(t, svc, "jdoe", "Correct-Horse-9!", model.RoleOperator)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.CreateSession(ctx, u.ID, "10.0.0.1", "")
		require.NoError(t, err)
	}

	// Several logins racing against a full session table must not
	// overshoot the cap: eviction and insert commit as one batch, so no
	// two creates can act on the same stale count.
	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.CreateSession(ctx, u.ID, "10.0.0.2", "")
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	sessions, err := svc.ListSessions(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, sessions, 3, "active sessions never exceed the cap")
}

func TestValidateSessionExpiry(t *testing.T) {
	svc := newTestService(t)
	u := seedUser(t, svc, "jdoe", "Correct-Horse-9!", model.RoleOperator)
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, u.ID, "", "")
	require.NoError(t, err)

	// expires_at == now counts as expired.
	svc.now = func() time.Time { return sess.ExpiresAt }
	_, _, err = svc.ValidateSession(ctx, sess.Token)
	assert.ErrorIs(t, err, model.ErrUnauthenticated)

	svc.now = func() time.Time { return sess.ExpiresAt.Add(-time.Second) }
	_, _, err = svc.ValidateSession(ctx, sess.Token)
	assert.NoError(t, err)
}

func TestSessionRenewalOncePerWindow(t *testing.T) {
	svc := newTestService(t)
	u := seedUser(t, svc, "jdoe", "Correct-Horse-9!", model.RoleOperator)
	ctx := context.Background()

	start := time.Now()
	svc.now = func() time.Time { return start }
	sess, err := svc.CreateSession(ctx, u.ID, "", "")
	require.NoError(t, err)

	// Within the renew window: no write, expiry unchanged.
	svc.now = func() time.Time { return start.Add(30 * time.Second) }
	got, _, err := svc.ValidateSession(ctx, sess.Token)
	require.NoError(t, err)
	assert.True(t, got.ExpiresAt.Equal(sess.ExpiresAt))

	// Past the window: expiry slides forward.
	later := start.Add(2 * time.Minute)
	svc.now = func() time.Time { return later }
	got, _, err = svc.ValidateSession(ctx, sess.Token)
	require.NoError(t, err)
	assert.True(t, got.ExpiresAt.After(sess.ExpiresAt))
}

func TestChangePasswordRoundTrip(t *testing.T) {
	svc := newTestService(t)
	u := seedUser(t, svc, "jdoe", "Old-Password-1!", model.RoleOperator)
	ctx := context.Background()

	require.NoError(t, svc.ChangePassword(ctx, u, "Old-Password-1!", "New-Password-2!", "10.0.0.1"))
	assert.True(t, VerifyPassword("New-Password-2!", u.PasswordHash))
	assert.False(t, VerifyPassword("Old-Password-1!", u.PasswordHash))
	assert.Equal(t, 1, countEvents(t, svc, audit.KindPasswordChanged))

	// Replaying the same change fails: the new password is now history.
	err := svc.ChangePassword(ctx, u, "New-Password-2!", "New-Password-2!", "10.0.0.1")
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "password_reused", ve.Reason)
}

func TestChangePasswordRequiresCurrent(t *testing.T) {
	svc := newTestService(t)
	u := seedUser(t, svc, "jdoe", "Old-Password-1!", model.RoleOperator)

	err := svc.ChangePassword(context.Background(), u, "wrong", "New-Password-2!", "")
	assert.ErrorIs(t, err, model.ErrInvalidCredentials)
}

func TestResetPasswordForcesChangeAndKillsSessions(t *testing.T) {
	svc := newTestService(t)
	u := seedUser(t, svc, "jdoe", "Old-Password-1!", model.RoleOperator)
	admin := seedUser(t, svc, "admin1", "Admin-Password-1!", model.RoleSuperAdmin)
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, u.ID, "", "")
	require.NoError(t, err)

	require.NoError(t, svc.ResetPassword(ctx, u.ID, "Reset-Password-3!", admin, "10.0.0.1"))

	_, _, err = svc.ValidateSession(ctx, sess.Token)
	assert.ErrorIs(t, err, model.ErrUnauthenticated)

	got, err := svc.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, got.MustChangePassword)
	assert.True(t, VerifyPassword("Reset-Password-3!", got.PasswordHash))
	assert.Equal(t, 1, countEvents(t, svc, audit.KindPasswordReset))
}

func TestCreateUserDuplicateUsername(t *testing.T) {
	svc := newTestService(t)
	seedUser(t, svc, "jdoe", "Correct-Horse-9!", model.RoleOperator)

	_, err := svc.CreateUser(context.Background(), NewUser{
		Username: "jdoe", Password: "Another-Pass-1!", FullName: "Dup", Role: model.RoleOperator,
	}, &model.User{ID: "seed", Username: "seed"}, "")
	assert.ErrorIs(t, err, model.ErrDuplicate)
}

func TestDeactivationTerminatesSessions(t *testing.T) {
	svc := newTestService(t)
	u := seedUser(t, svc, "jdoe", "Correct-Horse-9!", model.RoleOperator)
	admin := seedUser(t, svc, "admin1", "Admin-Password-1!", model.RoleSuperAdmin)
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, u.ID, "", "")
	require.NoError(t, err)

	inactive := false
	_, err = svc.UpdateUser(ctx, u.ID, UserUpdate{IsActive: &inactive}, admin, "10.0.0.1")
	require.NoError(t, err)

	_, _, err = svc.ValidateSession(ctx, sess.Token)
	assert.ErrorIs(t, err, model.ErrUnauthenticated)
	assert.Equal(t, 1, countEvents(t, svc, audit.KindUserDeactivated))
}

func TestEnsureInitialAdmin(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.EnsureInitialAdmin(ctx))
	admin, err := svc.GetUserByUsername(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, model.RoleSuperAdmin, admin.Role)
	assert.True(t, admin.MustChangePassword)

	// Idempotent: a second call with users present is a no-op.
	require.NoError(t, svc.EnsureInitialAdmin(ctx))
	users, err := svc.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

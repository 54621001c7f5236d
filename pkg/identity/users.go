package identity

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/oakmount-io/mailroom/pkg/audit"
	"github.com/oakmount-io/mailroom/pkg/model"
	"github.com/oakmount-io/mailroom/pkg/store"
)

// Defaults for the account created on an empty database. The password is
// flagged must-change so it cannot survive past the first login.
const (
	bootstrapUsername = "admin"
	bootstrapPassword = "ChangeMe123!"
)

// GetUserByUsername looks a user up by exact username.
func (s *Service) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	row := s.st.Read().QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// GetUser looks a user up by id.
func (s *Service) GetUser(ctx context.Context, id string) (*model.User, error) {
	row := s.st.Read().QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// ListUsers returns every account, username order.
func (s *Service) ListUsers(ctx context.Context) ([]*model.User, error) {
	rows, err := s.st.Read().QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY username ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// NewUser is the input for account creation.
type NewUser struct {
	Username string
	Password string
	FullName string
	Role     model.Role
}

// CreateUser creates an account. The initial password seeds the history so
// it cannot be immediately reused, and the account starts with
// must_change_password set.
func (s *Service) CreateUser(ctx context.Context, in NewUser, actor *model.User, ip string) (*model.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	if in.Username == "" {
		return nil, model.Validation("username_required", "Username is required")
	}
	if !in.Role.Valid() {
		return nil, model.Validation("invalid_role", "Unknown role %q", in.Role)
	}
	if err := CheckStrength(in.Password, s.p.MinLength); err != nil {
		return nil, err
	}
	digest, err := HashPassword(in.Password, s.p.Password)
	if err != nil {
		return nil, err
	}

	now := s.now()
	u := &model.User{
		ID:                 uuid.New().String(),
		Username:           in.Username,
		PasswordHash:       digest,
		FullName:           strings.TrimSpace(in.FullName),
		Role:               in.Role,
		IsActive:           true,
		MustChangePassword: true,
		PasswordHistory:    appendHistory("", digest, s.p.HistoryCount),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	op := store.Op{
		SQL: `INSERT INTO users (id, username, password_hash, full_name, role, is_active, must_change_password,
		      password_history, failed_login_count, locked_until, created_at, updated_at)
		      VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, ?, ?)`,
		Args: []any{u.ID, u.Username, u.PasswordHash, u.FullName, string(u.Role), u.IsActive,
			u.MustChangePassword, u.PasswordHistory, store.FormatTime(now), store.FormatTime(now)},
	}
	err = s.aud.RecordWithBatch(ctx, audit.KindUserCreated, audit.Entry{
		UserID: actor.ID, Username: actor.Username, IPAddress: ip,
		Detail: map[string]any{"created_user_id": u.ID, "created_username": u.Username, "role": string(u.Role)},
	}, []store.Op{op})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, model.ErrDuplicate
		}
		return nil, err
	}
	return u, nil
}

// UserUpdate carries the mutable account fields. Nil means leave as is.
type UserUpdate struct {
	FullName *string
	Role     *model.Role
	IsActive *bool
}

// UpdateUser applies an admin edit to a user. Deactivation terminates all
// of the target's sessions and is audited as its own event kind.
func (s *Service) UpdateUser(ctx context.Context, id string, upd UserUpdate, actor *model.User, ip string) (*model.User, error) {
	u, err := s.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}

	changed := map[string]any{}
	if upd.FullName != nil && *upd.FullName != u.FullName {
		u.FullName = strings.TrimSpace(*upd.FullName)
		changed["full_name"] = u.FullName
	}
	if upd.Role != nil && *upd.Role != u.Role {
		if !upd.Role.Valid() {
			return nil, model.Validation("invalid_role", "Unknown role %q", *upd.Role)
		}
		u.Role = *upd.Role
		changed["role"] = string(u.Role)
	}
	deactivated := false
	if upd.IsActive != nil && *upd.IsActive != u.IsActive {
		u.IsActive = *upd.IsActive
		changed["is_active"] = u.IsActive
		deactivated = !u.IsActive
	}
	if len(changed) == 0 {
		return u, nil
	}

	now := s.now()
	u.UpdatedAt = now
	op := store.Op{
		SQL:  `UPDATE users SET full_name = ?, role = ?, is_active = ?, updated_at = ? WHERE id = ?`,
		Args: []any{u.FullName, string(u.Role), u.IsActive, store.FormatTime(now), u.ID},
	}

	kind := audit.KindUserUpdated
	if deactivated {
		kind = audit.KindUserDeactivated
	}
	err = s.aud.RecordWithBatch(ctx, kind, audit.Entry{
		UserID: actor.ID, Username: actor.Username, IPAddress: ip,
		Detail: map[string]any{"target_user_id": u.ID, "target_username": u.Username, "changes": changed},
	}, []store.Op{op})
	if err != nil {
		return nil, err
	}

	if deactivated {
		if err := s.TerminateAllForUser(ctx, u.ID); err != nil {
			slog.Error("terminating sessions of deactivated user failed", "user_id", u.ID, "error", err)
		}
	}
	return u, nil
}

// ResetPassword sets a new administrative password for a user, forces a
// change at next login, and terminates every existing session.
func (s *Service) ResetPassword(ctx context.Context, id, newPassword string, actor *model.User, ip string) error {
	u, err := s.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if err := CheckStrength(newPassword, s.p.MinLength); err != nil {
		return err
	}
	digest, err := HashPassword(newPassword, s.p.Password)
	if err != nil {
		return err
	}

	now := s.now()
	op := store.Op{
		SQL: `UPDATE users SET password_hash = ?, password_history = ?, must_change_password = 1,
		      failed_login_count = 0, locked_until = NULL, updated_at = ? WHERE id = ?`,
		Args: []any{digest, appendHistory(u.PasswordHistory, digest, s.p.HistoryCount),
			store.FormatTime(now), u.ID},
	}
	err = s.aud.RecordWithBatch(ctx, audit.KindPasswordReset, audit.Entry{
		UserID: actor.ID, Username: actor.Username, IPAddress: ip,
		Detail: map[string]any{"target_user_id": u.ID, "target_username": u.Username},
	}, []store.Op{op})
	if err != nil {
		return err
	}
	return s.TerminateAllForUser(ctx, u.ID)
}

// ChangePassword is the self-service password change. The current password
// must verify, the new one must satisfy policy and must not match any of
// the retained history.
func (s *Service) ChangePassword(ctx context.Context, user *model.User, oldPassword, newPassword, ip string) error {
	if !VerifyPassword(oldPassword, user.PasswordHash) {
		return model.ErrInvalidCredentials
	}
	if err := CheckStrength(newPassword, s.p.MinLength); err != nil {
		return err
	}
	if historyContains(newPassword, user.PasswordHistory, s.p.HistoryCount) {
		return model.Validation("password_reused",
			"Password must differ from your last %d passwords", s.p.HistoryCount)
	}
	digest, err := HashPassword(newPassword, s.p.Password)
	if err != nil {
		return err
	}

	now := s.now()
	history := appendHistory(user.PasswordHistory, digest, s.p.HistoryCount)
	op := store.Op{
		SQL: `UPDATE users SET password_hash = ?, password_history = ?, must_change_password = 0,
		      updated_at = ? WHERE id = ?`,
		Args: []any{digest, history, store.FormatTime(now), user.ID},
	}
	err = s.aud.RecordWithBatch(ctx, audit.KindPasswordChanged, audit.Entry{
		UserID: user.ID, Username: user.Username, IPAddress: ip,
	}, []store.Op{op})
	if err != nil {
		return err
	}
	user.PasswordHash = digest
	user.PasswordHistory = history
	user.MustChangePassword = false
	return nil
}

// UnlockUser clears an active lockout ahead of its expiry.
func (s *Service) UnlockUser(ctx context.Context, id string, actor *model.User, ip string) error {
	u, err := s.GetUser(ctx, id)
	if err != nil {
		return err
	}
	op := store.Op{
		SQL:  `UPDATE users SET failed_login_count = 0, locked_until = NULL, updated_at = ? WHERE id = ?`,
		Args: []any{store.FormatTime(s.now()), u.ID},
	}
	return s.aud.RecordWithBatch(ctx, audit.KindAccountUnlocked, audit.Entry{
		UserID: actor.ID, Username: actor.Username, IPAddress: ip,
		Detail: map[string]any{"target_user_id": u.ID, "target_username": u.Username},
	}, []store.Op{op})
}

// EnsureInitialAdmin seeds a super admin on an empty users table so a
// fresh install is reachable. No-op otherwise.
func (s *Service) EnsureInitialAdmin(ctx context.Context) error {
	var n int
	if err := s.st.Read().QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	digest, err := HashPassword(bootstrapPassword, s.p.Password)
	if err != nil {
		return err
	}
	now := s.now()
	id := uuid.New().String()
	err = s.q.Submit(ctx, store.Op{
		SQL: `INSERT INTO users (id, username, password_hash, full_name, role, is_active, must_change_password,
		      password_history, failed_login_count, locked_until, created_at, updated_at)
		      VALUES (?, ?, ?, ?, ?, 1, 1, ?, 0, NULL, ?, ?)`,
		Args: []any{id, bootstrapUsername, digest, "System Administrator", string(model.RoleSuperAdmin),
			appendHistory("", digest, s.p.HistoryCount), store.FormatTime(now), store.FormatTime(now)},
	})
	if err != nil {
		// A concurrent seed is fine; the row exists either way.
		if errors.Is(err, store.ErrDuplicate) {
			return nil
		}
		return err
	}
	slog.Warn("created initial super admin account; password change required at first login",
		"username", bootstrapUsername)
	return nil
}

package identity

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/oakmount-io/mailroom/pkg/audit"
	"github.com/oakmount-io/mailroom/pkg/model"
	"github.com/oakmount-io/mailroom/pkg/store"
)

// generateToken returns a 256-bit random token, URL-safe encoded.
func generateToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// CreateSession issues a fresh session for userID. When the concurrent
// session cap would be exceeded, the oldest active sessions are terminated
// first. Eviction and insert run as one batch so concurrent logins cannot
// both pass a count check and overshoot the cap; the eviction keeps the
// newest MaxSessions-1 active rows and the insert fills the freed slot.
func (s *Service) CreateSession(ctx context.Context, userID, ip, userAgent string) (*model.Session, error) {
	now := s.now()
	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	sess := &model.Session{
		ID:           uuid.New().String(),
		UserID:       userID,
		Token:        token,
		ExpiresAt:    now.Add(s.p.SessionTimeout),
		LastActivity: now,
		IPAddress:    ip,
		UserAgent:    userAgent,
		CreatedAt:    now,
	}
	nowText := store.FormatTime(now)
	err = s.q.SubmitBatch(ctx, []store.Op{
		{
			SQL: `DELETE FROM sessions WHERE user_id = ? AND expires_at > ? AND id IN (
			      SELECT id FROM sessions WHERE user_id = ? AND expires_at > ?
			      ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?)`,
			Args: []any{userID, nowText, userID, nowText, s.p.MaxSessions - 1},
		},
		{
			SQL: `INSERT INTO sessions (id, user_id, token, expires_at, last_activity, ip_address, user_agent, created_at)
			      VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			Args: []any{sess.ID, sess.UserID, sess.Token, store.FormatTime(sess.ExpiresAt),
				store.FormatTime(sess.LastActivity), nullIfEmpty(ip), nullIfEmpty(userAgent),
				store.FormatTime(sess.CreatedAt)},
		},
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ValidateSession resolves token to its session and owning user. Expired
// tokens and inactive owners are unauthenticated; the expired row is left
// for the startup sweep. A renewal write is issued at most once per renew
// window, keyed on the last_activity watermark.
func (s *Service) ValidateSession(ctx context.Context, token string) (*model.Session, *model.User, error) {
	now := s.now()
	row := s.st.Read().QueryRowContext(ctx, `
		SELECT s.id, s.user_id, s.token, s.expires_at, s.last_activity, s.ip_address, s.user_agent, s.created_at,
		       u.`+nestedUserColumns+`
		FROM sessions s JOIN users u ON s.user_id = u.id
		WHERE s.token = ?`, token)

	sess, user, err := scanSessionWithUser(row)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, nil, model.ErrUnauthenticated
		}
		return nil, nil, err
	}
	// expires_at == now counts as expired.
	if !sess.ExpiresAt.After(now) {
		return nil, nil, model.ErrUnauthenticated
	}
	if !user.IsActive {
		return nil, nil, model.ErrUnauthenticated
	}

	if now.Sub(sess.LastActivity) >= s.p.RenewWindow {
		newExpiry := now.Add(s.p.SessionTimeout)
		if err := s.q.Submit(ctx, store.Op{
			SQL: `UPDATE sessions SET expires_at = ?, last_activity = ?
			      WHERE id = ? AND last_activity = ?`,
			Args: []any{store.FormatTime(newExpiry), store.FormatTime(now),
				sess.ID, store.FormatTime(sess.LastActivity)},
		}); err != nil {
			slog.Warn("session renewal failed", "session_id", sess.ID, "error", err)
		} else {
			sess.ExpiresAt = newExpiry
			sess.LastActivity = now
		}
	}
	return sess, user, nil
}

// TerminateByToken deletes a single session (logout).
func (s *Service) TerminateByToken(ctx context.Context, token string) error {
	return s.q.Submit(ctx, store.Op{SQL: `DELETE FROM sessions WHERE token = ?`, Args: []any{token}})
}

// TerminateByID deletes a session only if it belongs to userID.
func (s *Service) TerminateByID(ctx context.Context, sessionID, userID string) error {
	return s.q.Submit(ctx, store.Op{
		SQL: `DELETE FROM sessions WHERE id = ? AND user_id = ?`, Args: []any{sessionID, userID}})
}

// TerminateAllForUser deletes every session of a user (deactivation,
// password reset).
func (s *Service) TerminateAllForUser(ctx context.Context, userID string) error {
	return s.q.Submit(ctx, store.Op{SQL: `DELETE FROM sessions WHERE user_id = ?`, Args: []any{userID}})
}

// Logout terminates the session and records the event.
func (s *Service) Logout(ctx context.Context, user *model.User, token, ip string) error {
	if err := s.TerminateByToken(ctx, token); err != nil {
		return err
	}
	s.aud.Record(ctx, audit.KindLogout, audit.Entry{UserID: user.ID, Username: user.Username, IPAddress: ip})
	return nil
}

// ListSessions returns the active sessions of a user, most recent activity
// first.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]*model.Session, error) {
	rows, err := s.st.Read().QueryContext(ctx, `
		SELECT id, user_id, token, expires_at, last_activity, ip_address, user_agent, created_at
		FROM sessions WHERE user_id = ? AND expires_at > ?
		ORDER BY last_activity DESC`, userID, store.FormatTime(s.now()))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

const nestedUserColumns = `id, u.username, u.password_hash, u.full_name, u.role, u.is_active, u.must_change_password,
	u.password_history, u.failed_login_count, u.locked_until, u.created_at, u.updated_at`

func scanSession(row interface{ Scan(...any) error }) (*model.Session, error) {
	var (
		sess               model.Session
		expiresAt, lastAct string
		ip, ua             sql.NullString
		createdAt          string
	)
	err := row.Scan(&sess.ID, &sess.UserID, &sess.Token, &expiresAt, &lastAct, &ip, &ua, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	sess.ExpiresAt = store.ParseTime(expiresAt)
	sess.LastActivity = store.ParseTime(lastAct)
	sess.IPAddress = ip.String
	sess.UserAgent = ua.String
	sess.CreatedAt = store.ParseTime(createdAt)
	return &sess, nil
}

func scanSessionWithUser(row interface{ Scan(...any) error }) (*model.Session, *model.User, error) {
	var (
		sess               model.Session
		expiresAt, lastAct string
		ip, ua             sql.NullString
		sessCreated        string

		u           model.User
		history     sql.NullString
		lockedUntil sql.NullString
		role        string
		uCreated    string
		uUpdated    string
	)
	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.Token, &expiresAt, &lastAct, &ip, &ua, &sessCreated,
		&u.ID, &u.Username, &u.PasswordHash, &u.FullName, &role, &u.IsActive, &u.MustChangePassword,
		&history, &u.FailedLoginCount, &lockedUntil, &uCreated, &uUpdated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, model.ErrNotFound
		}
		return nil, nil, err
	}
	sess.ExpiresAt = store.ParseTime(expiresAt)
	sess.LastActivity = store.ParseTime(lastAct)
	sess.IPAddress = ip.String
	sess.UserAgent = ua.String
	sess.CreatedAt = store.ParseTime(sessCreated)

	u.Role = model.Role(role)
	u.PasswordHistory = history.String
	if lockedUntil.Valid && lockedUntil.String != "" {
		t := store.ParseTime(lockedUntil.String)
		u.LockedUntil = &t
	}
	u.CreatedAt = store.ParseTime(uCreated)
	u.UpdatedAt = store.ParseTime(uUpdated)
	return &sess, &u, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Package identity owns the password lifecycle, login outcomes, session
// lifecycle and user administration.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/oakmount-io/mailroom/pkg/audit"
	"github.com/oakmount-io/mailroom/pkg/config"
	"github.com/oakmount-io/mailroom/pkg/model"
	"github.com/oakmount-io/mailroom/pkg/store"
)

// unknownUserDelay pads the unknown-username path so its latency does not
// distinguish it from a failed password verification.
const unknownUserDelay = 100 * time.Millisecond

// Params are the identity policy knobs.
type Params struct {
	Password        PasswordParams
	MinLength       int
	HistoryCount    int
	SessionTimeout  time.Duration
	MaxSessions     int
	MaxFailedLogins int
	LockoutDuration time.Duration
	RenewWindow     time.Duration
}

// ParamsFromConfig maps configuration onto identity policy.
func ParamsFromConfig(cfg *config.Config) Params {
	return Params{
		Password: PasswordParams{
			TimeCost:    cfg.Argon2TimeCost,
			MemoryKiB:   cfg.Argon2MemoryCost,
			Parallelism: cfg.Argon2Parallelism,
		},
		MinLength:       cfg.PasswordMinLength,
		HistoryCount:    cfg.PasswordHistoryCount,
		SessionTimeout:  cfg.SessionTimeout,
		MaxSessions:     cfg.MaxConcurrentSessions,
		MaxFailedLogins: cfg.MaxFailedLogins,
		LockoutDuration: cfg.AccountLockoutDuration,
		RenewWindow:     time.Minute,
	}
}

// Service is the identity service.
type Service struct {
	st  *store.Store
	q   *store.Queue
	aud *audit.Recorder
	p   Params

	now   func() time.Time
	sleep func(time.Duration)
}

func NewService(st *store.Store, q *store.Queue, aud *audit.Recorder, p Params) *Service {
	return &Service{st: st, q: q, aud: aud, p: p, now: time.Now, sleep: time.Sleep}
}

// Login authenticates username/password from ip. On success it creates a
// session and records a login event. All failure modes return a generic
// error except an active lockout, which is surfaced as such.
func (s *Service) Login(ctx context.Context, username, password, ip, userAgent string) (*model.User, *model.Session, error) {
	user, err := s.GetUserByUsername(ctx, username)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, nil, err
	}
	if user == nil {
		s.aud.Record(ctx, audit.KindLoginFailed, audit.Entry{
			Username: username, IPAddress: ip,
			Detail: map[string]any{"reason": "unknown_user"},
		})
		s.sleep(unknownUserDelay)
		return nil, nil, model.ErrInvalidCredentials
	}

	now := s.now()
	if user.LockedUntil != nil && user.LockedUntil.After(now) {
		s.aud.Record(ctx, audit.KindLoginFailed, audit.Entry{
			UserID: user.ID, Username: username, IPAddress: ip,
			Detail: map[string]any{"reason": "locked", "locked_until": user.LockedUntil.UTC().Format(time.RFC3339)},
		})
		return nil, nil, model.ErrLocked
	}

	if !user.IsActive {
		s.aud.Record(ctx, audit.KindLoginFailed, audit.Entry{
			UserID: user.ID, Username: username, IPAddress: ip,
			Detail: map[string]any{"reason": "inactive"},
		})
		return nil, nil, model.ErrInvalidCredentials
	}

	if !VerifyPassword(password, user.PasswordHash) {
		if err := s.recordFailedAttempt(ctx, user, ip); err != nil {
			return nil, nil, err
		}
		s.aud.Record(ctx, audit.KindLoginFailed, audit.Entry{
			UserID: user.ID, Username: username, IPAddress: ip,
			Detail: map[string]any{"reason": "bad_password"},
		})
		return nil, nil, model.ErrInvalidCredentials
	}

	if user.FailedLoginCount > 0 || user.LockedUntil != nil {
		if err := s.q.Submit(ctx, store.Op{
			SQL:  `UPDATE users SET failed_login_count = 0, locked_until = NULL, updated_at = ? WHERE id = ?`,
			Args: []any{store.FormatTime(now), user.ID},
		}); err != nil {
			return nil, nil, err
		}
		user.FailedLoginCount = 0
		user.LockedUntil = nil
	}

	sess, err := s.CreateSession(ctx, user.ID, ip, userAgent)
	if err != nil {
		return nil, nil, err
	}
	s.aud.Record(ctx, audit.KindLogin, audit.Entry{UserID: user.ID, Username: username, IPAddress: ip})
	return user, sess, nil
}

// recordFailedAttempt bumps the counter and applies the lockout when the
// threshold is reached.
func (s *Service) recordFailedAttempt(ctx context.Context, user *model.User, ip string) error {
	count := user.FailedLoginCount + 1
	now := s.now()
	if count >= s.p.MaxFailedLogins {
		lockedUntil := now.Add(s.p.LockoutDuration)
		if err := s.q.Submit(ctx, store.Op{
			SQL:  `UPDATE users SET failed_login_count = ?, locked_until = ?, updated_at = ? WHERE id = ?`,
			Args: []any{count, store.FormatTime(lockedUntil), store.FormatTime(now), user.ID},
		}); err != nil {
			return err
		}
		s.aud.Record(ctx, audit.KindAccountLocked, audit.Entry{
			UserID: user.ID, Username: user.Username, IPAddress: ip,
			Detail: map[string]any{"failed_attempts": count, "locked_until": lockedUntil.UTC().Format(time.RFC3339)},
		})
		return nil
	}
	return s.q.Submit(ctx, store.Op{
		SQL:  `UPDATE users SET failed_login_count = ?, updated_at = ? WHERE id = ?`,
		Args: []any{count, store.FormatTime(now), user.ID},
	})
}

const userColumns = `id, username, password_hash, full_name, role, is_active, must_change_password,
	password_history, failed_login_count, locked_until, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*model.User, error) {
	var (
		u           model.User
		history     sql.NullString
		lockedUntil sql.NullString
		role        string
		createdAt   string
		updatedAt   string
	)
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.FullName, &role, &u.IsActive,
		&u.MustChangePassword, &history, &u.FailedLoginCount, &lockedUntil, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	u.Role = model.Role(role)
	u.PasswordHistory = history.String
	if lockedUntil.Valid && lockedUntil.String != "" {
		t := store.ParseTime(lockedUntil.String)
		u.LockedUntil = &t
	}
	u.CreatedAt = store.ParseTime(createdAt)
	u.UpdatedAt = store.ParseTime(updatedAt)
	return &u, nil
}

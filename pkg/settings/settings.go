// Package settings is the process-wide key/value tunable store.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/oakmount-io/mailroom/pkg/audit"
	"github.com/oakmount-io/mailroom/pkg/model"
	"github.com/oakmount-io/mailroom/pkg/store"
)

// KeyQRBaseURL is the external base URL embedded in package deep links on
// printable stickers.
const KeyQRBaseURL = "qr_base_url"

// Service reads and writes system settings. Reads tolerate the settings
// table being absent entirely (older databases); writes do not.
type Service struct {
	st  *store.Store
	q   *store.Queue
	aud *audit.Recorder
}

func NewService(st *store.Store, q *store.Queue, aud *audit.Recorder) *Service {
	return &Service{st: st, q: q, aud: aud}
}

// Get returns the value for key. ok is false when the key is not set or
// the table does not exist.
func (s *Service) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	row := s.st.Read().QueryRowContext(ctx,
		`SELECT value FROM system_settings WHERE key = ?`, key)
	switch err := row.Scan(&value); {
	case err == nil:
		return value, true, nil
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case strings.Contains(err.Error(), "no such table"):
		return "", false, nil
	default:
		return "", false, err
	}
}

// Set stores a value for key and audits the change with old and new
// values. URL-valued keys are validated and normalized first. The policy
// layer restricts callers to super admins.
func (s *Service) Set(ctx context.Context, key, value string, actor *model.User) error {
	if key == KeyQRBaseURL {
		v, err := normalizeURL(value)
		if err != nil {
			return err
		}
		value = v
	}

	old, _, err := s.Get(ctx, key)
	if err != nil {
		return err
	}

	now := store.FormatTime(store.Now())
	op := store.Op{
		SQL: `INSERT INTO system_settings (key, value, updated_by, updated_at) VALUES (?, ?, ?, ?)
		      ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_by = excluded.updated_by, updated_at = excluded.updated_at`,
		Args: []any{key, value, actor.Username, now},
	}
	return s.aud.RecordWithBatch(ctx, audit.KindSettingsChange, audit.Entry{
		UserID: actor.ID,
		Detail: map[string]any{"key": key, "old_value": old, "new_value": value},
	}, []store.Op{op})
}

// normalizeURL enforces an http(s) scheme and strips a trailing slash.
func normalizeURL(v string) (string, error) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "http://") && !strings.HasPrefix(v, "https://") {
		return "", model.Validation("invalid_url", "URL must start with http:// or https://")
	}
	return strings.TrimRight(v, "/"), nil
}

// Package audit records security- and data-relevant events as an
// append-only, hash-chained log. Each entry is SHA-256 hashed over its
// RFC 8785 canonical JSON form and chained to its predecessor, so the
// trail can be verified end to end.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/oakmount-io/mailroom/pkg/store"
)

// Kind is the event type of an audit entry.
type Kind string

const (
	KindLogin                Kind = "login"
	KindLoginFailed          Kind = "login_failed"
	KindLogout               Kind = "logout"
	KindPasswordChanged      Kind = "password_changed"
	KindPasswordReset        Kind = "password_reset"
	KindUserCreated          Kind = "user_created"
	KindUserUpdated          Kind = "user_updated"
	KindUserDeactivated      Kind = "user_deactivated"
	KindAccountLocked        Kind = "account_locked"
	KindAccountUnlocked      Kind = "account_unlocked"
	KindPackageCreated       Kind = "package_created"
	KindPackageStatusChanged Kind = "package_status_changed"
	KindRecipientCreated     Kind = "recipient_created"
	KindRecipientUpdated     Kind = "recipient_updated"
	KindRecipientImported    Kind = "recipient_imported"
	KindExportGenerated      Kind = "export_generated"
	KindSettingsChange       Kind = "system_settings_change"
)

const genesisHash = "genesis"

// maxDetailBytes bounds the structured detail payload.
const maxDetailBytes = 2048

// Event is one recorded audit entry.
type Event struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id,omitempty"`
	Kind      Kind           `json:"event_type"`
	Username  string         `json:"username,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	Detail    map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	EntryHash string         `json:"entry_hash"`
	CreatedAt time.Time      `json:"created_at"`
}

// Entry options. Zero values are omitted from the stored row.
type Entry struct {
	UserID    string
	Username  string
	IPAddress string
	Detail    map[string]any
}

// Recorder appends audit events through the write queue. The chain head is
// guarded by a mutex; submissions holding it are serialized, which matches
// the single-writer discipline underneath anyway.
type Recorder struct {
	st *store.Store
	q  *store.Queue

	mu   sync.Mutex
	head string
	now  func() time.Time
}

// NewRecorder recovers the chain head from storage and returns a recorder.
func NewRecorder(ctx context.Context, st *store.Store, q *store.Queue) (*Recorder, error) {
	r := &Recorder{st: st, q: q, head: genesisHash, now: time.Now}
	row := st.Read().QueryRowContext(ctx,
		`SELECT entry_hash FROM auth_events ORDER BY seq DESC LIMIT 1`)
	var head string
	if err := row.Scan(&head); err == nil {
		r.head = head
	}
	return r, nil
}

// Record appends one event. Failure is logged and swallowed: audit loss
// must not fail the originating business operation.
func (r *Recorder) Record(ctx context.Context, kind Kind, e Entry) {
	if err := r.RecordWithBatch(ctx, kind, e, nil); err != nil {
		slog.Error("audit record failed", "kind", string(kind), "error", err)
	}
}

// RecordWithBatch appends one event atomically together with extra
// mutations. The business ops and the audit row commit or fail as one
// transaction; on failure the chain head is restored.
func (r *Recorder) RecordWithBatch(ctx context.Context, kind Kind, e Entry, extra []store.Op) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	evt, err := r.buildLocked(kind, e)
	if err != nil {
		return err
	}

	detailJSON := ""
	if evt.Detail != nil {
		b, _ := json.Marshal(evt.Detail)
		detailJSON = string(b)
	}
	ops := append(extra, store.Op{
		SQL: `INSERT INTO auth_events (id, user_id, event_type, username, ip_address, details, prev_hash, entry_hash, created_at)
		      VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		Args: []any{evt.ID, nullable(evt.UserID), string(evt.Kind), nullable(evt.Username),
			nullable(evt.IPAddress), nullable(detailJSON), evt.PrevHash, evt.EntryHash,
			store.FormatTime(evt.CreatedAt)},
	})

	prev := r.head
	r.head = evt.EntryHash
	if err := r.q.SubmitBatch(ctx, ops); err != nil {
		r.head = prev
		return err
	}
	return nil
}

// buildLocked constructs the chained event. Caller holds r.mu.
func (r *Recorder) buildLocked(kind Kind, e Entry) (*Event, error) {
	evt := &Event{
		ID:        uuid.New().String(),
		UserID:    e.UserID,
		Kind:      kind,
		Username:  e.Username,
		IPAddress: e.IPAddress,
		Detail:    boundDetail(e.Detail),
		PrevHash:  r.head,
		CreatedAt: r.now().UTC(),
	}
	hash, err := entryHash(evt)
	if err != nil {
		return nil, err
	}
	evt.EntryHash = hash
	return evt, nil
}

// entryHash hashes the canonical JSON form of the entry, excluding the
// entry hash itself.
func entryHash(e *Event) (string, error) {
	hashable := struct {
		ID        string         `json:"id"`
		UserID    string         `json:"user_id,omitempty"`
		Kind      Kind           `json:"event_type"`
		Username  string         `json:"username,omitempty"`
		IPAddress string         `json:"ip_address,omitempty"`
		Detail    map[string]any `json:"details,omitempty"`
		PrevHash  string         `json:"prev_hash"`
		CreatedAt string         `json:"created_at"`
	}{e.ID, e.UserID, e.Kind, e.Username, e.IPAddress, e.Detail, e.PrevHash,
		store.FormatTime(e.CreatedAt)}

	raw, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("marshal audit entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize audit entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// boundDetail truncates oversized payloads rather than dropping the event.
func boundDetail(d map[string]any) map[string]any {
	if d == nil {
		return nil
	}
	if b, err := json.Marshal(d); err == nil && len(b) > maxDetailBytes {
		return map[string]any{"truncated": true}
	}
	return d
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

package packages

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/oakmount-io/mailroom/pkg/model"
)

// canonicalExt maps an allowed MIME type to the extension stored paths
// use. The client's extension never participates.
var canonicalExt = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

// FileStore validates and persists package photos under a fixed root,
// keyed by opaque identifiers.
type FileStore struct {
	root    string
	maxSize int64
	allowed map[string]bool
}

func NewFileStore(root string, maxSize int64, allowedMIMEs []string) *FileStore {
	allowed := make(map[string]bool, len(allowedMIMEs))
	for _, m := range allowedMIMEs {
		allowed[strings.TrimSpace(m)] = true
	}
	return &FileStore{root: root, maxSize: maxSize, allowed: allowed}
}

// Validate checks size and sniffs the MIME type from content bytes. The
// returned attachment has identity and metadata filled in; the caller sets
// package and uploader.
func (f *FileStore) Validate(up *Upload) (*model.Attachment, error) {
	if up == nil || len(up.Content) == 0 {
		return nil, model.Validation("empty_upload", "Uploaded file is empty")
	}
	if int64(len(up.Content)) > f.maxSize {
		return nil, model.Validation("file_too_large",
			"File exceeds the maximum size of %d bytes", f.maxSize)
	}
	mt := mimetype.Detect(up.Content)
	detected := mt.String()
	if i := strings.IndexByte(detected, ';'); i >= 0 {
		detected = detected[:i]
	}
	if !f.allowed[detected] || canonicalExt[detected] == "" {
		return nil, model.Validation("unsupported_type",
			"File type %s is not allowed", detected)
	}
	return &model.Attachment{
		ID:               uuid.New().String(),
		OriginalFilename: sanitizeFilename(up.Filename),
		MIMEType:         detected,
		SizeBytes:        int64(len(up.Content)),
	}, nil
}

// Write stores content under packages/YYYY/MM/<id><ext> and returns the
// path relative to the root.
func (f *FileStore) Write(att *model.Attachment, content []byte, now time.Time) (string, error) {
	rel := filepath.Join("packages", now.Format("2006"), now.Format("01"),
		att.ID+canonicalExt[att.MIMEType])
	abs := filepath.Join(f.root, rel)
	if !strings.HasPrefix(abs, filepath.Clean(f.root)+string(os.PathSeparator)) {
		return "", model.Validation("invalid_path", "Refusing to store outside the upload root")
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	if err := os.WriteFile(abs, content, 0o644); err != nil {
		return "", fmt.Errorf("write upload: %w", err)
	}
	return rel, nil
}

// Remove deletes a stored file; used to undo a write whose database batch
// failed.
func (f *FileStore) Remove(rel string) {
	if err := os.Remove(filepath.Join(f.root, rel)); err != nil && !os.IsNotExist(err) {
		slog.Warn("removing orphaned upload failed", "path", rel, "error", err)
	}
}

// Open returns the absolute path for a stored attachment after checking it
// stays inside the root.
func (f *FileStore) Open(rel string) (string, error) {
	abs := filepath.Join(f.root, filepath.Clean("/"+rel))
	if !strings.HasPrefix(abs, filepath.Clean(f.root)+string(os.PathSeparator)) {
		return "", model.ErrNotFound
	}
	if _, err := os.Stat(abs); err != nil {
		return "", model.ErrNotFound
	}
	return abs, nil
}

// sanitizeFilename strips any path components from a client-supplied name.
// It is stored as metadata only.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	if name == "." || name == "/" || name == "" {
		return "upload"
	}
	return name
}

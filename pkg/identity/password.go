package identity

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/argon2"

	"github.com/oakmount-io/mailroom/pkg/model"
)

// PasswordParams are the Argon2id cost parameters. They are embedded in
// every digest, so changing them only affects newly hashed passwords.
type PasswordParams struct {
	TimeCost    uint32
	MemoryKiB   uint32
	Parallelism uint8
}

const (
	saltLen = 16
	keyLen  = 32
)

// HashPassword derives an Argon2id digest in PHC string format.
func HashPassword(password string, p PasswordParams) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, p.TimeCost, p.MemoryKiB, p.Parallelism, keyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.MemoryKiB, p.TimeCost, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// VerifyPassword checks password against a PHC digest using the parameters
// embedded in it. Comparison is constant time.
func VerifyPassword(password, digest string) bool {
	parts := strings.Split(digest, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false
	}
	var p PasswordParams
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.MemoryKiB, &p.TimeCost, &p.Parallelism); err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(password), salt, p.TimeCost, p.MemoryKiB, p.Parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// CheckStrength validates the password policy: minimum length plus at
// least one uppercase, lowercase, digit and non-alphanumeric character.
func CheckStrength(password string, minLength int) error {
	if len(password) < minLength {
		return model.Validation("password_too_short",
			"Password must be at least %d characters long", minLength)
	}
	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			special = true
		}
	}
	switch {
	case !upper:
		return model.Validation("password_needs_uppercase", "Password must contain at least one uppercase letter")
	case !lower:
		return model.Validation("password_needs_lowercase", "Password must contain at least one lowercase letter")
	case !digit:
		return model.Validation("password_needs_digit", "Password must contain at least one digit")
	case !special:
		return model.Validation("password_needs_special", "Password must contain at least one special character")
	}
	return nil
}

// historyContains reports whether password verifies against any of the
// last n digests in the JSON history column.
func historyContains(password, historyJSON string, n int) bool {
	history := decodeHistory(historyJSON)
	if len(history) > n {
		history = history[len(history)-n:]
	}
	for _, digest := range history {
		if VerifyPassword(password, digest) {
			return true
		}
	}
	return false
}

// appendHistory adds digest to the history, keeping only the newest n.
func appendHistory(historyJSON, digest string, n int) string {
	history := append(decodeHistory(historyJSON), digest)
	if len(history) > n {
		history = history[len(history)-n:]
	}
	out, _ := json.Marshal(history)
	return string(out)
}

func decodeHistory(historyJSON string) []string {
	if historyJSON == "" {
		return nil
	}
	var history []string
	if err := json.Unmarshal([]byte(historyJSON), &history); err != nil {
		return nil
	}
	return history
}

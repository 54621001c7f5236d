package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakmount-io/mailroom/pkg/model"
)

// testParams keeps Argon2 cheap for tests.
var testParams = PasswordParams{TimeCost: 1, MemoryKiB: 8 * 1024, Parallelism: 1}

func TestHashVerifyRoundTrip(t *testing.T) {
	digest, err := HashPassword("Correct-Horse-9!", testParams)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(digest, "$argon2id$v=19$"))
	assert.True(t, VerifyPassword("Correct-Horse-9!", digest))
	assert.False(t, VerifyPassword("correct-horse-9!", digest))
	assert.False(t, VerifyPassword("", digest))
}

func TestHashesAreSalted(t *testing.T) {
	a, err := HashPassword("Correct-Horse-9!", testParams)
	require.NoError(t, err)
	b, err := HashPassword("Correct-Horse-9!", testParams)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestVerifyUsesEmbeddedParams(t *testing.T) {
	digest, err := HashPassword("Correct-Horse-9!", PasswordParams{TimeCost: 2, MemoryKiB: 16 * 1024, Parallelism: 2})
	require.NoError(t, err)
	// Verification must succeed regardless of the service's current params.
	assert.True(t, VerifyPassword("Correct-Horse-9!", digest))
}

func TestVerifyRejectsMalformedDigests(t *testing.T) {
	for _, digest := range []string{
		"",
		"plaintext",
		"$argon2i$v=19$m=8,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=18$m=8,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=8,t=1,p=1$!!!$aGFzaA",
	} {
		assert.False(t, VerifyPassword("x", digest), "digest %q", digest)
	}
}

func TestCheckStrength(t *testing.T) {
	cases := []struct {
		password string
		reason   string
	}{
		{"Short-1!", "password_too_short"},
		{"lowercase-only-12!", "password_needs_uppercase"},
		{"UPPERCASE-ONLY-12!", "password_needs_lowercase"},
		{"No-Digits-Here!!", "password_needs_digit"},
		{"NoSpecials12345", "password_needs_special"},
		{"Correct-Horse-9!", ""},
	}
	for _, tc := range cases {
		err := CheckStrength(tc.password, 12)
		if tc.reason == "" {
			assert.NoError(t, err, tc.password)
			continue
		}
		var ve *model.ValidationError
		require.ErrorAs(t, err, &ve, tc.password)
		assert.Equal(t, tc.reason, ve.Reason, tc.password)
	}
}

func TestHistoryEviction(t *testing.T) {
	history := ""
	for _, pw := range []string{"First-Pass-1!", "Second-Pass-2!", "Third-Pass-3!", "Fourth-Pass-4!"} {
		d, err := HashPassword(pw, testParams)
		require.NoError(t, err)
		history = appendHistory(history, d, 3)
	}

	// Oldest digest evicted; the most recent three retained.
	assert.False(t, historyContains("First-Pass-1!", history, 3))
	assert.True(t, historyContains("Second-Pass-2!", history, 3))
	assert.True(t, historyContains("Third-Pass-3!", history, 3))
	assert.True(t, historyContains("Fourth-Pass-4!", history, 3))
	assert.False(t, historyContains("Never-Used-5!", history, 3))
	assert.Len(t, decodeHistory(history), 3)
}

func TestHistoryToleratesGarbage(t *testing.T) {
	assert.False(t, historyContains("x", "not json", 3))
	assert.Nil(t, decodeHistory(""))
}

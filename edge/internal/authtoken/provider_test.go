package authtoken

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "device-1",
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(exp.Add(-time.Hour)),
	})
	s, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestStatic(t *testing.T) {
	tok, err := Static("abc").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)
}

func TestFile_OpaqueToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("opaque-token\n"), 0o600))

	tok, err := NewFile(path).Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "opaque-token", tok)
}

func TestFile_MissingFile(t *testing.T) {
	tok, err := NewFile(filepath.Join(t.TempDir(), "absent")).Token(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tok)
}

func TestFile_JWTExpiry(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "token")

	valid := signedToken(t, now.Add(time.Hour))
	require.NoError(t, os.WriteFile(path, []byte(valid), 0o600))

	f := NewFile(path)
	f.now = func() time.Time { return now }

	tok, err := f.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, valid, tok)

	f.now = func() time.Time { return now.Add(2 * time.Hour) }
	tok, err = f.Token(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tok, "expired token is treated as absent")
}

func TestFile_PicksUpRefresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("first"), 0o600))

	f := NewFile(path)
	tok, err := f.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", tok)

	require.NoError(t, os.WriteFile(path, []byte("second"), 0o600))
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))

	tok, err = f.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "second", tok)
}

func TestFile_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewFile("unused").Token(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExpiresAt(t *testing.T) {
	exp := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	got, ok := ExpiresAt(signedToken(t, exp))
	require.True(t, ok)
	assert.True(t, exp.Equal(got))

	_, ok = ExpiresAt("opaque")
	assert.False(t, ok)
}

// Package authtoken supplies bearer tokens issued by the device's
// authentication collaborator.
package authtoken

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrExpiredToken reports a JWT whose exp claim has passed.
var ErrExpiredToken = errors.New("token expired")

// Provider returns the current bearer token. An empty token with a nil
// error means none is available yet.
type Provider interface {
	Token(ctx context.Context) (string, error)
}

// Static always returns the same token.
type Static string

func (s Static) Token(context.Context) (string, error) {
	return string(s), nil
}

// File reads the token from a file rewritten by the auth collaborator on
// every refresh. JWTs whose exp claim has passed are treated as absent.
type File struct {
	path string
	now  func() time.Time

	mu      sync.Mutex
	modTime time.Time
	cached  string
}

func NewFile(path string) *File {
	return &File{path: path, now: time.Now}
}

func (f *File) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	info, err := os.Stat(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("stat token file: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if !info.ModTime().Equal(f.modTime) || f.cached == "" {
		data, err := os.ReadFile(f.path)
		if err != nil {
			return "", fmt.Errorf("read token file: %w", err)
		}
		f.cached = strings.TrimSpace(string(data))
		f.modTime = info.ModTime()
	}

	if f.cached == "" {
		return "", nil
	}
	if errors.Is(checkExpiry(f.cached, f.now()), ErrExpiredToken) {
		return "", nil
	}
	return f.cached, nil
}

// checkExpiry inspects the exp claim of a JWT without verifying its
// signature; the backend verifies. Opaque tokens pass unchecked.
func checkExpiry(token string, now time.Time) error {
	if strings.Count(token, ".") != 2 {
		return nil
	}
	if exp, ok := ExpiresAt(token); ok && !now.Before(exp) {
		return ErrExpiredToken
	}
	return nil
}

// ExpiresAt returns the exp claim of a JWT, or false when the token is
// opaque or carries no expiry.
func ExpiresAt(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

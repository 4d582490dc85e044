package consent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/models"
	"gopkg.in/yaml.v3"
)

// ErrNoConsent is returned by a source that holds no consent record.
var ErrNoConsent = errors.New("no consent record")

// Source loads the current consent snapshot from the consent collaborator.
type Source interface {
	Load(ctx context.Context) (*models.ConsentSnapshot, error)
}

// FileSource reads a YAML consent document written by the device settings UI:
//
//	version: "7"
//	granted_at: 2026-01-02T15:04:05Z
//	expires_at: 2027-01-02T15:04:05Z
//	scopes:
//	  location: true
//	  biometric: false
type FileSource struct {
	Path string
}

func (f FileSource) Load(ctx context.Context) (*models.ConsentSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoConsent
		}
		return nil, fmt.Errorf("read consent file: %w", err)
	}

	var snap models.ConsentSnapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse consent file: %w", err)
	}
	if snap.Scopes == nil {
		snap.Scopes = map[string]bool{}
	}
	return &snap, nil
}

// Redis hash layout for one device's consent record.
const (
	redisKeyPrefix   = "consent:"
	redisScopePrefix = "scope:"
	redisVersion     = "version"
	redisGrantedAt   = "granted_at"
	redisExpiresAt   = "expires_at"
)

// RedisKey returns the hash key holding deviceID's consent.
func RedisKey(deviceID string) string {
	return redisKeyPrefix + deviceID
}

// RedisSource reads consent from the hash consent:<device> in a local
// or gateway Redis. Scope fields are scope:<name> with value 1 or 0;
// timestamps are unix seconds.
type RedisSource struct {
	client *redis.Client
	key    string
}

func NewRedisSource(client *redis.Client, deviceID string) *RedisSource {
	return &RedisSource{client: client, key: RedisKey(deviceID)}
}

// NewRedisSourceFromURL connects to redisURL and verifies the connection.
func NewRedisSourceFromURL(ctx context.Context, redisURL, deviceID string) (*RedisSource, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisSource(client, deviceID), nil
}

func (r *RedisSource) Load(ctx context.Context) (*models.ConsentSnapshot, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", r.key, err)
	}
	if len(fields) == 0 {
		return nil, ErrNoConsent
	}
	return parseRedisHash(fields)
}

// Close closes the underlying client.
func (r *RedisSource) Close() error {
	return r.client.Close()
}

func parseRedisHash(fields map[string]string) (*models.ConsentSnapshot, error) {
	snap := &models.ConsentSnapshot{Scopes: map[string]bool{}}
	for field, value := range fields {
		switch {
		case strings.HasPrefix(field, redisScopePrefix):
			name := strings.TrimPrefix(field, redisScopePrefix)
			granted, err := parseFlag(value)
			if err != nil {
				return nil, fmt.Errorf("scope %s: %w", name, err)
			}
			snap.Scopes[name] = granted
		case field == redisVersion:
			snap.Version = value
		case field == redisGrantedAt:
			t, err := parseUnix(value)
			if err != nil {
				return nil, fmt.Errorf("granted_at: %w", err)
			}
			snap.GrantedAt = t
		case field == redisExpiresAt:
			if value == "" || value == "0" {
				continue
			}
			t, err := parseUnix(value)
			if err != nil {
				return nil, fmt.Errorf("expires_at: %w", err)
			}
			snap.ExpiresAt = &t
		}
	}
	return snap, nil
}

func parseFlag(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true":
		return true, nil
	case "0", "false", "":
		return false, nil
	}
	return false, fmt.Errorf("invalid flag %q", v)
}

func parseUnix(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

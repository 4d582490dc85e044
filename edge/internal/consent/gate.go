// Package consent gates event capture on the user's current consent grants.
package consent

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/telhawk-edge/edge/internal/models"
)

// RevokeFunc is called after an update revokes previously granted scopes.
// snapshot is the newly installed snapshot.
type RevokeFunc func(revoked []string, snapshot *models.ConsentSnapshot)

// Gate answers capture decisions from the most recent snapshot. Reads
// are lock-free; with no snapshot installed nothing may be captured.
type Gate struct {
	current atomic.Pointer[models.ConsentSnapshot]
	now     func() time.Time

	mu       sync.Mutex
	onRevoke []RevokeFunc
}

func NewGate(initial *models.ConsentSnapshot) *Gate {
	g := &Gate{now: time.Now}
	if initial != nil {
		g.current.Store(cloneSnapshot(initial))
	}
	return g
}

// CanCapture reports whether scope is currently granted.
func (g *Gate) CanCapture(scope string) bool {
	return g.current.Load().Granted(scope, g.now())
}

// Snapshot returns the installed snapshot, or nil.
func (g *Gate) Snapshot() *models.ConsentSnapshot {
	return g.current.Load()
}

// Version returns the installed snapshot version, or "".
func (g *Gate) Version() string {
	if s := g.current.Load(); s != nil {
		return s.Version
	}
	return ""
}

// AnyGranted reports whether at least one scope is granted.
func (g *Gate) AnyGranted() bool {
	return g.current.Load().AnyGranted(g.now())
}

// OnRevoke registers fn to be called when an update revokes scopes.
func (g *Gate) OnRevoke(fn RevokeFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onRevoke = append(g.onRevoke, fn)
}

// Update installs snapshot and returns the scopes it revoked. A nil
// snapshot revokes everything.
func (g *Gate) Update(snapshot *models.ConsentSnapshot) []string {
	if snapshot == nil {
		snapshot = &models.ConsentSnapshot{Scopes: map[string]bool{}}
	}
	next := cloneSnapshot(snapshot)
	prev := g.current.Swap(next)

	revoked := revokedScopes(prev, next)
	if len(revoked) == 0 {
		return nil
	}

	g.mu.Lock()
	hooks := append([]RevokeFunc(nil), g.onRevoke...)
	g.mu.Unlock()
	for _, fn := range hooks {
		fn(revoked, next)
	}
	return revoked
}

func revokedScopes(prev, next *models.ConsentSnapshot) []string {
	if prev == nil {
		return nil
	}
	var revoked []string
	for scope, granted := range prev.Scopes {
		if granted && !next.Scopes[scope] {
			revoked = append(revoked, scope)
		}
	}
	sort.Strings(revoked)
	return revoked
}

func cloneSnapshot(s *models.ConsentSnapshot) *models.ConsentSnapshot {
	c := *s
	c.Scopes = make(map[string]bool, len(s.Scopes))
	for k, v := range s.Scopes {
		c.Scopes[k] = v
	}
	if s.ExpiresAt != nil {
		t := *s.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

package oauth

import (
	"errors"
	"sync"
	"time"

	"github.com/aspect-build/notion-mcp/internal/vault"
)

// DefaultMaxPendingCodes caps the number of unredeemed codes held in memory.
const DefaultMaxPendingCodes = 10000

// ErrCodeCacheFull is returned by Save when the cap is reached even after
// expired entries were swept.
var ErrCodeCacheFull = errors.New("authorization code cache is full")

// CodeGrant is what an authorization code stands for until it is redeemed.
type CodeGrant struct {
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	Upstream            vault.UpstreamCredential
	CreatedAt           time.Time
}

// CodeCache holds authorization codes in memory. Consume is destructive and
// does not check expiry; the token endpoint compares CreatedAt to the TTL.
type CodeCache struct {
	mu      sync.Mutex
	entries map[string]*CodeGrant
	ttl     time.Duration
	limit   int
}

// NewCodeCache returns a cache whose Sweep drops entries older than ttl.
func NewCodeCache(ttl time.Duration, limit int) *CodeCache {
	if limit <= 0 {
		limit = DefaultMaxPendingCodes
	}
	return &CodeCache{entries: make(map[string]*CodeGrant), ttl: ttl, limit: limit}
}

// Save stores grant under code, replacing any previous entry.
func (c *CodeCache) Save(code string, grant *CodeGrant) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[code]; !exists && len(c.entries) >= c.limit {
		c.sweepLocked(time.Now())
		if len(c.entries) >= c.limit {
			return ErrCodeCacheFull
		}
	}
	g := *grant
	c.entries[code] = &g
	return nil
}

// Consume returns and removes the grant for code.
func (c *CodeCache) Consume(code string) (*CodeGrant, bool) {
	if code == "" {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.entries[code]
	if !ok {
		return nil, false
	}
	delete(c.entries, code)
	return g, true
}

// Sweep drops entries created more than the TTL before now.
func (c *CodeCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(now)
}

func (c *CodeCache) sweepLocked(now time.Time) int {
	n := 0
	for code, g := range c.entries {
		if now.Sub(g.CreatedAt) > c.ttl {
			delete(c.entries, code)
			n++
		}
	}
	return n
}

// Len returns the number of pending codes.
func (c *CodeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

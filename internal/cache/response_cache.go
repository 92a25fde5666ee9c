// Package cache implements the content-addressed response cache shared by
// all call sessions. Entries are keyed by (tenant, agent, normalized query)
// and bucketed into TTL classes derived from the query content.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Call-Sure-AI/csai-processor-sub000/pkg/logger"
)

// TTLClass buckets a query by how long its answer stays valid.
type TTLClass int

const (
	// TTLNoCache marks personal or transactional queries whose answers must
	// never be served to another caller.
	TTLNoCache TTLClass = iota
	// TTLShort marks freshness-sensitive queries (today, now, status).
	TTLShort
	// TTLMedium is the default bucket.
	TTLMedium
	// TTLLong marks answers that rarely change (hours, location, pricing).
	TTLLong
)

func (c TTLClass) String() string {
	switch c {
	case TTLNoCache:
		return "no-cache"
	case TTLShort:
		return "short"
	case TTLMedium:
		return "medium"
	case TTLLong:
		return "long"
	default:
		return "unknown"
	}
}

var (
	// Long-lived answers: static business facts.
	longPatterns = regexp.MustCompile(`(?i)\b(hours?|open|close[ds]?|location|located|address|direction|parking|price|pricing|cost|fee|rate|phone|contact|email|website)\b`)
	// Freshness-sensitive answers.
	shortPatterns = regexp.MustCompile(`(?i)\b(today|tonight|now|current|currently|status|wait|available|availability)\b`)
	// Personal or transactional; never cached across callers.
	noCachePatterns = regexp.MustCompile(`(?i)\b(my|mine|account|order|booking|reservation|appointment|transfer|cancel|refund|payment|card|balance|password|pin)\b`)
)

// Classify derives the TTL class for a query from its content.
// No-cache wins over every other match: "cancel my order today" must not
// be cached even though "today" alone would be short-TTL.
func Classify(query string) TTLClass {
	switch {
	case noCachePatterns.MatchString(query):
		return TTLNoCache
	case shortPatterns.MatchString(query):
		return TTLShort
	case longPatterns.MatchString(query):
		return TTLLong
	default:
		return TTLMedium
	}
}

// Normalize canonicalizes a query for key derivation: lowercase, collapsed
// whitespace, trailing punctuation stripped.
func Normalize(query string) string {
	q := strings.ToLower(strings.TrimSpace(query))
	q = strings.TrimRight(q, "?!. ")
	return strings.Join(strings.Fields(q), " ")
}

// Key derives the cache key for a query scoped to one tenant and agent.
// Tenant and agent are part of the hashed material so responses can never
// leak across tenants.
func Key(tenantID, agentID, query string) string {
	h := sha256.Sum256([]byte(tenantID + "|" + agentID + "|" + Normalize(query)))
	return hex.EncodeToString(h[:])
}

// Entry is one cached response.
type Entry struct {
	Value     string
	Context   []string // Retrieval passages used to produce the answer, if any
	Class     TTLClass
	ExpiresAt time.Time
}

// Stats reports cache performance counters.
type Stats struct {
	Entries int64 `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// ResponseCache is an in-process TTL cache safe for concurrent use by all
// connections. A single background sweeper evicts expired entries; reads
// also check expiry so a stale entry is never returned between sweeps.
type ResponseCache struct {
	mu      sync.RWMutex
	entries map[string]Entry

	hits   atomic.Int64
	misses atomic.Int64

	ttl    map[TTLClass]time.Duration
	done   chan struct{}
	closed sync.Once
	logger *zap.Logger
}

// TTLConfig sets the duration of each cacheable class.
type TTLConfig struct {
	Short  time.Duration
	Medium time.Duration
	Long   time.Duration
}

// DefaultTTLConfig mirrors the production defaults.
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		Short:  5 * time.Minute,
		Medium: 15 * time.Minute,
		Long:   time.Hour,
	}
}

// New creates a ResponseCache and starts its sweeper.
func New(cfg TTLConfig, sweepInterval time.Duration) *ResponseCache {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	c := &ResponseCache{
		entries: make(map[string]Entry),
		ttl: map[TTLClass]time.Duration{
			TTLShort:  cfg.Short,
			TTLMedium: cfg.Medium,
			TTLLong:   cfg.Long,
		},
		done:   make(chan struct{}),
		logger: logger.Get().Named("cache"),
	}
	go c.sweep(sweepInterval)
	return c
}

// Get returns the cached entry for key if present and unexpired.
func (c *ResponseCache) Get(key string) (Entry, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(entry.ExpiresAt) {
		c.misses.Add(1)
		return Entry{}, false
	}
	c.hits.Add(1)
	return entry, true
}

// Set stores a response under key according to the query's TTL class.
// No-cache classified queries are dropped without being persisted.
func (c *ResponseCache) Set(key, query, value string, retrievalContext []string) {
	class := Classify(query)
	if class == TTLNoCache {
		c.logger.Debug("Skipping cache for no-cache query class")
		return
	}

	entry := Entry{
		Value:     value,
		Context:   retrievalContext,
		Class:     class,
		ExpiresAt: time.Now().Add(c.ttl[class]),
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
}

// Invalidate removes a single entry.
func (c *ResponseCache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Stats returns the current counters.
func (c *ResponseCache) Stats() Stats {
	c.mu.RLock()
	entries := int64(len(c.entries))
	c.mu.RUnlock()
	return Stats{
		Entries: entries,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}

// Close stops the sweeper.
func (c *ResponseCache) Close() {
	c.closed.Do(func() { close(c.done) })
}

func (c *ResponseCache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for key, entry := range c.entries {
				if now.After(entry.ExpiresAt) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}

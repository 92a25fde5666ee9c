package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		query string
		want  TTLClass
	}{
		{"what are your business hours", TTLLong},
		{"where are you located", TTLLong},
		{"how much does a consultation cost", TTLLong},
		{"what is your phone number", TTLLong},
		{"are you open today", TTLShort},
		{"what is the current wait time", TTLShort},
		{"what is the status of the kitchen", TTLShort},
		{"tell me about my account", TTLNoCache},
		{"cancel my order", TTLNoCache},
		{"I want a refund", TTLNoCache},
		{"transfer me to a person", TTLNoCache},
		{"can I change my booking", TTLNoCache},
		{"what services do you offer", TTLMedium},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.query), "query %q", tt.query)
	}
}

func TestClassifyNoCacheWins(t *testing.T) {
	// Personal queries must never be cached even when they also match a
	// short or long pattern.
	assert.Equal(t, TTLNoCache, Classify("cancel my order today"))
	assert.Equal(t, TTLNoCache, Classify("what are the hours for my account review"))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "what are your hours", Normalize("  What are  your HOURS? "))
	assert.Equal(t, "hello", Normalize("Hello!."))
}

func TestKeyScopedToTenantAndAgent(t *testing.T) {
	q := "what are your hours"
	assert.Equal(t, Key("t1", "a1", q), Key("t1", "a1", "What are your HOURS?"))
	assert.NotEqual(t, Key("t1", "a1", q), Key("t2", "a1", q))
	assert.NotEqual(t, Key("t1", "a1", q), Key("t1", "a2", q))
}

func TestRoundTrip(t *testing.T) {
	c := New(TTLConfig{Short: 50 * time.Millisecond, Medium: time.Minute, Long: time.Hour}, time.Hour)
	defer c.Close()

	query := "are you open today" // short class
	key := Key("t1", "a1", query)
	c.Set(key, query, "Yes, until five.", nil)

	entry, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, "Yes, until five.", entry.Value)
	assert.Equal(t, TTLShort, entry.Class)

	time.Sleep(80 * time.Millisecond)
	_, ok = c.Get(key)
	assert.False(t, ok, "entry should expire")
}

func TestNoCacheNeverPersisted(t *testing.T) {
	c := New(DefaultTTLConfig(), time.Hour)
	defer c.Close()

	for _, query := range []string{
		"cancel my order",
		"update my account",
		"I need a refund",
		"transfer me please",
		"check my booking",
	} {
		key := Key("t1", "a1", query)
		c.Set(key, query, "some answer", nil)
		_, ok := c.Get(key)
		assert.False(t, ok, "query %q must not be cached", query)
	}
	assert.Equal(t, int64(0), c.Stats().Entries)
}

func TestStatsCounters(t *testing.T) {
	c := New(DefaultTTLConfig(), time.Hour)
	defer c.Close()

	query := "what are your hours"
	key := Key("t1", "a1", query)

	_, ok := c.Get(key)
	assert.False(t, ok)

	c.Set(key, query, "Nine to five.", nil)
	_, ok = c.Get(key)
	assert.True(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Entries)
}

func TestSweepEvictsExpired(t *testing.T) {
	c := New(TTLConfig{Short: 10 * time.Millisecond, Medium: time.Minute, Long: time.Hour}, 20*time.Millisecond)
	defer c.Close()

	query := "status now"
	key := Key("t1", "a1", query)
	c.Set(key, query, "answer", nil)

	assert.Eventually(t, func() bool {
		return c.Stats().Entries == 0
	}, time.Second, 10*time.Millisecond)
}

func TestInvalidate(t *testing.T) {
	c := New(DefaultTTLConfig(), time.Hour)
	defer c.Close()

	query := "what are your hours"
	key := Key("t1", "a1", query)
	c.Set(key, query, "Nine to five.", nil)
	c.Invalidate(key)

	_, ok := c.Get(key)
	assert.False(t, ok)
}

package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Adapted from xenking-redis/redis_test.go's TestNormalizeAddr; the default
// host golden values are updated from the teacher's "localhost" to "127.0.0.1"
// per spec.md §6 ("Defaults: host 127.0.0.1, port 6379").
func TestNormalizeAddr(t *testing.T) {
	golden := []struct{ Addr, Normal string }{
		{"", "127.0.0.1:6379"},
		{":", "127.0.0.1:6379"},
		{"test.host", "test.host:6379"},
		{"test.host:", "test.host:6379"},
		{":99", "127.0.0.1:99"},
		{"/var/redis/../run/redis.sock", "/var/run/redis.sock"},
	}
	for _, gold := range golden {
		assert.Equal(t, gold.Normal, normalizeAddr(gold.Addr), "input %q", gold.Addr)
	}
}

func TestNewConfigDefaults(t *testing.T) {
	c := NewConfig()
	assert.Equal(t, "127.0.0.1:6379", c.Addr)
	assert.Equal(t, 0, c.MaxReconnects)
	assert.Equal(t, NopLogger{}, c.Logger)
}

func TestWithReconnectPolicy(t *testing.T) {
	c := NewConfig(WithReconnectPolicy(-1, 0))
	assert.Equal(t, -1, c.MaxReconnects)
}

func TestWithSentinels(t *testing.T) {
	c := NewConfig(WithSentinels(
		SentinelDefinition{Host: "s1", Port: "26379"},
		SentinelDefinition{Host: "s2", Port: "26379"},
	))
	assert.Len(t, c.Sentinels, 2)
}

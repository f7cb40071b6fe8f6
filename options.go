package redis

import (
	"net"
	"path/filepath"
	"time"
)

// Defaults per spec.md §6.
const (
	DefaultHost = "127.0.0.1"
	DefaultPort = "6379"

	// conservativeMSS mirrors the teacher's buffer sizing rationale: IPv6
	// minimum MTU of 1280 bytes, minus a 40 byte IP header, minus a 32 byte
	// TCP header (with timestamps).
	conservativeMSS = 1208
)

// ConnectState is one of the observable connect events passed to a
// ConnectStateHandler (spec.md §6).
type ConnectState int

const (
	StateDropped ConnectState = iota
	StateStart
	StateSleeping
	StateOK
	StateFailed
	StateLookupFailed
	StateStopped
)

func (s ConnectState) String() string {
	switch s {
	case StateDropped:
		return "dropped"
	case StateStart:
		return "start"
	case StateSleeping:
		return "sleeping"
	case StateOK:
		return "ok"
	case StateFailed:
		return "failed"
	case StateLookupFailed:
		return "lookup_failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ConnectStateHandler receives connect-state transitions (spec.md §6).
type ConnectStateHandler func(host, port string, state ConnectState)

// Config carries every setting a Client/Subscriber/SentinelResolver needs.
// Nothing here is read from the environment or a file (spec.md §6): it is
// always supplied by the caller, functional-options style.
type Config struct {
	Addr string

	ConnectTimeout time.Duration
	// CommandTimeout bounds Client.SyncCommit/FutureClient.DoSync when the
	// caller's context carries no deadline of its own; 0 means no timeout
	// (spec.md §6).
	CommandTimeout time.Duration

	// MaxReconnects: -1 retry forever, 0 do not retry (default), N retry at
	// most N times.
	MaxReconnects int
	// ReconnectInterval: 0 means no sleep between attempts.
	ReconnectInterval time.Duration

	Password string
	DB       int64

	ServiceName string // when set, resolve the primary via sentinels instead of Addr
	Sentinels   []SentinelDefinition

	Logger Logger

	OnConnectState ConnectStateHandler

	// MaxReplyDepth bounds array nesting in the decoder; 0 disables the
	// check (spec.md §4.A "may impose a configurable maximum").
	MaxReplyDepth int
}

// Option configures a Config; see WithAddr, WithAuth, etc.
type Option func(*Config)

// NewConfig builds a Config from the given options, applying spec.md §6
// defaults first.
func NewConfig(opts ...Option) *Config {
	c := &Config{
		Addr:          net.JoinHostPort(DefaultHost, DefaultPort),
		Logger:        NopLogger{},
		MaxReplyDepth: 128,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Addr = normalizeAddr(c.Addr)
	return c
}

func WithAddr(addr string) Option { return func(c *Config) { c.Addr = addr } }

func WithConnectTimeout(d time.Duration) Option { return func(c *Config) { c.ConnectTimeout = d } }

func WithCommandTimeout(d time.Duration) Option { return func(c *Config) { c.CommandTimeout = d } }

func WithReconnectPolicy(maxReconnects int, interval time.Duration) Option {
	return func(c *Config) {
		c.MaxReconnects = maxReconnects
		c.ReconnectInterval = interval
	}
}

func WithAuth(password string) Option { return func(c *Config) { c.Password = password } }

func WithDB(db int64) Option { return func(c *Config) { c.DB = db } }

func WithServiceName(name string) Option { return func(c *Config) { c.ServiceName = name } }

func WithSentinels(defs ...SentinelDefinition) Option {
	return func(c *Config) { c.Sentinels = append(c.Sentinels, defs...) }
}

func WithLogger(l Logger) Option { return func(c *Config) { c.Logger = l } }

func WithConnectStateHandler(h ConnectStateHandler) Option {
	return func(c *Config) { c.OnConnectState = h }
}

func isUnixAddr(s string) bool {
	return len(s) != 0 && s[0] == '/'
}

// normalizeAddr fills in the default host/port, matching the teacher's
// normalizeAddr (xenking-redis/redis.go) except that the default host is
// 127.0.0.1 rather than "localhost".
func normalizeAddr(s string) string {
	if isUnixAddr(s) {
		return filepath.Clean(s)
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		host = s
	}
	if host == "" {
		host = DefaultHost
	}
	if port == "" {
		port = DefaultPort
	}
	return net.JoinHostPort(host, port)
}

package redis

import "go.uber.org/zap"

// Logger is the injected sink every component reports events to: no
// component reaches for a global logger (spec.md §6 collaborators,
// Design Notes §9 "global mutable logger singleton becomes an injected
// sink"). Grounded on packetd-packetd/logger's Logger wrapper over
// go.uber.org/zap, trimmed to four levels. The core itself emits only at
// Warnf (re-auth/re-select results, unreachable sentinels) and Errorf
// (protocol errors).
type Logger interface {
	Debugf(template string, args ...any)
	Infof(template string, args ...any)
	Warnf(template string, args ...any)
	Errorf(template string, args ...any)
}

// NopLogger discards every event. It is the zero-value default so a Client
// is usable without any logging setup.
type NopLogger struct{}

func (NopLogger) Debugf(string, ...any) {}
func (NopLogger) Infof(string, ...any)  {}
func (NopLogger) Warnf(string, ...any)  {}
func (NopLogger) Errorf(string, ...any) {}

// ZapLogger adapts a *zap.SugaredLogger to the Logger interface.
type ZapLogger struct {
	sugared *zap.SugaredLogger
}

// NewZapLogger wraps an existing zap logger. Passing nil returns a logger
// backed by zap.NewNop().
func NewZapLogger(l *zap.Logger) ZapLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return ZapLogger{sugared: l.Sugar()}
}

func (l ZapLogger) Debugf(template string, args ...any) { l.sugared.Debugf(template, args...) }
func (l ZapLogger) Infof(template string, args ...any)  { l.sugared.Infof(template, args...) }
func (l ZapLogger) Warnf(template string, args ...any)  { l.sugared.Warnf(template, args...) }
func (l ZapLogger) Errorf(template string, args ...any) { l.sugared.Errorf(template, args...) }

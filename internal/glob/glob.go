// Package glob compiles Redis-style glob patterns (the same syntax PSUBSCRIBE
// and KEYS accept server-side) for callers that want to pre-filter or test a
// channel/key name against a pattern client-side, e.g. a fake test server's
// pub/sub fan-out or a caller auditing PatternMessageHandler dispatch.
package glob

import "github.com/gobwas/glob"

// Pattern is a compiled Redis glob pattern.
type Pattern struct {
	raw string
	g   glob.Glob
}

// Compile parses a Redis glob pattern ('*', '?', and '[...]' character
// classes, matching the server's own PSUBSCRIBE/KEYS syntax).
func Compile(pattern string) (Pattern, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return Pattern{}, err
	}
	return Pattern{raw: pattern, g: g}, nil
}

// Match reports whether name satisfies the pattern.
func (p Pattern) Match(name string) bool { return p.g.Match(name) }

// String returns the original pattern text.
func (p Pattern) String() string { return p.raw }

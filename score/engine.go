// Package score decides whether an uncached page should be promoted into
// the cache based on observed traffic.
package score

import (
	"log/slog"

	"github.com/wolfeidau/pagecache"
	"github.com/wolfeidau/pagecache/traffic"
)

// DefaultThreshold is the promotion threshold used when rules carry none.
const DefaultThreshold = 50

// Score formula weights.
const (
	weightRequests      = 10
	weightRate          = 5
	responseTimeDivisor = 100
)

// State is a URL's position in the promotion lifecycle.
type State int

const (
	// Uncached pages are generated on every request.
	Uncached State = iota
	// Candidate pages crossed the score threshold and are being cached.
	Candidate
	// Cached pages are forced in by a whitelist rule or already stored.
	Cached
)

func (s State) String() string {
	switch s {
	case Uncached:
		return "uncached"
	case Candidate:
		return "candidate"
	case Cached:
		return "cached"
	default:
		return "unknown"
	}
}

// Rules is the externally owned promotion configuration, read fresh for
// every decision and never retained by the engine.
type Rules struct {
	// Whitelist patterns force caching, bypassing scoring.
	Whitelist []string
	// Blacklist patterns forbid caching and take precedence over
	// everything else, including the whitelist.
	Blacklist []string
	// Threshold is the minimum score for promotion, inclusive.
	// Zero means DefaultThreshold.
	Threshold float64
}

// Outcome is the result of a promotion decision.
type Outcome struct {
	Promote bool
	State   State
	Score   float64
	Reason  string
}

// Engine evaluates promotion decisions. It is stateless; URL state lives
// in the cache store (an entry exists or it does not).
type Engine struct {
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New creates a score engine.
func New(opts ...Option) *Engine {
	e := &Engine{logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Compute returns the traffic score for a window's stats:
// requests*10 + rate/min*5 + avg response ms/100.
func Compute(stats traffic.Stats) float64 {
	return float64(stats.Count)*weightRequests +
		stats.RatePerMin*weightRate +
		stats.AvgResponseMs/responseTimeDivisor
}

// Evaluate decides whether the URL path should be cached. The ordering is
// contractual: blacklist strictly before whitelist, whitelist strictly
// before scoring. A blacklisted URL is never promoted regardless of
// whitelist membership or score.
func (e *Engine) Evaluate(path string, stats traffic.Stats, rules Rules) Outcome {
	if pagecache.MatchAny(rules.Blacklist, path) {
		return Outcome{State: Uncached, Reason: "blacklisted"}
	}

	if pagecache.MatchAny(rules.Whitelist, path) {
		return Outcome{Promote: true, State: Cached, Reason: "whitelisted"}
	}

	threshold := rules.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}

	s := Compute(stats)
	if s >= threshold {
		e.logger.Debug("promoting page",
			"path", path,
			"score", s,
			"threshold", threshold,
			"requests", stats.Count,
		)
		return Outcome{Promote: true, State: Candidate, Score: s, Reason: "score"}
	}

	return Outcome{State: Uncached, Score: s, Reason: "below threshold"}
}

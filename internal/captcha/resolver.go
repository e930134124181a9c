// Package captcha detects challenge pages and, when enabled, delegates to
// an external solving service. The solving service is a soft dependency:
// provider errors and timeouts degrade to "unsolved", never to a failure
// that crosses the dispatcher boundary.
package captcha

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/August26/stealthfetch-go/internal/logging"
)

// Challenge is a response the detector flagged, handed to Resolve.
type Challenge struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Counters is the resolver's observability surface. Counts only ever grow.
type Counters struct {
	ChallengesSeen uint64
	SolveAttempts  uint64
	SolveSuccesses uint64
}

// Config for a Resolver.
type Config struct {
	Enabled      bool
	Provider     Provider      // required when Enabled
	Detect       DetectFunc    // nil = DefaultDetect
	SolveTimeout time.Duration // bound on one provider round-trip, default 2m
}

type Resolver struct {
	enabled  bool
	provider Provider
	detect   DetectFunc
	timeout  time.Duration
	log      *slog.Logger

	seen      atomic.Uint64
	attempts  atomic.Uint64
	successes atomic.Uint64
}

func New(cfg Config, log *slog.Logger) *Resolver {
	detect := cfg.Detect
	if detect == nil {
		detect = DefaultDetect
	}
	timeout := cfg.SolveTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Resolver{
		enabled:  cfg.Enabled && cfg.Provider != nil,
		provider: cfg.Provider,
		detect:   detect,
		timeout:  timeout,
		log:      logging.With(log, "captcha"),
	}
}

// Detect reports whether the response looks like a challenge page and
// counts it when it does.
func (r *Resolver) Detect(status int, header http.Header, body []byte) bool {
	if !r.detect(status, header, body) {
		return false
	}
	r.seen.Add(1)
	return true
}

// Resolve attempts to obtain a solution token for the challenge. When
// solving is disabled it returns unsolved immediately without any external
// call. Provider errors and timeouts also return unsolved.
func (r *Resolver) Resolve(ctx context.Context, ch Challenge) (string, bool) {
	if !r.enabled {
		return "", false
	}

	siteKey := ExtractSiteKey(ch.Body)
	if siteKey == "" {
		r.log.Debug("challenge without extractable sitekey", "url", ch.URL)
		return "", false
	}

	r.attempts.Add(1)

	solveCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	token, err := r.provider.Solve(solveCtx, siteKey, ch.URL)
	if err != nil {
		r.log.Warn("captcha solve failed", "url", ch.URL, "err", err)
		return "", false
	}

	r.successes.Add(1)
	return token, true
}

// Stats returns a snapshot of the counters.
func (r *Resolver) Stats() Counters {
	return Counters{
		ChallengesSeen: r.seen.Load(),
		SolveAttempts:  r.attempts.Load(),
		SolveSuccesses: r.successes.Load(),
	}
}

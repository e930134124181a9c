// Package ratelimit implements the per-domain token bucket governor with
// backoff windows driven by upstream rate-limit signals.
package ratelimit

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/August26/stealthfetch-go/internal/logging"
	"github.com/August26/stealthfetch-go/internal/model"
)

// Outcome of an Acquire call.
type Outcome int

const (
	// Grant: a token was consumed, proceed immediately.
	Grant Outcome = iota
	// WaitFor: no token yet; Delay says when one will be available.
	// No token is consumed; call Acquire again after waiting.
	WaitFor
	// Reject: the domain is inside an active backoff window. Delay says
	// how long until the window closes. This is a normal outcome, not
	// an error.
	Reject
)

// Decision is the result of one Acquire call.
type Decision struct {
	Outcome Outcome
	Delay   time.Duration
}

// domainBudget is the mutable per-domain record. Each budget carries its own
// mutex so contention on one domain never blocks another.
type domainBudget struct {
	mu sync.Mutex

	tokens       float64
	lastRefill   time.Time
	backoffUntil time.Time
	rateLimitHits int

	elem *list.Element // position in the governor's LRU list
}

// Governor owns one token bucket per destination domain. Buckets are created
// lazily on first use and evicted least-recently-used beyond DomainCacheCap.
type Governor struct {
	rate     float64 // tokens per second
	capacity float64
	base     time.Duration
	maxBack  time.Duration
	strategy model.BackoffStrategy
	cap      int

	mu      sync.Mutex // guards the map and LRU list only, never token math
	domains map[string]*domainBudget
	lru     *list.List // front = most recently used, values are domain strings

	log *slog.Logger
	now func() time.Time
}

// New builds a governor from the dispatch config.
func New(cfg model.DispatchConfig, log *slog.Logger) *Governor {
	cfg = cfg.Normalize()
	return &Governor{
		rate:     cfg.PerDomainRate,
		capacity: cfg.BurstCapacity,
		base:     cfg.BaseBackoff,
		maxBack:  cfg.MaxBackoff,
		strategy: cfg.BackoffStrategy,
		cap:      cfg.DomainCacheCap,
		domains:  make(map[string]*domainBudget),
		lru:      list.New(),
		log:      logging.With(log, "ratelimit"),
		now:      time.Now,
	}
}

// budget returns the bucket for domain, creating it full if missing, and
// bumps it in the LRU order.
func (g *Governor) budget(domain string) *domainBudget {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.domains[domain]
	if !ok {
		b = &domainBudget{
			tokens:     g.capacity,
			lastRefill: g.now(),
		}
		b.elem = g.lru.PushFront(domain)
		g.domains[domain] = b

		if g.lru.Len() > g.cap {
			oldest := g.lru.Back()
			if oldest != nil {
				g.lru.Remove(oldest)
				evicted := oldest.Value.(string)
				delete(g.domains, evicted)
				g.log.Debug("evicted idle domain budget", "domain", evicted)
			}
		}
		return b
	}
	g.lru.MoveToFront(b.elem)
	return b
}

// refillLocked lazily tops the bucket up. Caller holds b.mu.
func (g *Governor) refillLocked(b *domainBudget, now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * g.rate
		if b.tokens > g.capacity {
			b.tokens = g.capacity
		}
		b.lastRefill = now
	}
}

// Acquire asks for permission to send one request to domain.
//
// Grant consumes a token. WaitFor consumes nothing: the caller sleeps for
// the returned delay and acquires again, so a caller cancelled mid-wait has
// no effect on the budget. Reject means the domain is under backoff.
func (g *Governor) Acquire(domain string) Decision {
	b := g.budget(domain)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := g.now()
	g.refillLocked(b, now)

	if b.backoffUntil.After(now) {
		return Decision{Outcome: Reject, Delay: b.backoffUntil.Sub(now)}
	}

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Outcome: Grant}
	}

	need := 1 - b.tokens
	delay := time.Duration(need / g.rate * float64(time.Second))
	return Decision{Outcome: WaitFor, Delay: delay}
}

// ReportRateLimited records that domain's server answered with a rate-limit
// signal (HTTP 429 or equivalent). Each consecutive hit widens the backoff
// window per the configured strategy.
func (g *Governor) ReportRateLimited(domain string) {
	b := g.budget(domain)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.rateLimitHits++
	window := g.backoffWindow(b.rateLimitHits)
	b.backoffUntil = g.now().Add(window)

	g.log.Warn("domain backoff engaged",
		"domain", domain,
		"hits", b.rateLimitHits,
		"window", window.String(),
	)
}

// ReportSuccess resets the domain's consecutive rate-limit hit counter.
func (g *Governor) ReportSuccess(domain string) {
	b := g.budget(domain)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.rateLimitHits = 0
}

func (g *Governor) backoffWindow(hits int) time.Duration {
	var window time.Duration
	switch g.strategy {
	case model.BackoffLinear:
		window = time.Duration(hits) * g.base
	default:
		// exponential: base * 2^hits, guarding against shift overflow
		shift := hits
		if shift > 20 {
			shift = 20
		}
		window = g.base * time.Duration(1<<uint(shift))
	}
	if window > g.maxBack {
		window = g.maxBack
	}
	return window
}

// Tracked returns the number of domains currently holding a budget.
func (g *Governor) Tracked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.domains)
}

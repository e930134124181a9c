// Package proxypool manages upstream proxy endpoints: health tracking,
// least-recently-used selection with region filtering, transports, and
// periodic re-probing of dead endpoints.
package proxypool

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/August26/stealthfetch-go/internal/logging"
	"github.com/August26/stealthfetch-go/internal/model"
)

// ProbeFunc checks whether an endpoint is reachable. Used by the re-probe
// loop to resurrect dead proxies.
type ProbeFunc func(ctx context.Context, ep model.ProxyEndpoint) bool

// Options tunes pool behavior. Zero values get defaults from
// model.DispatchConfig.Normalize semantics.
type Options struct {
	FailureThreshold int           // consecutive failures before dead (default 3)
	ReprobeInterval  time.Duration // dead endpoint re-check period (default 5m)
	Resolver         model.IPResolver // optional: tags untagged endpoints with a region
	Prober           ProbeFunc     // optional: defaults to a TCP/SOCKS5 liveness probe
	Logger           *slog.Logger
}

type entry struct {
	ep       model.ProxyEndpoint
	lastUsed uint64
}

// Pool is safe for concurrent use. All endpoint state lives behind the
// pool's own mutex, independent of the rate governor and identity pool.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   []*entry
	seq     uint64

	threshold int
	reprobe   time.Duration
	prober    ProbeFunc
	log       *slog.Logger
	now       func() time.Time

	tmu        sync.Mutex
	transports map[string]*cachedTransport
}

// New builds a pool. Endpoints start healthy. If a resolver is given,
// endpoints without a region tag are looked up once by host IP.
func New(endpoints []model.ProxyEndpoint, opts Options) *Pool {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.ReprobeInterval <= 0 {
		opts.ReprobeInterval = 5 * time.Minute
	}
	p := &Pool{
		entries:    make(map[string]*entry),
		threshold:  opts.FailureThreshold,
		reprobe:    opts.ReprobeInterval,
		prober:     opts.Prober,
		log:        logging.With(opts.Logger, "proxypool"),
		now:        time.Now,
		transports: make(map[string]*cachedTransport),
	}
	if p.prober == nil {
		p.prober = defaultProbe
	}
	for _, ep := range endpoints {
		if ep.Region == "" && opts.Resolver != nil {
			if info, err := opts.Resolver.Lookup(ep.Host); err == nil {
				ep.Region = info.Country
			}
		}
		p.add(ep)
	}
	return p
}

func (p *Pool) add(ep model.ProxyEndpoint) {
	key := ep.Key()
	if _, ok := p.entries[key]; ok {
		return
	}
	ep.Health = model.Healthy
	ep.ConsecutiveFailures = 0
	e := &entry{ep: ep}
	p.entries[key] = e
	p.order = append(p.order, e)
}

// Add registers a new endpoint at runtime. Duplicate keys are ignored.
func (p *Pool) Add(ep model.ProxyEndpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.add(ep)
}

// Reload replaces the endpoint set, keeping health state for endpoints that
// survive the reload. Used by the proxy list file watcher.
func (p *Pool) Reload(endpoints []model.ProxyEndpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	keep := make(map[string]bool, len(endpoints))
	for _, ep := range endpoints {
		keep[ep.Key()] = true
		p.add(ep)
	}

	filtered := p.order[:0]
	for _, e := range p.order {
		key := e.ep.Key()
		if keep[key] {
			filtered = append(filtered, e)
		} else {
			delete(p.entries, key)
		}
	}
	p.order = filtered
	p.log.Info("proxy list reloaded", "count", len(p.order))
}

// Select returns the best live endpoint, or ok=false when none exists and
// the caller should go direct. Healthy endpoints win over degraded ones;
// within a tier the least recently used endpoint is picked. A region
// constraint narrows the candidate set but falls back to the full live set
// rather than failing on geography alone.
func (p *Pool) Select(region string) (model.ProxyEndpoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	live := make([]*entry, 0, len(p.order))
	for _, e := range p.order {
		if e.ep.Health != model.Dead {
			live = append(live, e)
		}
	}
	if len(live) == 0 {
		return model.ProxyEndpoint{}, false
	}

	candidates := live
	if region != "" {
		regional := make([]*entry, 0, len(live))
		for _, e := range live {
			if strings.EqualFold(e.ep.Region, region) {
				regional = append(regional, e)
			}
		}
		if len(regional) > 0 {
			candidates = regional
		}
	}

	chosen := pickTier(candidates, model.Healthy)
	if chosen == nil {
		chosen = pickTier(candidates, model.Degraded)
	}
	if chosen == nil {
		return model.ProxyEndpoint{}, false
	}

	p.seq++
	chosen.lastUsed = p.seq
	return chosen.ep, true
}

// pickTier returns the least recently used entry with the given health,
// or nil if the tier is empty.
func pickTier(candidates []*entry, health model.ProxyHealth) *entry {
	var best *entry
	for _, e := range candidates {
		if e.ep.Health != health {
			continue
		}
		if best == nil || e.lastUsed < best.lastUsed {
			best = e
		}
	}
	return best
}

// ReportOutcome drives the health state machine for the endpoint with the
// given key. Success from any state resets to healthy; failures walk
// healthy -> degraded -> dead once consecutive failures reach the threshold.
func (p *Pool) ReportOutcome(key string, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if !ok {
		return
	}

	e.ep.LastChecked = p.now()
	if success {
		e.ep.ConsecutiveFailures = 0
		e.ep.Health = model.Healthy
		return
	}

	e.ep.ConsecutiveFailures++
	if e.ep.ConsecutiveFailures >= p.threshold {
		if e.ep.Health != model.Dead {
			p.log.Warn("proxy marked dead",
				"proxy", key,
				"consecutive_failures", e.ep.ConsecutiveFailures,
			)
		}
		e.ep.Health = model.Dead
	} else {
		e.ep.Health = model.Degraded
	}
}

// Snapshot returns a copy of all endpoints, for stats and tests.
func (p *Pool) Snapshot() []model.ProxyEndpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]model.ProxyEndpoint, 0, len(p.order))
	for _, e := range p.order {
		out = append(out, e.ep)
	}
	return out
}

// Len returns the number of endpoints in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// StartReprobe launches the background loop that re-checks dead endpoints
// every ReprobeInterval and restores them to healthy on success. Returns
// when ctx is cancelled.
func (p *Pool) StartReprobe(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.reprobe)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.reprobeDead(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (p *Pool) reprobeDead(ctx context.Context) {
	p.mu.Lock()
	var dead []model.ProxyEndpoint
	for _, e := range p.order {
		if e.ep.Health == model.Dead {
			dead = append(dead, e.ep)
		}
	}
	p.mu.Unlock()

	for _, ep := range dead {
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		alive := p.prober(probeCtx, ep)
		cancel()

		if alive {
			p.log.Info("dead proxy recovered", "proxy", ep.Key())
			p.ReportOutcome(ep.Key(), true)
		} else {
			p.mu.Lock()
			if e, ok := p.entries[ep.Key()]; ok {
				e.ep.LastChecked = p.now()
			}
			p.mu.Unlock()
		}

		if ctx.Err() != nil {
			return
		}
	}
}

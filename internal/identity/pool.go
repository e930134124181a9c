// Package identity manages the pool of browser fingerprints used to vary
// outbound request signatures.
package identity

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/August26/stealthfetch-go/internal/model"
)

// defaultHeaders is the header set a mainstream browser sends on a top-level
// navigation. Order matters; see model.Header.
var defaultHeaders = []model.Header{
	{Name: "Accept", Value: "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
	{Name: "Accept-Language", Value: "en-US,en;q=0.5"},
	{Name: "Accept-Encoding", Value: "gzip, deflate"},
	{Name: "Connection", Value: "keep-alive"},
	{Name: "Upgrade-Insecure-Requests", Value: "1"},
}

// DefaultProfiles returns the built-in fingerprint set. Chrome variants get
// higher weight to roughly match real-world browser share.
func DefaultProfiles() []model.BrowserProfile {
	return []model.BrowserProfile{
		{
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
			Headers:   defaultHeaders,
			Weight:    3,
		},
		{
			UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
			Headers:   defaultHeaders,
			Weight:    2,
		},
		{
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:89.0) Gecko/20100101 Firefox/89.0",
			Headers:   defaultHeaders,
			Weight:    2,
		},
		{
			UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/14.1.1 Safari/605.1.15",
			Headers:   defaultHeaders,
			Weight:    1,
		},
		{
			UserAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
			Headers:   defaultHeaders,
			Weight:    1,
		},
	}
}

// DefaultProfile is the fallback fingerprint used when rotation is disabled
// or a pool somehow ends up empty.
func DefaultProfile() model.BrowserProfile {
	return DefaultProfiles()[0]
}

type entry struct {
	profile  model.BrowserProfile
	uses     uint64
	lastUsed uint64 // pool sequence number, 0 = never used
}

// Pool holds browser profiles and hands them out by weighted random
// selection. Selection never fails; an empty profile list is rejected at
// construction instead.
type Pool struct {
	mu       sync.Mutex
	profiles []*entry
	byUA     map[string]*entry
	rnd      *rand.Rand
	seq      uint64
}

// New builds a pool from the given profiles. Profiles with the same
// user-agent collapse into one entry (last one wins).
func New(profiles []model.BrowserProfile) (*Pool, error) {
	if len(profiles) == 0 {
		return nil, errors.New("identity: no profiles configured")
	}
	p := &Pool{
		byUA: make(map[string]*entry),
		rnd:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, prof := range profiles {
		p.register(prof)
	}
	return p, nil
}

// NewDefault builds a pool from the built-in fingerprint set.
func NewDefault() *Pool {
	p, _ := New(DefaultProfiles())
	return p
}

// Register upserts a profile keyed by its user-agent string. Registering the
// same user-agent twice replaces the existing entry, keeping its usage count.
func (p *Pool) Register(profile model.BrowserProfile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.register(profile)
}

func (p *Pool) register(profile model.BrowserProfile) {
	if profile.Weight <= 0 {
		profile.Weight = 1
	}
	if len(profile.Headers) == 0 {
		profile.Headers = defaultHeaders
	}
	if e, ok := p.byUA[profile.UserAgent]; ok {
		e.profile = profile
		return
	}
	e := &entry{profile: profile}
	p.byUA[profile.UserAgent] = e
	p.profiles = append(p.profiles, e)
}

// Select returns a profile chosen with probability proportional to weight.
// Candidates are walked in least-recently-used order so that equally
// weighted profiles rotate instead of clumping. The chosen profile's usage
// counter is incremented.
func (p *Pool) Select() model.BrowserProfile {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.profiles) == 0 {
		return DefaultProfile()
	}

	ordered := make([]*entry, len(p.profiles))
	copy(ordered, p.profiles)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].lastUsed < ordered[j].lastUsed
	})

	var total float64
	for _, e := range ordered {
		total += e.profile.Weight
	}

	r := p.rnd.Float64() * total
	chosen := ordered[len(ordered)-1]
	for _, e := range ordered {
		r -= e.profile.Weight
		if r < 0 {
			chosen = e
			break
		}
	}

	p.seq++
	chosen.uses++
	chosen.lastUsed = p.seq
	return chosen.profile
}

// UsageCount returns how many times the profile with the given user-agent
// has been selected. Zero for unknown user-agents.
func (p *Pool) UsageCount(userAgent string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.byUA[userAgent]; ok {
		return e.uses
	}
	return 0
}

// Len returns the number of distinct profiles in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.profiles)
}

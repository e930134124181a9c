package model

import "time"

type GeoInfo struct {
	Country string
	City    string
	ISP     string
}

// IPResolver maps an IP address to geographic info. Backed by MaxMind in
// internal/geo; mocked in tests.
type IPResolver interface {
	Lookup(ip string) (GeoInfo, error)
}

// BackoffStrategy selects how backoff windows grow with consecutive
// rate-limit hits.
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
)

// DispatchConfig is an immutable configuration snapshot for one Dispatcher.
// Multiple dispatchers with different configs can coexist in one process.
type DispatchConfig struct {
	EnableProxyRotation    bool
	EnableIdentityRotation bool

	MaxRetries      int           // retries after the first attempt
	BaseBackoff     time.Duration // base for retry and 429 backoff windows
	BackoffStrategy BackoffStrategy
	MaxBackoff      time.Duration // cap on any single backoff window

	PerDomainRate  float64 // sustained requests/sec per destination domain
	BurstCapacity  float64 // token bucket capacity per domain
	DomainCacheCap int     // max tracked domains before LRU eviction

	MaxRequestsPerSecond float64 // optional process-wide ceiling, 0 = off

	CaptchaSolvingEnabled bool

	RequestTimeout   time.Duration // per-HTTP-call timeout
	MaxWait          time.Duration // default ceiling on rate-limit waits
	FailureThreshold int           // consecutive failures before a proxy is dead
	ReprobeInterval  time.Duration // how often dead proxies are re-probed

	MaxBodyBytes int64 // response body read cap
}

// Normalize fills zero values with working defaults and returns the result.
// Thresholds here are tunable placeholders, not contractual values.
func (c DispatchConfig) Normalize() DispatchConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.BackoffStrategy != BackoffLinear {
		c.BackoffStrategy = BackoffExponential
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.PerDomainRate <= 0 {
		c.PerDomainRate = 0.5 // 30 requests/minute
	}
	if c.BurstCapacity <= 0 {
		c.BurstCapacity = 5
	}
	if c.DomainCacheCap <= 0 {
		c.DomainCacheCap = 1024
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 30 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.ReprobeInterval <= 0 {
		c.ReprobeInterval = 5 * time.Minute
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 10 << 20
	}
	return c
}

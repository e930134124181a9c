// Package config loads the YAML run configuration and watches the proxy
// list file for live reloads.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/August26/stealthfetch-go/internal/model"
	"github.com/August26/stealthfetch-go/internal/parser"
)

// Duration wraps time.Duration so YAML values like "30s" or "5m" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

type DispatchSection struct {
	EnableProxyRotation    bool     `yaml:"enable_proxy_rotation"`
	EnableIdentityRotation bool     `yaml:"enable_identity_rotation"`
	MaxRetries             int      `yaml:"max_retries"`
	BaseBackoff            Duration `yaml:"base_backoff"`
	BackoffStrategy        string   `yaml:"backoff_strategy"`
	MaxBackoff             Duration `yaml:"max_backoff"`
	PerDomainRate          float64  `yaml:"per_domain_rate"`
	BurstCapacity          float64  `yaml:"burst_capacity"`
	DomainCacheCap         int      `yaml:"domain_cache_cap"`
	MaxRequestsPerSecond   float64  `yaml:"max_requests_per_second"`
	RequestTimeout         Duration `yaml:"request_timeout"`
	MaxWait                Duration `yaml:"max_wait"`
	FailureThreshold       int      `yaml:"failure_threshold"`
	ReprobeInterval        Duration `yaml:"reprobe_interval"`
	MaxBodyBytes           int64    `yaml:"max_body_bytes"`
}

type HeaderSection struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

type ProfileSection struct {
	UserAgent string          `yaml:"user_agent"`
	Weight    float64         `yaml:"weight"`
	Headers   []HeaderSection `yaml:"headers"`
}

type CaptchaSection struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"` // "2captcha" or "anticaptcha"
	APIKey   string `yaml:"api_key"`
}

// File is the top-level YAML document.
type File struct {
	Dispatch  DispatchSection  `yaml:"dispatch"`
	Proxies   []string         `yaml:"proxies"`
	ProxyFile string           `yaml:"proxy_file"`
	Profiles  []ProfileSection `yaml:"profiles"`
	Captcha   CaptchaSection   `yaml:"captcha"`
	GeoIPDB   string           `yaml:"geoip_db"`
}

// Load reads and decodes a YAML config file.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &f, nil
}

// ToDispatch converts the dispatch section into a DispatchConfig. Zero
// values are left for Normalize to fill.
func (f *File) ToDispatch() model.DispatchConfig {
	d := f.Dispatch
	return model.DispatchConfig{
		EnableProxyRotation:    d.EnableProxyRotation,
		EnableIdentityRotation: d.EnableIdentityRotation,
		MaxRetries:             d.MaxRetries,
		BaseBackoff:            time.Duration(d.BaseBackoff),
		BackoffStrategy:        model.BackoffStrategy(d.BackoffStrategy),
		MaxBackoff:             time.Duration(d.MaxBackoff),
		PerDomainRate:          d.PerDomainRate,
		BurstCapacity:          d.BurstCapacity,
		DomainCacheCap:         d.DomainCacheCap,
		MaxRequestsPerSecond:   d.MaxRequestsPerSecond,
		CaptchaSolvingEnabled:  f.Captcha.Enabled,
		RequestTimeout:         time.Duration(d.RequestTimeout),
		MaxWait:                time.Duration(d.MaxWait),
		FailureThreshold:       d.FailureThreshold,
		ReprobeInterval:        time.Duration(d.ReprobeInterval),
		MaxBodyBytes:           d.MaxBodyBytes,
	}
}

// BrowserProfiles converts the profiles section. An empty section means
// the caller should fall back to the built-in profile set.
func (f *File) BrowserProfiles() []model.BrowserProfile {
	if len(f.Profiles) == 0 {
		return nil
	}
	out := make([]model.BrowserProfile, 0, len(f.Profiles))
	for _, p := range f.Profiles {
		bp := model.BrowserProfile{
			UserAgent: p.UserAgent,
			Weight:    p.Weight,
		}
		for _, h := range p.Headers {
			bp.Headers = append(bp.Headers, model.Header{Name: h.Name, Value: h.Value})
		}
		out = append(out, bp)
	}
	return out
}

// ProxyEndpoints returns the inline proxies plus, when set, the contents
// of proxy_file.
func (f *File) ProxyEndpoints() ([]model.ProxyEndpoint, error) {
	var out []model.ProxyEndpoint
	for _, line := range f.Proxies {
		ep, err := parser.ParseLine(line)
		if err != nil {
			return nil, fmt.Errorf("inline proxy %q: %w", line, err)
		}
		out = append(out, ep)
	}
	if f.ProxyFile != "" {
		fromFile, err := parser.LoadFromFile(f.ProxyFile)
		if err != nil {
			return nil, err
		}
		out = append(out, fromFile...)
	}
	return out, nil
}

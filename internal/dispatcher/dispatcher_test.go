package dispatcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/August26/stealthfetch-go/internal/captcha"
	"github.com/August26/stealthfetch-go/internal/identity"
	"github.com/August26/stealthfetch-go/internal/model"
	"github.com/August26/stealthfetch-go/internal/proxypool"
	"github.com/August26/stealthfetch-go/internal/ratelimit"
)

func newTestDispatcher(cfg model.DispatchConfig, proxies *proxypool.Pool, resolver *captcha.Resolver) *Dispatcher {
	cfg = cfg.Normalize()
	return New(cfg, identity.NewDefault(), proxies, ratelimit.New(cfg, nil), resolver, nil)
}

func fastCfg() model.DispatchConfig {
	return model.DispatchConfig{
		EnableIdentityRotation: true,
		PerDomainRate:          1000,
		BurstCapacity:          1000,
		BaseBackoff:            5 * time.Millisecond,
		RequestTimeout:         5 * time.Second,
		MaxWait:                5 * time.Second,
	}
}

func TestDispatch_Success(t *testing.T) {
	var gotUA atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotUA.Store(req.Header.Get("User-Agent"))
		if req.Header.Get("Accept-Language") == "" {
			t.Errorf("profile headers not applied")
		}
		fmt.Fprint(w, "hello")
	}))
	defer srv.Close()

	d := newTestDispatcher(fastCfg(), nil, nil)
	res := d.Dispatch(context.Background(), Request{URL: srv.URL})

	if !res.Success {
		t.Fatalf("dispatch failed: %#v", res)
	}
	if res.StatusCode != 200 || string(res.Body) != "hello" {
		t.Fatalf("bad response: status=%d body=%q", res.StatusCode, res.Body)
	}
	if res.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", res.Attempts)
	}
	if ua, _ := gotUA.Load().(string); ua == "" || ua != res.ProfileUsed {
		t.Fatalf("profile not reflected: sent %q, result %q", ua, res.ProfileUsed)
	}
}

func TestDispatch_InvalidURLIsFatal(t *testing.T) {
	d := newTestDispatcher(fastCfg(), nil, nil)

	for _, bad := range []string{"", "ftp://example.com/x", "://nope"} {
		res := d.Dispatch(context.Background(), Request{URL: bad})
		if res.Success || res.Reason != model.FailClientError {
			t.Fatalf("URL %q: got %#v, want fatal_client_error", bad, res)
		}
	}
}

// Scenario D: persistent 5xx with max_retries=2 yields server_error after
// exactly 3 attempts.
func TestDispatch_ServerErrorAfterRetriesExhausted(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := fastCfg()
	cfg.MaxRetries = 2
	d := newTestDispatcher(cfg, nil, nil)

	res := d.Dispatch(context.Background(), Request{URL: srv.URL})
	if res.Success || res.Reason != model.FailServerError {
		t.Fatalf("got %#v, want server_error", res)
	}
	if res.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3 (1 initial + 2 retries)", res.Attempts)
	}
	if hits.Load() != 3 {
		t.Fatalf("server hit %d times, want 3", hits.Load())
	}
	if res.LastStatus != http.StatusBadGateway {
		t.Fatalf("last status = %d", res.LastStatus)
	}
}

func TestDispatch_Fatal4xxIsNotRetried(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := fastCfg()
	cfg.MaxRetries = 5
	d := newTestDispatcher(cfg, nil, nil)

	res := d.Dispatch(context.Background(), Request{URL: srv.URL})
	if res.Success || res.Reason != model.FailClientError {
		t.Fatalf("got %#v, want fatal_client_error", res)
	}
	if hits.Load() != 1 {
		t.Fatalf("fatal 4xx retried: %d hits", hits.Load())
	}
}

// Scenario C: a 429 engages the domain backoff window; a dispatch attempted
// inside the window comes back rate_limited without touching the network.
func TestDispatch_429EngagesBackoffWithoutNetworkCall(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	cfg := fastCfg()
	cfg.BaseBackoff = 10 * time.Second // window far outlives the test
	d := newTestDispatcher(cfg, nil, nil)

	res := d.Dispatch(context.Background(), Request{URL: srv.URL})
	if res.Success || res.Reason != model.FailRateLimited {
		t.Fatalf("first dispatch: got %#v, want rate_limited", res)
	}
	if hits.Load() != 1 {
		t.Fatalf("server hit %d times, want 1", hits.Load())
	}

	res = d.Dispatch(context.Background(), Request{URL: srv.URL, MaxWait: 50 * time.Millisecond})
	if res.Success || res.Reason != model.FailRateLimited {
		t.Fatalf("second dispatch: got %#v, want rate_limited", res)
	}
	if hits.Load() != 1 {
		t.Fatalf("dispatch inside backoff window reached the network (%d hits)", hits.Load())
	}
	if res.Attempts != 0 {
		t.Fatalf("rejected dispatch recorded %d attempts", res.Attempts)
	}
}

// Scenario A: with 2 tokens/sec and capacity 2, five back-to-back requests
// must spend time waiting on refills.
func TestDispatch_TokenBucketThrottlesBurst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	cfg := fastCfg()
	cfg.PerDomainRate = 2
	cfg.BurstCapacity = 2
	d := newTestDispatcher(cfg, nil, nil)

	start := time.Now()
	for i := 0; i < 5; i++ {
		res := d.Dispatch(context.Background(), Request{URL: srv.URL})
		if !res.Success {
			t.Fatalf("dispatch %d failed: %#v", i, res)
		}
	}
	// Requests 3..5 each need ~0.5s of refill.
	if elapsed := time.Since(start); elapsed < 1200*time.Millisecond {
		t.Fatalf("5 requests finished in %v; bucket did not throttle", elapsed)
	}
}

func TestDispatch_CancelDuringRateWait(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	cfg := fastCfg()
	cfg.PerDomainRate = 0.5 // one token per 2s once drained
	cfg.BurstCapacity = 1
	cfg.MaxWait = 10 * time.Second
	d := newTestDispatcher(cfg, nil, nil)

	if res := d.Dispatch(context.Background(), Request{URL: srv.URL}); !res.Success {
		t.Fatalf("priming dispatch failed: %#v", res)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res := d.Dispatch(ctx, Request{URL: srv.URL})
	if res.Success || res.Reason != model.FailCancelled {
		t.Fatalf("got %#v, want cancelled", res)
	}
	if hits.Load() != 1 {
		t.Fatalf("cancelled dispatch reached the network")
	}
}

func TestDispatch_CancelMidFlight(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		// Hold the response until the client goes away.
		<-req.Context().Done()
	}))
	defer srv.Close()

	d := newTestDispatcher(fastCfg(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	res := d.Dispatch(ctx, Request{URL: srv.URL})
	if res.Success || res.Reason != model.FailCancelled {
		t.Fatalf("got %#v, want cancelled", res)
	}
	if res.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", res.Attempts)
	}
}

func TestDispatch_RequestTimeoutIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		<-req.Context().Done()
	}))
	defer srv.Close()

	cfg := fastCfg()
	cfg.RequestTimeout = 100 * time.Millisecond
	d := newTestDispatcher(cfg, nil, nil)

	// The parent context stays live, so a per-call timeout is a transport
	// failure, not a cancellation.
	res := d.Dispatch(context.Background(), Request{URL: srv.URL})
	if res.Success || res.Reason != model.FailNetworkError {
		t.Fatalf("got %#v, want network_error", res)
	}
	if res.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", res.Attempts)
	}
}

func TestDispatch_CaptchaUnsolvedIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, `<html><div class="g-recaptcha" data-sitekey="k"></div> captcha</html>`)
	}))
	defer srv.Close()

	resolver := captcha.New(captcha.Config{Enabled: false}, nil)
	cfg := fastCfg()
	cfg.MaxRetries = 1
	d := newTestDispatcher(cfg, nil, resolver)

	res := d.Dispatch(context.Background(), Request{URL: srv.URL})
	if res.Success || res.Reason != model.FailCaptchaUnsolved {
		t.Fatalf("got %#v, want captcha_unsolved", res)
	}
	if res.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", res.Attempts)
	}
}

type staticProvider struct{ token string }

func (s staticProvider) Solve(ctx context.Context, siteKey, pageURL string) (string, error) {
	return s.token, nil
}

func TestDispatch_CaptchaSolvedReissuesOnce(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		if req.Header.Get("X-Captcha-Token") == "tok" {
			fmt.Fprint(w, "<html>real content</html>")
			return
		}
		fmt.Fprint(w, `<html><div class="g-recaptcha" data-sitekey="k"></div></html>`)
	}))
	defer srv.Close()

	resolver := captcha.New(captcha.Config{
		Enabled:  true,
		Provider: staticProvider{token: "tok"},
	}, nil)

	d := newTestDispatcher(fastCfg(), nil, resolver)
	res := d.Dispatch(context.Background(), Request{URL: srv.URL})

	if !res.Success {
		t.Fatalf("dispatch failed: %#v", res)
	}
	if res.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (re-issue is not a new attempt)", res.Attempts)
	}
	if hits.Load() != 2 {
		t.Fatalf("server hit %d times, want 2 (challenge + re-issue)", hits.Load())
	}

	stats := resolver.Stats()
	if stats.ChallengesSeen == 0 || stats.SolveSuccesses != 1 {
		t.Fatalf("bad captcha counters: %#v", stats)
	}
}

func TestDispatch_ReissueTransportFailureIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("X-Captcha-Token") != "" {
			// Kill the re-issued request at the transport level.
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Errorf("response writer does not support hijacking")
				return
			}
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
			}
			return
		}
		fmt.Fprint(w, `<html><div class="g-recaptcha" data-sitekey="k"></div></html>`)
	}))
	defer srv.Close()

	resolver := captcha.New(captcha.Config{
		Enabled:  true,
		Provider: staticProvider{token: "tok"},
	}, nil)

	d := newTestDispatcher(fastCfg(), nil, resolver)
	res := d.Dispatch(context.Background(), Request{URL: srv.URL})

	if res.Success || res.Reason != model.FailNetworkError {
		t.Fatalf("got %#v, want network_error for a failed re-issue", res)
	}
	if res.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", res.Attempts)
	}
}

func TestDispatch_ProxyFailuresDriveHealth(t *testing.T) {
	// Port 1 is never listening; every attempt through this proxy fails.
	pool := proxypool.New([]model.ProxyEndpoint{
		{Host: "127.0.0.1", Port: 1, Scheme: model.SchemeHTTP},
	}, proxypool.Options{FailureThreshold: 3})

	cfg := fastCfg()
	cfg.EnableProxyRotation = true
	cfg.MaxRetries = 2
	cfg.RequestTimeout = 2 * time.Second
	d := newTestDispatcher(cfg, pool, nil)

	res := d.Dispatch(context.Background(), Request{URL: "http://203.0.113.1/"})
	if res.Success || res.Reason != model.FailNetworkError {
		t.Fatalf("got %#v, want network_error", res)
	}
	if res.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", res.Attempts)
	}

	snap := pool.Snapshot()
	if len(snap) != 1 || snap[0].Health != model.Dead {
		t.Fatalf("proxy health after 3 failures: %#v", snap)
	}
}

func TestRunBatch_AllURLsDispatched(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	d := newTestDispatcher(fastCfg(), nil, nil)

	urls := []string{srv.URL + "/a", srv.URL + "/b", srv.URL + "/c", srv.URL + "/d"}
	results := RunBatch(context.Background(), d, urls, 2)

	if len(results) != len(urls) {
		t.Fatalf("got %d results, want %d", len(results), len(urls))
	}
	for _, r := range results {
		if !r.Success {
			t.Fatalf("batch result failed: %#v", r)
		}
	}
	if hits.Load() != int64(len(urls)) {
		t.Fatalf("server hit %d times, want %d", hits.Load(), len(urls))
	}

	stats := d.Stats()
	if stats.Dispatches != len(urls) || stats.Successes != len(urls) {
		t.Fatalf("bad stats: %#v", stats)
	}
}

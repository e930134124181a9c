// Package dispatcher composes the identity pool, proxy pool, rate governor
// and captcha resolver into the single fetch façade exposed to research
// callers. All failures come back as typed results; no error ever crosses
// this boundary as a raised value.
package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/August26/stealthfetch-go/internal/captcha"
	"github.com/August26/stealthfetch-go/internal/identity"
	"github.com/August26/stealthfetch-go/internal/logging"
	"github.com/August26/stealthfetch-go/internal/model"
	"github.com/August26/stealthfetch-go/internal/proxypool"
	"github.com/August26/stealthfetch-go/internal/ratelimit"
)

// Request is the one call shape consumed by research agents.
type Request struct {
	URL    string
	Method string      // default GET
	Header http.Header // optional overrides on top of the profile headers
	Body   []byte

	Region  string        // optional proxy region constraint
	MaxWait time.Duration // ceiling on rate-limit waits, 0 = config default
}

// Stats is the dispatcher's observability snapshot.
type Stats struct {
	Dispatches       int              `json:"dispatches"`
	Successes        int              `json:"successes"`
	FailuresByReason map[string]int   `json:"failures_by_reason"`
	Profiles         int              `json:"profiles"`
	Proxies          int              `json:"proxies"`
	TrackedDomains   int              `json:"tracked_domains"`
	Captcha          captcha.Counters `json:"captcha"`
}

// captchaTokenHeader carries the solved challenge token on the re-issued
// request. How a target site actually consumes the token is site-specific;
// embedding it in a form post is the caller's job.
const captchaTokenHeader = "X-Captcha-Token"

type Dispatcher struct {
	cfg        model.DispatchConfig
	identities *identity.Pool
	proxies    *proxypool.Pool // nil = never proxy
	governor   *ratelimit.Governor
	resolver   *captcha.Resolver // nil = no challenge handling
	global     *rate.Limiter     // nil = no process-wide ceiling
	direct     http.RoundTripper
	log        *slog.Logger

	mu       sync.Mutex
	count    int
	ok       int
	failures map[model.FailureReason]int
}

// New wires a dispatcher. identities must be non-nil; proxies and resolver
// may be nil to disable those layers entirely.
func New(
	cfg model.DispatchConfig,
	identities *identity.Pool,
	proxies *proxypool.Pool,
	governor *ratelimit.Governor,
	resolver *captcha.Resolver,
	log *slog.Logger,
) *Dispatcher {
	cfg = cfg.Normalize()

	d := &Dispatcher{
		cfg:        cfg,
		identities: identities,
		proxies:    proxies,
		governor:   governor,
		resolver:   resolver,
		direct:     &http.Transport{},
		log:        logging.With(log, "dispatcher"),
		failures:   make(map[model.FailureReason]int),
	}
	if cfg.MaxRequestsPerSecond > 0 {
		burst := int(cfg.MaxRequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		d.global = rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), burst)
	}
	return d
}

var errRejected = errors.New("rate budget rejected")

// Dispatch performs one logical fetch: rate acquisition, identity/proxy
// selection, the HTTP call, response classification and the retry loop.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) model.Result {
	start := time.Now()
	dispatchID := uuid.NewString()

	finish := func(res model.Result) model.Result {
		res.URL = req.URL
		res.ElapsedMs = time.Since(start).Milliseconds()
		d.record(res)
		return res
	}

	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return finish(model.Result{Reason: model.FailClientError})
	}
	domain := u.Hostname()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	maxWait := req.MaxWait
	if maxWait <= 0 {
		maxWait = d.cfg.MaxWait
	}

	var (
		attempts   int
		lastReason model.FailureReason
		lastStatus int
	)

	for try := 0; try <= d.cfg.MaxRetries; try++ {
		if try > 0 {
			if err := sleepCtx(ctx, d.retryDelay(try)); err != nil {
				return finish(model.Result{Reason: model.FailCancelled, Attempts: attempts, LastStatus: lastStatus})
			}
		}

		// Local policy gate. A rejection here means no network call at
		// all, either over-budget or inside a backoff window.
		if err := d.acquire(ctx, domain, maxWait); err != nil {
			reason := model.FailRateLimited
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				reason = model.FailCancelled
			}
			return finish(model.Result{Reason: reason, Attempts: attempts, LastStatus: lastStatus})
		}

		if d.global != nil {
			if err := d.global.Wait(ctx); err != nil {
				return finish(model.Result{Reason: model.FailCancelled, Attempts: attempts, LastStatus: lastStatus})
			}
		}

		// Re-select identity and proxy on every attempt so a flagged
		// fingerprint is not repeated.
		profile := d.profileFor()
		var proxyUsed model.ProxyEndpoint
		haveProxy := false
		if d.cfg.EnableProxyRotation && d.proxies != nil {
			proxyUsed, haveProxy = d.proxies.Select(req.Region)
			if !haveProxy {
				d.log.Debug("no live proxy, going direct", "dispatch_id", dispatchID, "url", req.URL)
			}
		}

		attempts++
		attemptStart := time.Now()
		status, header, body, httpErr := d.doHTTP(ctx, method, req, profile, proxyUsed, haveProxy, "")

		attempt := model.RequestAttempt{
			TargetURL:     req.URL,
			ChosenProfile: profile.UserAgent,
			AttemptNumber: attempts,
			HTTPStatus:    status,
			ElapsedMs:     time.Since(attemptStart).Milliseconds(),
		}
		if haveProxy {
			attempt.ChosenProxy = proxyUsed.Key()
		}

		if httpErr != nil {
			if ctx.Err() != nil {
				attempt.Outcome = model.AttemptFatal
				d.logAttempt(dispatchID, attempt)
				return finish(model.Result{Reason: model.FailCancelled, Attempts: attempts, LastStatus: lastStatus})
			}
			if haveProxy {
				d.proxies.ReportOutcome(proxyUsed.Key(), false)
			}
			attempt.Outcome = model.AttemptRetryable
			d.logAttempt(dispatchID, attempt)
			lastReason = model.FailNetworkError
			continue
		}

		// Challenge detection runs before status classification because
		// challenge pages arrive as 200 and 403 alike.
		if d.resolver != nil && d.resolver.Detect(status, header, body) {
			token, solved := d.resolver.Resolve(ctx, captcha.Challenge{
				URL:        req.URL,
				StatusCode: status,
				Header:     header,
				Body:       body,
			})
			if solved {
				// One re-issue with the solution attached; no extra
				// attempt accounting, it replaces the flagged response.
				status, header, body, httpErr = d.doHTTP(ctx, method, req, profile, proxyUsed, haveProxy, token)
				if httpErr != nil {
					// The solve worked; the re-issue died on the wire.
					if ctx.Err() != nil {
						attempt.Outcome = model.AttemptFatal
						d.logAttempt(dispatchID, attempt)
						return finish(model.Result{Reason: model.FailCancelled, Attempts: attempts, LastStatus: lastStatus})
					}
					if haveProxy {
						d.proxies.ReportOutcome(proxyUsed.Key(), false)
					}
					attempt.Outcome = model.AttemptRetryable
					d.logAttempt(dispatchID, attempt)
					lastReason = model.FailNetworkError
					continue
				}
			}
			if !solved || d.resolver.Detect(status, header, body) {
				attempt.Outcome = model.AttemptRetryable
				d.logAttempt(dispatchID, attempt)
				lastReason = model.FailCaptchaUnsolved
				lastStatus = status
				continue
			}
		}

		lastStatus = status

		switch {
		case status >= 200 && status < 300:
			if haveProxy {
				d.proxies.ReportOutcome(proxyUsed.Key(), true)
			}
			d.governor.ReportSuccess(domain)
			attempt.Outcome = model.AttemptSuccess
			d.logAttempt(dispatchID, attempt)

			res := model.Result{
				Success:     true,
				StatusCode:  status,
				Body:        body,
				Header:      header,
				ProfileUsed: profile.UserAgent,
				Attempts:    attempts,
			}
			if haveProxy {
				res.ProxyUsed = proxyUsed.Key()
			}
			return finish(res)

		case status == http.StatusTooManyRequests:
			d.governor.ReportRateLimited(domain)
			attempt.Outcome = model.AttemptRetryable
			d.logAttempt(dispatchID, attempt)
			lastReason = model.FailRateLimited

		case status >= 500:
			if haveProxy {
				d.proxies.ReportOutcome(proxyUsed.Key(), false)
			}
			attempt.Outcome = model.AttemptRetryable
			d.logAttempt(dispatchID, attempt)
			lastReason = model.FailServerError

		default:
			// 4xx other than 429: the request itself is wrong, retrying
			// with a different fingerprint won't fix it.
			attempt.Outcome = model.AttemptFatal
			d.logAttempt(dispatchID, attempt)
			return finish(model.Result{
				Reason:     model.FailClientError,
				Attempts:   attempts,
				LastStatus: status,
			})
		}
	}

	if lastReason == "" {
		lastReason = model.FailNetworkError
	}
	return finish(model.Result{Reason: lastReason, Attempts: attempts, LastStatus: lastStatus})
}

// acquire loops on the governor until a token is granted, the budget
// rejects, or the allowed wait is exhausted. Waiting consumes no token, so
// cancellation mid-wait has no side effect on the domain budget.
func (d *Dispatcher) acquire(ctx context.Context, domain string, maxWait time.Duration) error {
	deadline := time.Now().Add(maxWait)
	for {
		dec := d.governor.Acquire(domain)
		switch dec.Outcome {
		case ratelimit.Grant:
			return nil
		case ratelimit.Reject:
			return errRejected
		case ratelimit.WaitFor:
			if time.Now().Add(dec.Delay).After(deadline) {
				return errRejected
			}
			if err := sleepCtx(ctx, dec.Delay); err != nil {
				return err
			}
		}
	}
}

func (d *Dispatcher) profileFor() model.BrowserProfile {
	if !d.cfg.EnableIdentityRotation {
		return identity.DefaultProfile()
	}
	return d.identities.Select()
}

// doHTTP performs one HTTP round-trip with the assembled headers, proxy and
// timeout, and reads the (capped) body.
func (d *Dispatcher) doHTTP(
	ctx context.Context,
	method string,
	req Request,
	profile model.BrowserProfile,
	proxyUsed model.ProxyEndpoint,
	haveProxy bool,
	captchaToken string,
) (int, http.Header, []byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(callCtx, method, req.URL, bodyReader)
	if err != nil {
		return 0, nil, nil, err
	}

	httpReq.Header.Set("User-Agent", profile.UserAgent)
	for _, h := range profile.Headers {
		httpReq.Header.Set(h.Name, h.Value)
	}
	for name, values := range req.Header {
		httpReq.Header.Del(name)
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	if captchaToken != "" {
		httpReq.Header.Set(captchaTokenHeader, captchaToken)
	}

	transport := d.direct
	if haveProxy {
		rt, terr := d.proxies.TransportFor(proxyUsed)
		if terr != nil {
			return 0, nil, nil, terr
		}
		transport = rt
	}

	client := &http.Client{Transport: transport}
	resp, err := client.Do(httpReq)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.cfg.MaxBodyBytes))
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, resp.Header, body, nil
}

// retryDelay is the pause before retry number try (1-based).
func (d *Dispatcher) retryDelay(try int) time.Duration {
	var delay time.Duration
	switch d.cfg.BackoffStrategy {
	case model.BackoffLinear:
		delay = time.Duration(try) * d.cfg.BaseBackoff
	default:
		shift := try - 1
		if shift > 20 {
			shift = 20
		}
		delay = d.cfg.BaseBackoff * time.Duration(1<<uint(shift))
	}
	if delay > d.cfg.MaxBackoff {
		delay = d.cfg.MaxBackoff
	}
	return delay
}

func (d *Dispatcher) logAttempt(dispatchID string, a model.RequestAttempt) {
	d.log.Debug("attempt finished",
		"dispatch_id", dispatchID,
		"url", a.TargetURL,
		"attempt", a.AttemptNumber,
		"outcome", string(a.Outcome),
		"status", a.HTTPStatus,
		"proxy", a.ChosenProxy,
		"elapsed_ms", a.ElapsedMs,
	)
}

func (d *Dispatcher) record(res model.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count++
	if res.Success {
		d.ok++
	} else {
		d.failures[res.Reason]++
	}
}

// Stats returns a snapshot of dispatcher-level counters plus the sizes of
// the pools it composes.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	byReason := make(map[string]int, len(d.failures))
	for reason, n := range d.failures {
		byReason[string(reason)] = n
	}
	s := Stats{
		Dispatches:       d.count,
		Successes:        d.ok,
		FailuresByReason: byReason,
	}
	d.mu.Unlock()

	if d.identities != nil {
		s.Profiles = d.identities.Len()
	}
	if d.proxies != nil {
		s.Proxies = d.proxies.Len()
	}
	if d.governor != nil {
		s.TrackedDomains = d.governor.Tracked()
	}
	if d.resolver != nil {
		s.Captcha = d.resolver.Stats()
	}
	return s
}

func sleepCtx(ctx context.Context, dur time.Duration) error {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

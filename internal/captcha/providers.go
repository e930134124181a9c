package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Provider solves a reCAPTCHA-style challenge for a site key on a page.
// Implementations block until solved, provider error, or ctx expiry.
type Provider interface {
	Solve(ctx context.Context, siteKey, pageURL string) (string, error)
}

const defaultPollInterval = 5 * time.Second

// TwoCaptcha talks the 2captcha.com submit-then-poll protocol.
type TwoCaptcha struct {
	APIKey       string
	BaseURL      string        // default http://2captcha.com, overridable for tests
	Client       *http.Client
	PollInterval time.Duration
}

func (t *TwoCaptcha) base() string {
	if t.BaseURL != "" {
		return strings.TrimRight(t.BaseURL, "/")
	}
	return "http://2captcha.com"
}

func (t *TwoCaptcha) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (t *TwoCaptcha) poll() time.Duration {
	if t.PollInterval > 0 {
		return t.PollInterval
	}
	return defaultPollInterval
}

type twoCaptchaReply struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

func (t *TwoCaptcha) Solve(ctx context.Context, siteKey, pageURL string) (string, error) {
	form := url.Values{
		"key":       {t.APIKey},
		"method":    {"userrecaptcha"},
		"googlekey": {siteKey},
		"pageurl":   {pageURL},
		"json":      {"1"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.base()+"/in.php", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var submitted twoCaptchaReply
	if err := doJSON(t.client(), req, &submitted); err != nil {
		return "", fmt.Errorf("2captcha submit: %w", err)
	}
	if submitted.Status != 1 {
		return "", fmt.Errorf("2captcha rejected task: %s", submitted.Request)
	}
	captchaID := submitted.Request

	for {
		if err := sleepCtx(ctx, t.poll()); err != nil {
			return "", err
		}

		pollURL := fmt.Sprintf("%s/res.php?key=%s&action=get&id=%s&json=1",
			t.base(), url.QueryEscape(t.APIKey), url.QueryEscape(captchaID))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
		if err != nil {
			return "", err
		}

		var polled twoCaptchaReply
		if err := doJSON(t.client(), req, &polled); err != nil {
			return "", fmt.Errorf("2captcha poll: %w", err)
		}
		if polled.Status == 1 {
			return polled.Request, nil
		}
		if polled.Request != "CAPCHA_NOT_READY" {
			return "", fmt.Errorf("2captcha error: %s", polled.Request)
		}
	}
}

// AntiCaptcha talks the anti-captcha.com createTask/getTaskResult protocol.
type AntiCaptcha struct {
	APIKey       string
	BaseURL      string // default https://api.anti-captcha.com
	Client       *http.Client
	PollInterval time.Duration
}

func (a *AntiCaptcha) base() string {
	if a.BaseURL != "" {
		return strings.TrimRight(a.BaseURL, "/")
	}
	return "https://api.anti-captcha.com"
}

func (a *AntiCaptcha) client() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (a *AntiCaptcha) poll() time.Duration {
	if a.PollInterval > 0 {
		return a.PollInterval
	}
	return defaultPollInterval
}

func (a *AntiCaptcha) Solve(ctx context.Context, siteKey, pageURL string) (string, error) {
	createPayload := map[string]any{
		"clientKey": a.APIKey,
		"task": map[string]any{
			"type":       "RecaptchaV2TaskProxyless",
			"websiteURL": pageURL,
			"websiteKey": siteKey,
		},
	}

	var created struct {
		ErrorID          int    `json:"errorId"`
		ErrorDescription string `json:"errorDescription"`
		TaskID           int64  `json:"taskId"`
	}
	if err := a.postJSON(ctx, "/createTask", createPayload, &created); err != nil {
		return "", fmt.Errorf("anticaptcha create: %w", err)
	}
	if created.ErrorID != 0 {
		return "", fmt.Errorf("anticaptcha rejected task: %s", created.ErrorDescription)
	}

	pollPayload := map[string]any{
		"clientKey": a.APIKey,
		"taskId":    created.TaskID,
	}
	for {
		if err := sleepCtx(ctx, a.poll()); err != nil {
			return "", err
		}

		var result struct {
			ErrorID  int    `json:"errorId"`
			Status   string `json:"status"`
			Solution struct {
				GRecaptchaResponse string `json:"gRecaptchaResponse"`
			} `json:"solution"`
		}
		if err := a.postJSON(ctx, "/getTaskResult", pollPayload, &result); err != nil {
			return "", fmt.Errorf("anticaptcha poll: %w", err)
		}
		if result.ErrorID != 0 {
			return "", fmt.Errorf("anticaptcha error id %d", result.ErrorID)
		}
		if result.Status == "ready" {
			return result.Solution.GRecaptchaResponse, nil
		}
	}
}

func (a *AntiCaptcha) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.base()+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON(a.client(), req, out)
}

func doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

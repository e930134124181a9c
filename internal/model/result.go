package model

import "net/http"

// FailureReason classifies a failed dispatch. These are the only values
// that cross the dispatcher boundary; callers never see raw errors.
type FailureReason string

const (
	FailRateLimited     FailureReason = "rate_limited"
	FailCaptchaUnsolved FailureReason = "captcha_unsolved"
	FailNetworkError    FailureReason = "network_error"
	FailServerError     FailureReason = "server_error"
	FailCancelled       FailureReason = "cancelled"
	FailClientError     FailureReason = "fatal_client_error"
)

// Result is the tagged outcome of one Dispatch call.
type Result struct {
	URL     string `json:"url"`
	Success bool   `json:"success"`

	// success variant
	StatusCode int         `json:"status_code,omitempty"`
	Body       []byte      `json:"-"`
	Header     http.Header `json:"-"`
	ProxyUsed  string      `json:"proxy_used,omitempty"`
	ProfileUsed string     `json:"profile_used,omitempty"`

	// failure variant
	Reason     FailureReason `json:"reason,omitempty"`
	LastStatus int           `json:"last_status,omitempty"`

	Attempts  int   `json:"attempts"`
	ElapsedMs int64 `json:"elapsed_ms"`
}

// AttemptOutcome classifies a single attempt inside the retry loop.
type AttemptOutcome string

const (
	AttemptSuccess   AttemptOutcome = "success"
	AttemptRetryable AttemptOutcome = "retryable_failure"
	AttemptFatal     AttemptOutcome = "fatal_failure"
)

// RequestAttempt is ephemeral telemetry for one try. It is logged at debug
// level and folded into the final Result; never persisted.
type RequestAttempt struct {
	TargetURL     string
	ChosenProfile string
	ChosenProxy   string
	AttemptNumber int
	Outcome       AttemptOutcome
	HTTPStatus    int
	ElapsedMs     int64
}

// BatchStats aggregates summary analytics for an entire CLI run.
type BatchStats struct {
	TotalRequests         int            `json:"total_requests"`
	Succeeded             int            `json:"succeeded"`
	Failed                int            `json:"failed"`
	FailuresByReason      map[string]int `json:"failures_by_reason,omitempty"`
	AvgElapsedMs          float64        `json:"avg_elapsed_ms"`
	TotalAttempts         int            `json:"total_attempts"`
	SuccessRatePct        float64        `json:"success_rate_pct"`
	TotalProcessingTimeMs int64          `json:"total_processing_time_ms"`
}

package analytics

import (
	"testing"
	"time"

	"github.com/August26/stealthfetch-go/internal/model"
)

func TestCompute_MixedBatch(t *testing.T) {
	results := []model.Result{
		{Success: true, StatusCode: 200, Attempts: 1, ElapsedMs: 100},
		{Success: true, StatusCode: 200, Attempts: 2, ElapsedMs: 300},
		{Reason: model.FailServerError, Attempts: 3, ElapsedMs: 500},
		{Reason: model.FailRateLimited, Attempts: 1, ElapsedMs: 0},
	}

	stats := Compute(results, 2*time.Second)

	if stats.TotalRequests != 4 || stats.Succeeded != 2 || stats.Failed != 2 {
		t.Fatalf("counts: %#v", stats)
	}
	if stats.TotalAttempts != 7 {
		t.Fatalf("attempts = %d, want 7", stats.TotalAttempts)
	}
	if stats.SuccessRatePct != 50.0 {
		t.Fatalf("success rate = %v, want 50", stats.SuccessRatePct)
	}
	// Zero elapsed entries are excluded from the average.
	if stats.AvgElapsedMs != 300.0 {
		t.Fatalf("avg elapsed = %v, want 300", stats.AvgElapsedMs)
	}
	if stats.FailuresByReason["server_error"] != 1 || stats.FailuresByReason["rate_limited"] != 1 {
		t.Fatalf("failures by reason: %#v", stats.FailuresByReason)
	}
	if stats.TotalProcessingTimeMs != 2000 {
		t.Fatalf("processing time = %d", stats.TotalProcessingTimeMs)
	}
}

func TestCompute_Empty(t *testing.T) {
	stats := Compute(nil, 0)
	if stats.TotalRequests != 0 || stats.SuccessRatePct != 0 || stats.AvgElapsedMs != 0 {
		t.Fatalf("empty batch: %#v", stats)
	}
}

package analytics

import (
	"time"

	"github.com/August26/stealthfetch-go/internal/model"
)

// Compute aggregates a batch of dispatch results into summary statistics.
func Compute(results []model.Result, totalDuration time.Duration) model.BatchStats {
	var (
		total        = len(results)
		succeeded    = 0
		byReason     = map[string]int{}
		elapsedSum   int64
		elapsedCount int64
		attempts     int
	)

	for _, r := range results {
		attempts += r.Attempts

		if r.Success {
			succeeded++
		} else {
			byReason[string(r.Reason)]++
		}

		if r.ElapsedMs > 0 {
			elapsedSum += r.ElapsedMs
			elapsedCount++
		}
	}

	avgElapsed := 0.0
	if elapsedCount > 0 {
		avgElapsed = float64(elapsedSum) / float64(elapsedCount)
	}

	successRate := 0.0
	if total > 0 {
		successRate = (float64(succeeded) / float64(total)) * 100.0
	}

	return model.BatchStats{
		TotalRequests:         total,
		Succeeded:             succeeded,
		Failed:                total - succeeded,
		FailuresByReason:      byReason,
		TotalAttempts:         attempts,
		AvgElapsedMs:          avgElapsed,
		SuccessRatePct:        successRate,
		TotalProcessingTimeMs: totalDuration.Milliseconds(),
	}
}

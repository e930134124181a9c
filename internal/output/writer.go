package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/August26/stealthfetch-go/internal/model"
)

// PrintResultsTable prints a human-readable table of per-URL results.
func PrintResultsTable(w io.Writer, results []model.Result) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)

	// header
	fmt.Fprintln(tw, "URL\tOK\tSTATUS\tREASON\tATTEMPTS\tELAPSED(ms)\tPROXY")

	for _, r := range results {
		ok := "no"
		if r.Success {
			ok = "yes"
		}

		status := "-"
		switch {
		case r.StatusCode > 0:
			status = fmt.Sprintf("%d", r.StatusCode)
		case r.LastStatus > 0:
			status = fmt.Sprintf("%d", r.LastStatus)
		}

		reason := "-"
		if !r.Success && r.Reason != "" {
			reason = string(r.Reason)
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			r.URL,
			ok,
			status,
			reason,
			r.Attempts,
			r.ElapsedMs,
			dashIfEmpty(r.ProxyUsed),
		)
	}

	tw.Flush()
}

// PrintSummary prints the aggregated batch stats.
func PrintSummary(w io.Writer, stats model.BatchStats) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Summary:")
	fmt.Fprintf(w, "  Total requests:      %d\n", stats.TotalRequests)
	fmt.Fprintf(w, "  Succeeded:           %d\n", stats.Succeeded)
	fmt.Fprintf(w, "  Failed:              %d\n", stats.Failed)
	fmt.Fprintf(w, "  Success rate:        %.1f%%\n", stats.SuccessRatePct)
	fmt.Fprintf(w, "  Total attempts:      %d\n", stats.TotalAttempts)
	fmt.Fprintf(w, "  Avg elapsed:         %.1f ms\n", stats.AvgElapsedMs)
	fmt.Fprintf(w, "  Batch time:          %.2f s\n", float64(stats.TotalProcessingTimeMs)/1000.0)
	for reason, n := range stats.FailuresByReason {
		fmt.Fprintf(w, "  Failures (%s): %d\n", reason, n)
	}
}

func dashIfEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// resultRow is the serialized shape of one result. Bodies are elided; they
// can be megabytes and belong in content storage, not reports.
type resultRow struct {
	URL        string `json:"url"`
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code,omitempty"`
	LastStatus int    `json:"last_status,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Attempts   int    `json:"attempts"`
	ElapsedMs  int64  `json:"elapsed_ms"`
	Proxy      string `json:"proxy,omitempty"`
	Profile    string `json:"profile,omitempty"`
	BodyBytes  int    `json:"body_bytes"`
}

func toRow(r model.Result) resultRow {
	return resultRow{
		URL:        r.URL,
		Success:    r.Success,
		StatusCode: r.StatusCode,
		LastStatus: r.LastStatus,
		Reason:     string(r.Reason),
		Attempts:   r.Attempts,
		ElapsedMs:  r.ElapsedMs,
		Proxy:      r.ProxyUsed,
		Profile:    r.ProfileUsed,
		BodyBytes:  len(r.Body),
	}
}

// WriteFile writes all dispatch results + summary stats to a file in json
// or csv format.
func WriteFile(path string, format string, results []model.Result, stats model.BatchStats) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	switch format {
	case "json":
		return writeJSON(f, results, stats)
	case "csv":
		return writeCSV(f, results)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// writeJSON writes an object with "results" and "summary".
func writeJSON(w io.Writer, results []model.Result, stats model.BatchStats) error {
	rows := make([]resultRow, 0, len(results))
	for _, r := range results {
		rows = append(rows, toRow(r))
	}
	payload := struct {
		Results []resultRow      `json:"results"`
		Summary model.BatchStats `json:"summary"`
	}{
		Results: rows,
		Summary: stats,
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

// writeCSV writes a CSV with per-URL rows (summary is not included in CSV).
func writeCSV(w io.Writer, results []model.Result) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	header := []string{
		"url",
		"success",
		"status_code",
		"last_status",
		"reason",
		"attempts",
		"elapsed_ms",
		"proxy",
		"profile",
		"body_bytes",
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, r := range results {
		row := toRow(r)
		ok := "n"
		if row.Success {
			ok = "y"
		}
		rec := []string{
			row.URL,
			ok,
			fmt.Sprintf("%d", row.StatusCode),
			fmt.Sprintf("%d", row.LastStatus),
			row.Reason,
			fmt.Sprintf("%d", row.Attempts),
			fmt.Sprintf("%d", row.ElapsedMs),
			row.Proxy,
			row.Profile,
			fmt.Sprintf("%d", row.BodyBytes),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}

	return nil
}

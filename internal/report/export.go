package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/crawlops/internal/crawler"
)

// Format is an export encoding.
type Format string

// Supported export formats.
const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat validates an export format name. Empty selects JSON.
func ParseFormat(raw string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(raw))); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatCSV:
		return f, nil
	default:
		return "", crawler.InvalidInputf("unsupported export format %q", raw)
	}
}

// ContentType returns the MIME type of an export.
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/json"
}

var csvHeader = []string{
	"run_id", "start_time", "end_time", "profile", "url",
	"status", "depth", "attempts", "formats", "outputs", "error",
}

// Export writes reports to w in format f and returns the number of entries
// written.
func Export(w io.Writer, f Format, reports []Report, exportedAt time.Time) (int, error) {
	switch f {
	case FormatCSV:
		return exportCSV(w, reports)
	case FormatJSON:
		return exportJSON(w, reports, exportedAt)
	default:
		return 0, crawler.InvalidInputf("unsupported export format %q", f)
	}
}

func exportJSON(w io.Writer, reports []Report, exportedAt time.Time) (int, error) {
	records := 0
	for _, r := range reports {
		records += len(r.Items)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	payload := struct {
		Reports      []Report  `json:"reports"`
		ExportTime   time.Time `json:"export_time"`
		TotalReports int       `json:"total_reports"`
		TotalRecords int       `json:"total_records"`
	}{reports, exportedAt.UTC(), len(reports), records}
	if err := enc.Encode(payload); err != nil {
		return 0, fmt.Errorf("encode json export: %w", err)
	}
	return records, nil
}

func exportCSV(w io.Writer, reports []Report) (int, error) {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return 0, fmt.Errorf("write csv header: %w", err)
	}
	records := 0
	for _, r := range reports {
		end := ""
		if r.EndTime != nil {
			end = r.EndTime.UTC().Format(time.RFC3339)
		}
		for _, item := range r.Items {
			row := []string{
				r.ID,
				r.StartTime.UTC().Format(time.RFC3339),
				end,
				r.Profile,
				item.URL,
				string(item.Status),
				strconv.Itoa(item.Depth),
				strconv.Itoa(item.Attempts),
				joinFormats(item.Formats),
				joinOutputs(item.Outputs),
				item.Error,
			}
			if err := writer.Write(row); err != nil {
				return records, fmt.Errorf("write csv row: %w", err)
			}
			records++
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return records, fmt.Errorf("flush csv: %w", err)
	}
	return records, nil
}

func joinFormats(formats []crawler.Format) string {
	parts := make([]string, len(formats))
	for i, f := range formats {
		parts[i] = string(f)
	}
	return strings.Join(parts, ",")
}

// joinOutputs renders outputs as format=location pairs in format order.
func joinOutputs(outputs map[crawler.Format]string) string {
	keys := make([]string, 0, len(outputs))
	for f := range outputs {
		keys = append(keys, string(f))
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + outputs[crawler.Format(k)]
	}
	return strings.Join(parts, ";")
}

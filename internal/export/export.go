// Package export writes a run's committed results to a blob store as CSV or
// JSON lines.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/map-harvester/internal/harvest"
)

// Format selects the artifact encoding.
type Format string

// Supported formats.
const (
	FormatCSV   Format = "csv"
	FormatJSONL Format = "jsonl"
)

// ParseFormat accepts "csv" or "jsonl" in any case.
func ParseFormat(raw string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(raw))); f {
	case FormatCSV, FormatJSONL:
		return f, nil
	default:
		return "", harvest.NewConfigurationError("unknown export format %q", raw)
	}
}

// ContentType is the MIME type written with the artifact.
func (f Format) ContentType() string {
	if f == FormatJSONL {
		return "application/x-ndjson"
	}
	return "text/csv; charset=utf-8"
}

// Header is the CSV column order.
var Header = []string{
	"run_id", "ordinal", "city", "request", "category", "identity",
	"provider_id", "name", "address", "phone", "website", "rating", "reviews",
	"url", "fetched_at",
}

// Exporter renders results and uploads them.
type Exporter struct {
	blobs  harvest.BlobStore
	prefix string
	clock  harvest.Clock
}

// New builds an Exporter writing under prefix.
func New(blobs harvest.BlobStore, prefix string, clock harvest.Clock) *Exporter {
	return &Exporter{blobs: blobs, prefix: strings.Trim(prefix, "/"), clock: clock}
}

// Export uploads results for runID and returns the artifact URI.
func (e *Exporter) Export(ctx context.Context, runID string, results []harvest.Result, format Format) (string, error) {
	var (
		body []byte
		err  error
	)
	switch format {
	case FormatCSV:
		body, err = EncodeCSV(results)
	case FormatJSONL:
		body, err = EncodeJSONL(results)
	default:
		return "", harvest.NewConfigurationError("unknown export format %q", format)
	}
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("results-%s.%s", e.clock.Now().UTC().Format("20060102T150405Z"), format)
	uri, err := e.blobs.PutObject(ctx, path.Join(e.prefix, runID, name), format.ContentType(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("upload export: %w", err)
	}
	return uri, nil
}

// EncodeCSV renders results with Header as the first row.
func EncodeCSV(results []harvest.Result) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(Header); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range results {
		l, err := r.Listing()
		if err != nil {
			return nil, err
		}
		row := []string{
			r.RunID,
			strconv.FormatInt(r.UnitOrdinal, 10),
			r.City,
			r.Request,
			r.Category,
			r.Identity,
			l.ProviderID,
			l.Name,
			l.Address,
			l.Phone,
			l.Website,
			l.Rating,
			l.Reviews,
			l.URL,
			r.FetchedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

type jsonRow struct {
	RunID     string             `json:"run_id"`
	Ordinal   int64              `json:"ordinal"`
	City      string             `json:"city"`
	Request   string             `json:"request"`
	Category  string             `json:"category"`
	Identity  string             `json:"identity"`
	Listing   harvest.RawListing `json:"listing"`
	FetchedAt time.Time          `json:"fetched_at"`
}

// EncodeJSONL renders one JSON object per result.
func EncodeJSONL(results []harvest.Result) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range results {
		l, err := r.Listing()
		if err != nil {
			return nil, err
		}
		if err := enc.Encode(jsonRow{
			RunID:     r.RunID,
			Ordinal:   r.UnitOrdinal,
			City:      r.City,
			Request:   r.Request,
			Category:  r.Category,
			Identity:  r.Identity,
			Listing:   l,
			FetchedAt: r.FetchedAt.UTC(),
		}); err != nil {
			return nil, fmt.Errorf("encode jsonl: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// Package features turns parsed records into fixed-width numeric matrices
// for the scoring layer. HTTP records map to an 11-feature vector mixing
// binary indicators with scaled magnitudes; generic rows map to their
// numeric columns plus a missing-value ratio, so the width follows the
// source schema.
package features

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/records"
)

// Thresholds for the binary indicator features.
const (
	largeResponseBytes = 500_000
	slowResponseMillis = 3000
	highRequestRate    = 50
)

// HTTPFeatureNames lists the 11 HTTP features in vector order.
var HTTPFeatureNames = []string{
	"response_code_4xx",
	"response_code_5xx",
	"status_code_scaled",
	"response_size_scaled",
	"large_response_bytes",
	"suspicious_uri",
	"uri_length_scaled",
	"slow_response_time",
	"duration_scaled",
	"unusual_user_agent",
	"high_request_rate",
}

// suspiciousMarkers are cheap substring checks feeding the suspicious_uri
// indicator. Full classification is the signature layer's job; this feature
// only needs to correlate with it.
var suspiciousMarkers = []string{
	"../", "..%2f", "/etc/", "<script", "union select",
	"' or ", "{{", "${", "cmd=", "exec(", "/admin", "%00",
}

// scannerAgents feed the unusual_user_agent indicator.
var scannerAgents = []string{
	"sqlmap", "nikto", "nmap", "curl", "python-requests",
	"masscan", "scanner", "bot", "crawler",
}

// Info describes the extracted matrix.
type Info struct {
	Names []string `json:"names"`
	Width int      `json:"width"`
	Rows  int      `json:"rows"`
}

// Extractor builds feature matrices from record batches.
type Extractor struct {
	logger *zap.Logger
}

// NewExtractor creates a feature extractor.
func NewExtractor(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger}
}

// Extract dispatches on the batch's record kind. Batches mixing kinds are
// treated as generic. numericColumns is consulted for generic batches only;
// pass nil for HTTP batches.
func (e *Extractor) Extract(batch []records.Record, numericColumns []string) ([][]float64, Info) {
	if len(batch) == 0 {
		return nil, Info{}
	}
	allHTTP := true
	for _, rec := range batch {
		if rec.Kind != records.KindHTTP {
			allHTTP = false
			break
		}
	}
	if allHTTP {
		return e.extractHTTP(batch)
	}
	return e.extractGeneric(batch, numericColumns)
}

func (e *Extractor) extractHTTP(batch []records.Record) ([][]float64, Info) {
	// high_request_rate is batch-relative: total requests per identifier
	// across the whole upload.
	perIdentifier := make(map[string]int)
	for _, rec := range batch {
		perIdentifier[rec.Identifier()]++
	}

	out := make([][]float64, len(batch))
	for i, rec := range batch {
		h := rec.HTTP
		row := make([]float64, len(HTTPFeatureNames))
		row[0] = boolFeature(h.StatusCode >= 400 && h.StatusCode < 500)
		row[1] = boolFeature(h.StatusCode >= 500)
		row[2] = float64(h.StatusCode) / 500.0
		row[3] = math.Log1p(float64(h.ResponseSize)) / 20.0
		row[4] = boolFeature(h.ResponseSize > largeResponseBytes)
		row[5] = boolFeature(isSuspiciousURI(h.URI))
		row[6] = float64(len(h.URI)) / 100.0
		row[7] = boolFeature(h.Duration > slowResponseMillis)
		row[8] = math.Log1p(float64(h.Duration)) / 10.0
		row[9] = boolFeature(isUnusualUserAgent(h.UserAgent))
		row[10] = boolFeature(perIdentifier[rec.Identifier()] >= highRequestRate)
		out[i] = row
	}

	info := Info{Names: HTTPFeatureNames, Width: len(HTTPFeatureNames), Rows: len(batch)}
	e.logger.Debug("extracted http features",
		zap.Int("rows", info.Rows),
		zap.Int("width", info.Width),
	)
	return out, info
}

// extractGeneric builds one column per numeric source column plus a trailing
// missing-value ratio. When no numeric columns are known they are inferred
// from the batch: a column counts as numeric if every non-empty value in the
// batch parses as a float. The matrix stays row-aligned with the batch:
// non-generic records in a mixed batch contribute an all-missing row so
// scores[i] keeps belonging to batch[i].
func (e *Extractor) extractGeneric(batch []records.Record, numericColumns []string) ([][]float64, Info) {
	if len(numericColumns) == 0 {
		numericColumns = inferNumericColumns(batch)
	}
	cols := append([]string(nil), numericColumns...)
	sort.Strings(cols)

	width := len(cols) + 1
	out := make([][]float64, 0, len(batch))
	for _, rec := range batch {
		row := make([]float64, width)
		if rec.Kind != records.KindGeneric {
			if len(cols) > 0 {
				row[width-1] = 1
			}
			out = append(out, row)
			continue
		}
		missing := 0
		for j, col := range cols {
			raw, ok := rec.Generic.Data[col]
			if !ok || raw == "" {
				missing++
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil {
				missing++
				continue
			}
			row[j] = v
		}
		if len(cols) > 0 {
			row[width-1] = float64(missing) / float64(len(cols))
		}
		out = append(out, row)
	}

	names := append(cols, "missing_ratio")
	info := Info{Names: names, Width: width, Rows: len(out)}
	e.logger.Debug("extracted generic features",
		zap.Int("rows", info.Rows),
		zap.Int("width", info.Width),
	)
	return out, info
}

func inferNumericColumns(batch []records.Record) []string {
	nonNumeric := make(map[string]bool)
	seen := make(map[string]bool)
	for _, rec := range batch {
		if rec.Kind != records.KindGeneric {
			continue
		}
		for col, raw := range rec.Generic.Data {
			seen[col] = true
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			if _, err := strconv.ParseFloat(raw, 64); err != nil {
				nonNumeric[col] = true
			}
		}
	}
	var cols []string
	for col := range seen {
		if !nonNumeric[col] {
			cols = append(cols, col)
		}
	}
	sort.Strings(cols)
	return cols
}

func isSuspiciousURI(uri string) bool {
	lower := strings.ToLower(uri)
	for _, m := range suspiciousMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func isUnusualUserAgent(ua string) bool {
	if ua == "" || ua == "-" {
		return true
	}
	lower := strings.ToLower(ua)
	for _, a := range scannerAgents {
		if strings.Contains(lower, a) {
			return true
		}
	}
	return len(ua) < 10
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

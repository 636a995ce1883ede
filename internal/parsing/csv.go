package parsing

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/records"
)

// Column-name fragments tried in order when picking an identifier and a
// timestamp for generic rows.
var (
	identifierKeys = []string{"id", "ip", "client_ip", "email", "user", "username", "name"}
	timestampKeys  = []string{"timestamp", "time", "date", "created", "datetime"}
)

// httpRequiredFields are the columns a CSV must carry to be parsed as
// structured HTTP logs.
var httpRequiredFields = []string{
	"timestamp", "client_ip", "method", "uri",
	"status_code", "response_size", "duration", "user_agent",
}

// Schema describes the column layout discovered in a generic CSV.
type Schema struct {
	Columns            []string          `json:"columns"`
	Types              map[string]string `json:"types"`
	NumericColumns     []string          `json:"numeric_columns"`
	CategoricalColumns []string          `json:"categorical_columns"`
	TotalColumns       int               `json:"total_columns"`
	TotalRecords       int               `json:"total_records"`
}

// CSVParser parses arbitrary CSV files into generic records with
// best-effort identifier and timestamp detection.
type CSVParser struct {
	logger *zap.Logger
}

// NewCSVParser creates a universal CSV parser.
func NewCSVParser(logger *zap.Logger) *CSVParser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CSVParser{logger: logger}
}

// Parse reads the whole CSV. Row-level failures are collected as error
// strings; a missing or empty header is fatal.
func (p *CSVParser) Parse(r io.Reader) ([]records.Record, []string, *Schema, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, nil, nil, errors.New("csv file has no headers")
	}
	columns := make([]string, len(header))
	for i, c := range header {
		columns[i] = strings.TrimSpace(c)
	}

	var out []records.Record
	var errs []string
	rowIdx := 0
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("Line %d: %v", rowIdx+2, err))
			rowIdx++
			continue
		}
		data := make(map[string]string, len(columns))
		for i, col := range columns {
			if i < len(row) {
				data[col] = row[i]
			}
		}
		out = append(out, records.NewGeneric(records.GenericRecord{
			RowIndex:   rowIdx,
			Data:       data,
			Identifier: pickIdentifier(columns, data, rowIdx),
			Timestamp:  pickTimestamp(columns, data),
		}))
		rowIdx++
	}

	schema := analyzeSchema(columns, out)
	p.logger.Info("parsed csv content",
		zap.Int("columns", len(columns)),
		zap.Int("records", len(out)),
		zap.Int("errors", len(errs)),
	)
	return out, errs, schema, nil
}

// HTTPCSVParser parses structured CSVs that carry the full HTTP column set.
type HTTPCSVParser struct {
	logger *zap.Logger
}

// NewHTTPCSVParser creates a structured HTTP log parser.
func NewHTTPCSVParser(logger *zap.Logger) *HTTPCSVParser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPCSVParser{logger: logger}
}

// Parse fails fast when required columns are absent so the caller can fall
// back to the generic parser. Bad rows are collected, not fatal.
func (p *HTTPCSVParser) Parse(r io.Reader) ([]records.Record, []string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, nil, errors.New("csv file has no headers")
	}
	index := make(map[string]int, len(header))
	for i, c := range header {
		index[strings.TrimSpace(c)] = i
	}
	var missing []string
	for _, f := range httpRequiredFields {
		if _, ok := index[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return nil, nil, fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}

	var out []records.Record
	var errs []string
	line := 2
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("Line %d: %v", line, err))
			line++
			continue
		}
		field := func(name string) string {
			i := index[name]
			if i < len(row) {
				return strings.TrimSpace(row[i])
			}
			return ""
		}
		status, serr := strconv.Atoi(field("status_code"))
		size, zerr := strconv.Atoi(field("response_size"))
		duration, derr := strconv.Atoi(field("duration"))
		if serr != nil || zerr != nil || derr != nil {
			errs = append(errs, fmt.Sprintf("Line %d: non-numeric status, size or duration", line))
			line++
			continue
		}
		raw := make(map[string]string, len(header))
		for i, c := range header {
			if i < len(row) {
				raw[strings.TrimSpace(c)] = row[i]
			}
		}
		out = append(out, records.NewHTTP(records.HTTPRecord{
			Timestamp:    field("timestamp"),
			ClientIP:     field("client_ip"),
			Method:       strings.ToUpper(field("method")),
			URI:          field("uri"),
			StatusCode:   status,
			ResponseSize: size,
			Duration:     duration,
			UserAgent:    field("user_agent"),
			Raw:          raw,
		}))
		line++
	}

	p.logger.Info("parsed http csv content",
		zap.Int("records", len(out)),
		zap.Int("errors", len(errs)),
	)
	return out, errs, nil
}

// pickIdentifier scans columns in header order for the first name containing
// a priority key, falling back to the first column's value, then a row tag.
func pickIdentifier(columns []string, data map[string]string, rowIdx int) string {
	for _, key := range identifierKeys {
		for _, col := range columns {
			if strings.Contains(strings.ToLower(col), key) {
				return data[col]
			}
		}
	}
	if len(columns) > 0 {
		return data[columns[0]]
	}
	return fmt.Sprintf("row_%d", rowIdx)
}

func pickTimestamp(columns []string, data map[string]string) string {
	for _, key := range timestampKeys {
		for _, col := range columns {
			if strings.Contains(strings.ToLower(col), key) {
				return data[col]
			}
		}
	}
	return ""
}

// analyzeSchema samples up to 100 records and classifies each column as
// numeric when more than 80% of its non-empty values parse as floats.
func analyzeSchema(columns []string, recs []records.Record) *Schema {
	schema := &Schema{
		Columns:      columns,
		Types:        make(map[string]string),
		TotalColumns: len(columns),
		TotalRecords: len(recs),
	}
	if len(recs) == 0 {
		return schema
	}

	sample := recs
	if len(sample) > 100 {
		sample = sample[:100]
	}
	for _, col := range columns {
		var values []string
		for _, rec := range sample {
			v := rec.Generic.Data[col]
			if v != "" && v != "None" {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			schema.Types[col] = "empty"
			continue
		}
		numeric := 0
		for _, v := range values {
			if _, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				numeric++
			}
		}
		if float64(numeric)/float64(len(values)) > 0.8 {
			schema.Types[col] = "numeric"
			schema.NumericColumns = append(schema.NumericColumns, col)
		} else {
			schema.Types[col] = "categorical"
			schema.CategoricalColumns = append(schema.CategoricalColumns, col)
		}
	}
	return schema
}

// Package parsing turns uploaded log and CSV content into typed records.
// The universal parser tries formats from most to least specific: raw syslog
// entries, then structured HTTP CSVs, then any CSV at all. The record kind
// is fixed here, at parse time; downstream layers never sniff formats.
package parsing

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/records"
)

// File types reported by Parse.
const (
	FileTypeHTTP    = "http"
	FileTypeGeneric = "generic"
)

// supportedExtensions for uploads.
var supportedExtensions = map[string]bool{
	".log": true,
	".txt": true,
	".csv": true,
}

// Result is the outcome of parsing one upload.
type Result struct {
	Records  []records.Record `json:"-"`
	Errors   []string         `json:"errors,omitempty"`
	FileType string           `json:"file_type"`
	Schema   *Schema          `json:"schema,omitempty"`
}

// Parser is the universal entry point over the three format parsers.
type Parser struct {
	syslog  *SyslogParser
	httpCSV *HTTPCSVParser
	csv     *CSVParser
	logger  *zap.Logger
}

// NewParser creates a universal parser.
func NewParser(logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{
		syslog:  NewSyslogParser(logger),
		httpCSV: NewHTTPCSVParser(logger),
		csv:     NewCSVParser(logger),
		logger:  logger,
	}
}

// Parse dispatches on content, not extension: syslog first since raw log
// files are not CSV, then the structured HTTP layout, then the generic CSV
// fallback. The filename only gates the allowed extensions.
func (p *Parser) Parse(filename string, content []byte) (*Result, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !supportedExtensions[ext] {
		return nil, fmt.Errorf("unsupported file type: %q", ext)
	}

	if recs, errs := p.syslog.Parse(string(content)); len(recs) > 0 {
		p.logger.Info("parsed as syslog format", zap.Int("records", len(recs)))
		return &Result{Records: recs, Errors: errs, FileType: FileTypeHTTP}, nil
	}

	if recs, errs, err := p.httpCSV.Parse(bytes.NewReader(content)); err == nil {
		p.logger.Info("parsed as http csv format", zap.Int("records", len(recs)))
		return &Result{Records: recs, Errors: errs, FileType: FileTypeHTTP}, nil
	}

	recs, errs, schema, err := p.csv.Parse(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("no valid records could be parsed from %s", filename)
	}
	p.logger.Info("parsed as generic csv format", zap.Int("records", len(recs)))
	return &Result{Records: recs, Errors: errs, FileType: FileTypeGeneric, Schema: schema}, nil
}

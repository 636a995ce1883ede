package parsing

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/records"
)

// Syslog access-log layouts seen in the field vary in the middle of the
// entry: port and domain present, dashes instead, a second proxy IP, and so
// on. Each layout gets its own pattern; the first match wins.

const (
	syslogHead = `<\d+>(?P<syslog_timestamp>[A-Za-z]{3}\s+\d+\s+\d+:\d+:\d+)\s+` +
		`(?P<hostname>\S+)\s+(?P<process>\S+):\s+`
	syslogRequest = `"+(?P<method>[A-Z]+)\s+(?P<uri>.+?)\s+HTTP/[\d\.]+"+\s+` +
		`(?P<status_code>\d+)\s+(?P<response_size>[\d\-]+)`
	syslogOptDuration = `(?:\s+(?P<duration>[\d\-]+))?`
	syslogTail        = `(?:\s+"+(?P<referer>[^"]*?)"+)?(?:\s+"+(?P<user_agent>[^"]*?)"+)?`
)

var syslogLayouts = []*regexp.Regexp{
	// Full layout: source and destination IPs, port, domain.
	regexp.MustCompile(syslogHead +
		`(?P<source_ip>[\d\.]+)\s+(?P<dest_ip>[\d\.]+)\s+` +
		`(?P<port>\d+)\s+(?P<domain>\S+)\s+` +
		`[^\[]*\[(?P<timestamp>[^\]]+)\]\s+` +
		syslogRequest + `\s+(?P<duration>[\d\-]+)` + syslogTail),
	// Two IPs, dashes where port and domain would be.
	regexp.MustCompile(syslogHead +
		`(?P<source_ip>[\d\.]+)\s+(?P<dest_ip>[\d\.]+)\s+-\s+-\s+` +
		`\[(?P<timestamp>[^\]]+)\]\s+` +
		syslogRequest + syslogOptDuration + syslogTail + `(?:\s+\d+)?`),
	// Two IPs with a bare port between dashes.
	regexp.MustCompile(syslogHead +
		`(?P<source_ip>[\d\.]+)\s+(?P<dest_ip>[\d\.]+)\s+-\s+(?P<port>\d+)\s+-\s+` +
		`\[(?P<timestamp>[^\]]+)\]\s+` +
		syslogRequest + syslogOptDuration + syslogTail),
	// Single IP with a domain field between dash pairs.
	regexp.MustCompile(syslogHead +
		`(?P<source_ip>[\d\.]+)\s+-\s+-\s+(?P<domain>\S+)\s+-\s+-\s+` +
		`\[(?P<timestamp>[^\]]+)\]\s+` +
		syslogRequest + syslogOptDuration + syslogTail),
	// Minimal: single IP, three dashes.
	regexp.MustCompile(syslogHead +
		`(?P<source_ip>[\d\.]+)\s+-\s+-\s+-\s+` +
		`\[(?P<timestamp>[^\]]+)\]\s+` +
		syslogRequest + syslogOptDuration + syslogTail),
	// Minimal: single IP, four dashes.
	regexp.MustCompile(syslogHead +
		`(?P<source_ip>[\d\.]+)\s+-\s+-\s+-\s+-\s+` +
		`\[(?P<timestamp>[^\]]+)\]\s+` +
		syslogRequest + syslogOptDuration + syslogTail),
	// Proxy chain: comma-separated IP list after the source.
	regexp.MustCompile(syslogHead +
		`(?P<source_ip>[\d\.]+)\s+[\d\.]+,\s+[\d\.]+\s+-\s+-\s+` +
		`\[(?P<timestamp>[^\]]+)\]\s+` +
		syslogRequest + syslogOptDuration + `(?:\s+\d+)?` + syslogTail),
}

// entryStart marks the beginning of one syslog entry.
var entryStart = regexp.MustCompile(`<\d+>[A-Za-z]{3}\s+\d+\s+\d+:\d+:\d+`)

// SyslogParser parses priority-tagged HTTP access-log entries.
type SyslogParser struct {
	logger *zap.Logger
}

// NewSyslogParser creates a syslog parser.
func NewSyslogParser(logger *zap.Logger) *SyslogParser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyslogParser{logger: logger}
}

// Parse extracts HTTP records from raw syslog content. Entries that fail
// every layout are collected as error strings; parsing never aborts on a bad
// entry. Only failures that look like HTTP entries are reported, other noise
// is skipped silently.
func (p *SyslogParser) Parse(content string) ([]records.Record, []string) {
	entries := splitEntries(content)
	var out []records.Record
	var errs []string

	for i, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		groups := matchLayouts(entry)
		if groups == nil {
			if strings.Contains(entry, "<") && strings.Contains(entry, "HTTP") {
				errs = append(errs, fmt.Sprintf("Line %d: could not parse: %s", i+1, truncate(entry, 150)))
			}
			continue
		}

		status, _ := strconv.Atoi(groups["status_code"])
		out = append(out, records.NewHTTP(records.HTTPRecord{
			Timestamp:    groups["timestamp"],
			ClientIP:     groups["source_ip"],
			Method:       strings.ToUpper(groups["method"]),
			URI:          strings.TrimSpace(strings.Trim(groups["uri"], `"`)),
			StatusCode:   status,
			ResponseSize: dashInt(groups["response_size"]),
			Duration:     dashInt(groups["duration"]),
			UserAgent:    strings.TrimSpace(strings.Trim(groups["user_agent"], `"`)),
			Raw: map[string]string{
				"hostname": groups["hostname"],
				"process":  groups["process"],
				"dest_ip":  orDefault(groups["dest_ip"], "0.0.0.0"),
				"port":     orDefault(groups["port"], "0"),
				"domain":   groups["domain"],
				"referer":  strings.TrimSpace(strings.Trim(groups["referer"], `"`)),
			},
		}))
	}

	p.logger.Info("parsed syslog content",
		zap.Int("records", len(out)),
		zap.Int("errors", len(errs)),
	)
	for _, e := range errs[:min(len(errs), 5)] {
		p.logger.Warn("syslog parse error", zap.String("detail", e))
	}
	return out, errs
}

// splitEntries slices content at each entry start marker, since entries may
// span multiple physical lines.
func splitEntries(content string) []string {
	starts := entryStart.FindAllStringIndex(content, -1)
	if len(starts) == 0 {
		return nil
	}
	entries := make([]string, 0, len(starts))
	for i, loc := range starts {
		end := len(content)
		if i+1 < len(starts) {
			end = starts[i+1][0]
		}
		entries = append(entries, content[loc[0]:end])
	}
	return entries
}

func matchLayouts(entry string) map[string]string {
	for _, re := range syslogLayouts {
		m := re.FindStringSubmatch(entry)
		if m == nil {
			continue
		}
		groups := make(map[string]string)
		for i, name := range re.SubexpNames() {
			if name != "" && i < len(m) {
				groups[name] = m[i]
			}
		}
		return groups
	}
	return nil
}

// dashInt parses a numeric field where "-" and empty both mean zero.
func dashInt(s string) int {
	if s == "" || s == "-" {
		return 0
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}

func orDefault(s, def string) string {
	if s == "" || s == "-" {
		return def
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

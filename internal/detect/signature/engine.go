// Package signature implements the first detection layer: deterministic,
// priority-ordered pattern matching for known attack syntax. The engine is
// stateless and safe to call from any number of goroutines.
package signature

import (
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Threat type labels emitted by this layer.
const (
	TypeCommandInjection    = "Command Injection"
	TypeSSTI                = "SSTI"
	TypeSQLInjection        = "SQL Injection"
	TypeXSS                 = "XSS"
	TypePathTraversal       = "Path Traversal"
	TypeSensitiveFile       = "Sensitive File Disclosure"
	TypeSSRF                = "SSRF"
	TypeIDOR                = "IDOR"
	TypePrivilegeEscalation = "Privilege Escalation"
	TypeDataExfiltration    = "Data Exfiltration"
	TypeOpenRedirect        = "Open Redirect"
	TypeReconnaissance      = "Reconnaissance"
	TypeOther               = "Other"
)

// Responses larger than this are treated as potential exfiltration even
// without a pattern match.
const exfilResponseSizeBytes = 1_000_000

// Verdict is the outcome of signature matching for one record.
type Verdict struct {
	Matched    bool     `json:"matched"`
	ThreatType string   `json:"threat_type"`
	Confidence float64  `json:"confidence"`
	Patterns   []string `json:"patterns,omitempty"`
}

// category is one priority rung: first category with any matching pattern
// wins, the rest are never consulted for that record.
type category struct {
	threatType string
	confidence float64
	patterns   []*regexp.Regexp
	// decoded categories match against the percent-decoded URI instead of
	// the raw lower-cased one.
	decoded bool
}

var cmdPatterns = compileAll(
	`rm\s+-rf`, `;\s*cat\s+/etc/`, `cat /etc`,
	`&&\s*whoami`, `\|\s*bash`, `whoami`,
	`;\s*wget`, "`cat", `; ls`, `&& ls`,
	`cmd=`, `exec\(`, `system\(`, `shell_exec`,
	`\$\{.*\}`, `bash -c`,
)

var sstiPatterns = compileAll(
	`\{\{.*\}\}`, `\$\{.*\}`, `<%.*%>`, `#\{.*\}`,
)

var sqliPatterns = compileAll(
	`sqlmap`, `union\s+select`, `union.*select`,
	`' or '1'='1`, `' or `, `--`, `;--`,
	`drop\s+table`, `insert\s+into`,
	`select\s+\*\s+from`, `select.*from`,
	`1=1`, `' or 1=1`, `admin'--`, `' or '1`,
)

var xssPatterns = compileAll(
	`<script`, `javascript:`, `onerror=`, `onload=`,
	`<iframe`, `alert\(`, `<img.*onerror`, `eval\(`,
	`document\.cookie`, `<svg.*onload`,
)

var traversalPatterns = compileAll(
	`\.\./`, `\.\.\\`, `\.\.`,
	`%2e%2e`, `%252e%252e`, `%2e`,
	`/etc/passwd`, `/etc/shadow`,
	`/proc/self`, `/windows/system32`,
	`password\.properties`, `license\.txt`,
	`cfide`, `administrator`,
	`\.\./\.\./`, `file:///`,
)

var sensitiveFilePatterns = compileAll(
	`\.env`, `\.git`, `\.svn`,
	`config\.php`, `web\.config`,
	`credentials`, `password`,
	`\.bak`, `\.backup`,
	`\.sql`, `dump\.sql`,
)

var ssrfPatterns = compileAll(
	`169\.254\.169\.254`,
	`metadata\.google\.internal`,
	`localhost`, `127\.0\.0\.1`,
	`0\.0\.0\.0`, `::1`,
	`url=http://`, `fetch\?url=`,
	`redirect.*http://`,
)

var idorPatterns = compileAll(
	`/api/user/\d{5,}`, `/profile/\d{5,}`,
	`user_id=\d{5,}`, `account=\d{5,}`,
)

var privEscPatterns = compileAll(
	`/admin`, `administrator`, `sudo`,
	`privilege`, `/root`, `escalate`,
	`role=admin`, `isadmin=true`,
)

var exfilPatterns = compileAll(
	`/export`, `/download`, `/backup`,
	`/dump`, `\.zip`, `\.tar\.gz`,
	`data=.*base64`,
)

var openRedirectPatterns = compileAll(
	`redirect\?url=http://`, `next=http://`,
	`return_to=http://`, `goto=http://`,
	`url=//evil`,
)

// badAgents are user-agent substrings associated with scanning tools.
var badAgents = []string{
	"sqlmap", "nikto", "nmap", "curl",
	"python-requests", "masscan", "metasploit",
	"burp", "scanner", "bot", "crawler",
	"acunetix", "nessus", "openvas",
}

// categories in strict priority order, highest first. Data Exfiltration and
// Reconnaissance have extra triggers handled in Evaluate.
var categories = []category{
	{threatType: TypeCommandInjection, confidence: 0.95, patterns: cmdPatterns},
	{threatType: TypeSSTI, confidence: 0.95, patterns: sstiPatterns},
	{threatType: TypeSQLInjection, confidence: 0.90, patterns: sqliPatterns},
	{threatType: TypeXSS, confidence: 0.90, patterns: xssPatterns},
	{threatType: TypePathTraversal, confidence: 0.92, patterns: traversalPatterns, decoded: true},
	{threatType: TypeSensitiveFile, confidence: 0.88, patterns: sensitiveFilePatterns},
	{threatType: TypeSSRF, confidence: 0.85, patterns: ssrfPatterns},
	{threatType: TypeIDOR, confidence: 0.75, patterns: idorPatterns},
	{threatType: TypePrivilegeEscalation, confidence: 0.80, patterns: privEscPatterns},
	{threatType: TypeDataExfiltration, confidence: 0.78, patterns: exfilPatterns},
	{threatType: TypeOpenRedirect, confidence: 0.82, patterns: openRedirectPatterns},
}

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(e))
	}
	return out
}

// Engine is the signature detection layer.
type Engine struct {
	logger *zap.Logger
}

// NewEngine creates a signature engine.
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{logger: logger}
}

// Evaluate runs signature matching on a single record. Matching is
// case-insensitive (inputs are lower-cased once); path-traversal patterns are
// tested against the percent-decoded URI, everything else against the raw
// lower-cased one. Empty URI and user agent never match.
func (e *Engine) Evaluate(uri, userAgent string, responseSize, statusCode int) Verdict {
	uriLower := strings.ToLower(uri)
	decoded := uriLower
	if d, err := url.PathUnescape(uriLower); err == nil {
		decoded = d
	}
	uaLower := strings.ToLower(userAgent)

	for _, cat := range categories {
		target := uriLower
		if cat.decoded {
			target = decoded
		}
		matched := matchPatterns(target, cat.patterns)
		if cat.threatType == TypeDataExfiltration && len(matched) == 0 && responseSize > exfilResponseSizeBytes {
			matched = []string{"large_response"}
		}
		if len(matched) > 0 {
			e.logger.Debug("signature match",
				zap.String("threat_type", cat.threatType),
				zap.Strings("patterns", matched),
			)
			return Verdict{
				Matched:    true,
				ThreatType: cat.threatType,
				Confidence: cat.confidence,
				Patterns:   matched,
			}
		}
	}

	// Lowest rung: suspicious user agents.
	if agents := matchAgents(uaLower); len(agents) > 0 {
		return Verdict{
			Matched:    true,
			ThreatType: TypeReconnaissance,
			Confidence: 0.65,
			Patterns:   agents,
		}
	}

	return Verdict{ThreatType: TypeOther}
}

func matchPatterns(text string, patterns []*regexp.Regexp) []string {
	if text == "" {
		return nil
	}
	var matched []string
	for _, p := range patterns {
		if p.MatchString(text) {
			matched = append(matched, p.String())
		}
	}
	return matched
}

func matchAgents(uaLower string) []string {
	if uaLower == "" {
		return nil
	}
	var matched []string
	for _, a := range badAgents {
		if strings.Contains(uaLower, a) {
			matched = append(matched, a)
		}
	}
	return matched
}

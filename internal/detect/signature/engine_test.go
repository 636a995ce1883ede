package signature

import "testing"

// =============================================================================
// Priority Order Tests
// =============================================================================

// TestEvaluate_PriorityOrderWins verifies that when a URI matches several
// categories, only the highest-priority one is reported. Command injection
// outranks SQL injection even though both sets of patterns match.
func TestEvaluate_PriorityOrderWins(t *testing.T) {
	e := NewEngine(nil)

	v := e.Evaluate("/search?q=1' OR '1'='1; cat /etc/passwd", "", 0, 200)
	if !v.Matched {
		t.Fatal("expected a match")
	}
	if v.ThreatType != TypeCommandInjection {
		t.Errorf("expected %q, got %q", TypeCommandInjection, v.ThreatType)
	}
	if v.Confidence != 0.95 {
		t.Errorf("expected confidence 0.95, got %v", v.Confidence)
	}
}

// TestEvaluate_CategoryConfidences verifies the fixed per-category confidence
// for a representative payload of each category.
func TestEvaluate_CategoryConfidences(t *testing.T) {
	e := NewEngine(nil)

	tests := []struct {
		name       string
		uri        string
		threatType string
		confidence float64
	}{
		{"command injection", "/cgi-bin?cmd=whoami", TypeCommandInjection, 0.95},
		{"ssti", "/render?name={{7*7}}", TypeSSTI, 0.95},
		{"sql injection", "/items?id=1 union select password from users", TypeSQLInjection, 0.90},
		{"xss", "/comment?text=<script>alert(1)</script>", TypeXSS, 0.90},
		{"path traversal", "/files/../../etc/hosts", TypePathTraversal, 0.92},
		{"sensitive file", "/app/.env", TypeSensitiveFile, 0.88},
		{"ssrf", "/fetch?url=http://169.254.169.254/latest", TypeSSRF, 0.85},
		{"idor", "/profile/1234567", TypeIDOR, 0.75},
		{"open redirect", "/login?next=http://attacker.example", TypeOpenRedirect, 0.82},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := e.Evaluate(tt.uri, "", 0, 200)
			if !v.Matched {
				t.Fatalf("expected %q to match", tt.uri)
			}
			if v.ThreatType != tt.threatType {
				t.Errorf("expected type %q, got %q", tt.threatType, v.ThreatType)
			}
			if v.Confidence != tt.confidence {
				t.Errorf("expected confidence %v, got %v", tt.confidence, v.Confidence)
			}
		})
	}
}

// TestEvaluate_CaseInsensitive verifies that upper-case payloads match the
// same as lower-case ones.
func TestEvaluate_CaseInsensitive(t *testing.T) {
	e := NewEngine(nil)

	v := e.Evaluate("/search?q=UNION SELECT * FROM users", "", 0, 200)
	if v.ThreatType != TypeSQLInjection {
		t.Errorf("expected %q, got %q", TypeSQLInjection, v.ThreatType)
	}
}

// =============================================================================
// Decoding and Special Triggers
// =============================================================================

// TestEvaluate_PercentDecodedTraversal verifies that percent-encoded dot-dot
// sequences are detected as path traversal via the decoded URI.
func TestEvaluate_PercentDecodedTraversal(t *testing.T) {
	e := NewEngine(nil)

	v := e.Evaluate("/static/%2e%2e%2f%2e%2e%2fetc%2fpasswd", "", 0, 200)
	if !v.Matched {
		t.Fatal("expected encoded traversal to match")
	}
	if v.ThreatType != TypePathTraversal {
		t.Errorf("expected %q, got %q", TypePathTraversal, v.ThreatType)
	}
}

// TestEvaluate_LargeResponseExfil verifies that a response body over the size
// threshold flags Data Exfiltration even without a pattern match.
func TestEvaluate_LargeResponseExfil(t *testing.T) {
	e := NewEngine(nil)

	v := e.Evaluate("/reports/monthly", "", 2_000_000, 200)
	if !v.Matched {
		t.Fatal("expected large response to match")
	}
	if v.ThreatType != TypeDataExfiltration {
		t.Errorf("expected %q, got %q", TypeDataExfiltration, v.ThreatType)
	}
	if v.Confidence != 0.78 {
		t.Errorf("expected confidence 0.78, got %v", v.Confidence)
	}
	if len(v.Patterns) != 1 || v.Patterns[0] != "large_response" {
		t.Errorf("expected patterns [large_response], got %v", v.Patterns)
	}
}

// TestEvaluate_ExactThresholdResponseNotExfil verifies the size trigger is
// strictly greater-than.
func TestEvaluate_ExactThresholdResponseNotExfil(t *testing.T) {
	e := NewEngine(nil)

	v := e.Evaluate("/reports/monthly", "", 1_000_000, 200)
	if v.Matched {
		t.Errorf("response at exactly the threshold should not match, got %q", v.ThreatType)
	}
}

// TestEvaluate_ReconUserAgent verifies the user-agent fallback fires only
// when no URI category matched.
func TestEvaluate_ReconUserAgent(t *testing.T) {
	e := NewEngine(nil)

	v := e.Evaluate("/index.html", "Nikto/2.1.6", 0, 200)
	if !v.Matched {
		t.Fatal("expected scanner user agent to match")
	}
	if v.ThreatType != TypeReconnaissance {
		t.Errorf("expected %q, got %q", TypeReconnaissance, v.ThreatType)
	}
	if v.Confidence != 0.65 {
		t.Errorf("expected confidence 0.65, got %v", v.Confidence)
	}
}

// TestEvaluate_URICategoryOutranksUserAgent verifies a URI match wins over
// the user-agent fallback even when both would fire.
func TestEvaluate_URICategoryOutranksUserAgent(t *testing.T) {
	e := NewEngine(nil)

	v := e.Evaluate("/items?id=1 union select 1", "sqlmap/1.7", 0, 200)
	if v.ThreatType != TypeSQLInjection {
		t.Errorf("expected %q, got %q", TypeSQLInjection, v.ThreatType)
	}
}

// =============================================================================
// Totality
// =============================================================================

// TestEvaluate_NoMatchIsOther verifies a benign record yields an unmatched
// verdict typed Other.
func TestEvaluate_NoMatchIsOther(t *testing.T) {
	e := NewEngine(nil)

	v := e.Evaluate("/products", "Mozilla/5.0 (Windows NT 10.0)", 512, 200)
	if v.Matched {
		t.Errorf("benign request should not match, got %q via %v", v.ThreatType, v.Patterns)
	}
	if v.ThreatType != TypeOther {
		t.Errorf("expected %q, got %q", TypeOther, v.ThreatType)
	}
	if v.Confidence != 0 {
		t.Errorf("expected zero confidence, got %v", v.Confidence)
	}
}

// TestEvaluate_EmptyInputs verifies empty URI and user agent never match.
func TestEvaluate_EmptyInputs(t *testing.T) {
	e := NewEngine(nil)

	v := e.Evaluate("", "", 0, 0)
	if v.Matched {
		t.Errorf("empty inputs should not match, got %q", v.ThreatType)
	}
	if v.ThreatType != TypeOther {
		t.Errorf("expected %q, got %q", TypeOther, v.ThreatType)
	}
}

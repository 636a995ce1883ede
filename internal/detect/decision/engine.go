// Package decision implements the fourth detection layer: weighted fusion of
// the signature, behavior and scoring signals into one ranked verdict per
// record, with severity enforcement for threat classes that must never be
// reported below high.
package decision

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/detect/behavior"
	"github.com/lvonguyen/threatlens/internal/detect/signature"
	"github.com/lvonguyen/threatlens/internal/records"
)

// Severity levels ordered from benign to critical.
const (
	SeverityNormal   = "normal"
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Signal weights. They sum to 1 so the fused score stays in [0,1].
const (
	signatureWeight = 0.5
	behaviorWeight  = 0.2
	mlWeight        = 0.3
)

// Severity thresholds, inclusive lower bounds.
const (
	criticalThreshold = 0.90
	highThreshold     = 0.75
	mediumThreshold   = 0.60
	lowThreshold      = 0.40
)

// Detection layer labels carried on each verdict.
const (
	LayerSignature = "Layer 1: Signature Detection"
	LayerBehavior  = "Layer 2: Behavioral Detection"
	LayerML        = "Layer 3: ML Anomaly Detection"
)

// criticalThreatTypes are threat classes whose verdicts are forced to at
// least high severity regardless of the fused score.
var criticalThreatTypes = map[string]bool{
	signature.TypeCommandInjection: true,
	signature.TypeSQLInjection:     true,
	signature.TypePathTraversal:    true,
	signature.TypeSSTI:             true,
	"RCE":                          true,
}

// UnifiedThreat is the fused verdict for one record.
type UnifiedThreat struct {
	RecordIndex int    `json:"record_index"`
	Identifier  string `json:"identifier"`
	Timestamp   string `json:"timestamp"`

	ThreatType string  `json:"threat_type"`
	Severity   string  `json:"severity"`
	RiskScore  float64 `json:"score"`

	SignatureConfidence float64 `json:"signature_confidence"`
	BehaviorConfidence  float64 `json:"behavior_confidence"`
	AnomalyScore        float64 `json:"anomaly_score"`

	DetectionLayer string `json:"detection_layer"`
	Explanation    string `json:"explanation"`

	URI          string `json:"uri"`
	StatusCode   int    `json:"status_code"`
	Method       string `json:"method"`
	Duration     int    `json:"duration"`
	ResponseSize int    `json:"response_size"`
	UserAgent    string `json:"user_agent"`
	Referer      string `json:"referer"`
}

// Confidence is the stronger of the signature and behavior confidences,
// reported alongside the fused risk score.
func (t *UnifiedThreat) Confidence() float64 {
	if t.SignatureConfidence > t.BehaviorConfidence {
		return t.SignatureConfidence
	}
	return t.BehaviorConfidence
}

// Engine fuses per-record signals into a UnifiedThreat. Stateless apart from
// a detection counter.
type Engine struct {
	logger        *zap.Logger
	decisionCount int
}

// NewEngine creates a decision engine.
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{logger: logger}
}

// DecisionCount returns the number of non-normal verdicts made so far.
func (e *Engine) DecisionCount() int { return e.decisionCount }

// Decide fuses the three layer signals for one record. mlScore is the
// batch-normalized anomaly score in [0,1] and drives the risk weighting;
// rawScore is the model's native anomaly score and is what the verdict
// reports as anomaly_score.
func (e *Engine) Decide(
	rec records.Record,
	recordIndex int,
	sig signature.Verdict,
	behav behavior.Verdict,
	mlScore, rawScore float64,
) UnifiedThreat {
	risk := sig.Confidence*signatureWeight +
		behav.Confidence*behaviorWeight +
		mlScore*mlWeight

	var threatType, layer string
	var primaryConfidence float64
	switch {
	case sig.Matched:
		threatType = sig.ThreatType
		layer = LayerSignature
		primaryConfidence = sig.Confidence
	case behav.Matched:
		threatType = behav.BehaviorType
		layer = LayerBehavior
		primaryConfidence = behav.Confidence
	default:
		threatType = signature.TypeOther
		layer = LayerML
		primaryConfidence = mlScore
	}

	severity := mapRiskToSeverity(risk)

	if criticalThreatTypes[threatType] && severityRank(severity) < severityRank(SeverityHigh) {
		e.logger.Debug("severity enforced for critical threat type",
			zap.String("threat_type", threatType),
			zap.String("from", severity),
		)
		severity = SeverityHigh
	}
	if (sig.Matched || behav.Matched) && severity == SeverityNormal {
		severity = SeverityLow
	}

	if severity != SeverityNormal {
		e.decisionCount++
	}

	return UnifiedThreat{
		RecordIndex:         recordIndex,
		Identifier:          rec.Identifier(),
		Timestamp:           rec.Timestamp(),
		ThreatType:          threatType,
		Severity:            severity,
		RiskScore:           risk,
		SignatureConfidence: sig.Confidence,
		BehaviorConfidence:  behav.Confidence,
		AnomalyScore:        rawScore,
		DetectionLayer:      layer,
		Explanation:         explain(threatType, severity, layer, primaryConfidence, sig, behav, rawScore, rec),
		URI:                 rec.URI(),
		StatusCode:          rec.StatusCode(),
		Method:              rec.Method(),
		Duration:            rec.Duration(),
		ResponseSize:        rec.ResponseSize(),
		UserAgent:           rec.UserAgent(),
		Referer:             rec.Referer(),
	}
}

func mapRiskToSeverity(risk float64) string {
	switch {
	case risk >= criticalThreshold:
		return SeverityCritical
	case risk >= highThreshold:
		return SeverityHigh
	case risk >= mediumThreshold:
		return SeverityMedium
	case risk >= lowThreshold:
		return SeverityLow
	default:
		return SeverityNormal
	}
}

// severityRank orders severities for comparison and sorting.
func severityRank(severity string) int {
	switch severity {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// SeverityAtLeast reports whether severity meets or exceeds the floor.
func SeverityAtLeast(severity, floor string) bool {
	return severityRank(severity) >= severityRank(floor)
}

// explain builds the deterministic human-readable explanation: lead line,
// detection layer, contributing signals, then notable HTTP facts, joined
// with "; ". The ml figures quote the model's raw score, not the
// batch-normalized one the risk weighting uses.
func explain(
	threatType, severity, layer string,
	confidence float64,
	sig signature.Verdict,
	behav behavior.Verdict,
	rawScore float64,
	rec records.Record,
) string {
	if severity == SeverityNormal {
		return "Normal request"
	}

	var parts []string
	if threatType != signature.TypeOther {
		parts = append(parts, fmt.Sprintf("%s detected (confidence: %.0f%%)", threatType, confidence*100))
	} else {
		parts = append(parts, fmt.Sprintf("Anomalous behavior detected (ML score: %.3f)", rawScore))
	}
	parts = append(parts, "via "+layer)

	var signals []string
	if sig.Matched {
		signals = append(signals, fmt.Sprintf("signature:%.0f%%", sig.Confidence*100))
	}
	if behav.Matched {
		signals = append(signals, fmt.Sprintf("behavior:%.0f%%", behav.Confidence*100))
	}
	if rawScore > 0 {
		signals = append(signals, fmt.Sprintf("ml:%.2f", rawScore))
	}
	if len(signals) > 0 {
		parts = append(parts, "["+strings.Join(signals, ", ")+"]")
	}

	if sc := rec.StatusCode(); sc >= 400 {
		parts = append(parts, fmt.Sprintf("HTTP %d", sc))
	}
	if size := rec.ResponseSize(); size > 500_000 {
		parts = append(parts, groupDigits(size)+" bytes")
	}
	if d := rec.Duration(); d > 3000 {
		parts = append(parts, fmt.Sprintf("%dms", d))
	}

	return strings.Join(parts, "; ")
}

// groupDigits renders n with comma thousands separators.
func groupDigits(n int) string {
	s := strconv.Itoa(n)
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}

// Package correlation implements the fifth detection layer: grouping
// per-record threats by source identifier and classifying sustained activity
// into attack campaigns.
package correlation

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/detect/decision"
	"github.com/lvonguyen/threatlens/internal/detect/signature"
)

// Campaign classifications, first match wins in this order.
const (
	CampaignAPT       = "Advanced Persistent Threat (APT)"
	CampaignAutomated = "Automated Attack Campaign"
	CampaignRecon     = "Reconnaissance Campaign"
)

// A source needs at least this many threats before campaign classification
// is attempted.
const campaignThreshold = 3

// Threat type sets used by the progression and recon patterns.
var (
	reconTypes = map[string]bool{
		signature.TypeReconnaissance: true,
		signature.TypeSensitiveFile:  true,
		signature.TypeIDOR:           true,
	}
	exploitTypes = map[string]bool{
		signature.TypeSQLInjection:     true,
		signature.TypeXSS:              true,
		signature.TypeCommandInjection: true,
		signature.TypePathTraversal:    true,
		signature.TypeSSTI:             true,
		"RCE":                          true,
		signature.TypeSSRF:             true,
	}
	exfilTypes = map[string]bool{
		signature.TypeDataExfiltration:    true,
		signature.TypePrivilegeEscalation: true,
	}
)

// Campaign is one classified attack campaign from a single source.
type Campaign struct {
	ID          string   `json:"id"`
	Identifier  string   `json:"identifier"`
	Type        string   `json:"type"`
	ThreatCount int      `json:"threat_count"`
	Severity    string   `json:"severity"`
	Description string   `json:"description"`
	ThreatTypes []string `json:"threat_types"`
}

// Summary is the outcome of one correlation pass.
type Summary struct {
	Campaigns            []Campaign `json:"campaigns"`
	TotalCampaigns       int        `json:"total_campaigns"`
	APTCampaigns         int        `json:"apt_campaigns"`
	AutomatedCampaigns   int        `json:"automated_campaigns"`
	ReconCampaigns       int        `json:"recon_campaigns"`
	AffectedIdentifiers  []string   `json:"affected_identifiers"`
	TotalThreatsAnalyzed int        `json:"total_threats_analyzed"`
	UniqueThreatSources  int        `json:"unique_threat_sources"`
}

// Engine is the campaign correlation layer. Stateless between runs.
type Engine struct {
	logger *zap.Logger
}

// NewEngine creates a correlation engine.
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{logger: logger}
}

// Analyze groups threats by identifier and classifies each source with at
// least three threats. Normal verdicts and threats without an identifier are
// ignored. Grouping preserves first-seen order so output is deterministic
// for a given input sequence.
func (e *Engine) Analyze(threats []decision.UnifiedThreat) Summary {
	byIdentifier := make(map[string][]decision.UnifiedThreat)
	var order []string
	for _, t := range threats {
		if t.Severity == decision.SeverityNormal || t.Identifier == "" {
			continue
		}
		if _, seen := byIdentifier[t.Identifier]; !seen {
			order = append(order, t.Identifier)
		}
		byIdentifier[t.Identifier] = append(byIdentifier[t.Identifier], t)
	}

	summary := Summary{
		AffectedIdentifiers: order,
		UniqueThreatSources: len(order),
	}
	for _, group := range byIdentifier {
		summary.TotalThreatsAnalyzed += len(group)
	}

	for _, id := range order {
		group := byIdentifier[id]
		if len(group) < campaignThreshold {
			continue
		}
		types := make([]string, len(group))
		for i, t := range group {
			types[i] = t.ThreatType
		}

		var c Campaign
		switch {
		case hasProgression(types):
			c = Campaign{
				Type:        CampaignAPT,
				Severity:    "CRITICAL",
				Description: fmt.Sprintf("Multi-stage attack: %s", strings.Join(dedupe(types[:campaignThreshold]), " -> ")),
			}
			summary.APTCampaigns++
			e.logger.Warn("apt campaign detected",
				zap.String("identifier", id),
				zap.Int("threats", len(group)),
			)
		case hasRepeatedType(types):
			c = Campaign{
				Type:        CampaignAutomated,
				Severity:    "HIGH",
				Description: fmt.Sprintf("Repeated attacks: %d threats from same source", len(group)),
			}
			summary.AutomatedCampaigns++
			e.logger.Warn("automated campaign detected",
				zap.String("identifier", id),
				zap.Int("threats", len(group)),
			)
		case hasReconPattern(types):
			c = Campaign{
				Type:        CampaignRecon,
				Severity:    "MEDIUM",
				Description: fmt.Sprintf("Scanning activity: %d reconnaissance attempts", len(group)),
			}
			summary.ReconCampaigns++
			e.logger.Info("reconnaissance campaign detected",
				zap.String("identifier", id),
				zap.Int("threats", len(group)),
			)
		default:
			continue
		}

		c.ID = uuid.NewString()
		c.Identifier = id
		c.ThreatCount = len(group)
		c.ThreatTypes = dedupe(types)
		summary.Campaigns = append(summary.Campaigns, c)
	}

	summary.TotalCampaigns = len(summary.Campaigns)
	return summary
}

// hasProgression reports the APT pattern: at least one threat in each of the
// recon, exploit and exfil stages.
func hasProgression(types []string) bool {
	var recon, exploit, exfil bool
	for _, t := range types {
		recon = recon || reconTypes[t]
		exploit = exploit || exploitTypes[t]
		exfil = exfil || exfilTypes[t]
	}
	return recon && exploit && exfil
}

// hasRepeatedType reports whether any single threat type occurs three or
// more times, the signature of an automated tool.
func hasRepeatedType(types []string) bool {
	counts := make(map[string]int)
	for _, t := range types {
		counts[t]++
		if counts[t] >= 3 {
			return true
		}
	}
	return false
}

// hasReconPattern reports whether at least 70% of the threats are in the
// reconnaissance set.
func hasReconPattern(types []string) bool {
	recon := 0
	for _, t := range types {
		if reconTypes[t] {
			recon++
		}
	}
	return float64(recon) >= float64(len(types))*0.7
}

// dedupe removes duplicates preserving first occurrence.
func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

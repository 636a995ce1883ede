package detect

import (
	"math"

	"github.com/lvonguyen/threatlens/internal/detect/decision"
)

// Statistics summarizes one detection run. Distributions count only the
// surfaced threats, so the low and normal severity buckets are always zero;
// they are kept in the map to make the filtering explicit to API consumers.
type Statistics struct {
	TotalRecords     int            `json:"total_records"`
	TotalThreats     int            `json:"total_threats"`
	SeverityCounts   map[string]int `json:"severity_distribution"`
	ThreatTypeCounts map[string]int `json:"threat_type_distribution"`
	LayerCounts      map[string]int `json:"layer_distribution"`
	MeanRiskScore    float64        `json:"mean_risk_score"`
	StdRiskScore     float64        `json:"std_risk_score"`
	UniqueSources    int            `json:"unique_sources"`
}

// computeStatistics builds run statistics from the surfaced threats.
func computeStatistics(totalRecords, uniqueSources int, surfaced []decision.UnifiedThreat) Statistics {
	stats := Statistics{
		TotalRecords:  totalRecords,
		TotalThreats:  len(surfaced),
		UniqueSources: uniqueSources,
		SeverityCounts: map[string]int{
			decision.SeverityCritical: 0,
			decision.SeverityHigh:     0,
			decision.SeverityMedium:   0,
			decision.SeverityLow:      0,
			decision.SeverityNormal:   0,
		},
		ThreatTypeCounts: make(map[string]int),
		LayerCounts:      make(map[string]int),
	}

	if len(surfaced) == 0 {
		return stats
	}

	var sum float64
	for _, t := range surfaced {
		stats.SeverityCounts[t.Severity]++
		stats.ThreatTypeCounts[t.ThreatType]++
		stats.LayerCounts[t.DetectionLayer]++
		sum += t.RiskScore
	}
	mean := sum / float64(len(surfaced))

	var variance float64
	for _, t := range surfaced {
		d := t.RiskScore - mean
		variance += d * d
	}
	stats.MeanRiskScore = mean
	stats.StdRiskScore = math.Sqrt(variance / float64(len(surfaced)))
	return stats
}

// Package enrichment is the optional intelligence layer that runs after
// detection. It clusters the surfaced threats per source, asks a language
// model for behavioral analysis of the worst clusters, and flags anomalous
// records no signature explained. The layer never assigns severity and never
// overrides a detection verdict; every failure degrades to a payload that
// says so instead of failing the run.
package enrichment

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/detect/decision"
	"github.com/lvonguyen/threatlens/internal/detect/signature"
	"github.com/lvonguyen/threatlens/internal/observability"
)

const (
	// Sources need at least this many surfaced threats to form a cluster.
	minClusterThreats = 3
	// Cost controls.
	maxClustersPerRun = 10
	maxSampleRequests = 5
	// Novel pattern criteria: strongly anomalous but unexplained.
	novelScoreThreshold = 0.8
	maxNovelPatterns    = 5

	clusterTimeWindow = "5 minutes"

	systemPrompt = "You are a cybersecurity threat intelligence analyst providing behavioral insights on detected threats."
)

// Cluster groups one source's surfaced threats for analysis.
type Cluster struct {
	Identifier      string          `json:"identifier"`
	ThreatTypes     []string        `json:"threat_types"`
	RequestCount    int             `json:"request_count"`
	TimeWindow      string          `json:"time_window"`
	AvgAnomalyScore float64         `json:"avg_anomaly_score"`
	SeverityCounts  map[string]int  `json:"severity_distribution"`
	Samples         []SampleRequest `json:"sample_logs"`
}

// SampleRequest is one representative request shown to the analyst model.
type SampleRequest struct {
	URI        string `json:"uri"`
	Method     string `json:"method"`
	ThreatType string `json:"threat_type"`
	Severity   string `json:"severity"`
	Timestamp  string `json:"timestamp"`
}

// Insight is the model's analysis of one cluster.
type Insight struct {
	ClusterIdentifier string    `json:"cluster_identifier"`
	ThreatTypes       []string  `json:"threat_types"`
	RequestCount      int       `json:"request_count"`
	Analysis          string    `json:"llm_analysis"`
	Model             string    `json:"llm_model"`
	AnalyzedAt        time.Time `json:"analyzed_at"`
	Cached            bool      `json:"cached"`
}

// NovelPattern is a strongly anomalous record with no signature explanation.
type NovelPattern struct {
	URI            string  `json:"uri"`
	Identifier     string  `json:"identifier"`
	AnomalyScore   float64 `json:"anomaly_score"`
	Timestamp      string  `json:"timestamp"`
	DetectionLayer string  `json:"detection_layer"`
}

// Insights is the enrichment payload attached to a detection report.
type Insights struct {
	Enabled               bool           `json:"enabled"`
	ClustersAnalyzed      int            `json:"clusters_analyzed"`
	NovelPatternsDetected int            `json:"novel_patterns_detected"`
	LLMInsights           []Insight      `json:"llm_insights"`
	NovelPatterns         []NovelPattern `json:"novel_patterns,omitempty"`
}

// Service runs enrichment over detection results. A nil client disables the
// layer entirely.
type Service struct {
	client  ChatClient
	cache   *Cache
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewService creates an enrichment service. client and cache may be nil;
// with a nil client Enrich always returns the disabled payload.
func NewService(client ChatClient, cache *Cache, logger *zap.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		client:  client,
		cache:   cache,
		logger:  logger,
		metrics: metrics,
	}
}

// Enabled reports whether a model backend is configured.
func (s *Service) Enabled() bool { return s.client != nil }

// Enrich analyzes the surfaced threats from one run. Cluster analysis
// failures are logged and skipped; the rest of the payload still returns.
func (s *Service) Enrich(ctx context.Context, threats []decision.UnifiedThreat) Insights {
	if s.client == nil {
		return Insights{LLMInsights: []Insight{}}
	}

	actionable := filterActionable(threats)
	out := Insights{Enabled: true, LLMInsights: []Insight{}}
	if len(actionable) == 0 {
		return out
	}

	clusters := BuildClusters(actionable)
	for _, cluster := range clusters {
		insight, err := s.analyzeCluster(ctx, cluster)
		if err != nil {
			s.logger.Error("cluster analysis failed",
				zap.String("identifier", cluster.Identifier),
				zap.Error(err),
			)
			s.countRequest("error")
			continue
		}
		out.LLMInsights = append(out.LLMInsights, insight)
	}
	out.ClustersAnalyzed = len(clusters)

	novel := detectNovelPatterns(actionable)
	out.NovelPatternsDetected = len(novel)
	if len(novel) > maxNovelPatterns {
		novel = novel[:maxNovelPatterns]
	}
	out.NovelPatterns = novel

	s.logger.Info("enrichment complete",
		zap.Int("clusters", out.ClustersAnalyzed),
		zap.Int("insights", len(out.LLMInsights)),
		zap.Int("novel_patterns", out.NovelPatternsDetected),
	)
	return out
}

func (s *Service) analyzeCluster(ctx context.Context, cluster Cluster) (Insight, error) {
	prompt := buildPrompt(cluster)

	if s.cache != nil {
		if analysis, tier, ok := s.cache.Get(ctx, prompt); ok {
			s.countCacheHit(tier)
			return Insight{
				ClusterIdentifier: cluster.Identifier,
				ThreatTypes:       cluster.ThreatTypes,
				RequestCount:      cluster.RequestCount,
				Analysis:          analysis,
				Model:             s.client.Model(),
				AnalyzedAt:        time.Now().UTC(),
				Cached:            true,
			}, nil
		}
	}

	analysis, err := s.client.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return Insight{}, err
	}
	s.countRequest("ok")

	if s.cache != nil {
		s.cache.Set(ctx, prompt, analysis)
	}
	return Insight{
		ClusterIdentifier: cluster.Identifier,
		ThreatTypes:       cluster.ThreatTypes,
		RequestCount:      cluster.RequestCount,
		Analysis:          analysis,
		Model:             s.client.Model(),
		AnalyzedAt:        time.Now().UTC(),
	}, nil
}

// filterActionable keeps medium and above. Callers normally pass the already
// filtered threat list; this guards direct use.
func filterActionable(threats []decision.UnifiedThreat) []decision.UnifiedThreat {
	out := make([]decision.UnifiedThreat, 0, len(threats))
	for _, t := range threats {
		if decision.SeverityAtLeast(t.Severity, decision.SeverityMedium) {
			out = append(out, t)
		}
	}
	return out
}

// BuildClusters groups threats by source identifier, keeps sources with at
// least three threats, and returns the worst clusters first, capped for cost
// control.
func BuildClusters(threats []decision.UnifiedThreat) []Cluster {
	grouped := make(map[string][]decision.UnifiedThreat)
	var order []string
	for _, t := range threats {
		if t.Identifier == "" {
			continue
		}
		if _, seen := grouped[t.Identifier]; !seen {
			order = append(order, t.Identifier)
		}
		grouped[t.Identifier] = append(grouped[t.Identifier], t)
	}

	var clusters []Cluster
	for _, id := range order {
		group := grouped[id]
		if len(group) < minClusterThreats {
			continue
		}
		clusters = append(clusters, newCluster(id, group))
	}

	sort.SliceStable(clusters, func(i, j int) bool {
		a, b := clusters[i], clusters[j]
		if a.SeverityCounts[decision.SeverityCritical] != b.SeverityCounts[decision.SeverityCritical] {
			return a.SeverityCounts[decision.SeverityCritical] > b.SeverityCounts[decision.SeverityCritical]
		}
		if a.SeverityCounts[decision.SeverityHigh] != b.SeverityCounts[decision.SeverityHigh] {
			return a.SeverityCounts[decision.SeverityHigh] > b.SeverityCounts[decision.SeverityHigh]
		}
		return a.RequestCount > b.RequestCount
	})

	if len(clusters) > maxClustersPerRun {
		clusters = clusters[:maxClustersPerRun]
	}
	return clusters
}

func newCluster(id string, group []decision.UnifiedThreat) Cluster {
	c := Cluster{
		Identifier:     id,
		RequestCount:   len(group),
		TimeWindow:     clusterTimeWindow,
		SeverityCounts: make(map[string]int),
	}

	seenTypes := make(map[string]bool)
	var sum float64
	for _, t := range group {
		if !seenTypes[t.ThreatType] {
			seenTypes[t.ThreatType] = true
			c.ThreatTypes = append(c.ThreatTypes, t.ThreatType)
		}
		c.SeverityCounts[t.Severity]++
		sum += t.RiskScore

		if len(c.Samples) < maxSampleRequests {
			c.Samples = append(c.Samples, SampleRequest{
				URI:        t.URI,
				Method:     t.Method,
				ThreatType: t.ThreatType,
				Severity:   t.Severity,
				Timestamp:  t.Timestamp,
			})
		}
	}
	c.AvgAnomalyScore = sum / float64(len(group))
	return c
}

// detectNovelPatterns flags strongly anomalous records the signature layer
// could not classify.
func detectNovelPatterns(threats []decision.UnifiedThreat) []NovelPattern {
	var out []NovelPattern
	for _, t := range threats {
		if t.RiskScore > novelScoreThreshold && t.ThreatType == signature.TypeOther {
			out = append(out, NovelPattern{
				URI:            t.URI,
				Identifier:     t.Identifier,
				AnomalyScore:   t.RiskScore,
				Timestamp:      t.Timestamp,
				DetectionLayer: t.DetectionLayer,
			})
		}
	}
	return out
}

// buildPrompt renders a cluster into the analyst prompt. The rendering is
// fully deterministic so identical clusters hit the cache.
func buildPrompt(c Cluster) string {
	var b strings.Builder
	b.WriteString("You are a cybersecurity threat analyst. Analyze this threat cluster and provide behavioral insights.\n\n")
	b.WriteString("**Threat Cluster Summary:**\n")
	fmt.Fprintf(&b, "- Source IP: %s\n", c.Identifier)
	fmt.Fprintf(&b, "- Threat Types Detected: %s\n", strings.Join(c.ThreatTypes, ", "))
	fmt.Fprintf(&b, "- Total Requests: %d\n", c.RequestCount)
	fmt.Fprintf(&b, "- Time Window: %s\n", c.TimeWindow)
	fmt.Fprintf(&b, "- Average Anomaly Score: %.3f\n", c.AvgAnomalyScore)
	fmt.Fprintf(&b, "- Severity Distribution: %s\n", formatSeverityCounts(c.SeverityCounts))

	b.WriteString("\n**Sample Attack Requests:**\n")
	for i, sample := range c.Samples {
		fmt.Fprintf(&b, "\n%d. [%s] %s %s", i+1, sample.ThreatType, sample.Method, sample.URI)
	}

	b.WriteString("\n\n**Analysis Required:**\n")
	b.WriteString("1. What attack pattern does this resemble?\n")
	b.WriteString("2. Is there a multi-stage attack pattern visible?\n")
	b.WriteString("3. Does this indicate automated or manual attack?\n")
	b.WriteString("4. What is the likely attacker objective?\n")
	b.WriteString("5. Are there any novel or unusual threat patterns?\n")
	b.WriteString("6. Risk assessment summary for SOC analysts\n")
	b.WriteString("\nProvide concise, actionable insights in 3-4 sentences.")
	return b.String()
}

// formatSeverityCounts renders counts in fixed severity order so the prompt
// is stable across runs.
func formatSeverityCounts(counts map[string]int) string {
	order := []string{
		decision.SeverityCritical,
		decision.SeverityHigh,
		decision.SeverityMedium,
		decision.SeverityLow,
		decision.SeverityNormal,
	}
	var parts []string
	for _, sev := range order {
		if n := counts[sev]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s: %d", sev, n))
		}
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func (s *Service) countRequest(status string) {
	if s.metrics != nil {
		s.metrics.EnrichmentRequests.WithLabelValues(status).Inc()
	}
}

func (s *Service) countCacheHit(tier string) {
	if s.metrics != nil {
		s.metrics.EnrichmentCacheHit.WithLabelValues(tier).Inc()
	}
}

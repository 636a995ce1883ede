package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lvonguyen/threatlens/internal/detect/decision"
	"github.com/lvonguyen/threatlens/internal/detect/signature"
)

// fakeClient returns canned analyses and records every prompt it sees.
type fakeClient struct {
	prompts []string
	reply   string
	err     error
}

func (f *fakeClient) Complete(_ context.Context, _, user string) (string, error) {
	f.prompts = append(f.prompts, user)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeClient) Model() string { return "test-model" }

func threat(id, threatType, severity string, score float64) decision.UnifiedThreat {
	return decision.UnifiedThreat{
		Identifier:     id,
		ThreatType:     threatType,
		Severity:       severity,
		RiskScore:      score,
		URI:            "/lookup",
		Method:         "GET",
		DetectionLayer: decision.LayerSignature,
	}
}

// =============================================================================
// Clustering
// =============================================================================

// TestBuildClusters_MinimumSize verifies sources below three threats never
// form a cluster.
func TestBuildClusters_MinimumSize(t *testing.T) {
	threats := []decision.UnifiedThreat{
		threat("10.0.0.1", signature.TypeSQLInjection, decision.SeverityHigh, 0.8),
		threat("10.0.0.1", signature.TypeSQLInjection, decision.SeverityHigh, 0.8),
		threat("10.0.0.2", signature.TypeXSS, decision.SeverityHigh, 0.8),
		threat("10.0.0.2", signature.TypeXSS, decision.SeverityHigh, 0.8),
		threat("10.0.0.2", signature.TypeXSS, decision.SeverityHigh, 0.8),
	}

	clusters := BuildClusters(threats)
	if len(clusters) != 1 {
		t.Fatalf("expected 1 cluster, got %d", len(clusters))
	}
	if clusters[0].Identifier != "10.0.0.2" {
		t.Errorf("unexpected cluster identifier %q", clusters[0].Identifier)
	}
	if clusters[0].RequestCount != 3 {
		t.Errorf("request count %d, want 3", clusters[0].RequestCount)
	}
}

// TestBuildClusters_WorstFirst verifies ordering by critical count, then
// high count, then size.
func TestBuildClusters_WorstFirst(t *testing.T) {
	var threats []decision.UnifiedThreat
	// Big but all-medium cluster.
	for i := 0; i < 6; i++ {
		threats = append(threats, threat("10.0.0.1", signature.TypeIDOR, decision.SeverityMedium, 0.6))
	}
	// Small cluster with a critical.
	threats = append(threats,
		threat("10.0.0.2", signature.TypeCommandInjection, decision.SeverityCritical, 0.95),
		threat("10.0.0.2", signature.TypeCommandInjection, decision.SeverityHigh, 0.8),
		threat("10.0.0.2", signature.TypeCommandInjection, decision.SeverityHigh, 0.8),
	)

	clusters := BuildClusters(threats)
	if len(clusters) != 2 {
		t.Fatalf("expected 2 clusters, got %d", len(clusters))
	}
	if clusters[0].Identifier != "10.0.0.2" {
		t.Errorf("critical cluster should rank first, got %q", clusters[0].Identifier)
	}
}

// TestBuildClusters_Cap verifies the per-run cluster cap.
func TestBuildClusters_Cap(t *testing.T) {
	var threats []decision.UnifiedThreat
	for i := 0; i < 15; i++ {
		id := fmt.Sprintf("10.0.1.%d", i)
		for j := 0; j < 3; j++ {
			threats = append(threats, threat(id, signature.TypeXSS, decision.SeverityHigh, 0.8))
		}
	}

	clusters := BuildClusters(threats)
	if len(clusters) != maxClustersPerRun {
		t.Errorf("expected %d clusters, got %d", maxClustersPerRun, len(clusters))
	}
}

// TestBuildClusters_DedupesTypes verifies threat types are listed once, in
// first-seen order, while samples stay capped.
func TestBuildClusters_DedupesTypes(t *testing.T) {
	var threats []decision.UnifiedThreat
	for i := 0; i < 7; i++ {
		tt := signature.TypeSQLInjection
		if i%2 == 1 {
			tt = signature.TypeXSS
		}
		threats = append(threats, threat("10.0.0.9", tt, decision.SeverityHigh, 0.8))
	}

	clusters := BuildClusters(threats)
	if len(clusters) != 1 {
		t.Fatalf("expected 1 cluster, got %d", len(clusters))
	}
	c := clusters[0]
	if len(c.ThreatTypes) != 2 || c.ThreatTypes[0] != signature.TypeSQLInjection || c.ThreatTypes[1] != signature.TypeXSS {
		t.Errorf("unexpected threat types %v", c.ThreatTypes)
	}
	if len(c.Samples) != maxSampleRequests {
		t.Errorf("expected %d samples, got %d", maxSampleRequests, len(c.Samples))
	}
}

// TestBuildClusters_SkipsEmptyIdentifier verifies threats without a source
// identifier never cluster.
func TestBuildClusters_SkipsEmptyIdentifier(t *testing.T) {
	threats := []decision.UnifiedThreat{
		threat("", signature.TypeXSS, decision.SeverityHigh, 0.8),
		threat("", signature.TypeXSS, decision.SeverityHigh, 0.8),
		threat("", signature.TypeXSS, decision.SeverityHigh, 0.8),
	}
	if clusters := BuildClusters(threats); len(clusters) != 0 {
		t.Errorf("expected no clusters, got %d", len(clusters))
	}
}

// =============================================================================
// Prompt Rendering
// =============================================================================

// TestBuildPrompt_Deterministic verifies the same cluster always renders the
// same prompt, which the cache key depends on.
func TestBuildPrompt_Deterministic(t *testing.T) {
	threats := []decision.UnifiedThreat{
		threat("10.0.0.3", signature.TypeSQLInjection, decision.SeverityCritical, 0.95),
		threat("10.0.0.3", signature.TypeXSS, decision.SeverityHigh, 0.8),
		threat("10.0.0.3", signature.TypePathTraversal, decision.SeverityHigh, 0.85),
	}

	first := buildPrompt(BuildClusters(threats)[0])
	for i := 0; i < 5; i++ {
		if got := buildPrompt(BuildClusters(threats)[0]); got != first {
			t.Fatal("prompt rendering is not deterministic")
		}
	}

	for _, want := range []string{
		"Source IP: 10.0.0.3",
		"Total Requests: 3",
		"Severity Distribution: {critical: 1, high: 2}",
		"1. [SQL Injection] GET /lookup",
		"Provide concise, actionable insights in 3-4 sentences.",
	} {
		if !strings.Contains(first, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

// =============================================================================
// Enrich
// =============================================================================

func clusterableThreats(id string) []decision.UnifiedThreat {
	return []decision.UnifiedThreat{
		threat(id, signature.TypeSQLInjection, decision.SeverityHigh, 0.8),
		threat(id, signature.TypeSQLInjection, decision.SeverityHigh, 0.8),
		threat(id, signature.TypeSQLInjection, decision.SeverityHigh, 0.8),
	}
}

// TestEnrich_Disabled verifies the nil-client service returns the disabled
// payload without touching anything.
func TestEnrich_Disabled(t *testing.T) {
	svc := NewService(nil, nil, nil, nil)
	out := svc.Enrich(context.Background(), clusterableThreats("10.0.0.4"))

	if out.Enabled {
		t.Error("expected disabled payload")
	}
	if out.ClustersAnalyzed != 0 || len(out.LLMInsights) != 0 {
		t.Errorf("disabled payload carried analysis: %+v", out)
	}
}

// TestEnrich_AnalyzesClusters verifies the happy path produces one insight
// per cluster.
func TestEnrich_AnalyzesClusters(t *testing.T) {
	client := &fakeClient{reply: "Automated SQL injection sweep."}
	svc := NewService(client, nil, nil, nil)

	out := svc.Enrich(context.Background(), clusterableThreats("10.0.0.5"))
	if !out.Enabled {
		t.Fatal("expected enabled payload")
	}
	if out.ClustersAnalyzed != 1 || len(out.LLMInsights) != 1 {
		t.Fatalf("expected 1 cluster and 1 insight, got %d and %d", out.ClustersAnalyzed, len(out.LLMInsights))
	}
	insight := out.LLMInsights[0]
	if insight.Analysis != "Automated SQL injection sweep." {
		t.Errorf("unexpected analysis %q", insight.Analysis)
	}
	if insight.Model != "test-model" {
		t.Errorf("unexpected model %q", insight.Model)
	}
	if insight.Cached {
		t.Error("first analysis must not report cached")
	}
}

// TestEnrich_ClientFailureDegrades verifies a failing backend still returns
// the rest of the payload.
func TestEnrich_ClientFailureDegrades(t *testing.T) {
	client := &fakeClient{err: errors.New("backend down")}
	svc := NewService(client, nil, nil, nil)

	threats := clusterableThreats("10.0.0.6")
	threats = append(threats, decision.UnifiedThreat{
		Identifier:     "10.0.0.7",
		ThreatType:     signature.TypeOther,
		Severity:       decision.SeverityMedium,
		RiskScore:      0.92,
		URI:            "/odd",
		DetectionLayer: decision.LayerML,
	})

	out := svc.Enrich(context.Background(), threats)
	if !out.Enabled {
		t.Fatal("expected enabled payload")
	}
	if len(out.LLMInsights) != 0 {
		t.Errorf("expected no insights on backend failure, got %d", len(out.LLMInsights))
	}
	if out.ClustersAnalyzed != 1 {
		t.Errorf("cluster count should still report, got %d", out.ClustersAnalyzed)
	}
	if out.NovelPatternsDetected != 1 {
		t.Errorf("novel patterns should still report, got %d", out.NovelPatternsDetected)
	}
}

// TestEnrich_CacheHit verifies the second identical run is served from cache
// without a second backend call.
func TestEnrich_CacheHit(t *testing.T) {
	cache, err := NewCache(nil, 16, time.Minute, nil)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	client := &fakeClient{reply: "Repeated injection attempts."}
	svc := NewService(client, cache, nil, nil)

	threats := clusterableThreats("10.0.0.8")
	first := svc.Enrich(context.Background(), threats)
	second := svc.Enrich(context.Background(), threats)

	if len(client.prompts) != 1 {
		t.Fatalf("expected 1 backend call, got %d", len(client.prompts))
	}
	if first.LLMInsights[0].Cached {
		t.Error("first run must not be cached")
	}
	if !second.LLMInsights[0].Cached {
		t.Error("second run must be cached")
	}
	if second.LLMInsights[0].Analysis != first.LLMInsights[0].Analysis {
		t.Error("cached analysis differs from original")
	}
}

// TestDetectNovelPatterns verifies the criteria: anomalous and unexplained,
// capped at five in the payload.
func TestDetectNovelPatterns(t *testing.T) {
	var threats []decision.UnifiedThreat
	for i := 0; i < 8; i++ {
		threats = append(threats, decision.UnifiedThreat{
			Identifier:     fmt.Sprintf("10.0.2.%d", i),
			ThreatType:     signature.TypeOther,
			Severity:       decision.SeverityMedium,
			RiskScore:      0.92,
			URI:            "/odd",
			DetectionLayer: decision.LayerML,
		})
	}
	// Anomalous but explained, and unexplained but mild: neither counts.
	threats = append(threats,
		threat("10.0.3.1", signature.TypeSQLInjection, decision.SeverityCritical, 0.95),
		decision.UnifiedThreat{
			Identifier: "10.0.3.2",
			ThreatType: signature.TypeOther,
			Severity:   decision.SeverityMedium,
			RiskScore:  0.7,
		},
	)

	client := &fakeClient{reply: "ok"}
	out := NewService(client, nil, nil, nil).Enrich(context.Background(), threats)

	if out.NovelPatternsDetected != 8 {
		t.Errorf("expected 8 detected, got %d", out.NovelPatternsDetected)
	}
	if len(out.NovelPatterns) != maxNovelPatterns {
		t.Errorf("expected payload capped at %d, got %d", maxNovelPatterns, len(out.NovelPatterns))
	}
}

// =============================================================================
// HTTP Client
// =============================================================================

// TestOpenAIClient_Complete verifies the wire format against a stub server.
func TestOpenAIClient_Complete(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "analysis text"}},
			},
		})
	}))
	defer server.Close()

	t.Setenv("OPENAI_API_KEY", "test-key")
	cfg := DefaultClientConfig()
	cfg.BaseURL = server.URL
	client, err := NewOpenAIClient(cfg, nil)
	if err != nil {
		t.Fatalf("NewOpenAIClient: %v", err)
	}

	reply, err := client.Complete(context.Background(), "system text", "user text")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if reply != "analysis text" {
		t.Errorf("unexpected reply %q", reply)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("unexpected auth header %q", gotAuth)
	}
	if gotBody["model"] != "gpt-4o-mini" {
		t.Errorf("unexpected model %v", gotBody["model"])
	}
	msgs, _ := gotBody["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
}

// TestOpenAIClient_ErrorStatus verifies non-2xx responses become errors.
func TestOpenAIClient_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	t.Setenv("OPENAI_API_KEY", "test-key")
	cfg := DefaultClientConfig()
	cfg.BaseURL = server.URL
	client, err := NewOpenAIClient(cfg, nil)
	if err != nil {
		t.Fatalf("NewOpenAIClient: %v", err)
	}

	if _, err := client.Complete(context.Background(), "s", "u"); err == nil {
		t.Error("expected error on 429 response")
	}
}

// TestOpenAIClient_MissingKey verifies construction fails without the key.
func TestOpenAIClient_MissingKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	cfg := DefaultClientConfig()
	cfg.BaseURL = "http://localhost:9"
	if _, err := NewOpenAIClient(cfg, nil); err == nil {
		t.Error("expected error when key env is unset")
	}
}

// =============================================================================
// Cache
// =============================================================================

// TestCache_LocalTier verifies the in-memory tier works without Redis.
func TestCache_LocalTier(t *testing.T) {
	cache, err := NewCache(nil, 4, time.Minute, nil)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}

	if _, _, ok := cache.Get(context.Background(), "prompt-a"); ok {
		t.Fatal("unexpected hit on empty cache")
	}

	cache.Set(context.Background(), "prompt-a", "analysis-a")
	v, tier, ok := cache.Get(context.Background(), "prompt-a")
	if !ok || v != "analysis-a" {
		t.Fatalf("expected hit with analysis-a, got %q ok=%v", v, ok)
	}
	if tier != TierMemory {
		t.Errorf("expected memory tier, got %q", tier)
	}
}

// TestCache_Eviction verifies the LRU bound holds.
func TestCache_Eviction(t *testing.T) {
	cache, err := NewCache(nil, 2, time.Minute, nil)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}

	cache.Set(context.Background(), "a", "1")
	cache.Set(context.Background(), "b", "2")
	cache.Set(context.Background(), "c", "3")

	if cache.Len() != 2 {
		t.Errorf("expected 2 entries after eviction, got %d", cache.Len())
	}
	if _, _, ok := cache.Get(context.Background(), "a"); ok {
		t.Error("oldest entry should have been evicted")
	}
}

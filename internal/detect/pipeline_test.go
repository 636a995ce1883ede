package detect

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/lvonguyen/threatlens/internal/detect/decision"
	"github.com/lvonguyen/threatlens/internal/detect/scoring"
	"github.com/lvonguyen/threatlens/internal/detect/signature"
	"github.com/lvonguyen/threatlens/internal/features"
	"github.com/lvonguyen/threatlens/internal/records"
)

func newTestPipeline(t *testing.T, width int) *Pipeline {
	t.Helper()
	scorer, err := scoring.NewEngine(scoring.DefaultTrainingData(width), nil)
	if err != nil {
		t.Fatalf("scoring engine: %v", err)
	}
	return New(scorer, Options{})
}

func benignRecord(ip string, i int) records.Record {
	return records.NewHTTP(records.HTTPRecord{
		ClientIP:   ip,
		Method:     "GET",
		URI:        fmt.Sprintf("/page-%c", 'a'+rune(i%20)),
		StatusCode: 200,
		UserAgent:  "Mozilla/5.0 (X11; Linux x86_64)",
	})
}

func attackRecord(ip, uri string) records.Record {
	return records.NewHTTP(records.HTTPRecord{
		ClientIP:   ip,
		Method:     "GET",
		URI:        uri,
		StatusCode: 200,
		UserAgent:  "Mozilla/5.0 (X11; Linux x86_64)",
	})
}

func extract(t *testing.T, batch []records.Record) [][]float64 {
	t.Helper()
	matrix, _ := features.NewExtractor(nil).Extract(batch, nil)
	return matrix
}

// =============================================================================
// End-to-End Detection
// =============================================================================

// TestDetect_SurfacesSignatureThreats verifies a batch with clear attack
// payloads surfaces them ranked by risk, with benign records absent.
func TestDetect_SurfacesSignatureThreats(t *testing.T) {
	p := newTestPipeline(t, 11)

	var batch []records.Record
	for i := 0; i < 20; i++ {
		batch = append(batch, benignRecord(fmt.Sprintf("10.0.1.%d", i), i))
	}
	batch = append(batch,
		attackRecord("203.0.113.7", "/search?q=1%20union%20select%20password%20from%20users"),
		attackRecord("203.0.113.8", "/run?cmd=whoami"),
	)

	report, err := p.Detect(context.Background(), batch, extract(t, batch), scoring.ModelIsolationForest)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}

	if len(report.Threats) != 2 {
		t.Fatalf("expected 2 surfaced threats, got %d", len(report.Threats))
	}
	for _, threat := range report.Threats {
		if !decision.SeverityAtLeast(threat.Severity, decision.SeverityMedium) {
			t.Errorf("surfaced threat below medium: %q", threat.Severity)
		}
	}
	// Ranked by risk descending.
	if report.Threats[0].RiskScore < report.Threats[1].RiskScore {
		t.Error("threats not ranked by risk score")
	}
	if report.Statistics.TotalRecords != len(batch) {
		t.Errorf("expected %d records in stats, got %d", len(batch), report.Statistics.TotalRecords)
	}
}

// TestDetect_LowAndNormalNotSurfaced verifies sub-medium verdicts appear
// only through aggregate statistics, never in the threat list.
func TestDetect_LowAndNormalNotSurfaced(t *testing.T) {
	p := newTestPipeline(t, 11)

	var batch []records.Record
	for i := 0; i < 30; i++ {
		batch = append(batch, benignRecord("10.0.2.1", i))
	}

	report, err := p.Detect(context.Background(), batch, extract(t, batch), scoring.ModelIsolationForest)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}

	for _, threat := range report.Threats {
		if threat.Severity == decision.SeverityLow || threat.Severity == decision.SeverityNormal {
			t.Errorf("sub-medium threat surfaced: %+v", threat)
		}
	}
	if report.Statistics.SeverityCounts[decision.SeverityLow] != 0 {
		t.Error("low bucket must be zero in surfaced distribution")
	}
	if report.Statistics.SeverityCounts[decision.SeverityNormal] != 0 {
		t.Error("normal bucket must be zero in surfaced distribution")
	}
}

// TestDetect_BehavioralStateIsPerRun verifies behavior counters reset
// between runs. Five failed logins put the source exactly at the brute force
// floor, so the injection record that follows carries behavior confidence
// 0.70; if state leaked across runs the second run would report the scaled
// confidence instead.
func TestDetect_BehavioralStateIsPerRun(t *testing.T) {
	p := newTestPipeline(t, 11)

	var batch []records.Record
	for i := 0; i < 5; i++ {
		batch = append(batch, records.NewHTTP(records.HTTPRecord{
			ClientIP:   "203.0.113.50",
			Method:     "POST",
			URI:        "/login",
			StatusCode: 401,
			UserAgent:  "Mozilla/5.0 (X11; Linux x86_64)",
		}))
	}
	batch = append(batch, attackRecord("203.0.113.50", "/items?id=1%20union%20select%20name%20from%20users"))

	for run := 0; run < 2; run++ {
		report, err := p.Detect(context.Background(), batch, extract(t, batch), scoring.ModelIsolationForest)
		if err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
		if len(report.Threats) != 1 {
			t.Fatalf("run %d: expected 1 surfaced threat, got %d", run, len(report.Threats))
		}
		threat := report.Threats[0]
		if threat.ThreatType != signature.TypeSQLInjection {
			t.Fatalf("run %d: unexpected threat type %q", run, threat.ThreatType)
		}
		if threat.BehaviorConfidence != 0.70 {
			t.Errorf("run %d: behavior confidence %v, want 0.70", run, threat.BehaviorConfidence)
		}
	}
}

// TestDetect_CampaignFromRepeatedAttacks verifies correlation runs over the
// surfaced threats and classifies a repeated-type source.
func TestDetect_CampaignFromRepeatedAttacks(t *testing.T) {
	p := newTestPipeline(t, 11)

	var batch []records.Record
	for i := 0; i < 3; i++ {
		batch = append(batch, attackRecord("203.0.113.9", "/items?id=1%20union%20select%20name%20from%20users"))
	}

	report, err := p.Detect(context.Background(), batch, extract(t, batch), scoring.ModelIsolationForest)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if report.Correlation.TotalCampaigns != 1 {
		t.Fatalf("expected 1 campaign, got %d", report.Correlation.TotalCampaigns)
	}
	if report.Correlation.Campaigns[0].Type != "Automated Attack Campaign" {
		t.Errorf("unexpected campaign type %q", report.Correlation.Campaigns[0].Type)
	}
}

// =============================================================================
// Mismatch Recovery
// =============================================================================

// TestDetect_RetrainsOnFeatureMismatch verifies the one-shot recovery: a
// batch wider than the trained model retrains and completes, flagged in the
// report.
func TestDetect_RetrainsOnFeatureMismatch(t *testing.T) {
	// Models trained on 4 features, batch carries 11.
	p := newTestPipeline(t, 4)

	var batch []records.Record
	for i := 0; i < 25; i++ {
		batch = append(batch, benignRecord(fmt.Sprintf("10.0.4.%d", i), i))
	}

	report, err := p.Detect(context.Background(), batch, extract(t, batch), scoring.ModelIsolationForest)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !report.Retrained {
		t.Error("expected the report to flag the retrain")
	}
	if report.Statistics.TotalRecords != len(batch) {
		t.Errorf("expected %d records, got %d", len(batch), report.Statistics.TotalRecords)
	}
}

// TestDetect_UnknownModelFails verifies an unsupported model type fails the
// run without retraining.
func TestDetect_UnknownModelFails(t *testing.T) {
	p := newTestPipeline(t, 11)

	batch := []records.Record{benignRecord("10.0.5.1", 0)}
	_, err := p.Detect(context.Background(), batch, extract(t, batch), "perceptron")

	var unknown *scoring.UnknownModelError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownModelError, got %v", err)
	}
}

// TestRetrain_UnknownModel verifies the retrain surface rejects unsupported
// model types with the scoring error, not a RetrainFailedError.
func TestRetrain_UnknownModel(t *testing.T) {
	p := newTestPipeline(t, 4)

	err := p.Retrain(context.Background(), "perceptron", scoring.DefaultTrainingData(4))
	var unknown *scoring.UnknownModelError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownModelError, got %v", err)
	}
	var failed *RetrainFailedError
	if errors.As(err, &failed) {
		t.Error("unknown model must not wrap as RetrainFailedError")
	}
}

// TestRetrain_EmptyData verifies retraining on empty data reports
// RetrainFailedError.
func TestRetrain_EmptyData(t *testing.T) {
	p := newTestPipeline(t, 4)

	err := p.Retrain(context.Background(), scoring.ModelIsolationForest, nil)
	var failed *RetrainFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected RetrainFailedError, got %v", err)
	}
	if failed.ModelType != scoring.ModelIsolationForest {
		t.Errorf("expected model type in error, got %q", failed.ModelType)
	}
}

// =============================================================================
// Statistics
// =============================================================================

// TestStatistics_Distributions verifies severity, type and layer counts over
// the surfaced set.
func TestStatistics_Distributions(t *testing.T) {
	threats := []decision.UnifiedThreat{
		{Severity: decision.SeverityCritical, ThreatType: signature.TypeCommandInjection, DetectionLayer: decision.LayerSignature, RiskScore: 0.95},
		{Severity: decision.SeverityHigh, ThreatType: signature.TypeSQLInjection, DetectionLayer: decision.LayerSignature, RiskScore: 0.80},
		{Severity: decision.SeverityMedium, ThreatType: "Brute Force", DetectionLayer: decision.LayerBehavior, RiskScore: 0.65},
	}
	stats := computeStatistics(100, 3, threats)

	if stats.TotalThreats != 3 || stats.TotalRecords != 100 {
		t.Errorf("totals: got %d threats, %d records", stats.TotalThreats, stats.TotalRecords)
	}
	if stats.SeverityCounts[decision.SeverityCritical] != 1 ||
		stats.SeverityCounts[decision.SeverityHigh] != 1 ||
		stats.SeverityCounts[decision.SeverityMedium] != 1 {
		t.Errorf("severity counts: %v", stats.SeverityCounts)
	}
	if stats.LayerCounts[decision.LayerSignature] != 2 {
		t.Errorf("layer counts: %v", stats.LayerCounts)
	}
	wantMean := (0.95 + 0.80 + 0.65) / 3
	if diff := stats.MeanRiskScore - wantMean; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("mean risk: got %v, want %v", stats.MeanRiskScore, wantMean)
	}
}

// TestStatistics_Empty verifies the zero-threat run keeps all buckets
// present and zero.
func TestStatistics_Empty(t *testing.T) {
	stats := computeStatistics(10, 2, nil)
	if stats.TotalThreats != 0 {
		t.Errorf("expected 0 threats, got %d", stats.TotalThreats)
	}
	if len(stats.SeverityCounts) != 5 {
		t.Errorf("expected all 5 severity buckets, got %v", stats.SeverityCounts)
	}
	if stats.MeanRiskScore != 0 || stats.StdRiskScore != 0 {
		t.Errorf("expected zero moments, got %v %v", stats.MeanRiskScore, stats.StdRiskScore)
	}
}

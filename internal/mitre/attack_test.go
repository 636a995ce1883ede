package mitre

import (
	"testing"

	"github.com/lvonguyen/threatlens/internal/detect/behavior"
	"github.com/lvonguyen/threatlens/internal/detect/signature"
)

// TestMapThreatType_KnownLabels verifies every detection label resolves to
// at least one technique with a well-formed reference.
func TestMapThreatType_KnownLabels(t *testing.T) {
	m := NewMapper(nil)

	labels := []string{
		signature.TypeCommandInjection,
		signature.TypeSSTI,
		signature.TypeSQLInjection,
		signature.TypeXSS,
		signature.TypePathTraversal,
		signature.TypeSensitiveFile,
		signature.TypeSSRF,
		signature.TypeIDOR,
		signature.TypePrivilegeEscalation,
		signature.TypeDataExfiltration,
		signature.TypeOpenRedirect,
		signature.TypeReconnaissance,
		behavior.TypeBruteForce,
		behavior.TypeRateAbuse,
		behavior.TypeEnumeration,
		behavior.TypeBurstActivity,
	}
	for _, label := range labels {
		techniques := m.MapThreatType(label)
		if len(techniques) == 0 {
			t.Errorf("%s: no techniques mapped", label)
			continue
		}
		for _, tech := range techniques {
			if tech.ID == "" || tech.Name == "" || tech.Tactic == "" {
				t.Errorf("%s: incomplete technique %+v", label, tech)
			}
			if tech.URL == "" {
				t.Errorf("%s: technique %s missing URL", label, tech.ID)
			}
		}
	}
}

// TestMapThreatType_Unknown verifies unmapped labels return nil.
func TestMapThreatType_Unknown(t *testing.T) {
	m := NewMapper(nil)
	if got := m.MapThreatType(signature.TypeOther); got != nil {
		t.Errorf("expected nil for Other, got %v", got)
	}
	if got := m.MapThreatType("Cryptojacking"); got != nil {
		t.Errorf("expected nil for unknown label, got %v", got)
	}
}

// TestMapThreatTypes_Dedupes verifies shared techniques appear once, sorted
// by ID.
func TestMapThreatTypes_Dedupes(t *testing.T) {
	m := NewMapper(nil)

	// SQL Injection and IDOR both map to T1190.
	techniques := m.MapThreatTypes([]string{
		signature.TypeSQLInjection,
		signature.TypeIDOR,
		signature.TypeCommandInjection,
	})

	counts := make(map[string]int)
	for _, tech := range techniques {
		counts[tech.ID]++
	}
	if counts["T1190"] != 1 {
		t.Errorf("T1190 appears %d times, want 1", counts["T1190"])
	}
	for i := 1; i < len(techniques); i++ {
		if techniques[i-1].ID > techniques[i].ID {
			t.Fatalf("techniques not sorted: %s before %s", techniques[i-1].ID, techniques[i].ID)
		}
	}
}

// TestSubTechniqueURL verifies sub-technique IDs render slash-form URLs.
func TestSubTechniqueURL(t *testing.T) {
	m := NewMapper(nil)

	techniques := m.MapThreatType(behavior.TypeEnumeration)
	if len(techniques) != 1 {
		t.Fatalf("expected 1 technique, got %d", len(techniques))
	}
	want := "https://attack.mitre.org/techniques/T1595/003/"
	if techniques[0].URL != want {
		t.Errorf("URL %q, want %q", techniques[0].URL, want)
	}
}

// TestTechniqueIDs verifies the compact ID form.
func TestTechniqueIDs(t *testing.T) {
	m := NewMapper(nil)

	ids := m.TechniqueIDs([]string{behavior.TypeBruteForce, signature.TypeSQLInjection})
	if len(ids) != 2 {
		t.Fatalf("expected 2 IDs, got %v", ids)
	}
	if ids[0] != "T1110" || ids[1] != "T1190" {
		t.Errorf("unexpected IDs %v", ids)
	}
}

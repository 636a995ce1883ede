package modelstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/lvonguyen/threatlens/internal/detect/scoring"
)

func trainedEngine(t *testing.T, width int) *scoring.Engine {
	t.Helper()
	e, err := scoring.NewEngine(scoring.DefaultTrainingData(width), nil)
	if err != nil {
		t.Fatalf("train engine: %v", err)
	}
	return e
}

// =============================================================================
// Round Trips
// =============================================================================

// TestStore_EngineRoundTrip verifies a trained engine survives save and load
// and produces identical scores afterwards.
func TestStore_EngineRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	engine := trainedEngine(t, 6)
	if err := store.SaveEngine(engine); err != nil {
		t.Fatalf("SaveEngine: %v", err)
	}

	loaded, err := store.LoadEngine(nil)
	if err != nil {
		t.Fatalf("LoadEngine: %v", err)
	}

	batch := [][]float64{
		{0.1, 0.2, 0.1, 0.0, 0.3, 0.1},
		{0.2, 0.1, 0.2, 0.1, 0.2, 0.0},
		{9.0, 9.0, 9.0, 9.0, 9.0, 9.0},
	}
	for _, model := range []string{scoring.ModelIsolationForest, scoring.ModelAutoencoder} {
		want, _, _, err := engine.Score(batch, model)
		if err != nil {
			t.Fatalf("%s: score original: %v", model, err)
		}
		got, _, _, err := loaded.Score(batch, model)
		if err != nil {
			t.Fatalf("%s: score loaded: %v", model, err)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("%s: row %d score %v after reload, want %v", model, i, got[i], want[i])
			}
		}
	}
}

// TestStore_ForestRoundTrip verifies the forest artifact keeps its width and
// offset through serialization.
func TestStore_ForestRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	original := trainedEngine(t, 4).Forest()
	if err := store.SaveForest(original); err != nil {
		t.Fatalf("SaveForest: %v", err)
	}
	loaded, err := store.LoadForest()
	if err != nil {
		t.Fatalf("LoadForest: %v", err)
	}
	if loaded.Width != original.Width {
		t.Errorf("width %d after reload, want %d", loaded.Width, original.Width)
	}
	if loaded.Offset != original.Offset {
		t.Errorf("offset %v after reload, want %v", loaded.Offset, original.Offset)
	}
	if len(loaded.Trees) != len(original.Trees) {
		t.Errorf("%d trees after reload, want %d", len(loaded.Trees), len(original.Trees))
	}
}

// =============================================================================
// Error Cases
// =============================================================================

// TestStore_MissingArtifact verifies loading from an empty store reports
// ErrModelNotFound.
func TestStore_MissingArtifact(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if _, err := store.LoadForest(); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("LoadForest: expected ErrModelNotFound, got %v", err)
	}
	if _, err := store.LoadEngine(nil); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("LoadEngine: expected ErrModelNotFound, got %v", err)
	}
}

// TestStore_CorruptArtifact verifies garbage on disk reports
// ErrCorruptArtifact rather than a decode panic.
func TestStore_CorruptArtifact(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	path := filepath.Join(dir, scoring.ModelIsolationForest+".json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if _, err := store.LoadForest(); !errors.Is(err, ErrCorruptArtifact) {
		t.Errorf("expected ErrCorruptArtifact, got %v", err)
	}
}

// TestStore_MismatchedEnvelope verifies an artifact whose envelope names a
// different model is rejected.
func TestStore_MismatchedEnvelope(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if err := store.SaveForest(trainedEngine(t, 4).Forest()); err != nil {
		t.Fatalf("SaveForest: %v", err)
	}
	// Masquerade the forest artifact as the autoencoder's.
	src := filepath.Join(dir, scoring.ModelIsolationForest+".json")
	dst := filepath.Join(dir, scoring.ModelAutoencoder+".json")
	data, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		t.Fatalf("copy artifact: %v", err)
	}

	if _, err := store.LoadAutoencoder(); !errors.Is(err, ErrCorruptArtifact) {
		t.Errorf("expected ErrCorruptArtifact, got %v", err)
	}
}

// TestStore_EmptyBasePath verifies the constructor rejects an empty path.
func TestStore_EmptyBasePath(t *testing.T) {
	if _, err := NewStore("", nil); !errors.Is(err, ErrInvalidBasePath) {
		t.Errorf("expected ErrInvalidBasePath, got %v", err)
	}
}

// =============================================================================
// Listing and Removal
// =============================================================================

// TestStore_ListAndRemove verifies listing reflects saved artifacts and
// removal is idempotent.
func TestStore_ListAndRemove(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if err := store.SaveEngine(trainedEngine(t, 5)); err != nil {
		t.Fatalf("SaveEngine: %v", err)
	}

	infos, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(infos))
	}
	// Sorted by model type: autoencoder before isolation_forest.
	if infos[0].ModelType != scoring.ModelAutoencoder || infos[1].ModelType != scoring.ModelIsolationForest {
		t.Errorf("unexpected listing order: %q, %q", infos[0].ModelType, infos[1].ModelType)
	}
	for _, info := range infos {
		if info.Width != 5 {
			t.Errorf("%s: width %d, want 5", info.ModelType, info.Width)
		}
		if info.SavedAt.IsZero() {
			t.Errorf("%s: zero SavedAt", info.ModelType)
		}
	}

	if err := store.Remove(scoring.ModelIsolationForest); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := store.Remove(scoring.ModelIsolationForest); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
	if _, err := store.LoadForest(); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("expected ErrModelNotFound after removal, got %v", err)
	}
}

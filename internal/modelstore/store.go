// Package modelstore persists trained scoring models as JSON artifacts on
// local disk, so a restarted server resumes with the models it last trained
// instead of refitting on synthetic data.
package modelstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/detect/scoring"
)

// Common errors.
var (
	ErrModelNotFound   = errors.New("model artifact not found")
	ErrCorruptArtifact = errors.New("model artifact is corrupt")
	ErrInvalidBasePath = errors.New("invalid model store path")
)

// Artifact is the on-disk envelope around one serialized model.
type Artifact struct {
	ModelType string          `json:"model_type"`
	Width     int             `json:"width"`
	SavedAt   time.Time       `json:"saved_at"`
	Payload   json.RawMessage `json:"payload"`
}

// ArtifactInfo is the envelope without its payload, for listings.
type ArtifactInfo struct {
	ModelType string    `json:"model_type"`
	Width     int       `json:"width"`
	SavedAt   time.Time `json:"saved_at"`
	SizeBytes int64     `json:"size_bytes"`
}

// Store reads and writes model artifacts under a base directory. Writes go
// through a temp file and rename so a crash never leaves a half-written
// artifact behind.
type Store struct {
	mu       sync.Mutex
	basePath string
	logger   *zap.Logger
}

// NewStore creates a model store rooted at basePath, creating the directory
// if needed.
func NewStore(basePath string, logger *zap.Logger) (*Store, error) {
	if basePath == "" {
		return nil, ErrInvalidBasePath
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create model store path: %w", err)
	}
	return &Store{basePath: basePath, logger: logger}, nil
}

// SaveForest persists the isolation forest model.
func (s *Store) SaveForest(m *scoring.ForestModel) error {
	return s.save(scoring.ModelIsolationForest, m.Width, m)
}

// SaveAutoencoder persists the autoencoder model.
func (s *Store) SaveAutoencoder(m *scoring.AutoencoderModel) error {
	return s.save(scoring.ModelAutoencoder, m.Width, m)
}

// LoadForest loads the persisted isolation forest model.
func (s *Store) LoadForest() (*scoring.ForestModel, error) {
	var m scoring.ForestModel
	if err := s.load(scoring.ModelIsolationForest, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadAutoencoder loads the persisted autoencoder model.
func (s *Store) LoadAutoencoder() (*scoring.AutoencoderModel, error) {
	var m scoring.AutoencoderModel
	if err := s.load(scoring.ModelAutoencoder, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// SaveEngine persists both models of a scoring engine.
func (s *Store) SaveEngine(e *scoring.Engine) error {
	if err := s.SaveForest(e.Forest()); err != nil {
		return err
	}
	return s.SaveAutoencoder(e.Autoencoder())
}

// LoadEngine rebuilds a scoring engine from persisted artifacts. Both models
// must be present; a partial store returns ErrModelNotFound.
func (s *Store) LoadEngine(logger *zap.Logger) (*scoring.Engine, error) {
	forest, err := s.LoadForest()
	if err != nil {
		return nil, err
	}
	ae, err := s.LoadAutoencoder()
	if err != nil {
		return nil, err
	}
	return scoring.NewEngineFromModels(forest, ae, logger), nil
}

// List returns metadata for every artifact in the store, sorted by model
// type for stable output.
func (s *Store) List() ([]ArtifactInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model store: %w", err)
	}

	var out []ArtifactInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.basePath, entry.Name())
		art, err := readArtifact(path)
		if err != nil {
			s.logger.Warn("skipping unreadable artifact",
				zap.String("path", path),
				zap.Error(err),
			)
			continue
		}
		info, _ := entry.Info()
		var size int64
		if info != nil {
			size = info.Size()
		}
		out = append(out, ArtifactInfo{
			ModelType: art.ModelType,
			Width:     art.Width,
			SavedAt:   art.SavedAt,
			SizeBytes: size,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelType < out[j].ModelType })
	return out, nil
}

// Remove deletes the artifact for one model type. Missing artifacts are not
// an error.
func (s *Store) Remove(modelType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.artifactPath(modelType))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove artifact: %w", err)
	}
	return nil
}

func (s *Store) save(modelType string, width int, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize %s model: %w", modelType, err)
	}
	data, err := json.Marshal(Artifact{
		ModelType: modelType,
		Width:     width,
		SavedAt:   time.Now().UTC(),
		Payload:   raw,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize artifact: %w", err)
	}

	path := s.artifactPath(modelType)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit artifact: %w", err)
	}

	s.logger.Info("model artifact saved",
		zap.String("model", modelType),
		zap.Int("width", width),
		zap.Int("bytes", len(data)),
	)
	return nil
}

func (s *Store) load(modelType string, into any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	art, err := readArtifact(s.artifactPath(modelType))
	if err != nil {
		return err
	}
	if art.ModelType != modelType {
		return fmt.Errorf("%w: artifact holds %q, expected %q",
			ErrCorruptArtifact, art.ModelType, modelType)
	}
	if err := json.Unmarshal(art.Payload, into); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
	}
	return nil
}

func (s *Store) artifactPath(modelType string) string {
	// Model type names are fixed identifiers, safe as file names.
	return filepath.Join(s.basePath, modelType+".json")
}

func readArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrModelNotFound
		}
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	var art Artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
	}
	return &art, nil
}

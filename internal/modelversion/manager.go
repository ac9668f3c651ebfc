// Package modelversion manages trained model artifact directories and the
// pointer that selects which one serves inference.
package modelversion

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qabridge/backend/internal/metrics"
	"github.com/qabridge/backend/internal/storage/models"
)

var (
	ErrNotFound   = errors.New("model version not found")
	ErrIncomplete = errors.New("model version is incomplete")
)

const (
	adapterFile   = "adapter_model.safetensors"
	tokenizerFile = "tokenizer_config.json"
	infoFile      = "training_info.json"
)

var versionDir = regexp.MustCompile(`^(.+)-v(\d+)$`)

// IncompleteError lists the artifact files a version is missing.
type IncompleteError struct {
	Version int
	Missing []string
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("model version %d is missing %v", e.Version, e.Missing)
}

func (e *IncompleteError) Unwrap() error { return ErrIncomplete }

type Manager struct {
	root    string
	pointer Pointer
	logger  *zap.Logger

	// mu serialises activations so Next and Rollback read and move the
	// pointer as one step.
	mu sync.Mutex
}

func NewManager(root string, pointer Pointer, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{root: root, pointer: pointer, logger: logger}
}

// List returns every version directory under the root, ordered by ordinal.
func (m *Manager) List() ([]models.ModelVersion, error) {
	entries, err := os.ReadDir(m.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read model root: %w", err)
	}

	active, err := m.pointer.Load()
	if err != nil {
		return nil, err
	}

	var out []models.ModelVersion
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		match := versionDir.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		ordinal, err := strconv.Atoi(match[2])
		if err != nil {
			continue
		}
		v := m.inspect(e, ordinal)
		v.Active = v.Name == active
		out = append(out, v)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Ordinal != out[j].Ordinal {
			return out[i].Ordinal < out[j].Ordinal
		}
		return out[i].Name < out[j].Name
	})

	for i := 1; i < len(out); i++ {
		if out[i].Ordinal != out[i-1].Ordinal+1 {
			m.logger.Warn("Model versions are not contiguous",
				zap.Int("after", out[i-1].Ordinal),
				zap.Int("next", out[i].Ordinal),
			)
		}
	}
	return out, nil
}

func (m *Manager) inspect(e os.DirEntry, ordinal int) models.ModelVersion {
	dir := filepath.Join(m.root, e.Name())
	v := models.ModelVersion{Ordinal: ordinal, Name: e.Name(), Path: dir}

	if !exists(filepath.Join(dir, adapterFile)) && !exists(filepath.Join(dir, "method1", adapterFile)) {
		v.Missing = append(v.Missing, adapterFile)
	}
	if !exists(filepath.Join(dir, tokenizerFile)) {
		v.Missing = append(v.Missing, tokenizerFile)
	}

	data, err := os.ReadFile(filepath.Join(dir, infoFile))
	if err != nil {
		v.Missing = append(v.Missing, infoFile)
	} else {
		var info struct {
			models.TrainingMetrics
			Timestamp string `json:"timestamp"`
		}
		if err := json.Unmarshal(data, &info); err != nil {
			m.logger.Warn("Corrupt training metadata", zap.String("version", v.Name), zap.Error(err))
			v.Missing = append(v.Missing, infoFile)
		} else {
			v.Metrics = info.TrainingMetrics
			v.CreatedAt = parseTimestamp(info.Timestamp)
		}
	}

	if v.CreatedAt.IsZero() {
		if fi, err := e.Info(); err == nil {
			v.CreatedAt = fi.ModTime().UTC()
		}
	}
	return v
}

func (m *Manager) find(ordinal int) (*models.ModelVersion, error) {
	versions, err := m.List()
	if err != nil {
		return nil, err
	}
	for i := range versions {
		if versions[i].Ordinal == ordinal {
			return &versions[i], nil
		}
	}
	return nil, fmt.Errorf("version %d: %w", ordinal, ErrNotFound)
}

// Current returns the active version, or nil when nothing is active.
func (m *Manager) Current() (*models.ModelVersion, error) {
	versions, err := m.List()
	if err != nil {
		return nil, err
	}
	for i := range versions {
		if versions[i].Active {
			return &versions[i], nil
		}
	}
	return nil, nil
}

// ActiveName is the directory name of the active version, or "".
func (m *Manager) ActiveName() string {
	name, err := m.pointer.Load()
	if err != nil {
		m.logger.Warn("Failed to read active model pointer", zap.Error(err))
		return ""
	}
	return name
}

// Activate points inference at the given version. A missing or incomplete
// version leaves the pointer where it was.
func (m *Manager) Activate(ordinal int) (*models.ModelVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activate(ordinal)
}

func (m *Manager) activate(ordinal int) (*models.ModelVersion, error) {
	v, err := m.find(ordinal)
	if err != nil {
		return nil, err
	}
	if !v.Complete() {
		return nil, &IncompleteError{Version: ordinal, Missing: v.Missing}
	}

	cur, err := m.pointer.Load()
	if err != nil {
		return nil, err
	}
	if cur != v.Name {
		if err := m.pointer.Swap(cur, v.Name); err != nil {
			return nil, err
		}
	}

	v.Active = true
	metrics.ActiveModelVersion.Set(float64(v.Ordinal))
	m.logger.Info("Model version activated",
		zap.Int("version", v.Ordinal),
		zap.String("name", v.Name),
		zap.String("previous", cur),
	)
	return v, nil
}

// Next activates the version after the current one, or the first version
// when nothing is active.
func (m *Manager) Next() (*models.ModelVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions, err := m.List()
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("no model versions: %w", ErrNotFound)
	}

	for _, v := range versions {
		if v.Active {
			return m.activate(v.Ordinal + 1)
		}
	}
	return m.activate(versions[0].Ordinal)
}

// Rollback activates the closest version older than the current one.
func (m *Manager) Rollback() (*models.ModelVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions, err := m.List()
	if err != nil {
		return nil, err
	}

	current := -1
	for i, v := range versions {
		if v.Active {
			current = i
			break
		}
	}
	if current < 0 {
		return nil, fmt.Errorf("no active version to roll back from: %w", ErrNotFound)
	}
	if current == 0 {
		return nil, fmt.Errorf("version %d has no predecessor: %w", versions[0].Ordinal, ErrNotFound)
	}
	return m.activate(versions[current-1].Ordinal)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// Package project implements the Project Manager: the in-memory project
// index keyed by identifier (plus a secondary index by canonical path),
// path/nesting validation at creation time, and atomic on-disk metadata
// persistence with isolated-failure recovery at startup.
package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/streamroom/streamroom/internal/errors"
	"github.com/streamroom/streamroom/internal/logger"
	"github.com/streamroom/streamroom/internal/model"
	"github.com/streamroom/streamroom/internal/validation"
)

// Manager owns the project_id -> *model.Project index and its
// path -> project_id mirror. All index mutation is serialized by mu. mu is
// held across disk I/O: Load reads the metadata files and Create writes a
// project's directory and metadata while holding it.
type Manager struct {
	dataDir      string
	maxProjects  int
	allowedRoots []string

	mu       sync.RWMutex
	byID     map[string]*model.Project
	pathToID map[string]string
}

// New constructs a Manager rooted at dataDir. Load must be called once
// before the Manager is used, to recover any projects already on disk.
func New(dataDir string, maxProjects int, allowedRoots []string) *Manager {
	return &Manager{
		dataDir:      dataDir,
		maxProjects:  maxProjects,
		allowedRoots: allowedRoots,
		byID:         make(map[string]*model.Project),
		pathToID:     make(map[string]string),
	}
}

// Load scans dataDir for existing project directories and reconstructs the
// index. A project whose metadata.json is missing, truncated, or corrupt is
// skipped and logged; it does not prevent other projects from loading.
func (m *Manager) Load() error {
	entries, err := os.ReadDir(m.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(m.dataDir, 0o755)
		}
		return fmt.Errorf("project: read data dir: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		metaPath := filepath.Join(m.dataDir, entry.Name(), "metadata.json")
		data, err := os.ReadFile(metaPath)
		if err != nil {
			logger.Project().Warn().Err(err).Str("project_id", entry.Name()).Msg("skipping project: cannot read metadata")
			continue
		}
		var meta model.Metadata
		if err := json.Unmarshal(data, &meta); err != nil {
			logger.Project().Warn().Err(err).Str("project_id", entry.Name()).Msg("skipping project: corrupt metadata")
			continue
		}
		p := model.FromMetadata(meta)
		m.byID[p.ID] = p
		m.pathToID[p.Path] = p.ID
	}

	logger.Project().Info().Int("count", len(m.byID)).Msg("loaded projects from disk")
	return nil
}

// Create validates rawPath, allocates a new project, persists its metadata
// atomically, and indexes it. Returns PROJECT_NESTING if rawPath overlaps
// an existing project, INVALID_PATH if it is not an absolute, existing
// directory (or outside the configured allow-list), and PROJECT_LIMIT if
// the project count cap has been reached.
func (m *Manager) Create(rawPath string) (*model.Project, *apperrors.AppError) {
	canonical, err := validation.CanonicalPath(rawPath)
	if err != nil {
		return nil, apperrors.InvalidPath(err.Error())
	}

	info, err := os.Stat(canonical)
	if err != nil || !info.IsDir() {
		return nil, apperrors.InvalidPath(fmt.Sprintf("path does not exist or is not a directory: %s", canonical))
	}

	if !validation.WithinAllowedRoots(canonical, m.allowedRoots) {
		return nil, apperrors.InvalidPath("path is outside the allowed roots")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.pathToID[canonical]; ok {
		return m.byID[id], nil
	}

	if m.maxProjects > 0 && len(m.byID) >= m.maxProjects {
		return nil, apperrors.ProjectLimit()
	}

	for _, existing := range m.byID {
		if validation.Overlaps(existing.Path, canonical) {
			return nil, apperrors.ProjectNesting(canonical)
		}
	}

	now := time.Now()
	p := &model.Project{
		ID:         uuid.NewString(),
		Path:       canonical,
		State:      model.StateIdle,
		CreatedAt:  now,
		LastActive: now,
	}

	if err := m.persist(p); err != nil {
		return nil, apperrors.InternalWrap(err)
	}
	if err := os.MkdirAll(filepath.Join(m.dataDir, p.ID, "log"), 0o755); err != nil {
		return nil, apperrors.InternalWrap(err)
	}

	m.byID[p.ID] = p
	m.pathToID[p.Path] = p.ID
	return p, nil
}

// Get returns the project for id, or PROJECT_NOT_FOUND.
func (m *Manager) Get(id string) (*model.Project, *apperrors.AppError) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, apperrors.ProjectNotFound(id)
	}
	return p, nil
}

// List returns a snapshot of every project.
func (m *Manager) List() []model.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Snapshot, 0, len(m.byID))
	for _, p := range m.byID {
		out = append(out, p.Snapshot())
	}
	return out
}

// Count returns the number of registered projects.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Delete removes a project from the index and its on-disk directory. It
// refuses while the project is executing.
func (m *Manager) Delete(id string) *apperrors.AppError {
	m.mu.Lock()
	p, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return apperrors.ProjectNotFound(id)
	}
	if p.IsExecuting() {
		m.mu.Unlock()
		return apperrors.ProcessActive(id)
	}
	delete(m.byID, id)
	delete(m.pathToID, p.Path)
	m.mu.Unlock()

	dir := filepath.Join(m.dataDir, id)
	if err := os.RemoveAll(dir); err != nil {
		logger.Project().Error().Err(err).Str("project_id", id).Msg("failed to remove project directory")
		return apperrors.InternalWrap(err)
	}
	return nil
}

// Persist writes p's current metadata to disk, atomically.
func (m *Manager) Persist(p *model.Project) error {
	return m.persist(p)
}

func (m *Manager) persist(p *model.Project) error {
	dir := filepath.Join(m.dataDir, p.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("project: mkdir %s: %w", dir, err)
	}

	meta := p.ToMetadata()
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("project: marshal metadata: %w", err)
	}

	finalPath := filepath.Join(dir, "metadata.json")
	tmp, err := os.CreateTemp(dir, "metadata-*.tmp")
	if err != nil {
		return fmt.Errorf("project: create temp metadata: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("project: write temp metadata: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("project: fsync temp metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("project: close temp metadata: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("project: rename metadata into place: %w", err)
	}
	return nil
}

// LogDir returns the directory holding a project's log segments.
func (m *Manager) LogDir(id string) string {
	return filepath.Join(m.dataDir, id, "log")
}

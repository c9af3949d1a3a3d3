package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/streamroom/streamroom/internal/errors"
)

func newTestManager(t *testing.T, maxProjects int, allowedRoots []string) *Manager {
	t.Helper()
	dataDir := t.TempDir()
	m := New(dataDir, maxProjects, allowedRoots)
	require.NoError(t, m.Load())
	return m
}

func TestCreateAndGet(t *testing.T) {
	m := newTestManager(t, 0, nil)
	projectDir := t.TempDir()

	p, aerr := m.Create(projectDir)
	require.Nil(t, aerr)
	require.NotEmpty(t, p.ID)

	got, aerr := m.Get(p.ID)
	require.Nil(t, aerr)
	assert.Equal(t, p.ID, got.ID)
}

func TestCreateIsIdempotentOnSamePath(t *testing.T) {
	m := newTestManager(t, 0, nil)
	projectDir := t.TempDir()

	first, aerr := m.Create(projectDir)
	require.Nil(t, aerr)

	second, aerr := m.Create(projectDir)
	require.Nil(t, aerr)
	assert.Equal(t, first.ID, second.ID, "creating the same path twice returns the existing project")
}

func TestCreateRejectsRelativePath(t *testing.T) {
	m := newTestManager(t, 0, nil)
	_, aerr := m.Create("relative/path")
	require.NotNil(t, aerr)
	assert.Equal(t, apperrors.CodeInvalidPath, aerr.Code)
}

func TestCreateRejectsMissingDirectory(t *testing.T) {
	m := newTestManager(t, 0, nil)
	_, aerr := m.Create(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NotNil(t, aerr)
	assert.Equal(t, apperrors.CodeInvalidPath, aerr.Code)
}

func TestCreateRejectsNestedProject(t *testing.T) {
	m := newTestManager(t, 0, nil)
	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))

	_, aerr := m.Create(root)
	require.Nil(t, aerr)

	_, aerr = m.Create(sub)
	require.NotNil(t, aerr)
	assert.Equal(t, apperrors.CodeProjectNesting, aerr.Code)
}

func TestCreateRejectsOutsideAllowedRoots(t *testing.T) {
	allowedRoot := t.TempDir()
	m := newTestManager(t, 0, []string{allowedRoot})

	outside := t.TempDir()
	_, aerr := m.Create(outside)
	require.NotNil(t, aerr)
	assert.Equal(t, apperrors.CodeInvalidPath, aerr.Code)

	inside := filepath.Join(allowedRoot, "proj")
	require.NoError(t, os.Mkdir(inside, 0o755))
	_, aerr = m.Create(inside)
	assert.Nil(t, aerr)
}

func TestCreateRejectsAtProjectLimit(t *testing.T) {
	m := newTestManager(t, 1, nil)

	_, aerr := m.Create(t.TempDir())
	require.Nil(t, aerr)

	_, aerr = m.Create(t.TempDir())
	require.NotNil(t, aerr)
	assert.Equal(t, apperrors.CodeProjectLimit, aerr.Code)
}

func TestDeleteRefusesWhileExecuting(t *testing.T) {
	m := newTestManager(t, 0, nil)
	p, aerr := m.Create(t.TempDir())
	require.Nil(t, aerr)

	require.True(t, p.TryBeginExecution())

	aerr = m.Delete(p.ID)
	require.NotNil(t, aerr)
	assert.Equal(t, apperrors.CodeProcessActive, aerr.Code)

	_, aerr = m.Get(p.ID)
	assert.Nil(t, aerr, "a refused delete must leave the project in place")
}

func TestDeleteRemovesProjectAndDirectory(t *testing.T) {
	m := newTestManager(t, 0, nil)
	p, aerr := m.Create(t.TempDir())
	require.Nil(t, aerr)

	require.Nil(t, m.Delete(p.ID))

	_, aerr = m.Get(p.ID)
	require.NotNil(t, aerr)
	assert.Equal(t, apperrors.CodeProjectNotFound, aerr.Code)
}

func TestLoadRecoversFromDiskAndSkipsCorruptMetadata(t *testing.T) {
	dataDir := t.TempDir()
	m1 := New(dataDir, 0, nil)
	require.NoError(t, m1.Load())
	p, aerr := m1.Create(t.TempDir())
	require.Nil(t, aerr)

	corruptDir := filepath.Join(dataDir, "corrupt-project")
	require.NoError(t, os.Mkdir(corruptDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(corruptDir, "metadata.json"), []byte("{not json"), 0o644))

	m2 := New(dataDir, 0, nil)
	require.NoError(t, m2.Load())

	_, aerr = m2.Get(p.ID)
	assert.Nil(t, aerr, "a valid project must still load alongside a corrupt one")
	assert.Equal(t, 1, m2.Count(), "the corrupt project directory must be skipped, not counted")
}

func TestCountReflectsLiveProjects(t *testing.T) {
	m := newTestManager(t, 0, nil)
	assert.Equal(t, 0, m.Count())
	p, aerr := m.Create(t.TempDir())
	require.Nil(t, aerr)
	assert.Equal(t, 1, m.Count())
	require.Nil(t, m.Delete(p.ID))
	assert.Equal(t, 0, m.Count())
}

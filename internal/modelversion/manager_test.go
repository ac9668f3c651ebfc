package modelversion

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeVersion(t *testing.T, root string, n int, skip ...string) string {
	t.Helper()
	dir := filepath.Join(root, fmt.Sprintf("final-best-model-v%d", n))
	require.NoError(t, os.MkdirAll(dir, 0o755))

	files := map[string]string{
		"adapter_model.safetensors": "weights",
		"tokenizer_config.json":     "{}",
		"training_info.json": fmt.Sprintf(
			`{"final_loss": 0.%d, "total_steps": %d, "dataset_size": 120, "timestamp": "2024-05-0%dT10:00:00"}`, n, 100*n, n),
	}
	for name, body := range files {
		if contains(skip, name) {
			continue
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	return NewManager(root, NewSymlinkPointer(filepath.Join(root, "active-model")), nil), root
}

func TestListOrdersAndInspects(t *testing.T) {
	m, root := newTestManager(t)
	writeVersion(t, root, 2)
	writeVersion(t, root, 1)
	writeVersion(t, root, 3, "tokenizer_config.json")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "scratch"), 0o755))

	versions, err := m.List()
	require.NoError(t, err)
	require.Len(t, versions, 3)

	assert.Equal(t, 1, versions[0].Ordinal)
	assert.Equal(t, 2, versions[1].Ordinal)
	assert.Equal(t, 200, versions[1].Metrics.TotalSteps)
	assert.Equal(t, 120, versions[1].Metrics.DatasetSize)
	assert.Equal(t, 2024, versions[1].CreatedAt.Year())
	assert.True(t, versions[1].Complete())
	assert.Equal(t, []string{"tokenizer_config.json"}, versions[2].Missing)
}

func TestAdapterUnderMethodDirCounts(t *testing.T) {
	m, root := newTestManager(t)
	dir := writeVersion(t, root, 1, "adapter_model.safetensors")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "method1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "method1", "adapter_model.safetensors"), []byte("w"), 0o644))

	v, err := m.Activate(1)
	require.NoError(t, err)
	assert.True(t, v.Complete())
}

func TestActivateAndCurrent(t *testing.T) {
	m, root := newTestManager(t)
	writeVersion(t, root, 1)
	writeVersion(t, root, 2)

	cur, err := m.Current()
	require.NoError(t, err)
	assert.Nil(t, cur)
	assert.Empty(t, m.ActiveName())

	_, err = m.Activate(2)
	require.NoError(t, err)

	cur, err = m.Current()
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, 2, cur.Ordinal)
	assert.Equal(t, "final-best-model-v2", m.ActiveName())

	target, err := os.Readlink(filepath.Join(root, "active-model"))
	require.NoError(t, err)
	assert.Equal(t, "final-best-model-v2", target)
}

func TestActivateIncompleteLeavesPointer(t *testing.T) {
	m, root := newTestManager(t)
	writeVersion(t, root, 1)
	writeVersion(t, root, 2, "adapter_model.safetensors")

	_, err := m.Activate(1)
	require.NoError(t, err)

	_, err = m.Activate(2)
	require.ErrorIs(t, err, ErrIncomplete)
	var ie *IncompleteError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, []string{"adapter_model.safetensors"}, ie.Missing)

	assert.Equal(t, "final-best-model-v1", m.ActiveName())
}

func TestActivateMissingVersion(t *testing.T) {
	m, root := newTestManager(t)
	writeVersion(t, root, 1)

	_, err := m.Activate(7)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNextAndRollback(t *testing.T) {
	m, root := newTestManager(t)
	writeVersion(t, root, 1)
	writeVersion(t, root, 2)

	v, err := m.Next()
	require.NoError(t, err)
	assert.Equal(t, 1, v.Ordinal, "first version when nothing is active")

	v, err = m.Next()
	require.NoError(t, err)
	assert.Equal(t, 2, v.Ordinal)

	_, err = m.Next()
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "final-best-model-v2", m.ActiveName())

	v, err = m.Rollback()
	require.NoError(t, err)
	assert.Equal(t, 1, v.Ordinal)

	_, err = m.Rollback()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSymlinkSwapIsCompareAndSwap(t *testing.T) {
	root := t.TempDir()
	p := NewSymlinkPointer(filepath.Join(root, "active-model"))

	require.NoError(t, p.Swap("", "a-v1"))
	assert.ErrorIs(t, p.Swap("", "a-v2"), ErrConflict)
	require.NoError(t, p.Swap("a-v1", "a-v2"))

	got, err := p.Load()
	require.NoError(t, err)
	assert.Equal(t, "a-v2", got)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary links left behind")
}

func TestConcurrentReadersAlwaysSeeAVersion(t *testing.T) {
	m, root := newTestManager(t)
	writeVersion(t, root, 1)
	writeVersion(t, root, 2)
	_, err := m.Activate(1)
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var bad []string
	var mu sync.Mutex
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				name := m.ActiveName()
				if name != "final-best-model-v1" && name != "final-best-model-v2" {
					mu.Lock()
					bad = append(bad, name)
					mu.Unlock()
				}
			}
		}()
	}

	for i := 0; i < 50; i++ {
		_, err := m.Activate(2 - i%2)
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
	assert.Empty(t, bad)
}

func TestMemoryPointer(t *testing.T) {
	p := &MemoryPointer{}
	require.NoError(t, p.Swap("", "x"))
	assert.ErrorIs(t, p.Swap("y", "z"), ErrConflict)
	got, _ := p.Load()
	assert.Equal(t, "x", got)
}

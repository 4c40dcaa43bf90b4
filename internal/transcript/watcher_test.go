package transcript

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcher_TriggersOnMatchingWrites(t *testing.T) {
	root := t.TempDir()
	var fired atomic.Int32

	w := NewWatcher(NewSource([]string{root}, nil), 50*time.Millisecond, func() { fired.Add(1) })
	require.NoError(t, w.Start())
	defer w.Stop()

	// Non-matching files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, int32(0), fired.Load())

	// Several writes in quick succession collapse into one trigger.
	path := filepath.Join(root, "session.jsonl")
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte(`{"role":"user","text":"hi"}`+"\n"), 0o644))
	}

	require.Eventually(t, func() bool { return fired.Load() == 1 }, 2*time.Second, 20*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, int32(1), fired.Load())
}

func TestWatcher_PicksUpNewSubdirectories(t *testing.T) {
	root := t.TempDir()
	var fired atomic.Int32

	w := NewWatcher(NewSource([]string{root}, nil), 30*time.Millisecond, func() { fired.Add(1) })
	require.NoError(t, w.Start())
	defer w.Stop()

	sub := filepath.Join(root, "project")
	require.NoError(t, os.Mkdir(sub, 0o755))
	time.Sleep(100 * time.Millisecond) // let the watcher add the new directory

	require.NoError(t, os.WriteFile(filepath.Join(sub, "a.jsonl"), []byte("{}\n"), 0o644))
	require.Eventually(t, func() bool { return fired.Load() >= 1 }, 2*time.Second, 20*time.Millisecond)
}

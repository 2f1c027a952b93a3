package server

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type lineCollector struct {
	mu    sync.Mutex
	lines []string
}

func (lc *lineCollector) add(line string) {
	lc.mu.Lock()
	lc.lines = append(lc.lines, line)
	lc.mu.Unlock()
}

func (lc *lineCollector) snapshot() []string {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return append([]string(nil), lc.lines...)
}

func startTailer(t *testing.T, path string) *lineCollector {
	t.Helper()
	lc := &lineCollector{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	tl := newTailer(path)
	tl.poll = 20 * time.Millisecond
	go func() {
		defer close(done)
		tl.run(ctx, lc.add)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return lc
}

func appendFile(t *testing.T, path, s string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(s)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestTailerSkipsExistingContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	require.NoError(t, os.WriteFile(path, []byte("ancient history\n"), 0o644))

	lc := startTailer(t, path)
	appendFile(t, path, "new line\n")

	require.Eventually(t, func() bool {
		got := lc.snapshot()
		return len(got) == 1 && got[0] == "new line"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTailerBuffersPartialLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	lc := startTailer(t, path)
	appendFile(t, path, "half")
	time.Sleep(100 * time.Millisecond)
	require.Empty(t, lc.snapshot(), "fragment without newline must not be emitted")

	appendFile(t, path, " and rest\r\n")
	require.Eventually(t, func() bool {
		got := lc.snapshot()
		return len(got) == 1 && got[0] == "half and rest"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTailerSurvivesTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	lc := startTailer(t, path)
	appendFile(t, path, "before\n")
	require.Eventually(t, func() bool { return len(lc.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Truncate(path, 0))
	time.Sleep(100 * time.Millisecond)
	appendFile(t, path, "after\n")

	require.Eventually(t, func() bool {
		got := lc.snapshot()
		return len(got) == 2 && got[1] == "after"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTailerFollowsRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	lc := startTailer(t, path)
	appendFile(t, path, "first\n")
	require.Eventually(t, func() bool { return len(lc.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)

	// Rename-based rotation: a fresh file appears under the same path.
	require.NoError(t, os.Rename(path, filepath.Join(dir, "node.log.1")))
	require.NoError(t, os.WriteFile(path, []byte("second\n"), 0o644))

	require.Eventually(t, func() bool {
		got := lc.snapshot()
		return len(got) == 2 && got[1] == "second"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTailerWaitsForFileToAppear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "late.log")
	lc := startTailer(t, path)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("born late\n"), 0o644))

	require.Eventually(t, func() bool {
		got := lc.snapshot()
		return len(got) == 1 && got[0] == "born late"
	}, 2*time.Second, 10*time.Millisecond)
}

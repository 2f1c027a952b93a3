package server

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"time"
)

const tailPollInterval = 200 * time.Millisecond

// tailer follows a log file the way `tail -F` does: it starts at EOF (only
// lines written after attach are streamed), survives truncation, and reopens
// when the file is rotated out from under it.
type tailer struct {
	path string
	poll time.Duration

	file    *os.File
	offset  int64
	partial strings.Builder
}

func newTailer(path string) *tailer {
	return &tailer{path: path, poll: tailPollInterval}
}

// run streams complete lines to out until ctx is cancelled. The file not
// existing yet is not an error; the tailer waits for it to appear.
func (t *tailer) run(ctx context.Context, out func(line string)) {
	defer func() {
		if t.file != nil {
			_ = t.file.Close()
		}
	}()

	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	t.open(true)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if t.file == nil {
			t.open(false)
			if t.file == nil {
				continue
			}
		}
		t.checkRotation()
		if t.file == nil {
			continue
		}
		t.drain(out)
	}
}

// open attaches to the file. seekEnd controls whether history is skipped;
// only the very first attach does, a rotated replacement streams from its
// beginning.
func (t *tailer) open(seekEnd bool) {
	f, err := os.Open(t.path)
	if err != nil {
		return
	}
	t.file = f
	t.offset = 0
	if seekEnd {
		if off, err := f.Seek(0, io.SeekEnd); err == nil {
			t.offset = off
		}
	}
}

// checkRotation reopens when the path now names a different file, and
// rewinds when the file shrank (copytruncate rotation).
func (t *tailer) checkRotation() {
	cur, err := t.file.Stat()
	if err != nil {
		t.reset()
		return
	}
	onDisk, err := os.Stat(t.path)
	if err != nil || !os.SameFile(cur, onDisk) {
		t.reset()
		t.open(false)
		return
	}
	if onDisk.Size() < t.offset {
		if _, err := t.file.Seek(0, io.SeekStart); err != nil {
			t.reset()
			return
		}
		t.offset = 0
		t.partial.Reset()
	}
}

func (t *tailer) reset() {
	_ = t.file.Close()
	t.file = nil
	t.offset = 0
	t.partial.Reset()
}

// drain reads everything currently available and emits complete lines. A
// trailing fragment without '\n' stays buffered until its newline arrives.
func (t *tailer) drain(out func(line string)) {
	buf := make([]byte, 32*1024)
	for {
		n, err := t.file.Read(buf)
		if n > 0 {
			t.offset += int64(n)
			chunk := buf[:n]
			for {
				idx := bytes.IndexByte(chunk, '\n')
				if idx < 0 {
					t.partial.Write(chunk)
					break
				}
				t.partial.Write(chunk[:idx])
				line := strings.TrimSuffix(t.partial.String(), "\r")
				t.partial.Reset()
				out(line)
				chunk = chunk[idx+1:]
			}
		}
		if err != nil {
			return
		}
	}
}

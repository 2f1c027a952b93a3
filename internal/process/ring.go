package process

import (
	"bytes"
	"sync"
)

// Ring is a bounded FIFO buffer of log lines. When full, the oldest line is
// dropped. Safe for one writer and concurrent readers.
type Ring struct {
	mu    sync.Mutex
	lines []string
	head  int
	count int
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Ring{lines: make([]string, capacity)}
}

func (r *Ring) Append(line string) {
	r.mu.Lock()
	idx := (r.head + r.count) % len(r.lines)
	if r.count == len(r.lines) {
		// full: overwrite oldest
		r.lines[r.head] = line
		r.head = (r.head + 1) % len(r.lines)
	} else {
		r.lines[idx] = line
		r.count++
	}
	r.mu.Unlock()
}

// Len returns the number of buffered lines.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Last returns up to n most recent lines in append order.
func (r *Ring) Last(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]string, n)
	start := r.count - n
	for i := 0; i < n; i++ {
		out[i] = r.lines[(r.head+start+i)%len(r.lines)]
	}
	return out
}

// lineWriter splits a byte stream into newline-delimited records and appends
// complete lines to the ring. A trailing partial line is held back until its
// newline arrives; Flush pushes whatever remains (used when the child exits
// mid-line).
type lineWriter struct {
	mu   sync.Mutex
	ring *Ring
	rem  bytes.Buffer
}

func newLineWriter(ring *Ring) *lineWriter { return &lineWriter{ring: ring} }

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rem.Write(p)
	for {
		b := w.rem.Bytes()
		i := bytes.IndexByte(b, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(b[:i], "\r"))
		w.ring.Append(line)
		w.rem.Next(i + 1)
	}
	return len(p), nil
}

func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.rem.Len() > 0 {
		w.ring.Append(w.rem.String())
		w.rem.Reset()
	}
}

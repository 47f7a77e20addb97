// Package buildlog provides the append-only text buffer that collects a
// build attempt's output while it runs. Viewers tail it through stable
// byte offsets, so a long build is observable before it finishes.
package buildlog

import (
	"fmt"
	"sync"
)

// Buffer is a concurrency-safe append-only log buffer.
// It implements io.Writer so container output can be streamed into it.
type Buffer struct {
	mu  sync.RWMutex
	buf []byte
}

// New returns an empty buffer.
func New() *Buffer {
	return &Buffer{}
}

// Write appends p to the buffer. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	b.buf = append(b.buf, p...)
	b.mu.Unlock()
	return len(p), nil
}

// Printf appends a formatted line, terminating it with a newline.
func (b *Buffer) Printf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	b.mu.Lock()
	b.buf = append(b.buf, line...)
	if len(line) == 0 || line[len(line)-1] != '\n' {
		b.buf = append(b.buf, '\n')
	}
	b.mu.Unlock()
}

// String returns the full buffer contents.
func (b *Buffer) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return string(b.buf)
}

// Len returns the current buffer length in bytes.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.buf)
}

// ReadFrom returns the contents from offset onward and the next offset to
// poll with. An offset beyond the current length yields an empty chunk
// and the current length, so tailing readers self-correct.
func (b *Buffer) ReadFrom(offset int) (chunk string, next int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if offset < 0 || offset > len(b.buf) {
		return "", len(b.buf)
	}
	return string(b.buf[offset:]), len(b.buf)
}

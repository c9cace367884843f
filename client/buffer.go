package client

import (
	"bytes"
	"sync"
	"time"
)

const (
	DefaultFlushIdle    = 800 * time.Millisecond
	DefaultMaxChunkSize = 16 * 1024
)

// outputBuffer coalesces child-process output into outbound events.
// Bytes accumulate until either the idle interval passes with no new
// output or the buffer exceeds the maximum chunk size; chunks are split
// at that boundary so no single event exceeds it. If the flush callback
// fails the buffered bytes are retained for the next attempt.
type outputBuffer struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	idle     time.Duration
	maxChunk int
	flushFn  func(chunk []byte) error
	timer    *time.Timer
	closed   bool
}

func newOutputBuffer(idle time.Duration, maxChunk int, flushFn func([]byte) error) *outputBuffer {
	if idle <= 0 {
		idle = DefaultFlushIdle
	}
	if maxChunk <= 0 {
		maxChunk = DefaultMaxChunkSize
	}
	return &outputBuffer{
		idle:     idle,
		maxChunk: maxChunk,
		flushFn:  flushFn,
	}
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, nil
	}

	b.buf.Write(p)

	if b.buf.Len() >= b.maxChunk {
		b.flushLocked()
	}

	// New output restarts the idle clock. Bytes retained by a failed
	// flush get another attempt when it fires.
	if b.buf.Len() > 0 {
		if b.timer != nil {
			b.timer.Stop()
		}
		b.timer = time.AfterFunc(b.idle, func() { b.Flush() })
	}
	return len(p), nil
}

// Flush forces everything buffered out now.
func (b *outputBuffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

func (b *outputBuffer) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	for b.buf.Len() > 0 {
		n := b.buf.Len()
		if n > b.maxChunk {
			n = b.maxChunk
		}
		chunk := make([]byte, n)
		copy(chunk, b.buf.Bytes()[:n])
		if err := b.flushFn(chunk); err != nil {
			// Keep the bytes; a later flush retries them.
			return
		}
		b.buf.Next(n)
	}
}

// Close performs a final flush and drops anything that still cannot be
// delivered.
func (b *outputBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
	b.buf.Reset()
	b.closed = true
}

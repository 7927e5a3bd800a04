package session

import (
	"context"
	"errors"
	"io"
	"regexp"
	"sync"
	"time"
)

// DefaultMatchBufferBytes caps the unconsumed output kept for matching.
const DefaultMatchBufferBytes = 64 * 1024

var (
	// ErrExpectTimeout is returned when no pattern matched within the phase wait.
	ErrExpectTimeout = errors.New("expect timed out")
	// ErrTargetClosed is returned when the target's output stream ended before a match.
	ErrTargetClosed = errors.New("target output closed")
)

// Match is one successful expect.
type Match struct {
	Index int
	Text  string
	end   int64
}

// expecter pumps PTY output into a bounded buffer and matches patterns against
// it. Only the reader goroutine writes to the buffer.
type expecter struct {
	mu       sync.Mutex
	buf      []byte
	offset   int64
	max      int
	closed   bool
	readErr  error
	notify   chan struct{}
	done     chan struct{}
	received int64
}

func newExpecter(r io.Reader, sink io.Writer, max int) *expecter {
	if max <= 0 {
		max = DefaultMatchBufferBytes
	}
	e := &expecter{
		max:    max,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go e.pump(r, sink)
	return e
}

func (e *expecter) pump(r io.Reader, sink io.Writer) {
	defer close(e.done)
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if sink != nil {
				_, _ = sink.Write(chunk[:n])
			}
			e.append(chunk[:n])
		}
		if err != nil {
			e.mu.Lock()
			e.closed = true
			if !errors.Is(err, io.EOF) {
				e.readErr = err
			}
			e.mu.Unlock()
			e.signal()
			return
		}
	}
}

func (e *expecter) append(data []byte) {
	e.mu.Lock()
	e.buf = append(e.buf, data...)
	e.received += int64(len(data))
	if overflow := len(e.buf) - e.max; overflow > 0 {
		e.buf = append(e.buf[:0], e.buf[overflow:]...)
		e.offset += int64(overflow)
	}
	e.mu.Unlock()
	e.signal()
}

func (e *expecter) signal() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Expect waits up to timeout for the earliest match of any pattern. Ties go to
// the lower index. The matched text is not consumed; call Consume.
func (e *expecter) Expect(ctx context.Context, timeout time.Duration, patterns ...*regexp.Regexp) (Match, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		e.mu.Lock()
		match, ok := e.scanLocked(patterns)
		closed := e.closed
		e.mu.Unlock()

		if ok {
			return match, nil
		}
		if closed {
			return Match{Index: -1}, ErrTargetClosed
		}

		select {
		case <-e.notify:
		case <-timer.C:
			return Match{Index: -1}, ErrExpectTimeout
		case <-ctx.Done():
			return Match{Index: -1}, ctx.Err()
		}
	}
}

func (e *expecter) scanLocked(patterns []*regexp.Regexp) (Match, bool) {
	best := Match{Index: -1}
	bestStart := -1
	for i, pattern := range patterns {
		if pattern == nil {
			continue
		}
		loc := pattern.FindIndex(e.buf)
		if loc == nil {
			continue
		}
		if bestStart == -1 || loc[0] < bestStart {
			bestStart = loc[0]
			best = Match{
				Index: i,
				Text:  string(e.buf[loc[0]:loc[1]]),
				end:   e.offset + int64(loc[1]),
			}
		}
	}
	return best, best.Index >= 0
}

// Consume discards buffered output up to the end of m.
func (e *expecter) Consume(m Match) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cut := int(m.end - e.offset)
	if cut <= 0 {
		return
	}
	if cut > len(e.buf) {
		cut = len(e.buf)
	}
	e.buf = append(e.buf[:0], e.buf[cut:]...)
	e.offset += int64(cut)
}

// Closed reports whether the output stream has ended.
func (e *expecter) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Received returns the total number of bytes read from the target.
func (e *expecter) Received() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.received
}

// Wait blocks until the reader goroutine exits or timeout elapses.
func (e *expecter) Wait(timeout time.Duration) bool {
	select {
	case <-e.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

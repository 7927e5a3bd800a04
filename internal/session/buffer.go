package session

import "sync"

// DefaultDiagnosticTailBytes bounds the transcript tail handed to the classifier.
const DefaultDiagnosticTailBytes = 256 * 1024

// tailBuffer keeps the last max bytes written to it. Sanitizer reports end
// with their SUMMARY line, so the tail is the part worth keeping.
type tailBuffer struct {
	mu        sync.Mutex
	max       int
	data      []byte
	truncated bool
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = DefaultDiagnosticTailBytes
	}
	return &tailBuffer{
		max:  max,
		data: make([]byte, 0, 4096),
	}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	written := len(p)
	if len(p) >= b.max {
		b.data = append(b.data[:0], p[len(p)-b.max:]...)
		b.truncated = true
		return written, nil
	}
	if overflow := len(b.data) + len(p) - b.max; overflow > 0 {
		b.data = append(b.data[:0], b.data[overflow:]...)
		b.truncated = true
	}
	b.data = append(b.data, p...)
	return written, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.truncated {
		return string(b.data)
	}
	return "...[output truncated]\n" + string(b.data)
}

package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"regexp"
	"testing"
	"time"
)

func TestExpectReturnsEarliestMatch(t *testing.T) {
	t.Parallel()

	reader, writer := io.Pipe()
	defer writer.Close()
	var transcript bytes.Buffer
	exp := newExpecter(reader, &transcript, 0)

	go func() {
		_, _ = writer.Write([]byte("Hit space to continue: --More--"))
	}()

	more := regexp.MustCompile(`--More--`)
	hit := regexp.MustCompile(`Hit space`)
	m, err := exp.Expect(context.Background(), time.Second, more, hit)
	if err != nil {
		t.Fatalf("Expect() error = %v", err)
	}
	if m.Index != 1 || m.Text != "Hit space" {
		t.Fatalf("match = %+v, want index 1 %q", m, "Hit space")
	}

	m, err = exp.Expect(context.Background(), time.Second, more, hit)
	if err != nil || m.Index != 1 {
		t.Fatalf("unconsumed match should repeat, got %+v, %v", m, err)
	}

	exp.Consume(m)
	m, err = exp.Expect(context.Background(), time.Second, more, hit)
	if err != nil || m.Index != 0 {
		t.Fatalf("after consume match = %+v, %v, want --More--", m, err)
	}
}

func TestExpectTieGoesToLowerIndex(t *testing.T) {
	t.Parallel()

	exp := newExpecter(bytes.NewBufferString("Dlvl: 1"), nil, 0)
	m, err := exp.Expect(context.Background(), time.Second,
		regexp.MustCompile(`Dlvl`), regexp.MustCompile(`Dlvl: \d`))
	if err != nil {
		t.Fatalf("Expect() error = %v", err)
	}
	if m.Index != 0 {
		t.Fatalf("Index = %d, want 0", m.Index)
	}
}

func TestExpectTimeout(t *testing.T) {
	t.Parallel()

	reader, writer := io.Pipe()
	defer writer.Close()
	exp := newExpecter(reader, nil, 0)

	started := time.Now()
	_, err := exp.Expect(context.Background(), 50*time.Millisecond, regexp.MustCompile(`never`))
	if !errors.Is(err, ErrExpectTimeout) {
		t.Fatalf("error = %v, want ErrExpectTimeout", err)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("timeout took %s", elapsed)
	}
}

func TestExpectTargetClosed(t *testing.T) {
	t.Parallel()

	exp := newExpecter(bytes.NewBufferString("Goodbye"), nil, 0)
	if !exp.Wait(time.Second) {
		t.Fatal("reader did not stop at EOF")
	}
	_, err := exp.Expect(context.Background(), time.Second, regexp.MustCompile(`Really quit`))
	if !errors.Is(err, ErrTargetClosed) {
		t.Fatalf("error = %v, want ErrTargetClosed", err)
	}
	if !exp.Closed() {
		t.Fatal("Closed() = false after EOF")
	}
	if exp.Received() != int64(len("Goodbye")) {
		t.Fatalf("Received() = %d", exp.Received())
	}
}

func TestExpectMatchesBufferedTextAfterClose(t *testing.T) {
	t.Parallel()

	exp := newExpecter(bytes.NewBufferString("Really quit? "), nil, 0)
	exp.Wait(time.Second)
	m, err := exp.Expect(context.Background(), time.Second, regexp.MustCompile(`Really quit\?`))
	if err != nil || m.Index != 0 {
		t.Fatalf("buffered match = %+v, %v", m, err)
	}
}

func TestExpectHonorsContext(t *testing.T) {
	t.Parallel()

	reader, writer := io.Pipe()
	defer writer.Close()
	exp := newExpecter(reader, nil, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := exp.Expect(ctx, time.Minute, regexp.MustCompile(`x`))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestExpectBufferIsBounded(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("."), 100)
	payload = append(payload, []byte("--More--")...)
	var transcript bytes.Buffer
	exp := newExpecter(bytes.NewReader(payload), &transcript, 16)
	exp.Wait(time.Second)

	if _, err := exp.Expect(context.Background(), time.Second, regexp.MustCompile(`--More--`)); err != nil {
		t.Fatalf("tail match error = %v", err)
	}
	exp.mu.Lock()
	size := len(exp.buf)
	exp.mu.Unlock()
	if size > 16 {
		t.Fatalf("buffer = %d bytes, want <= 16", size)
	}
	if transcript.Len() != len(payload) {
		t.Fatalf("transcript = %d bytes, want all %d", transcript.Len(), len(payload))
	}
}

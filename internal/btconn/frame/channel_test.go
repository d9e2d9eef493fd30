package frame

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// collect runs ReceiveLoop on ch and returns the delivered messages and the
// loop's error once it exits.
func collect(t *testing.T, ch *Channel) (<-chan []string, <-chan error) {
	t.Helper()
	msgsCh := make(chan []string, 1)
	errCh := make(chan error, 1)
	go func() {
		var msgs []string
		err := ch.ReceiveLoop(func(text string) {
			msgs = append(msgs, text)
		})
		msgsCh <- msgs
		errCh <- err
	}()
	return msgsCh, errCh
}

func TestSendReceiveRoundTrip(t *testing.T) {
	texts := []string{"hello", "", "héllo wörld", strings.Repeat("x", 3000), "tab\tseparated"}

	a, b := net.Pipe()
	sender := New(a)
	receiver := New(b)
	msgsCh, errCh := collect(t, receiver)

	for _, text := range texts {
		if err := sender.Send(text); err != nil {
			t.Fatalf("Send(%q) error = %v", text, err)
		}
	}
	sender.Close()

	msgs := <-msgsCh
	if err := <-errCh; err != nil {
		t.Fatalf("ReceiveLoop() error = %v", err)
	}
	if len(msgs) != len(texts) {
		t.Fatalf("received %d messages, want %d: %q", len(msgs), len(texts), msgs)
	}
	for i := range texts {
		if msgs[i] != texts[i] {
			t.Errorf("message %d = %q, want %q", i, msgs[i], texts[i])
		}
	}
}

// recordingStream captures writes and never returns data.
type recordingStream struct {
	bytes.Buffer
	closed bool
}

func (s *recordingStream) Read([]byte) (int, error) { return 0, io.EOF }
func (s *recordingStream) Close() error             { s.closed = true; return nil }

func TestSendAppendsSingleDelimiter(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"hi", "hi\n"},
		{"hi\n", "hi\n"},
		{"", "\n"},
		{"a\nb", "a\nb\n"},
	}
	for _, tt := range tests {
		s := &recordingStream{}
		ch := New(s)
		if err := ch.Send(tt.in); err != nil {
			t.Fatalf("Send(%q) error = %v", tt.in, err)
		}
		if got := s.String(); got != tt.want {
			t.Errorf("Send(%q) wrote %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSendOnClosedChannelIsNoop(t *testing.T) {
	s := &recordingStream{}
	ch := New(s)
	ch.Close()

	if err := ch.Send("late"); err != nil {
		t.Fatalf("Send() after Close error = %v, want nil", err)
	}
	if s.Len() != 0 {
		t.Errorf("Send() after Close wrote %q", s.String())
	}
}

func TestSendOnDeadStreamIsSwallowed(t *testing.T) {
	a, b := net.Pipe()
	b.Close()
	ch := New(a)

	if err := ch.Send("anyone there?"); err != nil {
		t.Fatalf("Send() on dead stream error = %v, want nil", err)
	}
}

type failingWriter struct{ recordingStream }

func (f *failingWriter) Write([]byte) (int, error) { return 0, errors.New("radio fault") }

func TestSendReturnsOtherWriteErrors(t *testing.T) {
	ch := New(&failingWriter{})
	if err := ch.Send("x"); err == nil {
		t.Fatal("Send() should report a non-close write error")
	}
}

// scriptedReader returns one scripted chunk per Read call.
type scriptedReader struct {
	chunks []string
	err    error
}

func (r *scriptedReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}
func (r *scriptedReader) Write(p []byte) (int, error) { return len(p), nil }
func (r *scriptedReader) Close() error                { return nil }

func TestReceiveLoopSplitsAndReassembles(t *testing.T) {
	r := &scriptedReader{chunks: []string{"one\ntw", "o\nthr", "", "ee\n", "tail"}}
	var msgs []string
	err := New(r).ReceiveLoop(func(text string) { msgs = append(msgs, text) })
	if err != nil {
		t.Fatalf("ReceiveLoop() error = %v", err)
	}
	want := []string{"one", "two", "three", "tail"}
	if strings.Join(msgs, "|") != strings.Join(want, "|") {
		t.Errorf("messages = %q, want %q", msgs, want)
	}
}

func TestReceiveLoopReportsReadError(t *testing.T) {
	fault := errors.New("rfcomm reset")
	r := &scriptedReader{chunks: []string{"partial"}, err: fault}
	var msgs []string
	err := New(r).ReceiveLoop(func(text string) { msgs = append(msgs, text) })
	if !errors.Is(err, fault) {
		t.Fatalf("ReceiveLoop() error = %v, want %v", err, fault)
	}
	if len(msgs) != 1 || msgs[0] != "partial" {
		t.Errorf("messages = %q, want [partial]", msgs)
	}
}

// emptyReader always returns zero bytes and no error.
type emptyReader struct{ scriptedReader }

func (emptyReader) Read([]byte) (int, error) { return 0, nil }

func TestReceiveLoopGivesUpOnEndlessEmptyReads(t *testing.T) {
	err := New(&emptyReader{}).ReceiveLoop(func(string) {})
	if !errors.Is(err, io.ErrNoProgress) {
		t.Fatalf("ReceiveLoop() error = %v, want io.ErrNoProgress", err)
	}
}

func TestReceiveLoopFlushesOversizedFragment(t *testing.T) {
	big := strings.Repeat("z", MaxMessageSize)
	var chunks []string
	for i := 0; i < len(big); i += readBufSize {
		chunks = append(chunks, big[i:i+readBufSize])
	}
	r := &scriptedReader{chunks: append(chunks, "end\n")}

	var msgs []string
	if err := New(r).ReceiveLoop(func(text string) { msgs = append(msgs, text) }); err != nil {
		t.Fatalf("ReceiveLoop() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if len(msgs[0]) != MaxMessageSize {
		t.Errorf("first message length = %d, want %d", len(msgs[0]), MaxMessageSize)
	}
	if msgs[1] != "end" {
		t.Errorf("second message = %q, want %q", msgs[1], "end")
	}
}

func TestCloseUnblocksReceiveLoop(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	ch := New(a)
	_, errCh := collect(t, ch)

	time.Sleep(10 * time.Millisecond)
	ch.Close()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("ReceiveLoop() after Close error = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ReceiveLoop() did not return after Close")
	}
}

// countingStream counts Close calls.
type countingStream struct {
	recordingStream
	mu     sync.Mutex
	closes int
}

func (s *countingStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func TestCloseIdempotentAndConcurrent(t *testing.T) {
	s := &countingStream{}
	ch := New(s)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ch.Close(); err != nil {
				t.Errorf("Close() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if s.closes != 1 {
		t.Errorf("underlying Close called %d times, want 1", s.closes)
	}
	if !ch.Closed() {
		t.Error("Closed() = false after Close")
	}
}

package transport

// Public API to easy create transport stubs to test your code.

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
)

var ErrMockClosed = errors.New("mock channel closed")

// Mock is in-memory Channel. Inject feeds device side bytes, Writes observes host side.
type Mock struct {
	Identifier string

	mu      sync.Mutex
	pending []byte
	written bytes.Buffer
	failErr error

	in       chan []byte
	writes   chan []byte
	failch   chan struct{}
	failOnce sync.Once
	closed   chan struct{}
	closeOne sync.Once
}

func NewMock(identifier string) *Mock {
	return &Mock{
		Identifier: identifier,
		in:         make(chan []byte, 64),
		writes:     make(chan []byte, 256),
		failch:     make(chan struct{}),
		closed:     make(chan struct{}),
	}
}

func (m *Mock) Read(p []byte) (int, error) {
	m.mu.Lock()
	if len(m.pending) > 0 {
		n := copy(p, m.pending)
		m.pending = m.pending[n:]
		m.mu.Unlock()
		return n, nil
	}
	m.mu.Unlock()

	select {
	case b := <-m.in:
		n := copy(p, b)
		if n < len(b) {
			m.mu.Lock()
			m.pending = append(m.pending, b[n:]...)
			m.mu.Unlock()
		}
		return n, nil
	case <-m.failch:
		return 0, m.err()
	case <-m.closed:
		return 0, io.EOF
	}
}

func (m *Mock) Write(p []byte) (int, error) {
	select {
	case <-m.failch:
		return 0, m.err()
	case <-m.closed:
		return 0, ErrMockClosed
	default:
	}
	b := append([]byte(nil), p...)
	m.mu.Lock()
	m.written.Write(b)
	m.mu.Unlock()
	select {
	case m.writes <- b:
	default: // Written() still has it
	}
	return len(p), nil
}

func (m *Mock) Close() error {
	m.closeOne.Do(func() { close(m.closed) })
	return nil
}

// Inject bytes as if sent by device.
func (m *Mock) Inject(b []byte) {
	select {
	case m.in <- append([]byte(nil), b...):
	case <-m.closed:
	}
}

// Fail makes pending and future Read/Write return err, simulating unplugged cable.
func (m *Mock) Fail(err error) {
	m.failOnce.Do(func() {
		m.mu.Lock()
		m.failErr = err
		m.mu.Unlock()
		close(m.failch)
	})
}

func (m *Mock) err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failErr
}

// Writes delivers bytes of every Write call.
func (m *Mock) Writes() <-chan []byte { return m.writes }

func (m *Mock) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.written.Bytes()...)
}

func (m *Mock) IsClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// MockOpener hands out Mock channels, optionally failing.
type MockOpener struct {
	mu       sync.Mutex
	failNext int
	failErr  error
	history  map[string][]*Mock
	opened   chan *Mock
}

func NewMockOpener() *MockOpener {
	return &MockOpener{
		history: make(map[string][]*Mock),
		opened:  make(chan *Mock, 64),
	}
}

func (o *MockOpener) Open(ctx context.Context, identifier string) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failNext != 0 {
		if o.failNext > 0 {
			o.failNext--
		}
		return nil, errors.Annotatef(o.failErr, "mock open identifier=%s", identifier)
	}
	m := NewMock(identifier)
	o.history[identifier] = append(o.history[identifier], m)
	select {
	case o.opened <- m:
	default:
	}
	return m, nil
}

// FailOpens makes next n Open calls fail with err, n<0 means forever.
func (o *MockOpener) FailOpens(n int, err error) {
	o.mu.Lock()
	o.failNext, o.failErr = n, err
	o.mu.Unlock()
}

func (o *MockOpener) Opens(identifier string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.history[identifier])
}

func (o *MockOpener) Last(identifier string) *Mock {
	o.mu.Lock()
	defer o.mu.Unlock()
	h := o.history[identifier]
	if len(h) == 0 {
		return nil
	}
	return h[len(h)-1]
}

// WaitOpen returns next opened channel.
func (o *MockOpener) WaitOpen(t testing.TB, timeout time.Duration) *Mock {
	t.Helper()
	select {
	case m := <-o.opened:
		return m
	case <-time.After(timeout):
		t.Fatalf("transport.MockOpener no Open within %v", timeout)
		return nil
	}
}

// WaitWrite returns next write or fails test.
func (m *Mock) WaitWrite(t testing.TB, timeout time.Duration) []byte {
	t.Helper()
	select {
	case b := <-m.writes:
		return b
	case <-time.After(timeout):
		t.Fatalf("transport.Mock %s no Write within %v", m.Identifier, timeout)
		return nil
	}
}

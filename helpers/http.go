package helpers

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"sync"
)

// MockHTTP is http.RoundTripper replying with fixed raw response.
// Request bodies are kept for inspection.
type MockHTTP struct {
	Fun    func(*http.Request) (*http.Response, error)
	Header []byte // raw status line and headers, default 204
	Body   []byte
	Err    error

	mu     sync.Mutex
	bodies [][]byte
}

func (m *MockHTTP) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.bodies = append(m.bodies, b)
		m.mu.Unlock()
	}
	if m.Fun != nil {
		return m.Fun(req)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	header := m.Header
	if header == nil {
		header = []byte("HTTP/1.1 204 No Content\r\n\r\n")
	}
	rb := make([]byte, 0, len(header)+len(m.Body))
	rb = append(rb, header...)
	rb = append(rb, m.Body...)
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(rb)), req)
}

func (m *MockHTTP) Bodies() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.bodies...)
}

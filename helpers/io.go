package helpers

import (
	"expvar"
	"io"
)

// WriteAll repeats short writes until b is written.
// Writer that accepts nothing and returns no error gives io.ErrShortWrite.
func WriteAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n <= 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}

// StatReader adds bytes read to V. Nil V is allowed.
type StatReader struct {
	R io.Reader
	V *expvar.Int
}

func NewStatReader(r io.Reader, v *expvar.Int) *StatReader { return &StatReader{R: r, V: v} }

func (sr *StatReader) Read(p []byte) (int, error) {
	n, err := sr.R.Read(p)
	if n > 0 && sr.V != nil {
		sr.V.Add(int64(n))
	}
	return n, err
}

// StatWriter adds bytes written to V. Nil V is allowed.
type StatWriter struct {
	W io.Writer
	V *expvar.Int
}

func NewStatWriter(w io.Writer, v *expvar.Int) *StatWriter { return &StatWriter{W: w, V: v} }

func (sw *StatWriter) Write(p []byte) (int, error) {
	n, err := sw.W.Write(p)
	if n > 0 && sw.V != nil {
		sw.V.Add(int64(n))
	}
	return n, err
}

package helpers

import (
	"io"
	"sync/atomic"
)

// WriteAll repeats short writes until b is consumed.
func WriteAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}

// CountReader adds bytes read to N.
type CountReader struct {
	R io.Reader
	N *atomic.Int64
}

func (self CountReader) Read(p []byte) (int, error) {
	n, err := self.R.Read(p)
	self.N.Add(int64(n))
	return n, err
}

// CountWriter adds bytes written to N.
type CountWriter struct {
	W io.Writer
	N *atomic.Int64
}

func (self CountWriter) Write(p []byte) (int, error) {
	n, err := self.W.Write(p)
	self.N.Add(int64(n))
	return n, err
}

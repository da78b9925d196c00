package tcpstream

import (
	"io"
	"testing"
)

func TestCapWriterStopsAtCapacity(t *testing.T) {
	dst := make([]byte, 4)
	w := &capWriter{buf: dst}

	n, err := w.Write([]byte("ab"))
	if n != 2 || err != nil {
		t.Fatalf("Write(ab) = %d, %v", n, err)
	}
	n, err = w.Write([]byte("cdef"))
	if n != 2 || err != io.ErrShortWrite {
		t.Fatalf("Write(cdef) = %d, %v, want 2, ErrShortWrite", n, err)
	}
	if string(dst) != "abcd" {
		t.Fatalf("dst = %q, want abcd", dst)
	}
	if w.n != 4 {
		t.Fatalf("w.n = %d, want 4", w.n)
	}
}

func TestCapWriterExactFit(t *testing.T) {
	dst := make([]byte, 2)
	w := &capWriter{buf: dst}
	n, err := w.Write([]byte("hi"))
	if n != 2 || err != nil {
		t.Fatalf("Write(hi) = %d, %v", n, err)
	}
}

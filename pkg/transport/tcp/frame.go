package tcp

import (
	"bufio"
	"io"
)

// Frames are '\n' terminated lines. A peer may send "\r\n"; the codec trims it.
const (
	lineTerminator  = '\n'
	initialLineSize = 64 * 1024
)

// newLineScanner returns a scanner that yields one frame per Scan and fails
// with bufio.ErrTooLong once a frame exceeds maxLine bytes.
func newLineScanner(r io.Reader, maxLine int) *bufio.Scanner {
	s := bufio.NewScanner(r)
	initial := initialLineSize
	if maxLine < initial {
		initial = maxLine
	}
	s.Buffer(make([]byte, 0, initial), maxLine)
	s.Split(bufio.ScanLines)
	return s
}

// writeFrame writes line followed by the terminator. The caller flushes.
func writeFrame(w *bufio.Writer, line string) error {
	if _, err := w.WriteString(line); err != nil {
		return err
	}
	return w.WriteByte(lineTerminator)
}

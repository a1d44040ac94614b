package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// ErrLineTooLong is returned for a line longer than the reader's limit.
// The rest of that line has already been consumed, so reading can continue.
var ErrLineTooLong = errors.New("line exceeds maximum length")

// LineReader reads newline-delimited lines with an upper bound on line length.
type LineReader struct {
	r   *bufio.Reader
	max int
}

// NewLineReader wraps r. A max of zero or less disables the limit.
func NewLineReader(r io.Reader, max int) *LineReader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &LineReader{r: br, max: max}
}

// ReadLine returns the next line without its trailing "\n" or "\r\n".
// A final line without a newline is returned before io.EOF.
func (lr *LineReader) ReadLine() ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		frag, err := lr.r.ReadSlice('\n')
		if !tooLong {
			// +2 leaves room for "\r\n"; the exact check happens after trimming
			if lr.max > 0 && len(line)+len(frag) > lr.max+2 {
				tooLong = true
				line = nil
			} else {
				line = append(line, frag...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && tooLong {
				return nil, ErrLineTooLong
			}
			if errors.Is(err, io.EOF) && len(line) > 0 {
				return trimEOL(line), nil
			}
			return nil, err
		}
		break
	}
	if tooLong {
		return nil, ErrLineTooLong
	}
	line = trimEOL(line)
	if lr.max > 0 && len(line) > lr.max {
		return nil, ErrLineTooLong
	}
	return line, nil
}

func trimEOL(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte("\n"))
	return bytes.TrimSuffix(b, []byte("\r"))
}

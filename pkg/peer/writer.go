package peer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPeerGone marks every error returned by Writer.WriteLine.
// Callers treat it as "the peer is unreachable" and never retry.
var ErrPeerGone = errors.New("peer connection is gone")

// Conn is the write half of a peer connection.
type Conn interface {
	io.Writer
	SetWriteDeadline(t time.Time) error
	Close() error
}

// WriteError is returned when a line could not be written to a peer.
type WriteError struct {
	Key string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write to peer %s: %v", e.Key, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

func (e *WriteError) Is(target error) bool { return target == ErrPeerGone }

// Writer serializes line writes to one peer connection.
type Writer struct {
	key          string
	conn         Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	lines atomic.Uint64
	bytes atomic.Uint64
}

// NewWriter wraps the write half of conn. A writeTimeout of zero disables write deadlines.
func NewWriter(key string, conn Conn, writeTimeout time.Duration) *Writer {
	return &Writer{
		key:          key,
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

// Key returns the registry key of the peer.
func (w *Writer) Key() string {
	return w.key
}

// Closed reports whether Close has been called.
func (w *Writer) Closed() bool {
	return w.closed.Load()
}

// WriteLine writes payload followed by '\n'. Concurrent callers are
// serialized so lines never interleave on the wire.
func (w *Writer) WriteLine(payload []byte) error {
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed.Load() {
		return &WriteError{Key: w.key, Err: net.ErrClosed}
	}

	if w.writeTimeout > 0 {
		if err := w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
			return &WriteError{Key: w.key, Err: err}
		}
		defer w.conn.SetWriteDeadline(time.Time{})
	}

	n, err := w.conn.Write(buf)
	w.bytes.Add(uint64(n))
	if err != nil {
		return &WriteError{Key: w.key, Err: err}
	}
	if n < len(buf) {
		return &WriteError{Key: w.key, Err: io.ErrShortWrite}
	}
	w.lines.Add(1)
	return nil
}

// Close closes the underlying connection. Only the first call has an effect.
// It does not wait for an in-flight write; closing the socket unblocks it.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		w.closeErr = w.conn.Close()
	})
	return w.closeErr
}

// LinesWritten returns the number of complete lines written.
func (w *Writer) LinesWritten() uint64 {
	return w.lines.Load()
}

// BytesWritten returns the number of bytes written, including partial writes.
func (w *Writer) BytesWritten() uint64 {
	return w.bytes.Load()
}

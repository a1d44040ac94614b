package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ops-relay/pkg/peer"
	"github.com/ops-relay/pkg/protocol"
	"github.com/ops-relay/pkg/routing"
	"github.com/tidwall/sjson"
)

// Options tunes a relay client connection
type Options struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	KeepAlive    time.Duration
	MaxLineBytes int
}

func (o Options) withDefaults() Options {
	if o.DialTimeout == 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxLineBytes == 0 {
		o.MaxLineBytes = 1 << 20
	}
	return o
}

// Client is one connection to a relay. Sends may be called concurrently;
// reads must come from a single goroutine at a time.
type Client struct {
	conn   net.Conn
	writer *peer.Writer
	reader *protocol.LineReader
	readMu sync.Mutex
}

// Dial connects to the relay at addr
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	d := net.Dialer{Timeout: opts.DialTimeout, KeepAlive: opts.KeepAlive}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", addr, err)
	}
	return New(conn, opts), nil
}

// New wraps an established connection
func New(conn net.Conn, opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		conn:   conn,
		writer: peer.NewWriter(routing.KeyFromAddr(conn.RemoteAddr()), conn, opts.WriteTimeout),
		reader: protocol.NewLineReader(conn, opts.MaxLineBytes),
	}
}

// LocalAddr returns this end of the connection as "ip:port", which is the
// key the relay registers the client under (absent a PROXY header).
func (c *Client) LocalAddr() string {
	return routing.KeyFromAddr(c.conn.LocalAddr())
}

// Send relays content to destination. content is encoded as a JSON value.
func (c *Client) Send(destination string, content interface{}) error {
	line, err := sjson.SetBytes([]byte(`{}`), protocol.FieldDestination, destination)
	if err != nil {
		return fmt.Errorf("encode destination: %w", err)
	}
	if line, err = sjson.SetBytes(line, protocol.FieldContent, content); err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	return c.SendLine(line)
}

// SendRaw relays content, which must already be valid JSON, to destination.
func (c *Client) SendRaw(destination string, content []byte) error {
	line, err := sjson.SetBytes([]byte(`{}`), protocol.FieldDestination, destination)
	if err != nil {
		return fmt.Errorf("encode destination: %w", err)
	}
	if line, err = sjson.SetRawBytes(line, protocol.FieldContent, content); err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	return c.SendLine(line)
}

// SendLine writes one pre-encoded envelope.
func (c *Client) SendLine(line []byte) error {
	return c.writer.WriteLine(line)
}

// ReadEnvelope reads the next line from the relay. A zero timeout waits forever.
func (c *Client) ReadEnvelope(timeout time.Duration) (protocol.Envelope, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}
	for {
		line, err := c.reader.ReadLine()
		if err != nil {
			return protocol.Envelope{}, err
		}
		if len(line) == 0 {
			continue
		}
		return protocol.DecodeEnvelope(line)
	}
}

// ReadMessage is ReadEnvelope without keepalive probes.
func (c *Client) ReadMessage(timeout time.Duration) (protocol.Envelope, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		remaining := time.Duration(0)
		if !deadline.IsZero() {
			if remaining = time.Until(deadline); remaining <= 0 {
				return protocol.Envelope{}, fmt.Errorf("read message: %w", context.DeadlineExceeded)
			}
		}
		env, err := c.ReadEnvelope(remaining)
		if err != nil {
			return env, err
		}
		if env.Type() == protocol.TypeKeepalive {
			continue
		}
		return env, nil
	}
}

// Close closes the connection
func (c *Client) Close() error {
	return c.writer.Close()
}

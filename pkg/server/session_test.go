package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ops-relay/pkg/config"
	"github.com/ops-relay/pkg/metrics"
	"github.com/ops-relay/pkg/peer"
	"github.com/ops-relay/pkg/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (p *capturePublisher) Submit(ev telemetry.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return true
}

func (p *capturePublisher) Events() []telemetry.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]telemetry.Event(nil), p.events...)
}

// recordConn is a registry-only peer: it records writes and can be made to fail.
type recordConn struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	fail   bool
	closed atomic.Bool
}

func (c *recordConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return 0, errors.New("broken pipe")
	}
	return c.buf.Write(p)
}

func (c *recordConn) SetWriteDeadline(time.Time) error { return nil }

func (c *recordConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *recordConn) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func newTestServer(t *testing.T, pub telemetry.Publisher, mutate ...func(*config.Config)) *RelayServer {
	t.Helper()
	cfg := config.Default()
	cfg.Relay.BindAddr = "127.0.0.1:0"
	cfg.Relay.WriteTimeout = 2
	cfg.Relay.ReadTimeout = 0
	cfg.Relay.ProxyProtocol = false
	for _, m := range mutate {
		m(cfg)
	}
	srv, err := NewRelayServer(cfg, pub)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

type pipePeer struct {
	conn   net.Conn
	reader *bufio.Reader
	done   chan struct{}
}

func (p *pipePeer) send(t *testing.T, line string) {
	t.Helper()
	_, err := p.conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func (p *pipePeer) read(t *testing.T) string {
	t.Helper()
	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := p.reader.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSuffix(line, "\n")
}

func (p *pipePeer) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
}

// attach runs a session for key over an in-memory pipe and waits until it is registered.
func attach(t *testing.T, srv *RelayServer, key string) *pipePeer {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })

	p := &pipePeer{conn: client, reader: bufio.NewReader(client), done: make(chan struct{})}
	go func() {
		defer close(p.done)
		srv.serveSession(context.Background(), server, key, nil)
	}()
	require.Eventually(t, func() bool {
		_, ok := srv.conns.Lookup(key)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	return p
}

func TestSessionForwardRewritesSource(t *testing.T) {
	pub := &capturePublisher{}
	srv := newTestServer(t, pub)
	a := attach(t, srv, "10.0.0.1:5000")
	b := attach(t, srv, "10.0.0.2:6000")

	a.send(t, `{"source":"6.6.6.6","destination":"10.0.0.2","content":{"x": [1, 2]}}`)

	got := b.read(t)
	assert.Equal(t, "10.0.0.1", gjson.Get(got, "source").String())
	assert.Equal(t, "10.0.0.2", gjson.Get(got, "destination").String())
	assert.Equal(t, `{"x": [1, 2]}`, gjson.Get(got, "content").Raw)
	assert.False(t, gjson.Get(got, "timestamp").Exists())

	require.Eventually(t, func() bool { return len(pub.Events()) == 1 }, time.Second, 5*time.Millisecond)
	ev := pub.Events()[0]
	assert.Equal(t, telemetry.StatusForwarded, ev.Status)
	assert.Equal(t, "10.0.0.1", ev.Source)
	assert.Equal(t, "10.0.0.2", ev.Destination)
	assert.JSONEq(t, got, string(ev.Payload))
}

func TestSessionForwardByExactKey(t *testing.T) {
	srv := newTestServer(t, nil)
	a := attach(t, srv, "10.0.0.1:5000")
	b1 := attach(t, srv, "10.0.0.2:6000")
	attach(t, srv, "10.0.0.2:6001")

	a.send(t, `{"destination":"10.0.0.2:6000","content":"only b1"}`)
	assert.Equal(t, `"only b1"`, gjson.Get(b1.read(t), "content").Raw)
}

func TestSessionRoutingMiss(t *testing.T) {
	pub := &capturePublisher{}
	srv := newTestServer(t, pub)
	a := attach(t, srv, "10.0.0.1:5000")

	bystander := &recordConn{}
	srv.conns.Register("10.0.0.3:7000", peer.NewWriter("10.0.0.3:7000", bystander, 0))

	a.send(t, `{"destination":"10.0.0.9","content":"lost"}`)

	note := a.read(t)
	assert.Equal(t, "error", gjson.Get(note, "type").String())
	assert.Equal(t, "destination not connected", gjson.Get(note, "error").String())
	assert.Equal(t, "10.0.0.9", gjson.Get(note, "destination").String())

	require.Eventually(t, func() bool { return len(pub.Events()) == 1 }, time.Second, 5*time.Millisecond)
	ev := pub.Events()[0]
	assert.Equal(t, telemetry.StatusNoDestination, ev.Status)
	assert.Equal(t, `"lost"`, gjson.GetBytes(ev.Payload, "content").Raw)
	assert.Empty(t, bystander.String(), "a routing miss must not write to any registered peer")
}

func TestSessionSkipsBadLinesAndLoopsBackToSelf(t *testing.T) {
	pub := &capturePublisher{}
	srv := newTestServer(t, pub)
	a := attach(t, srv, "10.0.0.1:5000")

	a.send(t, `not json`)
	a.send(t, `[1,2,3]`)
	a.send(t, ``)
	a.send(t, `{"content":"no destination"}`)
	a.send(t, `{"destination":"10.0.0.1","content":"to myself"}`)

	got := a.read(t)
	assert.Equal(t, `"to myself"`, gjson.Get(got, "content").Raw)
	assert.Equal(t, "10.0.0.1", gjson.Get(got, "source").String())

	require.Eventually(t, func() bool { return len(pub.Events()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, telemetry.StatusForwarded, pub.Events()[0].Status)
}

func TestSessionDuplicateSourceCannotSpoof(t *testing.T) {
	srv := newTestServer(t, nil)
	a := attach(t, srv, "10.0.0.1:5000")
	b := attach(t, srv, "10.0.0.2:6000")

	a.send(t, `{"source":"6.6.6.6","destination":"10.0.0.2","content":"x","source":"6.6.6.6"}`)

	got := b.read(t)
	var decoded struct {
		Source string `json:"source"`
	}
	require.NoError(t, json.Unmarshal([]byte(got), &decoded))
	assert.Equal(t, "10.0.0.1", decoded.Source)
	assert.Equal(t, 1, strings.Count(got, `"source"`))
}

func decodeErrors(t *testing.T, srv *RelayServer, reason string) float64 {
	t.Helper()
	mfs, err := srv.registry.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range mfs {
		if mf.GetName() != "ops_relay_decode_errors_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "reason" && lp.GetValue() == reason {
					total += m.GetCounter().GetValue()
				}
			}
		}
	}
	return total
}

func TestSessionRejectsInvalidUTF8(t *testing.T) {
	srv := newTestServer(t, nil)
	a := attach(t, srv, "10.0.0.1:5000")

	a.send(t, "{\"destination\":\"10.0.0.1\",\"content\":\"\xff\xfe\"}")
	a.send(t, `{"destination":"10.0.0.1","content":"ok"}`)

	assert.Equal(t, `"ok"`, gjson.Get(a.read(t), "content").Raw)
	assert.Equal(t, 1.0, decodeErrors(t, srv, metrics.ReasonInvalidJSON))
}

func TestSessionDiscardsOverlongLine(t *testing.T) {
	srv := newTestServer(t, nil, func(c *config.Config) { c.Relay.MaxLineBytes = 64 })
	a := attach(t, srv, "10.0.0.1:5000")

	a.send(t, `{"destination":"10.0.0.1","content":"`+strings.Repeat("x", 500)+`"}`)
	a.send(t, `{"destination":"10.0.0.1","content":"ok"}`)

	assert.Equal(t, `"ok"`, gjson.Get(a.read(t), "content").Raw)
}

func TestSessionForwardFailureEvictsTarget(t *testing.T) {
	pub := &capturePublisher{}
	srv := newTestServer(t, pub)
	a := attach(t, srv, "10.0.0.1:5000")

	dead := &recordConn{fail: true}
	srv.conns.Register("10.0.0.2:6000", peer.NewWriter("10.0.0.2:6000", dead, 0))

	a.send(t, `{"destination":"10.0.0.2","content":"x"}`)

	require.Eventually(t, func() bool {
		_, ok := srv.conns.Lookup("10.0.0.2:6000")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, dead.closed.Load())

	// the sender's own session is unaffected
	a.send(t, `{"destination":"10.0.0.1","content":"still here"}`)
	assert.Equal(t, `"still here"`, gjson.Get(a.read(t), "content").Raw)

	require.Eventually(t, func() bool { return len(pub.Events()) == 2 }, time.Second, 5*time.Millisecond)
	events := pub.Events()
	assert.Equal(t, telemetry.StatusForwardFailed, events[0].Status)
	assert.Equal(t, telemetry.StatusForwarded, events[1].Status)
}

func TestSessionDisconnectRemovesKey(t *testing.T) {
	srv := newTestServer(t, nil)
	a := attach(t, srv, "10.0.0.1:5000")
	require.Equal(t, 1, srv.conns.Len())

	require.NoError(t, a.conn.Close())
	a.waitDone(t)

	_, ok := srv.conns.Lookup("10.0.0.1:5000")
	assert.False(t, ok)
	assert.Equal(t, 0, srv.conns.Len())
}

func TestStaleSessionDoesNotRemoveNewerEntry(t *testing.T) {
	srv := newTestServer(t, nil)
	old := attach(t, srv, "10.0.0.1:5000")
	oldWriter, _ := srv.conns.Lookup("10.0.0.1:5000")

	fresh := attach(t, srv, "10.0.0.1:5000")
	require.Eventually(t, func() bool {
		w, _ := srv.conns.Lookup("10.0.0.1:5000")
		return w != oldWriter
	}, 2*time.Second, 5*time.Millisecond)
	freshWriter, _ := srv.conns.Lookup("10.0.0.1:5000")

	require.NoError(t, old.conn.Close())
	old.waitDone(t)

	got, ok := srv.conns.Lookup("10.0.0.1:5000")
	require.True(t, ok)
	assert.Same(t, freshWriter, got)

	fresh.send(t, `{"destination":"10.0.0.1:5000","content":"mine"}`)
	assert.Equal(t, `"mine"`, gjson.Get(fresh.read(t), "content").Raw)
}

func TestSessionStateString(t *testing.T) {
	ss := &session{}
	assert.Equal(t, "accepted", ss.getState().String())
	ss.setState(stateReading)
	assert.Equal(t, "reading", ss.getState().String())
	assert.Equal(t, "removed", stateRemoved.String())
	assert.Equal(t, "unknown", sessionState(42).String())
}

func TestProxyHeaderSetsKey(t *testing.T) {
	srv := newTestServer(t, nil, func(c *config.Config) { c.Relay.ProxyProtocol = true })

	client, server := net.Pipe()
	defer client.Close()
	go srv.handleConnection(context.Background(), server)

	_, err := client.Write([]byte("PROXY TCP4 192.0.2.7 10.0.0.1 4000 8000\r\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := srv.conns.Lookup("192.0.2.7:4000")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	_, err = client.Write([]byte(`{"destination":"192.0.2.7","content":"via proxy"}` + "\n"))
	require.NoError(t, err)
	line, err := bufio.NewReader(client).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.7", gjson.Get(line, "source").String())
}

func TestProxyHeaderRejected(t *testing.T) {
	srv := newTestServer(t, nil, func(c *config.Config) { c.Relay.ProxyProtocol = true })

	client, server := net.Pipe()
	defer client.Close()
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.handleConnection(context.Background(), server)
	}()

	_, err := client.Write([]byte(`{"destination":"10.0.0.1"}` + "\n"))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection without PROXY header was not rejected")
	}
	assert.Equal(t, 0, srv.conns.Len())
}

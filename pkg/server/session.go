package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ops-relay/pkg/logging"
	"github.com/ops-relay/pkg/metrics"
	"github.com/ops-relay/pkg/peer"
	"github.com/ops-relay/pkg/protocol"
	"github.com/ops-relay/pkg/routing"
)

// session owns one accepted client connection for its whole lifetime.
type session struct {
	id     string
	key    string
	ip     string
	conn   net.Conn
	reader *protocol.LineReader
	writer *peer.Writer
	server *RelayServer

	state    atomic.Int32
	opened   time.Time
	received uint64
}

func (s *RelayServer) serveSession(ctx context.Context, conn net.Conn, key string, lr *protocol.LineReader) {
	if lr == nil {
		lr = protocol.NewLineReader(conn, s.cfg.Relay.MaxLineBytes)
	}
	sess := &session{
		id:     uuid.NewString(),
		key:    key,
		ip:     routing.HostOf(key),
		conn:   conn,
		reader: lr,
		server: s,
		opened: time.Now(),
	}
	sess.run(ctx)
}

func (ss *session) setState(st sessionState) {
	ss.state.Store(int32(st))
}

func (ss *session) getState() sessionState {
	return sessionState(ss.state.Load())
}

func (ss *session) run(ctx context.Context) {
	ss.register()
	defer ss.close()

	ss.setState(stateReading)
	readTimeout := ss.server.cfg.GetReadTimeout()
	for {
		if readTimeout > 0 {
			_ = ss.conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
		line, err := ss.reader.ReadLine()
		if err != nil {
			if errors.Is(err, protocol.ErrLineTooLong) {
				ss.server.collector.RecordDecodeError(metrics.ReasonLineTooLong)
				logging.Logf("[session] discarded line over %d bytes key=%s id=%s", ss.server.cfg.Relay.MaxLineBytes, ss.key, ss.id)
				continue
			}
			ss.logReadEnd(ctx, err)
			return
		}
		if len(line) == 0 {
			continue
		}
		ss.handleLine(line)
	}
}

func (ss *session) register() {
	ss.writer = peer.NewWriter(ss.key, ss.conn, ss.server.cfg.GetWriteTimeout())
	prev := ss.server.conns.Register(ss.key, ss.writer)
	ss.setState(stateRegistered)
	ss.server.collector.RecordSession(prev != nil)

	if prev != nil {
		logging.Logf("[registry] replaced existing connection key=%s id=%s", ss.key, ss.id)
	}
	logging.Logf("[registry] registered key=%s id=%s active=%d", ss.key, ss.id, ss.server.conns.Len())
}

func (ss *session) close() {
	ss.setState(stateClosing)
	removed := ss.server.conns.RemoveIf(ss.key, ss.writer)
	_ = ss.writer.Close()
	ss.setState(stateRemoved)

	logging.Logf("[registry] unregistered key=%s id=%s removed=%t received=%d duration=%s active=%d",
		ss.key, ss.id, removed, ss.received, time.Since(ss.opened).Truncate(time.Millisecond), ss.server.conns.Len())
}

func (ss *session) logReadEnd(ctx context.Context, err error) {
	switch {
	case errors.Is(err, io.EOF):
		logging.Debugf("[session][debug] closed by peer key=%s id=%s", ss.key, ss.id)
	case errors.Is(err, net.ErrClosed) || ss.writer.Closed() || ctx.Err() != nil:
		// evicted or server closing
		logging.Debugf("[session][debug] connection closed locally key=%s id=%s", ss.key, ss.id)
	default:
		ss.server.collector.RecordSessionError(sessionErrorRead)
		logging.Logf("[session] read error key=%s id=%s: %v", ss.key, ss.id, err)
	}
}

func (ss *session) handleLine(line []byte) {
	env, err := protocol.DecodeEnvelope(line)
	if err != nil {
		reason := metrics.ReasonInvalidJSON
		if errors.Is(err, protocol.ErrNotObject) {
			reason = metrics.ReasonNotObject
		}
		ss.server.collector.RecordDecodeError(reason)
		logging.Logf("[session] decode error key=%s id=%s bytes=%d: %v", ss.key, ss.id, len(line), err)
		return
	}
	ss.received++
	ss.server.collector.RecordReceived()

	env, err = env.WithSource(ss.ip)
	if err != nil {
		ss.server.collector.RecordDecodeError(metrics.ReasonInvalidJSON)
		logging.Logf("[session] rewrite source key=%s id=%s: %v", ss.key, ss.id, err)
		return
	}

	dest, ok := env.Destination()
	if !ok {
		ss.server.collector.RecordNoDestination()
		logging.Debugf("[session][debug] dropped envelope without destination key=%s id=%s", ss.key, ss.id)
		return
	}

	ss.server.forward(ss, env, dest)
}

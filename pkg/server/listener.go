package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ops-relay/pkg/logging"
	"github.com/ops-relay/pkg/protocol"
	"github.com/ops-relay/pkg/routing"
)

// accept error backoff bounds
var (
	acceptBackoffMin = 5 * time.Millisecond
	acceptBackoffMax = time.Second
)

// Listen opens the relay TCP listener on the configured bind address.
// Accepted sockets inherit the configured TCP keep-alive period.
func (s *RelayServer) Listen(ctx context.Context) (net.Listener, error) {
	lc := net.ListenConfig{KeepAlive: s.cfg.GetTCPKeepAlive()}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Relay.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.cfg.Relay.BindAddr, err)
	}
	return ln, nil
}

// StartRelayListener listens on the bind address and serves until ctx is cancelled
func (s *RelayServer) StartRelayListener(ctx context.Context) error {
	ln, err := s.Listen(ctx)
	if err != nil {
		return err
	}
	logging.Logf("[listen] relay addr=%s proxy_protocol=%t", ln.Addr(), s.cfg.Relay.ProxyProtocol)
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln, one session goroutine each, until ctx is
// cancelled or the server is closed. Live sessions are not drained.
func (s *RelayServer) Serve(ctx context.Context, ln net.Listener) error {
	if !s.track(ln, nil) {
		_ = ln.Close()
		return nil
	}
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				logging.Logf("[listen] relay addr=%s stopped", ln.Addr())
				return nil
			}
			s.collector.RecordSessionError(sessionErrorAccept)
			s.acceptErrLog.Do(func() {
				logging.Logf("[accept] error accepting connection: %v", err)
			})
			// back off on persistent errors such as fd exhaustion
			if backoff == 0 {
				backoff = acceptBackoffMin
			} else {
				backoff *= 2
			}
			if backoff > acceptBackoffMax {
				backoff = acceptBackoffMax
			}
			select {
			case <-ctx.Done():
				logging.Logf("[listen] relay addr=%s stopped", ln.Addr())
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		go s.handleConnection(ctx, conn)
	}
}

func (s *RelayServer) handleConnection(ctx context.Context, conn net.Conn) {
	remote := routing.KeyFromAddr(conn.RemoteAddr())
	logging.Debugf("[accept][debug] new connection remote=%s", remote)

	lr := protocol.NewLineReader(conn, s.cfg.Relay.MaxLineBytes)
	key := remote
	if s.cfg.Relay.ProxyProtocol {
		src, err := readProxyHeader(conn, lr, proxyHeaderTimeout)
		if err != nil {
			s.collector.RecordSessionError(sessionErrorProxyHeader)
			logging.Logf("[accept] rejecting connection remote=%s: %v", remote, err)
			_ = conn.Close()
			return
		}
		if src.IsValid() {
			key = src.String()
			logging.Debugf("[accept][debug] proxyproto=v1 remote=%s src=%s", remote, key)
		}
	}

	s.serveSession(ctx, conn, key, lr)
}

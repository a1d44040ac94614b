package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ops-relay/pkg/config"
	"github.com/ops-relay/pkg/logging"
	"golang.org/x/sync/errgroup"
)

// ErrInputClosed is returned by Pump once its input channel is closed.
var ErrInputClosed = errors.New("input closed")

// LinkInfo contains connection metadata for a relay link.
type LinkInfo struct {
	Addr        string
	Client      *Client
	LocalAddr   string
	ConnectedAt time.Time
}

// RunLink maintains a long-lived connection to the relay, redialling after
// every disconnect, and hands each connection to handler. It returns when ctx
// is cancelled or after client.max_reconnect consecutive failed dials.
func RunLink(ctx context.Context, cfg *config.Config, handler func(context.Context, LinkInfo) error) error {
	if cfg == nil {
		cfg = config.Default()
	}
	addr := cfg.Client.RelayAddr
	reconnectInterval := cfg.GetReconnectInterval()
	maxReconnect := cfg.Client.MaxReconnect
	opts := Options{
		WriteTimeout: cfg.GetWriteTimeout(),
		KeepAlive:    cfg.GetTCPKeepAlive(),
		MaxLineBytes: cfg.Relay.MaxLineBytes,
	}

	failures := 0
	for {
		c, err := Dial(ctx, addr, opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			logging.Logf("[link] failed to connect to relay %s: %v", addr, err)
			if maxReconnect > 0 && failures >= maxReconnect {
				return fmt.Errorf("giving up on relay %s after %d attempts: %w", addr, failures, err)
			}
		} else {
			failures = 0
			link := LinkInfo{
				Addr:        addr,
				Client:      c,
				LocalAddr:   c.LocalAddr(),
				ConnectedAt: time.Now(),
			}
			logging.Logf("[link] connected to relay %s local=%s", addr, link.LocalAddr)

			err = handler(ctx, link)
			_ = c.Close()
			if ctx.Err() != nil {
				return nil
			}
			logging.Logf("[link] connection to %s closed after %s: %v", addr, time.Since(link.ConnectedAt).Truncate(time.Second), err)
		}

		logging.Logf("[link] reconnecting to %s in %v (attempt %d)...", addr, reconnectInterval, failures+1)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectInterval):
		}
	}
}

// Pump sends every line received on in through c and writes every non-keepalive
// envelope read from c to out, one per line. It returns when the connection
// fails, in is closed, or ctx is cancelled.
func Pump(ctx context.Context, c *Client, in <-chan []byte, out io.Writer) error {
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { _ = c.Close() })
	defer stop()

	g.Go(func() error {
		w := bufio.NewWriter(out)
		for {
			env, err := c.ReadMessage(0)
			if err != nil {
				return fmt.Errorf("read from relay: %w", err)
			}
			_, _ = w.Write(env.Bytes())
			_ = w.WriteByte('\n')
			if err := w.Flush(); err != nil {
				return err
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-in:
				if !ok {
					return ErrInputClosed
				}
				if err := c.SendLine(line); err != nil {
					return fmt.Errorf("send to relay: %w", err)
				}
			}
		}
	})
	return g.Wait()
}

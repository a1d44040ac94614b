package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ops-relay/pkg/config"
	"github.com/ops-relay/pkg/liveness"
	"github.com/ops-relay/pkg/logging"
	"github.com/ops-relay/pkg/metrics"
	"github.com/ops-relay/pkg/registry"
	"github.com/ops-relay/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"
)

// NewRelayServer creates a new relay server. A nil publisher disables telemetry.
func NewRelayServer(cfg *config.Config, publisher telemetry.Publisher) (*RelayServer, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if publisher == nil {
		publisher = telemetry.NoopPublisher{}
	}

	server := &RelayServer{
		cfg:          cfg,
		conns:        registry.New(),
		publisher:    publisher,
		registry:     prometheus.NewRegistry(),
		acceptErrLog: rate.Sometimes{First: 3, Interval: 5 * time.Second},
	}

	// Create collector with callbacks that use this server instance
	var telemetryStats func() telemetry.Stats
	if q, ok := publisher.(interface{ Stats() telemetry.Stats }); ok {
		telemetryStats = q.Stats
	}
	server.collector = metrics.NewCollector(server.conns.Len, telemetryStats)
	server.registry.MustRegister(server.collector)

	return server, nil
}

// Registry returns the connection registry
func (s *RelayServer) Registry() *registry.Registry {
	return s.conns
}

// Collector returns the metrics collector
func (s *RelayServer) Collector() *metrics.Collector {
	return s.collector
}

// NewSweeper creates a liveness sweeper over this server's registry, reporting into its metrics.
func (s *RelayServer) NewSweeper(opts ...liveness.Option) *liveness.Sweeper {
	opts = append([]liveness.Option{liveness.WithConcurrency(s.cfg.Relay.SweepConcurrency)}, opts...)
	sweeper := liveness.NewSweeper(s.conns, s.cfg.GetKeepaliveInterval(), opts...)
	s.collector.GetSweepStats = func() (uint64, uint64) {
		return sweeper.Sweeps(), sweeper.Evictions()
	}
	return sweeper
}

// MetricsHandler returns the exporter handler: metrics, health check and index page
func (s *RelayServer) MetricsHandler(metricsPath string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`<html>
<head><title>Ops Relay Exporter</title></head>
<body>
<h1>Ops Relay Exporter</h1>
<p><a href="` + metricsPath + `">Metrics</a></p>
</body>
</html>`))
	})
	return mux
}

// StartMetricsServer starts the metrics server and blocks until ctx is cancelled
func (s *RelayServer) StartMetricsServer(ctx context.Context, metricsAddr, metricsPath string) error {
	ln, err := net.Listen("tcp", metricsAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", metricsAddr, err)
	}

	srv := &http.Server{
		Handler:           s.MetricsHandler(metricsPath),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if !s.track(nil, srv) {
		_ = ln.Close()
		return nil
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	logging.Logf("[listen] metrics addr=%s path=%s health=/healthz", ln.Addr(), metricsPath)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// track records a listener or http server for Close. It returns false once the server is closed.
func (s *RelayServer) track(ln net.Listener, srv *http.Server) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return false
	}
	if ln != nil {
		s.listeners = append(s.listeners, ln)
	}
	if srv != nil {
		s.httpServers = append(s.httpServers, srv)
	}
	return true
}

// Close stops all listeners and the metrics server, then closes every registered connection.
func (s *RelayServer) Close() error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil
	}
	s.closed = true
	listeners, servers := s.listeners, s.httpServers
	s.listeners, s.httpServers = nil, nil
	s.lock.Unlock()

	var err error
	for _, ln := range listeners {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	for _, srv := range servers {
		err = multierr.Append(err, srv.Close())
	}
	for _, e := range s.conns.Snapshot() {
		if s.conns.RemoveIf(e.Key, e.Writer) {
			if cerr := e.Writer.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = multierr.Append(err, cerr)
			}
		}
	}
	return err
}

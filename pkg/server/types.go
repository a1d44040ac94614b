package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ops-relay/pkg/config"
	"github.com/ops-relay/pkg/metrics"
	"github.com/ops-relay/pkg/registry"
	"github.com/ops-relay/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// RelayServer accepts client connections and relays envelopes between them
type RelayServer struct {
	cfg       *config.Config
	conns     *registry.Registry
	publisher telemetry.Publisher
	registry  *prometheus.Registry
	collector *metrics.Collector

	lock        sync.Mutex
	listeners   []net.Listener
	httpServers []*http.Server
	closed      bool

	// accept error log throttling (to avoid flooding logs on fd exhaustion)
	acceptErrLog rate.Sometimes
}

// sessionState is the lifecycle position of one client connection
type sessionState int32

const (
	stateAccepted sessionState = iota
	stateRegistered
	stateReading
	stateClosing
	stateRemoved
)

func (s sessionState) String() string {
	switch s {
	case stateAccepted:
		return "accepted"
	case stateRegistered:
		return "registered"
	case stateReading:
		return "reading"
	case stateClosing:
		return "closing"
	case stateRemoved:
		return "removed"
	}
	return "unknown"
}

const (
	// proxyHeaderTimeout bounds the wait for the PROXY protocol line
	proxyHeaderTimeout = 5 * time.Second

	// ops_relay_session_errors_total reasons
	sessionErrorAccept      = "accept"
	sessionErrorProxyHeader = "proxy_header"
	sessionErrorRead        = "read"
	sessionErrorNotify      = "notify_sender"
)

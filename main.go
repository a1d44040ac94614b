package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ops-relay/pkg/client"
	"github.com/ops-relay/pkg/config"
	"github.com/ops-relay/pkg/logging"
	"github.com/ops-relay/pkg/server"
	"github.com/ops-relay/pkg/telemetry"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	configFile = kingpin.Flag("config.file", "Path to configuration file.").Default("config.yaml").String()
	envFile    = kingpin.Flag("env.file", "Path to a .env file loaded before the configuration.").Default(".env").String()
	debug      = kingpin.Flag("debug", "Enable debug logging.").Bool()

	serveCmd      = kingpin.Command("serve", "Run the relay (default).").Default()
	bindAddr      = serveCmd.Flag("bind-addr", "Address to bind for relay connections (overrides relay.bind_addr).").String()
	listenAddress = serveCmd.Flag("web.listen-address", "Address to listen on for web interface and telemetry.").String()
	telemetryPath = serveCmd.Flag("web.telemetry-path", "Path under which to expose metrics.").String()
	apiURL        = serveCmd.Flag("api-url", "HTTP endpoint receiving telemetry events (overrides telemetry.api_url).").String()

	clientCmd = kingpin.Command("client", "Connect to a relay, send envelopes read from stdin and print received envelopes.")
	relayAddr = clientCmd.Flag("relay-addr", "Relay address to connect to (overrides client.relay_addr).").String()

	// Global config
	appConfig *config.Config
)

func main() {
	cmd := kingpin.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		logging.Warnf("Warning: %v", err)
	}

	var err error
	appConfig, err = config.LoadConfig(*configFile)
	if err != nil {
		// If config file doesn't exist, continue with defaults
		logging.Logf("Warning: Failed to load config file: %v, using defaults", err)
		appConfig = config.Default()
	}
	applyFlags(appConfig)
	if err := appConfig.Validate(); err != nil {
		logging.Fatalf("Invalid configuration: %v", err)
	}

	if err := logging.Init(logging.Options{
		Level:  appConfig.Log.Level,
		Format: appConfig.Log.Format,
		Debug:  appConfig.IsDebug(),
	}); err != nil {
		logging.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.Flush()

	logging.Logf("Relay initialized with ID: %s", logging.GetRelayID())

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logging.Log("Received shutdown signal, shutting down gracefully...")
		cancel()
	}()

	switch cmd {
	case clientCmd.FullCommand():
		err = runClient(ctx)
	default:
		err = runRelay(ctx)
	}
	if err != nil {
		logging.Flush()
		logging.Fatalf("Relay error: %v", err)
	}
	logging.Log("Shutdown complete")
}

// applyFlags lets explicitly set command line flags win over file and environment values.
func applyFlags(c *config.Config) {
	if *debug {
		c.Log.Debug = true
	}
	if *bindAddr != "" {
		c.Relay.BindAddr = *bindAddr
	}
	if *listenAddress != "" {
		c.Metrics.ListenAddress = *listenAddress
	}
	if *telemetryPath != "" {
		c.Metrics.TelemetryPath = *telemetryPath
	}
	if *apiURL != "" {
		c.Telemetry.APIURL = *apiURL
	}
	if *relayAddr != "" {
		c.Client.RelayAddr = *relayAddr
	}
}

func runRelay(ctx context.Context) error {
	var (
		publisher telemetry.Publisher = telemetry.NoopPublisher{}
		queue     *telemetry.Queue
	)
	if appConfig.TelemetryEnabled() {
		sink := telemetry.NewHTTPSink(appConfig.Telemetry.APIURL, appConfig.GetTelemetryTimeout())
		queue = telemetry.NewQueue(appConfig.Telemetry.QueueSize, sink)
		publisher = queue
		logging.Logf("[telemetry] enabled: url=%s queue_size=%d", sink.URL(), queue.Capacity())
	} else {
		logging.Logf("[telemetry] disabled")
	}

	relayServer, err := server.NewRelayServer(appConfig, publisher)
	if err != nil {
		return fmt.Errorf("failed to create relay: %w", err)
	}
	sweeper := relayServer.NewSweeper()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return relayServer.StartRelayListener(gctx)
	})
	g.Go(func() error {
		return relayServer.StartMetricsServer(gctx, appConfig.Metrics.ListenAddress, appConfig.Metrics.TelemetryPath)
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	if queue != nil {
		g.Go(func() error {
			return queue.Run(gctx)
		})
	}

	err = g.Wait()
	return multierr.Append(err, relayServer.Close())
}

func runClient(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan []byte)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		sc.Buffer(make([]byte, 0, 64*1024), appConfig.Relay.MaxLineBytes+1)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- append([]byte(nil), line...):
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			logging.Warnf("[client] stdin: %v", err)
		}
	}()

	return client.RunLink(ctx, appConfig, func(lctx context.Context, link client.LinkInfo) error {
		err := client.Pump(lctx, link.Client, lines, os.Stdout)
		if errors.Is(err, client.ErrInputClosed) {
			logging.Logf("[client] input closed, disconnecting from %s", link.Addr)
			cancel()
			return nil
		}
		return err
	})
}

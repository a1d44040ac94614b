package logging

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	relayID     string
	relayIDOnce sync.Once

	loggerMu sync.RWMutex
	logger   *zap.SugaredLogger
	level    = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Options controls how Init builds the process logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // console or json
	Debug  bool   // forces debug level regardless of Level
}

// Init replaces the process logger. Safe to call more than once.
func Init(opts Options) error {
	lvl := zapcore.InfoLevel
	if opts.Level != "" {
		if err := lvl.UnmarshalText([]byte(opts.Level)); err != nil {
			return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
	}
	if opts.Debug {
		lvl = zapcore.DebugLevel
	}
	level.SetLevel(lvl)

	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.Encoding = "console"
	if opts.Format == "json" {
		cfg.Encoding = "json"
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	cfg.Sampling = nil

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	setLogger(l.Sugar().With("relay_id", GetRelayID()))
	return nil
}

// SetLogger installs an already built logger, mostly for tests (zaptest / observer).
func SetLogger(l *zap.Logger) {
	setLogger(l.Sugar())
}

func setLogger(l *zap.SugaredLogger) {
	loggerMu.Lock()
	old := logger
	logger = l
	loggerMu.Unlock()
	if old != nil {
		_ = old.Sync()
	}
}

func get() *zap.SugaredLogger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}

	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = level
		cfg.DisableStacktrace = true
		l, err := cfg.Build(zap.AddCallerSkip(1))
		if err != nil {
			l = zap.NewNop()
		}
		logger = l.Sugar().With("relay_id", GetRelayID())
	}
	return logger
}

// GetRelayID returns the id stamped on every log line of this process.
// RELAY_ID wins; otherwise the host name, which is the pod name on Kubernetes.
func GetRelayID() string {
	relayIDOnce.Do(func() {
		hostname, _ := os.Hostname()
		relayID = relayIDFrom(os.Getenv("RELAY_ID"), hostname)
	})
	return relayID
}

func relayIDFrom(explicit, hostname string) string {
	if explicit != "" {
		return explicit
	}
	if hostname != "" {
		return hostname
	}
	return "relay-" + uuid.NewString()[:8]
}

// DebugEnabled reports whether Debugf output is currently emitted.
func DebugEnabled() bool {
	return level.Enabled(zapcore.DebugLevel)
}

// Logf logs a formatted message at info level
func Logf(format string, v ...interface{}) {
	get().Infof(format, v...)
}

// Log logs a message at info level
func Log(v ...interface{}) {
	get().Info(v...)
}

// Warnf logs a formatted message at warn level
func Warnf(format string, v ...interface{}) {
	get().Warnf(format, v...)
}

// Debugf logs only when debug logging is enabled
func Debugf(format string, v ...interface{}) {
	get().Debugf(format, v...)
}

// Fatalf logs a fatal error and exits
func Fatalf(format string, v ...interface{}) {
	get().Fatalf(format, v...)
}

// Flush writes out any buffered log entries
func Flush() {
	_ = get().Sync()
}

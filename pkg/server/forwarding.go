package server

import (
	"strings"

	"github.com/ops-relay/pkg/logging"
	"github.com/ops-relay/pkg/protocol"
	"github.com/ops-relay/pkg/telemetry"
)

// forward resolves dest and writes the envelope to that peer. A peer that
// cannot be written to is evicted; the sender's session carries on.
func (s *RelayServer) forward(from *session, env protocol.Envelope, dest string) {
	payload := env.Bytes()

	key, target, ok := s.conns.Resolve(dest)
	if !ok {
		s.collector.RecordRoutingMiss()
		logging.Logf("[route] destination not connected src=%s dst=%q", from.key, dest)
		if logging.DebugEnabled() {
			logging.Debugf("[route][debug] active connections: %s", s.connectionsDebugSnapshot())
		}
		if err := from.writer.WriteLine(protocol.FormatError(dest, protocol.ReasonNotConnected)); err != nil {
			s.collector.RecordSessionError(sessionErrorNotify)
			logging.Debugf("[route][debug] notify sender failed src=%s: %v", from.key, err)
		}
		s.publish(payload, telemetry.StatusNoDestination, from.ip, dest)
		return
	}

	if err := target.WriteLine(payload); err != nil {
		evicted := s.conns.RemoveIf(key, target)
		if evicted {
			_ = target.Close()
		}
		s.collector.RecordForwardFailure(evicted)
		logging.Logf("[route] forward failed src=%s dst=%s evicted=%t: %v", from.key, key, evicted, err)
		s.publish(payload, telemetry.StatusForwardFailed, from.ip, dest)
		return
	}

	s.collector.RecordForwarded(len(payload) + 1)
	logging.Debugf("[route][debug] forwarded src=%s dst=%s bytes=%d", from.key, key, len(payload))
	s.publish(payload, telemetry.StatusForwarded, from.ip, dest)
}

func (s *RelayServer) publish(payload []byte, status telemetry.Status, src, dst string) {
	s.publisher.Submit(telemetry.Event{
		Payload:     payload,
		Status:      status,
		Source:      src,
		Destination: dst,
	})
}

// connectionsDebugSnapshot returns a stable, comma-separated list of registered keys.
func (s *RelayServer) connectionsDebugSnapshot() string {
	keys := s.conns.SnapshotKeys()
	if len(keys) == 0 {
		return "<empty>"
	}
	return strings.Join(keys, ",")
}

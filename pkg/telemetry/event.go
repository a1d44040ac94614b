package telemetry

// Status describes what happened to a relayed envelope.
type Status string

const (
	StatusForwarded     Status = "forwarded"
	StatusForwardFailed Status = "forward_failed"
	StatusNoDestination Status = "no_destination"
)

// Event is one envelope reported to the telemetry sink.
// Payload is the envelope as forwarded (source already rewritten).
type Event struct {
	Payload     []byte
	Status      Status
	Source      string
	Destination string
}

// Publisher accepts telemetry events without blocking the caller.
type Publisher interface {
	Submit(ev Event) bool
}

// NoopPublisher discards every event. Used when telemetry is disabled.
type NoopPublisher struct{}

func (NoopPublisher) Submit(Event) bool { return false }

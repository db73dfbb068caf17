// Package events provides EventSink implementations: in-process
// fan-out, an in-memory recorder, and a NATS publisher for external
// indexers.
package events

import (
	"encoding/json"
	"sync"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/cdp/pkg/cdp"
)

// Multi fans one event out to every sink in order.
type Multi []cdp.EventSink

// Publish implements cdp.EventSink.
func (m Multi) Publish(ev cdp.Event) {
	for _, sink := range m {
		sink.Publish(ev)
	}
}

// Recorder keeps every published event in memory. Test helper.
type Recorder struct {
	mu     sync.Mutex
	events []cdp.Event
}

// Publish implements cdp.EventSink.
func (r *Recorder) Publish(ev cdp.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []cdp.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]cdp.Event, len(r.events))
	copy(out, r.events)
	return out
}

// NATSSink publishes events as JSON on "<prefix>.<type>" subjects.
// Publish failures are logged and dropped; event delivery is best
// effort and never blocks or fails an engine operation.
type NATSSink struct {
	nc     *nats.Conn
	prefix string
	logger log.Logger
}

// NewNATSSink wraps an established connection.
func NewNATSSink(nc *nats.Conn, prefix string, logger log.Logger) *NATSSink {
	if logger == nil {
		logger = log.Root().New("module", "events")
	}
	return &NATSSink{nc: nc, prefix: prefix, logger: logger}
}

// Publish implements cdp.EventSink.
func (s *NATSSink) Publish(ev cdp.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("failed to encode event", "type", ev.Type, "error", err)
		return
	}
	subject := s.prefix + "." + string(ev.Type)
	if err := s.nc.Publish(subject, data); err != nil {
		s.logger.Error("failed to publish event", "subject", subject, "error", err)
	}
}

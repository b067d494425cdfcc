package progress

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry owns the process-wide mapping from session id to bus. It is
// the only shared mutable state in the package; all access goes through
// the registry mutex. Buses are created by Attach and released by an
// explicit Detach, never garbage collected implicitly.
type Registry struct {
	mu     sync.Mutex
	buses  map[string]*Bus
	logger *logrus.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	initMetrics()
	return &Registry{
		buses:  make(map[string]*Bus),
		logger: logger,
	}
}

// Attach returns the bus for a session, creating it on first use.
// Attach is idempotent: a second call for the same session returns the
// existing bus unchanged.
func (r *Registry) Attach(sessionID string) *Bus {
	r.mu.Lock()
	defer r.mu.Unlock()

	if bus, ok := r.buses[sessionID]; ok {
		return bus
	}

	bus := NewBus(sessionID, r.logger)
	r.buses[sessionID] = bus
	activeBusesGauge.Inc()

	r.logger.WithField("session_id", sessionID).Debug("Attached progress bus")
	return bus
}

// Detach removes a session's bus. Detaching an unknown session is a
// no-op, so calling Detach twice is safe. A subsequent Attach creates
// a fresh bus with empty history.
func (r *Registry) Detach(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.buses[sessionID]; !ok {
		return
	}

	delete(r.buses, sessionID)
	activeBusesGauge.Dec()
	r.logger.WithField("session_id", sessionID).Debug("Detached progress bus")
}

// Get returns the bus for a session without creating one.
func (r *Registry) Get(sessionID string) (*Bus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bus, ok := r.buses[sessionID]
	return bus, ok
}

// Len returns the number of attached buses.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buses)
}

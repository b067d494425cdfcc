package progress

import (
	"github.com/sirupsen/logrus"
)

// LogListener returns a listener that prints every event through the
// given logger. It is interchangeable with transport-forwarding
// listeners such as the WebSocket one.
func LogListener(logger *logrus.Logger) Listener {
	if logger == nil {
		logger = logrus.New()
	}
	return func(e *Event) {
		logger.WithFields(logrus.Fields{
			"session_id": e.SessionID,
			"event_id":   e.ID,
			"type":       e.Type,
			"payload":    e.Payload,
		}).Info("Session event")
	}
}

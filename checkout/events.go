package checkout

import (
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/sirupsen/logrus"
)

// TopicTransition is published after every phase change.
const TopicTransition = "checkout:transition"

type Transition struct {
	SessionID  string
	From       Phase
	To         Phase
	At         time.Time
	View       View
	BuyerEmail string
}

// LogTransitions subscribes a handler that logs every transition.
func LogTransitions(bus EventBus.Bus, log logrus.FieldLogger) error {
	return bus.Subscribe(TopicTransition, func(t Transition) {
		entry := log.WithFields(logrus.Fields{
			"session_id": t.SessionID,
			"intent_id":  t.View.IntentID,
			"from":       t.From,
			"to":         t.To,
		})
		if t.To == PhaseError {
			entry.WithField("error", t.View.Error).Warn("checkout failed")
			return
		}
		entry.Info("checkout transition")
	})
}

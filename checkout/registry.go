package checkout

import (
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/go-co-op/gocron"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/fabriqs/go-checkout/payment"
)

// Registry holds the sessions a process is serving. Sessions share no state; the
// registry only indexes them by id.
type Registry struct {
	api    payment.Provider
	poller Poller
	bus    EventBus.Bus
	ttl    time.Duration
	log    logrus.FieldLogger

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(api payment.Provider, poller Poller, bus EventBus.Bus, ttl time.Duration, log logrus.FieldLogger) *Registry {
	return &Registry{
		api:      api,
		poller:   poller,
		bus:      bus,
		ttl:      ttl,
		log:      log.WithField("component", "checkout"),
		sessions: make(map[string]*Session),
	}
}

// Open registers a new session in the collecting phase.
func (r *Registry) Open() *Session {
	s := NewSession(xid.New().String(), r.api, r.poller, r.bus, r.log)
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()
	return s
}

// Get looks up a session and marks it as seen, so a sweep cannot drop it
// while the caller is about to start a step on it.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if ok {
		s.touch(time.Now())
	}
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep drops sessions with no running operation that have neither moved nor
// been looked up within the TTL, whatever their phase.
func (r *Registry) Sweep(now time.Time) int {
	cutoff := now.Add(-r.ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, s := range r.sessions {
		if !s.idleSince(cutoff) {
			continue
		}
		delete(r.sessions, id)
		removed++
	}
	if removed > 0 {
		r.log.WithField("removed", removed).Debug("expired checkout sessions")
	}
	return removed
}

// StartJanitor sweeps on a fixed schedule until the returned stop func is called.
func (r *Registry) StartJanitor(every time.Duration) (func(), error) {
	scheduler := gocron.NewScheduler(time.UTC)
	if _, err := scheduler.Every(every).Do(func() { r.Sweep(time.Now()) }); err != nil {
		return nil, err
	}
	scheduler.StartAsync()
	return scheduler.Stop, nil
}

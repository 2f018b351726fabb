package checkout

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabriqs/go-checkout/config"
	"github.com/fabriqs/go-checkout/logging"
	"github.com/fabriqs/go-checkout/payment"
	"github.com/fabriqs/go-checkout/poller"
)

func newTestRegistry(api *fakeProvider, ttl time.Duration) *Registry {
	p := poller.New(api, poller.Options{Interval: time.Millisecond, Timeout: time.Second}, logging.Discard())
	return NewRegistry(api, p, EventBus.New(), ttl, logging.Discard())
}

func TestRegistryOpenAndGet(t *testing.T) {
	r := newTestRegistry(&fakeProvider{}, time.Minute)

	a := r.Open()
	b := r.Open()
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, 2, r.Len())

	got, ok := r.Get(a.ID())
	require.True(t, ok)
	assert.Same(t, a, got)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegistrySweep(t *testing.T) {
	api := &fakeProvider{}
	api.script(&payment.Cost{CurrencyCode: "USD", AmountSubunits: 1}, payment.StateAwaitingConfirmation)
	r := newTestRegistry(api, time.Minute)

	stale := r.Open()
	fresh := r.Open()
	require.NoError(t, fresh.Submit(context.Background(), request()))

	assert.Equal(t, 0, r.Sweep(time.Now()))
	assert.Equal(t, 2, r.Sweep(time.Now().Add(2*time.Minute)))
	_, ok := r.Get(stale.ID())
	assert.False(t, ok)
}

func TestRegistryGetKeepsSessionAlive(t *testing.T) {
	r := newTestRegistry(&fakeProvider{}, 50*time.Millisecond)
	looked := r.Open()
	idle := r.Open()

	time.Sleep(80 * time.Millisecond)
	_, ok := r.Get(looked.ID())
	require.True(t, ok)

	assert.Equal(t, 1, r.Sweep(time.Now()))
	_, ok = r.Get(looked.ID())
	assert.True(t, ok)
	_, ok = r.Get(idle.ID())
	assert.False(t, ok)
}

func TestRegistryJanitor(t *testing.T) {
	r := newTestRegistry(&fakeProvider{}, time.Nanosecond)
	r.Open()

	stop, err := r.StartJanitor(10 * time.Millisecond)
	require.NoError(t, err)
	defer stop()

	assert.Eventually(t, func() bool { return r.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestLogTransitions(t *testing.T) {
	var buf bytes.Buffer
	bus := EventBus.New()
	require.NoError(t, LogTransitions(bus, logging.NewWithOutput(config.Log{Level: "info", Format: "text"}, &buf)))

	api := &fakeProvider{}
	api.script(&payment.Cost{CurrencyCode: "USD", AmountSubunits: 1}, payment.StateAwaitingConfirmation)
	p := poller.New(api, poller.Options{Interval: time.Millisecond, Timeout: time.Second}, logging.Discard())
	s := NewSession("sess_log", api, p, bus, logging.Discard())

	require.NoError(t, s.Submit(context.Background(), request()))
	assert.Contains(t, buf.String(), "to=awaiting_confirmation")
	assert.Contains(t, buf.String(), "session_id=sess_log")
}

// Package checkout drives a single purchase from buyer details to a terminal
// provider state: create the intent, wait for a price, confirm with a payment
// token, wait for the outcome.
package checkout

import (
	"context"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/jinzhu/copier"
	"github.com/sirupsen/logrus"

	"github.com/fabriqs/go-checkout/payment"
)

// Poller waits for an intent to reach one of the desired states.
type Poller interface {
	Poll(ctx context.Context, intentID string, desired ...payment.State) (*payment.CheckoutIntent, error)
}

// state is the part of a session copied into views.
type state struct {
	Phase     Phase
	IntentID  string
	Cost      *payment.Cost
	Outcome   payment.State
	Traces    []payment.Trace
	UpdatedAt time.Time
}

// View is a detached snapshot of a session. Done tells a polling client to
// stop: nothing changes until the buyer acts.
type View struct {
	SessionID   string          `json:"sessionId"`
	Phase       Phase           `json:"phase"`
	IntentID    string          `json:"checkoutIntentId,omitempty"`
	Cost        *payment.Cost   `json:"cost,omitempty"`
	CostDisplay string          `json:"costDisplay,omitempty"`
	Outcome     payment.State   `json:"outcome,omitempty"`
	Error       string          `json:"error,omitempty"`
	Retryable   bool            `json:"retryable"`
	Done        bool            `json:"done"`
	Busy        bool            `json:"busy"`
	Traces      []payment.Trace `json:"traces,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Session is one checkout attempt. Operations on a session are serialized; a
// second operation while one is running fails with ErrBusy.
type Session struct {
	id     string
	api    payment.Provider
	poller Poller
	bus    EventBus.Bus
	log    logrus.FieldLogger

	mu         sync.Mutex
	st         state
	busy       bool
	cancel     context.CancelFunc
	err        error
	resume     Phase
	createCost *payment.Cost
	buyerEmail string
	// lastSeen is the later of the last transition and the last registry lookup.
	lastSeen time.Time
}

// NewSession starts a session in the collecting phase. bus may be nil.
func NewSession(id string, api payment.Provider, poller Poller, bus EventBus.Bus, log logrus.FieldLogger) *Session {
	return &Session{
		id:       id,
		api:      api,
		poller:   poller,
		bus:      bus,
		log:      log.WithField("session_id", id),
		st:       state{Phase: PhaseCollecting, UpdatedAt: time.Now()},
		lastSeen: time.Now(),
	}
}

func (s *Session) ID() string {
	return s.id
}

// Submit creates the intent for the buyer and waits until the provider has priced it.
// Invalid input is rejected without leaving the collecting phase.
func (s *Session) Submit(ctx context.Context, request *payment.IntentRequest) error {
	if request == nil {
		return payment.NewValidationError("productUrl", "required")
	}
	if err := payment.Validate(request); err != nil {
		return err
	}
	ctx, done, err := s.begin(ctx, PhaseCollecting)
	if err != nil {
		return err
	}
	defer done()

	if err := s.transition(PhaseCreating, func() { s.buyerEmail = request.Buyer.Email }); err != nil {
		return err
	}
	resp, err := s.api.CreateIntent(ctx, request)
	if err != nil {
		return s.fail(err, "")
	}
	err = s.transition(PhaseAwaitingCost, func() {
		s.st.IntentID = resp.IntentID
		s.createCost = resp.Cost
		s.addTrace(resp.Trace)
	})
	if err != nil {
		return err
	}
	return s.awaitCost(ctx)
}

// Confirm pays for the priced intent and waits for a terminal provider state.
// A provider-reported failure ends in the terminal phase, not in error.
func (s *Session) Confirm(ctx context.Context, method payment.PaymentMethod) error {
	if method.Token == "" || method.Type == "" {
		return payment.NewValidationError("paymentMethod", "required")
	}
	ctx, done, err := s.begin(ctx, PhaseAwaitingConfirmation)
	if err != nil {
		return err
	}
	defer done()

	if err := s.transition(PhaseConfirming, nil); err != nil {
		return err
	}
	resp, err := s.api.ConfirmIntent(ctx, s.st.IntentID, method)
	if err != nil {
		return s.fail(err, "")
	}
	if err := s.transition(PhaseAwaitingOutcome, func() { s.addTrace(resp.Trace) }); err != nil {
		return err
	}
	return s.awaitOutcome(ctx)
}

// RetryPoll resumes the poll whose failure put the session in the error phase.
// Create and confirm failures are not retryable: the buyer must start over.
func (s *Session) RetryPoll(ctx context.Context) error {
	ctx, done, err := s.begin(ctx, PhaseError)
	if err != nil {
		return err
	}
	defer done()

	s.mu.Lock()
	resume := s.resume
	s.mu.Unlock()

	switch resume {
	case PhaseAwaitingCost:
		if err := s.transition(resume, s.clearFailure); err != nil {
			return err
		}
		return s.awaitCost(ctx)
	case PhaseAwaitingOutcome:
		if err := s.transition(resume, s.clearFailure); err != nil {
			return err
		}
		return s.awaitOutcome(ctx)
	default:
		return ErrNotRetryable
	}
}

// Cancel aborts the running operation, if any. The session moves to the error
// phase; an interrupted poll can be resumed with RetryPoll.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Err returns the failure that moved the session to the error phase.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastSeen) {
		s.lastSeen = now
	}
	s.mu.Unlock()
}

// idleSince reports whether the session has no running step and has not been
// seen since cutoff.
func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.busy && !s.lastSeen.After(cutoff)
}

func (s *Session) awaitCost(ctx context.Context) error {
	intent, err := s.poller.Poll(ctx, s.st.IntentID, payment.StateAwaitingConfirmation)
	if err != nil {
		return s.fail(err, PhaseAwaitingCost)
	}
	cost := intent.OfferCost()
	if cost == nil {
		cost = s.createCost
	}
	if cost == nil {
		return s.fail(&payment.ContractError{Field: "offer.cost", TraceID: intent.Trace.ID}, "")
	}
	return s.transition(PhaseAwaitingConfirmation, func() {
		s.st.Cost = cost
		s.addTrace(intent.Trace)
	})
}

func (s *Session) awaitOutcome(ctx context.Context) error {
	intent, err := s.poller.Poll(ctx, s.st.IntentID, payment.StateCompleted, payment.StateFailed)
	if err != nil {
		return s.fail(err, PhaseAwaitingOutcome)
	}
	return s.transition(PhaseTerminal, func() {
		s.st.Outcome = intent.State
		s.addTrace(intent.Trace)
	})
}

// begin claims the session for one operation that must start in phase from.
func (s *Session) begin(ctx context.Context, from Phase) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return nil, nil, ErrBusy
	}
	if s.st.Phase != from {
		return nil, nil, ErrWrongPhase
	}
	ctx, cancel := context.WithCancel(ctx)
	s.busy = true
	s.cancel = cancel
	return ctx, func() {
		cancel()
		s.mu.Lock()
		s.busy = false
		s.cancel = nil
		s.mu.Unlock()
	}, nil
}

// fail moves the session to error. resume names the poll phase RetryPoll may
// return to, or "" when the failure is final.
func (s *Session) fail(cause error, resume Phase) error {
	err := s.transition(PhaseError, func() {
		s.err = cause
		s.resume = resume
		s.addTrace(payment.TraceOf(cause))
	})
	if err != nil {
		return err
	}
	return cause
}

func (s *Session) clearFailure() {
	s.err = nil
	s.resume = ""
}

// addTrace must be called with mu held.
func (s *Session) addTrace(t payment.Trace) {
	if !t.Empty() {
		s.st.Traces = append(s.st.Traces, t)
	}
}

func (s *Session) transition(to Phase, mutate func()) error {
	s.mu.Lock()
	from := s.st.Phase
	if !from.canMoveTo(to) {
		s.mu.Unlock()
		return transitionError(from, to)
	}
	if mutate != nil {
		mutate()
	}
	s.st.Phase = to
	s.st.UpdatedAt = time.Now()
	s.lastSeen = s.st.UpdatedAt
	event := Transition{
		SessionID:  s.id,
		From:       from,
		To:         to,
		At:         s.st.UpdatedAt,
		View:       s.viewLocked(),
		BuyerEmail: s.buyerEmail,
	}
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(TopicTransition, event)
	}
	return nil
}

func (s *Session) viewLocked() View {
	var v View
	if err := copier.Copy(&v, &s.st); err != nil {
		s.log.WithError(err).Error("snapshot copy failed")
	}
	// Traces keeps growing after the snapshot; the view gets its own slice.
	v.Traces = append([]payment.Trace(nil), s.st.Traces...)
	v.UpdatedAt = s.st.UpdatedAt
	v.SessionID = s.id
	v.Busy = s.busy
	v.Retryable = s.st.Phase == PhaseError && s.resume != ""
	v.Done = s.st.Phase.Done()
	if s.err != nil {
		v.Error = s.err.Error()
	}
	if v.Cost != nil {
		v.CostDisplay = v.Cost.String()
	}
	return v
}

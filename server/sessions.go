package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/fabriqs/go-checkout/checkout"
	"github.com/fabriqs/go-checkout/payment"
)

var errSessionNotFound = errors.New("checkout session not found")

type openSessionRequest struct {
	ProductURL string        `json:"productUrl"`
	Buyer      payment.Buyer `json:"buyer"`
}

type confirmSessionRequest struct {
	PaymentMethod payment.PaymentMethod `json:"paymentMethod"`
}

// openSession validates the buyer, then creates the intent and waits for the
// price in the background. The caller polls GET /api/sessions/:id.
func (s *Server) openSession(c echo.Context) error {
	var body openSessionRequest
	if err := c.Bind(&body); err != nil {
		return err
	}
	req := &payment.IntentRequest{ProductURL: body.ProductURL, Buyer: body.Buyer}
	if err := payment.Validate(req); err != nil {
		return err
	}

	session := s.sessions.Open()
	s.run(session, "submit", func(ctx context.Context) error {
		return session.Submit(ctx, req)
	})
	return c.JSON(http.StatusAccepted, session.Snapshot())
}

func (s *Server) getSession(c echo.Context) error {
	session, err := s.session(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, session.Snapshot())
}

func (s *Server) confirmSession(c echo.Context) error {
	session, err := s.session(c)
	if err != nil {
		return err
	}
	var body confirmSessionRequest
	if err := c.Bind(&body); err != nil {
		return err
	}
	method := body.PaymentMethod
	if method.Token == "" || method.Type == "" {
		return payment.NewValidationError("paymentMethod", "required")
	}
	if err := ready(session.Snapshot(), checkout.PhaseAwaitingConfirmation); err != nil {
		return err
	}

	s.run(session, "confirm", func(ctx context.Context) error {
		return session.Confirm(ctx, method)
	})
	return c.JSON(http.StatusAccepted, session.Snapshot())
}

func (s *Server) retrySession(c echo.Context) error {
	session, err := s.session(c)
	if err != nil {
		return err
	}
	view := session.Snapshot()
	if err := ready(view, checkout.PhaseError); err != nil {
		return err
	}
	if !view.Retryable {
		return checkout.ErrNotRetryable
	}

	s.run(session, "retry", session.RetryPoll)
	return c.JSON(http.StatusAccepted, session.Snapshot())
}

// cancelSession interrupts the running step, if any.
func (s *Server) cancelSession(c echo.Context) error {
	session, err := s.session(c)
	if err != nil {
		return err
	}
	session.Cancel()
	return c.JSON(http.StatusOK, session.Snapshot())
}

func (s *Server) session(c echo.Context) (*checkout.Session, error) {
	session, ok := s.sessions.Get(c.Param("id"))
	if !ok {
		return nil, errSessionNotFound
	}
	return session, nil
}

// ready rejects a step up front so the caller gets a 409 instead of a 202 for
// work that would fail immediately.
func ready(view checkout.View, phase checkout.Phase) error {
	if view.Busy {
		return checkout.ErrBusy
	}
	if view.Phase != phase {
		return checkout.ErrWrongPhase
	}
	return nil
}

// run executes one session step detached from the request. The session records
// the outcome; the returned error is only logged.
func (s *Server) run(session *checkout.Session, step string, fn func(context.Context) error) {
	s.steps.Add(1)
	go func() {
		defer s.steps.Done()
		if err := fn(s.ctx); err != nil {
			s.log.WithFields(logrus.Fields{
				"session_id": session.ID(),
				"step":       step,
			}).WithError(err).Debug("session step ended with error")
		}
	}()
}

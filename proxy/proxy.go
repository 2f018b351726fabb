// Package proxy exposes the three checkout-intent operations on top of the provider
// client and labels every provider trace with the call site and outcome.
package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/jinzhu/copier"
	"github.com/sirupsen/logrus"

	"github.com/fabriqs/go-checkout/payment"
	"github.com/fabriqs/go-checkout/provider"
)

// Caller is the provider client surface the proxy needs.
type Caller interface {
	Call(ctx context.Context, method, endpoint string, body interface{}) (*provider.Response, error)
}

// TraceRecorder receives every labelled trace the proxy produces.
type TraceRecorder interface {
	RecordTrace(ctx context.Context, intentID string, trace payment.Trace)
}

type Proxy struct {
	caller   Caller
	recorder TraceRecorder
	log      logrus.FieldLogger
}

var _ payment.Provider = (*Proxy)(nil)

func New(caller Caller, log logrus.FieldLogger) *Proxy {
	return &Proxy{caller: caller, log: log.WithField("component", "proxy")}
}

// WithRecorder returns a copy of p that reports traces to r.
func (p *Proxy) WithRecorder(r TraceRecorder) *Proxy {
	clone := *p
	clone.recorder = r
	return &clone
}

// createBody is the provider's create payload.
type createBody struct {
	ProductURL string        `json:"productUrl"`
	Buyer      payment.Buyer `json:"buyer"`
}

// createReply covers both places the provider has been seen to put the cost.
type createReply struct {
	ID    string        `json:"id"`
	State payment.State `json:"state"`
	Cost  *payment.Cost `json:"cost"`
	Items []struct {
		Cost *payment.Cost `json:"cost"`
	} `json:"items"`
}

func (r createReply) cost() *payment.Cost {
	if r.Cost != nil {
		return r.Cost
	}
	if len(r.Items) > 0 {
		return r.Items[0].Cost
	}
	return nil
}

func (p *Proxy) CreateIntent(ctx context.Context, request *payment.IntentRequest) (*payment.IntentResponse, error) {
	if request == nil {
		return nil, payment.NewValidationError("productUrl", "required")
	}
	if err := payment.Validate(request); err != nil {
		return nil, err
	}

	var body createBody
	if err := copier.Copy(&body, request); err != nil {
		return nil, err
	}

	resp, err := p.caller.Call(ctx, http.MethodPost, "checkout-intents", body)
	if err != nil {
		return nil, p.fail(ctx, payment.OpCreate, "", err)
	}

	var reply createReply
	if err := json.Unmarshal(resp.JSON, &reply); err != nil || reply.ID == "" {
		return nil, p.fail(ctx, payment.OpCreate, "", &payment.ContractError{Field: "id", TraceID: resp.TraceID})
	}

	trace := p.succeed(ctx, payment.OpCreate, reply.ID, resp)
	cost := reply.cost()
	if cost == nil {
		p.log.WithFields(logrus.Fields{"intent_id": reply.ID, "state": reply.State}).
			Info("create response carries no cost yet")
	}
	return &payment.IntentResponse{IntentID: reply.ID, Cost: cost, Trace: trace}, nil
}

func (p *Proxy) ConfirmIntent(ctx context.Context, intentID string, method payment.PaymentMethod) (*payment.ConfirmResponse, error) {
	if intentID == "" {
		return nil, payment.NewValidationError("checkoutIntentId", "required")
	}
	if method.Token == "" || method.Type == "" {
		return nil, payment.NewValidationError("paymentMethod", "required")
	}

	p.log.WithFields(logrus.Fields{"intent_id": intentID, "token": method.Masked(), "type": method.Type}).
		Info("confirming intent")

	body := map[string]payment.PaymentMethod{"paymentMethod": method}
	resp, err := p.caller.Call(ctx, http.MethodPost, "checkout-intents/"+url.PathEscape(intentID)+"/confirm", body)
	if err != nil {
		return nil, p.fail(ctx, payment.OpConfirm, intentID, err)
	}

	intent, err := payment.DecodeIntent(resp.JSON)
	if err != nil {
		return nil, p.fail(ctx, payment.OpConfirm, intentID, &payment.ContractError{Field: "intent", TraceID: resp.TraceID})
	}
	if intent.ID == "" {
		intent.ID = intentID
	}
	intent.Trace = p.succeed(ctx, payment.OpConfirm, intentID, resp)
	return &payment.ConfirmResponse{Success: true, Intent: intent, Trace: intent.Trace}, nil
}

func (p *Proxy) GetIntent(ctx context.Context, intentID string) (*payment.CheckoutIntent, error) {
	if intentID == "" {
		return nil, payment.NewValidationError("checkoutIntentId", "required")
	}

	resp, err := p.caller.Call(ctx, http.MethodGet, "checkout-intents/"+url.PathEscape(intentID), nil)
	if err != nil {
		return nil, p.fail(ctx, payment.OpFetch, intentID, err)
	}

	intent, err := payment.DecodeIntent(resp.JSON)
	if err != nil {
		return nil, p.fail(ctx, payment.OpFetch, intentID, &payment.ContractError{Field: "intent", TraceID: resp.TraceID})
	}
	intent.Trace = p.succeed(ctx, payment.OpFetch, intentID, resp)
	return intent, nil
}

func (p *Proxy) succeed(ctx context.Context, op payment.Op, intentID string, resp *provider.Response) payment.Trace {
	trace := payment.SuccessTrace(op, resp.TraceID)
	p.log.WithFields(logrus.Fields{
		"op":        op,
		"intent_id": intentID,
		"status":    resp.Status,
		"trace":     trace.HeaderValue(),
	}).Debug("checkout call succeeded")
	p.record(ctx, intentID, trace)
	return trace
}

// fail attributes err to op. Configuration errors are returned as-is: no call was made.
func (p *Proxy) fail(ctx context.Context, op payment.Op, intentID string, err error) error {
	if _, ok := err.(*payment.ConfigurationError); ok {
		return err
	}
	opErr := &payment.OpError{Op: op, Err: err}
	trace := opErr.Trace()
	p.log.WithFields(logrus.Fields{
		"op":        op,
		"intent_id": intentID,
		"trace":     trace.HeaderValue(),
	}).WithError(err).Warn("checkout call failed")
	p.record(ctx, intentID, trace)
	return opErr
}

func (p *Proxy) record(ctx context.Context, intentID string, trace payment.Trace) {
	if p.recorder == nil || trace.Empty() {
		return
	}
	p.recorder.RecordTrace(ctx, intentID, trace)
}

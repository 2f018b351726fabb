package payment

import (
	"context"
	"encoding/json"
)

// State is the provider-side lifecycle state of a checkout intent. Values other than
// the ones below pass through untouched.
type State string

const (
	StateCreated              State = "created"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateCompleted            State = "completed"
	StateFailed               State = "failed"
)

// PaymentMethodStripeToken is the tokenization scheme produced by the card widget.
const PaymentMethodStripeToken = "stripe_token"

type Buyer struct {
	FirstName  string `json:"firstName" validate:"required"`
	LastName   string `json:"lastName" validate:"required"`
	Email      string `json:"email" validate:"required,email"`
	Phone      string `json:"phone" validate:"required"`
	Address1   string `json:"address1" validate:"required"`
	Address2   string `json:"address2,omitempty"`
	City       string `json:"city" validate:"required"`
	Province   string `json:"province" validate:"required,len=2"`
	Country    string `json:"country" validate:"required,len=2"`
	PostalCode string `json:"postalCode" validate:"required"`
}

// PaymentMethod is an opaque card token. It is consumed once by ConfirmIntent.
type PaymentMethod struct {
	Token string `json:"stripe_token" validate:"required"`
	Type  string `json:"type" validate:"required"`
}

// Masked returns the token with everything but the last four characters hidden.
func (p PaymentMethod) Masked() string {
	if len(p.Token) <= 4 {
		return "****"
	}
	return "****" + p.Token[len(p.Token)-4:]
}

type Offer struct {
	Cost *Cost `json:"cost,omitempty"`
}

// CheckoutIntent is a read-only view of the provider record. Raw holds the payload
// exactly as the provider returned it.
type CheckoutIntent struct {
	ID    string          `json:"id"`
	State State           `json:"state"`
	Offer *Offer          `json:"offer,omitempty"`
	Raw   json.RawMessage `json:"-"`
	Trace Trace           `json:"-"`
}

// OfferCost returns offer.cost, or nil before the provider has priced the intent.
func (i *CheckoutIntent) OfferCost() *Cost {
	if i == nil || i.Offer == nil {
		return nil
	}
	return i.Offer.Cost
}

// DecodeIntent parses a provider intent payload and keeps the raw bytes.
func DecodeIntent(raw json.RawMessage) (*CheckoutIntent, error) {
	var intent CheckoutIntent
	if err := json.Unmarshal(raw, &intent); err != nil {
		return nil, err
	}
	intent.Raw = raw
	return &intent, nil
}

type IntentRequest struct {
	ProductURL string `json:"productUrl" validate:"required,url"`
	Buyer      Buyer  `json:"buyer"`
}

type IntentResponse struct {
	IntentID string
	Cost     *Cost
	Trace    Trace
}

type ConfirmResponse struct {
	Success bool
	Intent  *CheckoutIntent
	Trace   Trace
}

// Provider is the checkout surface the orchestrator and the HTTP boundary depend on.
type Provider interface {
	CreateIntent(ctx context.Context, request *IntentRequest) (*IntentResponse, error)
	ConfirmIntent(ctx context.Context, intentID string, method PaymentMethod) (*ConfirmResponse, error)
	GetIntent(ctx context.Context, intentID string) (*CheckoutIntent, error)
}

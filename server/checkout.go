package server

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fabriqs/go-checkout/payment"
)

// checkoutRequest is either a create ({productUrl, buyer}) or a confirm
// ({confirm: true, checkoutIntentId, paymentMethod}).
type checkoutRequest struct {
	Confirm          bool                  `json:"confirm"`
	ProductURL       string                `json:"productUrl"`
	Buyer            payment.Buyer         `json:"buyer"`
	CheckoutIntentID string                `json:"checkoutIntentId"`
	PaymentMethod    payment.PaymentMethod `json:"paymentMethod"`
}

type createResponse struct {
	Cost             *payment.Cost `json:"cost"`
	CheckoutIntentID string        `json:"checkoutIntentId"`
}

type confirmResponse struct {
	Success        bool            `json:"success"`
	CheckoutIntent json.RawMessage `json:"checkoutIntent"`
}

func (s *Server) postCheckout(c echo.Context) error {
	var req checkoutRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	ctx := c.Request().Context()

	if req.Confirm {
		resp, err := s.api.ConfirmIntent(ctx, req.CheckoutIntentID, req.PaymentMethod)
		if err != nil {
			return err
		}
		setTrace(c, resp.Trace)
		return c.JSON(http.StatusOK, confirmResponse{Success: resp.Success, CheckoutIntent: rawIntent(resp.Intent)})
	}

	resp, err := s.api.CreateIntent(ctx, &payment.IntentRequest{ProductURL: req.ProductURL, Buyer: req.Buyer})
	if err != nil {
		return err
	}
	setTrace(c, resp.Trace)
	return c.JSON(http.StatusOK, createResponse{Cost: resp.Cost, CheckoutIntentID: resp.IntentID})
}

// getCheckout returns the provider's intent payload verbatim.
func (s *Server) getCheckout(c echo.Context) error {
	intent, err := s.api.GetIntent(c.Request().Context(), c.QueryParam("checkoutIntentId"))
	if err != nil {
		return err
	}
	setTrace(c, intent.Trace)
	return c.JSONBlob(http.StatusOK, rawIntent(intent))
}

func rawIntent(intent *payment.CheckoutIntent) json.RawMessage {
	if intent == nil {
		return json.RawMessage("null")
	}
	if len(intent.Raw) > 0 {
		return withIntentID(intent.Raw, intent.ID)
	}
	raw, err := json.Marshal(intent)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}

// withIntentID adds id to a provider payload that omits it, such as a bare
// {"success":true} confirm reply. Clients read checkoutIntent.id to keep polling.
func withIntentID(raw json.RawMessage, id string) json.RawMessage {
	var fields map[string]json.RawMessage
	if id == "" || json.Unmarshal(raw, &fields) != nil {
		return raw
	}
	if existing, ok := fields["id"]; ok && string(existing) != `""` && string(existing) != "null" {
		return raw
	}
	encoded, err := json.Marshal(id)
	if err != nil {
		return raw
	}
	fields["id"] = encoded
	merged, err := json.Marshal(fields)
	if err != nil {
		return raw
	}
	return merged
}

func setTrace(c echo.Context, trace payment.Trace) {
	if v := trace.HeaderValue(); v != "" {
		c.Response().Header().Set(TraceHeader, v)
	}
}

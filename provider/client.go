// Package provider talks to the commerce provider's checkout-intent API.
package provider

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/fabriqs/go-checkout/config"
	"github.com/fabriqs/go-checkout/payment"
)

// Response is a successful provider reply.
type Response struct {
	Status  int
	JSON    json.RawMessage
	TraceID string
}

// Client issues authenticated calls. It never retries; callers decide what is
// safe to repeat.
type Client struct {
	http        *resty.Client
	apiKey      string
	traceHeader string
	log         logrus.FieldLogger
}

func New(cfg config.Provider, log logrus.FieldLogger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	traceHeader := cfg.TraceHeader
	if traceHeader == "" {
		traceHeader = "X-Request-Id"
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		httpClient.SetHeader("Authorization", "Basic "+cfg.APIKey)
	}

	return &Client{
		http:        httpClient,
		apiKey:      cfg.APIKey,
		traceHeader: traceHeader,
		log:         log.WithField("component", "provider"),
	}
}

// Call sends method to endpoint (relative to the base URL). body is serialized as
// JSON only when non-nil.
func (c *Client) Call(ctx context.Context, method, endpoint string, body interface{}) (*Response, error) {
	if c.apiKey == "" {
		c.log.Error("provider credential is not configured")
		return nil, &payment.ConfigurationError{Setting: "RYE_API_KEY"}
	}

	endpoint = "/" + strings.TrimLeft(endpoint, "/")
	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}

	start := time.Now()
	resp, err := req.Execute(method, endpoint)
	log := c.log.WithFields(logrus.Fields{
		"method":   method,
		"endpoint": endpoint,
		"elapsed":  time.Since(start).String(),
	})
	if err != nil {
		log.WithError(err).Warn("provider request failed")
		return nil, &payment.TransportError{Err: err}
	}

	traceID := resp.Header().Get(c.traceHeader)
	log = log.WithFields(logrus.Fields{"status": resp.StatusCode(), "trace_id": traceID})

	if !resp.IsSuccess() {
		log.WithField("body", resp.String()).Warn("provider returned error")
		return nil, &payment.ProviderError{
			Status:  resp.StatusCode(),
			Message: resp.String(),
			TraceID: traceID,
		}
	}

	raw := resp.Body()
	if !json.Valid(raw) {
		log.Error("provider returned unparseable body")
		return nil, &payment.ContractError{Field: "body", TraceID: traceID}
	}
	log.Debug("provider request succeeded")

	return &Response{
		Status:  resp.StatusCode(),
		JSON:    json.RawMessage(raw),
		TraceID: traceID,
	}, nil
}

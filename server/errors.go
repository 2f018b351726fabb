package server

import (
	"errors"
	"net/http"

	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/fabriqs/go-checkout/checkout"
	"github.com/fabriqs/go-checkout/payment"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// handleError is the single place errors become HTTP responses. Failed
// provider calls still carry their trace header.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	trace := payment.TraceOf(err)
	setTrace(c, trace)

	status, body := s.describe(err, c.Request().Header.Get("Accept-Language"))
	if status >= http.StatusInternalServerError {
		s.log.WithFields(logrus.Fields{
			"uri":   c.Request().RequestURI,
			"trace": trace.HeaderValue(),
			"code":  body.Code,
		}).WithError(err).Error("request failed")
		s.report(c, err, trace)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		s.log.WithError(err).Error("failed to write error response")
	}
}

func (s *Server) describe(err error, acceptLanguage string) (int, errorResponse) {
	localized := func(id string, data map[string]string) string {
		return s.i18n.message(acceptLanguage, id, data)
	}

	var (
		verr   *payment.ValidationError
		cfgErr *payment.ConfigurationError
		perr   *payment.ProviderError
		terr   *payment.TransportError
		cerr   *payment.ContractError
		toErr  *payment.TimeoutError
		herr   *echo.HTTPError
	)
	switch {
	case errors.As(err, &verr):
		id := "InvalidField"
		if verr.Reason == "" || verr.Reason == "required" {
			id = "MissingField"
		}
		return http.StatusBadRequest, errorResponse{
			Error: localized(id, map[string]string{"Field": verr.Field}),
			Code:  "invalid_request",
		}
	case errors.Is(err, errSessionNotFound):
		return http.StatusNotFound, errorResponse{Error: localized("SessionNotFound", nil), Code: "not_found"}
	case errors.Is(err, checkout.ErrBusy):
		return http.StatusConflict, errorResponse{Error: localized("SessionBusy", nil), Code: "busy"}
	case errors.Is(err, checkout.ErrWrongPhase):
		return http.StatusConflict, errorResponse{Error: localized("SessionWrongPhase", nil), Code: "wrong_phase"}
	case errors.Is(err, checkout.ErrNotRetryable):
		return http.StatusConflict, errorResponse{Error: localized("SessionNotRetryable", nil), Code: "not_retryable"}
	case errors.As(err, &cfgErr):
		return http.StatusInternalServerError, errorResponse{Error: localized("NotConfigured", nil), Code: "configuration_error"}
	case errors.As(err, &perr):
		return http.StatusInternalServerError, errorResponse{Error: perr.Error(), Code: "provider_error"}
	case errors.As(err, &terr):
		return http.StatusInternalServerError, errorResponse{Error: err.Error(), Code: "transport_error"}
	case errors.As(err, &cerr):
		return http.StatusInternalServerError, errorResponse{Error: err.Error(), Code: "contract_error"}
	case errors.As(err, &toErr):
		return http.StatusInternalServerError, errorResponse{Error: err.Error(), Code: "timeout"}
	case errors.As(err, &herr):
		msg, ok := herr.Message.(string)
		if !ok {
			msg = http.StatusText(herr.Code)
		}
		if herr.Code >= http.StatusInternalServerError {
			msg = localized("InternalError", nil)
		}
		return herr.Code, errorResponse{Error: msg, Code: "http_error"}
	default:
		return http.StatusInternalServerError, errorResponse{Error: localized("InternalError", nil), Code: "internal_error"}
	}
}

// report forwards a server-side failure to Sentry when the middleware is mounted.
func (s *Server) report(c echo.Context, err error, trace payment.Trace) {
	hub := sentryecho.GetHubFromContext(c)
	if hub == nil {
		return
	}
	hub.WithScope(func(scope *sentry.Scope) {
		if v := trace.HeaderValue(); v != "" {
			scope.SetTag("checkout_trace", v)
		}
		scope.SetTag("route", c.Path())
		hub.CaptureException(err)
	})
}

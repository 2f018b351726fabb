package server

import (
	"net/http"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/thoas/go-funk"

	"github.com/fabriqs/go-checkout/payment"
	"github.com/fabriqs/go-checkout/tracelog"
)

const defaultTraceLimit = 50

// listTraces looks up the ledger by intentId or traceId, or lists the most
// recent entries. label narrows the result to one call site and outcome.
func (s *Server) listTraces(c echo.Context) error {
	ctx := c.Request().Context()

	var (
		records []tracelog.Record
		err     error
	)
	switch {
	case c.QueryParam("intentId") != "":
		records, err = s.traces.ForIntent(ctx, c.QueryParam("intentId"))
	case c.QueryParam("traceId") != "":
		records, err = s.traces.ByTraceID(ctx, c.QueryParam("traceId"))
	default:
		limit := defaultTraceLimit
		if raw := c.QueryParam("limit"); raw != "" {
			n, convErr := strconv.Atoi(raw)
			if convErr != nil || n <= 0 {
				return payment.NewValidationError("limit", "gt=0")
			}
			limit = n
		}
		records, err = s.traces.Recent(ctx, limit)
	}
	if err != nil {
		return err
	}

	if label := c.QueryParam("label"); label != "" {
		records = funk.Filter(records, func(r tracelog.Record) bool {
			return r.Label == label
		}).([]tracelog.Record)
	}
	if records == nil {
		records = []tracelog.Record{}
	}

	if token, ok := c.Get("user").(*jwt.Token); ok {
		if subject, err := token.Claims.GetSubject(); err == nil {
			s.log.WithField("admin", subject).Debug("trace lookup")
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"traces": records})
}

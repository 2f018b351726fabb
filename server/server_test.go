package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/gavv/httpexpect/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabriqs/go-checkout/checkout"
	"github.com/fabriqs/go-checkout/config"
	"github.com/fabriqs/go-checkout/logging"
	"github.com/fabriqs/go-checkout/payment"
	"github.com/fabriqs/go-checkout/poller"
	"github.com/fabriqs/go-checkout/provider"
	"github.com/fabriqs/go-checkout/proxy"
	"github.com/fabriqs/go-checkout/tracelog"
)

// fakeRye is a provider that moves ci_1 forward one state per fetch.
type fakeRye struct {
	mu    sync.Mutex
	calls []string
	state payment.State
	stuck bool
	// bareConfirm answers confirm with {"success":true} only.
	bareConfirm bool
}

var advance = map[payment.State]payment.State{
	payment.StateCreated: payment.StateAwaitingConfirmation,
	"processing":         payment.StateCompleted,
}

func newFakeRye() *fakeRye {
	return &fakeRye{state: payment.StateCreated}
}

func (f *fakeRye) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRye) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)

	cost := map[string]interface{}{"currencyCode": "USD", "amountSubunits": 1234}
	reply := func(status int, traceID string, body interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Request-Id", traceID)
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/checkout-intents":
		f.state = payment.StateCreated
		reply(http.StatusOK, "req-create", map[string]interface{}{
			"id":    "ci_1",
			"state": f.state,
			"items": []interface{}{map[string]interface{}{"cost": cost}},
		})
	case r.Method == http.MethodPost && r.URL.Path == "/checkout-intents/ci_1/confirm":
		f.state = "processing"
		if f.bareConfirm {
			reply(http.StatusOK, "req-confirm", map[string]interface{}{"success": true})
			return
		}
		reply(http.StatusOK, "req-confirm", map[string]interface{}{"id": "ci_1", "state": f.state})
	case r.Method == http.MethodGet && r.URL.Path == "/checkout-intents/ci_1":
		body := map[string]interface{}{"id": "ci_1", "state": f.state, "merchant": "example-store"}
		if f.state != payment.StateCreated {
			body["offer"] = map[string]interface{}{"cost": cost}
		}
		reply(http.StatusOK, "req-fetch", body)
		if next, ok := advance[f.state]; ok && !f.stuck {
			f.state = next
		}
	default:
		reply(http.StatusNotFound, "req-404", map[string]string{"message": "intent not found"})
	}
}

type setup struct {
	apiKey string
	opts   Options
}

func newTestServer(t *testing.T, rye *fakeRye, s setup) *httpexpect.Expect {
	t.Helper()
	log := logging.Discard()

	ryeSrv := httptest.NewServer(rye)
	t.Cleanup(ryeSrv.Close)

	store, err := tracelog.Open(filepath.Join(t.TempDir(), "traces.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	client := provider.New(config.Provider{
		APIKey:      s.apiKey,
		BaseURL:     ryeSrv.URL,
		TraceHeader: "X-Request-Id",
		Timeout:     5 * time.Second,
	}, log)
	api := proxy.New(client, log).WithRecorder(store)
	p := poller.New(api, poller.Options{Interval: 5 * time.Millisecond, Timeout: 2 * time.Second}, log)
	registry := checkout.NewRegistry(api, p, EventBus.New(), time.Minute, log)

	srv, err := New(Deps{Provider: api, Sessions: registry, Traces: store, Log: log}, s.opts)
	require.NoError(t, err)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	return httpexpect.Default(t, ts.URL)
}

func buyer() map[string]interface{} {
	return map[string]interface{}{
		"firstName":  gofakeit.FirstName(),
		"lastName":   gofakeit.LastName(),
		"email":      gofakeit.Email(),
		"phone":      gofakeit.Phone(),
		"address1":   gofakeit.Street(),
		"city":       gofakeit.City(),
		"province":   gofakeit.StateAbr(),
		"country":    "US",
		"postalCode": gofakeit.Zip(),
	}
}

func createBody() map[string]interface{} {
	return map[string]interface{}{"productUrl": "https://shop.example.com/products/mug", "buyer": buyer()}
}

func stripeToken() map[string]string {
	return map[string]string{"stripe_token": "tok_visa", "type": payment.PaymentMethodStripeToken}
}

func TestCreateCheckout(t *testing.T) {
	rye := newFakeRye()
	e := newTestServer(t, rye, setup{apiKey: "key"})

	resp := e.POST("/api/checkout").WithJSON(createBody()).Expect().Status(http.StatusOK)
	resp.Header(TraceHeader).IsEqual("create_ok:req-create")

	body := resp.JSON().Object()
	body.Value("checkoutIntentId").String().IsEqual("ci_1")
	body.Value("cost").Object().Value("currencyCode").String().IsEqual("USD")
	body.Value("cost").Object().Value("amountSubunits").Number().IsEqual(1234)
	assert.Equal(t, 1, rye.callCount())
}

func TestCreateCheckoutValidation(t *testing.T) {
	rye := newFakeRye()
	e := newTestServer(t, rye, setup{apiKey: "key"})

	body := createBody()
	delete(body["buyer"].(map[string]interface{}), "email")

	resp := e.POST("/api/checkout").WithJSON(body).Expect().Status(http.StatusBadRequest)
	resp.Header(TraceHeader).IsEmpty()
	resp.JSON().Object().IsEqual(map[string]string{"error": "missing buyer.email", "code": "invalid_request"})

	e.POST("/api/checkout").WithJSON(body).WithHeader("Accept-Language", "es-ES,es;q=0.9").
		Expect().Status(http.StatusBadRequest).
		JSON().Object().Value("error").String().IsEqual("falta buyer.email")

	e.POST("/api/checkout").WithJSON(map[string]interface{}{}).
		Expect().Status(http.StatusBadRequest).
		JSON().Object().Value("error").String().IsEqual("missing productUrl")

	assert.Equal(t, 0, rye.callCount())
}

func TestConfirmCheckout(t *testing.T) {
	rye := newFakeRye()
	e := newTestServer(t, rye, setup{apiKey: "key"})

	resp := e.POST("/api/checkout").WithJSON(map[string]interface{}{
		"confirm":          true,
		"checkoutIntentId": "ci_1",
		"paymentMethod":    stripeToken(),
	}).Expect().Status(http.StatusOK)

	resp.Header(TraceHeader).IsEqual("confirm_ok:req-confirm")
	body := resp.JSON().Object()
	body.Value("success").Boolean().IsTrue()
	body.Value("checkoutIntent").Object().Value("id").String().IsEqual("ci_1")
	body.Value("checkoutIntent").Object().Value("state").String().IsEqual("processing")
}

func TestConfirmCheckoutBareSuccessKeepsIntentID(t *testing.T) {
	rye := newFakeRye()
	rye.bareConfirm = true
	e := newTestServer(t, rye, setup{apiKey: "key"})

	resp := e.POST("/api/checkout").WithJSON(map[string]interface{}{
		"confirm":          true,
		"checkoutIntentId": "ci_1",
		"paymentMethod":    stripeToken(),
	}).Expect().Status(http.StatusOK)

	resp.Header(TraceHeader).IsEqual("confirm_ok:req-confirm")
	intent := resp.JSON().Object().Value("checkoutIntent").Object()
	intent.Value("id").String().IsEqual("ci_1")
	intent.Value("success").Boolean().IsTrue()
}

func TestConfirmCheckoutWithoutTokenMakesNoCall(t *testing.T) {
	rye := newFakeRye()
	e := newTestServer(t, rye, setup{apiKey: "key"})

	e.POST("/api/checkout").WithJSON(map[string]interface{}{
		"confirm":          true,
		"checkoutIntentId": "ci_1",
	}).Expect().Status(http.StatusBadRequest).
		JSON().Object().Value("error").String().IsEqual("missing paymentMethod")

	e.POST("/api/checkout").WithJSON(map[string]interface{}{
		"confirm":       true,
		"paymentMethod": stripeToken(),
	}).Expect().Status(http.StatusBadRequest).
		JSON().Object().Value("error").String().IsEqual("missing checkoutIntentId")

	assert.Equal(t, 0, rye.callCount())
}

func TestGetCheckoutIsVerbatim(t *testing.T) {
	rye := newFakeRye()
	e := newTestServer(t, rye, setup{apiKey: "key"})

	resp := e.GET("/api/checkout").WithQuery("checkoutIntentId", "ci_1").Expect().Status(http.StatusOK)
	resp.Header(TraceHeader).IsEqual("fetch_ok:req-fetch")
	body := resp.JSON().Object()
	body.Value("state").String().IsEqual("created")
	body.Value("merchant").String().IsEqual("example-store")

	e.GET("/api/checkout").Expect().Status(http.StatusBadRequest)
}

func TestProviderErrorKeepsTrace(t *testing.T) {
	rye := newFakeRye()
	e := newTestServer(t, rye, setup{apiKey: "key"})

	resp := e.GET("/api/checkout").WithQuery("checkoutIntentId", "missing").
		Expect().Status(http.StatusInternalServerError)
	resp.Header(TraceHeader).IsEqual("fetch_error:req-404")
	body := resp.JSON().Object()
	body.Value("code").String().IsEqual("provider_error")
	body.Value("error").String().Contains("intent not found")
}

func TestMissingCredential(t *testing.T) {
	rye := newFakeRye()
	e := newTestServer(t, rye, setup{})

	resp := e.POST("/api/checkout").WithJSON(createBody()).Expect().Status(http.StatusInternalServerError)
	resp.Header(TraceHeader).IsEmpty()
	resp.JSON().Object().Value("code").String().IsEqual("configuration_error")
	assert.Equal(t, 0, rye.callCount())
}

func sessionPhase(e *httpexpect.Expect, id string) map[string]interface{} {
	return e.GET("/api/sessions/" + id).Expect().Status(http.StatusOK).JSON().Object().Raw()
}

func TestSessionCompletes(t *testing.T) {
	rye := newFakeRye()
	e := newTestServer(t, rye, setup{apiKey: "key"})

	id := e.POST("/api/sessions").WithJSON(createBody()).
		Expect().Status(http.StatusAccepted).
		JSON().Object().Value("sessionId").String().NotEmpty().Raw()

	require.Eventually(t, func() bool {
		return sessionPhase(e, id)["phase"] == string(checkout.PhaseAwaitingConfirmation)
	}, 3*time.Second, 10*time.Millisecond)

	view := e.GET("/api/sessions/" + id).Expect().Status(http.StatusOK).JSON().Object()
	view.Value("checkoutIntentId").String().IsEqual("ci_1")
	view.Value("costDisplay").String().Contains("12.34")

	e.POST("/api/sessions/" + id + "/confirm").
		WithJSON(map[string]interface{}{"paymentMethod": stripeToken()}).
		Expect().Status(http.StatusAccepted)

	require.Eventually(t, func() bool {
		return sessionPhase(e, id)["phase"] == string(checkout.PhaseTerminal)
	}, 3*time.Second, 10*time.Millisecond)

	final := e.GET("/api/sessions/" + id).Expect().Status(http.StatusOK).JSON().Object()
	final.Value("outcome").String().IsEqual("completed")
	final.Value("retryable").Boolean().IsFalse()

	e.POST("/api/sessions/" + id + "/retry").Expect().Status(http.StatusConflict).
		JSON().Object().Value("code").String().IsEqual("wrong_phase")
}

func TestSessionCancelAndRetry(t *testing.T) {
	rye := newFakeRye()
	rye.stuck = true
	e := newTestServer(t, rye, setup{apiKey: "key"})

	id := e.POST("/api/sessions").WithJSON(createBody()).
		Expect().Status(http.StatusAccepted).
		JSON().Object().Value("sessionId").String().Raw()

	require.Eventually(t, func() bool {
		v := sessionPhase(e, id)
		return v["phase"] == string(checkout.PhaseAwaitingCost) && v["busy"] == true
	}, 3*time.Second, 10*time.Millisecond)

	e.POST("/api/sessions/" + id + "/confirm").
		WithJSON(map[string]interface{}{"paymentMethod": stripeToken()}).
		Expect().Status(http.StatusConflict).
		JSON().Object().Value("code").String().IsEqual("busy")

	e.DELETE("/api/sessions/" + id).Expect().Status(http.StatusOK)

	require.Eventually(t, func() bool {
		v := sessionPhase(e, id)
		return v["phase"] == string(checkout.PhaseError) && v["retryable"] == true && v["busy"] == false
	}, 3*time.Second, 10*time.Millisecond)

	rye.mu.Lock()
	rye.stuck = false
	rye.mu.Unlock()

	e.POST("/api/sessions/" + id + "/retry").Expect().Status(http.StatusAccepted)
	require.Eventually(t, func() bool {
		return sessionPhase(e, id)["phase"] == string(checkout.PhaseAwaitingConfirmation)
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSessionErrors(t *testing.T) {
	rye := newFakeRye()
	e := newTestServer(t, rye, setup{apiKey: "key"})

	e.GET("/api/sessions/nope").Expect().Status(http.StatusNotFound).
		JSON().Object().Value("code").String().IsEqual("not_found")

	e.POST("/api/sessions").WithJSON(map[string]interface{}{"productUrl": "not a url", "buyer": buyer()}).
		Expect().Status(http.StatusBadRequest).
		JSON().Object().Value("error").String().IsEqual("invalid productUrl")

	assert.Equal(t, 0, rye.callCount())
}

func adminToken(t *testing.T, secret string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestAdminTraces(t *testing.T) {
	rye := newFakeRye()
	e := newTestServer(t, rye, setup{apiKey: "key", opts: Options{AdminJWTSecret: "s3cret"}})

	e.POST("/api/checkout").WithJSON(createBody()).Expect().Status(http.StatusOK)
	e.GET("/api/checkout").WithQuery("checkoutIntentId", "ci_1").Expect().Status(http.StatusOK)

	e.GET("/admin/traces").Expect().Status(http.StatusUnauthorized)
	e.GET("/admin/traces").WithHeader("Authorization", "Bearer "+adminToken(t, "wrong")).
		Expect().Status(http.StatusUnauthorized)

	auth := "Bearer " + adminToken(t, "s3cret")
	traces := e.GET("/admin/traces").WithQuery("intentId", "ci_1").WithHeader("Authorization", auth).
		Expect().Status(http.StatusOK).
		JSON().Object().Value("traces").Array()
	traces.Length().IsEqual(2)
	traces.Value(0).Object().Value("label").String().IsEqual("create_ok")
	traces.Value(1).Object().Value("traceId").String().IsEqual("req-fetch")

	e.GET("/admin/traces").WithQuery("intentId", "ci_1").WithQuery("label", "fetch_ok").
		WithHeader("Authorization", auth).
		Expect().Status(http.StatusOK).
		JSON().Object().Value("traces").Array().Length().IsEqual(1)

	e.GET("/admin/traces").WithQuery("traceId", "req-create").WithHeader("Authorization", auth).
		Expect().Status(http.StatusOK).
		JSON().Object().Value("traces").Array().Length().IsEqual(1)

	e.GET("/admin/traces").WithQuery("limit", "0").WithHeader("Authorization", auth).
		Expect().Status(http.StatusBadRequest)
}

func TestAdminTracesWithoutSecret(t *testing.T) {
	e := newTestServer(t, newFakeRye(), setup{apiKey: "key"})

	e.GET("/admin/traces").Expect().Status(http.StatusOK).
		JSON().Object().Value("traces").Array().IsEmpty()
}

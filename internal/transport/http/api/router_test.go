package apihttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"keel/internal/bus"
	"keel/internal/engine"
	"keel/internal/ledger"
	"keel/internal/market"
	"keel/internal/reconcile"
	"keel/internal/risk"
	"keel/internal/stoploss"
	"keel/internal/store/memstore"
	"keel/internal/types"
	"keel/internal/venue/sim"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *ledger.Ledger, *risk.Governor) {
	t.Helper()
	st := memstore.New()
	led := ledger.New(st.Stocks(), st.Trades())
	events := bus.New()
	feed := market.NewStaticFeed()
	feed.SetPrice("AAPL", 100)

	governor := risk.NewGovernor(risk.Limits{}, events)
	primary := sim.New(feed)
	eng := engine.New(engine.Options{
		Primary:  primary,
		Governor: governor,
		Ledger:   led,
		Feed:     feed,
		Events:   events,
	})
	sup, err := stoploss.New(st.StopLosses(), eng, events, governor)
	require.NoError(t, err)
	auditor := reconcile.New(primary, led, st.Reconciliations(), nil)

	router := &Router{
		Engine:     eng,
		Ledger:     led,
		Governor:   governor,
		StopLosses: sup,
		Auditor:    auditor,
	}
	return NewServer(":0", router), led, governor
}

func doJSON(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := doJSON(t, srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSubmitOrderAndPositions(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/orders",
		`{"symbol":"AAPL","side":"BUY","type":"MARKET","quantity":5}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, srv, http.MethodGet, "/api/positions", "")
	require.Equal(t, http.StatusOK, w.Code)
	var positions []types.PositionSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &positions))
	require.Len(t, positions, 1)
	assert.Equal(t, 5.0, positions[0].NetQuantity)
}

func TestEvaluateUnknownStrategyIs404(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := doJSON(t, srv, http.MethodPost, "/api/evaluate/ghost", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBreakerEndpoints(t *testing.T) {
	srv, _, governor := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/risk/breaker/trip", `{"reason":"drill"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, governor.Status().CircuitBroken)

	// Orders are refused while tripped.
	w = doJSON(t, srv, http.MethodPost, "/api/orders",
		`{"symbol":"AAPL","side":"BUY","type":"MARKET","quantity":1}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "circuit breaker")

	w = doJSON(t, srv, http.MethodPost, "/api/risk/breaker/reset", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, governor.Status().CircuitBroken)
}

func TestStopLossCRUD(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := doJSON(t, srv, http.MethodPut, "/api/stoploss/AAPL",
		`{"entry_price":100,"stop_loss_price":95,"quantity":10}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, srv, http.MethodGet, "/api/stoploss", "")
	require.Equal(t, http.StatusOK, w.Code)
	var configs []types.StopLossConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &configs))
	require.Len(t, configs, 1)
	assert.Equal(t, types.StopLossFixed, configs[0].Type)

	w = doJSON(t, srv, http.MethodDelete, "/api/stoploss/AAPL", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, srv, http.MethodDelete, "/api/stoploss/AAPL", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStopLossValidationIs400(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := doJSON(t, srv, http.MethodPut, "/api/stoploss/AAPL",
		`{"entry_price":100,"stop_loss_price":-5,"quantity":10}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReconcileEndpoint(t *testing.T) {
	srv, led, _ := newTestServer(t)
	_, err := led.RecordExternalTrade(context.Background(),
		types.Trade{ID: "t1", Symbol: "AAPL", Side: types.SideBuy, Quantity: 3, Price: 100})
	require.NoError(t, err)

	w := doJSON(t, srv, http.MethodPost, "/api/reconcile", "")
	require.Equal(t, http.StatusOK, w.Code)
	var result types.ReconciliationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.HasDiscrepancies, "local position missing on the venue")
}

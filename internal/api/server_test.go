package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bob-ramp/internal/fetcher"
	"bob-ramp/internal/pricing"
	"bob-ramp/internal/ramp"
)

const (
	secret = "test-secret"
	owner  = "0x1111111111111111111111111111111111111111"
	other  = "0x2222222222222222222222222222222222222222"
)

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type fakePrices struct {
	view pricing.View
	err  error
}

func (f fakePrices) Current(context.Context) (pricing.View, error) { return f.view, f.err }

// stubRamp overrides individual operations of a real service.
type stubRamp struct {
	RampService
	reconcile func(ctx context.Context, id string) (ramp.Request, error)
	get       func(ctx context.Context, id string) (ramp.Request, error)
}

func (s stubRamp) Reconcile(ctx context.Context, id string) (ramp.Request, error) {
	return s.reconcile(ctx, id)
}

func (s stubRamp) Get(ctx context.Context, id string) (ramp.Request, error) {
	return s.get(ctx, id)
}

func newRampService() *ramp.Service {
	return ramp.NewService(ramp.NewMemoryRepository(), ramp.Deps{}, ramp.Options{
		OnRampFeePct:    decimal.RequireFromString("0.5"),
		OffRampFeePct:   decimal.RequireFromString("0.5"),
		MinAmount:       decimal.NewFromInt(10),
		MaxAmount:       decimal.NewFromInt(100000),
		QuoteValidity:   15 * time.Minute,
		PaymentTimeout:  time.Hour,
		ReferencePrefix: "BOBT",
		TreasuryBank:    ramp.BankAccount{BankName: "Banco Union", AccountNumber: "100-200", AccountHolder: "BOBT SRL", AccountType: "checking"},
	}, zerolog.Nop())
}

func newServer(deps Deps) *Server {
	return New(deps, Options{AdminJWTSecret: secret}, zerolog.Nop())
}

func do(t *testing.T, srv *Server, method, path string, body any, token string) (*httptest.ResponseRecorder, response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var out response
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("响应不是合法 JSON: %v, body=%s", err, rec.Body.String())
	}
	return rec, out
}

func token(t *testing.T, role string) string {
	t.Helper()
	claims := OperatorClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops@bobt",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestOnRampQuote(t *testing.T) {
	srv := newServer(Deps{Ramp: newRampService()})

	rec, out := do(t, srv, http.MethodPost, "/api/quote/on-ramp", map[string]string{"bobAmount": "1000"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, out.Success)

	var quote ramp.Quote
	require.NoError(t, json.Unmarshal(out.Data, &quote))
	assert.True(t, quote.FeeAmount.Equal(decimal.NewFromInt(5)))
	assert.True(t, quote.OutputAmount.Equal(decimal.NewFromInt(995)))
	require.NotNil(t, quote.PaymentInstructions)

	rec, out = do(t, srv, http.MethodGet, "/api/quote/"+quote.ID, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, out.Success)
}

func TestQuoteOutOfRange(t *testing.T) {
	srv := newServer(Deps{Ramp: newRampService()})
	rec, out := do(t, srv, http.MethodPost, "/api/quote/off-ramp", map[string]string{"bobtAmount": "1"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, out.Success)
	assert.NotEmpty(t, out.Error)

	rec, _ = do(t, srv, http.MethodGet, "/api/quote/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestLifecycleOverHTTP(t *testing.T) {
	srv := newServer(Deps{Ramp: newRampService()})

	rec, out := do(t, srv, http.MethodPost, "/api/ramp/on-ramp", map[string]string{"userAddress": owner, "bobAmount": "1000"}, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var created requestView
	require.NoError(t, json.Unmarshal(out.Data, &created))
	assert.Equal(t, ramp.StatusPendingPayment, created.Status)
	require.NotNil(t, created.PaymentInstructions, "待付款的入金请求应附带付款指引")
	assert.Equal(t, created.BankReference, created.PaymentInstructions.Reference)

	rec, _ = do(t, srv, http.MethodGet, "/api/ramp/"+created.ID, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, out = do(t, srv, http.MethodGet, "/api/ramp/user/"+owner, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []requestView
	require.NoError(t, json.Unmarshal(out.Data, &list))
	assert.Len(t, list, 1)

	rec, _ = do(t, srv, http.MethodPost, "/api/ramp/"+created.ID+"/cancel", map[string]string{"userAddress": other}, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, out = do(t, srv, http.MethodPost, "/api/ramp/"+created.ID+"/cancel", map[string]string{"userAddress": owner}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cancelled requestView
	require.NoError(t, json.Unmarshal(out.Data, &cancelled))
	assert.Equal(t, ramp.StatusCancelled, cancelled.Status)
	assert.Nil(t, cancelled.PaymentInstructions)

	rec, _ = do(t, srv, http.MethodPost, "/api/ramp/"+created.ID+"/cancel", map[string]string{"userAddress": owner}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestBadInput(t *testing.T) {
	srv := newServer(Deps{Ramp: newRampService()})

	rec, _ := do(t, srv, http.MethodGet, "/api/ramp/user/not-an-address", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/ramp/on-ramp", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	rec, out := do(t, srv, http.MethodGet, "/api/ramp/unknown", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, out.Success)

	rec, _ = do(t, srv, http.MethodGet, "/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInternalErrorsAreGeneric(t *testing.T) {
	stub := stubRamp{RampService: newRampService(), get: func(context.Context, string) (ramp.Request, error) {
		return ramp.Request{}, errors.New("pq: connection refused to 10.0.0.5")
	}}
	srv := newServer(Deps{Ramp: stub})

	rec, out := do(t, srv, http.MethodGet, "/api/ramp/abc", nil, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, internalMessage, out.Error, "内部错误不应泄露细节")
}

func TestExchangePrices(t *testing.T) {
	srv := newServer(Deps{Ramp: newRampService(), Prices: fakePrices{err: pricing.ErrAggregationFailed}})
	rec, out := do(t, srv, http.MethodGet, "/api/prices/exchanges", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, out.Success)

	asOf := time.Now().Add(-2 * time.Hour)
	view := pricing.View{
		Rate: pricing.AggregatedRate{Ask: decimal.RequireFromString("6.96"), Bid: decimal.RequireFromString("6.9"), SourceCount: 2, AsOf: asOf},
		Quotes: []fetcher.ExchangeQuote{
			{Source: "binance", Ask: decimal.RequireFromString("6.96"), Bid: decimal.RequireFromString("6.90"), ObservedAt: asOf},
			{Source: "okx", Ask: decimal.RequireFromString("6.95"), Bid: decimal.RequireFromString("6.91"), ObservedAt: asOf},
		},
		Fallback: true,
	}
	srv = newServer(Deps{Ramp: newRampService(), Prices: fakePrices{view: view}})
	rec, out = do(t, srv, http.MethodGet, "/api/prices/exchanges", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got exchangePrices
	require.NoError(t, json.Unmarshal(out.Data, &got))
	assert.True(t, got.Stale)
	assert.True(t, got.Fallback)
	require.NotNil(t, got.BestAsk)
	assert.Equal(t, "okx", got.BestAsk.Source)
	assert.Equal(t, "okx", got.BestBid.Source)
}

func TestLedgerRoutesWithoutLedger(t *testing.T) {
	srv := newServer(Deps{Ramp: newRampService()})
	for _, path := range []string{"/api/prices/oracle", "/api/token/supply", "/api/token/balance/" + owner, "/api/treasury/limits"} {
		rec, _ := do(t, srv, http.MethodGet, path, nil, "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestAdminAuth(t *testing.T) {
	srv := newServer(Deps{Ramp: newRampService()})

	rec, _ := do(t, srv, http.MethodGet, "/api/admin/pending", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = do(t, srv, http.MethodGet, "/api/admin/pending", nil, "garbage")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = do(t, srv, http.MethodGet, "/api/admin/pending", nil, token(t, "viewer"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, out := do(t, srv, http.MethodGet, "/api/admin/pending", nil, token(t, RoleOperator))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, out.Success)

	disabled := New(Deps{Ramp: newRampService()}, Options{}, zerolog.Nop())
	rec, _ = do(t, disabled, http.MethodGet, "/api/admin/pending", nil, token(t, RoleOperator))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminVerifyWalksToVerified(t *testing.T) {
	svc := newRampService()
	srv := newServer(Deps{Ramp: svc})
	req, err := svc.CreateOnRampRequest(context.Background(), owner, decimal.NewFromInt(1000))
	require.NoError(t, err)

	rec, _ := do(t, srv, http.MethodPost, "/api/admin/verify", map[string]string{
		"requestId": req.ID, "bankReference": "WRONG-REF",
	}, token(t, RoleOperator))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, out := do(t, srv, http.MethodPost, "/api/admin/verify", map[string]string{
		"requestId": req.ID, "bankReference": req.BankReference,
	}, token(t, RoleOperator))
	require.Equal(t, http.StatusOK, rec.Code)
	var got ramp.Request
	require.NoError(t, json.Unmarshal(out.Data, &got))
	assert.Equal(t, ramp.StatusVerified, got.Status)
	assert.Equal(t, "ops@bobt", got.VerifiedBy, "未填写 verifiedBy 时取 token subject")
}

func TestAdminReconcileIndeterminate(t *testing.T) {
	stub := stubRamp{RampService: newRampService(), reconcile: func(_ context.Context, id string) (ramp.Request, error) {
		return ramp.Request{ID: id, Status: ramp.StatusProcessing, TxHash: "0xabc"}, ramp.ErrLedgerIndeterminate
	}}
	srv := newServer(Deps{Ramp: stub})

	rec, out := do(t, srv, http.MethodPost, "/api/admin/reconcile", map[string]string{"requestId": "r1"}, token(t, RoleOperator))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, out.Success)
	assert.NotEmpty(t, out.Error)

	rec, _ = do(t, newServer(Deps{Ramp: newRampService()}), http.MethodPost, "/api/admin/reconcile", map[string]string{"requestId": "r1"}, token(t, RoleOperator))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "未配置结算时对账不可用")
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&ramp.ValidationError{Field: "x", Message: "y"}, http.StatusBadRequest},
		{ramp.ErrForbidden, http.StatusForbidden},
		{ramp.ErrQuoteNotFound, http.StatusNotFound},
		{&ramp.TransitionError{RequestID: "r", From: ramp.StatusCompleted, To: ramp.StatusFailed}, http.StatusConflict},
		{ramp.ErrSettlementInProgress, http.StatusConflict},
		{ramp.ErrDepositNotVerified, http.StatusConflict},
		{pricing.ErrAggregationFailed, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		got, _ := statusFor(tc.err)
		assert.Equal(t, tc.want, got, tc.err.Error())
	}
}

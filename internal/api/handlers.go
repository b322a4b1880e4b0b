package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"bob-ramp/internal/fetcher"
	"bob-ramp/internal/pricing"
	"bob-ramp/internal/ramp"
	"bob-ramp/internal/version"
)

// requestView adds payment instructions to an on-ramp request awaiting payment.
type requestView struct {
	ramp.Request
	PaymentInstructions *ramp.PaymentInstructions `json:"paymentInstructions,omitempty"`
}

func (s *Server) view(req ramp.Request) requestView {
	v := requestView{Request: req}
	if req.Type == ramp.TypeOnRamp && req.Status == ramp.StatusPendingPayment {
		v.PaymentInstructions = s.deps.Ramp.PaymentInstructions(req)
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Version})
}

func (s *Server) handleOnRampQuote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BobAmount decimal.Decimal `json:"bobAmount"`
	}
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	quote, err := s.deps.Ramp.CreateOnRampQuote(r.Context(), body.BobAmount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, quote)
}

func (s *Server) handleOffRampQuote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BobtAmount decimal.Decimal `json:"bobtAmount"`
	}
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	quote, err := s.deps.Ramp.CreateOffRampQuote(r.Context(), body.BobtAmount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, quote)
}

func (s *Server) handleGetQuote(w http.ResponseWriter, r *http.Request) {
	quote, err := s.deps.Ramp.GetQuote(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, quote)
}

func (s *Server) handleOnRampRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserAddress string          `json:"userAddress"`
		BobAmount   decimal.Decimal `json:"bobAmount"`
	}
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.deps.Ramp.CreateOnRampRequest(r.Context(), body.UserAddress, body.BobAmount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, s.view(req))
}

func (s *Server) handleOffRampRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserAddress string          `json:"userAddress"`
		BobtAmount  decimal.Decimal `json:"bobtAmount"`
		BankAccount string          `json:"bankAccount"`
		BankName    string          `json:"bankName"`
	}
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.deps.Ramp.CreateOffRampRequest(r.Context(), body.UserAddress, body.BobtAmount, body.BankAccount, body.BankName)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, s.view(req))
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.deps.Ramp.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, s.view(req))
}

func (s *Server) handleListByUser(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.deps.Ramp.ListByUser(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]requestView, 0, len(reqs))
	for _, req := range reqs {
		views = append(views, s.view(req))
	}
	writeData(w, http.StatusOK, views)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserAddress string `json:"userAddress"`
	}
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.deps.Ramp.Cancel(r.Context(), mux.Vars(r)["id"], body.UserAddress)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, s.view(req))
}

type exchangePrices struct {
	Quotes   []fetcher.ExchangeQuote `json:"quotes"`
	Average  pricing.AggregatedRate  `json:"average"`
	BestAsk  *fetcher.ExchangeQuote  `json:"bestAsk,omitempty"`
	BestBid  *fetcher.ExchangeQuote  `json:"bestBid,omitempty"`
	Cached   bool                    `json:"cached"`
	Stale    bool                    `json:"stale"`
	Fallback bool                    `json:"fallback"`
	AsOf     time.Time               `json:"asOf"`
}

// handleExchangePrices never invents a rate: with no live or last-known-good
// data it answers 503.
func (s *Server) handleExchangePrices(w http.ResponseWriter, r *http.Request) {
	if s.deps.Prices == nil {
		writeFailure(w, http.StatusServiceUnavailable, "price feed not configured")
		return
	}
	view, err := s.deps.Prices.Current(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := exchangePrices{
		Quotes:   view.Quotes,
		Average:  view.Rate,
		Cached:   view.Cached,
		Stale:    view.Stale(s.now(), s.opts.DisplayMaxAge),
		Fallback: view.Fallback,
		AsOf:     view.Rate.AsOf,
	}
	if ask, bid, ok := view.Best(); ok {
		out.BestAsk, out.BestBid = &ask, &bid
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) handleOraclePrice(w http.ResponseWriter, r *http.Request) {
	if s.deps.Oracle == nil {
		writeFailure(w, http.StatusServiceUnavailable, "ledger not configured")
		return
	}
	price, err := s.deps.Oracle.GetPrice(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, price)
}

func (s *Server) handleTotalSupply(w http.ResponseWriter, r *http.Request) {
	if s.deps.Token == nil {
		writeFailure(w, http.StatusServiceUnavailable, "ledger not configured")
		return
	}
	supply, err := s.deps.Token.TotalSupply(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"totalSupply": supply, "currency": ramp.CurrencyBOBT})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if s.deps.Token == nil {
		writeFailure(w, http.StatusServiceUnavailable, "ledger not configured")
		return
	}
	addr, err := ramp.NormalizeAddress(mux.Vars(r)["address"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	balance, err := s.deps.Token.Balance(r.Context(), common.HexToAddress(addr))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"address": addr, "balance": balance, "currency": ramp.CurrencyBOBT})
}

func (s *Server) handleRateLimits(w http.ResponseWriter, r *http.Request) {
	if s.deps.Treasury == nil {
		writeFailure(w, http.StatusServiceUnavailable, "ledger not configured")
		return
	}
	limits, err := s.deps.Treasury.GetRateLimits(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, limits)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.deps.Ramp.ListPending(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, reqs)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequestID     string `json:"requestId"`
		BankReference string `json:"bankReference"`
		VerifiedBy    string `json:"verifiedBy"`
	}
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	verifiedBy := strings.TrimSpace(body.VerifiedBy)
	if verifiedBy == "" {
		verifiedBy = operatorFrom(r.Context())
	}

	ctx, cancel := s.settlementContext(r)
	defer cancel()
	req, err := s.deps.Ramp.ConfirmDeposit(ctx, body.RequestID, body.BankReference, verifiedBy)
	s.writeSettlement(w, r, req, err)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequestID string `json:"requestId"`
		TxHash    string `json:"txHash"`
	}
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.deps.Ramp.Complete(r.Context(), body.RequestID, body.TxHash)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, req)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequestID string `json:"requestId"`
	}
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.settlementContext(r)
	defer cancel()
	req, err := s.deps.Ramp.Reconcile(ctx, body.RequestID)
	s.writeSettlement(w, r, req, err)
}

// settlementContext outlives the client connection so a disconnect cannot
// interrupt a broadcast transaction mid-confirmation.
func (s *Server) settlementContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), s.opts.SettlementTimeout)
}

// writeSettlement answers 202 when the ledger outcome is still unknown; the
// request stays in processing until reconciled.
func (s *Server) writeSettlement(w http.ResponseWriter, r *http.Request, req ramp.Request, err error) {
	switch {
	case err == nil:
		writeData(w, http.StatusOK, req)
	case errors.Is(err, ramp.ErrLedgerIndeterminate):
		writeJSON(w, http.StatusAccepted, envelope{Success: true, Data: req, Error: err.Error()})
	default:
		s.writeError(w, r, err)
	}
}

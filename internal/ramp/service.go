package ramp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/moby/locker"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bob-ramp/internal/alerting"
	"bob-ramp/internal/metrics"
	"bob-ramp/internal/pricing"
)

// RateProvider supplies the aggregated market rate used to annotate quotes.
type RateProvider interface {
	Current(ctx context.Context) (pricing.View, error)
}

// DepositChecker confirms a fiat deposit against the bank statement.
type DepositChecker interface {
	DepositVerified(ctx context.Context, reference string, amount decimal.Decimal) (bool, error)
}

// Options carry the business parameters of the ramp.
type Options struct {
	OnRampFeePct    decimal.Decimal
	OffRampFeePct   decimal.Decimal
	MinAmount       decimal.Decimal
	MaxAmount       decimal.Decimal
	QuoteValidity   time.Duration
	PaymentTimeout  time.Duration
	DisplayMaxAge   time.Duration
	ReferencePrefix string
	TreasuryBank    BankAccount
	// MaxQuotes caps the number of open quotes held in memory.
	MaxQuotes int
}

// Deps are the optional collaborators of a Service. Nil members disable the
// feature they back.
type Deps struct {
	Rates    RateProvider
	Settler  Settler
	Deposits DepositChecker
	Notifier alerting.Notifier
}

// Service is the ramp state machine. Transitions of one request are
// serialised by a per-request lock and committed with a compare-and-swap.
type Service struct {
	repo     Repository
	quotes   *QuoteBook
	rates    RateProvider
	settler  Settler
	deposits DepositChecker
	notifier alerting.Notifier
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time

	locks *locker.Locker

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

func NewService(repo Repository, deps Deps, opts Options, logger zerolog.Logger) *Service {
	if opts.QuoteValidity <= 0 {
		opts.QuoteValidity = 15 * time.Minute
	}
	if opts.PaymentTimeout <= 0 {
		opts.PaymentTimeout = time.Hour
	}
	if opts.DisplayMaxAge <= 0 {
		opts.DisplayMaxAge = time.Hour
	}
	if opts.ReferencePrefix == "" {
		opts.ReferencePrefix = "BOBT"
	}
	return &Service{
		repo:     repo,
		quotes:   NewQuoteBook(opts.MaxQuotes),
		rates:    deps.Rates,
		settler:  deps.Settler,
		deposits: deps.Deposits,
		notifier: deps.Notifier,
		opts:     opts,
		logger:   logger.With().Str("component", "ramp").Logger(),
		now:      time.Now,
		locks:    locker.New(),
		inflight: make(map[string]struct{}),
	}
}

// ComputeFee charges pct percent of amount, in the input currency. The fee is
// rounded to 7 places and output is the exact remainder, so fee+output == amount.
func ComputeFee(amount, pct decimal.Decimal) (fee, output decimal.Decimal) {
	fee = amount.Mul(pct).Div(decimal.NewFromInt(100)).Round(7)
	return fee, amount.Sub(fee)
}

func (s *Service) validateAmount(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &ValidationError{Field: field, Message: "must be positive"}
	}
	if !s.opts.MinAmount.IsZero() && amount.LessThan(s.opts.MinAmount) {
		return &ValidationError{Field: field, Message: "below minimum " + s.opts.MinAmount.String()}
	}
	if !s.opts.MaxAmount.IsZero() && amount.GreaterThan(s.opts.MaxAmount) {
		return &ValidationError{Field: field, Message: "above maximum " + s.opts.MaxAmount.String()}
	}
	return nil
}

// NormalizeAddress validates a hex account address and returns its checksummed form.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", &ValidationError{Field: "userAddress", Message: "not a valid account address"}
	}
	return common.HexToAddress(addr).Hex(), nil
}

func (s *Service) marketRate(ctx context.Context) *MarketRate {
	if s.rates == nil {
		return nil
	}
	view, err := s.rates.Current(ctx)
	if err != nil {
		s.logger.Debug().Err(err).Msg("quote issued without market annotation")
		return nil
	}
	return &MarketRate{
		Ask:         view.Rate.Ask,
		Bid:         view.Rate.Bid,
		Mid:         view.Rate.Mid,
		SourceCount: view.Rate.SourceCount,
		AsOf:        view.Rate.AsOf,
		Stale:       view.Stale(s.now(), s.opts.DisplayMaxAge),
	}
}

// CreateOnRampQuote prices a BOB -> BOBT conversion. BOBT is pegged 1:1, the
// market rate is attached for display only.
func (s *Service) CreateOnRampQuote(ctx context.Context, bobAmount decimal.Decimal) (Quote, error) {
	if err := s.validateAmount("bobAmount", bobAmount); err != nil {
		return Quote{}, err
	}
	reference, err := s.newReference()
	if err != nil {
		return Quote{}, err
	}
	q := s.newQuote(ctx, TypeOnRamp, bobAmount, s.opts.OnRampFeePct)
	q.PaymentInstructions = s.instructions(reference, bobAmount)
	s.quotes.Put(q, s.now())
	return q, nil
}

// CreateOffRampQuote prices a BOBT -> BOB conversion.
func (s *Service) CreateOffRampQuote(ctx context.Context, bobtAmount decimal.Decimal) (Quote, error) {
	if err := s.validateAmount("bobtAmount", bobtAmount); err != nil {
		return Quote{}, err
	}
	q := s.newQuote(ctx, TypeOffRamp, bobtAmount, s.opts.OffRampFeePct)
	s.quotes.Put(q, s.now())
	return q, nil
}

func (s *Service) newQuote(ctx context.Context, typ Type, input, pct decimal.Decimal) Quote {
	now := s.now().UTC()
	fee, output := ComputeFee(input, pct)
	inCur, outCur := CurrencyBOB, CurrencyBOBT
	if typ == TypeOffRamp {
		inCur, outCur = CurrencyBOBT, CurrencyBOB
	}
	return Quote{
		ID:             uuid.NewString(),
		Type:           typ,
		InputAmount:    input,
		InputCurrency:  inCur,
		OutputAmount:   output,
		OutputCurrency: outCur,
		ExchangeRate:   decimal.NewFromInt(1),
		FeeAmount:      fee,
		FeePercent:     pct,
		CreatedAt:      now,
		ValidUntil:     now.Add(s.opts.QuoteValidity),
		MarketRate:     s.marketRate(ctx),
	}
}

// GetQuote returns a quote that has not yet expired.
func (s *Service) GetQuote(id string) (Quote, error) {
	q, ok := s.quotes.Get(id, s.now())
	if !ok {
		return Quote{}, ErrQuoteNotFound
	}
	return q, nil
}

func (s *Service) instructions(reference string, amount decimal.Decimal) *PaymentInstructions {
	bank := s.opts.TreasuryBank
	return &PaymentInstructions{
		BankName:      bank.BankName,
		AccountNumber: bank.AccountNumber,
		AccountHolder: bank.AccountHolder,
		AccountType:   bank.AccountType,
		Reference:     reference,
		Amount:        amount,
		Currency:      CurrencyBOB,
	}
}

// PaymentInstructions returns where the user of an on-ramp request must pay, nil for off-ramp.
func (s *Service) PaymentInstructions(req Request) *PaymentInstructions {
	if req.Type != TypeOnRamp {
		return nil
	}
	return s.instructions(req.BankReference, req.BobAmount)
}

const referenceAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func (s *Service) newReference() (string, error) {
	suffix := make([]byte, 8)
	limit := big.NewInt(int64(len(referenceAlphabet)))
	for i := range suffix {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate reference: %w", err)
		}
		suffix[i] = referenceAlphabet[n.Int64()]
	}
	return s.opts.ReferencePrefix + "-" + string(suffix), nil
}

func (s *Service) uniqueReference(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		ref, err := s.newReference()
		if err != nil {
			return "", err
		}
		_, err = s.repo.FindByBankReference(ctx, ref)
		if errors.Is(err, ErrNotFound) {
			return ref, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", errors.New("ramp: could not allocate a unique bank reference")
}

// CreateOnRampRequest opens a request awaiting the user's BOB deposit.
func (s *Service) CreateOnRampRequest(ctx context.Context, userAddress string, bobAmount decimal.Decimal) (Request, error) {
	addr, err := NormalizeAddress(userAddress)
	if err != nil {
		return Request{}, err
	}
	if err := s.validateAmount("bobAmount", bobAmount); err != nil {
		return Request{}, err
	}
	reference, err := s.uniqueReference(ctx)
	if err != nil {
		return Request{}, err
	}
	fee, output := ComputeFee(bobAmount, s.opts.OnRampFeePct)
	req := s.newRequest(TypeOnRamp, addr)
	req.BobAmount = bobAmount
	req.BobtAmount = output
	req.FeeAmount = fee
	req.BankReference = reference
	return s.create(ctx, req)
}

// CreateOffRampRequest opens a request to pay out BOB to the user's bank account.
func (s *Service) CreateOffRampRequest(ctx context.Context, userAddress string, bobtAmount decimal.Decimal, bankAccount, bankName string) (Request, error) {
	addr, err := NormalizeAddress(userAddress)
	if err != nil {
		return Request{}, err
	}
	if err := s.validateAmount("bobtAmount", bobtAmount); err != nil {
		return Request{}, err
	}
	bankAccount, bankName = strings.TrimSpace(bankAccount), strings.TrimSpace(bankName)
	if bankAccount == "" {
		return Request{}, &ValidationError{Field: "bankAccount", Message: "required"}
	}
	if bankName == "" {
		return Request{}, &ValidationError{Field: "bankName", Message: "required"}
	}
	fee, output := ComputeFee(bobtAmount, s.opts.OffRampFeePct)
	req := s.newRequest(TypeOffRamp, addr)
	req.BobtAmount = bobtAmount
	req.BobAmount = output
	req.FeeAmount = fee
	req.UserBankAccount = bankAccount
	req.UserBankName = bankName
	return s.create(ctx, req)
}

func (s *Service) newRequest(typ Type, addr string) Request {
	now := s.now().UTC()
	return Request{
		ID:           uuid.NewString(),
		Type:         typ,
		Status:       StatusPendingPayment,
		UserAddress:  addr,
		ExchangeRate: decimal.NewFromInt(1),
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(s.opts.PaymentTimeout),
	}
}

func (s *Service) create(ctx context.Context, req Request) (Request, error) {
	if err := s.repo.Create(ctx, req); err != nil {
		return Request{}, fmt.Errorf("create request: %w", err)
	}
	metrics.RampTransitions.WithLabelValues(string(req.Type), string(req.Status)).Inc()
	s.logger.Info().
		Str("request_id", req.ID).
		Str("type", string(req.Type)).
		Str("input", req.Input().String()).
		Str("fee", req.FeeAmount.String()).
		Msg("ramp request created")
	return req, nil
}

func (s *Service) Get(ctx context.Context, id string) (Request, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) ListByUser(ctx context.Context, userAddress string) ([]Request, error) {
	addr, err := NormalizeAddress(userAddress)
	if err != nil {
		return nil, err
	}
	return s.repo.ListByUser(ctx, addr)
}

// ListPending returns every request an operator may still have to act on.
func (s *Service) ListPending(ctx context.Context) ([]Request, error) {
	return s.repo.ListByStatus(ctx,
		StatusPendingPayment,
		StatusPaymentReceived,
		StatusPendingVerification,
		StatusVerified,
		StatusProcessing,
		StatusPendingApproval,
	)
}

func (s *Service) ListRecent(ctx context.Context, limit int) ([]Request, error) {
	return s.repo.ListRecent(ctx, limit)
}

// FindByReference matches a bank reference case-insensitively.
func (s *Service) FindByReference(ctx context.Context, reference string) (Request, error) {
	return s.repo.FindByBankReference(ctx, strings.TrimSpace(reference))
}

// transition moves request id to status to. guard runs under the request lock
// before the table check; mutate edits the copy that is written.
func (s *Service) transition(ctx context.Context, id string, to Status, guard func(Request) error, mutate func(*Request)) (Request, error) {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	cur, err := s.repo.Get(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if guard != nil {
		if err := guard(cur); err != nil {
			return cur, err
		}
	}
	if !CanTransition(cur.Status, to) {
		metrics.RampRejectedTransitions.Inc()
		s.logger.Warn().
			Str("request_id", id).
			Str("from", string(cur.Status)).
			Str("to", string(to)).
			Msg("transition rejected")
		return cur, &TransitionError{RequestID: id, From: cur.Status, To: to}
	}

	next := cur
	next.Status = to
	next.UpdatedAt = s.now().UTC()
	if mutate != nil {
		mutate(&next)
	}
	if err := s.repo.UpdateIfStatus(ctx, next, cur.Status); err != nil {
		return cur, err
	}

	metrics.RampTransitions.WithLabelValues(string(next.Type), string(to)).Inc()
	s.logger.Info().
		Str("request_id", id).
		Str("from", string(cur.Status)).
		Str("to", string(to)).
		Msg("request transitioned")
	return next, nil
}

// annotate edits a request without changing its status.
func (s *Service) annotate(ctx context.Context, id string, expected Status, mutate func(*Request)) (Request, error) {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	cur, err := s.repo.Get(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if cur.Status != expected {
		return cur, ErrStatusConflict
	}
	next := cur
	next.UpdatedAt = s.now().UTC()
	mutate(&next)
	if err := s.repo.UpdateIfStatus(ctx, next, expected); err != nil {
		return cur, err
	}
	return next, nil
}

func (s *Service) MarkPaymentReceived(ctx context.Context, id string) (Request, error) {
	return s.transition(ctx, id, StatusPaymentReceived, nil, nil)
}

func (s *Service) SubmitForVerification(ctx context.Context, id string) (Request, error) {
	return s.transition(ctx, id, StatusPendingVerification, nil, nil)
}

func (s *Service) VerifyRequest(ctx context.Context, id, verifiedBy string) (Request, error) {
	return s.transition(ctx, id, StatusVerified, nil, func(r *Request) {
		r.VerifiedBy = verifiedBy
	})
}

func (s *Service) MarkProcessing(ctx context.Context, id string) (Request, error) {
	return s.transition(ctx, id, StatusProcessing, nil, nil)
}

func (s *Service) MarkCompleted(ctx context.Context, id, txHash string) (Request, error) {
	return s.transition(ctx, id, StatusCompleted, nil, func(r *Request) {
		if txHash != "" {
			r.TxHash = txHash
		}
		at := r.UpdatedAt
		r.CompletedAt = &at
	})
}

func (s *Service) MarkPendingApproval(ctx context.Context, id, txHash, proposalID string) (Request, error) {
	return s.transition(ctx, id, StatusPendingApproval, nil, func(r *Request) {
		if txHash != "" {
			r.TxHash = txHash
		}
		r.ProposalID = proposalID
	})
}

func (s *Service) MarkFailed(ctx context.Context, id, reason string) (Request, error) {
	return s.transition(ctx, id, StatusFailed, nil, func(r *Request) {
		r.Notes = reason
	})
}

// Cancel is allowed only for the owner and only while payment is pending.
func (s *Service) Cancel(ctx context.Context, id, userAddress string) (Request, error) {
	addr := strings.TrimSpace(userAddress)
	if addr == "" {
		return Request{}, &ValidationError{Field: "userAddress", Message: "required"}
	}
	return s.transition(ctx, id, StatusCancelled, func(cur Request) error {
		if !strings.EqualFold(cur.UserAddress, addr) {
			return ErrForbidden
		}
		return nil
	}, nil)
}

// ExpireStale moves pending_payment requests past their deadline to expired
// and drops expired quotes. Requests in any other status are never touched.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	now := s.now()
	s.quotes.Sweep(now)

	pending, err := s.repo.ListByStatus(ctx, StatusPendingPayment)
	if err != nil {
		return 0, fmt.Errorf("list pending requests: %w", err)
	}
	expired := 0
	for _, req := range pending {
		if !req.ExpiresAt.Before(now) {
			continue
		}
		_, err := s.transition(ctx, req.ID, StatusExpired, func(cur Request) error {
			if !cur.ExpiresAt.Before(now) {
				return errNotDue
			}
			return nil
		}, nil)
		var terr *TransitionError
		switch {
		case err == nil:
			expired++
		case errors.Is(err, errNotDue), errors.Is(err, ErrStatusConflict), errors.As(err, &terr):
			// moved on concurrently
		default:
			return expired, err
		}
	}
	if expired > 0 {
		s.logger.Info().Int("expired", expired).Msg("expiry sweep finished")
	}
	return expired, nil
}

var errNotDue = errors.New("ramp: request not yet expired")

func (s *Service) notify(ctx context.Context, note alerting.Notification) {
	if s.notifier == nil {
		return
	}
	if note.At.IsZero() {
		note.At = s.now().UTC()
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Warn().Err(err).Str("kind", string(note.Kind)).Msg("alert delivery failed")
	}
}

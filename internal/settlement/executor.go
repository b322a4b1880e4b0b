// Package settlement executes the ledger leg of ramp requests.
package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bob-ramp/internal/contracts"
	"bob-ramp/internal/ledger"
	"bob-ramp/internal/ramp"
)

const (
	ModeMint     = "mint"
	ModeTreasury = "treasury"
)

// Submitter is the ledger submission protocol as used here.
type Submitter interface {
	Submit(ctx context.Context, call ledger.Call, hooks ledger.Hooks) (ledger.Outcome, error)
	Resume(ctx context.Context, label, txHash string) ledger.Outcome
}

// Options select how on-ramp requests are settled.
type Options struct {
	// Mode is ModeMint for a direct admin_mint or ModeTreasury for a treasury proposal.
	Mode     string
	Operator common.Address
}

// Executor maps requests to contract calls. Every call carries the request id
// as its idempotency key, which the contracts also receive as request_id.
type Executor struct {
	submitter Submitter
	token     *contracts.Token
	treasury  *contracts.Treasury
	rates     ramp.RateProvider
	opts      Options
	logger    zerolog.Logger
}

// New constructs an Executor. rates is only needed in treasury mode, to size
// the USDT leg of a mint proposal.
func New(submitter Submitter, token *contracts.Token, treasury *contracts.Treasury, rates ramp.RateProvider, opts Options, logger zerolog.Logger) *Executor {
	if opts.Mode == "" {
		opts.Mode = ModeMint
	}
	return &Executor{
		submitter: submitter,
		token:     token,
		treasury:  treasury,
		rates:     rates,
		opts:      opts,
		logger:    logger.With().Str("component", "settlement").Logger(),
	}
}

// Settle submits the mint or burn for req.
func (e *Executor) Settle(ctx context.Context, req ramp.Request, hooks ledger.Hooks) (ramp.Settlement, error) {
	call, awaiting, err := e.callFor(ctx, req)
	if err != nil {
		return ramp.Settlement{}, err
	}
	e.logger.Info().
		Str("request_id", req.ID).
		Str("call", call.Label).
		Str("amount", req.BobtAmount.String()).
		Msg("submitting settlement")

	out, err := e.submitter.Submit(ctx, call, hooks)
	if err != nil {
		return ramp.Settlement{}, err
	}
	return ramp.Settlement{Outcome: out, AwaitingApproval: awaiting && out.Kind == ledger.KindConfirmed}, nil
}

// Resume re-confirms the transaction recorded on req.
func (e *Executor) Resume(ctx context.Context, req ramp.Request) ramp.Settlement {
	label, awaiting := e.labelFor(req)
	out := e.submitter.Resume(ctx, label, req.TxHash)
	return ramp.Settlement{Outcome: out, AwaitingApproval: awaiting && out.Kind == ledger.KindConfirmed}
}

func (e *Executor) labelFor(req ramp.Request) (string, bool) {
	switch {
	case req.Type == ramp.TypeOffRamp:
		return "propose_burn", true
	case e.opts.Mode == ModeTreasury:
		return "propose_mint_from_usdt", true
	default:
		return "admin_mint", false
	}
}

func (e *Executor) callFor(ctx context.Context, req ramp.Request) (ledger.Call, bool, error) {
	if !common.IsHexAddress(req.UserAddress) {
		return ledger.Call{}, false, fmt.Errorf("request %s: invalid user address", req.ID)
	}
	user := common.HexToAddress(req.UserAddress)

	if req.Type == ramp.TypeOffRamp {
		if e.treasury == nil {
			return ledger.Call{}, false, errors.New("treasury contract not configured")
		}
		call, err := e.treasury.ProposeBurn(e.opts.Operator, user, req.BobtAmount, req.ID)
		return call, true, err
	}

	if e.opts.Mode == ModeTreasury {
		if e.treasury == nil {
			return ledger.Call{}, false, errors.New("treasury contract not configured")
		}
		usdt, err := e.usdtFor(ctx, req.BobAmount)
		if err != nil {
			return ledger.Call{}, false, err
		}
		call, err := e.treasury.ProposeMintFromUSDT(e.opts.Operator, user, usdt, req.BobtAmount, req.ID)
		return call, true, err
	}

	if e.token == nil {
		return ledger.Call{}, false, errors.New("token contract not configured")
	}
	call, err := e.token.AdminMint(e.opts.Operator, user, req.BobtAmount, req.ID)
	return call, false, err
}

// usdtFor converts BOB to USDT at the live mid rate. A fallback rate is refused.
func (e *Executor) usdtFor(ctx context.Context, bob decimal.Decimal) (decimal.Decimal, error) {
	if e.rates == nil {
		return decimal.Decimal{}, errors.New("no market rate source for treasury mint")
	}
	view, err := e.rates.Current(ctx)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("market rate: %w", err)
	}
	if view.Fallback || !view.Rate.Mid.IsPositive() {
		return decimal.Decimal{}, errors.New("market rate unavailable, refusing to size treasury mint")
	}
	return bob.Div(view.Rate.Mid).Round(contracts.Decimals), nil
}

var _ ramp.Settler = (*Executor)(nil)

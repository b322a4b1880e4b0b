package contracts

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"bob-ramp/internal/ledger"
)

const treasuryABIJSON = `[
{"type":"function","name":"propose_mint_from_usdt","stateMutability":"nonpayable","inputs":[
 {"name":"proposer","type":"address"},{"name":"to","type":"address"},
 {"name":"usdt_amount","type":"uint256"},{"name":"bobt_amount","type":"uint256"},
 {"name":"request_id","type":"string"}],"outputs":[{"name":"proposal_id","type":"uint64"}]},
{"type":"function","name":"propose_burn","stateMutability":"nonpayable","inputs":[
 {"name":"proposer","type":"address"},{"name":"from","type":"address"},
 {"name":"amount","type":"uint256"},{"name":"request_id","type":"string"}],"outputs":[{"name":"proposal_id","type":"uint64"}]},
{"type":"function","name":"get_rate_limits","stateMutability":"view","inputs":[],"outputs":[
 {"name":"daily_mint_limit","type":"uint256"},{"name":"daily_burn_limit","type":"uint256"},
 {"name":"minted_today","type":"uint256"},{"name":"burned_today","type":"uint256"}]}
]`

var treasuryABI = mustParse("treasury", treasuryABIJSON)

// RateLimits are the treasury's daily caps and usage.
type RateLimits struct {
	DailyMintLimit decimal.Decimal `json:"dailyMintLimit"`
	DailyBurnLimit decimal.Decimal `json:"dailyBurnLimit"`
	MintedToday    decimal.Decimal `json:"mintedToday"`
	BurnedToday    decimal.Decimal `json:"burnedToday"`
}

// Treasury binds the multi-signature treasury. Its write calls only create
// proposals; execution needs further approvals outside this service.
type Treasury struct {
	binding
}

func NewTreasury(address common.Address, caller ethereum.ContractCaller) *Treasury {
	return &Treasury{binding{address: address, abi: treasuryABI, caller: caller}}
}

func (t *Treasury) ProposeMintFromUSDT(proposer, to common.Address, usdtAmount, bobtAmount decimal.Decimal, requestID string) (ledger.Call, error) {
	data, err := t.pack("propose_mint_from_usdt", proposer, to, ToUnits(usdtAmount), ToUnits(bobtAmount), requestID)
	if err != nil {
		return ledger.Call{}, err
	}
	return ledger.Call{Label: "propose_mint_from_usdt", To: t.address, Data: data, IdempotencyKey: requestID}, nil
}

func (t *Treasury) ProposeBurn(proposer, from common.Address, amount decimal.Decimal, requestID string) (ledger.Call, error) {
	data, err := t.pack("propose_burn", proposer, from, ToUnits(amount), requestID)
	if err != nil {
		return ledger.Call{}, err
	}
	return ledger.Call{Label: "propose_burn", To: t.address, Data: data, IdempotencyKey: requestID}, nil
}

func (t *Treasury) GetRateLimits(ctx context.Context) (RateLimits, error) {
	out, err := t.call(ctx, "get_rate_limits")
	if err != nil {
		return RateLimits{}, err
	}
	values := make([]*big.Int, 4)
	for i := range values {
		if values[i], err = bigAt(out, i); err != nil {
			return RateLimits{}, fmt.Errorf("get_rate_limits: %w", err)
		}
	}
	return RateLimits{
		DailyMintLimit: FromUnits(values[0]),
		DailyBurnLimit: FromUnits(values[1]),
		MintedToday:    FromUnits(values[2]),
		BurnedToday:    FromUnits(values[3]),
	}, nil
}

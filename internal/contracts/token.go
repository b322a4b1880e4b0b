package contracts

import (
	"context"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"bob-ramp/internal/ledger"
)

const tokenABIJSON = `[
{"type":"function","name":"admin_mint","stateMutability":"nonpayable","inputs":[
 {"name":"minter","type":"address"},{"name":"to","type":"address"},
 {"name":"amount","type":"uint256"},{"name":"request_id","type":"string"}],"outputs":[]},
{"type":"function","name":"balance","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"total_supply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

var tokenABI = mustParse("token", tokenABIJSON)

// Token binds the BOBT token contract.
type Token struct {
	binding
}

func NewToken(address common.Address, caller ethereum.ContractCaller) *Token {
	return &Token{binding{address: address, abi: tokenABI, caller: caller}}
}

// AdminMint mints amount to the recipient. requestID makes the mint idempotent on chain.
func (t *Token) AdminMint(minter, to common.Address, amount decimal.Decimal, requestID string) (ledger.Call, error) {
	data, err := t.pack("admin_mint", minter, to, ToUnits(amount), requestID)
	if err != nil {
		return ledger.Call{}, err
	}
	return ledger.Call{Label: "admin_mint", To: t.address, Data: data, IdempotencyKey: requestID}, nil
}

func (t *Token) Balance(ctx context.Context, account common.Address) (decimal.Decimal, error) {
	out, err := t.call(ctx, "balance", account)
	if err != nil {
		return decimal.Decimal{}, err
	}
	v, err := bigAt(out, 0)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return FromUnits(v), nil
}

func (t *Token) TotalSupply(ctx context.Context) (decimal.Decimal, error) {
	out, err := t.call(ctx, "total_supply")
	if err != nil {
		return decimal.Decimal{}, err
	}
	v, err := bigAt(out, 0)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return FromUnits(v), nil
}

package contracts

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"bob-ramp/internal/ledger"
)

const oracleABIJSON = `[
{"type":"function","name":"update_prices_batch","stateMutability":"nonpayable","inputs":[
 {"name":"operator","type":"address"},
 {"name":"binance_ask","type":"uint256"},{"name":"binance_bid","type":"uint256"},
 {"name":"bybit_ask","type":"uint256"},{"name":"bybit_bid","type":"uint256"},
 {"name":"okx_ask","type":"uint256"},{"name":"okx_bid","type":"uint256"},
 {"name":"timestamp","type":"uint64"}],"outputs":[]},
{"type":"function","name":"is_operator","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"get_price","stateMutability":"view","inputs":[],"outputs":[
 {"name":"ask","type":"uint256"},{"name":"bid","type":"uint256"},{"name":"mid","type":"uint256"},
 {"name":"updated_at","type":"uint64"},{"name":"sources","type":"uint32"}]}
]`

var oracleABI = mustParse("oracle", oracleABIJSON)

// OracleSlots are the exchange slots the oracle contract stores, in argument order.
var OracleSlots = []string{"binance", "bybit", "okx"}

// SlotPrice is one exchange's pair. A zero pair marks a slot with no data.
type SlotPrice struct {
	Ask decimal.Decimal
	Bid decimal.Decimal
}

// OnChainPrice is the oracle's published view.
type OnChainPrice struct {
	Ask       decimal.Decimal `json:"ask"`
	Bid       decimal.Decimal `json:"bid"`
	Mid       decimal.Decimal `json:"mid"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Sources   uint32          `json:"sources"`
}

// Oracle binds the price oracle contract.
type Oracle struct {
	binding
}

func NewOracle(address common.Address, caller ethereum.ContractCaller) *Oracle {
	return &Oracle{binding{address: address, abi: oracleABI, caller: caller}}
}

// UpdatePricesBatch encodes a price push. slots is keyed by OracleSlots names;
// missing slots are sent as zero.
func (o *Oracle) UpdatePricesBatch(operator common.Address, slots map[string]SlotPrice, observedAt time.Time, idempotencyKey string) (ledger.Call, error) {
	args := []interface{}{operator}
	for _, name := range OracleSlots {
		p := slots[name]
		args = append(args, ToUnits(p.Ask), ToUnits(p.Bid))
	}
	args = append(args, uint64(observedAt.Unix()))

	data, err := o.pack("update_prices_batch", args...)
	if err != nil {
		return ledger.Call{}, err
	}
	return ledger.Call{Label: "update_prices_batch", To: o.address, Data: data, IdempotencyKey: idempotencyKey}, nil
}

func (o *Oracle) IsOperator(ctx context.Context, account common.Address) (bool, error) {
	out, err := o.call(ctx, "is_operator", account)
	if err != nil {
		return false, err
	}
	ok, valid := out[0].(bool)
	if !valid {
		return false, fmt.Errorf("is_operator: unexpected type %T", out[0])
	}
	return ok, nil
}

func (o *Oracle) GetPrice(ctx context.Context) (OnChainPrice, error) {
	out, err := o.call(ctx, "get_price")
	if err != nil {
		return OnChainPrice{}, err
	}
	values := make([]*big.Int, 3)
	for i := range values {
		if values[i], err = bigAt(out, i); err != nil {
			return OnChainPrice{}, fmt.Errorf("get_price: %w", err)
		}
	}
	updated, _ := out[3].(uint64)
	sources, _ := out[4].(uint32)
	return OnChainPrice{
		Ask:       FromUnits(values[0]),
		Bid:       FromUnits(values[1]),
		Mid:       FromUnits(values[2]),
		UpdatedAt: time.Unix(int64(updated), 0).UTC(),
		Sources:   sources,
	}, nil
}

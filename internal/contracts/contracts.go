// Package contracts encodes calls to the oracle, token and treasury contracts.
package contracts

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Decimals is the fixed-point precision of token amounts and oracle prices.
const Decimals = 7

// DefaultCallTimeout bounds a read call when no timeout was set.
const DefaultCallTimeout = 15 * time.Second

// ErrNotConfigured is returned when a contract address is missing.
var ErrNotConfigured = errors.New("contracts: address not configured")

// ToUnits rounds d to Decimals places and returns the integer unit count.
func ToUnits(d decimal.Decimal) *big.Int {
	return d.Round(Decimals).Shift(Decimals).BigInt()
}

// FromUnits is the inverse of ToUnits.
func FromUnits(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -Decimals)
}

func mustParse(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("failed to parse " + name + " ABI: " + err.Error())
	}
	return parsed
}

// ParseAddress accepts a 0x-prefixed hex address; the empty string is ErrNotConfigured.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return common.Address{}, ErrNotConfigured
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

type binding struct {
	address common.Address
	abi     abi.ABI
	caller  ethereum.ContractCaller
	timeout time.Duration
}

// SetCallTimeout bounds every read call made through the binding.
func (b *binding) SetCallTimeout(d time.Duration) {
	b.timeout = d
}

func (b binding) pack(method string, args ...interface{}) ([]byte, error) {
	if b.address == (common.Address{}) {
		return nil, ErrNotConfigured
	}
	data, err := b.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	return data, nil
}

func (b binding) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := b.pack(method, args...)
	if err != nil {
		return nil, err
	}
	if b.caller == nil {
		return nil, fmt.Errorf("%s: no chain reader", method)
	}
	timeout := b.timeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	to := b.address
	raw, err := b.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	out, err := b.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

func bigAt(out []interface{}, i int) (*big.Int, error) {
	if i >= len(out) {
		return nil, fmt.Errorf("missing output %d", i)
	}
	v, ok := out[i].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("output %d: unexpected type %T", i, out[i])
	}
	return v, nil
}

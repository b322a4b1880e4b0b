// Package ramp owns ramp quotes and requests and every status transition of a request.
package ramp

import (
	"time"

	"github.com/shopspring/decimal"
)

// Type is the direction of a ramp operation.
type Type string

const (
	TypeOnRamp  Type = "on_ramp"
	TypeOffRamp Type = "off_ramp"
)

// Status is the lifecycle state of a Request.
type Status string

const (
	StatusPendingPayment      Status = "pending_payment"
	StatusPaymentReceived     Status = "payment_received"
	StatusPendingVerification Status = "pending_verification"
	StatusVerified            Status = "verified"
	StatusProcessing          Status = "processing"
	StatusPendingApproval     Status = "pending_approval"
	StatusCompleted           Status = "completed"
	StatusFailed              Status = "failed"
	StatusCancelled           Status = "cancelled"
	StatusExpired             Status = "expired"
	StatusRefunded            Status = "refunded"
)

const (
	CurrencyBOB  = "BOB"
	CurrencyBOBT = "BOBT"
)

// Request is the durable unit of work. For on-ramp BobAmount is the input and
// BobtAmount the output; off-ramp is the reverse. FeeAmount is in the input currency.
type Request struct {
	ID              string          `json:"id"`
	Type            Type            `json:"type"`
	Status          Status          `json:"status"`
	UserAddress     string          `json:"userAddress"`
	BobAmount       decimal.Decimal `json:"bobAmount"`
	BobtAmount      decimal.Decimal `json:"bobtAmount"`
	ExchangeRate    decimal.Decimal `json:"exchangeRate"`
	FeeAmount       decimal.Decimal `json:"feeAmount"`
	BankReference   string          `json:"bankReference,omitempty"`
	UserBankAccount string          `json:"userBankAccount,omitempty"`
	UserBankName    string          `json:"userBankName,omitempty"`
	TxHash          string          `json:"txHash,omitempty"`
	ProposalID      string          `json:"proposalId,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	ExpiresAt       time.Time       `json:"expiresAt"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	VerifiedBy      string          `json:"verifiedBy,omitempty"`
	Notes           string          `json:"notes,omitempty"`
}

// Input returns the amount the user hands over.
func (r Request) Input() decimal.Decimal {
	if r.Type == TypeOffRamp {
		return r.BobtAmount
	}
	return r.BobAmount
}

// Output returns the amount the user receives.
func (r Request) Output() decimal.Decimal {
	if r.Type == TypeOffRamp {
		return r.BobAmount
	}
	return r.BobtAmount
}

// PaymentInstructions tell an on-ramp user where to wire the fiat.
type PaymentInstructions struct {
	BankName      string          `json:"bankName"`
	AccountNumber string          `json:"accountNumber"`
	AccountHolder string          `json:"accountHolder"`
	AccountType   string          `json:"accountType"`
	Reference     string          `json:"reference"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
}

// MarketRate annotates a quote with the aggregated P2P rate. Informational only.
type MarketRate struct {
	Ask         decimal.Decimal `json:"ask"`
	Bid         decimal.Decimal `json:"bid"`
	Mid         decimal.Decimal `json:"mid"`
	SourceCount int             `json:"sourceCount"`
	AsOf        time.Time       `json:"asOf"`
	Stale       bool            `json:"stale"`
}

// Quote is advisory and immutable; it reserves nothing.
type Quote struct {
	ID                  string               `json:"id"`
	Type                Type                 `json:"type"`
	InputAmount         decimal.Decimal      `json:"inputAmount"`
	InputCurrency       string               `json:"inputCurrency"`
	OutputAmount        decimal.Decimal      `json:"outputAmount"`
	OutputCurrency      string               `json:"outputCurrency"`
	ExchangeRate        decimal.Decimal      `json:"exchangeRate"`
	FeeAmount           decimal.Decimal      `json:"feeAmount"`
	FeePercent          decimal.Decimal      `json:"feePercent"`
	CreatedAt           time.Time            `json:"createdAt"`
	ValidUntil          time.Time            `json:"validUntil"`
	PaymentInstructions *PaymentInstructions `json:"paymentInstructions,omitempty"`
	MarketRate          *MarketRate          `json:"marketRate,omitempty"`
}

// BankAccount is the treasury account users pay into.
type BankAccount struct {
	BankName      string
	AccountNumber string
	AccountHolder string
	AccountType   string
}

package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeQuote is a single market's bid/ask for USDT priced in BOB.
type ExchangeQuote struct {
	Source     string          `json:"source"`
	Ask        decimal.Decimal `json:"ask"`
	Bid        decimal.Decimal `json:"bid"`
	ObservedAt time.Time       `json:"observedAt"`
}

// Mid returns (ask+bid)/2.
func (q ExchangeQuote) Mid() decimal.Decimal {
	return q.Ask.Add(q.Bid).Div(decimal.NewFromInt(2))
}

// Source retrieves a quote from one named external market.
type Source interface {
	Name() string
	FetchQuote(ctx context.Context) (ExchangeQuote, error)
}

// ErrorKind classifies why a source produced no quote.
type ErrorKind string

const (
	KindUnavailable ErrorKind = "unavailable"
	KindStatus      ErrorKind = "status"
	KindMalformed   ErrorKind = "malformed"
	KindOutOfBand   ErrorKind = "out_of_band"
)

// SourceError is returned for every failed fetch. Callers exclude the source.
type SourceError struct {
	Source string
	Kind   ErrorKind
	// StatusCode is set for KindStatus.
	StatusCode int
	Err        error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s %s: %v", e.Source, e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// Transient reports whether a repeat of the same request may succeed:
// transport failures, rate limiting and server errors.
func (e *SourceError) Transient() bool {
	switch e.Kind {
	case KindUnavailable:
		return true
	case KindStatus:
		return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
	default:
		return false
	}
}

// Band is the sanity range a bid or ask must fall within.
type Band struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// Check enforces ask >= bid > 0 and both prices inside the band.
func (b Band) Check(q ExchangeQuote) error {
	if !q.Bid.IsPositive() {
		return errors.New("bid must be positive")
	}
	if q.Ask.LessThan(q.Bid) {
		return fmt.Errorf("ask %s below bid %s", q.Ask, q.Bid)
	}
	if b.Min.IsZero() && b.Max.IsZero() {
		return nil
	}
	for _, p := range []decimal.Decimal{q.Ask, q.Bid} {
		if p.LessThan(b.Min) || p.GreaterThan(b.Max) {
			return fmt.Errorf("price %s outside band [%s, %s]", p, b.Min, b.Max)
		}
	}
	return nil
}

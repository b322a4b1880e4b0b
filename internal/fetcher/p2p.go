package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Side selects which half of the book is read.
type Side int

const (
	// SideAsk is the price a user pays to buy the asset.
	SideAsk Side = iota
	// SideBid is the price a user receives when selling the asset.
	SideBid
)

func (s Side) String() string {
	if s == SideAsk {
		return "ask"
	}
	return "bid"
}

const maxPayloadBytes = 2 << 20

// P2POptions parameterise a P2P market fetcher.
type P2POptions struct {
	Name      string
	Kind      string
	BaseURL   string
	Asset     string
	Fiat      string
	Timeout   time.Duration
	UserAgent string
	Band      Band
	// Retries is how many times a transient failure is retried per side.
	Retries    int
	RetryDelay time.Duration
}

// P2P fetches advert books from a P2P venue and reduces them to a best bid/ask.
type P2P struct {
	opts    P2POptions
	venue   venue
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	now     func() time.Time
}

// NewP2P constructs a P2P fetcher for the venue named by opts.Kind.
func NewP2P(opts P2POptions, logger zerolog.Logger) (*P2P, error) {
	v, ok := venues[strings.ToLower(opts.Kind)]
	if !ok {
		return nil, fmt.Errorf("unknown exchange kind %q", opts.Kind)
	}
	if opts.Name == "" {
		opts.Name = strings.ToLower(opts.Kind)
	}
	if opts.Asset == "" {
		opts.Asset = "USDT"
	}
	if opts.Fiat == "" {
		opts.Fiat = "BOB"
	}

	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 300 * time.Millisecond
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = v.defaultBaseURL()
	}

	return &P2P{
		opts:    opts,
		venue:   v,
		logger:  logger.With().Str("component", "p2p_fetcher").Str("exchange", opts.Name).Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		now:     time.Now,
	}, nil
}

// Name identifies the market.
func (p *P2P) Name() string { return p.opts.Name }

// FetchQuote reads both sides of the book and validates the result against the band.
func (p *P2P) FetchQuote(ctx context.Context) (ExchangeQuote, error) {
	ask, err := p.fetchSideRetrying(ctx, SideAsk)
	if err != nil {
		return ExchangeQuote{}, err
	}
	bid, err := p.fetchSideRetrying(ctx, SideBid)
	if err != nil {
		return ExchangeQuote{}, err
	}

	quote := ExchangeQuote{
		Source:     p.opts.Name,
		Ask:        ask,
		Bid:        bid,
		ObservedAt: p.now().UTC(),
	}
	if err := p.opts.Band.Check(quote); err != nil {
		return ExchangeQuote{}, &SourceError{Source: p.opts.Name, Kind: KindOutOfBand, Err: err}
	}

	p.logger.Debug().Str("ask", ask.String()).Str("bid", bid.String()).Msg("quote fetched")
	return quote, nil
}

func (p *P2P) fetchSideRetrying(ctx context.Context, side Side) (decimal.Decimal, error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(p.opts.RetryDelay), uint64(p.opts.Retries)), ctx)
	var last error
	price, err := backoff.RetryNotifyWithData(func() (decimal.Decimal, error) {
		price, err := p.fetchSide(ctx, side)
		if err == nil {
			return price, nil
		}
		last = err
		var srcErr *SourceError
		if errors.As(err, &srcErr) && srcErr.Transient() {
			return price, err
		}
		return price, backoff.Permanent(err)
	}, policy, func(err error, wait time.Duration) {
		p.logger.Debug().Err(err).Str("side", side.String()).Dur("wait", wait).Msg("transient fetch failure, retrying")
	})
	if err == nil {
		return price, nil
	}
	var srcErr *SourceError
	if errors.As(err, &srcErr) {
		return decimal.Decimal{}, err
	}
	// interrupted between attempts
	if last != nil {
		return decimal.Decimal{}, last
	}
	return decimal.Decimal{}, &SourceError{Source: p.opts.Name, Kind: KindUnavailable, Err: err}
}

func (p *P2P) fetchSide(ctx context.Context, side Side) (decimal.Decimal, error) {
	req, err := p.venue.newRequest(ctx, p.baseURL, p.opts.Asset, p.opts.Fiat, side)
	if err != nil {
		return decimal.Decimal{}, &SourceError{Source: p.opts.Name, Kind: KindUnavailable, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "bobramp/1.0")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, &SourceError{Source: p.opts.Name, Kind: KindUnavailable, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return decimal.Decimal{}, &SourceError{Source: p.opts.Name, Kind: KindUnavailable, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decimal.Decimal{}, &SourceError{Source: p.opts.Name, Kind: KindStatus, StatusCode: resp.StatusCode, Err: parseHTTPError(resp.StatusCode, payload)}
	}

	prices, err := p.venue.parsePrices(payload, side)
	if err != nil {
		return decimal.Decimal{}, &SourceError{Source: p.opts.Name, Kind: KindMalformed, Err: err}
	}

	best, err := bestPrice(prices, side)
	if err != nil {
		return decimal.Decimal{}, &SourceError{Source: p.opts.Name, Kind: KindMalformed, Err: fmt.Errorf("%s side: %w", side, err)}
	}
	return best, nil
}

// bestPrice picks the lowest ask or the highest bid among positive adverts.
func bestPrice(prices []decimal.Decimal, side Side) (decimal.Decimal, error) {
	var best decimal.Decimal
	found := false
	for _, price := range prices {
		if !price.IsPositive() {
			continue
		}
		if !found {
			best, found = price, true
			continue
		}
		if side == SideAsk && price.LessThan(best) {
			best = price
		}
		if side == SideBid && price.GreaterThan(best) {
			best = price
		}
	}
	if !found {
		return decimal.Decimal{}, errors.New("no adverts")
	}
	return best, nil
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr struct {
		Message string `json:"message"`
		Msg     string `json:"msg"`
		RetMsg  string `json:"ret_msg"`
	}
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		for _, msg := range []string{apiErr.Message, apiErr.Msg, apiErr.RetMsg} {
			if msg != "" {
				return fmt.Errorf("http %d: %s", status, msg)
			}
		}
	}
	if len(payload) > 0 && len(payload) < 512 {
		return fmt.Errorf("http %d: %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("http %d", status)
}

var _ Source = (*P2P)(nil)

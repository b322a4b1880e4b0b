package pricing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"bob-ramp/internal/fetcher"
	"bob-ramp/internal/metrics"
)

// ErrAggregationFailed means too few exchanges returned a usable quote.
var ErrAggregationFailed = errors.New("pricing: no usable exchange quotes")

// AggregatedRate is the unweighted average of the quotes from one pass.
type AggregatedRate struct {
	Ask         decimal.Decimal `json:"ask"`
	Bid         decimal.Decimal `json:"bid"`
	Mid         decimal.Decimal `json:"mid"`
	SourceCount int             `json:"sourceCount"`
	// AsOf is the newest ObservedAt among contributing quotes.
	AsOf time.Time `json:"asOf"`
}

// Stale reports whether the underlying data is older than maxAge.
func (r AggregatedRate) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(r.AsOf) > maxAge
}

// View is what consumers read: the rate plus how it was obtained.
type View struct {
	Rate      AggregatedRate          `json:"rate"`
	Quotes    []fetcher.ExchangeQuote `json:"quotes"`
	Cached    bool                    `json:"cached"`
	Fallback  bool                    `json:"fallback"`
	FetchedAt time.Time               `json:"fetchedAt"`
}

// Stale is true when the rate is older than maxAge or came from the last-known-good fallback.
func (v View) Stale(now time.Time, maxAge time.Duration) bool {
	return v.Fallback || v.Rate.Stale(now, maxAge)
}

// Best returns the quote with the lowest ask and the quote with the highest bid.
func (v View) Best() (bestAsk, bestBid fetcher.ExchangeQuote, ok bool) {
	for i, q := range v.Quotes {
		if i == 0 {
			bestAsk, bestBid = q, q
			continue
		}
		if q.Ask.LessThan(bestAsk.Ask) {
			bestAsk = q
		}
		if q.Bid.GreaterThan(bestBid.Bid) {
			bestBid = q
		}
	}
	return bestAsk, bestBid, len(v.Quotes) > 0
}

// SnapshotStore persists the last good view so a restarted process has a fallback.
type SnapshotStore interface {
	Save(ctx context.Context, view View) error
	Load(ctx context.Context) (View, bool, error)
}

// Options tune the aggregator.
type Options struct {
	CacheTTL     time.Duration
	FetchTimeout time.Duration
	Concurrency  int
	MinSources   int
}

// Aggregator fans out to the configured sources and caches the result for CacheTTL.
type Aggregator struct {
	sources   []fetcher.Source
	opts      Options
	snapshots SnapshotStore
	logger    zerolog.Logger
	now       func() time.Time

	mu       sync.RWMutex
	cached   *View
	lastGood *View
}

// New constructs an Aggregator. snapshots may be nil.
func New(sources []fetcher.Source, opts Options, snapshots SnapshotStore, logger zerolog.Logger) *Aggregator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = len(sources)
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.MinSources <= 0 {
		opts.MinSources = 1
	}
	return &Aggregator{
		sources:   sources,
		opts:      opts,
		snapshots: snapshots,
		logger:    logger.With().Str("component", "aggregator").Logger(),
		now:       time.Now,
	}
}

// SourceNames lists the configured sources in order.
func (a *Aggregator) SourceNames() []string {
	names := make([]string, 0, len(a.sources))
	for _, src := range a.sources {
		names = append(names, src.Name())
	}
	return names
}

// Fetch queries one named source. Any failure yields ok=false.
func (a *Aggregator) Fetch(ctx context.Context, name string) (fetcher.ExchangeQuote, bool) {
	for _, src := range a.sources {
		if src.Name() == name {
			return a.fetchOne(ctx, src)
		}
	}
	return fetcher.ExchangeQuote{}, false
}

func (a *Aggregator) fetchOne(ctx context.Context, src fetcher.Source) (fetcher.ExchangeQuote, bool) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.FetchTimeout)
	defer cancel()

	quote, err := src.FetchQuote(ctx)
	if err != nil {
		kind := string(fetcher.KindUnavailable)
		var srcErr *fetcher.SourceError
		if errors.As(err, &srcErr) {
			kind = string(srcErr.Kind)
		}
		metrics.SourceFetchFailures.WithLabelValues(src.Name(), kind).Inc()
		a.logger.Warn().Err(err).Str("exchange", src.Name()).Msg("source excluded")
		return fetcher.ExchangeQuote{}, false
	}
	return quote, true
}

// Collect fetches every source concurrently and returns the valid quotes in configured order.
func (a *Aggregator) Collect(ctx context.Context) []fetcher.ExchangeQuote {
	results := make([]fetcher.ExchangeQuote, len(a.sources))
	found := make([]bool, len(a.sources))

	var g errgroup.Group
	g.SetLimit(a.opts.Concurrency)
	for i, src := range a.sources {
		i, src := i, src
		g.Go(func() error {
			results[i], found[i] = a.fetchOne(ctx, src)
			return nil
		})
	}
	_ = g.Wait()

	quotes := make([]fetcher.ExchangeQuote, 0, len(results))
	for i, q := range results {
		if found[i] {
			quotes = append(quotes, q)
		}
	}
	return quotes
}

// Average computes the unweighted mean of the quotes.
func Average(quotes []fetcher.ExchangeQuote) (AggregatedRate, error) {
	if len(quotes) == 0 {
		return AggregatedRate{}, ErrAggregationFailed
	}
	askSum, bidSum := decimal.Zero, decimal.Zero
	var asOf time.Time
	for _, q := range quotes {
		askSum = askSum.Add(q.Ask)
		bidSum = bidSum.Add(q.Bid)
		if q.ObservedAt.After(asOf) {
			asOf = q.ObservedAt
		}
	}
	n := decimal.NewFromInt(int64(len(quotes)))
	ask := askSum.Div(n)
	bid := bidSum.Div(n)
	return AggregatedRate{
		Ask:         ask,
		Bid:         bid,
		Mid:         ask.Add(bid).Div(decimal.NewFromInt(2)),
		SourceCount: len(quotes),
		AsOf:        asOf,
	}, nil
}

// Aggregate runs an uncached pass. It fails rather than synthesise a rate.
func (a *Aggregator) Aggregate(ctx context.Context) (View, error) {
	quotes := a.Collect(ctx)
	if len(quotes) < a.opts.MinSources {
		a.logger.Warn().Int("sources", len(quotes)).Int("required", a.opts.MinSources).Msg("aggregation failed")
		return View{}, ErrAggregationFailed
	}
	rate, err := Average(quotes)
	if err != nil {
		return View{}, err
	}

	view := View{Rate: rate, Quotes: quotes, FetchedAt: a.now().UTC()}

	a.mu.Lock()
	a.cached = &view
	a.lastGood = &view
	a.mu.Unlock()

	metrics.AggregatedMid.Set(rate.Mid.InexactFloat64())
	metrics.AggregationSources.Set(float64(rate.SourceCount))

	if a.snapshots != nil {
		if err := a.snapshots.Save(ctx, view); err != nil {
			a.logger.Warn().Err(err).Msg("failed to persist rate snapshot")
		}
	}
	return view, nil
}

// Current serves the cached view within CacheTTL, otherwise re-aggregates.
// When aggregation fails the last-known-good view is returned with Fallback set.
func (a *Aggregator) Current(ctx context.Context) (View, error) {
	now := a.now()

	a.mu.RLock()
	cached := a.cached
	a.mu.RUnlock()
	if cached != nil && now.Sub(cached.FetchedAt) < a.opts.CacheTTL {
		view := *cached
		view.Cached = true
		return view, nil
	}

	view, err := a.Aggregate(ctx)
	if err == nil {
		return view, nil
	}

	if last, ok := a.lastKnownGood(ctx); ok {
		last.Fallback = true
		a.logger.Warn().Time("as_of", last.Rate.AsOf).Msg("serving last-known-good rate")
		return last, nil
	}
	return View{}, err
}

func (a *Aggregator) lastKnownGood(ctx context.Context) (View, bool) {
	a.mu.RLock()
	last := a.lastGood
	a.mu.RUnlock()
	if last != nil {
		return *last, true
	}
	if a.snapshots == nil {
		return View{}, false
	}
	view, ok, err := a.snapshots.Load(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("failed to load rate snapshot")
		return View{}, false
	}
	if !ok {
		return View{}, false
	}
	a.mu.Lock()
	a.lastGood = &view
	a.mu.Unlock()
	return view, true
}

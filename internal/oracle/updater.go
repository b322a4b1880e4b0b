// Package oracle pushes per-exchange P2P prices to the on-chain oracle.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bob-ramp/internal/alerting"
	"bob-ramp/internal/contracts"
	"bob-ramp/internal/fetcher"
	"bob-ramp/internal/ledger"
	"bob-ramp/internal/metrics"
	"bob-ramp/internal/pricing"
	"bob-ramp/internal/storage"
)

var (
	// ErrNotOperator means the signing account may not write to the oracle.
	ErrNotOperator = errors.New("oracle: signing account is not an oracle operator")
	// ErrInsufficientSources means fewer exchanges than required returned data.
	ErrInsufficientSources = errors.New("oracle: not enough exchanges returned data")
)

// QuoteCollector returns the valid per-exchange quotes of one pass.
type QuoteCollector interface {
	Collect(ctx context.Context) []fetcher.ExchangeQuote
}

// Contract is the slice of the oracle binding the updater drives.
type Contract interface {
	IsOperator(ctx context.Context, account common.Address) (bool, error)
	UpdatePricesBatch(operator common.Address, slots map[string]contracts.SlotPrice, observedAt time.Time, idempotencyKey string) (ledger.Call, error)
}

// Submitter runs a ledger call to a definite or indeterminate outcome.
type Submitter interface {
	Submit(ctx context.Context, call ledger.Call, hooks ledger.Hooks) (ledger.Outcome, error)
}

// History records update runs.
type History interface {
	InsertOracleUpdate(ctx context.Context, update storage.OracleUpdate) (storage.OracleUpdate, error)
}

// Options tune the updater.
type Options struct {
	Operator          common.Address
	MinExchanges      int
	MaxSubmitAttempts int
	RetryDelay        time.Duration
}

// Result summarises one run.
type Result struct {
	Bucket     time.Time
	Quotes     []fetcher.ExchangeQuote
	ObservedAt time.Time
	Outcome    ledger.Outcome
	Attempts   int
}

// Updater runs oracle pushes.
type Updater struct {
	collector QuoteCollector
	contract  Contract
	submitter Submitter
	history   History
	notifier  alerting.Notifier
	opts      Options
	logger    zerolog.Logger
}

// New constructs an Updater. history and notifier may be nil.
func New(collector QuoteCollector, contract Contract, submitter Submitter, history History, notifier alerting.Notifier, opts Options, logger zerolog.Logger) *Updater {
	if opts.MinExchanges <= 0 {
		opts.MinExchanges = 2
	}
	if opts.MaxSubmitAttempts <= 0 {
		opts.MaxSubmitAttempts = 3
	}
	return &Updater{
		collector: collector,
		contract:  contract,
		submitter: submitter,
		history:   history,
		notifier:  notifier,
		opts:      opts,
		logger:    logger.With().Str("component", "oracle_updater").Logger(),
	}
}

// Update pushes one batched price update for bucket. It aborts without
// writing when the operator check fails or too few exchanges answered.
// Failed submissions are rebuilt and retried; an indeterminate one is not.
func (u *Updater) Update(ctx context.Context, bucket time.Time) (Result, error) {
	bucket = bucket.UTC()
	log := u.logger.With().Time("bucket", bucket).Logger()
	result := Result{Bucket: bucket}

	authorized, err := u.contract.IsOperator(ctx, u.opts.Operator)
	if err != nil {
		metrics.OraclePushes.WithLabelValues("error").Inc()
		return result, fmt.Errorf("check oracle operator: %w", err)
	}
	if !authorized {
		u.abort(ctx, log, result, ErrNotOperator.Error())
		return result, ErrNotOperator
	}

	slots, quotes, observedAt := slotsFrom(u.collector.Collect(ctx))
	result.Quotes = quotes
	result.ObservedAt = observedAt
	if len(quotes) < u.opts.MinExchanges {
		reason := fmt.Sprintf("%d of %d required exchanges returned data", len(quotes), u.opts.MinExchanges)
		u.abort(ctx, log, result, reason)
		return result, fmt.Errorf("%w: %s", ErrInsufficientSources, reason)
	}

	key := "oracle-" + bucket.Format("20060102T150405Z")
	for attempt := 1; attempt <= u.opts.MaxSubmitAttempts; attempt++ {
		result.Attempts = attempt
		call, err := u.contract.UpdatePricesBatch(u.opts.Operator, slots, observedAt, key)
		if err != nil {
			return result, fmt.Errorf("encode oracle update: %w", err)
		}

		out, err := u.submitter.Submit(ctx, call, ledger.Hooks{})
		if err != nil {
			// Nothing reached the ledger. The next scheduled run tries again.
			u.finish(ctx, log, result, storage.OracleFailed, err.Error())
			metrics.OraclePushes.WithLabelValues("error").Inc()
			return result, fmt.Errorf("submit oracle update: %w", err)
		}
		result.Outcome = out

		switch out.Kind {
		case ledger.KindConfirmed:
			log.Info().Str("tx_hash", out.TxHash).Int("sources", len(quotes)).Int("attempts", attempt).Msg("oracle updated")
			u.finish(ctx, log, result, storage.OracleConfirmed, "")
			metrics.OraclePushes.WithLabelValues(storage.OracleConfirmed).Inc()
			return result, nil
		case ledger.KindIndeterminate:
			log.Warn().Str("tx_hash", out.TxHash).Str("reason", out.Reason).Msg("oracle update indeterminate")
			u.finish(ctx, log, result, storage.OracleIndeterminate, out.Reason)
			metrics.OraclePushes.WithLabelValues(storage.OracleIndeterminate).Inc()
			u.notify(ctx, log, alerting.Notification{
				Kind:    alerting.KindLedgerIndeterminate,
				Subject: "oracle update outcome unknown",
				TxHash:  out.TxHash,
				Reason:  out.Reason,
			})
			return result, nil
		}

		log.Warn().Str("tx_hash", out.TxHash).Str("reason", out.Reason).Int("attempt", attempt).Msg("oracle update failed")
		if attempt < u.opts.MaxSubmitAttempts {
			if err := sleep(ctx, u.opts.RetryDelay); err != nil {
				break
			}
		}
	}

	u.finish(ctx, log, result, storage.OracleFailed, result.Outcome.Reason)
	metrics.OraclePushes.WithLabelValues(storage.OracleFailed).Inc()
	u.notify(ctx, log, alerting.Notification{
		Kind:    alerting.KindOracleFailed,
		Subject: fmt.Sprintf("oracle update failed after %d attempts", result.Attempts),
		TxHash:  result.Outcome.TxHash,
		Reason:  result.Outcome.Reason,
	})
	return result, nil
}

func (u *Updater) abort(ctx context.Context, log zerolog.Logger, result Result, reason string) {
	log.Warn().Str("reason", reason).Msg("oracle update aborted")
	metrics.OraclePushes.WithLabelValues(storage.OracleAborted).Inc()
	u.finish(ctx, log, result, storage.OracleAborted, reason)
	u.notify(ctx, log, alerting.Notification{
		Kind:    alerting.KindOracleAborted,
		Subject: "oracle update aborted",
		Reason:  reason,
	})
}

func (u *Updater) finish(ctx context.Context, log zerolog.Logger, result Result, status, reason string) {
	if u.history == nil {
		return
	}
	record := storage.OracleUpdate{
		Bucket:   result.Bucket,
		Sources:  len(result.Quotes),
		Status:   status,
		Attempts: result.Attempts,
	}
	if rate, err := pricing.Average(result.Quotes); err == nil {
		record.Ask, record.Bid, record.Mid = rate.Ask, rate.Bid, rate.Mid
	}
	if !result.ObservedAt.IsZero() {
		at := result.ObservedAt
		record.ObservedAt = &at
	}
	if result.Outcome.TxHash != "" {
		hash := result.Outcome.TxHash
		record.TxHash = &hash
	}
	if reason != "" {
		record.Reason = &reason
	}
	if _, err := u.history.InsertOracleUpdate(ctx, record); err != nil {
		log.Error().Err(err).Msg("failed to record oracle update")
	}
}

func (u *Updater) notify(ctx context.Context, log zerolog.Logger, note alerting.Notification) {
	if u.notifier == nil {
		return
	}
	if note.At.IsZero() {
		note.At = time.Now().UTC()
	}
	if err := u.notifier.Notify(ctx, note); err != nil {
		log.Error().Err(err).Str("kind", string(note.Kind)).Msg("failed to send alert")
	}
}

// slotsFrom keeps the first quote per oracle slot and returns the newest observation time.
func slotsFrom(quotes []fetcher.ExchangeQuote) (map[string]contracts.SlotPrice, []fetcher.ExchangeQuote, time.Time) {
	known := make(map[string]bool, len(contracts.OracleSlots))
	for _, name := range contracts.OracleSlots {
		known[name] = true
	}

	slots := make(map[string]contracts.SlotPrice, len(contracts.OracleSlots))
	used := make([]fetcher.ExchangeQuote, 0, len(quotes))
	var newest time.Time
	for _, q := range quotes {
		if !known[q.Source] {
			continue
		}
		if _, dup := slots[q.Source]; dup {
			continue
		}
		if q.Ask.LessThanOrEqual(decimal.Zero) || q.Bid.LessThanOrEqual(decimal.Zero) {
			continue
		}
		slots[q.Source] = contracts.SlotPrice{Ask: q.Ask, Bid: q.Bid}
		used = append(used, q)
		if q.ObservedAt.After(newest) {
			newest = q.ObservedAt
		}
	}
	return slots, used, newest
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var (
	_ QuoteCollector = (*pricing.Aggregator)(nil)
	_ Contract       = (*contracts.Oracle)(nil)
	_ Submitter      = (*ledger.Submitter)(nil)
	_ History        = (*storage.Store)(nil)
)

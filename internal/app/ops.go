package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"bob-ramp/internal/ramp"
)

// PushOracle runs one oracle update for the current bucket and prints the outcome.
func (a *App) PushOracle(ctx context.Context, out io.Writer) error {
	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if c.updater == nil {
		return errors.New("oracle push requires ledger.rpc_url, ledger.operator_key, ledger.oracle_address and oracle.enabled")
	}

	bucket := time.Now().UTC()
	if interval := a.Config.Scheduler.OracleInterval; interval > 0 && a.Config.Scheduler.AlignToBucket {
		bucket = bucket.Truncate(interval)
	}
	result, err := a.newJobs(c).PushOracle(ctx, bucket)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "bucket:    %s\n", result.Bucket.Format(time.RFC3339))
	fmt.Fprintf(out, "exchanges: %d\n", len(result.Quotes))
	for _, q := range result.Quotes {
		fmt.Fprintf(out, "  %-8s ask=%s bid=%s observed=%s\n", q.Source, formatDecimal(q.Ask, 4), formatDecimal(q.Bid, 4), q.ObservedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(out, "outcome:   %s\n", result.Outcome)
	fmt.Fprintf(out, "attempts:  %d\n", result.Attempts)
	return nil
}

// Sweep runs one expiry and reconciliation pass.
func (a *App) Sweep(ctx context.Context, out io.Writer) error {
	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	result, err := a.newJobs(c).Sweep(ctx)
	fmt.Fprintf(out, "expired: %d\nresolved: %d\n", result.Expired, result.Resolved)
	return err
}

// Reconcile resolves one request stuck in verified or processing.
func (a *App) Reconcile(ctx context.Context, requestID string, out io.Writer) error {
	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	req, err := c.ramp.Reconcile(ctx, requestID)
	if err != nil && !errors.Is(err, ramp.ErrLedgerIndeterminate) {
		return err
	}
	fmt.Fprintf(out, "request: %s\nstatus:  %s\ntx_hash: %s\n", req.ID, req.Status, req.TxHash)
	if err != nil {
		fmt.Fprintln(out, "outcome still unknown; run reconcile again later")
	}
	return nil
}

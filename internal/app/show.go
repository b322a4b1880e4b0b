package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"bob-ramp/internal/ramp"
)

// Show prints recent ramp requests, optionally filtered by status.
func (a *App) Show(ctx context.Context, opts ShowOptions, out io.Writer) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show requests")
	}
	defer store.Close()

	var reqs []ramp.Request
	if opts.Status != "" {
		status, ok := ramp.ParseStatus(opts.Status)
		if !ok {
			return fmt.Errorf("unknown status %q", opts.Status)
		}
		reqs, err = store.ListByStatus(ctx, status)
		if err != nil {
			return err
		}
		if len(reqs) > opts.Limit {
			reqs = reqs[:opts.Limit]
		}
	} else {
		reqs, err = store.ListRecent(ctx, opts.Limit)
		if err != nil {
			return err
		}
	}
	if len(reqs) == 0 {
		fmt.Fprintln(out, "no requests found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Created (UTC)\tID\tType\tStatus\tBOB\tBOBT\tFee\tReference\tTx\tNotes")
	for _, req := range reqs {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			req.CreatedAt.UTC().Format(time.RFC3339),
			req.ID,
			req.Type,
			req.Status,
			formatDecimal(req.BobAmount, 2),
			formatDecimal(req.BobtAmount, 2),
			formatDecimal(req.FeeAmount, 2),
			req.BankReference,
			shortHash(req.TxHash),
			sanitizeInline(req.Notes),
		)
	}
	return writer.Flush()
}

func shortHash(h string) string {
	if len(h) <= 14 {
		return h
	}
	return h[:8] + ".." + h[len(h)-4:]
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

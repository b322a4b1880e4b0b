package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"bob-ramp/internal/storage"
)

// Export renders the oracle update history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer store.Close()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.OracleInterval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	updates, err := store.ListOracleUpdatesBetween(ctx, from, to)
	if err != nil {
		return err
	}
	updates = filterStatus(updates, opts.Status)
	if len(updates) == 0 {
		a.Logger.Info().Msg("no oracle updates found for export window")
		return nil
	}

	downsampled := downsample(updates, opts.MaxPoints)
	a.Logger.Info().Int("total", len(updates)).Int("exported", len(downsampled)).Msg("exporting oracle updates")

	if opts.CSVPath != "" {
		if err := writeUpdatesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeUpdatesPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func filterStatus(updates []storage.OracleUpdate, status string) []storage.OracleUpdate {
	if status == "" {
		return updates
	}
	kept := updates[:0:0]
	for _, u := range updates {
		if u.Status == status {
			kept = append(kept, u)
		}
	}
	return kept
}

func downsample(updates []storage.OracleUpdate, limit int) []storage.OracleUpdate {
	if limit <= 0 || len(updates) <= limit {
		return updates
	}
	if limit == 1 {
		return updates[len(updates)-1:]
	}

	result := make([]storage.OracleUpdate, 0, limit)
	step := float64(len(updates)-1) / float64(limit-1)
	for i := 0; i < limit; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(updates) {
			idx = len(updates) - 1
		}
		result = append(result, updates[idx])
	}
	return result
}

func writeUpdatesCSV(path string, updates []storage.OracleUpdate) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"bucket_ts", "observed_at", "ask", "bid", "mid", "sources", "status", "attempts", "tx_hash", "reason"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, u := range updates {
		observed := ""
		if u.ObservedAt != nil {
			observed = u.ObservedAt.UTC().Format(time.RFC3339)
		}
		record := []string{
			u.Bucket.UTC().Format(time.RFC3339),
			observed,
			u.Ask.String(),
			u.Bid.String(),
			u.Mid.String(),
			strconv.Itoa(u.Sources),
			u.Status,
			strconv.Itoa(u.Attempts),
			deref(u.TxHash),
			deref(u.Reason),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// writeUpdatesPNG plots the pushed rates. Runs without a price (aborted
// before any quote) are left out of the rate series.
func writeUpdatesPNG(path string, updates []storage.OracleUpdate) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	var (
		x       []time.Time
		ask     []float64
		bid     []float64
		mid     []float64
		srcX    []time.Time
		sources []float64
	)
	for _, u := range updates {
		srcX = append(srcX, u.Bucket)
		sources = append(sources, float64(u.Sources))
		if u.Mid.IsZero() {
			continue
		}
		x = append(x, u.Bucket)
		ask = append(ask, u.Ask.InexactFloat64())
		bid = append(bid, u.Bid.InexactFloat64())
		mid = append(mid, u.Mid.InexactFloat64())
	}
	if len(x) < 2 {
		return errors.New("not enough priced oracle updates to plot")
	}

	rateFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.3f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Rate (BOB/USDT)",
			ValueFormatter: rateFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name: "Exchanges",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{Name: "Ask", XValues: x, YValues: ask},
			chart.TimeSeries{Name: "Bid", XValues: x, YValues: bid},
			chart.TimeSeries{Name: "Mid", XValues: x, YValues: mid},
			chart.TimeSeries{Name: "Exchanges", XValues: srcX, YValues: sources, YAxis: chart.YAxisSecondary},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

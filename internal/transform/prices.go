package transform

import (
	"context"
	"fmt"
	"sort"

	"github.com/aristath/stocketl/internal/cluster"
	"github.com/aristath/stocketl/internal/table"
)

// SMAWindow is the number of trading days in the simple moving average.
const SMAWindow = 20

// PricesColumns is the layout of transformed prices.
var PricesColumns = []string{
	"Ticker",
	"Date",
	"Open",
	"High",
	"Low",
	"Close",
	"Adj_Close",
	"Volume",
	"Volume_Millions",
	"Daily_Return",
	"SMA_20",
}

// Prices adds daily return, a 20-day moving average and volume in millions
// per ticker, and partitions by year and month.
func (j *Jobs) Prices(ctx context.Context, job cluster.JobSpec) (string, error) {
	raw, err := j.readRaw(ctx, JobPrices)
	if err != nil {
		return "", err
	}

	out := DerivePrices(raw)

	dateCol := out.Index("Date")
	skipped := 0
	partitions, err := writePartitions(ctx, j.Store, TransformedPrefix(JobPrices), out, func(i int) string {
		y, m, ok := dateParts(out.Rows[i][dateCol])
		if !ok {
			skipped++
			return ""
		}
		return fmt.Sprintf("year=%d/month=%02d", y, m)
	})
	if err != nil {
		return "", fmt.Errorf("write prices: %w", err)
	}
	if skipped > 0 {
		j.logger().Warn("price rows without a valid date were dropped", "rows", skipped)
	}

	j.logger().Info("prices transformed", "rows", out.Len()-skipped, "partitions", partitions)
	return fmt.Sprintf("prices: %d rows in %d partitions", out.Len()-skipped, partitions), nil
}

// DerivePrices orders quotes by ticker and date and computes the indicators
// over each ticker's series. The first quote of a ticker has no return.
func DerivePrices(raw *table.Table) *table.Table {
	order := make([]int, len(raw.Rows))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ta, tb := raw.Value(order[a], "Ticker"), raw.Value(order[b], "Ticker")
		if ta != tb {
			return ta < tb
		}
		return raw.Value(order[a], "Date") < raw.Value(order[b], "Date")
	})

	out := table.New(PricesColumns...)

	var (
		ticker    string
		prevClose float64
		prevOK    bool
		window    []nullableFloat
	)
	for _, i := range order {
		if t := raw.Value(i, "Ticker"); t != ticker {
			ticker = t
			prevOK = false
			window = window[:0]
		}

		closePrice, closeOK := raw.Float(i, "Close")
		ret, retOK := 0.0, false
		if closeOK && prevOK && prevClose != 0 {
			ret, retOK = closePrice/prevClose-1, true
		}

		// The window is the last SMAWindow rows; missing closes take a slot
		// but are left out of the average.
		window = append(window, nullableFloat{closePrice, closeOK})
		if len(window) > SMAWindow {
			window = window[1:]
		}
		sma, smaOK := mean(window)

		volume, volOK := raw.Float(i, "Volume")

		out.Append(
			ticker,
			raw.Value(i, "Date"),
			raw.Value(i, "Open"),
			raw.Value(i, "High"),
			raw.Value(i, "Low"),
			raw.Value(i, "Close"),
			raw.Value(i, "Adj_Close"),
			raw.Value(i, "Volume"),
			formatFloat(volume/1e6, volOK),
			formatFloat(ret, retOK),
			formatFloat(sma, smaOK),
		)

		prevClose, prevOK = closePrice, closeOK
	}
	return out
}

type nullableFloat struct {
	v  float64
	ok bool
}

func mean(xs []nullableFloat) (float64, bool) {
	sum, n := 0.0, 0
	for _, x := range xs {
		if x.ok {
			sum += x.v
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

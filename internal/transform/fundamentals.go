package transform

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aristath/stocketl/internal/cluster"
	"github.com/aristath/stocketl/internal/table"
)

// FundamentalsColumns is the layout of transformed fundamentals.
var FundamentalsColumns = []string{
	"Ticker",
	"Company_Name",
	"Report_Date",
	"Fiscal_Year",
	"Revenue",
	"Net_Income",
	"Pretax_Income_Loss_Adj",
	"Total_Debt",
	"Profit_Margin",
	"ROE",
	"ROA",
	"Debt_to_Equity",
	"Current_Ratio",
}

// Fundamentals derives ratios from merged statements and partitions by year
// (and quarter for quarterly data).
func (j *Jobs) Fundamentals(ctx context.Context, job cluster.JobSpec) (string, error) {
	raw, err := j.readRaw(ctx, JobFundamentals)
	if err != nil {
		return "", err
	}

	out := DeriveFundamentals(raw)

	dateCol := out.Index("Report_Date")
	partitions, err := writePartitions(ctx, j.Store, TransformedPrefix(JobFundamentals), out, func(i int) string {
		y, m, ok := dateParts(out.Rows[i][dateCol])
		if !ok {
			return ""
		}
		if j.Quarterly {
			return fmt.Sprintf("year=%d/quarter=%d", y, (m-1)/3+1)
		}
		return fmt.Sprintf("year=%d", y)
	})
	if err != nil {
		return "", fmt.Errorf("write fundamentals: %w", err)
	}

	j.logger().Info("fundamentals transformed", "rows", out.Len(), "partitions", partitions)
	return fmt.Sprintf("fundamentals: %d rows in %d partitions", out.Len(), partitions), nil
}

// DeriveFundamentals computes total debt, profit margin, ROE, ROA,
// debt-to-equity and current ratio for every statement row. Margins and
// returns are percentages; missing inputs give missing outputs.
func DeriveFundamentals(raw *table.Table) *table.Table {
	out := table.New(FundamentalsColumns...)

	for i := range raw.Rows {
		revenue, revOK := raw.Float(i, "Revenue")
		netIncome, niOK := raw.Float(i, "Net_Income")
		equity, eqOK := raw.Float(i, "Total_Equity")
		assets, assetsOK := raw.Float(i, "Total_Assets")
		currentAssets, caOK := raw.Float(i, "Total_Current_Assets")
		currentLiabilities, clOK := raw.Float(i, "Total_Current_Liabilities")

		// Missing debt components count as zero
		shortDebt, _ := raw.Float(i, "Short_Term_Debt")
		longDebt, _ := raw.Float(i, "Long_Term_Debt")
		totalDebt := shortDebt + longDebt

		margin, marginOK := ratio(netIncome, revenue, niOK, revOK)
		roe, roeOK := ratio(netIncome, equity, niOK, eqOK)
		roa, roaOK := ratio(netIncome, assets, niOK, assetsOK)
		de, deOK := ratio(totalDebt, equity, true, eqOK)
		cr, crOK := ratio(currentAssets, currentLiabilities, caOK, clOK)

		fiscalYear := raw.Value(i, "Fiscal_Year")
		if fiscalYear == "" {
			if y, _, ok := dateParts(raw.Value(i, "Report_Date")); ok {
				fiscalYear = strconv.Itoa(y)
			}
		}

		out.Append(
			raw.Value(i, "Ticker"),
			raw.Value(i, "Company_Name"),
			raw.Value(i, "Report_Date"),
			fiscalYear,
			raw.Value(i, "Revenue"),
			raw.Value(i, "Net_Income"),
			raw.Value(i, "Pretax_Income_Loss_Adj"),
			formatFloat(totalDebt, true),
			formatFloat(margin*100, marginOK),
			formatFloat(roe*100, roeOK),
			formatFloat(roa*100, roaOK),
			formatFloat(de, deOK),
			formatFloat(cr, crOK),
		)
	}
	return out
}

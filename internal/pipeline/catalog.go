package pipeline

import (
	"fmt"
	"path"

	"github.com/aristath/stocketl/internal/quality"
	"github.com/aristath/stocketl/internal/reconcile"
	"github.com/aristath/stocketl/internal/transform"
)

// Warehouse object names.
const (
	FundamentalsExternal = "stock_fundamentals_external"
	PricesExternal       = "stock_prices_external"
	FundamentalsTable    = "stock_fundamentals"
	PricesTable          = "stock_prices"
)

// Catalog is everything the load stage reconciles and checks.
type Catalog struct {
	External     []reconcile.ExternalTableSpec
	Materialized []reconcile.MaterializationSpec
	Views        []reconcile.ViewSpec
	Checks       []quality.ValidationCheck
}

func floats(names ...string) []reconcile.Field {
	out := make([]reconcile.Field, len(names))
	for i, n := range names {
		out[i] = reconcile.Field{Name: n, Type: reconcile.TypeFloat}
	}
	return out
}

// DefaultCatalog returns the stock data catalog. Quarterly fundamentals add a
// Quarter partition key.
func DefaultCatalog(quarterly bool) Catalog {
	fundamentalsKeys := []string{"Year"}
	if quarterly {
		fundamentalsKeys = append(fundamentalsKeys, "Quarter")
	}

	fundamentalsSchema := append([]reconcile.Field{
		{Name: "Ticker", Type: reconcile.TypeString},
		{Name: "Company_Name", Type: reconcile.TypeString},
	}, floats("Revenue", "Net_Income", "Pretax_Income_Loss_Adj", "Profit_Margin",
		"ROE", "ROA", "Debt_to_Equity", "Current_Ratio")...)

	pricesSchema := []reconcile.Field{
		{Name: "Ticker", Type: reconcile.TypeString},
		{Name: "Date", Type: reconcile.TypeString},
	}
	pricesSchema = append(pricesSchema, floats("Open", "High", "Low", "Close", "Adj_Close")...)
	pricesSchema = append(pricesSchema, reconcile.Field{Name: "Volume", Type: reconcile.TypeInteger})
	pricesSchema = append(pricesSchema, floats("Volume_Millions", "Daily_Return")...)

	fundamentalsPrefix := transform.TransformedPrefix(transform.JobFundamentals)
	pricesPrefix := transform.TransformedPrefix(transform.JobPrices)

	fundamentalsCasts := []reconcile.CastRule{{Column: "Year", Type: reconcile.TypeInt}}
	if quarterly {
		fundamentalsCasts = append(fundamentalsCasts, reconcile.CastRule{Column: "Quarter", Type: reconcile.TypeInt})
	}

	return Catalog{
		External: []reconcile.ExternalTableSpec{
			{
				TableName:          FundamentalsExternal,
				SourceURIPattern:   path.Join(fundamentalsPrefix, "*"),
				Schema:             fundamentalsSchema,
				PartitionKeys:      fundamentalsKeys,
				PartitionURIPrefix: fundamentalsPrefix,
			},
			{
				TableName:          PricesExternal,
				SourceURIPattern:   path.Join(pricesPrefix, "*"),
				Schema:             pricesSchema,
				PartitionKeys:      []string{"Year", "Month"},
				PartitionURIPrefix: pricesPrefix,
			},
		},
		Materialized: []reconcile.MaterializationSpec{
			{
				TableName:   FundamentalsTable,
				SourceTable: FundamentalsExternal,
				Columns: []string{
					"Ticker", "Company_Name", "Revenue", "Net_Income",
					"Pretax_Income_Loss_Adj", "Profit_Margin", "ROE", "ROA",
					"Debt_to_Equity", "Current_Ratio",
				},
				SelectionPredicate: `"Revenue" IS NOT NULL`,
				CastRules:          fundamentalsCasts,
			},
			{
				TableName:   PricesTable,
				SourceTable: PricesExternal,
				Columns: []string{
					"Ticker", "Date", "Open", "High", "Low", "Close", "Adj_Close",
					"Volume", "Volume_Millions", "Daily_Return",
				},
				SelectionPredicate: `"Close" > 0`,
				CastRules: []reconcile.CastRule{
					{Column: "Date", Type: reconcile.TypeDate},
					{Column: "Year", Type: reconcile.TypeInt},
					{Column: "Month", Type: reconcile.TypeInt},
				},
			},
		},
		Views: []reconcile.ViewSpec{
			{
				Name:   "annual_company_metrics",
				Source: FundamentalsTable,
				Select: []reconcile.SelectExpr{
					{Expr: "Ticker"},
					{Expr: "Company_Name"},
					{Expr: "Year"},
					{Expr: "AVG(Revenue)", Alias: "Avg_Revenue"},
					{Expr: "AVG(Net_Income)", Alias: "Avg_Net_Income"},
					{Expr: "AVG(Profit_Margin)", Alias: "Avg_Profit_Margin"},
					{Expr: "AVG(ROE)", Alias: "Avg_ROE"},
					{Expr: "AVG(ROA)", Alias: "Avg_ROA"},
					{Expr: "AVG(Debt_to_Equity)", Alias: "Avg_Debt_to_Equity"},
					{Expr: "AVG(Current_Ratio)", Alias: "Avg_Current_Ratio"},
				},
				GroupBy: []string{"Ticker", "Company_Name", "Year"},
				OrderBy: []string{"Year DESC", "Ticker"},
			},
			{
				Name:   "monthly_price_stats",
				Source: PricesTable,
				Select: []reconcile.SelectExpr{
					{Expr: "Ticker"},
					{Expr: "Year"},
					{Expr: "Month"},
					{Expr: "COUNT(*)", Alias: "Trading_Days"},
					{Expr: "AVG(Close)", Alias: "Avg_Close_Price"},
					{Expr: "MIN(Low)", Alias: "Month_Low"},
					{Expr: "MAX(High)", Alias: "Month_High"},
					{Expr: "SUM(Volume_Millions)", Alias: "Total_Volume_Millions"},
					{Expr: "AVG(Daily_Return)", Alias: "Avg_Daily_Return"},
				},
				GroupBy: []string{"Ticker", "Year", "Month"},
				OrderBy: []string{"Year DESC", "Month DESC", "Ticker"},
			},
			{
				Name:   "top_performers",
				Source: FundamentalsTable,
				Select: []reconcile.SelectExpr{
					{Expr: "Ticker"},
					{Expr: "Company_Name"},
					{Expr: "Year"},
					{Expr: "Revenue"},
					{Expr: "Net_Income"},
					{Expr: "Profit_Margin"},
					{Expr: "ROE"},
					{Expr: "ROA"},
				},
				Where:   fmt.Sprintf("Year = (SELECT MAX(Year) FROM %s) AND Revenue > 1000000000 AND Profit_Margin > 10", reconcile.QuoteIdent(FundamentalsTable)),
				OrderBy: []string{"Revenue DESC"},
				Limit:   50,
			},
		},
		Checks: []quality.ValidationCheck{
			countCheck("Fundamentals row count", "COUNT(*)", FundamentalsTable),
			countCheck("Prices row count", "COUNT(*)", PricesTable),
			countCheck("Unique tickers in fundamentals", "COUNT(DISTINCT Ticker)", FundamentalsTable),
			countCheck("Unique tickers in prices", "COUNT(DISTINCT Ticker)", PricesTable),
		},
	}
}

func countCheck(name, expr, tbl string) quality.ValidationCheck {
	return quality.ValidationCheck{
		Name:    name,
		Query:   fmt.Sprintf("SELECT %s AS count FROM %s", expr, reconcile.QuoteIdent(tbl)),
		Extract: quality.Count,
	}
}

package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"daftar/internal/domain"
)

// Row is a decoded remote record.
type Row map[string]any

func DecodeRow(raw json.RawMessage) (Row, error) {
	var row Row
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, NewError(ErrInvalid, "row is not a JSON object: %v", err)
	}
	if row == nil {
		return nil, NewError(ErrInvalid, "row is empty")
	}
	return row, nil
}

func (r Row) String(key string) string {
	switch v := r[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (r Row) Int(key string) int {
	switch v := r[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

func (r Row) Bool(key string) bool {
	v, _ := r[key].(bool)
	return v
}

func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge copies patch into r, leaving the identity columns untouched.
func (r Row) Merge(patch Row) {
	for k, v := range patch {
		if k == "id" || k == "user_id" {
			continue
		}
		r[k] = v
	}
}

// UniqueName reports whether rows of table must carry an account-unique name.
func UniqueName(table Table) bool {
	switch table {
	case TableCustomers, TableSuppliers, TableCategories:
		return true
	}
	return false
}

// Reference is a column of another table pointing at a row. ByName means
// the column holds the referenced row's name rather than its id.
type Reference struct {
	Table  Table
	Column string
	ByName bool
}

// ReferencesTo lists the columns that block deletion of a row in table.
func ReferencesTo(table Table) []Reference {
	switch table {
	case TableCustomers:
		return []Reference{
			{Table: TableSales, Column: "customer_id"},
			{Table: TableVouchers, Column: "party_id"},
			{Table: TableOpeningBalances, Column: "party_id"},
		}
	case TableSuppliers:
		return []Reference{
			{Table: TablePurchases, Column: "supplier_id"},
			{Table: TableVouchers, Column: "party_id"},
			{Table: TableOpeningBalances, Column: "party_id"},
		}
	case TableCategories:
		return []Reference{
			{Table: TableSales, Column: "category_name", ByName: true},
			{Table: TablePurchases, Column: "category_name", ByName: true},
			{Table: TableWaste, Column: "category_name", ByName: true},
		}
	}
	return nil
}

// StockEffect is the category stock change caused by inserting row into table.
type StockEffect struct {
	CategoryID   string
	CategoryName string
	Delta        int
}

func StockEffectOf(table Table, row Row) (StockEffect, bool) {
	qty := row.Int("quantity")
	effect := StockEffect{CategoryID: row.String("category_id"), CategoryName: row.String("category_name")}
	switch table {
	case TableSales, TableWaste:
		effect.Delta = -qty
	case TablePurchases:
		effect.Delta = qty
	default:
		return StockEffect{}, false
	}
	return effect, qty != 0
}

// TargetCategory picks the category effect moves: the one with its id, or
// failing that the one with its name.
func (e StockEffect) TargetCategory(categories []Row) (Row, bool) {
	if e.CategoryID != "" {
		for _, c := range categories {
			if c.String("id") == e.CategoryID {
				return c, true
			}
		}
	}
	if e.CategoryName == "" {
		return nil, false
	}
	for _, c := range categories {
		if c.String("name") == e.CategoryName {
			return c, true
		}
	}
	return nil, false
}

// ApplyStock returns stock adjusted by delta, never below zero.
func ApplyStock(stock, delta int) int {
	return max(0, stock+delta)
}

// Summarize totals credit and cash activity per currency for rows dated in
// [from, to]. A zero bound is open.
func Summarize(from, to time.Time, sales, purchases, expenses []Row) []domain.FinancialSummary {
	byCurrency := make(map[string]*domain.FinancialSummary)
	line := func(currency string) *domain.FinancialSummary {
		if currency == "" {
			currency = domain.BaseCurrency
		}
		s, ok := byCurrency[currency]
		if !ok {
			s = &domain.FinancialSummary{Currency: currency}
			byCurrency[currency] = s
		}
		return s
	}
	inRange := func(r Row) bool {
		d, err := time.Parse(time.RFC3339Nano, r.String("date"))
		if err != nil {
			return false
		}
		return (from.IsZero() || !d.Before(from)) && (to.IsZero() || !d.After(to))
	}

	for _, r := range sales {
		if r.Bool("is_returned") || !inRange(r) {
			continue
		}
		s := line(r.String("currency"))
		s.TotalSales = s.TotalSales.Add(amount(r, "total"))
	}
	for _, r := range purchases {
		if r.Bool("is_returned") || !inRange(r) {
			continue
		}
		s := line(r.String("currency"))
		s.TotalPurchases = s.TotalPurchases.Add(amount(r, "total"))
	}
	for _, r := range expenses {
		if !inRange(r) {
			continue
		}
		s := line(r.String("currency"))
		s.TotalExpenses = s.TotalExpenses.Add(amount(r, "amount"))
	}

	out := make([]domain.FinancialSummary, 0, len(byCurrency))
	for _, s := range byCurrency {
		s.Net = s.TotalSales.Sub(s.TotalPurchases).Sub(s.TotalExpenses)
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}

func amount(r Row, key string) decimal.Decimal {
	switch v := r[key].(type) {
	case string:
		d, _ := decimal.NewFromString(v)
		return d
	case float64:
		return decimal.NewFromFloat(v)
	case json.Number:
		d, _ := decimal.NewFromString(v.String())
		return d
	}
	return decimal.Zero
}

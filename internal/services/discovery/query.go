package discovery

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ternarybob/neurareport/internal/models"
)

const (
	rowCountColumn = "row_count"
	minDateColumn  = "min_date"
	maxDateColumn  = "max_date"
)

// BuildDiscoveryQuery groups the contract's dataset by key fields within the
// date range and filters. Params are positional ($1...) and never inlined.
func BuildDiscoveryQuery(contract *models.Contract, dateRange models.DateRange, keyFilters map[string]string) (string, []any, error) {
	ds := contract.Dataset

	where, params, err := buildWhere(ds.DateColumn, dateRange, keyFilters, nil)
	if err != nil {
		return "", nil, err
	}

	selectList := append([]string{}, ds.KeyFields...)
	selectList = append(selectList,
		"COUNT(*) AS "+rowCountColumn,
		fmt.Sprintf("MIN(%s) AS %s", ds.DateColumn, minDateColumn),
		fmt.Sprintf("MAX(%s) AS %s", ds.DateColumn, maxDateColumn),
	)

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(selectList, ", "))
	b.WriteString(" FROM ")
	b.WriteString(ds.Table)
	if where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}
	if len(ds.KeyFields) > 0 {
		keys := strings.Join(ds.KeyFields, ", ")
		b.WriteString(" GROUP BY ")
		b.WriteString(keys)
		b.WriteString(" ORDER BY ")
		b.WriteString(keys)
	}
	return b.String(), params, nil
}

// BuildRowsQuery selects one batch's rows in a stable order: date first, then
// every selected column, so repeated fetches bind identically.
func BuildRowsQuery(contract *models.Contract, batch models.Batch, dateRange models.DateRange, keyFilters map[string]string) (string, []any, error) {
	ds := contract.Dataset

	where, params, err := buildWhere(ds.DateColumn, dateRange, keyFilters, batchKeys(ds.KeyFields, batch))
	if err != nil {
		return "", nil, err
	}

	columns := contract.Columns()
	order := []string{ds.DateColumn}
	for _, column := range columns {
		if column != ds.DateColumn {
			order = append(order, column)
		}
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(columns, ", "))
	b.WriteString(" FROM ")
	b.WriteString(ds.Table)
	if where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(strings.Join(order, ", "))
	return b.String(), params, nil
}

type equality struct {
	column string
	value  string
	null   bool
}

func batchKeys(keyFields []string, batch models.Batch) []equality {
	eqs := make([]equality, 0, len(keyFields))
	for _, field := range keyFields {
		eqs = append(eqs, equality{column: field, value: batch.KeyValues[field], null: batch.IsNull(field)})
	}
	return eqs
}

func buildWhere(dateColumn string, dateRange models.DateRange, keyFilters map[string]string, extra []equality) (string, []any, error) {
	var (
		conds  []string
		params []any
	)
	add := func(column, op string, value any) {
		params = append(params, value)
		conds = append(conds, fmt.Sprintf("%s %s $%d", column, op, len(params)))
	}

	start, end, err := dateRange.Bounds()
	if err != nil {
		return "", nil, err
	}
	if !dateRange.IsZero() {
		// End is inclusive by calendar day; compare against the next midnight
		add(dateColumn, ">=", start.Format(models.DateLayout))
		add(dateColumn, "<", end.AddDate(0, 0, 1).Format(models.DateLayout))
	}

	// Sorted so the generated SQL is identical across runs
	filterKeys := make([]string, 0, len(keyFilters))
	for key := range keyFilters {
		if !isIdentifier(key) {
			return "", nil, fmt.Errorf("%w: filter key %q is not a column name", models.ErrInvalidRequest, key)
		}
		filterKeys = append(filterKeys, key)
	}
	sort.Strings(filterKeys)
	filtered := make(map[string]bool, len(filterKeys))
	for _, key := range filterKeys {
		add(key, "=", keyFilters[key])
		filtered[key] = true
	}

	for _, eq := range extra {
		if filtered[eq.column] {
			continue
		}
		if eq.null {
			// "= $n" never matches NULL
			conds = append(conds, eq.column+" IS NULL")
			continue
		}
		add(eq.column, "=", eq.value)
	}

	return strings.Join(conds, " AND "), params, nil
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

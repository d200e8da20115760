package discovery

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/neurareport/internal/interfaces"
	"github.com/ternarybob/neurareport/internal/models"
)

// Engine partitions a contract's dataset into batches
type Engine struct {
	source interfaces.DataSourceAdapter
	logger arbor.ILogger
}

// NewEngine creates a discovery engine over a data source
func NewEngine(source interfaces.DataSourceAdapter, logger arbor.ILogger) *Engine {
	return &Engine{source: source, logger: logger}
}

// Discover returns one batch per distinct key-field combination with rows in
// the range, sorted by key values then date. No rows is an empty, valid result.
// Any data-source error invalidates the whole result.
func (e *Engine) Discover(ctx context.Context, contract *models.Contract, connectionID string, dateRange models.DateRange, keyFilters map[string]string) ([]models.Batch, error) {
	sql, params, err := BuildDiscoveryQuery(contract, dateRange, keyFilters)
	if err != nil {
		return nil, err
	}

	rows, err := e.source.Query(ctx, connectionID, sql, params)
	if err != nil {
		return nil, fmt.Errorf("discovery query failed: %w", err)
	}

	keyFields := contract.Dataset.KeyFields
	batches := make([]models.Batch, 0, rows.Len())
	for i := 0; i < rows.Len(); i++ {
		countValue, _ := rows.Value(i, rowCountColumn)
		count := toInt(countValue)
		if count == 0 {
			continue
		}

		keyValues := make(map[string]string, len(keyFields))
		var nullKeys []string
		for _, field := range keyFields {
			v, ok := rows.Value(i, field)
			if !ok {
				return nil, fmt.Errorf("%w: discovery result lacks key column %q", models.ErrInvalidContract, field)
			}
			if v == nil {
				nullKeys = append(nullKeys, field)
			}
			keyValues[field] = Stringify(v)
		}

		minDate, _ := rows.Value(i, minDateColumn)
		maxDate, _ := rows.Value(i, maxDateColumn)

		batches = append(batches, models.Batch{
			ID:        models.NewBatchID(keyFields, keyValues, nullKeys...),
			KeyValues: keyValues,
			NullKeys:  nullKeys,
			RowCount:  count,
			DateRange: models.DateRange{Start: formatDate(minDate), End: formatDate(maxDate)},
		})
	}

	SortBatches(keyFields, batches)

	e.logger.Debug().
		Str("template_id", contract.TemplateID).
		Str("connection_id", connectionID).
		Int("batches", len(batches)).
		Msg("Batch discovery complete")

	return batches, nil
}

// FetchRows loads the rows of one batch
func (e *Engine) FetchRows(ctx context.Context, contract *models.Contract, connectionID string, batch models.Batch, dateRange models.DateRange, keyFilters map[string]string) (*models.Rows, error) {
	sql, params, err := BuildRowsQuery(contract, batch, dateRange, keyFilters)
	if err != nil {
		return nil, err
	}
	rows, err := e.source.Query(ctx, connectionID, sql, params)
	if err != nil {
		return nil, fmt.Errorf("batch rows query failed: %w", err)
	}
	return rows, nil
}

// Restrict keeps only the requested batch ids, preserving discovery order.
// An id outside the discovery result is rejected.
func Restrict(batches []models.Batch, ids []string) ([]models.Batch, error) {
	if len(ids) == 0 {
		return batches, nil
	}
	known := make(map[string]bool, len(batches))
	for _, b := range batches {
		known[b.ID] = true
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !known[id] {
			return nil, fmt.Errorf("%w: %s", models.ErrUnknownBatch, id)
		}
		want[id] = true
	}
	out := make([]models.Batch, 0, len(want))
	for _, b := range batches {
		if want[b.ID] {
			out = append(out, b)
		}
	}
	return out, nil
}

// SortBatches orders by key values in key-field order, then by start date.
// NULL keys sort after every value.
func SortBatches(keyFields []string, batches []models.Batch) {
	sort.SliceStable(batches, func(i, j int) bool {
		for _, field := range keyFields {
			nullA, nullB := batches[i].IsNull(field), batches[j].IsNull(field)
			if nullA != nullB {
				return nullB
			}
			a, b := batches[i].KeyValues[field], batches[j].KeyValues[field]
			if a != b {
				return lessNatural(a, b)
			}
		}
		if batches[i].DateRange.Start != batches[j].DateRange.Start {
			return batches[i].DateRange.Start < batches[j].DateRange.Start
		}
		return batches[i].ID < batches[j].ID
	})
}

// lessNatural compares numerically when both sides are numbers
func lessNatural(a, b string) bool {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil && fa != fb {
		return fa < fb
	}
	return a < b
}

// Stringify renders a key value the same way regardless of driver
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
			return t.Format(models.DateLayout)
		}
		return t.UTC().Format(time.RFC3339)
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return Stringify(float64(t))
	}
	return fmt.Sprint(v)
}

func formatDate(v any) string {
	switch t := v.(type) {
	case time.Time:
		return t.Format(models.DateLayout)
	case string:
		for _, layout := range []string{models.DateLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.Format(models.DateLayout)
			}
		}
		return t
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	}
	return 0
}

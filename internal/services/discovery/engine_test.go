package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/neurareport/internal/models"
	"github.com/ternarybob/neurareport/internal/services/datasource"
)

func salesContract() *models.Contract {
	return &models.Contract{
		ID:         "sales-v1",
		TemplateID: "sales",
		Version:    1,
		Tokens: []models.Token{
			{Name: "region", Type: models.TokenTypeString, Required: true},
			{Name: "amount", Type: models.TokenTypeCurrency, Scope: models.TokenScopeRow},
		},
		Mapping: map[string]string{"region": "region", "amount": "amount"},
		Dataset: models.Dataset{Table: "sales", DateColumn: "sale_date", KeyFields: []string{"region", "store"}},
	}
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	driver, err := datasource.LoadMemoryDriver("../datasource/testdata/sales.json")
	require.NoError(t, err)
	router := datasource.NewRouter(map[string]datasource.Driver{"warehouse": driver}, 2, time.Second, arbor.NewLogger())
	return NewEngine(router, arbor.NewLogger())
}

var january = models.DateRange{Start: "2024-01-01", End: "2024-01-31"}

func TestDiscover_WestRegionJanuary(t *testing.T) {
	e := newEngine(t)

	batches, err := e.Discover(context.Background(), salesContract(), "warehouse", january, map[string]string{"region": "west"})
	require.NoError(t, err)
	require.Len(t, batches, 3)

	assert.Equal(t, "1", batches[0].KeyValues["store"])
	assert.Equal(t, "2", batches[1].KeyValues["store"])
	assert.Equal(t, "3", batches[2].KeyValues["store"])
	assert.Equal(t, 2, batches[0].RowCount, "February row is outside the range")
	assert.Equal(t, models.DateRange{Start: "2024-01-03", End: "2024-01-17"}, batches[0].DateRange)
	assert.Equal(t, models.DateRange{Start: "2024-01-09", End: "2024-01-31"}, batches[1].DateRange, "end date is inclusive")
}

func TestDiscover_IsIdempotent(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	first, err := e.Discover(ctx, salesContract(), "warehouse", january, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := e.Discover(ctx, salesContract(), "warehouse", january, nil)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	require.Len(t, first, 5)
	assert.Equal(t, "east", first[0].KeyValues["region"])
	assert.Equal(t, "west", first[4].KeyValues["region"])
}

func TestDiscover_NoRowsIsEmptyNotError(t *testing.T) {
	e := newEngine(t)

	batches, err := e.Discover(context.Background(), salesContract(), "warehouse",
		models.DateRange{Start: "2030-01-01", End: "2030-01-31"}, nil)
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestDiscover_Errors(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	_, err := e.Discover(ctx, salesContract(), "warehouse", models.DateRange{Start: "2024-02-01", End: "2024-01-01"}, nil)
	assert.ErrorIs(t, err, models.ErrInvalidDateRange)

	_, err = e.Discover(ctx, salesContract(), "missing", january, nil)
	assert.ErrorIs(t, err, models.ErrUnknownConnection)

	_, err = e.Discover(ctx, salesContract(), "warehouse", january, map[string]string{"region; DROP TABLE": "x"})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}

func TestBuildDiscoveryQuery_StableFilterOrder(t *testing.T) {
	filters := map[string]string{"store": "1", "region": "west", "product": "Widget"}

	sql, params, err := BuildDiscoveryQuery(salesContract(), january, filters)
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT region, store, COUNT(*) AS row_count, MIN(sale_date) AS min_date, MAX(sale_date) AS max_date FROM sales WHERE sale_date >= $1 AND sale_date < $2 AND product = $3 AND region = $4 AND store = $5 GROUP BY region, store ORDER BY region, store",
		sql)
	assert.Equal(t, []any{"2024-01-01", "2024-02-01", "Widget", "west", "1"}, params)
}

func TestFetchRows_ReturnsBatchRowsInDateOrder(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	contract := salesContract()

	batches, err := e.Discover(ctx, contract, "warehouse", january, map[string]string{"region": "west"})
	require.NoError(t, err)

	rows, err := e.FetchRows(ctx, contract, "warehouse", batches[0], january, map[string]string{"region": "west"})
	require.NoError(t, err)
	require.Equal(t, 2, rows.Len())
	first, _ := rows.Value(0, "sale_date")
	assert.Equal(t, "2024-01-03", first)
}

func TestDiscover_NullKeyKeepsItsRows(t *testing.T) {
	driver := datasource.NewMemoryDriver(nil)
	driver.Insert("sales",
		map[string]any{"region": "west", "store": nil, "sale_date": "2024-01-04", "amount": 10.0},
		map[string]any{"region": "west", "store": nil, "sale_date": "2024-01-02", "amount": 20.0},
		map[string]any{"region": "west", "store": "", "sale_date": "2024-01-05", "amount": 30.0},
		map[string]any{"region": "west", "store": "7", "sale_date": "2024-01-06", "amount": 40.0},
	)
	router := datasource.NewRouter(map[string]datasource.Driver{"warehouse": driver}, 2, time.Second, arbor.NewLogger())
	e := NewEngine(router, arbor.NewLogger())
	ctx := context.Background()
	contract := salesContract()

	batches, err := e.Discover(ctx, contract, "warehouse", january, nil)
	require.NoError(t, err)
	require.Len(t, batches, 3)

	empty, seven, null := batches[0], batches[1], batches[2]
	assert.Equal(t, "", empty.KeyValues["store"])
	assert.False(t, empty.IsNull("store"))
	assert.Equal(t, "7", seven.KeyValues["store"])
	assert.True(t, null.IsNull("store"), "NULL sorts after every value")
	assert.Equal(t, 2, null.RowCount)
	assert.NotEqual(t, empty.ID, null.ID)
	assert.Equal(t, "region=west,store=NULL", null.Label(contract.Dataset.KeyFields))

	rows, err := e.FetchRows(ctx, contract, "warehouse", null, january, nil)
	require.NoError(t, err)
	require.Equal(t, 2, rows.Len(), "every row discovery counted must be fetched")
	first, _ := rows.Value(0, "sale_date")
	assert.Equal(t, "2024-01-02", first)

	rows, err = e.FetchRows(ctx, contract, "warehouse", empty, january, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rows.Len())
}

func TestBuildRowsQuery_NullKeyUsesIsNull(t *testing.T) {
	contract := salesContract()
	batch := models.Batch{KeyValues: map[string]string{"region": "west", "store": ""}, NullKeys: []string{"store"}}

	sql, params, err := BuildRowsQuery(contract, batch, models.DateRange{}, nil)
	require.NoError(t, err)
	assert.Contains(t, sql, "region = $1 AND store IS NULL")
	assert.Equal(t, []any{"west"}, params)
}

func TestRestrict(t *testing.T) {
	batches := []models.Batch{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	got, err := Restrict(batches, []string{"c", "a"})
	require.NoError(t, err)
	assert.Equal(t, []models.Batch{{ID: "a"}, {ID: "c"}}, got)

	_, err = Restrict(batches, []string{"zzz"})
	assert.ErrorIs(t, err, models.ErrUnknownBatch)
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "12", Stringify(float64(12)))
	assert.Equal(t, "12.5", Stringify(12.5))
	assert.Equal(t, "2024-01-03", Stringify(time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "", Stringify(nil))
}

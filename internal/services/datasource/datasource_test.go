package datasource

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/neurareport/internal/models"
)

func loadSales(t *testing.T) *MemoryDriver {
	t.Helper()
	driver, err := LoadMemoryDriver("testdata/sales.json")
	require.NoError(t, err)
	return driver
}

func TestMemoryDriver_GroupedAggregates(t *testing.T) {
	driver := loadSales(t)

	rows, err := driver.Query(context.Background(),
		"SELECT region, store, COUNT(*) AS row_count, MIN(sale_date) AS min_date, MAX(sale_date) AS max_date FROM sales WHERE sale_date >= $1 AND sale_date < $2 AND region = $3 GROUP BY region, store ORDER BY region, store",
		[]any{"2024-01-01", "2024-02-01", "west"})
	require.NoError(t, err)

	require.Equal(t, 3, rows.Len())
	assert.Equal(t, []string{"region", "store", "row_count", "min_date", "max_date"}, rows.Columns)

	count, _ := rows.Value(0, "row_count")
	assert.Equal(t, int64(2), count)
	minDate, _ := rows.Value(0, "min_date")
	assert.Equal(t, "2024-01-03", minDate)
}

func TestMemoryDriver_PlainSelectOrdered(t *testing.T) {
	driver := loadSales(t)

	rows, err := driver.Query(context.Background(),
		"SELECT amount, sale_date FROM sales WHERE store = $1 ORDER BY sale_date",
		[]any{"1"})
	require.NoError(t, err)
	require.Equal(t, 3, rows.Len())
	first, _ := rows.Value(0, "sale_date")
	last, _ := rows.Value(2, "sale_date")
	assert.Equal(t, "2024-01-03", first)
	assert.Equal(t, "2024-02-02", last)
}

func TestMemoryDriver_AggregateOverNothing(t *testing.T) {
	driver := loadSales(t)

	rows, err := driver.Query(context.Background(),
		"SELECT COUNT(*) AS row_count FROM sales WHERE region = $1", []any{"nowhere"})
	require.NoError(t, err)
	require.Equal(t, 1, rows.Len())
	count, _ := rows.Value(0, "row_count")
	assert.Equal(t, int64(0), count)
}

func TestMemoryDriver_RejectsUnsupportedSQL(t *testing.T) {
	driver := loadSales(t)
	_, err := driver.Query(context.Background(), "DELETE FROM sales", nil)
	assert.Error(t, err)
	_, err = driver.Query(context.Background(), "SELECT region FROM missing", nil)
	assert.Error(t, err)
}

func TestRouter_UnknownConnectionIsFatal(t *testing.T) {
	r := NewRouter(map[string]Driver{"warehouse": loadSales(t)}, 2, time.Second, arbor.NewLogger())

	_, err := r.Query(context.Background(), "nope", "SELECT region FROM sales", nil)
	assert.ErrorIs(t, err, models.ErrUnknownConnection)
	assert.Equal(t, models.ErrorKindFatal, models.Classify(err))
}

func TestRouter_TimeoutIsTransient(t *testing.T) {
	slow := loadSales(t).WithDelay(200 * time.Millisecond)
	r := NewRouter(map[string]Driver{"slow": slow}, 1, 20*time.Millisecond, arbor.NewLogger())

	_, err := r.Query(context.Background(), "slow", "SELECT region FROM sales", nil)
	assert.ErrorIs(t, err, models.ErrDataSourceTimeout)
	assert.True(t, models.IsTransient(err))
}

type countingDriver struct {
	active  int32
	maxSeen int32
}

func (d *countingDriver) Query(ctx context.Context, sql string, params []any) (*models.Rows, error) {
	n := atomic.AddInt32(&d.active, 1)
	for {
		seen := atomic.LoadInt32(&d.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&d.maxSeen, seen, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	atomic.AddInt32(&d.active, -1)
	return &models.Rows{}, nil
}

func (d *countingDriver) Close() {}

func TestRouter_PerConnectionLimit(t *testing.T) {
	driver := &countingDriver{}
	r := NewRouter(map[string]Driver{"db": driver}, 2, time.Second, arbor.NewLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Query(context.Background(), "db", "SELECT 1", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&driver.maxSeen), int32(2))
}

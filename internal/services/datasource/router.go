package datasource

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/semaphore"

	"github.com/ternarybob/neurareport/internal/common"
	"github.com/ternarybob/neurareport/internal/models"
)

// Driver executes queries for a single connection
type Driver interface {
	Query(ctx context.Context, sql string, params []any) (*models.Rows, error)
	Close()
}

type connection struct {
	driver Driver
	slots  *semaphore.Weighted
}

// Router resolves connection ids to drivers and enforces the per-connection
// concurrent query limit shared by every job targeting that connection.
type Router struct {
	connections  map[string]*connection
	queryTimeout time.Duration
	logger       arbor.ILogger
}

// NewRouter creates a router with a fixed query slot count per connection
func NewRouter(drivers map[string]Driver, maxConcurrent int, queryTimeout time.Duration, logger arbor.ILogger) *Router {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	r := &Router{
		connections:  make(map[string]*connection, len(drivers)),
		queryTimeout: queryTimeout,
		logger:       logger,
	}
	for id, driver := range drivers {
		r.connections[id] = &connection{
			driver: driver,
			slots:  semaphore.NewWeighted(int64(maxConcurrent)),
		}
	}
	return r
}

// NewRouterFromConfig opens a driver for every configured connection
func NewRouterFromConfig(ctx context.Context, cfg common.DataSourcesConfig, logger arbor.ILogger) (*Router, error) {
	drivers := make(map[string]Driver, len(cfg.Connections))
	for id, conn := range cfg.Connections {
		var (
			driver Driver
			err    error
		)
		switch conn.Driver {
		case "postgres":
			driver, err = NewPostgresDriver(ctx, conn.DSN)
		case "memory":
			driver, err = LoadMemoryDriver(conn.Path)
		default:
			err = fmt.Errorf("unsupported driver %q", conn.Driver)
		}
		if err != nil {
			for _, opened := range drivers {
				opened.Close()
			}
			return nil, fmt.Errorf("connection %s: %w", id, err)
		}
		logger.Debug().Str("connection_id", id).Str("driver", conn.Driver).Msg("Data source connection opened")
		drivers[id] = driver
	}
	timeout := common.ParseDurationOr(cfg.QueryTimeout, 30*time.Second)
	return NewRouter(drivers, cfg.MaxConcurrentQueries, timeout, logger), nil
}

// Query runs sql on the named connection. Timeouts and dropped connections are
// reported as transient; an unknown connection id is fatal.
func (r *Router) Query(ctx context.Context, connectionID string, sql string, params []any) (*models.Rows, error) {
	conn, ok := r.connections[connectionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownConnection, connectionID)
	}

	if err := conn.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer conn.slots.Release(1)

	queryCtx := ctx
	if r.queryTimeout > 0 {
		var cancel context.CancelFunc
		queryCtx, cancel = context.WithTimeout(ctx, r.queryTimeout)
		defer cancel()
	}

	start := time.Now()
	rows, err := conn.driver.Query(queryCtx, sql, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(queryCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %s", models.ErrDataSourceTimeout, connectionID, time.Since(start).Round(time.Millisecond))
		}
		return nil, fmt.Errorf("query on %s: %w", connectionID, err)
	}

	r.logger.Trace().
		Str("connection_id", connectionID).
		Int("rows", rows.Len()).
		Dur("duration", time.Since(start)).
		Msg("Query executed")
	return rows, nil
}

// Has reports whether a connection id is configured
func (r *Router) Has(connectionID string) bool {
	_, ok := r.connections[connectionID]
	return ok
}

// IDs returns configured connection ids, sorted
func (r *Router) IDs() []string {
	ids := make([]string, 0, len(r.connections))
	for id := range r.connections {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close releases every driver
func (r *Router) Close() {
	for _, conn := range r.connections {
		conn.driver.Close()
	}
}

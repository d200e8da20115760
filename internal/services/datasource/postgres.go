package datasource

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ternarybob/neurareport/internal/models"
)

// PostgresDriver runs report queries through a pgx connection pool
type PostgresDriver struct {
	pool *pgxpool.Pool
}

// NewPostgresDriver creates the pool and verifies connectivity
func NewPostgresDriver(ctx context.Context, dsn string) (*PostgresDriver, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", models.Transient(err))
	}
	return &PostgresDriver{pool: pool}, nil
}

// Query returns all rows of a parameterized query
func (d *PostgresDriver) Query(ctx context.Context, sql string, params []any) (*models.Rows, error) {
	rows, err := d.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	result := &models.Rows{Columns: make([]string, len(fields))}
	for i, f := range fields {
		result.Columns[i] = f.Name
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, classifyPgError(err)
		}
		for i, v := range values {
			values[i] = normalize(v)
		}
		result.Values = append(result.Values, values)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError(err)
	}
	return result, nil
}

// Close closes the pool
func (d *PostgresDriver) Close() {
	d.pool.Close()
}

// classifyPgError marks connection-level failures as transient. Server errors
// (bad column, syntax) stay fatal since retrying cannot fix them.
func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exception, 57P: operator intervention (shutdown)
		if len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "08" || pgErr.Code == "57P01" || pgErr.Code == "57P03") {
			return models.Transient(err)
		}
		return err
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return models.Transient(err)
	}
	return err
}

// normalize converts pgx-specific value types into plain Go values so the
// render engine sees the same shapes from every driver
func normalize(v any) any {
	switch t := v.(type) {
	case pgtype.Numeric:
		f, err := t.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case [16]byte:
		return fmt.Sprintf("%x-%x-%x-%x-%x", t[0:4], t[4:6], t[6:8], t[8:10], t[10:16])
	}
	return v
}

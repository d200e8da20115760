package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/neurareport/internal/models"
)

// MemoryDriver serves queries from in-memory tables. It understands the subset
// of SQL the discovery engine emits: a select list with plain columns and
// COUNT/MIN/MAX aggregates, AND-ed comparisons against $n params or IS NULL,
// GROUP BY and ORDER BY. Used for fixtures, demos and tests.
type MemoryDriver struct {
	mu     sync.RWMutex
	tables map[string][]map[string]any
	delay  time.Duration
}

// memoryFixture is the on-disk JSON shape: {"tables": {"sales": [{...}, ...]}}
type memoryFixture struct {
	Tables map[string][]map[string]any `json:"tables"`
}

// NewMemoryDriver creates a driver over the given tables
func NewMemoryDriver(tables map[string][]map[string]any) *MemoryDriver {
	if tables == nil {
		tables = map[string][]map[string]any{}
	}
	return &MemoryDriver{tables: tables}
}

// LoadMemoryDriver reads a JSON fixture file
func LoadMemoryDriver(path string) (*MemoryDriver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var fixture memoryFixture
	if err := json.Unmarshal(data, &fixture); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return NewMemoryDriver(fixture.Tables), nil
}

// WithDelay makes every query wait, for timeout tests
func (d *MemoryDriver) WithDelay(delay time.Duration) *MemoryDriver {
	d.delay = delay
	return d
}

// Insert appends rows to a table
func (d *MemoryDriver) Insert(table string, rows ...map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tables[table] = append(d.tables[table], rows...)
}

// Close is a no-op
func (d *MemoryDriver) Close() {}

var (
	selectPattern = regexp.MustCompile(`(?is)^\s*SELECT\s+(.+?)\s+FROM\s+([A-Za-z_][A-Za-z0-9_]*)(?:\s+WHERE\s+(.+?))?(?:\s+GROUP\s+BY\s+(.+?))?(?:\s+ORDER\s+BY\s+(.+?))?\s*;?\s*$`)
	condPattern   = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_]*)\s*(>=|<=|<>|!=|=|<|>)\s*\$(\d+)\s*$`)
	nullPattern   = regexp.MustCompile(`(?i)^\s*([A-Za-z_][A-Za-z0-9_]*)\s+IS\s+NULL\s*$`)
	aggPattern    = regexp.MustCompile(`(?i)^\s*(COUNT|MIN|MAX|SUM)\s*\(\s*(\*|[A-Za-z_][A-Za-z0-9_]*)\s*\)(?:\s+AS\s+([A-Za-z_][A-Za-z0-9_]*))?\s*$`)
	andSplit      = regexp.MustCompile(`(?i)\s+AND\s+`)
)

type selectItem struct {
	column string // source column, "*" for COUNT(*)
	agg    string // "", count, min, max, sum
	alias  string
}

type condition struct {
	column string
	op     string
	param  int // 0 for IS NULL
}

const opIsNull = "is null"

type memoryQuery struct {
	table   string
	items   []selectItem
	where   []condition
	groupBy []string
	orderBy []string
}

// Query parses and evaluates sql against the in-memory tables
func (d *MemoryDriver) Query(ctx context.Context, sql string, params []any) (*models.Rows, error) {
	if d.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q, err := parseQuery(sql)
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	source, ok := d.tables[q.table]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("relation %q does not exist", q.table)
	}

	var matched []map[string]any
	for _, row := range source {
		keep := true
		for _, c := range q.where {
			if c.op == opIsNull {
				if row[c.column] != nil {
					keep = false
					break
				}
				continue
			}
			if c.param < 1 || c.param > len(params) {
				return nil, fmt.Errorf("missing parameter $%d", c.param)
			}
			if !compareOp(row[c.column], c.op, params[c.param-1]) {
				keep = false
				break
			}
		}
		if keep {
			matched = append(matched, row)
		}
	}

	result := &models.Rows{Columns: make([]string, len(q.items))}
	for i, item := range q.items {
		result.Columns[i] = item.alias
	}

	if q.hasAggregates() || len(q.groupBy) > 0 {
		result.Values = q.aggregate(matched)
	} else {
		for _, row := range matched {
			values := make([]any, len(q.items))
			for i, item := range q.items {
				values[i] = row[item.column]
			}
			result.Values = append(result.Values, values)
		}
	}

	if len(q.orderBy) > 0 {
		sort.SliceStable(result.Values, func(a, b int) bool {
			for _, column := range q.orderBy {
				idx := result.Index(column)
				if idx < 0 {
					continue
				}
				if c := compareValues(result.Values[a][idx], result.Values[b][idx]); c != 0 {
					return c < 0
				}
			}
			return false
		})
	}
	return result, nil
}

func parseQuery(sql string) (*memoryQuery, error) {
	m := selectPattern.FindStringSubmatch(sql)
	if m == nil {
		return nil, fmt.Errorf("unsupported query: %s", sql)
	}
	q := &memoryQuery{table: m[2]}

	for _, raw := range splitList(m[1]) {
		if am := aggPattern.FindStringSubmatch(raw); am != nil {
			item := selectItem{agg: strings.ToLower(am[1]), column: am[2], alias: am[3]}
			if item.alias == "" {
				item.alias = item.agg
			}
			q.items = append(q.items, item)
			continue
		}
		if !isColumn(raw) {
			return nil, fmt.Errorf("unsupported select item %q", raw)
		}
		q.items = append(q.items, selectItem{column: raw, alias: raw})
	}

	if m[3] != "" {
		for _, raw := range andSplit.Split(m[3], -1) {
			if nm := nullPattern.FindStringSubmatch(raw); nm != nil {
				q.where = append(q.where, condition{column: nm[1], op: opIsNull})
				continue
			}
			cm := condPattern.FindStringSubmatch(raw)
			if cm == nil {
				return nil, fmt.Errorf("unsupported condition %q", raw)
			}
			n, _ := strconv.Atoi(cm[3])
			q.where = append(q.where, condition{column: cm[1], op: cm[2], param: n})
		}
	}
	if m[4] != "" {
		q.groupBy = splitList(m[4])
	}
	if m[5] != "" {
		q.orderBy = splitList(m[5])
	}
	return q, nil
}

func (q *memoryQuery) hasAggregates() bool {
	for _, item := range q.items {
		if item.agg != "" {
			return true
		}
	}
	return false
}

func (q *memoryQuery) aggregate(rows []map[string]any) [][]any {
	type group struct {
		first map[string]any
		rows  []map[string]any
	}
	var order []string
	groups := map[string]*group{}

	if len(q.groupBy) == 0 {
		// Aggregates without GROUP BY yield exactly one row, even over no input
		groups[""] = &group{rows: rows}
		order = append(order, "")
	}
	for _, row := range rows {
		if len(q.groupBy) == 0 {
			break
		}
		parts := make([]string, len(q.groupBy))
		for i, column := range q.groupBy {
			if v := row[column]; v != nil {
				parts[i] = "=" + fmt.Sprint(v)
			}
		}
		key := strings.Join(parts, "\x00")
		g, ok := groups[key]
		if !ok {
			g = &group{first: row}
			groups[key] = g
			order = append(order, key)
		}
		g.rows = append(g.rows, row)
	}

	out := make([][]any, 0, len(order))
	for _, key := range order {
		g := groups[key]
		values := make([]any, len(q.items))
		for i, item := range q.items {
			switch item.agg {
			case "":
				if g.first != nil {
					values[i] = g.first[item.column]
				}
			case "count":
				values[i] = int64(len(g.rows))
			case "min", "max":
				var best any
				for _, row := range g.rows {
					v := row[item.column]
					if v == nil {
						continue
					}
					c := compareValues(v, best)
					if best == nil || (item.agg == "min" && c < 0) || (item.agg == "max" && c > 0) {
						best = v
					}
				}
				values[i] = best
			case "sum":
				total := 0.0
				for _, row := range g.rows {
					if f, ok := toFloat(row[item.column]); ok {
						total += f
					}
				}
				values[i] = total
			}
		}
		out = append(out, values)
	}
	return out
}

func compareOp(cell any, op string, param any) bool {
	if cell == nil {
		return false
	}
	c := compareValues(cell, param)
	switch op {
	case "=":
		return c == 0
	case "<>", "!=":
		return c != 0
	case ">=":
		return c >= 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case "<":
		return c < 0
	}
	return false
}

// compareValues orders numbers numerically, dates chronologically and
// everything else by string value. nil sorts first.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	if ta, ok := toTime(a); ok {
		if tb, ok := toTime(b); ok {
			return ta.Compare(tb)
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", models.DateLayout} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func isColumn(s string) bool {
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

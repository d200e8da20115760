package models

import (
	"fmt"
	"sort"
	"strings"
)

// TokenType is the coercion applied to a token's bound value
type TokenType string

const (
	TokenTypeString   TokenType = "string"
	TokenTypeNumber   TokenType = "number"
	TokenTypeDate     TokenType = "date"
	TokenTypeCurrency TokenType = "currency"
)

// TokenScope says where a token's value comes from
type TokenScope string

const (
	// TokenScopeBatch tokens resolve once per batch (first row, key value or aggregate)
	TokenScopeBatch TokenScope = "batch"
	// TokenScopeRow tokens resolve once per row inside a repeated block
	TokenScopeRow TokenScope = "row"
)

// Token is one placeholder declared by a contract
type Token struct {
	Name     string     `json:"name" toml:"name" yaml:"name" validate:"required"`
	Type     TokenType  `json:"type" toml:"type" yaml:"type" validate:"omitempty,oneof=string number date currency"`
	Required bool       `json:"required" toml:"required" yaml:"required"`
	Scope    TokenScope `json:"scope,omitempty" toml:"scope" yaml:"scope" validate:"omitempty,oneof=batch row"`
}

// Dataset locates the rows a contract reads
type Dataset struct {
	Table      string   `json:"table" toml:"table" yaml:"table" validate:"required"`
	DateColumn string   `json:"date_column" toml:"date_column" yaml:"date_column" validate:"required"`
	KeyFields  []string `json:"key_fields" toml:"key_fields" yaml:"key_fields"`
}

// Contract is the validated binding of template tokens to data columns.
// Immutable per version.
type Contract struct {
	ID         string            `json:"id" toml:"id" yaml:"id" validate:"required"`
	TemplateID string            `json:"template_id" toml:"template_id" yaml:"template_id" validate:"required"`
	Version    int               `json:"version" toml:"version" yaml:"version" validate:"gte=1"`
	Tokens     []Token           `json:"tokens" toml:"tokens" yaml:"tokens" validate:"required,min=1,dive"`
	Mapping    map[string]string `json:"mapping" toml:"mapping" yaml:"mapping" validate:"required"`
	Dataset    Dataset           `json:"dataset" toml:"dataset" yaml:"dataset"`
	Template   string            `json:"template" toml:"template" yaml:"template"` // template file, relative to the contract
}

// Check verifies cross-field rules the struct tags cannot express
func (c *Contract) Check() error {
	seen := make(map[string]bool, len(c.Tokens))
	for _, token := range c.Tokens {
		if seen[token.Name] {
			return fmt.Errorf("%w: duplicate token %q", ErrInvalidContract, token.Name)
		}
		seen[token.Name] = true
		if strings.TrimSpace(c.Mapping[token.Name]) == "" {
			return fmt.Errorf("%w: token %q has no column mapping", ErrInvalidContract, token.Name)
		}
	}
	for _, key := range c.Dataset.KeyFields {
		if !isIdentifier(key) {
			return fmt.Errorf("%w: key field %q is not a plain column name", ErrInvalidContract, key)
		}
	}
	if !isIdentifier(c.Dataset.Table) || !isIdentifier(c.Dataset.DateColumn) {
		return fmt.Errorf("%w: dataset table and date column must be plain identifiers", ErrInvalidContract)
	}
	return nil
}

// Columns returns every physical column the contract needs, sorted
func (c *Contract) Columns() []string {
	set := map[string]bool{c.Dataset.DateColumn: true}
	for _, key := range c.Dataset.KeyFields {
		set[key] = true
	}
	for _, expr := range c.Mapping {
		if IsBatchExpression(expr) {
			continue
		}
		if column := ColumnOf(expr); column != "" && column != "*" {
			set[column] = true
		}
	}
	columns := make([]string, 0, len(set))
	for column := range set {
		columns = append(columns, column)
	}
	sort.Strings(columns)
	return columns
}

// BatchExpressionPrefix marks mappings resolved from batch metadata rather than
// rows: batch.id, batch.start, batch.end, batch.row_count, batch.label
const BatchExpressionPrefix = "batch."

// IsBatchExpression reports whether a mapping reads batch metadata
func IsBatchExpression(expr string) bool {
	return strings.HasPrefix(strings.TrimSpace(expr), BatchExpressionPrefix)
}

// ColumnOf extracts the column from a mapping expression.
// "amount" -> "amount", "sum(amount)" -> "amount", "count(*)" -> "*".
func ColumnOf(expr string) string {
	expr = strings.TrimSpace(expr)
	if open := strings.IndexByte(expr, '('); open > 0 && strings.HasSuffix(expr, ")") {
		return strings.TrimSpace(expr[open+1 : len(expr)-1])
	}
	return expr
}

// AggregateOf returns the lower-cased aggregate function of a mapping expression, or "".
func AggregateOf(expr string) string {
	expr = strings.TrimSpace(expr)
	if open := strings.IndexByte(expr, '('); open > 0 && strings.HasSuffix(expr, ")") {
		return strings.ToLower(strings.TrimSpace(expr[:open]))
	}
	return ""
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

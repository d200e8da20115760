// Package render binds batch rows into template token placeholders.
package render

import (
	"fmt"
	"html"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ternarybob/neurareport/internal/models"
)

// RepeatAttr marks an element that is cloned once per row
const RepeatAttr = "data-repeat"

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.]*)\s*\}\}`)

// Repeat clones carry markers instead of row values. The markers are resolved
// after the batch pass, so no substituted value is scanned for placeholders.
const (
	rowMarkOpen  = "\uE000"
	rowMarkClose = "\uE001"
)

var rowMarkPattern = regexp.MustCompile(rowMarkOpen + `(\d+)` + rowMarkClose)

// Bind substitutes every declared token in template with values from rows.
// Batch-scope tokens resolve once per batch, row-scope tokens once per row inside
// elements carrying data-repeat. Placeholders the contract does not declare are
// left as they are. Bind has no side effects and the same inputs always produce
// the same bytes.
func Bind(template string, contract *models.Contract, batch models.Batch, rows *models.Rows) (string, error) {
	if contract == nil {
		return "", fmt.Errorf("%w: nil contract", models.ErrInvalidContract)
	}

	tokens := make(map[string]models.Token, len(contract.Tokens))
	for _, token := range contract.Tokens {
		tokens[token.Name] = token
	}

	out := template
	var rowValues []string
	if strings.Contains(template, RepeatAttr) {
		expanded, values, err := expandRepeats(template, contract, tokens, rows)
		if err != nil {
			return "", err
		}
		out, rowValues = expanded, values
	}

	values := make(map[string]string, len(contract.Tokens))
	for _, token := range contract.Tokens {
		value, present, err := resolveBatchToken(token, contract, batch, rows)
		if err != nil {
			return "", fmt.Errorf("token %q: %w", token.Name, err)
		}
		if !present && token.Required && token.Scope != models.TokenScopeRow {
			return "", fmt.Errorf("%w: %s", models.ErrMissingRequiredToken, token.Name)
		}
		values[token.Name] = value
	}

	bound := substitute(out, func(name string) (string, bool) {
		if _, declared := tokens[name]; !declared {
			return "", false
		}
		return escapeValue(values[name]), true
	})
	if len(rowValues) == 0 {
		return bound, nil
	}
	return rowMarkPattern.ReplaceAllStringFunc(bound, func(mark string) string {
		i, err := strconv.Atoi(rowMarkPattern.FindStringSubmatch(mark)[1])
		if err != nil || i >= len(rowValues) {
			return mark
		}
		return rowValues[i]
	}), nil
}

// Placeholders lists the distinct token names referenced by a template, sorted
func Placeholders(template string) []string {
	set := make(map[string]bool)
	for _, match := range placeholderPattern.FindAllStringSubmatch(template, -1) {
		set[match[1]] = true
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// expandRepeats clones each repeat block once per row. Row tokens become
// markers indexing the returned escaped values.
func expandRepeats(template string, contract *models.Contract, tokens map[string]models.Token, rows *models.Rows) (string, []string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(template))
	if err != nil {
		return "", nil, fmt.Errorf("failed to parse template: %w", err)
	}

	var (
		bindErr error
		values  []string
	)
	doc.Find("[" + RepeatAttr + "]").Each(func(_ int, block *goquery.Selection) {
		if bindErr != nil {
			return
		}
		block.RemoveAttr(RepeatAttr)
		pattern, err := goquery.OuterHtml(block)
		if err != nil {
			bindErr = fmt.Errorf("failed to serialise repeat block: %w", err)
			return
		}

		var clones strings.Builder
		for i := 0; i < rows.Len(); i++ {
			rowValues := make(map[string]string)
			for name, token := range tokens {
				if token.Scope != models.TokenScopeRow {
					continue
				}
				raw, _ := rows.Value(i, models.ColumnOf(contract.Mapping[name]))
				value, present, err := Coerce(token.Type, raw)
				if err != nil {
					bindErr = fmt.Errorf("token %q row %d: %w", name, i, err)
					return
				}
				if !present && token.Required {
					bindErr = fmt.Errorf("%w: %s (row %d)", models.ErrMissingRequiredToken, name, i)
					return
				}
				rowValues[name] = rowMarkOpen + strconv.Itoa(len(values)) + rowMarkClose
				values = append(values, escapeValue(value))
			}
			clones.WriteString(substitute(pattern, func(name string) (string, bool) {
				v, ok := rowValues[name]
				return v, ok
			}))
		}
		block.ReplaceWithHtml(clones.String())
	})
	if bindErr != nil {
		return "", nil, bindErr
	}

	out, err := doc.Html()
	if err != nil {
		return "", nil, err
	}
	return out, values, nil
}

// substitute replaces {{name}} when lookup knows the name
func substitute(text string, lookup func(name string) (string, bool)) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := lookup(name)
		if !ok {
			return match
		}
		return value
	})
}

// escapeValue HTML-escapes a value and neutralises marker runes it may carry
func escapeValue(value string) string {
	return strings.ReplaceAll(html.EscapeString(value), rowMarkOpen, "&#xE000;")
}

func resolveBatchToken(token models.Token, contract *models.Contract, batch models.Batch, rows *models.Rows) (string, bool, error) {
	expr := strings.TrimSpace(contract.Mapping[token.Name])

	if models.IsBatchExpression(expr) {
		return Coerce(token.Type, batchMetadata(expr, contract, batch))
	}

	if fn := models.AggregateOf(expr); fn != "" {
		raw, err := aggregate(fn, models.ColumnOf(expr), rows)
		if err != nil {
			return "", false, err
		}
		return Coerce(token.Type, raw)
	}

	if v, ok := batch.KeyValues[expr]; ok {
		return Coerce(token.Type, v)
	}

	raw, _ := rows.Value(0, expr)
	return Coerce(token.Type, raw)
}

func batchMetadata(expr string, contract *models.Contract, batch models.Batch) any {
	switch strings.TrimPrefix(expr, models.BatchExpressionPrefix) {
	case "id":
		return batch.ID
	case "start":
		return batch.DateRange.Start
	case "end":
		return batch.DateRange.End
	case "row_count":
		return batch.RowCount
	case "label":
		return batch.Label(contract.Dataset.KeyFields)
	}
	return nil
}

func aggregate(fn, column string, rows *models.Rows) (any, error) {
	if fn == "count" {
		if column == "*" {
			return rows.Len(), nil
		}
		n := 0
		for i := 0; i < rows.Len(); i++ {
			if v, _ := rows.Value(i, column); v != nil {
				n++
			}
		}
		return n, nil
	}

	var (
		total float64
		seen  int
		best  float64
	)
	for i := 0; i < rows.Len(); i++ {
		raw, _ := rows.Value(i, column)
		if raw == nil {
			continue
		}
		f, err := toNumber(raw)
		if err != nil {
			return nil, err
		}
		total += f
		switch {
		case seen == 0:
			best = f
		case fn == "min" && f < best:
			best = f
		case fn == "max" && f > best:
			best = f
		}
		seen++
	}
	if seen == 0 {
		return nil, nil
	}

	switch fn {
	case "sum":
		return total, nil
	case "avg":
		return total / float64(seen), nil
	case "min", "max":
		return best, nil
	}
	return nil, fmt.Errorf("%w: unsupported aggregate %s", models.ErrInvalidContract, strconv.Quote(fn))
}

package render

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/ternarybob/neurareport/internal/models"
)

// Formatting is pinned to one locale so output never depends on the host
var printer = message.NewPrinter(language.English)

// Coerce formats a raw value according to the token type.
// Returns ok=false for nil/empty values.
func Coerce(tokenType models.TokenType, v any) (string, bool, error) {
	if v == nil {
		return "", false, nil
	}
	if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
		return "", false, nil
	}

	switch tokenType {
	case models.TokenTypeNumber:
		f, err := toNumber(v)
		if err != nil {
			return "", false, err
		}
		return formatNumber(f), true, nil
	case models.TokenTypeCurrency:
		f, err := toNumber(v)
		if err != nil {
			return "", false, err
		}
		return printer.Sprintf("%.2f", roundHalfAway(f, 2)), true, nil
	case models.TokenTypeDate:
		t, err := toDate(v)
		if err != nil {
			return "", false, err
		}
		return t.Format(models.DateLayout), true, nil
	default:
		return toText(v), true, nil
	}
}

// formatNumber prints integers without decimals and everything else with the
// shortest exact representation, no grouping
func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// roundHalfAway avoids banker's rounding surprises on values like 0.125
func roundHalfAway(f float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(f*scale) / scale
}

func toNumber(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case string:
		cleaned := strings.ReplaceAll(strings.TrimSpace(n), ",", "")
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", models.ErrTokenCoercion, n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%w: %T is not a number", models.ErrTokenCoercion, v)
}

func toDate(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		for _, layout := range []string{models.DateLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, strings.TrimSpace(t)); err == nil {
				return parsed.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: %q is not a date", models.ErrTokenCoercion, t)
	}
	return time.Time{}, fmt.Errorf("%w: %T is not a date", models.ErrTokenCoercion, v)
}

func toText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case float64:
		return formatNumber(t)
	case float32:
		return formatNumber(float64(t))
	}
	return fmt.Sprint(v)
}

package decision

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pitabwire/flowcore/model"
)

// cellMatcher reports whether an input value satisfies a compiled cell.
type cellMatcher func(v any) bool

func matchAny(any) bool { return true }

// compileCell compiles one input cell expression for a column of the given
// type. Supported forms:
//   - "" or "-"                wildcard
//   - literal                  type-aware equality ("gold", 42, true)
//   - a, b, c                  any member matches; members may be any
//     non-list form
//   - a..b                     inclusive numeric range; a leading "(" or
//     trailing ")" makes that end exclusive, "[" and "]" are inclusive.
//     Not a range in string columns.
//   - >=n  <=n  >n  <n         numeric comparison
//   - =x   !=x                 type-aware (in)equality
func compileCell(expr, colType string) (cellMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" || expr == "-" {
		return matchAny, nil
	}

	members := splitList(expr)
	if len(members) > 1 {
		matchers := make([]cellMatcher, 0, len(members))
		for _, m := range members {
			if m == "" {
				return nil, fmt.Errorf("empty member in list %q", expr)
			}
			cm, err := compileSingle(m, colType)
			if err != nil {
				return nil, err
			}
			matchers = append(matchers, cm)
		}
		return func(v any) bool {
			for _, cm := range matchers {
				if cm(v) {
					return true
				}
			}
			return false
		}, nil
	}

	return compileSingle(expr, colType)
}

func compileSingle(expr, colType string) (cellMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "-" {
		return nil, fmt.Errorf("wildcard cannot appear inside a list")
	}

	// Ranges are numeric. String columns take ".." literally, and untyped
	// columns fall back to text when either bound is not a number.
	if strings.Contains(expr, "..") && !isQuoted(expr) && colType != model.ColumnTypeString {
		cm, err := compileRange(expr)
		if err == nil || colType != "" {
			return cm, err
		}
	}

	for _, op := range []string{">=", "<=", "!=", ">", "<", "="} {
		if !strings.HasPrefix(expr, op) {
			continue
		}
		operand := strings.TrimSpace(expr[len(op):])
		if operand == "" {
			return nil, fmt.Errorf("operator %q has no operand", op)
		}
		switch op {
		case "=":
			return compileEquals(operand, colType)
		case "!=":
			eq, err := compileEquals(operand, colType)
			if err != nil {
				return nil, err
			}
			return func(v any) bool { return v != nil && !eq(v) }, nil
		default:
			return compileComparison(op, operand)
		}
	}

	return compileEquals(expr, colType)
}

func compileComparison(op, operand string) (cellMatcher, error) {
	n, err := parseNumber(operand)
	if err != nil {
		return nil, fmt.Errorf("comparison %s needs a numeric operand: %w", op, err)
	}
	return func(v any) bool {
		x, ok := toFloat(v)
		if !ok {
			return false
		}
		switch op {
		case ">=":
			return x >= n
		case "<=":
			return x <= n
		case ">":
			return x > n
		default:
			return x < n
		}
	}, nil
}

func compileRange(expr string) (cellMatcher, error) {
	lowInclusive, highInclusive := true, true
	body := expr
	switch body[0] {
	case '(':
		lowInclusive = false
		body = body[1:]
	case '[':
		body = body[1:]
	}
	if body == "" {
		return nil, fmt.Errorf("malformed range %q", expr)
	}
	switch body[len(body)-1] {
	case ')':
		highInclusive = false
		body = body[:len(body)-1]
	case ']':
		body = body[:len(body)-1]
	}

	lo, hi, ok := strings.Cut(body, "..")
	if !ok || strings.Contains(hi, "..") {
		return nil, fmt.Errorf("malformed range %q", expr)
	}
	low, err := parseNumber(strings.TrimSpace(lo))
	if err != nil {
		return nil, fmt.Errorf("range %q lower bound: %w", expr, err)
	}
	high, err := parseNumber(strings.TrimSpace(hi))
	if err != nil {
		return nil, fmt.Errorf("range %q upper bound: %w", expr, err)
	}
	if low > high {
		return nil, fmt.Errorf("range %q has lower bound above upper bound", expr)
	}

	return func(v any) bool {
		x, ok := toFloat(v)
		if !ok {
			return false
		}
		if x < low || (!lowInclusive && x == low) {
			return false
		}
		if x > high || (!highInclusive && x == high) {
			return false
		}
		return true
	}, nil
}

func compileEquals(literal, colType string) (cellMatcher, error) {
	switch colType {
	case model.ColumnTypeNumber:
		n, err := parseNumber(literal)
		if err != nil {
			return nil, fmt.Errorf("literal %q is not a number: %w", literal, err)
		}
		return func(v any) bool {
			x, ok := toFloat(v)
			return ok && x == n
		}, nil

	case model.ColumnTypeBoolean:
		b, err := strconv.ParseBool(literal)
		if err != nil {
			return nil, fmt.Errorf("literal %q is not a boolean", literal)
		}
		return func(v any) bool {
			x, ok := toBool(v)
			return ok && x == b
		}, nil

	case model.ColumnTypeString:
		s := unquote(literal)
		return func(v any) bool {
			x, ok := toString(v)
			return ok && x == s
		}, nil

	case "":
		// Untyped column: numeric literals compare numerically, anything
		// else compares as text.
		if !isQuoted(literal) {
			if n, err := parseNumber(literal); err == nil {
				return func(v any) bool {
					x, ok := toFloat(v)
					return ok && x == n
				}, nil
			}
		}
		s := unquote(literal)
		return func(v any) bool {
			x, ok := toString(v)
			return ok && x == s
		}, nil
	}
	return nil, fmt.Errorf("unsupported column type %q", colType)
}

// splitList splits a comma-separated cell, ignoring commas inside double
// quotes.
func splitList(expr string) []string {
	var parts []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range expr {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case r == ',' && !inQuotes:
			parts = append(parts, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	parts = append(parts, strings.TrimSpace(cur.String()))
	return parts
}

func isQuoted(s string) bool {
	return len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"'
}

func unquote(s string) string {
	if isQuoted(s) {
		return s[1 : len(s)-1]
	}
	return s
}

func parseNumber(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return f, nil
}

// toFloat converts an input value to float64. Numeric strings are accepted
// since rows often arrive from form data.
func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := parseNumber(strings.TrimSpace(x))
		return f, err == nil
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		return b, err == nil
	}
	return false, false
}

func toString(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case fmt.Stringer:
		return x.String(), true
	}
	return fmt.Sprint(v), true
}

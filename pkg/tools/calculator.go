package tools

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// calcPattern matches simple two-operand arithmetic phrased in words or
// symbols, e.g. "what is 12 plus 5" or "3.5 * 2".
var calcPattern = regexp.MustCompile(`(?i)(-?\d+(?:\.\d+)?)\s*(plus|minus|times|divided\s+by|divided|\+|\-|\*|x|/)\s*(-?\d+(?:\.\d+)?)`)

var calcOps = map[string]string{
	"plus":       "add",
	"+":          "add",
	"minus":      "subtract",
	"-":          "subtract",
	"times":      "multiply",
	"*":          "multiply",
	"x":          "multiply",
	"divided":    "divide",
	"divided by": "divide",
	"/":          "divide",
}

var opSymbols = map[string]string{
	"add":      "+",
	"subtract": "-",
	"multiply": "*",
	"divide":   "/",
}

// parseCalculation extracts a two-operand arithmetic expression from the
// query. Used as a fast path so trivial math never waits on an argument
// generation model.
func parseCalculation(query string) (a, b float64, op string, ok bool) {
	m := calcPattern.FindStringSubmatch(query)
	if m == nil {
		return 0, 0, "", false
	}
	a, errA := strconv.ParseFloat(m[1], 64)
	b, errB := strconv.ParseFloat(m[3], 64)
	if errA != nil || errB != nil {
		return 0, 0, "", false
	}
	op, known := calcOps[strings.ToLower(normalizeSpace(m[2]))]
	if !known {
		return 0, 0, "", false
	}
	return a, b, op, true
}

// calculatorArgs shapes the parsed expression to the target tool's schema:
// an "expression" string when the schema asks for one, discrete operands
// otherwise.
func calculatorArgs(schema map[string]interface{}, a, b float64, op string) map[string]interface{} {
	if schema != nil {
		if props, ok := schema["properties"].(map[string]interface{}); ok {
			if _, hasExpr := props["expression"]; hasExpr {
				return map[string]interface{}{
					"expression": fmt.Sprintf("%v %s %v", trimFloat(a), opSymbols[op], trimFloat(b)),
				}
			}
		}
	}
	return map[string]interface{}{"a": a, "b": b, "operation": op}
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

var spacePattern = regexp.MustCompile(`\s+`)

func normalizeSpace(s string) string {
	return spacePattern.ReplaceAllString(s, " ")
}

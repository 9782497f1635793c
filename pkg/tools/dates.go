package tools

import (
	"strings"
	"time"
)

var weekdayIndex = map[string]int{
	"MONDAY":    0,
	"TUESDAY":   1,
	"WEDNESDAY": 2,
	"THURSDAY":  3,
	"FRIDAY":    4,
	"SATURDAY":  5,
	"SUNDAY":    6,
}

// mondayBased converts Go's Sunday-based weekday to a Monday-based index.
func mondayBased(d time.Weekday) int {
	return (int(d) + 6) % 7
}

// ResolveDateToken resolves a symbolic date token against the reference date
// and returns it formatted as YYYY-MM-DD. Tokens may use spaces or
// underscores and any case. Returns false for non-tokens.
func ResolveDateToken(token string, now time.Time) (string, bool) {
	normalized := strings.ToUpper(strings.TrimSpace(token))
	normalized = strings.ReplaceAll(normalized, "_", " ")

	day := func(offset int) (string, bool) {
		return now.AddDate(0, 0, offset).Format("2006-01-02"), true
	}

	switch normalized {
	case "TODAY":
		return day(0)
	case "YESTERDAY":
		return day(-1)
	case "TOMORROW":
		return day(1)
	case "LAST WEEK":
		return day(-7)
	case "NEXT WEEK":
		return day(7)
	case "LAST MONTH":
		return day(-30)
	}

	parts := strings.Fields(normalized)
	if len(parts) != 2 {
		return "", false
	}
	target, ok := weekdayIndex[parts[1]]
	if !ok {
		return "", false
	}
	today := mondayBased(now.Weekday())

	switch parts[0] {
	case "LAST":
		// Most recent past occurrence; a full week back when today matches.
		back := (today - target + 7) % 7
		if back == 0 {
			back = 7
		}
		return day(-back)
	case "THIS":
		// This week's occurrence; today when it matches.
		fwd := (target - today + 7) % 7
		return day(fwd)
	case "NEXT":
		// Next week's occurrence; a full week ahead when today matches.
		fwd := (target - today + 7) % 7
		if fwd == 0 {
			fwd = 7
		} else {
			fwd += 7
		}
		return day(fwd)
	}
	return "", false
}

// resolveDateParams replaces symbolic date tokens in string parameter values.
func resolveDateParams(params map[string]interface{}, now time.Time) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		if s, ok := v.(string); ok {
			if resolved, isToken := ResolveDateToken(s, now); isToken {
				out[k] = resolved
				continue
			}
		}
		out[k] = v
	}
	return out
}

// dateContextBlock renders the concrete date context given to argument
// generation prompts so models ground relative dates correctly.
func dateContextBlock(now time.Time) string {
	weekStart := now.AddDate(0, 0, -mondayBased(now.Weekday()))
	weekEnd := weekStart.AddDate(0, 0, 6)

	var b strings.Builder
	b.WriteString("Current date context:\n")
	b.WriteString("- Today is " + now.Format("Monday, January 2, 2006") + " (" + now.Format("2006-01-02") + ")\n")
	b.WriteString("- This week runs " + weekStart.Format("2006-01-02") + " through " + weekEnd.Format("2006-01-02") + "\n")
	b.WriteString("- Current month: " + now.Format("January 2006") + "\n")
	return b.String()
}

package tools

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var stepRefPattern = regexp.MustCompile(`\$step_(\d+)(?:\.(\w+))?`)

// resolveStepRefs substitutes $step_N and $step_N.field references in
// parameter values with outputs recorded from earlier steps. A value that is
// exactly one reference keeps the referenced value's type; embedded
// references are stringified in place.
func resolveStepRefs(params map[string]interface{}, results map[int]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}

		if m := stepRefPattern.FindStringSubmatch(s); m != nil && m[0] == strings.TrimSpace(s) {
			resolved, err := lookupRef(m, results)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
			continue
		}

		var refErr error
		replaced := stepRefPattern.ReplaceAllStringFunc(s, func(match string) string {
			m := stepRefPattern.FindStringSubmatch(match)
			resolved, err := lookupRef(m, results)
			if err != nil {
				refErr = err
				return match
			}
			return fmt.Sprintf("%v", resolved)
		})
		if refErr != nil {
			return nil, refErr
		}
		out[k] = replaced
	}
	return out, nil
}

func lookupRef(m []string, results map[int]interface{}) (interface{}, error) {
	stepNum, _ := strconv.Atoi(m[1])
	result, ok := results[stepNum]
	if !ok {
		return nil, fmt.Errorf("reference to step %d before it produced output", stepNum)
	}
	if m[2] == "" {
		return result, nil
	}
	obj, ok := result.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("step %d output has no field %q", stepNum, m[2])
	}
	value, ok := obj[m[2]]
	if !ok {
		return nil, fmt.Errorf("step %d output has no field %q", stepNum, m[2])
	}
	return value, nil
}

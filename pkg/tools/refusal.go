package tools

import "strings"

// refusalPhrases are markers of a model declining to use supplied data and
// falling back to disclaimers about its training cutoff.
var refusalPhrases = []string{
	"cannot access real-time",
	"can't access real-time",
	"cannot access the internet",
	"can't access the internet",
	"don't have access to real-time",
	"do not have access to real-time",
	"don't have real-time access",
	"my training data ends",
	"my knowledge cutoff",
	"my training cutoff",
	"as an ai language model, i cannot",
	"i don't have the ability to browse",
	"unable to browse the internet",
	"i cannot browse",
}

// IsRefusal reports whether a response is a capability refusal rather than
// an answer. Matching is case-insensitive.
func IsRefusal(response string) bool {
	lower := strings.ToLower(response)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

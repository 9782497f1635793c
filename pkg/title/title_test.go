package title

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsGeneric(t *testing.T) {
	tests := []struct {
		title string
		want  bool
	}{
		{"", true},
		{"   ", true},
		{"New Conversation", true},
		{"untitled", true},
		{"Chat", true},
		{"No Title", true},
		{"Conversation ab12cd34", true},
		{"Conversation AB12CD34", true},
		{"Conversation about Go", false},
		{"Weather in Berlin", false},
		{"Conversation abc", false},       // too short to be an id stub
		{"Conversation ab12cd34x", false}, // trailing character breaks the id shape
	}

	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			assert.Equal(t, tt.want, IsGeneric(tt.title))
		})
	}
}

func TestClean(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"already clean", "Weather in Berlin", "Weather in Berlin"},
		{"title prefix", "Title: Weather in Berlin", "Weather in Berlin"},
		{"stacked decorations", `Title: "Weather in Berlin"`, "Weather in Berlin"},
		{"trailing punctuation", "Weather in Berlin.;", "Weather in Berlin"},
		{"capitalizes first letter", "weather in berlin", "Weather in berlin"},
		{"keeps last line of thinking output", "Let me think about this.\n\nWeather in Berlin", "Weather in Berlin"},
		{"topic prefix case-insensitive", "TOPIC: go generics", "Go generics"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Clean(tt.in))
		})
	}
}

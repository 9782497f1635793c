package council

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripFakeImages(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "placeholder service removed",
			in:   "Intro\n\n![chart](https://via.placeholder.com/600x400)\n\nOutro",
			want: "Intro\n\nOutro",
		},
		{
			name: "example domain removed",
			in:   "![diagram](http://example.com/img.png) rest",
			want: " rest",
		},
		{
			name: "text query parameter removed",
			in:   "![x](https://cdn.io/gen?text=fake+chart)",
			want: "",
		},
		{
			name: "placeholder path removed",
			in:   "![y](https://cdn.io/placeholder/400)",
			want: "",
		},
		{
			name: "real image untouched",
			in:   "![logo](https://upload.wikimedia.org/logo.png)",
			want: "![logo](https://upload.wikimedia.org/logo.png)",
		},
		{
			name: "no images untouched",
			in:   "## Heading\n\nplain markdown text",
			want: "## Heading\n\nplain markdown text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripFakeImages(tt.in))
		})
	}
}

func TestStripFakeImagesCollapsesBlankRuns(t *testing.T) {
	in := "a\n\n\n\n\nb"
	assert.Equal(t, "a\n\nb", StripFakeImages(in))
}

func TestStripFakeImagesIdempotent(t *testing.T) {
	in := "Intro\n\n![chart](https://via.placeholder.com/600)\n\n\n\nOutro ![ok](https://site.io/real.png)"
	once := StripFakeImages(in)
	assert.Equal(t, once, StripFakeImages(once))
}

package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(t.TempDir(), nil)
	s.now = func() time.Time { return time.Date(2025, 6, 18, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestCreateAssignsPlaceholderTitle(t *testing.T) {
	s := newTestStore(t)

	conv, err := s.Create()
	require.NoError(t, err)
	assert.Len(t, conv.ID, 36)
	assert.Equal(t, "Conversation "+conv.ID[:8], conv.Title)
	assert.Empty(t, conv.Messages)

	// The document round-trips through disk.
	loaded, err := s.Get(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, loaded.ID)
	assert.Equal(t, conv.Title, loaded.Title)
}

func TestGetMissingConversation(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddMessages(t *testing.T) {
	s := newTestStore(t)
	conv, err := s.Create()
	require.NoError(t, err)

	require.NoError(t, s.AddUserMessage(conv.ID, "hello council"))
	require.NoError(t, s.AddAssistantMessage(conv.ID, Message{
		Type:     "direct",
		Response: map[string]interface{}{"model": "m", "response": "hi"},
	}))

	loaded, err := s.Get(conv.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 2)
	assert.Equal(t, "user", loaded.Messages[0].Role)
	assert.Equal(t, "hello council", loaded.Messages[0].Content)
	// Role is forced on assistant turns regardless of what the caller set.
	assert.Equal(t, "assistant", loaded.Messages[1].Role)
	assert.Equal(t, "direct", loaded.Messages[1].Type)
}

func TestTruncate(t *testing.T) {
	s := newTestStore(t)
	conv, err := s.Create()
	require.NoError(t, err)

	for _, content := range []string{"one", "two", "three"} {
		require.NoError(t, s.AddUserMessage(conv.ID, content))
	}

	require.NoError(t, s.Truncate(conv.ID, 1))
	loaded, _ := s.Get(conv.ID)
	require.Len(t, loaded.Messages, 1)
	assert.Equal(t, "one", loaded.Messages[0].Content)

	assert.Error(t, s.Truncate(conv.ID, 5))
	assert.Error(t, s.Truncate(conv.ID, -1))
}

func TestSoftDeleteAndRestore(t *testing.T) {
	s := newTestStore(t)
	conv, err := s.Create()
	require.NoError(t, err)

	require.NoError(t, s.SoftDelete(conv.ID))
	loaded, _ := s.Get(conv.ID)
	assert.True(t, loaded.Deleted)
	assert.NotEmpty(t, loaded.DeletedAt)

	require.NoError(t, s.Restore(conv.ID))
	loaded, _ = s.Get(conv.ID)
	assert.False(t, loaded.Deleted)
	assert.Empty(t, loaded.DeletedAt)
}

func TestPermanentDelete(t *testing.T) {
	s := newTestStore(t)
	conv, err := s.Create()
	require.NoError(t, err)

	require.NoError(t, s.PermanentDelete(conv.ID))
	_, err = s.Get(conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.PermanentDelete(conv.ID), ErrNotFound)
}

func TestListNewestFirstWithTags(t *testing.T) {
	s := newTestStore(t)

	times := []time.Time{
		time.Date(2025, 6, 18, 10, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 18, 11, 0, 0, 0, time.UTC),
	}
	s.now = func() time.Time { return times[0] }
	older, err := s.Create()
	require.NoError(t, err)
	s.now = func() time.Time { return times[1] }
	newer, err := s.Create()
	require.NoError(t, err)

	require.NoError(t, s.AddUserMessage(older.ID, "question <!-- tags: #Weather #Berlin-Trip | system:ignore -->"))

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)
	assert.Equal(t, older.ID, list[1].ID)
	assert.Equal(t, []string{"#weather", "#berlin-trip"}, list[1].Tags)
	assert.Equal(t, 1, list[1].MessageCount)
}

func TestListEmptyDir(t *testing.T) {
	s := newTestStore(t)
	list, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestExtractTags(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{"no comment", "plain question", nil},
		{"single tag", "q <!-- tags: #golang -->", []string{"#golang"}},
		{"hyphenated and lowered", "q <!-- tags: #Multi-Word-Tag #Other | note -->", []string{"#multi-word-tag", "#other"}},
		{"comment without tags", "q <!-- tags: none here -->", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractTags(tt.content))
		})
	}
}

func TestUpdateTitle(t *testing.T) {
	s := newTestStore(t)
	conv, err := s.Create()
	require.NoError(t, err)

	require.NoError(t, s.UpdateTitle(conv.ID, "Weather In Berlin"))
	loaded, _ := s.Get(conv.ID)
	assert.Equal(t, "Weather In Berlin", loaded.Title)
}

func TestSaveFinalAnswerMarkdown(t *testing.T) {
	s := newTestStore(t)
	conv, err := s.Create()
	require.NoError(t, err)
	require.NoError(t, s.UpdateTitle(conv.ID, `What/Is: "Go"?`))
	require.NoError(t, s.AddUserMessage(conv.ID, "what is Go?"))

	path, err := s.SaveFinalAnswerMarkdown(conv.ID, "Go is a programming language.")
	require.NoError(t, err)

	// Unsafe filename characters are replaced and the export lands next to
	// the conversations directory.
	base := filepath.Base(path)
	assert.Equal(t, "What_Is_ _Go__", strings.SplitN(base, "__2025", 2)[0])
	assert.True(t, strings.HasSuffix(base, ".md"))
	assert.Equal(t, filepath.Dir(s.dir), filepath.Dir(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(raw)
	assert.Contains(t, content, `# What/Is: "Go"?`)
	assert.Contains(t, content, "## User Query")
	assert.Contains(t, content, "what is Go?")
	assert.Contains(t, content, "## Final Council Answer")
	assert.Contains(t, content, "Go is a programming language.")
}

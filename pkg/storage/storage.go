// Package storage persists conversations as one JSON document each, with
// soft delete and a markdown export of final answers.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conclave-ai/conclave/pkg/logging"
)

// Message is one conversation turn. User turns carry Content; assistant
// turns carry either the direct-response form or the full deliberation
// form.
type Message struct {
	Role           string                 `json:"role"`
	Content        string                 `json:"content,omitempty"`
	Type           string                 `json:"type,omitempty"`
	Stage1         interface{}            `json:"stage1,omitempty"`
	Stage2         interface{}            `json:"stage2,omitempty"`
	Stage3         interface{}            `json:"stage3,omitempty"`
	Response       interface{}            `json:"response,omitempty"`
	ToolResult     interface{}            `json:"tool_result,omitempty"`
	Classification interface{}            `json:"classification,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Conversation is the persisted document.
type Conversation struct {
	ID        string    `json:"id"`
	CreatedAt string    `json:"created_at"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	Deleted   bool      `json:"deleted,omitempty"`
	DeletedAt string    `json:"deleted_at,omitempty"`
}

// Metadata is the listing view of a conversation.
type Metadata struct {
	ID           string   `json:"id"`
	CreatedAt    string   `json:"created_at"`
	Title        string   `json:"title"`
	MessageCount int      `json:"message_count"`
	Deleted      bool     `json:"deleted"`
	DeletedAt    string   `json:"deleted_at,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// ErrNotFound is returned when a conversation id has no document.
var ErrNotFound = fmt.Errorf("conversation not found")

// tagCommentPattern matches the optional tag comment in a user message:
// <!-- tags: #a #b | system:ignore -->
var (
	tagCommentPattern = regexp.MustCompile(`(?i)<!--\s*tags:\s*([^|]+)`)
	tagPattern        = regexp.MustCompile(`#\w+(?:-\w+)*`)
	unsafeFilename    = regexp.MustCompile(`[<>:"/\\|?*]`)
)

// Store reads and writes conversation documents under a data directory.
type Store struct {
	mu     sync.Mutex
	dir    string
	logger logging.Logger
	now    func() time.Time
}

// New creates a store rooted at dataDir/conversations.
func New(dataDir string, logger logging.Logger) *Store {
	if logger == nil {
		logger = logging.New()
	}
	return &Store{
		dir:    filepath.Join(dataDir, "conversations"),
		logger: logger,
		now:    time.Now,
	}
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// Create starts a new conversation titled after the first 8 characters of
// its id.
func (s *Store) Create() (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	conv := &Conversation{
		ID:        id,
		CreatedAt: s.timestamp(),
		Title:     "Conversation " + id[:8],
		Messages:  []Message{},
	}
	if err := s.write(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Get loads one conversation.
func (s *Store) Get(id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

func (s *Store) read(id string) (*Conversation, error) {
	raw, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation: %w", err)
	}
	var conv Conversation
	if err := json.Unmarshal(raw, &conv); err != nil {
		return nil, fmt.Errorf("failed to decode conversation %s: %w", id, err)
	}
	return &conv, nil
}

func (s *Store) write(conv *Conversation) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create conversations dir: %w", err)
	}
	raw, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode conversation: %w", err)
	}
	if err := os.WriteFile(s.path(conv.ID), raw, 0o644); err != nil {
		return fmt.Errorf("failed to write conversation: %w", err)
	}
	return nil
}

// List returns metadata for every stored conversation, newest first. Tags
// are pulled from the first user message's tag comment.
func (s *Store) List() ([]Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return []Metadata{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	var out []Metadata
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		conv, err := s.read(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			s.logger.Warn(context.Background(), "Skipping unreadable conversation", map[string]interface{}{
				"file":  entry.Name(),
				"error": err.Error(),
			})
			continue
		}
		out = append(out, Metadata{
			ID:           conv.ID,
			CreatedAt:    conv.CreatedAt,
			Title:        conv.Title,
			MessageCount: len(conv.Messages),
			Deleted:      conv.Deleted,
			DeletedAt:    conv.DeletedAt,
			Tags:         firstUserTags(conv),
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

func firstUserTags(conv *Conversation) []string {
	for _, m := range conv.Messages {
		if m.Role == "user" {
			return ExtractTags(m.Content)
		}
	}
	return nil
}

// ExtractTags pulls #tags from a message's tag comment.
func ExtractTags(content string) []string {
	m := tagCommentPattern.FindStringSubmatch(content)
	if m == nil {
		return nil
	}
	tags := tagPattern.FindAllString(m[1], -1)
	for i, t := range tags {
		tags[i] = strings.ToLower(t)
	}
	return tags
}

// AddUserMessage appends a user turn.
func (s *Store) AddUserMessage(id, content string) error {
	return s.update(id, func(conv *Conversation) error {
		conv.Messages = append(conv.Messages, Message{Role: "user", Content: content})
		return nil
	})
}

// AddAssistantMessage appends a complete assistant turn.
func (s *Store) AddAssistantMessage(id string, msg Message) error {
	return s.update(id, func(conv *Conversation) error {
		msg.Role = "assistant"
		conv.Messages = append(conv.Messages, msg)
		return nil
	})
}

// Truncate cuts the message list to n entries. Used before re-running a
// turn from an earlier point in the conversation.
func (s *Store) Truncate(id string, n int) error {
	return s.update(id, func(conv *Conversation) error {
		if n < 0 || n > len(conv.Messages) {
			return fmt.Errorf("truncate index %d out of range", n)
		}
		conv.Messages = conv.Messages[:n]
		return nil
	})
}

// UpdateTitle sets a conversation's title.
func (s *Store) UpdateTitle(id, title string) error {
	return s.update(id, func(conv *Conversation) error {
		conv.Title = title
		return nil
	})
}

// SoftDelete marks a conversation deleted without removing its file.
func (s *Store) SoftDelete(id string) error {
	return s.update(id, func(conv *Conversation) error {
		conv.Deleted = true
		conv.DeletedAt = s.timestamp()
		return nil
	})
}

// Restore clears the deleted flag.
func (s *Store) Restore(id string) error {
	return s.update(id, func(conv *Conversation) error {
		conv.Deleted = false
		conv.DeletedAt = ""
		return nil
	})
}

// PermanentDelete removes the conversation file.
func (s *Store) PermanentDelete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(id))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}

func (s *Store) update(id string, fn func(*Conversation) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.read(id)
	if err != nil {
		return err
	}
	if err := fn(conv); err != nil {
		return err
	}
	return s.write(conv)
}

// SaveFinalAnswerMarkdown exports one final answer as a standalone
// markdown file next to the conversations directory, named
// <sanitized_title>__<UTC timestamp>.md.
func (s *Store) SaveFinalAnswerMarkdown(id, finalAnswer string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.read(id)
	if err != nil {
		return "", err
	}

	title := conv.Title
	if title == "" {
		title = conv.ID
	}
	safeTitle := unsafeFilename.ReplaceAllString(title, "_")
	if len(safeTitle) > 100 {
		safeTitle = safeTitle[:100]
	}

	userQuery := ""
	for _, m := range conv.Messages {
		if m.Role == "user" {
			userQuery = m.Content
			break
		}
	}

	now := s.now().UTC()
	filename := fmt.Sprintf("%s__%s.md", safeTitle, now.Format("2006-01-02_15-04-05"))
	path := filepath.Join(filepath.Dir(s.dir), filename)

	content := fmt.Sprintf(`# %s

**Generated:** %s

## User Query

%s

## Final Council Answer

%s
`, title, now.Format("2006-01-02 15:04:05 UTC"), userQuery, finalAnswer)

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write final answer markdown: %w", err)
	}
	return path, nil
}

package brok

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/sashabaranov/go-openai"
)

// testConfig returns a config with defaults and a temporary SQLite file.
func testConfig(t testing.TB) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Database = filepath.Join(
		t.TempDir(), fmt.Sprintf("%s.sqlite3", t.Name()),
	)
	cfg.DatabaseType = dbTypeSQLite
	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = "test-app"
	cfg.Model.Token = "test-model-token"
	return cfg
}

// testDB creates a migrated temporary database.
func testDB(t testing.TB) DBI {
	t.Helper()
	db, err := NewDatabase(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("error creating db: %v", err)
	}
	return db
}

// stubSender records outgoing Discord traffic instead of sending it.
type stubSender struct {
	mu        sync.Mutex
	sent      []*discordgo.MessageSend
	deleted   []string
	typing    int
	sendErr   error
	deleteErr error
}

func (s *stubSender) ChannelMessageSendComplex(
	_ string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	s.sent = append(s.sent, data)
	return &discordgo.Message{ID: fmt.Sprintf("msg-%d", len(s.sent))}, nil
}

func (s *stubSender) ChannelMessageDelete(
	_ string,
	messageID string,
	_ ...discordgo.RequestOption,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.deleted = append(s.deleted, messageID)
	return nil
}

func (s *stubSender) ChannelTyping(
	_ string,
	_ ...discordgo.RequestOption,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing++
	return nil
}

func (s *stubSender) sentMessages() []*discordgo.MessageSend {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*discordgo.MessageSend, len(s.sent))
	copy(out, s.sent)
	return out
}

// stubCompletionClient returns scripted responses in order, cycling the
// last one when calls outnumber the script.
type stubCompletionClient struct {
	mu        sync.Mutex
	responses []openai.ChatCompletionResponse
	err       error
	calls     []openai.ChatCompletionRequest
}

func (s *stubCompletionClient) CreateChatCompletion(
	_ context.Context,
	request openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, request)
	if s.err != nil {
		return openai.ChatCompletionResponse{}, s.err
	}
	idx := len(s.calls) - 1
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	return s.responses[idx], nil
}

func (s *stubCompletionClient) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// textResponse builds a plain assistant reply.
func textResponse(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: content,
				},
				FinishReason: openai.FinishReasonStop,
			},
		},
	}
}

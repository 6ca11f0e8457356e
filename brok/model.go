package brok

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

var errEmptyCompletion = errors.New("model returned an empty completion")

// CompletionClient covers the slice of the OpenAI-compatible client the
// bot uses. Wrapping the concrete client behind this lets tests substitute
// scripted responses.
type CompletionClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}

// ModelReply is the outcome of one full generation: the assistant text and
// any snippet images rendered through tool calls along the way.
type ModelReply struct {
	Content string
	Images  []SnippetImage
}

// ChatModel drives completions against an OpenAI-compatible provider,
// resolving tool calls between rounds. One Generate call covers the entire
// conversation turn, tool rounds included.
type ChatModel struct {
	client        CompletionClient
	config        ModelConfig
	requestLimit  *rate.Limiter
	renderer      *SnippetRenderer
	docs          *DocsClient
	search        *WebSearchClient
	logger        *slog.Logger
	maxToolRounds int
}

// NewChatModel creates a ChatModel from config. When client is nil, a real
// go-openai client is constructed against the configured base URL.
func NewChatModel(
	config ModelConfig,
	client CompletionClient,
	renderer *SnippetRenderer,
	docs *DocsClient,
	search *WebSearchClient,
	log *slog.Logger,
) *ChatModel {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		clientConfig := openai.DefaultConfig(config.Token)
		if config.BaseURL != "" {
			clientConfig.BaseURL = config.BaseURL
		}
		client = openai.NewClientWithConfig(clientConfig)
	}

	rps := config.MaxRequestsPerSecond
	if rps <= 0 {
		rps = DefaultModelMaxRPS
	}
	maxRounds := config.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxToolRounds
	}

	return &ChatModel{
		client:        client,
		config:        config,
		requestLimit:  rate.NewLimiter(rate.Limit(rps), rps),
		renderer:      renderer,
		docs:          docs,
		search:        search,
		logger:        log.With(loggerNameKey, "chat_model"),
		maxToolRounds: maxRounds,
	}
}

// Generate runs one conversation turn: system prompt plus the user payload,
// looping through tool calls until the model produces plain text or the
// round ceiling is hit. The configured timeout bounds the whole turn.
func (c *ChatModel) Generate(
	ctx context.Context,
	systemPrompt string,
	userPayload string,
) (*ModelReply, error) {
	timeout := c.config.Timeout
	if timeout <= 0 {
		timeout = DefaultModelTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	toolbox := NewToolbox(c.renderer, c.docs, c.search, c.logger)
	tools := toolbox.Definitions()

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: userPayload},
	}

	for round := 0; ; round++ {
		if err := c.requestLimit.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for request slot: %w", err)
		}

		started := time.Now()
		resp, err := c.client.CreateChatCompletion(
			ctx, openai.ChatCompletionRequest{
				Model:    c.config.Name,
				Messages: messages,
				Tools:    tools,
			},
		)
		if err != nil {
			return nil, fmt.Errorf("chat completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return nil, errEmptyCompletion
		}

		choice := resp.Choices[0]
		c.logger.DebugContext(
			ctx,
			"completion round finished",
			"round", round,
			"duration", time.Since(started),
			"finish_reason", choice.FinishReason,
			"tool_calls", len(choice.Message.ToolCalls),
		)

		if len(choice.Message.ToolCalls) == 0 {
			content := strings.TrimSpace(choice.Message.Content)
			if content == "" && len(toolbox.Images()) == 0 {
				return nil, errEmptyCompletion
			}
			reply := &ModelReply{
				Content: content,
				Images:  toolbox.Images(),
			}
			c.renderCodeBlocks(ctx, reply)
			return reply, nil
		}

		if round >= c.maxToolRounds {
			c.logger.WarnContext(
				ctx,
				"tool round ceiling reached, cutting off tool loop",
				"rounds", round,
			)
			reply := &ModelReply{
				Content: strings.TrimSpace(choice.Message.Content),
				Images:  toolbox.Images(),
			}
			c.renderCodeBlocks(ctx, reply)
			return reply, nil
		}

		messages = append(messages, choice.Message)
		for _, call := range choice.Message.ToolCalls {
			result := toolbox.Dispatch(ctx, call)
			messages = append(
				messages, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					ToolCallID: call.ID,
					Content:    result,
				},
			)
		}
	}
}

// renderCodeBlocks renders fenced code blocks the model wrote directly into
// the reply text instead of calling the snippet tool. Rendered blocks are
// swapped for a pointer to the attached image; blocks that fail to render
// stay in the text as-is.
func (c *ChatModel) renderCodeBlocks(ctx context.Context, reply *ModelReply) {
	if c.renderer == nil {
		return
	}
	for _, block := range ExtractCodeBlocks(reply.Content) {
		data, err := c.renderer.Render(ctx, block.Code, block.Language)
		if err != nil {
			c.logger.WarnContext(
				ctx,
				"leaving unrendered code block in reply",
				tint.Err(err),
				"language", block.Language,
			)
			continue
		}
		reply.Images = append(
			reply.Images, SnippetImage{
				Filename: fmt.Sprintf("snippet-%d.png", len(reply.Images)+1),
				Data:     data,
				Language: block.Language,
			},
		)
		reply.Content = strings.Replace(
			reply.Content,
			block.FullMatch,
			fmt.Sprintf("[Código %s - ver imagem anexada]", block.Language),
			1,
		)
	}
	reply.Content = strings.TrimSpace(reply.Content)
}

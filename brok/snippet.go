package brok

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
)

// SnippetImage is one rendered code image, carried out-of-band alongside
// the generated text until the reply payload is assembled.
type SnippetImage struct {
	Filename string
	Data     []byte
	Language string
}

// CodeBlock is one fenced code block extracted from generated text.
type CodeBlock struct {
	Language  string
	Code      string
	FullMatch string
}

var codeBlockRe = regexp.MustCompile("```(\\w+)?\\n([\\s\\S]*?)```")

// ExtractCodeBlocks returns all fenced code blocks in the text, in order.
// A fence with no language tag is treated as plain text.
func ExtractCodeBlocks(text string) []CodeBlock {
	matches := codeBlockRe.FindAllStringSubmatch(text, -1)
	blocks := make([]CodeBlock, 0, len(matches))
	for _, m := range matches {
		lang := m[1]
		if lang == "" {
			lang = "text"
		}
		blocks = append(
			blocks, CodeBlock{
				Language:  lang,
				Code:      strings.TrimSpace(m[2]),
				FullMatch: m[0],
			},
		)
	}
	return blocks
}

// snippetRequest is the renderer's request payload. Styling is fixed;
// only code and language vary per call.
type snippetRequest struct {
	Code              string `json:"code"`
	Language          string `json:"language"`
	Theme             string `json:"theme"`
	BackgroundColor   string `json:"backgroundColor"`
	PaddingVertical   string `json:"paddingVertical"`
	PaddingHorizontal string `json:"paddingHorizontal"`
	DropShadow        bool   `json:"dropShadow"`
	WindowControls    bool   `json:"windowControls"`
	ExportSize        string `json:"exportSize"`
	FontFamily        string `json:"fontFamily"`
	FontSize          string `json:"fontSize"`
}

// SnippetRenderer turns code into a syntax-highlighted PNG via an external
// rendering service. The service is a black box: code and language in,
// image bytes out.
type SnippetRenderer struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSnippetRenderer creates a renderer client for the given endpoint.
func NewSnippetRenderer(
	config SnippetConfig,
	httpClient *http.Client,
	log *slog.Logger,
) *SnippetRenderer {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	return &SnippetRenderer{
		url:        config.URL,
		httpClient: httpClient,
		logger:     log.With(loggerNameKey, "snippet_renderer"),
	}
}

// Render generates a PNG for the given code and language.
func (s *SnippetRenderer) Render(
	ctx context.Context,
	code string,
	language string,
) ([]byte, error) {
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("empty code for snippet render")
	}

	payload, err := json.Marshal(
		snippetRequest{
			Code:              code,
			Language:          language,
			Theme:             "dracula",
			BackgroundColor:   "#282a36",
			PaddingVertical:   "56px",
			PaddingHorizontal: "56px",
			DropShadow:        true,
			WindowControls:    true,
			ExportSize:        "2x",
			FontFamily:        "Fira Code",
			FontSize:          "14px",
		},
	)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		s.url,
		bytes.NewReader(payload),
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snippet renderer request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf(
			"snippet renderer returned %d: %s",
			resp.StatusCode,
			strings.TrimSpace(string(body)),
		)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("snippet renderer response: %w", err)
	}
	s.logger.DebugContext(
		ctx,
		"rendered snippet",
		"language", language,
		"bytes", len(data),
	)
	return data, nil
}

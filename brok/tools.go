package brok

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
)

const (
	toolGenerateCodeSnippet = "generate_code_snippet"
	toolSearchLibraryDocs   = "search_library_docs"
	toolWebSearch           = "web_search"
)

type codeSnippetArgs struct {
	Code        string `json:"code"`
	Language    string `json:"language"`
	Description string `json:"description,omitempty"`
}

type libraryDocsArgs struct {
	Library string `json:"library"`
	Topic   string `json:"topic,omitempty"`
}

type webSearchArgs struct {
	Query string `json:"query"`
}

// Toolbox is the closed set of auxiliary tools offered to the model for
// one generation. Rendered snippet images are retained out-of-band and
// attached to the reply by the worker; the tool result the model sees is
// only a status string.
//
// A fresh Toolbox is built per job, so collected images never leak across
// requests.
type Toolbox struct {
	renderer *SnippetRenderer
	docs     *DocsClient
	search   *WebSearchClient
	logger   *slog.Logger

	images []SnippetImage
}

// NewToolbox assembles the tool set. docs and search may be nil when
// unconfigured; the corresponding tools are simply not offered.
func NewToolbox(
	renderer *SnippetRenderer,
	docs *DocsClient,
	search *WebSearchClient,
	log *slog.Logger,
) *Toolbox {
	if log == nil {
		log = slog.Default()
	}
	return &Toolbox{
		renderer: renderer,
		docs:     docs,
		search:   search,
		logger:   log.With(loggerNameKey, "toolbox"),
	}
}

// Images returns the snippet images rendered so far, in request order.
func (t *Toolbox) Images() []SnippetImage {
	return t.images
}

// Definitions returns the tool contract passed to the completion request.
func (t *Toolbox) Definitions() []openai.Tool {
	tools := []openai.Tool{
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name: toolGenerateCodeSnippet,
				Description: "Generate a beautiful code snippet image. " +
					"Use this when the user asks to see code examples. " +
					"DO NOT write code as text - ALWAYS use this tool instead.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"code": map[string]any{
							"type":        "string",
							"description": "The complete, functional code to display",
						},
						"language": map[string]any{
							"type":        "string",
							"description": "Programming language (e.g., javascript, typescript, python, go, rust)",
						},
						"description": map[string]any{
							"type":        "string",
							"description": "Brief description of what the code does",
						},
					},
					"required": []string{"code", "language"},
				},
			},
		},
	}

	if t.docs != nil {
		tools = append(
			tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name: toolSearchLibraryDocs,
					Description: "Look up up-to-date documentation for a " +
						"programming library or framework.",
					Parameters: map[string]any{
						"type": "object",
						"properties": map[string]any{
							"library": map[string]any{
								"type":        "string",
								"description": "Library or framework name (e.g., next.js, gorm)",
							},
							"topic": map[string]any{
								"type":        "string",
								"description": "Optional topic to focus the docs on",
							},
						},
						"required": []string{"library"},
					},
				},
			},
		)
	}

	if t.search != nil {
		tools = append(
			tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name: toolWebSearch,
					Description: "Search the web for recent programming and " +
						"tech news. Only for questions about current events.",
					Parameters: map[string]any{
						"type": "object",
						"properties": map[string]any{
							"query": map[string]any{
								"type":        "string",
								"description": "The search query",
							},
						},
						"required": []string{"query"},
					},
				},
			},
		)
	}

	return tools
}

// Dispatch executes one tool call and returns the result string fed back
// to the model. Tool failures are reported to the model as text, not
// raised: a broken renderer shouldn't fail the whole generation.
func (t *Toolbox) Dispatch(ctx context.Context, call openai.ToolCall) string {
	switch call.Function.Name {
	case toolGenerateCodeSnippet:
		var args codeSnippetArgs
		if err := json.Unmarshal(
			[]byte(call.Function.Arguments), &args,
		); err != nil {
			return "Invalid arguments for code snippet generation"
		}
		return t.generateSnippet(ctx, args)
	case toolSearchLibraryDocs:
		var args libraryDocsArgs
		if err := json.Unmarshal(
			[]byte(call.Function.Arguments), &args,
		); err != nil {
			return "Invalid arguments for documentation lookup"
		}
		return t.searchDocs(ctx, args)
	case toolWebSearch:
		var args webSearchArgs
		if err := json.Unmarshal(
			[]byte(call.Function.Arguments), &args,
		); err != nil {
			return "Invalid arguments for web search"
		}
		return t.webSearch(ctx, args)
	default:
		t.logger.WarnContext(
			ctx,
			"model requested unknown tool",
			"tool", call.Function.Name,
		)
		return fmt.Sprintf("Unknown tool: %s", call.Function.Name)
	}
}

func (t *Toolbox) generateSnippet(
	ctx context.Context,
	args codeSnippetArgs,
) string {
	data, err := t.renderer.Render(ctx, args.Code, args.Language)
	if err != nil {
		t.logger.ErrorContext(
			ctx,
			"failed to render code snippet",
			tint.Err(err),
		)
		return "Failed to generate code snippet image"
	}
	t.images = append(
		t.images, SnippetImage{
			Filename: fmt.Sprintf("snippet-%d.png", len(t.images)+1),
			Data:     data,
			Language: args.Language,
		},
	)
	if args.Description != "" {
		return fmt.Sprintf(
			"Code snippet image generated successfully for: %s",
			args.Description,
		)
	}
	return "Code snippet image generated successfully"
}

func (t *Toolbox) searchDocs(ctx context.Context, args libraryDocsArgs) string {
	result, err := t.docs.Search(ctx, args.Library, args.Topic)
	if err != nil {
		t.logger.ErrorContext(ctx, "docs lookup failed", tint.Err(err))
		return fmt.Sprintf("Documentation lookup failed for %q", args.Library)
	}
	return result
}

func (t *Toolbox) webSearch(ctx context.Context, args webSearchArgs) string {
	if !isProgrammingQuery(args.Query) {
		return "This search query doesn't appear to be related to " +
			"programming or technology. Please ask about programming, " +
			"software development, or tech-related topics."
	}
	result, err := t.search.Search(ctx, args.Query)
	if err != nil {
		t.logger.ErrorContext(ctx, "web search failed", tint.Err(err))
		return "Web search failed"
	}
	return result
}

// programmingKeywords gates the web search tool. Queries matching none of
// these are refused without spending a search call.
var programmingKeywords = []string{
	"code", "coding", "programming", "developer", "software",
	"javascript", "typescript", "python", "java", "go", "rust", "php",
	"ruby", "c++", "c#",
	"react", "vue", "angular", "svelte", "next.js", "nextjs",
	"node.js", "nodejs", "deno", "bun",
	"api", "backend", "frontend", "fullstack",
	"database", "sql", "nosql", "mongodb", "postgresql", "mysql", "redis",
	"docker", "kubernetes", "git", "github", "gitlab",
	"deploy", "deployment", "ci/cd", "testing",
	"framework", "library", "package", "npm", "yarn", "pnpm",
	"webpack", "vite", "eslint", "prettier",
	"algorithm", "data structure",
	"web development", "mobile development", "app development",
	"saas", "mvp", "startup", "tech", "technology",
	"ai", "machine learning", "ml", "deep learning", "neural network",
	"llm", "chatbot", "bot", "automation", "scraping", "crawling",
}

func isProgrammingQuery(query string) bool {
	q := strings.ToLower(query)
	for _, keyword := range programmingKeywords {
		if strings.Contains(q, keyword) {
			return true
		}
	}
	return false
}

// DocsClient queries an external documentation index (Context7-style API):
// one call resolves the library name to an index ID, a second fetches the
// docs for it.
type DocsClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewDocsClient creates a docs client, or nil when no base URL is set.
func NewDocsClient(config DocsConfig, httpClient *http.Client) *DocsClient {
	if config.BaseURL == "" {
		return nil
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &DocsClient{
		baseURL:    config.BaseURL,
		apiKey:     config.APIKey,
		httpClient: httpClient,
	}
}

type docsResolveResponse struct {
	Libraries []struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
	} `json:"libraries"`
}

type docsFetchResponse struct {
	Documentation string `json:"documentation"`
	Snippets      []struct {
		Code        string `json:"code"`
		Language    string `json:"language"`
		Description string `json:"description"`
	} `json:"snippets"`
}

// Search resolves the library name and returns a compact docs digest.
func (d *DocsClient) Search(
	ctx context.Context,
	library string,
	topic string,
) (string, error) {
	var resolved docsResolveResponse
	resolveURL := fmt.Sprintf(
		"%s/resolve?name=%s", d.baseURL, url.QueryEscape(library),
	)
	if err := d.getJSON(ctx, resolveURL, &resolved); err != nil {
		return "", fmt.Errorf("resolve library %q: %w", library, err)
	}
	if len(resolved.Libraries) == 0 {
		return fmt.Sprintf("No documentation found for %q", library), nil
	}

	id := resolved.Libraries[0].ID
	docsURL := fmt.Sprintf("%s/docs?id=%s", d.baseURL, url.QueryEscape(id))
	if topic != "" {
		docsURL += "&topic=" + url.QueryEscape(topic)
	}
	var docs docsFetchResponse
	if err := d.getJSON(ctx, docsURL, &docs); err != nil {
		return "", fmt.Errorf("fetch docs for %q: %w", id, err)
	}

	var b strings.Builder
	b.WriteString(docs.Documentation)
	for _, s := range docs.Snippets {
		b.WriteString("\n\n")
		if s.Description != "" {
			b.WriteString(s.Description)
			b.WriteString(":\n")
		}
		b.WriteString("```")
		b.WriteString(s.Language)
		b.WriteString("\n")
		b.WriteString(s.Code)
		b.WriteString("\n```")
	}
	return b.String(), nil
}

func (d *DocsClient) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("docs API returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

const defaultWebSearchURL = "https://api.tavily.com/search"

// WebSearchClient queries an external web search API (Tavily-style).
type WebSearchClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewWebSearchClient creates a search client, or nil when no API key is set.
func NewWebSearchClient(
	config WebSearchConfig,
	httpClient *http.Client,
) *WebSearchClient {
	if config.APIKey == "" {
		return nil
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultWebSearchURL
	}
	return &WebSearchClient{
		baseURL:    baseURL,
		apiKey:     config.APIKey,
		httpClient: httpClient,
	}
}

type webSearchResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search returns a compact digest of the top results.
func (w *WebSearchClient) Search(
	ctx context.Context,
	query string,
) (string, error) {
	payload, err := json.Marshal(
		map[string]any{
			"api_key":        w.apiKey,
			"query":          query,
			"max_results":    5,
			"include_answer": true,
		},
	)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, w.baseURL, bytes.NewReader(payload),
	)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf(
			"search API returned %d: %s",
			resp.StatusCode,
			strings.TrimSpace(string(body)),
		)
	}

	var parsed webSearchResponse
	if err = json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}

	var b strings.Builder
	if parsed.Answer != "" {
		b.WriteString(parsed.Answer)
		b.WriteString("\n\n")
	}
	for _, r := range parsed.Results {
		fmt.Fprintf(&b, "- %s (%s): %s\n", r.Title, r.URL, r.Content)
	}
	if b.Len() == 0 {
		return "No results found", nil
	}
	return b.String(), nil
}

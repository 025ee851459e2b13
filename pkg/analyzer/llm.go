package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const systemPrompt = `You are a multilingual voice-of-customer analyst.
Goal: extract clear, actionable AXES (themes) from app store reviews, plus the top %[1]d NEGATIVE and top %[1]d POSITIVE axes.
Polarity: rating <= %[2]d is negative, rating >= %[3]d is positive; otherwise infer the tone from the text.
Labels: short and concrete (e.g. "Late display of transactions", "Login and authentication problems", "Intrusive notifications").
Strict disjunction: an axis must NEVER be both negative and positive.
Examples: at most 3 per axis, distinct and concise.
Answer STRICTLY with JSON matching the given schema.`

const schemaHint = `{
  "top_negative_axes": [{"axis_label": "string", "count": 0, "avg_rating": 0, "examples": [{"date": "YYYY-MM-DD", "rating": 1, "text": "..."}]}],
  "top_positive_axes": [{"axis_label": "string", "count": 0, "avg_rating": 0, "examples": [{"date": "YYYY-MM-DD", "rating": 5, "text": "..."}]}],
  "axes": [{"axis_label": "string", "total_reviews": 0,
            "positive": {"count": 0, "avg_rating": 0, "examples": []},
            "negative": {"count": 0, "avg_rating": 0, "examples": []}}]
}`

// Config selects and configures the LLM provider.
type Config struct {
	Provider string // "openai" or "anthropic"
	Model    string
	APIKey   string
	BaseURL  string
	Timeout  time.Duration
}

// LLM is an Analyzer backed by OpenAI chat completions or the Anthropic
// messages API.
type LLM struct {
	client    *http.Client
	anthropic anthropic.Client
	provider  string
	model     string
	apiKey    string
	baseURL   string
}

// NewLLM creates an LLM analyzer.
func NewLLM(cfg Config) *LLM {
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	if cfg.Model == "" {
		switch cfg.Provider {
		case "anthropic":
			cfg.Model = "claude-sonnet-4-20250514"
		default:
			cfg.Model = "gpt-4o-mini"
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	l := &LLM{
		client:   &http.Client{Timeout: cfg.Timeout},
		provider: cfg.Provider,
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		baseURL:  cfg.BaseURL,
	}
	if cfg.Provider == "anthropic" {
		opts := []option.RequestOption{
			option.WithAPIKey(cfg.APIKey),
			option.WithRequestTimeout(cfg.Timeout),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.BaseURL))
		}
		l.anthropic = anthropic.NewClient(opts...)
	}
	return l
}

// Analyze sends every review in a single request. An empty review list
// yields an empty result without calling the provider.
func (l *LLM) Analyze(ctx context.Context, req Request, reviews []Review) (*Result, error) {
	if len(reviews) == 0 {
		return Empty(), nil
	}
	if l.apiKey == "" {
		return nil, ErrNoAPIKey
	}
	req = req.withDefaults()
	system, user := buildPrompt(req, reviews)

	var raw string
	var err error
	switch l.provider {
	case "anthropic":
		raw, err = l.callAnthropic(ctx, system, user)
	default:
		raw, err = l.callOpenAI(ctx, system, user)
	}
	if err != nil {
		return nil, err
	}

	content, err := extractJSON(raw)
	if err != nil {
		return nil, err
	}
	res, err := parseResult(content)
	if err != nil {
		return nil, fmt.Errorf("parse llm response: %w\nraw: %s", err, truncate(content, 500))
	}
	return res, nil
}

func buildPrompt(req Request, reviews []Review) (string, string) {
	lines := make([]string, 0, len(reviews))
	for _, r := range reviews {
		date := r.Date
		if len(date) > 10 {
			date = date[:10]
		}
		rating := ""
		if r.Rating != nil {
			rating = fmt.Sprint(*r.Rating)
		}
		lines = append(lines, fmt.Sprintf("%s | %s★ | %s", date, rating, truncate(collapseSpaces(r.Text), 600)))
	}

	window := func(s string) string {
		if s == "" {
			return "?"
		}
		return s
	}
	apps := strings.Join(req.Members, ", ")
	if apps == "" {
		apps = "n/a"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Language: %s\n", req.Lang)
	fmt.Fprintf(&b, "Window: %s -> %s\n", window(req.From), window(req.To))
	fmt.Fprintf(&b, "Apps: %s\n\n", apps)
	b.WriteString("Reviews (one per line: date | rating★ | text):\n")
	b.WriteString(strings.Join(lines, "\n"))
	b.WriteString("\n\nExpected JSON:\n")
	b.WriteString(schemaHint)
	fmt.Fprintf(&b, "\n\nConstraints: top_negative_axes=%d, top_positive_axes=%d, axes=complete breakdown.\n", req.TopN, req.TopN)
	b.WriteString("Merge synonyms under ONE axis; no duplicate examples.")

	return fmt.Sprintf(systemPrompt, req.TopN, req.NegCutoff, req.PosCutoff), b.String()
}

func (l *LLM) callOpenAI(ctx context.Context, system, user string) (string, error) {
	baseURL := l.baseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}

	payload := map[string]any{
		"model": l.model,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
		"temperature":     0.2,
		"response_format": map[string]string{"type": "json_object"},
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create openai request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.apiKey)

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call openai: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp map[string]any
		json.NewDecoder(resp.Body).Decode(&errResp)
		return "", fmt.Errorf("openai status %d: %v", resp.StatusCode, errResp)
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode openai response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("openai: no choices returned")
	}
	return result.Choices[0].Message.Content, nil
}

func (l *LLM) callAnthropic(ctx context.Context, system, user string) (string, error) {
	msg, err := l.anthropic.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(l.model),
		MaxTokens: 8192,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("call anthropic: %w", err)
	}
	if len(msg.Content) == 0 {
		return "", fmt.Errorf("anthropic: no content returned")
	}
	return msg.Content[0].Text, nil
}

// extractJSON returns the outermost JSON object in s, which may be wrapped in
// prose or a markdown fence.
func extractJSON(s string) (string, error) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end <= start {
		return "", fmt.Errorf("no JSON object found in llm response")
	}
	return s[start : end+1], nil
}

package arbitration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultEndpoint points to a local OpenAI-compatible endpoint.
	DefaultEndpoint = "http://127.0.0.1:8845/v1"
	DefaultModel    = "gpt-4o-mini"

	maxPromptTextRunes = 6000
)

const systemPrompt = `You compare two cybersecurity articles and decide whether the NEW article reports a new incident (NEW), duplicates the ORIGINAL without new facts (SKIP), or adds new facts about the same incident (UPDATE).
Reply with a single JSON object and nothing else:
{"decision":"NEW|SKIP|UPDATE","reasoning":"...","update":{"summary":"50-150 chars","detail":"200-800 chars","sources":[{"url":"...","title":"..."}],"severity_change":"increased|decreased|unchanged"}}
Include "update" only when decision is UPDATE.`

// HTTPArbiter calls an OpenAI-compatible chat completions endpoint.
type HTTPArbiter struct {
	endpointURL string
	model       string
	apiKey      string
	client      *http.Client
}

// NewHTTPArbiter builds an arbiter for the given endpoint. Per-call deadlines come from ctx.
func NewHTTPArbiter(endpoint, model, apiKey string) *HTTPArbiter {
	trimmedModel := strings.TrimSpace(model)
	if trimmedModel == "" {
		trimmedModel = DefaultModel
	}
	return &HTTPArbiter{
		endpointURL: chatCompletionsURL(normalizeEndpoint(endpoint)),
		model:       trimmedModel,
		apiKey:      strings.TrimSpace(apiKey),
		client:      &http.Client{},
	}
}

func (a *HTTPArbiter) Name() string {
	return "http"
}

// ModelName returns the configured model identifier.
func (a *HTTPArbiter) ModelName() string {
	if a == nil {
		return ""
	}
	return a.model
}

func (a *HTTPArbiter) Arbitrate(ctx context.Context, req Request) (Result, error) {
	if a == nil {
		return Result{}, fmt.Errorf("http arbiter is nil")
	}

	body, err := json.Marshal(chatRequest{
		Model: a.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(req)},
		},
		Temperature:    0,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal arbitration request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpointURL, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build arbitration request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("send arbitration request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read arbitration response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errPayload chatErrorResponse
		if unmarshalErr := json.Unmarshal(respBody, &errPayload); unmarshalErr == nil {
			if msg := strings.TrimSpace(errPayload.Error.Message); msg != "" {
				return Result{}, fmt.Errorf("arbitration endpoint status %d: %s", resp.StatusCode, msg)
			}
		}
		return Result{}, fmt.Errorf("arbitration endpoint status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Result{}, fmt.Errorf("decode arbitration envelope: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Result{}, fmt.Errorf("arbitration response missing choices")
	}

	return ParseResponse([]byte(parsed.Choices[0].Message.Content))
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type chatErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func buildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Similarity score: %.3f\n\n", req.Score)
	fmt.Fprintf(&b, "ORIGINAL (id=%s, published %s):\n%s\n\n",
		req.Candidate.ID, req.Candidate.PublicationDate.Format("2006-01-02"), truncateRunes(req.Candidate.Text(), maxPromptTextRunes))
	fmt.Fprintf(&b, "NEW (id=%s, published %s):\n%s\n",
		req.Target.ID, req.Target.PublicationDate.Format("2006-01-02"), truncateRunes(req.Target.Text(), maxPromptTextRunes))
	if len(req.Target.Sources) > 0 {
		b.WriteString("\nNEW article sources:\n")
		for _, source := range req.Target.Sources {
			fmt.Fprintf(&b, "- %s %s\n", source.URL, source.Title)
		}
	}
	return b.String()
}

func truncateRunes(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit])
}

func normalizeEndpoint(raw string) string {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return DefaultEndpoint
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}

	parsed, err := url.Parse(endpoint)
	if err != nil || strings.TrimSpace(parsed.Host) == "" {
		return DefaultEndpoint
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	if parsed.Path == "" {
		parsed.Path = "/v1"
	}
	return parsed.String()
}

func chatCompletionsURL(endpoint string) string {
	parsed, err := url.Parse(endpoint)
	if err != nil || strings.TrimSpace(parsed.Host) == "" {
		return DefaultEndpoint + "/chat/completions"
	}

	path := strings.TrimRight(parsed.Path, "/")
	switch {
	case strings.HasSuffix(path, "/chat/completions"):
		parsed.Path = path
	case strings.HasSuffix(path, "/v1"):
		parsed.Path = path + "/chat/completions"
	default:
		parsed.Path = path + "/v1/chat/completions"
	}

	return parsed.String()
}

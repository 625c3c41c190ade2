package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/storyflow/common/traffic"
)

// Logger interface for adapter logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

const (
	providerGemini = "gemini"
	providerOpenAI = "openai"

	maxResponseBytes = 4 << 20
)

// Options configure the HTTP adapter
type Options struct {
	BaseURL   string
	APIKey    string
	Models    map[string]string // alias -> provider model name
	AuthStyle string            // auto, bearer, header, query
	Timeout   time.Duration
}

// HTTPClient talks to an OpenAI- or Gemini-shaped chat endpoint and
// records every exchange to the traffic buffer
type HTTPClient struct {
	client   *http.Client
	opts     Options
	recorder *traffic.Buffer
	logger   Logger
}

// NewHTTPClient creates a new chat adapter
func NewHTTPClient(opts Options, recorder *traffic.Buffer, logger Logger) *HTTPClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &HTTPClient{
		client:   &http.Client{},
		opts:     opts,
		recorder: recorder,
		logger:   logger,
	}
}

// Chat sends a transcript to the configured provider and returns the
// model's reply
func (c *HTTPClient) Chat(ctx context.Context, modelAlias string, msgs []Message) (*Reply, error) {
	if c.opts.BaseURL == "" {
		return nil, newError(ErrKindUnavailable, "adapter not configured: LLM_BASE_URL is empty")
	}
	if len(msgs) == 0 {
		return nil, newError(ErrKindProtocol, "no messages to send")
	}

	model := c.resolveModel(modelAlias)
	provider := c.provider()

	var (
		endpoint string
		payload  interface{}
	)
	if provider == providerGemini {
		endpoint = c.geminiEndpoint(model)
		payload = geminiPayload(msgs)
	} else {
		endpoint = c.openaiEndpoint()
		payload = openaiRequest{Model: model, Messages: msgs}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, newError(ErrKindProtocol, "encoding request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, newError(ErrKindProtocol, "building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.applyAuth(req, provider)

	pairID := uuid.NewString()
	c.record(traffic.Event{
		Type:       traffic.TypeRequest,
		Service:    provider,
		Method:     http.MethodPost,
		URL:        traffic.RedactURL(req.URL.String()),
		ReqHeaders: traffic.RedactHeaders(req.Header),
		ReqBody:    traffic.TruncateBody(string(body)),
		PairID:     pairID,
	})

	c.logger.Debug("calling llm", "provider", provider, "model", model, "messages", len(msgs))

	reqCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.client.Do(req.WithContext(reqCtx))
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		aerr := classifyTransport(provider, err)
		c.record(traffic.Event{
			Type:      traffic.TypeError,
			Service:   provider,
			ElapsedMS: elapsed,
			Error:     aerr.Message,
			PairID:    pairID,
		})
		c.logger.Warn("llm call failed", "provider", provider, "kind", aerr.Kind, "error", aerr.Message)
		return nil, aerr
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	c.record(traffic.Event{
		Type:        traffic.TypeResponse,
		Service:     provider,
		Status:      resp.StatusCode,
		ElapsedMS:   elapsed,
		RespHeaders: traffic.RedactHeaders(resp.Header),
		RespBody:    traffic.TruncateBody(string(respBody)),
		PairID:      pairID,
	})

	if readErr != nil {
		return nil, newError(ErrKindProtocol, "reading response: %v", readErr)
	}

	if resp.StatusCode != http.StatusOK {
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, newError(ErrKindAuth, "%s rejected credentials: status %d", provider, resp.StatusCode)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return nil, newError(ErrKindUnavailable, "%s returned status %d", provider, resp.StatusCode)
		default:
			return nil, newError(ErrKindProtocol, "%s returned status %d", provider, resp.StatusCode)
		}
	}

	if provider == providerGemini {
		return parseGeminiReply(provider, respBody)
	}
	return parseOpenAIReply(provider, respBody)
}

func (c *HTTPClient) resolveModel(alias string) string {
	if real, ok := c.opts.Models[alias]; ok && real != "" {
		return real
	}
	return alias
}

func (c *HTTPClient) provider() string {
	if strings.Contains(c.opts.BaseURL, "generativelanguage") {
		return providerGemini
	}
	return providerOpenAI
}

func (c *HTTPClient) geminiEndpoint(model string) string {
	base := strings.TrimSuffix(c.opts.BaseURL, "/")
	if !strings.HasSuffix(base, "/v1beta") {
		base += "/v1beta"
	}
	return fmt.Sprintf("%s/models/%s:generateContent", base, model)
}

func (c *HTTPClient) openaiEndpoint() string {
	base := strings.TrimSuffix(c.opts.BaseURL, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base + "/chat/completions"
}

// applyAuth attaches credentials in the configured style. "auto" picks
// the provider's native style.
func (c *HTTPClient) applyAuth(req *http.Request, provider string) {
	if c.opts.APIKey == "" {
		return
	}

	style := c.opts.AuthStyle
	if style == "" || style == "auto" {
		if provider == providerGemini {
			style = "header"
		} else {
			style = "bearer"
		}
	}

	switch style {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	case "header":
		req.Header.Set("x-goog-api-key", c.opts.APIKey)
	case "query":
		q := req.URL.Query()
		q.Set("key", c.opts.APIKey)
		req.URL.RawQuery = q.Encode()
	}
}

func (c *HTTPClient) record(ev traffic.Event) {
	if c.recorder != nil {
		c.recorder.Record(ev)
	}
}

func classifyTransport(provider string, err error) *Error {
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		return newError(ErrKindTimeout, "calling %s: %v", provider, err)
	}
	return newError(ErrKindUnavailable, "calling %s: %v", provider, err)
}

// Gemini wire types

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
}

func geminiPayload(msgs []Message) geminiRequest {
	var out geminiRequest
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			if out.SystemInstruction == nil {
				out.SystemInstruction = &geminiContent{}
			}
			out.SystemInstruction.Parts = append(out.SystemInstruction.Parts, geminiPart{Text: m.Content})
		case RoleAssistant:
			out.Contents = append(out.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			out.Contents = append(out.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	return out
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func parseGeminiReply(provider string, body []byte) (*Reply, error) {
	var parsed geminiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, newError(ErrKindProtocol, "decoding %s response: %v", provider, err)
	}
	if len(parsed.Candidates) == 0 {
		return nil, newError(ErrKindProtocol, "%s response has no candidates", provider)
	}

	var text strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	reply := &Reply{Text: text.String(), Raw: rawMap(body)}
	if um := parsed.UsageMetadata; um != nil {
		reply.Usage = &Usage{
			PromptTokens:     um.PromptTokenCount,
			CompletionTokens: um.CandidatesTokenCount,
			TotalTokens:      um.TotalTokenCount,
		}
	}
	return reply, nil
}

// OpenAI wire types

type openaiRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type openaiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func parseOpenAIReply(provider string, body []byte) (*Reply, error) {
	var parsed openaiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, newError(ErrKindProtocol, "decoding %s response: %v", provider, err)
	}
	if len(parsed.Choices) == 0 {
		return nil, newError(ErrKindProtocol, "%s response has no choices", provider)
	}

	reply := &Reply{Text: parsed.Choices[0].Message.Content, Raw: rawMap(body)}
	if u := parsed.Usage; u != nil {
		reply.Usage = &Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return reply, nil
}

func rawMap(body []byte) map[string]interface{} {
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil
	}
	return raw
}

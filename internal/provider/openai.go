package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/TONresistor/teleton-agent-sub000/internal/domain"
	"github.com/TONresistor/teleton-agent-sub000/internal/metrics"
)

// Tool names the model may call to deliver a message itself.
const (
	ToolSendMessage  = "telegram_send_message"
	ToolReplyMessage = "telegram_reply_message"
)

const defaultSystemPrompt = "You are Teleton, an assistant living in a Telegram account. " +
	"Answer concisely in the language of the conversation."

// OpenAI generates replies with one call to an OpenAI-compatible
// chat completions endpoint. Send-tool calls are executed through the
// request's Dispatcher; there is no further tool loop.
type OpenAI struct {
	apiKey       string
	apiBase      string
	model        string
	systemPrompt string
	maxTokens    int
	temperature  float64
	client       *http.Client
	logger       *slog.Logger
}

type OpenAIConfig struct {
	APIKey       string
	APIBase      string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	Timeout      time.Duration
	Logger       *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OpenAI{
		apiKey:       cfg.APIKey,
		apiBase:      strings.TrimRight(cfg.APIBase, "/"),
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
		client:       SharedHTTPClient(cfg.Timeout),
		logger:       cfg.Logger,
	}
}

var _ domain.Responder = (*OpenAI)(nil)

// Healthy checks that the endpoint answers and accepts the key.
func (o *OpenAI) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.apiBase+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("provider: invalid API key")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("provider returned %d", resp.StatusCode)
	}
	return nil
}

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	Tools       []oaiTool    `json:"tools,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	Stream      bool         `json:"stream"`
}

type oaiMessage struct {
	Role      string        `json:"role"`
	Content   string        `json:"content"`
	ToolCalls []oaiToolCall `json:"tool_calls,omitempty"`
}

type oaiTool struct {
	Type     string      `json:"type"`
	Function oaiFunction `json:"function"`
}

type oaiFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type oaiToolCall struct {
	ID       string        `json:"id"`
	Type     string        `json:"type"`
	Function oaiToolCallFn `json:"function"`
}

type oaiToolCallFn struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type oaiResponse struct {
	Choices []oaiChoice `json:"choices"`
}

type oaiChoice struct {
	Message      oaiMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

var sendTools = []oaiTool{
	{Type: "function", Function: oaiFunction{
		Name:        ToolSendMessage,
		Description: "Send a standalone message to the current chat.",
		Parameters:  textParams,
	}},
	{Type: "function", Function: oaiFunction{
		Name:        ToolReplyMessage,
		Description: "Reply to the message you are answering, quoting it.",
		Parameters:  textParams,
	}},
}

var textParams = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"text": map[string]any{"type": "string", "description": "Message text"},
	},
	"required": []string{"text"},
}

func (o *OpenAI) Respond(ctx context.Context, req domain.ResponseRequest) (*domain.ResponseResult, error) {
	body := oaiRequest{
		Model: o.model,
		Messages: []oaiMessage{
			{Role: "system", Content: o.systemPrompt},
			{Role: "user", Content: buildUserContent(req)},
		},
		MaxTokens: o.maxTokens,
	}
	if o.temperature > 0 {
		t := o.temperature
		body.Temperature = &t
	}
	if req.Tools.Dispatcher != nil {
		body.Tools = sendTools
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	start := time.Now()
	resp, err := doWithRetry(ctx, o.client, func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiBase+"/chat/completions", bytes.NewReader(jsonBody))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("Authorization", "Bearer "+o.apiKey)
		return r, nil
	}, o.logger)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	defer resp.Body.Close()
	metrics.ProviderLatency.Observe(time.Since(start).Seconds())

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chat completion: %w", readHTTPError(resp))
	}

	var oaiResp oaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaiResp); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(oaiResp.Choices) == 0 {
		return &domain.ResponseResult{}, nil
	}

	choice := oaiResp.Choices[0]
	out := &domain.ResponseResult{Text: strings.TrimSpace(choice.Message.Content)}

	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			o.logger.Warn("dropping tool call with undecodable arguments", "tool", tc.Function.Name, "error", err)
			continue
		}
		sent, err := o.runSendTool(ctx, req, tc.Function.Name, args)
		if err != nil {
			return nil, err
		}
		// Only delivered sends count, so the caller still falls back to Text.
		if sent {
			out.ToolCalls = append(out.ToolCalls, domain.ToolInvocation{Name: tc.Function.Name, Arguments: args})
		}
	}
	return out, nil
}

// runSendTool executes the only tools this responder offers and reports
// whether a message was actually delivered.
func (o *OpenAI) runSendTool(ctx context.Context, req domain.ResponseRequest, name string, args map[string]any) (bool, error) {
	text, _ := args["text"].(string)
	if strings.TrimSpace(text) == "" {
		o.logger.Warn("dropping tool call without text", "tool", name)
		return false, nil
	}

	var replyTo int64
	switch name {
	case ToolReplyMessage:
		replyTo = req.Tools.ReplyToID
	case ToolSendMessage:
	default:
		o.logger.Warn("model called an unknown tool", "tool", name)
		return false, nil
	}

	if _, err := req.Tools.Dispatcher.SendReply(ctx, req.Tools.ChatID, text, replyTo); err != nil {
		return false, fmt.Errorf("tool %s: %w", name, err)
	}
	return true, nil
}

func buildUserContent(req domain.ResponseRequest) string {
	var sb strings.Builder
	if req.PendingContext != "" {
		sb.WriteString(req.PendingContext)
		sb.WriteString("\n\n")
	}
	if req.ReplyContext != "" {
		sb.WriteString(req.ReplyContext)
		sb.WriteString("\n")
	}
	if req.Transcript != "" {
		fmt.Fprintf(&sb, "[Voice message transcript: %s]\n", req.Transcript)
	}

	name := req.SenderName
	if name == "" {
		name = "user"
	}
	ts := ""
	if !req.Timestamp.IsZero() {
		ts = "[" + req.Timestamp.UTC().Format("2006-01-02 15:04") + "] "
	}
	fmt.Fprintf(&sb, "%s%s: %s", ts, name, req.Text)
	return sb.String()
}

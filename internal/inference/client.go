// Package inference — клиент OpenAI-совместимого API: классификация намерений
// и генерация ответа агента.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/xela07ax/spaceai-agent-fleet/internal/actions/executor"
	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
	"github.com/xela07ax/spaceai-agent-fleet/internal/infra"
	"go.uber.org/zap"
)

var ErrUnavailable = errors.New("inference unavailable")

// statusError — ответ API с неуспешным HTTP статусом.
type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("inference: status %d", e.code) }

// 429 и 5xx повторяем, остальное — нет.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return !errors.Is(err, ErrUnavailable) && !errors.Is(err, context.Canceled)
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Client struct {
	cfg        infra.InferenceConfig
	httpClient *http.Client
	logger     *zap.Logger
	attempts   uint
	delay      time.Duration
}

func NewClient(cfg infra.InferenceConfig, logger *zap.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gpt-4o"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.Named("inference"),
		attempts:   3,
		delay:      500 * time.Millisecond,
	}
}

const intentPrompt = `You detect which automatic actions a DevOps agent should take for a chat message.
Available actions:
- read_logs: read logs of a service or application
- check_status: check the status of a server, cluster or service
- infrastructure_action: run an operation on infrastructure (restart, scale, deploy, delete...)
- quick_diagnostic: run a quick health diagnostic of a target
- create_jira_incident: open an incident ticket for an outage or a bug
- create_jira_task: open a task ticket
- create_maintenance_task: open a recurring maintenance task
- schedule_meeting: schedule a meeting
- schedule_postmortem: schedule a post-mortem after an incident
- ask_for_info: information needed to proceed is missing
Known targets: %s
Reply with a JSON object {"actions":[{"kind":"...","command":"...","target":"...","title":"...","details":"...","severity":"..."}]}.
"command" is the exact command to run (for example "restart payments-service" or "kubectl get pods"),
"target" is one of the known target ids or empty when the message does not name one.
"title", "details" and "severity" (low, medium, high, critical) describe tickets and meetings.
If no action is needed reply {"actions":[]}.`

// ClassifyIntents — намерения в сообщении. Неизвестные виды отбрасываются.
func (c *Client) ClassifyIntents(ctx context.Context, text string, targets []executor.Info) ([]domain.Intent, error) {
	ids := make([]string, 0, len(targets))
	for _, t := range targets {
		ids = append(ids, fmt.Sprintf("%s (%s, %s)", t.ID, t.Name, t.Type))
	}
	known := "none"
	if len(ids) > 0 {
		known = strings.Join(ids, "; ")
	}

	content, err := c.chat(ctx, []Message{
		{Role: "system", Content: fmt.Sprintf(intentPrompt, known)},
		{Role: "user", Content: text},
	}, true)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Actions []domain.Intent `json:"actions"`
	}
	if err := json.Unmarshal([]byte(stripFence(content)), &parsed); err != nil {
		return nil, fmt.Errorf("inference: decode intents: %w", err)
	}
	out := parsed.Actions[:0]
	for _, in := range parsed.Actions {
		if !in.Kind.Known() {
			c.logger.Debug("dropping unknown intent", zap.String("kind", string(in.Kind)))
			continue
		}
		out = append(out, in)
	}
	return out, nil
}

// Respond генерирует текст ответа агента. История деплоймента идет
// парами user/assistant между системным промптом и текущим сообщением.
func (c *Client) Respond(ctx context.Context, req domain.ResponseRequest) (string, error) {
	return c.chat(ctx, ResponseMessages(req), false)
}

func ResponseMessages(req domain.ResponseRequest) []Message {
	messages := make([]Message, 0, 2+2*len(req.History))
	messages = append(messages, Message{Role: "system", Content: SystemPrompt(req)})
	for _, ex := range req.History {
		if ex.UserMessage == "" || ex.AgentResponse == "" {
			continue
		}
		messages = append(messages,
			Message{Role: "user", Content: ex.UserMessage},
			Message{Role: "assistant", Content: ex.AgentResponse})
	}
	return append(messages, Message{Role: "user", Content: req.Text})
}

// SystemPrompt собирает системный промпт из описания агента и исходов действий.
func SystemPrompt(req domain.ResponseRequest) string {
	var b strings.Builder
	if req.Agent != nil {
		if p := strings.TrimSpace(req.Agent.SystemPrompt); p != "" {
			b.WriteString(p)
		} else {
			fmt.Fprintf(&b, "You are %s, %s.", req.Agent.Name, req.Agent.Title)
		}
	}

	if req.Greeting {
		b.WriteString("\n\nCONTEXT: the user is simply greeting you. Answer naturally like a friendly colleague, keep it short and do not give unsolicited technical advice.")
		return b.String()
	}

	if len(req.Outcomes) > 0 {
		b.WriteString("\n\nAUTOMATIC ACTIONS FOR THIS MESSAGE:\n")
		for _, o := range req.Outcomes {
			fmt.Fprintf(&b, "- %s", o.Intent.Kind)
			if o.Intent.Command != "" {
				fmt.Fprintf(&b, " `%s`", o.Intent.Command)
			}
			fmt.Fprintf(&b, ": %s\n", o.Summary)
		}
		b.WriteString("\nMention these actions in your answer naturally and professionally.")
	}
	return b.String()
}

func (c *Client) chat(ctx context.Context, messages []Message, jsonMode bool) (string, error) {
	if requiresAPIKey(c.cfg.BaseURL) && strings.TrimSpace(c.cfg.APIKey) == "" {
		return "", fmt.Errorf("%w: missing API key for %s", ErrUnavailable, c.cfg.BaseURL)
	}

	payload := map[string]any{
		"model":       c.cfg.Model,
		"messages":    messages,
		"temperature": 0.1,
		"max_tokens":  1000,
	}
	if jsonMode {
		payload["response_format"] = map[string]string{"type": "json_object"}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("inference: marshal request: %w", err)
	}

	var content string
	err = retry.New(
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
	).Do(func() error {
		var callErr error
		content, callErr = c.post(ctx, body)
		return callErr
	})
	if err != nil {
		return "", err
	}
	return content, nil
}

func (c *Client) post(ctx context.Context, body []byte) (string, error) {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	if key := strings.TrimSpace(c.cfg.APIKey); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("inference: request: %w", err)
	}
	defer res.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("inference: read body: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		c.logger.Error("chat completion failed", zap.Int("status", res.StatusCode), zap.String("body", strings.TrimSpace(string(respBody))))
		return "", &statusError{code: res.StatusCode}
	}

	var response struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &response); err != nil {
		return "", fmt.Errorf("inference: decode response: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("inference: no choices in response")
	}
	return sanitize(response.Choices[0].Message.Content), nil
}

var (
	thinkBlockPattern = regexp.MustCompile(`(?is)<think\b[^>]*>.*?</think>`)
	fencePattern      = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")
)

func sanitize(s string) string {
	s = thinkBlockPattern.ReplaceAllString(strings.TrimSpace(s), "")
	return strings.TrimSpace(s)
}

// stripFence снимает ```json ... ``` вокруг ответа.
func stripFence(s string) string {
	if m := fencePattern.FindStringSubmatch(strings.TrimSpace(s)); m != nil {
		return m[1]
	}
	return s
}

// Локальные модели (ollama и т.п.) обычно без ключа.
func requiresAPIKey(baseURL string) bool {
	lower := strings.ToLower(baseURL)
	return !strings.Contains(lower, "localhost") && !strings.Contains(lower, "127.0.0.1") && !strings.Contains(lower, "ollama")
}

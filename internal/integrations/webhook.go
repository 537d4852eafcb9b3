// Package integrations — трекер задач и календарь как непрозрачные webhook-шлюзы.
// Шлюз принимает JSON-запрос и возвращает созданный тикет или встречу.
package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
	"github.com/xela07ax/spaceai-agent-fleet/internal/infra"
	"go.uber.org/zap"
)

var ErrDisabled = errors.New("integrations: gateway not configured")

type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("integrations: status %d", e.code) }

// 429 и 5xx повторяем. Ответ 4xx означает, что шлюз отверг запрос.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

type Client struct {
	cfg        infra.IntegrationsConfig
	httpClient *http.Client
	logger     *zap.Logger
	attempts   uint
	delay      time.Duration
}

func NewClient(cfg infra.IntegrationsConfig, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.Named("integrations"),
		attempts:   3,
		delay:      300 * time.Millisecond,
	}
}

func (c *Client) TicketsEnabled() bool  { return strings.TrimSpace(c.cfg.TicketsURL) != "" }
func (c *Client) CalendarEnabled() bool { return strings.TrimSpace(c.cfg.CalendarURL) != "" }

// CreateTicket заводит тикет через шлюз трекера.
func (c *Client) CreateTicket(ctx context.Context, req domain.TicketRequest) (*domain.Ticket, error) {
	if !c.TicketsEnabled() {
		return nil, ErrDisabled
	}
	var out domain.Ticket
	if err := c.call(ctx, c.cfg.TicketsURL, req, &out); err != nil {
		return nil, fmt.Errorf("integrations: create ticket: %w", err)
	}
	if out.Key == "" {
		return nil, errors.New("integrations: create ticket: gateway returned no key")
	}
	c.logger.Info("ticket created", zap.String("kind", string(req.Kind)), zap.String("key", out.Key))
	return &out, nil
}

// ScheduleEvent планирует встречу через шлюз календаря.
func (c *Client) ScheduleEvent(ctx context.Context, req domain.EventRequest) (*domain.ScheduledEvent, error) {
	if !c.CalendarEnabled() {
		return nil, ErrDisabled
	}
	var out domain.ScheduledEvent
	if err := c.call(ctx, c.cfg.CalendarURL, req, &out); err != nil {
		return nil, fmt.Errorf("integrations: schedule event: %w", err)
	}
	c.logger.Info("event scheduled", zap.String("kind", string(req.Kind)), zap.String("event_id", out.ID))
	return &out, nil
}

func (c *Client) call(ctx context.Context, endpoint string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return retry.New(
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
	).Do(func() error {
		return c.post(ctx, endpoint, body, out)
	})
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := strings.TrimSpace(c.cfg.Token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer res.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		c.logger.Warn("gateway call failed", zap.String("endpoint", endpoint), zap.Int("status", res.StatusCode))
		return &statusError{code: res.StatusCode}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

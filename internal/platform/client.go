// Package platform — HTTP-клиент внешней чат-платформы (Slack-совместимый Web API).
// Все вызовы идут через rate limiter и circuit breaker.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
	"github.com/xela07ax/spaceai-agent-fleet/internal/engine"
	"github.com/xela07ax/spaceai-agent-fleet/internal/infra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrInvalidAuth — платформа явно отвергла токен (fail closed).
	ErrInvalidAuth = errors.New("platform: invalid credential")
	// ErrRateLimited — HTTP 429, повторять позже.
	ErrRateLimited = errors.New("platform: rate limited")
)

// Коды ответа, означающие "токен больше не годится".
var invalidAuthCodes = map[string]struct{}{
	"invalid_auth":     {},
	"token_expired":    {},
	"token_revoked":    {},
	"not_authed":       {},
	"account_inactive": {},
	"invalid_grant":    {},
}

type Client struct {
	cfg     infra.PlatformConfig
	http    *http.Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewClient(cfg infra.PlatformConfig, metrics *engine.Metrics, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}

	l := logger.Named("platform")
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "chat-platform",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		// Отказ в авторизации — валидный ответ платформы, а не ее неисправность
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrInvalidAuth)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			state := 0.0
			if to == gobreaker.StateOpen {
				state = 1
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(state)
		},
	})

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		cb:      cb,
		logger:  l,
	}
}

// apiResponse — общий конверт ответа Web API.
type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// AuthTest — дешевый аутентифицированный вызов для проверки токена.
// nil — токен валиден, ErrInvalidAuth — явный отказ, остальное — транспортная ошибка.
func (c *Client) AuthTest(ctx context.Context, token string) error {
	var resp apiResponse
	return c.call(ctx, "auth.test", token, nil, &resp, &resp)
}

// Refresh меняет refresh token на новую пару (grant_type=refresh_token).
func (c *Client) Refresh(ctx context.Context, refreshToken string) (domain.TokenPair, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
	}
	var resp oauthResponse
	if err := c.call(ctx, "oauth.v2.access", "", form, &resp, &resp.apiResponse); err != nil {
		return domain.TokenPair{}, err
	}
	return resp.pair(), nil
}

// ExchangeCode завершает OAuth handshake установки в workspace.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*domain.AuthorizationGrant, error) {
	form := url.Values{
		"code":          {code},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
	}
	if c.cfg.RedirectURL != "" {
		form.Set("redirect_uri", c.cfg.RedirectURL)
	}
	var resp oauthResponse
	if err := c.call(ctx, "oauth.v2.access", "", form, &resp, &resp.apiResponse); err != nil {
		return nil, err
	}
	return &domain.AuthorizationGrant{
		TeamID:    resp.Team.ID,
		TeamName:  resp.Team.Name,
		BotUserID: resp.BotUserID,
		Tokens:    resp.pair(),
	}, nil
}

// PostMessage отправляет текст в канал. Для личного сообщения channel = id пользователя.
func (c *Client) PostMessage(ctx context.Context, token, channel, text string) error {
	body := map[string]string{"channel": channel, "text": text}
	var resp apiResponse
	return c.call(ctx, "chat.postMessage", token, body, &resp, &resp)
}

type oauthResponse struct {
	apiResponse
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	BotUserID    string `json:"bot_user_id"`
	Team         struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"team"`
}

func (r *oauthResponse) pair() domain.TokenPair {
	return domain.TokenPair{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresIn:    time.Duration(r.ExpiresIn) * time.Second,
	}
}

// call выполняет один метод API. body — url.Values (form) или структура (JSON).
// envelope указывает на встроенный apiResponse внутри out.
func (c *Client) call(ctx context.Context, method, token string, body any, out any, envelope *apiResponse) error {
	// 1. Rate Limiter
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("platform: %s: rate limiter: %w", method, err)
	}

	// 2. Circuit Breaker
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, method, token, body, out, envelope)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("platform: %s: %w", method, err)
	}
	return err
}

func (c *Client) do(ctx context.Context, method, token string, body any, out any, envelope *apiResponse) error {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + method

	var (
		reader      io.Reader
		contentType string
	)
	switch b := body.(type) {
	case nil:
		reader = http.NoBody
	case url.Values:
		reader = strings.NewReader(b.Encode())
		contentType = "application/x-www-form-urlencoded"
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("platform: %s: marshal: %w", method, err)
		}
		reader = bytes.NewReader(raw)
		contentType = "application/json; charset=utf-8"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, reader)
	if err != nil {
		return fmt.Errorf("platform: %s: build request: %w", method, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("platform: %s: %w", method, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("platform: %s: read body: %w", method, err)
	}
	if res.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("platform: %s: %w (retry-after %s)", method, ErrRateLimited, res.Header.Get("Retry-After"))
	}
	if res.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("platform: %s: %w", method, ErrInvalidAuth)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("platform: %s: unexpected status %d", method, res.StatusCode)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("platform: %s: decode: %w", method, err)
	}
	if !envelope.OK {
		if _, invalid := invalidAuthCodes[envelope.Error]; invalid {
			return fmt.Errorf("platform: %s: %s: %w", method, envelope.Error, ErrInvalidAuth)
		}
		return fmt.Errorf("platform: %s: api error %q", method, envelope.Error)
	}
	return nil
}

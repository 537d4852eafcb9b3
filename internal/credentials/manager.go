// Package credentials держит токены платформы валидными на протяжении долгих сессий:
// кэш, проверка, refresh-grant, экспоненциальный cooldown и фоновый sweep.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/xela07ax/spaceai-agent-fleet/internal/cache"
	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
	"github.com/xela07ax/spaceai-agent-fleet/internal/engine"
	"github.com/xela07ax/spaceai-agent-fleet/internal/infra"
	"github.com/xela07ax/spaceai-agent-fleet/internal/platform"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// WorkspaceStore — что менеджеру нужно от хранилища.
type WorkspaceStore interface {
	GetWorkspace(ctx context.Context, id string) (*domain.Workspace, error)
	UpdateWorkspaceTokens(ctx context.Context, id string, pair domain.TokenPair, expiresAt *time.Time) error
}

// Platform — проверка и обновление токенов на стороне чат-платформы.
type Platform interface {
	AuthTest(ctx context.Context, token string) error
	Refresh(ctx context.Context, refreshToken string) (domain.TokenPair, error)
}

type cooldown struct {
	failures int
	until    time.Time
}

type Manager struct {
	store    WorkspaceStore
	platform Platform
	cache    cache.Cache
	cfg      infra.CredentialsConfig
	metrics  *engine.Metrics
	logger   *zap.Logger

	// Один refresh на workspace в процессе: параллельные вызовы ждут общий результат
	group singleflight.Group

	mu        sync.Mutex
	cooldowns map[string]cooldown
	tracked   map[string]time.Time // workspace id -> срок записи в кэше, для sweep

	now           func() time.Time
	retryDelay    time.Duration
	retryAttempts uint
}

func NewManager(
	store WorkspaceStore,
	p Platform,
	c cache.Cache,
	cfg infra.CredentialsConfig,
	metrics *engine.Metrics,
	logger *zap.Logger,
) *Manager {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 50 * time.Minute
	}
	if cfg.RefreshBackoffBase <= 0 {
		cfg.RefreshBackoffBase = time.Minute
	}
	if cfg.RefreshBackoffMax <= 0 {
		cfg.RefreshBackoffMax = 30 * time.Minute
	}
	if cfg.ExpiryMargin < 0 {
		cfg.ExpiryMargin = 0
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = 30 * time.Second
	}
	return &Manager{
		store:         store,
		platform:      p,
		cache:         c,
		cfg:           cfg,
		metrics:       metrics,
		logger:        logger.Named("credentials"),
		cooldowns:     make(map[string]cooldown),
		tracked:       make(map[string]time.Time),
		now:           time.Now,
		retryDelay:    200 * time.Millisecond,
		retryAttempts: 3,
	}
}

// WithClock подменяет часы (для тестов).
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// GetValidToken возвращает рабочий токен workspace.
// domain.ErrWorkspaceUnreachable означает "временно недоступен", а не фатальную ошибку.
func (m *Manager) GetValidToken(ctx context.Context, workspaceID string) (string, error) {
	// 1. Кэш
	if cred, ok := m.cached(ctx, workspaceID); ok {
		m.metrics.TokenLookups.WithLabelValues("cache").Inc()
		return cred.Token, nil
	}
	m.metrics.TokenLookups.WithLabelValues("store").Inc()

	// 2. Промах: проверка и, при необходимости, refresh. Одновременные промахи
	// по одному workspace схлопываются в один проход. Проход общий, поэтому отмена
	// контекста первого вызывающего его не прерывает: у прохода свой таймаут.
	ch := m.group.DoChan(workspaceID, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ResolveTimeout)
		defer cancel()
		return m.resolve(rctx, workspaceID)
	})
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("credentials: %s: %w", workspaceID, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate сбрасывает кэш, например после invalid_auth от платформы при отправке сообщения.
func (m *Manager) Invalidate(ctx context.Context, workspaceID string) {
	m.mu.Lock()
	delete(m.tracked, workspaceID)
	m.mu.Unlock()
	if err := m.cache.Invalidate(ctx, infra.CredentialKey(workspaceID)); err != nil {
		m.logger.Warn("cache invalidate failed", zap.String("workspace_id", workspaceID), zap.Error(err))
	}
}

func (m *Manager) resolve(ctx context.Context, workspaceID string) (string, error) {
	log := m.logger.With(zap.String("workspace_id", workspaceID))

	ws, err := m.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return "", fmt.Errorf("credentials: load workspace: %w", err)
	}
	if !ws.IsActive {
		return "", fmt.Errorf("credentials: workspace %s inactive: %w", workspaceID, domain.ErrWorkspaceUnreachable)
	}

	// 1. Проверяем сохраненный токен
	if ws.AccessToken != "" && !m.knownExpired(ws) {
		err := m.platform.AuthTest(ctx, ws.AccessToken)
		switch {
		case err == nil:
			m.remember(ctx, workspaceID, ws.AccessToken, ws.TokenExpiresAt)
			return ws.AccessToken, nil
		case !errors.Is(err, platform.ErrInvalidAuth):
			// Сетевая ошибка: считаем токен валидным (fail open), но не кэшируем,
			// следующий вызов проверит еще раз
			log.Warn("token check failed, assuming valid", zap.Error(err))
			return ws.AccessToken, nil
		}
		log.Info("stored token rejected by platform")
	}

	// 2. Refresh
	return m.refresh(ctx, ws)
}

func (m *Manager) refresh(ctx context.Context, ws *domain.Workspace) (string, error) {
	log := m.logger.With(zap.String("workspace_id", ws.ID))

	if ws.RefreshToken == "" {
		m.metrics.TokenRefresh.WithLabelValues("no_refresh_token").Inc()
		log.Warn("no refresh token, workspace unreachable")
		return "", fmt.Errorf("credentials: %s: %w", ws.ID, domain.ErrWorkspaceUnreachable)
	}

	if until, blocked := m.inCooldown(ws.ID); blocked {
		m.metrics.TokenRefresh.WithLabelValues("backoff").Inc()
		return "", fmt.Errorf("credentials: %s: refresh cooling down until %s: %w",
			ws.ID, until.Format(time.RFC3339), domain.ErrWorkspaceUnreachable)
	}

	var pair domain.TokenPair
	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(m.retryAttempts),
		retry.Delay(m.retryDelay),
		retry.LastErrorOnly(true),
		// Явный отказ платформы повторять бессмысленно
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, platform.ErrInvalidAuth)
		}),
	).Do(func() error {
		var callErr error
		pair, callErr = m.platform.Refresh(ctx, ws.RefreshToken)
		return callErr
	})
	if err != nil {
		next := m.recordFailure(ws.ID)
		m.metrics.TokenRefresh.WithLabelValues("failure").Inc()
		m.metrics.ErrorTotal.WithLabelValues("unreachable").Inc()
		log.Error("token refresh failed", zap.Error(err), zap.Time("retry_after", next))
		return "", fmt.Errorf("credentials: refresh %s: %v: %w", ws.ID, err, domain.ErrWorkspaceUnreachable)
	}
	if pair.RefreshToken == "" {
		pair.RefreshToken = ws.RefreshToken
	}

	var expiresAt *time.Time
	if pair.ExpiresIn > 0 {
		t := m.now().Add(pair.ExpiresIn)
		expiresAt = &t
	}

	// Пишем в БД только при успешном refresh
	if err := m.store.UpdateWorkspaceTokens(ctx, ws.ID, pair, expiresAt); err != nil {
		return "", fmt.Errorf("credentials: persist refreshed token: %w", err)
	}
	m.clearFailures(ws.ID)
	m.remember(ctx, ws.ID, pair.AccessToken, expiresAt)
	m.metrics.TokenRefresh.WithLabelValues("success").Inc()
	log.Info("token refreshed")
	return pair.AccessToken, nil
}

// knownExpired — платформа сообщала срок жизни и он уже прошел, проверять незачем.
func (m *Manager) knownExpired(ws *domain.Workspace) bool {
	return ws.TokenExpiresAt != nil && !m.now().Before(*ws.TokenExpiresAt)
}

func (m *Manager) cached(ctx context.Context, workspaceID string) (domain.CachedCredential, bool) {
	raw, ok, err := m.cache.Get(ctx, infra.CredentialKey(workspaceID))
	if err != nil {
		m.logger.Warn("cache read failed", zap.String("workspace_id", workspaceID), zap.Error(err))
		return domain.CachedCredential{}, false
	}
	if !ok {
		return domain.CachedCredential{}, false
	}
	var cred domain.CachedCredential
	if err := json.Unmarshal(raw, &cred); err != nil || !m.now().Before(cred.ExpiresAt) {
		return domain.CachedCredential{}, false
	}
	return cred, true
}

// remember кладет токен в кэш с TTL меньше реального срока жизни: запись истекает
// не позже чем за ExpiryMargin до expires_at.
func (m *Manager) remember(ctx context.Context, workspaceID, token string, tokenExpiresAt *time.Time) {
	ttl := m.cfg.CacheTTL
	if tokenExpiresAt != nil {
		if remaining := tokenExpiresAt.Sub(m.now()) - m.cfg.ExpiryMargin; remaining < ttl {
			ttl = remaining
		}
	}
	if ttl <= 0 {
		return
	}

	cred := domain.CachedCredential{Token: token, ExpiresAt: m.now().Add(ttl)}
	raw, err := json.Marshal(cred)
	if err != nil {
		return
	}
	if err := m.cache.Set(ctx, infra.CredentialKey(workspaceID), raw, ttl); err != nil {
		m.logger.Warn("cache write failed", zap.String("workspace_id", workspaceID), zap.Error(err))
		return
	}

	m.mu.Lock()
	m.tracked[workspaceID] = cred.ExpiresAt
	m.mu.Unlock()
}

func (m *Manager) inCooldown(workspaceID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cd, ok := m.cooldowns[workspaceID]
	if !ok || !m.now().Before(cd.until) {
		return time.Time{}, false
	}
	return cd.until, true
}

// recordFailure: cooldown = base * 2^(n-1), не больше max.
func (m *Manager) recordFailure(workspaceID string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	cd := m.cooldowns[workspaceID]
	cd.failures++
	cd.until = m.now().Add(backoff(m.cfg.RefreshBackoffBase, m.cfg.RefreshBackoffMax, cd.failures))
	m.cooldowns[workspaceID] = cd
	return cd.until
}

func (m *Manager) clearFailures(workspaceID string) {
	m.mu.Lock()
	delete(m.cooldowns, workspaceID)
	m.mu.Unlock()
}

func backoff(base, max time.Duration, failures int) time.Duration {
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

package auth

import (
	"context"
	"net/http"

	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
	"go.uber.org/zap"
)

// TokenValidator — интерфейс проверки JWT (RS256)
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.CustomClaims, error)
}

// Тип для ключа в контексте (избегаем коллизий)
type ctxKey string

const (
	actorKey  ctxKey = "actor_id"
	scopesKey ctxKey = "user_scopes"
)

func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			// Прокидываем actor и права в контекст: actor нужен для executedBy и отмены действий
			ctx := WithActor(r.Context(), claims.UserID, claims.Scopes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithActor кладет идентичность оператора в контекст.
func WithActor(ctx context.Context, actorID string, scopes map[string]bool) context.Context {
	ctx = context.WithValue(ctx, actorKey, actorID)
	return context.WithValue(ctx, scopesKey, scopes)
}

// ActorFromContext достает id оператора (пустая строка, если запрос не прошел auth).
func ActorFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(actorKey).(string); ok {
		return id
	}
	return ""
}

// HasScope проверяет право из токена.
func HasScope(ctx context.Context, scope string) bool {
	scopes, ok := ctx.Value(scopesKey).(map[string]bool)
	return ok && scopes[scope]
}

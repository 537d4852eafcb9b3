package domain

import "time"

// Workspace — внешний тенант чат-платформы. Никогда не удаляется, только деактивируется.
type Workspace struct {
	ID           string `json:"id"`
	ExternalID   string `json:"external_id"` // team id на стороне платформы
	Name         string `json:"name"`
	BotUserID    string `json:"bot_user_id"`
	AgentDisplay string `json:"agent_display_name"`
	AgentIcon    string `json:"agent_icon"`

	Branding map[string]any `json:"branding,omitempty"`

	AccessToken    string     `json:"-"`
	RefreshToken   string     `json:"-"`
	TokenExpiresAt *time.Time `json:"-"` // если платформа сообщила срок жизни

	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TokenPair — результат refresh-grant или обмена кода авторизации.
type TokenPair struct {
	AccessToken  string
	RefreshToken string // пусто, если платформа не ротирует refresh token
	ExpiresIn    time.Duration
}

// AuthorizationGrant — ответ платформы на успешный handshake (oauth.v2.access).
type AuthorizationGrant struct {
	TeamID    string
	TeamName  string
	BotUserID string
	Tokens    TokenPair
}

// CachedCredential — запись кэша токенов, ключ — workspace id.
type CachedCredential struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

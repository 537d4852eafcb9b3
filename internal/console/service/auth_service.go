// Package service — операторские сценарии консоли поверх хранилища.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials не уточняет, что именно неверно (логин или пароль).
var ErrInvalidCredentials = errors.New("invalid credentials")

type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	CreateUser(ctx context.Context, u *domain.User) error
}

type TokenIssuer interface {
	Issue(user *domain.User) (*domain.TokenResponse, error)
}

type AuthService struct {
	repo   UserStore
	issuer TokenIssuer
	cost   int
	logger *zap.Logger
}

func NewAuthService(repo UserStore, issuer TokenIssuer, logger *zap.Logger) *AuthService {
	return &AuthService{
		repo:   repo,
		issuer: issuer,
		cost:   bcrypt.DefaultCost,
		logger: logger.Named("auth-service"),
	}
}

// WithCost меняет стоимость bcrypt (тесты используют MinCost).
func (s *AuthService) WithCost(cost int) *AuthService {
	s.cost = cost
	return s
}

func (s *AuthService) GenerateToken(ctx context.Context, username, password string) (*domain.TokenResponse, error) {
	// 1. Аутентификация (источник правды — хранилище пользователей)
	user, err := s.repo.GetUserByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Error("user lookup failed", zap.String("username", username), zap.Error(err))
		}
		return nil, ErrInvalidCredentials
	}

	// 2. Проверка пароля (используем bcrypt)
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.logger.Warn("login rejected", zap.String("username", username))
		return nil, ErrInvalidCredentials
	}

	// 3. Подпись токена закрытым ключом (RS256), scopes из профиля
	return s.issuer.Issue(user)
}

// CreateOperator заводит учетку с захэшированным паролем.
func (s *AuthService) CreateOperator(ctx context.Context, username, password string, scopes []string) (*domain.User, error) {
	if username == "" || password == "" {
		return nil, errors.New("auth: username and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}
	u := &domain.User{Username: username, PasswordHash: string(hash), Scopes: make(map[string]bool, len(scopes))}
	for _, sc := range scopes {
		u.Scopes[sc] = true
	}
	if err := s.repo.CreateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("auth: create user: %w", err)
	}
	s.logger.Info("operator created", zap.String("username", username), zap.Strings("scopes", scopes))
	return u, nil
}

// Package actions — конечный автомат InfrastructureAction: классификация риска,
// одноразовое подтверждение, исполнение на цели с таймаутом и журнал переходов.
package actions

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-agent-fleet/internal/actions/executor"
	"github.com/xela07ax/spaceai-agent-fleet/internal/audit"
	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
	"github.com/xela07ax/spaceai-agent-fleet/internal/engine"
	"github.com/xela07ax/spaceai-agent-fleet/internal/infra"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Store — хранилище действий. Переходы — условный update одной строки.
type Store interface {
	CreateAction(ctx context.Context, a *domain.InfrastructureAction) error
	GetAction(ctx context.Context, id string) (*domain.InfrastructureAction, error)
	ListActions(ctx context.Context, f domain.ActionFilter) ([]*domain.InfrastructureAction, error)
	// TransitionAction: status=to WHERE id AND status=from. Переход в executing стирает
	// хэш подтверждения. Если строка не в статусе from — domain.ErrInvalidTransition.
	TransitionAction(ctx context.Context, id string, from, to domain.ActionStatus, result *string) error
}

// Classifier — классификатор риска (risk.Analyzer).
type Classifier interface {
	Validate(command string) domain.Validation
}

// Targets — реестр целей исполнения.
type Targets interface {
	Get(id string) (executor.Target, error)
	List() []executor.Info
}

// RejectionError — явный отказ валидации с причиной для актора.
type RejectionError struct {
	Validation domain.Validation
	Err        error
}

func (e *RejectionError) Error() string { return e.Validation.Message }
func (e *RejectionError) Unwrap() error { return e.Err }

type CreateRequest struct {
	Type     domain.ActionType
	Command  string
	TargetID string
	Actor    string
}

// Created — новое действие и, если нужно, токен подтверждения.
// Токен отдается только здесь: в хранилище лежит лишь его bcrypt-хэш.
type Created struct {
	Action            *domain.InfrastructureAction
	Validation        domain.Validation
	ConfirmationToken string
}

type ExecuteOptions struct {
	ConfirmationToken string
	Actor             string
	Timeout           time.Duration // 0 — actions.default_timeout
}

type Service struct {
	store      Store
	classifier Classifier
	targets    Targets
	recorder   audit.Recorder
	cfg        infra.ActionsConfig
	metrics    *engine.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

func NewService(
	store Store,
	classifier Classifier,
	targets Targets,
	recorder audit.Recorder,
	cfg infra.ActionsConfig,
	metrics *engine.Metrics,
	logger *zap.Logger,
) *Service {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.ResultPreviewLimit <= 0 {
		cfg.ResultPreviewLimit = 2000
	}
	if cfg.BcryptCost < bcrypt.MinCost {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &Service{
		store:      store,
		classifier: classifier,
		targets:    targets,
		recorder:   recorder,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger.Named("actions"),
		now:        time.Now,
	}
}

// Validate классифицирует команду без создания действия.
func (s *Service) Validate(command string) domain.Validation {
	return s.classifier.Validate(command)
}

// Targets — список доступных целей.
func (s *Service) Targets() []executor.Info {
	return s.targets.List()
}

func (s *Service) CreateAction(ctx context.Context, req CreateRequest) (*Created, error) {
	// 1. Входные данные
	req.Command = strings.TrimSpace(req.Command)
	if req.Command == "" {
		return nil, errors.New("actions: empty command")
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("actions: unknown action type %q", req.Type)
	}
	if _, err := s.targets.Get(req.TargetID); err != nil {
		return nil, err
	}

	// 2. Классификация. Жесткий запрет отклоняется сразу, запись не создается.
	v := s.classifier.Validate(req.Command)
	if !v.Allowed {
		s.metrics.ActionsTotal.WithLabelValues(string(v.RiskLevel), "rejected").Inc()
		s.recorder.Record(audit.ActionEvent{
			TraceID: engine.TraceID(ctx), Actor: req.Actor, TargetID: req.TargetID, Command: req.Command,
			RiskLevel: string(v.RiskLevel), Stage: audit.StageRejected, Detail: v.Message,
		})
		return nil, &RejectionError{Validation: v, Err: domain.ErrOutsideBusinessHours}
	}

	now := s.now()
	a := &domain.InfrastructureAction{
		ID:                   uuid.NewString(),
		Type:                 req.Type,
		Command:              req.Command,
		TargetID:             req.TargetID,
		RiskLevel:            v.RiskLevel,
		RequiresConfirmation: v.RequiresConfirmation,
		Status:               domain.ActionPending,
		ExecutedBy:           req.Actor,
		Timestamp:            now,
		UpdatedAt:            now,
	}

	// 3. Одноразовый токен подтверждения
	var token string
	if v.RequiresConfirmation {
		var err error
		token, err = newConfirmationToken()
		if err != nil {
			return nil, fmt.Errorf("actions: mint confirmation token: %w", err)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(token), s.cfg.BcryptCost)
		if err != nil {
			return nil, fmt.Errorf("actions: hash confirmation token: %w", err)
		}
		a.ConfirmationHash = string(hash)
	}

	if err := s.store.CreateAction(ctx, a); err != nil {
		return nil, fmt.Errorf("actions: create: %w", err)
	}

	s.metrics.ActionsTotal.WithLabelValues(string(a.RiskLevel), string(a.Status)).Inc()
	s.audit(ctx, a, audit.StageCreated, v.Message, 0)
	s.logger.Info("action created",
		zap.String("action_id", a.ID),
		zap.String("risk_level", string(a.RiskLevel)),
		zap.Bool("requires_confirmation", a.RequiresConfirmation),
		zap.String("actor", req.Actor))

	return &Created{Action: s.forCaller(a), Validation: v, ConfirmationToken: token}, nil
}

// ExecuteAction исполняет pending-действие. Любой отказ до захвата (нет/неверный токен,
// запрет по времени) оставляет действие в pending.
func (s *Service) ExecuteAction(ctx context.Context, id string, opts ExecuteOptions) (*domain.InfrastructureAction, error) {
	a, err := s.store.GetAction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("actions: get %s: %w", id, err)
	}
	if a.Status != domain.ActionPending {
		return nil, fmt.Errorf("actions: %s is %s: %w", id, a.Status, domain.ErrActionNotPending)
	}

	// 1. Повторная валидация: окно рабочих часов проверяется в момент исполнения
	if v := s.classifier.Validate(a.Command); !v.Allowed {
		s.reject(ctx, a, opts.Actor, v.Message)
		return nil, &RejectionError{Validation: v, Err: domain.ErrOutsideBusinessHours}
	}

	// 2. Подтверждение
	if a.RequiresConfirmation {
		if opts.ConfirmationToken == "" {
			s.reject(ctx, a, opts.Actor, "confirmation token missing")
			return nil, fmt.Errorf("actions: %s: %w", id, domain.ErrConfirmationRequired)
		}
		if a.ConfirmationHash == "" ||
			bcrypt.CompareHashAndPassword([]byte(a.ConfirmationHash), []byte(opts.ConfirmationToken)) != nil {
			s.reject(ctx, a, opts.Actor, "confirmation token mismatch")
			return nil, fmt.Errorf("actions: %s: %w", id, domain.ErrInvalidConfirmation)
		}
	}

	target, err := s.targets.Get(a.TargetID)
	if err != nil {
		return nil, err
	}

	// 3. Захват: pending -> executing. Хэш токена стирается, повторно токен не сработает.
	if err := s.store.TransitionAction(ctx, id, domain.ActionPending, domain.ActionExecuting, nil); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return nil, fmt.Errorf("actions: %s: %w", id, domain.ErrActionNotPending)
		}
		return nil, fmt.Errorf("actions: claim %s: %w", id, err)
	}
	a.Status = domain.ActionExecuting
	a.ConfirmationHash = ""
	s.metrics.ActionsTotal.WithLabelValues(string(a.RiskLevel), string(a.Status)).Inc()
	s.audit(ctx, a, audit.StageExecuting, opts.Actor, 0)

	// 4. Исполнение. Отключение вызывающего не должно оставить действие в executing,
	// поэтому дальше работаем на контексте без отмены, но с таймаутом.
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	base := context.WithoutCancel(ctx)
	start := s.now()
	out, execErr := runWithTimeout(base, target, a.Command, timeout)
	elapsed := s.now().Sub(start)

	// 5. Терминальный статус
	final, stage := domain.ActionCompleted, audit.StageCompleted
	result := out
	if execErr != nil {
		final, stage = domain.ActionFailed, audit.StageFailed
		result = execErr.Error()
	}
	if err := s.store.TransitionAction(base, id, domain.ActionExecuting, final, &result); err != nil {
		s.logger.Error("failed to record action outcome", zap.String("action_id", id), zap.Error(err))
		return nil, fmt.Errorf("actions: finish %s: %w", id, err)
	}
	a.Status = final
	a.Result = &result
	a.UpdatedAt = s.now()
	s.metrics.ActionsTotal.WithLabelValues(string(a.RiskLevel), string(a.Status)).Inc()
	s.audit(ctx, a, stage, truncate(result, 256), elapsed.Milliseconds())

	if execErr != nil {
		if errors.Is(execErr, domain.ErrActionTimeout) {
			s.metrics.ErrorTotal.WithLabelValues("timeout").Inc()
		}
		s.logger.Error("action failed", zap.String("action_id", id), zap.Duration("elapsed", elapsed), zap.Error(execErr))
		return s.forCaller(a), fmt.Errorf("actions: %s: %v: %w", id, execErr, domain.ErrExecutionFailed)
	}

	s.logger.Info("action completed", zap.String("action_id", id), zap.Duration("elapsed", elapsed))
	return s.forCaller(a), nil
}

// CancelAction отменяет pending-действие. Разрешено автору и оператору с admin scope.
func (s *Service) CancelAction(ctx context.Context, id, actor string, admin bool) (*domain.InfrastructureAction, error) {
	a, err := s.store.GetAction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("actions: get %s: %w", id, err)
	}
	if a.Status != domain.ActionPending {
		return nil, fmt.Errorf("actions: %s is %s: %w", id, a.Status, domain.ErrActionNotPending)
	}
	if !admin && actor != a.ExecutedBy {
		return nil, fmt.Errorf("actions: cancel %s by %s: %w", id, actor, domain.ErrForbidden)
	}

	if err := s.store.TransitionAction(ctx, id, domain.ActionPending, domain.ActionCancelled, nil); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return nil, fmt.Errorf("actions: %s: %w", id, domain.ErrActionNotPending)
		}
		return nil, fmt.Errorf("actions: cancel %s: %w", id, err)
	}
	a.Status = domain.ActionCancelled
	a.ConfirmationHash = ""
	a.UpdatedAt = s.now()
	s.metrics.ActionsTotal.WithLabelValues(string(a.RiskLevel), string(a.Status)).Inc()
	s.audit(ctx, a, audit.StageCancelled, actor, 0)
	s.logger.Info("action cancelled", zap.String("action_id", id), zap.String("actor", actor))
	return s.forCaller(a), nil
}

func (s *Service) GetAction(ctx context.Context, id string) (*domain.InfrastructureAction, error) {
	a, err := s.store.GetAction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("actions: get %s: %w", id, err)
	}
	return s.forCaller(a), nil
}

func (s *Service) ListActions(ctx context.Context, f domain.ActionFilter) ([]*domain.InfrastructureAction, error) {
	list, err := s.store.ListActions(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("actions: list: %w", err)
	}
	out := make([]*domain.InfrastructureAction, 0, len(list))
	for _, a := range list {
		out = append(out, s.forCaller(a))
	}
	return out, nil
}

func (s *Service) reject(ctx context.Context, a *domain.InfrastructureAction, actor, reason string) {
	s.metrics.ErrorTotal.WithLabelValues("rejected").Inc()
	s.logger.Warn("action execution rejected",
		zap.String("action_id", a.ID),
		zap.String("actor", actor),
		zap.String("reason", reason))
	s.audit(ctx, a, audit.StageRejected, reason, 0)
}

func (s *Service) audit(ctx context.Context, a *domain.InfrastructureAction, stage audit.Stage, detail string, durationMs int64) {
	s.recorder.Record(audit.ActionEvent{
		TraceID:    engine.TraceID(ctx),
		ActionID:   a.ID,
		Actor:      a.ExecutedBy,
		TargetID:   a.TargetID,
		Command:    a.Command,
		RiskLevel:  string(a.RiskLevel),
		Stage:      stage,
		Detail:     detail,
		DurationMs: durationMs,
	})
}

// forCaller — копия для внешнего канала: без хэша, результат обрезан.
func (s *Service) forCaller(a *domain.InfrastructureAction) *domain.InfrastructureAction {
	cp := *a
	cp.ConfirmationHash = ""
	if a.Result != nil {
		r := truncate(*a.Result, s.cfg.ResultPreviewLimit)
		cp.Result = &r
	}
	return &cp
}

// runWithTimeout ограничивает исполнение сверху. Цель может не уважать контекст,
// поэтому ждем либо результат, либо дедлайн.
func runWithTimeout(ctx context.Context, target executor.Target, command string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		out string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := target.Execute(ctx, command)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(o.err, context.DeadlineExceeded) {
			return "", fmt.Errorf("after %s: %w", timeout, domain.ErrActionTimeout)
		}
		return o.out, o.err
	case <-ctx.Done():
		return "", fmt.Errorf("after %s: %w", timeout, domain.ErrActionTimeout)
	}
}

func newConfirmationToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	// Не режем посреди UTF-8 последовательности
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…(truncated)"
}

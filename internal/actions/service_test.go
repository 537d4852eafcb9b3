package actions

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xela07ax/spaceai-agent-fleet/internal/actions/executor"
	"github.com/xela07ax/spaceai-agent-fleet/internal/audit"
	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
	"github.com/xela07ax/spaceai-agent-fleet/internal/engine"
	"github.com/xela07ax/spaceai-agent-fleet/internal/infra"
	"github.com/xela07ax/spaceai-agent-fleet/internal/repository/memory"
	"github.com/xela07ax/spaceai-agent-fleet/internal/risk"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type eventLog struct {
	mu     sync.Mutex
	events []audit.ActionEvent
}

func (l *eventLog) Record(e audit.ActionEvent) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) stages() []audit.Stage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]audit.Stage, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Stage)
	}
	return out
}

// blockingTarget игнорирует контекст: таймаут должен сработать снаружи.
type blockingTarget struct{ release chan struct{} }

func (b *blockingTarget) ID() string   { return "stuck" }
func (b *blockingTarget) Type() string { return executor.TypeMock }
func (b *blockingTarget) Execute(context.Context, string) (string, error) {
	<-b.release
	return "late", nil
}

type harness struct {
	svc      *Service
	store    *memory.Store
	events   *eventLog
	clock    *time.Time
	analyzer *risk.Analyzer
}

func newHarness(t *testing.T, hour int) *harness {
	t.Helper()
	now := time.Date(2026, 3, 4, hour, 15, 0, 0, time.UTC)
	h := &harness{store: memory.New(), events: &eventLog{}, clock: &now}
	clock := func() time.Time { return *h.clock }

	h.analyzer = risk.NewAnalyzer(risk.BusinessHours{Start: 9, End: 18, Location: time.UTC}, zap.NewNop()).WithClock(clock)
	reg := executor.NewRegistry()
	reg.Register(executor.NewMockTarget("svc-1"))
	reg.Register(executor.NewMockTarget("svc-2"))

	h.svc = NewService(h.store, h.analyzer, reg, h.events, infra.ActionsConfig{
		DefaultTimeout:     time.Second,
		ResultPreviewLimit: 40,
		BcryptCost:         bcrypt.MinCost,
	}, engine.NewMetrics(nil), zap.NewNop())
	h.svc.now = clock
	return h
}

func TestRestartRequiresConfirmation(t *testing.T) {
	h := newHarness(t, 11)
	ctx := context.Background()

	created, err := h.svc.CreateAction(ctx, CreateRequest{
		Type: domain.ActionRestart, Command: "restart payments-service", TargetID: "svc-1", Actor: "alice",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Action.RiskLevel != domain.RiskWarning || !created.Action.RequiresConfirmation {
		t.Fatalf("expected warning with confirmation, got %+v", created.Action)
	}
	if len(created.ConfirmationToken) != 32 {
		t.Fatalf("expected 128-bit hex token, got %q", created.ConfirmationToken)
	}
	if created.Action.ConfirmationHash != "" {
		t.Fatal("hash must not leak to caller")
	}
	stored, _ := h.store.GetAction(ctx, created.Action.ID)
	if stored.ConfirmationHash == "" || stored.ConfirmationHash == created.ConfirmationToken {
		t.Fatal("expected only a hash of the token to be stored")
	}

	// Без токена: отказ, действие остается pending
	if _, err := h.svc.ExecuteAction(ctx, created.Action.ID, ExecuteOptions{Actor: "alice"}); !errors.Is(err, domain.ErrConfirmationRequired) {
		t.Fatalf("expected confirmation required, got %v", err)
	}
	// Неверный токен: отказ, действие остается pending
	if _, err := h.svc.ExecuteAction(ctx, created.Action.ID, ExecuteOptions{ConfirmationToken: "deadbeef"}); !errors.Is(err, domain.ErrInvalidConfirmation) {
		t.Fatalf("expected invalid confirmation, got %v", err)
	}
	if a, _ := h.store.GetAction(ctx, created.Action.ID); a.Status != domain.ActionPending {
		t.Fatalf("expected action to stay pending, got %s", a.Status)
	}

	done, err := h.svc.ExecuteAction(ctx, created.Action.ID, ExecuteOptions{ConfirmationToken: created.ConfirmationToken, Actor: "alice"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if done.Status != domain.ActionCompleted || done.Result == nil || *done.Result == "" {
		t.Fatalf("expected completed with result, got %+v", done)
	}

	// Токен одноразовый
	if _, err := h.svc.ExecuteAction(ctx, created.Action.ID, ExecuteOptions{ConfirmationToken: created.ConfirmationToken}); !errors.Is(err, domain.ErrActionNotPending) {
		t.Fatalf("expected not pending on reuse, got %v", err)
	}

	want := []audit.Stage{audit.StageCreated, audit.StageRejected, audit.StageRejected, audit.StageExecuting, audit.StageCompleted}
	got := h.events.stages()
	if len(got) != len(want) {
		t.Fatalf("expected stages %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected stages %v, got %v", want, got)
		}
	}
}

func TestReadActionRunsWithoutToken(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	created, err := h.svc.CreateAction(ctx, CreateRequest{
		Type: domain.ActionRead, Command: "kubectl get pods", TargetID: "svc-1", Actor: "bob",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Action.RiskLevel != domain.RiskInfo || created.Action.RequiresConfirmation || created.ConfirmationToken != "" {
		t.Fatalf("expected info without confirmation, got %+v", created)
	}
	done, err := h.svc.ExecuteAction(ctx, created.Action.ID, ExecuteOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if done.Status != domain.ActionCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}
}

func TestCriticalRejectedOutsideBusinessHours(t *testing.T) {
	h := newHarness(t, 22)
	_, err := h.svc.CreateAction(context.Background(), CreateRequest{
		Type: domain.ActionExecute, Command: "kubectl delete namespace prod", TargetID: "svc-1", Actor: "alice",
	})
	var rej *RejectionError
	if !errors.As(err, &rej) || !errors.Is(err, domain.ErrOutsideBusinessHours) {
		t.Fatalf("expected business-hours rejection, got %v", err)
	}
	if rej.Validation.Allowed || rej.Validation.RiskLevel != domain.RiskCritical {
		t.Fatalf("unexpected validation %+v", rej.Validation)
	}
	list, _ := h.store.ListActions(context.Background(), domain.ActionFilter{})
	if len(list) != 0 {
		t.Fatalf("rejected action must not be persisted, got %d", len(list))
	}
}

func TestCriticalBlockedAtExecutionEvenWithToken(t *testing.T) {
	h := newHarness(t, 17)
	ctx := context.Background()

	created, err := h.svc.CreateAction(ctx, CreateRequest{
		Type: domain.ActionExecute, Command: "drop table sessions", TargetID: "svc-1", Actor: "alice",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Окно закрылось между созданием и исполнением
	later := h.clock.Add(time.Hour)
	h.clock = &later
	_, err = h.svc.ExecuteAction(ctx, created.Action.ID, ExecuteOptions{ConfirmationToken: created.ConfirmationToken})
	if !errors.Is(err, domain.ErrOutsideBusinessHours) {
		t.Fatalf("expected hard block, got %v", err)
	}
	if a, _ := h.store.GetAction(ctx, created.Action.ID); a.Status != domain.ActionPending {
		t.Fatalf("expected pending after block, got %s", a.Status)
	}
}

func TestCreateRejectsUnknownTargetAndType(t *testing.T) {
	h := newHarness(t, 11)
	ctx := context.Background()
	if _, err := h.svc.CreateAction(ctx, CreateRequest{Type: domain.ActionRead, Command: "get pods", TargetID: "nope"}); !errors.Is(err, domain.ErrTargetNotFound) {
		t.Fatalf("expected target not found, got %v", err)
	}
	if _, err := h.svc.CreateAction(ctx, CreateRequest{Type: "reboot", Command: "get pods", TargetID: "svc-1"}); err == nil {
		t.Fatal("expected unknown type to fail")
	}
	if _, err := h.svc.CreateAction(ctx, CreateRequest{Type: domain.ActionRead, Command: "   ", TargetID: "svc-1"}); err == nil {
		t.Fatal("expected empty command to fail")
	}
}

func TestCancelOnlyPendingAndOnlyByAuthorizedActor(t *testing.T) {
	h := newHarness(t, 11)
	ctx := context.Background()
	created, _ := h.svc.CreateAction(ctx, CreateRequest{
		Type: domain.ActionScale, Command: "scale web --replicas=5", TargetID: "svc-1", Actor: "alice",
	})

	if _, err := h.svc.CancelAction(ctx, created.Action.ID, "mallory", false); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	cancelled, err := h.svc.CancelAction(ctx, created.Action.ID, "alice", false)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.ActionCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if _, err := h.svc.ExecuteAction(ctx, created.Action.ID, ExecuteOptions{ConfirmationToken: created.ConfirmationToken}); !errors.Is(err, domain.ErrActionNotPending) {
		t.Fatalf("cancelled action must not execute, got %v", err)
	}
	if _, err := h.svc.CancelAction(ctx, created.Action.ID, "root", true); !errors.Is(err, domain.ErrActionNotPending) {
		t.Fatalf("expected not pending, got %v", err)
	}
}

func TestAdminCanCancelForeignAction(t *testing.T) {
	h := newHarness(t, 11)
	ctx := context.Background()
	created, _ := h.svc.CreateAction(ctx, CreateRequest{
		Type: domain.ActionDeploy, Command: "deploy v2", TargetID: "svc-1", Actor: "alice",
	})
	if _, err := h.svc.CancelAction(ctx, created.Action.ID, "root", true); err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
}

func TestTimeoutMarksActionFailed(t *testing.T) {
	h := newHarness(t, 11)
	ctx := context.Background()
	stuck := &blockingTarget{release: make(chan struct{})}
	defer close(stuck.release)

	reg := executor.NewRegistry()
	reg.Register(stuck)
	h.svc.targets = reg

	created, err := h.svc.CreateAction(ctx, CreateRequest{Type: domain.ActionRead, Command: "get pods", TargetID: "stuck", Actor: "bob"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	a, err := h.svc.ExecuteAction(ctx, created.Action.ID, ExecuteOptions{Timeout: 20 * time.Millisecond})
	if !errors.Is(err, domain.ErrExecutionFailed) {
		t.Fatalf("expected execution failure, got %v", err)
	}
	if a == nil || a.Status != domain.ActionFailed || !strings.Contains(*a.Result, domain.ErrActionTimeout.Error()) {
		t.Fatalf("expected failed with timeout, got %+v", a)
	}
	stored, _ := h.store.GetAction(ctx, created.Action.ID)
	if stored.Status != domain.ActionFailed {
		t.Fatalf("expected failed in store, got %s", stored.Status)
	}
}

func TestFailedExecutionIsTerminal(t *testing.T) {
	h := newHarness(t, 11)
	ctx := context.Background()
	created, _ := h.svc.CreateAction(ctx, CreateRequest{Type: domain.ActionRestart, Command: "restart unstable-worker", TargetID: "svc-1", Actor: "alice"})

	a, err := h.svc.ExecuteAction(ctx, created.Action.ID, ExecuteOptions{ConfirmationToken: created.ConfirmationToken})
	if !errors.Is(err, domain.ErrExecutionFailed) || a.Status != domain.ActionFailed {
		t.Fatalf("expected failed, got %v %+v", err, a)
	}
	// Токен сгорел вместе с неудачной попыткой
	if _, err := h.svc.ExecuteAction(ctx, created.Action.ID, ExecuteOptions{ConfirmationToken: created.ConfirmationToken}); !errors.Is(err, domain.ErrActionNotPending) {
		t.Fatalf("expected not pending, got %v", err)
	}
}

func TestConcurrentExecuteRunsOnce(t *testing.T) {
	h := newHarness(t, 11)
	ctx := context.Background()
	created, _ := h.svc.CreateAction(ctx, CreateRequest{Type: domain.ActionRestart, Command: "restart api", TargetID: "svc-1", Actor: "alice"})

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.ExecuteAction(ctx, created.Action.ID, ExecuteOptions{ConfirmationToken: created.ConfirmationToken}); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if successes != 1 {
		t.Fatalf("expected exactly one execution, got %d", successes)
	}
}

func TestResultTruncatedForCallerOnly(t *testing.T) {
	h := newHarness(t, 11)
	ctx := context.Background()
	created, _ := h.svc.CreateAction(ctx, CreateRequest{Type: domain.ActionRead, Command: "kubectl get pods", TargetID: "svc-1", Actor: "bob"})

	a, err := h.svc.ExecuteAction(ctx, created.Action.ID, ExecuteOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.HasSuffix(*a.Result, "…(truncated)") {
		t.Fatalf("expected truncated preview, got %q", *a.Result)
	}
	stored, _ := h.store.GetAction(ctx, created.Action.ID)
	if strings.Contains(*stored.Result, "truncated") || len(*stored.Result) <= 40 {
		t.Fatalf("expected full result in store, got %q", *stored.Result)
	}
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	got := truncate("привет мир", 3)
	if got != "п…(truncated)" {
		t.Fatalf("unexpected truncation %q", got)
	}
	if truncate("short", 10) != "short" {
		t.Fatal("short strings must pass through")
	}
}

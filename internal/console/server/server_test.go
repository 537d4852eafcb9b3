package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/xela07ax/spaceai-agent-fleet/internal/actions"
	"github.com/xela07ax/spaceai-agent-fleet/internal/actions/executor"
	"github.com/xela07ax/spaceai-agent-fleet/internal/audit"
	"github.com/xela07ax/spaceai-agent-fleet/internal/console/handler"
	"github.com/xela07ax/spaceai-agent-fleet/internal/console/service"
	"github.com/xela07ax/spaceai-agent-fleet/internal/deployment"
	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
	"github.com/xela07ax/spaceai-agent-fleet/internal/engine"
	"github.com/xela07ax/spaceai-agent-fleet/internal/infra"
	"github.com/xela07ax/spaceai-agent-fleet/internal/infra/auth"
	"github.com/xela07ax/spaceai-agent-fleet/internal/orchestration"
	"github.com/xela07ax/spaceai-agent-fleet/internal/pipeline"
	"github.com/xela07ax/spaceai-agent-fleet/internal/repository/memory"
	"github.com/xela07ax/spaceai-agent-fleet/internal/risk"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// storeRecorder пишет события аудита синхронно, чтобы история была видна сразу.
type storeRecorder struct{ s *memory.Store }

func (r storeRecorder) Record(e audit.ActionEvent) {
	e.Timestamp = time.Now()
	_ = r.s.WriteActionEvents(context.Background(), []audit.ActionEvent{e})
}

type fakeRouter struct{ last pipeline.Event }

func (f *fakeRouter) Route(_ context.Context, ev pipeline.Event) (pipeline.RouteResult, error) {
	f.last = ev
	return pipeline.RouteResult{Handled: true, Reply: "ok"}, nil
}

type fakeOnboarder struct{}

func (fakeOnboarder) Complete(_ context.Context, code string) (*orchestration.OnboardResult, error) {
	if code != "good" {
		return nil, errors.New("invalid_code")
	}
	return &orchestration.OnboardResult{Workspace: &domain.Workspace{ID: "ws-new"}}, nil
}

type apiHarness struct {
	srv    *ConsoleServer
	store  *memory.Store
	queue  *orchestration.Queue
	router *fakeRouter
	alice  string // admin
	bob    string
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	ctx := context.Background()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	issuer := auth.NewIssuer(key, time.Hour)
	store := memory.New()
	metrics := engine.NewMetrics(nil)
	logger := zap.NewNop()

	authSvc := service.NewAuthService(store, issuer, logger).WithCost(bcrypt.MinCost)
	if _, err := authSvc.CreateOperator(ctx, "alice", "s3cret", []string{domain.ScopeAdmin}); err != nil {
		t.Fatalf("create alice: %v", err)
	}
	if _, err := authSvc.CreateOperator(ctx, "bob", "hunter2", nil); err != nil {
		t.Fatalf("create bob: %v", err)
	}

	clock := func() time.Time { return time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC) }
	analyzer := risk.NewAnalyzer(risk.BusinessHours{Start: 9, End: 18, Location: time.UTC}, logger).WithClock(clock)
	targets := executor.NewRegistry()
	targets.Register(executor.NewMockTarget("svc-1"))
	acts := actions.NewService(store, analyzer, targets, storeRecorder{store}, infra.ActionsConfig{
		DefaultTimeout: time.Second, BcryptCost: bcrypt.MinCost,
	}, metrics, logger)

	reg := orchestration.NewRegistry()
	reg.Register(domain.TaskHealthCheck, orchestration.HandlerFunc(func(context.Context, string, json.RawMessage) (any, error) {
		return nil, errors.New("ping failed")
	}))
	queue := orchestration.NewQueue(store, reg, infra.QueueConfig{BatchSize: 10, MaxRetries: 2}, metrics, logger)
	deployments := deployment.NewManager(store, infra.DeploymentConfig{}, logger)

	router := &fakeRouter{}
	h := &apiHarness{store: store, queue: queue, router: router}
	h.srv = NewConsoleServer(auth.NewBaseValidator(&key.PublicKey), nil, metrics, Handlers{
		Auth:       handler.NewAuthHandler(authSvc, logger),
		Actions:    handler.NewActionHandler(acts, store, logger),
		Tasks:      handler.NewTaskHandler(queue, logger),
		Workspaces: handler.NewWorkspaceHandler(deployments, logger),
		Events:     handler.NewEventsHandler(router, fakeOnboarder{}, logger),
		Dashboard:  handler.NewDashboardHandler(store, logger),
	}, logger)

	h.alice = h.login(t, "alice", "s3cret")
	h.bob = h.login(t, "bob", "hunter2")
	return h
}

func (h *apiHarness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func (h *apiHarness) login(t *testing.T, user, pass string) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/auth/token", "", domain.LoginRequest{Username: user, Password: pass})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: status %d", user, rec.Code)
	}
	var resp domain.TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	return resp.AccessToken
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

func TestLoginAndPerimeter(t *testing.T) {
	h := newAPIHarness(t)

	if rec := h.do(t, http.MethodPost, "/auth/token", "", domain.LoginRequest{Username: "alice", Password: "nope"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/v1/actions", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected health 200, got %d", rec.Code)
	}
	rec := h.do(t, http.MethodGet, "/v1/actions", h.bob, nil)
	if rec.Code != http.StatusOK || rec.Header().Get(engine.TraceHeader) == "" {
		t.Fatalf("expected 200 with trace header, got %d", rec.Code)
	}
}

func TestConfirmationFlowOverHTTP(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/actions", h.bob, handler.CreateActionRequest{
		Type: domain.ActionRestart, Command: "restart payments-service", TargetID: "svc-1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status %d %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[handler.CreateActionResponse](t, rec)
	if !created.RequiresConfirmation || created.RiskLevel != domain.RiskWarning || created.ConfirmationToken == "" {
		t.Fatalf("unexpected create response %+v", created)
	}

	execPath := "/v1/actions/" + created.ActionID + "/execute"
	if rec := h.do(t, http.MethodPost, execPath, h.bob, handler.ExecuteRequest{}); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without token, got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, execPath, h.bob, handler.ExecuteRequest{ConfirmationToken: "wrong"}); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with wrong token, got %d", rec.Code)
	}

	rec = h.do(t, http.MethodPost, execPath, h.bob, handler.ExecuteRequest{ConfirmationToken: created.ConfirmationToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("execute: status %d %s", rec.Code, rec.Body.String())
	}
	done := decodeBody[handler.ExecuteResponse](t, rec)
	if done.Action.Status != domain.ActionCompleted || done.Result == "" {
		t.Fatalf("unexpected execute response %+v", done)
	}

	// Токен одноразовый: повтор — конфликт состояния
	if rec := h.do(t, http.MethodPost, execPath, h.bob, handler.ExecuteRequest{ConfirmationToken: created.ConfirmationToken}); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on replay, got %d", rec.Code)
	}

	rec = h.do(t, http.MethodGet, "/v1/actions/"+created.ActionID+"/history", h.alice, nil)
	history := decodeBody[[]audit.ActionEvent](t, rec)
	var stages []audit.Stage
	for _, e := range history {
		stages = append(stages, e.Stage)
	}
	if len(stages) == 0 || stages[0] != audit.StageCreated {
		t.Fatalf("history must start with creation, got %v", stages)
	}
	var sawCompleted bool
	for _, s := range stages {
		if s == audit.StageCompleted {
			sawCompleted = true
		}
	}
	if !sawCompleted {
		t.Fatalf("expected completed stage in history, got %v", stages)
	}
}

func TestCreateValidationErrors(t *testing.T) {
	h := newAPIHarness(t)
	cases := []struct {
		name string
		body handler.CreateActionRequest
		want int
	}{
		{"unknown target", handler.CreateActionRequest{Type: domain.ActionRead, Command: "get pods", TargetID: "nope"}, http.StatusNotFound},
		{"bad type", handler.CreateActionRequest{Type: "reboot", Command: "get pods", TargetID: "svc-1"}, http.StatusBadRequest},
		{"empty command", handler.CreateActionRequest{Type: domain.ActionRead, TargetID: "svc-1"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		if rec := h.do(t, http.MethodPost, "/v1/actions", h.bob, tc.body); rec.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, rec.Code)
		}
	}
}

func TestCancelRequiresOwnerOrAdmin(t *testing.T) {
	h := newAPIHarness(t)
	create := func(token string) string {
		rec := h.do(t, http.MethodPost, "/v1/actions", token, handler.CreateActionRequest{
			Type: domain.ActionScale, Command: "scale payments --replicas=3", TargetID: "svc-1",
		})
		return decodeBody[handler.CreateActionResponse](t, rec).ActionID
	}

	aliceAction := create(h.alice)
	if rec := h.do(t, http.MethodPost, "/v1/actions/"+aliceAction+"/cancel", h.bob, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign cancel, got %d", rec.Code)
	}

	bobAction := create(h.bob)
	rec := h.do(t, http.MethodPost, "/v1/actions/"+bobAction+"/cancel", h.alice, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin cancel: status %d", rec.Code)
	}
	if a := decodeBody[domain.InfrastructureAction](t, rec); a.Status != domain.ActionCancelled {
		t.Fatalf("expected cancelled, got %s", a.Status)
	}
	if rec := h.do(t, http.MethodPost, "/v1/actions/"+bobAction+"/cancel", h.bob, nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for second cancel, got %d", rec.Code)
	}

	rec = h.do(t, http.MethodGet, "/v1/actions?status=pending", h.alice, nil)
	pending := decodeBody[[]domain.InfrastructureAction](t, rec)
	if len(pending) != 1 || pending[0].ID != aliceAction {
		t.Fatalf("expected only alice's action pending, got %+v", pending)
	}
}

func TestTaskRetryEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/tasks", h.alice, handler.ScheduleTaskRequest{WorkspaceID: "ws-1", TaskType: domain.TaskHealthCheck})
	if rec.Code != http.StatusCreated {
		t.Fatalf("schedule: status %d %s", rec.Code, rec.Body.String())
	}
	task := decodeBody[domain.OrchestrationTask](t, rec)

	if rec := h.do(t, http.MethodPost, "/v1/tasks", h.alice, handler.ScheduleTaskRequest{WorkspaceID: "ws-1", TaskType: "unknown"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown task type, got %d", rec.Code)
	}

	rec = h.do(t, http.MethodPost, "/v1/tasks/process?workspace_id=ws-1", h.alice, nil)
	if res := decodeBody[orchestration.BatchResult](t, rec); res.Failed != 1 {
		t.Fatalf("expected one failed task, got %+v", res)
	}

	rec = h.do(t, http.MethodGet, "/v1/tasks?status=failed", h.alice, nil)
	if list := decodeBody[[]handler.TaskView](t, rec); len(list) != 1 || list[0].Exhausted {
		t.Fatalf("expected one retryable failed task, got %s", rec.Body.String())
	}

	rec = h.do(t, http.MethodPost, "/v1/tasks/"+task.ID+"/retry", h.alice, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("retry: status %d", rec.Code)
	}
	if retried := decodeBody[domain.OrchestrationTask](t, rec); retried.Status != domain.TaskPending || retried.RetryCount != 1 {
		t.Fatalf("unexpected retried task %+v", retried)
	}
	if rec := h.do(t, http.MethodPost, "/v1/tasks/"+task.ID+"/retry", h.alice, nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for retry of pending task, got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/v1/tasks/missing", h.alice, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestScheduleTaskWithZeroRetries(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/tasks", h.alice, handler.ScheduleTaskRequest{
		WorkspaceID: "ws-1",
		TaskType:    domain.TaskHealthCheck,
		Priority:    orchestration.Int(0),
		MaxRetries:  orchestration.Int(0),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("schedule: status %d %s", rec.Code, rec.Body.String())
	}
	task := decodeBody[domain.OrchestrationTask](t, rec)
	if task.MaxRetries != 0 || task.Priority != 0 {
		t.Fatalf("explicit zeroes must survive the API, got %+v", task)
	}

	h.do(t, http.MethodPost, "/v1/tasks/process?workspace_id=ws-1", h.alice, nil)
	if rec := h.do(t, http.MethodPost, "/v1/tasks/"+task.ID+"/retry", h.alice, nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for task without retries, got %d", rec.Code)
	}
}

func TestWorkspaceDeployAndHealth(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()
	if _, err := h.store.UpsertAgent(ctx, &domain.Agent{Name: "NOX"}); err != nil {
		t.Fatalf("seed agent: %v", err)
	}

	rec := h.do(t, http.MethodPost, "/v1/workspaces/ws-1/deployments", h.alice, handler.DeployRequest{AgentName: "NOX"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("deploy: status %d %s", rec.Code, rec.Body.String())
	}
	dep := decodeBody[domain.Deployment](t, rec)

	rec = h.do(t, http.MethodGet, "/v1/workspaces/ws-1/health", h.alice, nil)
	health := decodeBody[handler.HealthResponse](t, rec)
	if health.Total != 1 || health.Healthy != 0 {
		t.Fatalf("fresh deployment without interactions must be unhealthy, got %+v", health)
	}

	if rec := h.do(t, http.MethodPost, "/v1/deployments/"+dep.ID+"/pause", h.alice, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("pause: status %d", rec.Code)
	}
	rec = h.do(t, http.MethodGet, "/v1/workspaces/ws-1/health", h.alice, nil)
	if health := decodeBody[handler.HealthResponse](t, rec); health.Total != 0 {
		t.Fatalf("paused deployment must be excluded from health, got %+v", health)
	}

	if rec := h.do(t, http.MethodPost, "/v1/workspaces/ws-1/deployments", h.alice, handler.DeployRequest{AgentName: "GHOST"}); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown agent, got %d", rec.Code)
	}

	rec = h.do(t, http.MethodGet, "/v1/dashboard", h.alice, nil)
	if d := decodeBody[domain.FleetDashboard](t, rec); d.Fleet.PausedDeployments != 1 {
		t.Fatalf("unexpected dashboard %+v", d)
	}
}

func TestEventsEnvelope(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/events", h.bob, handler.Envelope{Type: "url_verification", Challenge: "abc"})
	if got := decodeBody[map[string]string](t, rec); got["challenge"] != "abc" {
		t.Fatalf("unexpected challenge echo %v", got)
	}

	rec = h.do(t, http.MethodPost, "/v1/events", h.bob, handler.Envelope{
		Type: "event_callback", TeamID: "T1",
		Event: pipeline.Event{Type: pipeline.EventAppMention, UserID: "U1", Channel: "C1", Text: "<@UBOT> status", TS: "1.1"},
	})
	if res := decodeBody[pipeline.RouteResult](t, rec); !res.Handled || h.router.last.TeamID != "T1" {
		t.Fatalf("expected routed event with team from envelope, got %+v %+v", res, h.router.last)
	}

	if rec := h.do(t, http.MethodGet, "/oauth/callback?code=good", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("callback: status %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/oauth/callback?code=bad", "", nil); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for failed exchange, got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/oauth/callback", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without code, got %d", rec.Code)
	}
}

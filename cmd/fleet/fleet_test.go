package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/xela07ax/spaceai-agent-fleet/internal/infra"
	"github.com/xela07ax/spaceai-agent-fleet/internal/orchestration"
	"go.uber.org/zap"
)

func testConfig() *infra.Config {
	return &infra.Config{
		Auth: infra.AuthConfig{TokenTTL: time.Hour},
		Actions: infra.ActionsConfig{
			BusinessHoursStart: 9,
			BusinessHoursEnd:   18,
			Timezone:           "UTC",
			BcryptCost:         4,
		},
		Queue:      infra.QueueConfig{BatchSize: 10, MaxRetries: 3, AutoRetry: true},
		Deployment: infra.DeploymentConfig{DefaultAgent: "NOX", DefaultChannel: "general"},
		Targets: []infra.TargetConfig{
			{ID: "mock-1", Name: "mock", Type: "mock"},
		},
	}
}

func newTestFleet(t *testing.T, cfg *infra.Config) *fleet {
	t.Helper()
	f, err := newFleet(context.Background(), cfg, true, zap.NewNop())
	if err != nil {
		t.Fatalf("new fleet: %v", err)
	}
	t.Cleanup(f.Close)
	return f
}

func TestInMemoryFleetSeedsDefaultAgent(t *testing.T) {
	f := newTestFleet(t, testConfig())
	ctx := context.Background()

	if err := f.seedDefaultAgent(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}
	first, err := f.store.GetAgentByName(ctx, "NOX")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if err := f.seedDefaultAgent(ctx); err != nil {
		t.Fatalf("second seed: %v", err)
	}
	second, err := f.store.GetAgentByName(ctx, "NOX")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected seeding to be idempotent, got %s and %s", first.ID, second.ID)
	}

	res, err := f.queue.ProcessPending(ctx, "")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Claimed != 0 {
		t.Fatalf("expected empty queue, got %+v", res)
	}
	if got := f.actions.Targets(); len(got) != 1 || got[0].ID != "mock-1" {
		t.Fatalf("expected configured mock target, got %+v", got)
	}
}

func TestReloadAppliesBusinessHours(t *testing.T) {
	f := newTestFleet(t, testConfig())

	next := testConfig()
	next.Actions.BusinessHoursStart, next.Actions.BusinessHoursEnd = 7, 20
	f.reload(next)
	if h := f.analyzer.BusinessHours(); h.Start != 7 || h.End != 20 {
		t.Fatalf("expected 07-20 after reload, got %s", h)
	}

	bad := testConfig()
	bad.Actions.Timezone = "Mars/Olympus"
	f.reload(bad)
	if h := f.analyzer.BusinessHours(); h.Start != 7 {
		t.Fatalf("invalid reload must keep the previous window, got %s", h)
	}
}

func TestConsoleServerNeedsSigningKey(t *testing.T) {
	cfg := testConfig()
	f := newTestFleet(t, cfg)
	if _, err := f.consoleServer(); err == nil {
		t.Fatal("expected an error without a private key")
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cfg.Auth.PrivateKey = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	srv, err := f.consoleServer()
	if err != nil {
		t.Fatalf("console server: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected health 200 in memory mode, got %d", rec.Code)
	}
}

func TestScheduleJobsRespectsAutoRetry(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.PollSchedule = "@every 1m"
	cfg.Credentials.SweepSchedule = "@every 30m"
	cfg.Queue.MaintenanceSchedule = "@every 1h"
	cfg.Queue.AutoRetry = false
	f := newTestFleet(t, cfg)

	if err := f.scheduleJobs(); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	want := []string{"credential-sweep", "queue-poll"}
	if got := f.scheduler.Jobs(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected jobs %v, got %v", want, got)
	}
}

func TestServeRestoresMonitoringJobs(t *testing.T) {
	cfg := testConfig()
	f := newTestFleet(t, cfg)
	ctx := context.Background()

	if err := f.seedDefaultAgent(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}
	d, err := f.deployments.GetActiveDeployment(ctx, "ws-1", "NOX")
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if _, err := f.deployments.SetMonitoring(ctx, d.ID, "@every 5m"); err != nil {
		t.Fatalf("set monitoring: %v", err)
	}

	restored, err := f.handlers.RestoreMonitoring(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	want := []string{orchestration.MonitorJobName(d.ID)}
	if got := f.scheduler.Jobs(); restored != 1 || !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v restored, got %d %v", want, restored, got)
	}
}

func TestSplitScopes(t *testing.T) {
	cases := map[string][]string{
		"":                 nil,
		"admin":            {"admin"},
		" admin , ops ,, ": {"admin", "ops"},
	}
	for in, want := range cases {
		if got := splitScopes(in); !reflect.DeepEqual(got, want) {
			t.Fatalf("splitScopes(%q) = %v, want %v", in, got, want)
		}
	}
}

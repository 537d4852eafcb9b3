package inference

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xela07ax/spaceai-agent-fleet/internal/actions/executor"
	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
	"github.com/xela07ax/spaceai-agent-fleet/internal/infra"
	"go.uber.org/zap"
)

func completion(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"content": content}}},
	})
	return string(b)
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(infra.InferenceConfig{BaseURL: srv.URL, Model: "test-model", Timeout: 5 * time.Second}, zap.NewNop())
	c.delay = time.Millisecond
	return c
}

func TestClassifyIntents(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req struct {
			Model          string            `json:"model"`
			Messages       []Message         `json:"messages"`
			ResponseFormat map[string]string `json:"response_format"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "test-model" || req.ResponseFormat["type"] != "json_object" {
			t.Errorf("unexpected request %+v", req)
		}
		if !strings.Contains(req.Messages[0].Content, "svc-1") {
			t.Errorf("targets missing from prompt: %s", req.Messages[0].Content)
		}
		_, _ = w.Write([]byte(completion("```json\n" + `{"actions":[{"kind":"infrastructure_action","command":"restart payments-service","target":"svc-1"},{"kind":"order_pizza"}]}` + "\n```")))
	})

	intents, err := c.ClassifyIntents(context.Background(), "please restart payments-service", []executor.Info{{ID: "svc-1", Name: "prod", Type: "kubernetes"}})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if len(intents) != 1 {
		t.Fatalf("expected unknown kinds to be dropped, got %+v", intents)
	}
	if intents[0].Kind != domain.IntentInfrastructure || intents[0].TargetID != "svc-1" || intents[0].Command != "restart payments-service" {
		t.Fatalf("unexpected intent %+v", intents[0])
	}
}

func TestRespondRetriesServerErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(completion("<think>hmm</think>Done, the service restarted.")))
	})

	out, err := c.Respond(context.Background(), domain.ResponseRequest{Agent: &domain.Agent{Name: "NOX"}, Text: "restart it"})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if out != "Done, the service restarted." {
		t.Fatalf("unexpected reply %q", out)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRespondDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	})
	if _, err := c.Respond(context.Background(), domain.ResponseRequest{Text: "x"}); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestMissingAPIKeyIsUnavailable(t *testing.T) {
	c := NewClient(infra.InferenceConfig{BaseURL: "https://api.example.com/v1"}, zap.NewNop())
	if _, err := c.Respond(context.Background(), domain.ResponseRequest{Text: "x"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestSystemPrompt(t *testing.T) {
	agent := &domain.Agent{Name: "NOX", Title: "DevOps Engineer"}

	greet := SystemPrompt(domain.ResponseRequest{Agent: agent, Greeting: true})
	if !strings.Contains(greet, "greeting") || strings.Contains(greet, "AUTOMATIC ACTIONS") {
		t.Fatalf("unexpected greeting prompt %q", greet)
	}

	withActions := SystemPrompt(domain.ResponseRequest{Agent: agent, Outcomes: []domain.ActionOutcome{{
		Intent:  domain.Intent{Kind: domain.IntentInfrastructure, Command: "restart api"},
		Summary: "awaiting confirmation",
	}}})
	if !strings.Contains(withActions, "restart api") || !strings.Contains(withActions, "awaiting confirmation") {
		t.Fatalf("outcomes missing from prompt %q", withActions)
	}
}

func TestClassifyIntentsKeepsTicketAndDiagnosticKinds(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(completion(`{"actions":[` +
			`{"kind":"create_jira_incident","title":"checkout 500s","severity":"high"},` +
			`{"kind":"schedule_postmortem","title":"checkout outage"},` +
			`{"kind":"quick_diagnostic","target":"svc-1"}]}`)))
	})

	intents, err := c.ClassifyIntents(context.Background(), "checkout is down", nil)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if len(intents) != 3 {
		t.Fatalf("expected three intents, got %+v", intents)
	}
	if !intents[0].Kind.Ticket() || intents[0].Title != "checkout 500s" || intents[0].Severity != "high" {
		t.Fatalf("unexpected ticket intent %+v", intents[0])
	}
	if !intents[1].Kind.Event() || intents[2].Kind != domain.IntentDiagnostic {
		t.Fatalf("unexpected intents %+v", intents[1:])
	}
}

func TestResponseMessagesCarryHistory(t *testing.T) {
	at := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	msgs := ResponseMessages(domain.ResponseRequest{
		Agent: &domain.Agent{Name: "NOX"},
		Text:  "and now?",
		History: []domain.Exchange{
			{UserMessage: "is the api up?", AgentResponse: "Yes, all pods are running.", At: at},
			{UserMessage: "broken", At: at},
		},
	})
	roles := make([]string, 0, len(msgs))
	for _, m := range msgs {
		roles = append(roles, m.Role)
	}
	if strings.Join(roles, ",") != "system,user,assistant,user" {
		t.Fatalf("unexpected roles %v", roles)
	}
	if msgs[1].Content != "is the api up?" || msgs[3].Content != "and now?" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

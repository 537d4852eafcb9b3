package integrations

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
	"github.com/xela07ax/spaceai-agent-fleet/internal/infra"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(infra.IntegrationsConfig{
		TicketsURL:  srv.URL + "/tickets",
		CalendarURL: srv.URL + "/events",
		Token:       "gw-secret",
	}, zap.NewNop())
	c.delay = time.Millisecond
	return c
}

func TestCreateTicket(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tickets" || r.Header.Get("Authorization") != "Bearer gw-secret" {
			t.Errorf("unexpected request %s %q", r.URL.Path, r.Header.Get("Authorization"))
		}
		var req domain.TicketRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Kind != domain.IntentIncident || req.Severity != "high" || req.Reporter != "alice" {
			t.Errorf("unexpected ticket request %+v", req)
		}
		_, _ = w.Write([]byte(`{"key":"OPS-42","url":"https://tracker/OPS-42"}`))
	})

	ticket, err := c.CreateTicket(context.Background(), domain.TicketRequest{
		WorkspaceID: "ws-1", Kind: domain.IntentIncident, Title: "api down", Severity: "high", Reporter: "alice",
	})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	if ticket.Key != "OPS-42" {
		t.Fatalf("unexpected ticket %+v", ticket)
	}
}

func TestScheduleEventRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"id":"evt-1","startsAt":"2026-03-05T14:00:00Z","durationMinutes":60}`))
	})

	ev, err := c.ScheduleEvent(context.Background(), domain.EventRequest{Kind: domain.IntentPostmortem, Title: "api outage"})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if ev.ID != "evt-1" || ev.DurationMinutes != 60 || calls.Load() != 2 {
		t.Fatalf("unexpected event %+v after %d calls", ev, calls.Load())
	}
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})

	if _, err := c.CreateTicket(context.Background(), domain.TicketRequest{Title: "x"}); err == nil {
		t.Fatal("expected gateway rejection")
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", calls.Load())
	}
}

func TestDisabledGateway(t *testing.T) {
	c := NewClient(infra.IntegrationsConfig{}, zap.NewNop())
	if c.TicketsEnabled() || c.CalendarEnabled() {
		t.Fatal("empty urls must disable both gateways")
	}
	if _, err := c.CreateTicket(context.Background(), domain.TicketRequest{}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	if _, err := c.ScheduleEvent(context.Background(), domain.EventRequest{}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

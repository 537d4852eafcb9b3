package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/xela07ax/spaceai-agent-fleet/internal/engine"
	"github.com/xela07ax/spaceai-agent-fleet/internal/infra"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(infra.PlatformConfig{
		BaseURL:      srv.URL,
		ClientID:     "cid",
		ClientSecret: "secret",
		RateLimit:    1000,
		Burst:        100,
	}, engine.NewMetrics(nil), zap.NewNop())
}

func TestAuthTestClassifiesResponses(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		wantErr   bool
		wantInval bool
	}{
		{"valid", http.StatusOK, `{"ok":true}`, false, false},
		{"expired", http.StatusOK, `{"ok":false,"error":"token_expired"}`, true, true},
		{"invalid auth", http.StatusOK, `{"ok":false,"error":"invalid_auth"}`, true, true},
		{"other api error", http.StatusOK, `{"ok":false,"error":"internal_error"}`, true, false},
		{"server error", http.StatusBadGateway, ``, true, false},
		{"unauthorized", http.StatusUnauthorized, ``, true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/auth.test" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				if got := r.Header.Get("Authorization"); got != "Bearer xoxb-1" {
					t.Errorf("unexpected auth header %q", got)
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			err := c.AuthTest(context.Background(), "xoxb-1")
			if (err != nil) != tc.wantErr {
				t.Fatalf("expected err=%v, got %v", tc.wantErr, err)
			}
			if errors.Is(err, ErrInvalidAuth) != tc.wantInval {
				t.Fatalf("expected invalid=%v, got %v", tc.wantInval, err)
			}
		})
	}
}

func TestRefreshSendsGrant(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("refresh_token") != "r-1" {
			t.Errorf("unexpected form %v", r.PostForm)
		}
		if r.PostForm.Get("client_id") != "cid" || r.PostForm.Get("client_secret") != "secret" {
			t.Errorf("missing client credentials %v", r.PostForm)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": true, "access_token": "xoxb-new", "refresh_token": "r-2", "expires_in": 3600,
		})
	})

	pair, err := c.Refresh(context.Background(), "r-1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if pair.AccessToken != "xoxb-new" || pair.RefreshToken != "r-2" || pair.ExpiresIn.Hours() != 1 {
		t.Fatalf("unexpected pair %+v", pair)
	}
}

func TestExchangeCodeReturnsGrant(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": true, "access_token": "xoxb-1", "bot_user_id": "UBOT",
			"team": map[string]string{"id": "T1", "name": "Acme"},
		})
	})
	grant, err := c.ExchangeCode(context.Background(), "code-1")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if grant.TeamID != "T1" || grant.TeamName != "Acme" || grant.BotUserID != "UBOT" || grant.Tokens.AccessToken != "xoxb-1" {
		t.Fatalf("unexpected grant %+v", grant)
	}
}

func TestPostMessageJSONBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["channel"] != "C1" || body["text"] != "hi" {
			t.Errorf("unexpected body %v", body)
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	if err := c.PostMessage(context.Background(), "xoxb-1", "C1", "hi"); err != nil {
		t.Fatalf("post: %v", err)
	}
}

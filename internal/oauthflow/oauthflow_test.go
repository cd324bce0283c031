package oauthflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu     sync.Mutex
	calls  []string
	tokens map[string]*TokenSet
	errs   map[string]string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{tokens: map[string]*TokenSet{}, errs: map[string]string{}}
}

func (s *recordingSink) OAuthComplete(serverID string, tokens *TokenSet, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, serverID)
	s.tokens[serverID] = tokens
	s.errs[serverID] = errMsg
}

func (s *recordingSink) wait(t *testing.T, serverID string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		s.mu.Lock()
		for _, id := range s.calls {
			if id == serverID {
				s.mu.Unlock()
				return
			}
		}
		s.mu.Unlock()
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for OAuthComplete(%q)", serverID)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// newProviderServer serves discovery, dynamic registration, and token
// endpoints backed by a single httptest.Server, mimicking the well-known
// authorization-server metadata contract RFC 8414 describes.
func newProviderServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srvURL string

	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Metadata{
			AuthorizationEndpoint: srvURL + "/authorize",
			TokenEndpoint:         srvURL + "/token",
			RegistrationEndpoint:  srvURL + "/register",
			ScopesSupported:       []string{"mcp:tools"},
		})
	})
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"client_id": "test-client-id"})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-" + r.FormValue("grant_type"),
			"refresh_token": "refresh-token",
			"token_type":    "bearer",
			"expires_in":    3600,
		})
	})

	srv := httptest.NewServer(mux)
	srvURL = srv.URL
	t.Cleanup(srv.Close)
	return srv
}

func TestInitiateCompletesFlowWithTokens(t *testing.T) {
	provider := newProviderServer(t)
	sink := newRecordingSink()

	var capturedAuthURL string
	opener := func(authURL string) error {
		capturedAuthURL = authURL
		return nil
	}

	c := New(opener)
	if err := c.Initiate(context.Background(), "srv-1", provider.URL, sink); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	u, err := url.Parse(capturedAuthURL)
	if err != nil {
		t.Fatalf("parse captured auth url: %v", err)
	}
	q := u.Query()
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")
	if redirectURI == "" || state == "" {
		t.Fatalf("expected redirect_uri and state in auth url, got %q", capturedAuthURL)
	}

	callback := redirectURI + "?code=test-code&state=" + state
	resp, err := http.Get(callback)
	if err != nil {
		t.Fatalf("simulate provider callback: %v", err)
	}
	defer resp.Body.Close()

	sink.wait(t, "srv-1")
	sink.mu.Lock()
	tokens := sink.tokens["srv-1"]
	errMsg := sink.errs["srv-1"]
	sink.mu.Unlock()

	if errMsg != "" {
		t.Fatalf("expected no error, got %q", errMsg)
	}
	if tokens == nil || tokens.AccessToken == "" {
		t.Fatalf("expected access token, got %+v", tokens)
	}
}

func TestInitiateDuplicateServerIDRejected(t *testing.T) {
	provider := newProviderServer(t)
	sink := newRecordingSink()
	c := New(func(string) error { return nil })

	if err := c.Initiate(context.Background(), "srv-1", provider.URL, sink); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	defer c.Cancel("srv-1")

	if err := c.Initiate(context.Background(), "srv-1", provider.URL, sink); err == nil {
		t.Fatalf("expected error starting a duplicate in-flight serverId")
	}
}

func TestCancelEmitsCancelledCompletion(t *testing.T) {
	provider := newProviderServer(t)
	sink := newRecordingSink()
	c := New(func(string) error { return nil })

	if err := c.Initiate(context.Background(), "srv-1", provider.URL, sink); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	c.Cancel("srv-1")

	sink.wait(t, "srv-1")
	sink.mu.Lock()
	errMsg := sink.errs["srv-1"]
	sink.mu.Unlock()
	if errMsg != "cancelled" {
		t.Fatalf("expected cancelled completion, got %q", errMsg)
	}
}

func TestRefreshRetainsOldRefreshTokenWhenOmitted(t *testing.T) {
	mux := http.NewServeMux()
	var srvURL string
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Metadata{
			AuthorizationEndpoint: srvURL + "/authorize",
			TokenEndpoint:         srvURL + "/token",
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "new-access-token",
			"token_type":   "bearer",
			"expires_in":   3600,
			// no refresh_token in the response
		})
	})
	srv := httptest.NewServer(mux)
	srvURL = srv.URL
	t.Cleanup(srv.Close)

	c := New(nil)
	tokens, err := c.Refresh(context.Background(), srv.URL, "old-refresh-token")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if tokens.RefreshToken != "old-refresh-token" {
		t.Fatalf("expected retained refresh token, got %q", tokens.RefreshToken)
	}
	if tokens.AccessToken != "new-access-token" {
		t.Fatalf("expected new access token, got %q", tokens.AccessToken)
	}
}

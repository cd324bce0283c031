// Package oauthflow implements the broker's OAuth coordinator: PKCE-based
// login to an external MCP server initiated by the broker on behalf of the
// UI, with the broker itself running the ephemeral loopback callback
// server. Grounded on the pack's MCP process supervisor
// (_examples/other_examples/5a0533b4_Bigsy-mcpmu__internal-process-supervisor.go.go),
// whose Supervisor.LoginOAuth/retryHTTPConnection methods model "discover
// metadata, run a flow, retry the caller's pending connection on success" —
// adapted here from "OAuth to an MCP server the caller connects to as a
// client" into "OAuth the broker drives on the UI's behalf."
package oauthflow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// FlowTimeout bounds an in-progress login from initiate to completion or
// cancellation ("OAuth flow: 30 minutes").
const FlowTimeout = 30 * time.Minute

const wellKnownPath = "/.well-known/oauth-authorization-server"

// TokenSet is what a completed login or refresh yields.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    *time.Time
}

// Metadata is the subset of RFC 8414 authorization server metadata the
// coordinator needs.
type Metadata struct {
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	RegistrationEndpoint  string   `json:"registration_endpoint,omitempty"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
}

// Sink receives the terminal event of an initiated flow.
type Sink interface {
	OAuthComplete(serverID string, tokens *TokenSet, errMsg string)
}

// BrowserOpener opens the system browser at the given URL. Overridable for
// tests.
type BrowserOpener func(authURL string) error

type flow struct {
	serverID  string
	verifier  string
	state     string
	oauth2Cfg *oauth2.Config
	sink      Sink

	listener net.Listener
	httpSrv  *http.Server
	cancel   context.CancelFunc
	mu       sync.Mutex
	settled  bool
}

// Coordinator tracks in-flight OAuth logins keyed by serverId.
type Coordinator struct {
	httpClient *http.Client
	openBrowser BrowserOpener

	mu    sync.Mutex
	flows map[string]*flow
}

// New constructs a Coordinator. openBrowser defaults to a no-op-safe stub if
// nil is passed; callers embedding this in a desktop app should supply the
// platform "open URL" launcher.
func New(openBrowser BrowserOpener) *Coordinator {
	if openBrowser == nil {
		openBrowser = func(string) error { return nil }
	}
	return &Coordinator{
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		openBrowser: openBrowser,
		flows:       make(map[string]*flow),
	}
}

// Initiate discovers authorization server metadata, optionally registers a
// dynamic client, generates a PKCE S256 verifier/challenge, binds an
// ephemeral loopback callback server, and opens the authorization URL in
// the system browser.
func (c *Coordinator) Initiate(ctx context.Context, serverID, serverURL string, sink Sink) error {
	c.mu.Lock()
	if _, exists := c.flows[serverID]; exists {
		c.mu.Unlock()
		return fmt.Errorf("oauth flow already in progress for serverId %q", serverID)
	}
	c.mu.Unlock()

	meta, err := c.discoverMetadata(ctx, serverURL)
	if err != nil {
		return fmt.Errorf("discover authorization server metadata: %w", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("bind callback listener: %w", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	redirectURI := fmt.Sprintf("http://127.0.0.1:%d/callback", port)

	clientID, err := c.registerClient(ctx, meta, redirectURI)
	if err != nil {
		listener.Close()
		return fmt.Errorf("register oauth client: %w", err)
	}

	verifier := oauth2.GenerateVerifier()
	state, err := randomToken()
	if err != nil {
		listener.Close()
		return fmt.Errorf("generate state: %w", err)
	}

	cfg := &oauth2.Config{
		ClientID:    clientID,
		Endpoint:    oauth2.Endpoint{AuthURL: meta.AuthorizationEndpoint, TokenURL: meta.TokenEndpoint},
		RedirectURL: redirectURI,
		Scopes:      meta.ScopesSupported,
	}

	flowCtx, cancel := context.WithTimeout(context.Background(), FlowTimeout)
	f := &flow{
		serverID:  serverID,
		verifier:  verifier,
		state:     state,
		oauth2Cfg: cfg,
		sink:      sink,
		listener:  listener,
		cancel:    cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		c.handleCallback(flowCtx, f, sink, w, r)
	})
	f.httpSrv = &http.Server{Handler: mux}

	c.mu.Lock()
	c.flows[serverID] = f
	c.mu.Unlock()

	go func() {
		_ = f.httpSrv.Serve(listener)
	}()

	go func() {
		<-flowCtx.Done()
		timedOut := flowCtx.Err() == context.DeadlineExceeded
		c.finish(f)
		if timedOut {
			f.mu.Lock()
			already := f.settled
			f.settled = true
			f.mu.Unlock()
			if !already {
				sink.OAuthComplete(serverID, nil, "oauth flow timed out")
			}
		}
	}()

	authURL := cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
	return c.openBrowser(authURL)
}

func (c *Coordinator) handleCallback(ctx context.Context, f *flow, sink Sink, w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if errMsg := query.Get("error"); errMsg != "" {
		desc := query.Get("error_description")
		if desc != "" {
			errMsg = errMsg + ": " + desc
		}
		c.complete(f, sink, nil, errMsg)
		writeCallbackPage(w, false)
		return
	}

	if query.Get("state") != f.state {
		c.complete(f, sink, nil, "state mismatch")
		writeCallbackPage(w, false)
		return
	}

	code := query.Get("code")
	if code == "" {
		c.complete(f, sink, nil, "missing authorization code")
		writeCallbackPage(w, false)
		return
	}

	token, err := f.oauth2Cfg.Exchange(ctx, code, oauth2.VerifierOption(f.verifier))
	if err != nil {
		c.complete(f, sink, nil, fmt.Sprintf("exchange code: %v", err))
		writeCallbackPage(w, false)
		return
	}

	tokens := tokenSetFromOAuth2(token)
	c.complete(f, sink, tokens, "")
	writeCallbackPage(w, true)
}

func (c *Coordinator) complete(f *flow, sink Sink, tokens *TokenSet, errMsg string) {
	f.mu.Lock()
	already := f.settled
	f.settled = true
	f.mu.Unlock()
	if already {
		return
	}
	sink.OAuthComplete(f.serverID, tokens, errMsg)
	f.cancel()
}

func (c *Coordinator) finish(f *flow) {
	c.mu.Lock()
	delete(c.flows, f.serverID)
	c.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = f.httpSrv.Shutdown(shutdownCtx)
}

// Cancel closes the listener for serverId's flow and marks it cancelled. A
// flow that isn't in progress is a no-op, matching the idempotent cleanup
// pattern used throughout this broker.
func (c *Coordinator) Cancel(serverID string) {
	c.mu.Lock()
	f, ok := c.flows[serverID]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.complete(f, f.sink, nil, "cancelled")
}

// Refresh rediscovers metadata for serverURL and exchanges refreshToken for
// a new token set, retaining the old refresh token when the server omits
// one in its response.
func (c *Coordinator) Refresh(ctx context.Context, serverURL, refreshToken string) (*TokenSet, error) {
	meta, err := c.discoverMetadata(ctx, serverURL)
	if err != nil {
		return nil, fmt.Errorf("discover authorization server metadata: %w", err)
	}

	cfg := &oauth2.Config{Endpoint: oauth2.Endpoint{AuthURL: meta.AuthorizationEndpoint, TokenURL: meta.TokenEndpoint}}
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	tokens := tokenSetFromOAuth2(token)
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	return tokens, nil
}

func (c *Coordinator) discoverMetadata(ctx context.Context, serverURL string) (*Metadata, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	discoveryURL := fmt.Sprintf("%s://%s%s", u.Scheme, u.Host, wellKnownPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery returned status %d", resp.StatusCode)
	}

	var meta Metadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if meta.AuthorizationEndpoint == "" || meta.TokenEndpoint == "" {
		return nil, fmt.Errorf("metadata missing authorization_endpoint/token_endpoint")
	}
	return &meta, nil
}

// registerClient performs dynamic client registration (RFC 7591) when the
// server advertises a registration_endpoint; otherwise it's a no-op.
func (c *Coordinator) registerClient(ctx context.Context, meta *Metadata, redirectURI string) (string, error) {
	if meta.RegistrationEndpoint == "" {
		return "", nil
	}

	body, err := json.Marshal(map[string]any{
		"redirect_uris":              []string{redirectURI},
		"token_endpoint_auth_method": "none",
		"grant_types":                []string{"authorization_code", "refresh_token"},
		"response_types":             []string{"code"},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, meta.RegistrationEndpoint, strings.NewReader(string(body)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("registration returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var reg struct {
		ClientID string `json:"client_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return "", fmt.Errorf("decode registration response: %w", err)
	}
	return reg.ClientID, nil
}

func tokenSetFromOAuth2(token *oauth2.Token) *TokenSet {
	tokens := &TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
	}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry
		tokens.ExpiresAt = &expiry
	}
	return tokens
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func writeCallbackPage(w http.ResponseWriter, ok bool) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if ok {
		io.WriteString(w, "<html><body>Login complete. You may close this window.</body></html>")
		return
	}
	w.WriteHeader(http.StatusBadRequest)
	io.WriteString(w, "<html><body>Login failed. You may close this window and try again.</body></html>")
}

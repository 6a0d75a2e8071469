package picker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// capturingOpener は開かれたURLを記録するOpener。
type capturingOpener struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (o *capturingOpener) Open(u string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.urls = append(o.urls, u)
	return o.err
}

func (o *capturingOpener) last(t *testing.T) *url.URL {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.urls) == 0 {
		t.Fatal("expected opener to be called")
	}
	u, err := url.Parse(o.urls[len(o.urls)-1])
	if err != nil {
		t.Fatalf("failed to parse opened URL: %v", err)
	}
	return u
}

// resultSink はdeliverで届いた結果を受け取る。
func resultSink() (func(Result), <-chan Result) {
	ch := make(chan Result, 1)
	return func(r Result) { ch <- r }, ch
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for picker result")
		return Result{}
	}
}

func newTokenServer(t *testing.T, idToken string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("failed to parse token request: %v", err)
		}
		if r.PostForm.Get("code") != "auth-code" {
			t.Errorf("code = %q, want %q", r.PostForm.Get("code"), "auth-code")
		}
		if r.PostForm.Get("code_verifier") == "" {
			t.Error("expected PKCE code_verifier in token request")
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "access-1",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     idToken,
		})
	}))
}

func TestGooglePicker_Start_OpensConsentURL(t *testing.T) {
	opener := &capturingOpener{}
	p := NewGooglePicker(GoogleConfig{RedirectURL: "http://127.0.0.1:8765/oauth/callback"}, opener, nil)

	deliver, _ := resultSink()
	err := p.Start(context.Background(), NewIntent("client-id", RequestIDToken(), RequestEmail(), WithLoginHint("ada@example.com")), deliver)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer p.Close()

	u := opener.last(t)
	if u.Host != "accounts.google.com" {
		t.Errorf("host = %q, want accounts.google.com", u.Host)
	}

	q := u.Query()
	checks := map[string]string{
		"client_id":             "client-id",
		"redirect_uri":          "http://127.0.0.1:8765/oauth/callback",
		"response_type":         "code",
		"prompt":                "select_account",
		"login_hint":            "ada@example.com",
		"code_challenge_method": "S256",
	}
	for key, want := range checks {
		if got := q.Get(key); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
	if !strings.Contains(q.Get("scope"), "email") {
		t.Errorf("scope = %q, want email", q.Get("scope"))
	}
	if q.Get("state") == "" || q.Get("code_challenge") == "" {
		t.Error("expected state and code_challenge")
	}
	if p.PendingCount() != 1 {
		t.Errorf("PendingCount() = %d, want 1", p.PendingCount())
	}
}

func TestGooglePicker_Start_InvalidIntent(t *testing.T) {
	opener := &capturingOpener{}
	p := NewGooglePicker(GoogleConfig{}, opener, nil)

	deliver, _ := resultSink()
	if err := p.Start(context.Background(), NewIntent(""), deliver); err == nil {
		t.Fatal("expected error for invalid intent")
	}
	if len(opener.urls) != 0 {
		t.Error("opener should not be called for invalid intent")
	}
}

func TestGooglePicker_Start_OpenerFailure_ClearsPending(t *testing.T) {
	opener := &capturingOpener{err: errors.New("no browser")}
	p := NewGooglePicker(GoogleConfig{}, opener, nil)

	deliver, ch := resultSink()
	if err := p.Start(context.Background(), NewIntent("client-id"), deliver); err == nil {
		t.Fatal("expected error when opener fails")
	}
	if p.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", p.PendingCount())
	}
	select {
	case r := <-ch:
		t.Errorf("deliver should not be called, got %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGooglePicker_Callback_ExchangesCodeAndDelivers(t *testing.T) {
	idToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "google-sub-1", "name": "Ada",
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	tokenServer := newTokenServer(t, idToken)
	defer tokenServer.Close()

	opener := &capturingOpener{}
	p := NewGooglePicker(GoogleConfig{
		ClientSecret: "secret",
		RedirectURL:  "http://127.0.0.1:8765/oauth/callback",
		TokenURL:     tokenServer.URL,
	}, opener, nil)

	deliver, ch := resultSink()
	if err := p.Start(context.Background(), NewIntent("client-id", RequestIDToken()), deliver); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	state := opener.last(t).Query().Get("state")

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=auth-code&state="+state, nil)
	w := httptest.NewRecorder()
	p.HandleCallback(w, req)

	if w.Code != http.StatusSeeOther {
		t.Errorf("status = %d, want %d", w.Code, http.StatusSeeOther)
	}
	if loc := w.Header().Get("Location"); loc != "/" {
		t.Errorf("Location = %q, want /", loc)
	}

	result := waitResult(t, ch)
	if result.Code != ResultOK {
		t.Fatalf("Code = %v, want ResultOK", result.Code)
	}
	if got := result.Data.Get(KeyIDToken); got != idToken {
		t.Errorf("id_token = %q, want issued token", got)
	}
	if got := result.Data.Get(KeyAccessToken); got != "access-1" {
		t.Errorf("access_token = %q, want %q", got, "access-1")
	}
	if p.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", p.PendingCount())
	}
}

func TestGooglePicker_Callback_AccessDenied_DeliversCancelled(t *testing.T) {
	opener := &capturingOpener{}
	p := NewGooglePicker(GoogleConfig{}, opener, nil)

	deliver, ch := resultSink()
	if err := p.Start(context.Background(), NewIntent("client-id"), deliver); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	state := opener.last(t).Query().Get("state")

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?error=access_denied&state="+state, nil)
	w := httptest.NewRecorder()
	p.HandleCallback(w, req)

	result := waitResult(t, ch)
	if result.Code != ResultCanceled {
		t.Errorf("Code = %v, want ResultCanceled", result.Code)
	}
	if result.Data.Get(KeyError) != "access_denied" {
		t.Errorf("error = %q, want access_denied", result.Data.Get(KeyError))
	}
}

func TestGooglePicker_Callback_UnknownState_Rejected(t *testing.T) {
	p := NewGooglePicker(GoogleConfig{}, &capturingOpener{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=auth-code&state=bogus", nil)
	w := httptest.NewRecorder()
	p.HandleCallback(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestGooglePicker_Callback_MissingCode_DeliversFailure(t *testing.T) {
	opener := &capturingOpener{}
	p := NewGooglePicker(GoogleConfig{}, opener, nil)

	deliver, ch := resultSink()
	if err := p.Start(context.Background(), NewIntent("client-id"), deliver); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	state := opener.last(t).Query().Get("state")

	w := httptest.NewRecorder()
	p.HandleCallback(w, httptest.NewRequest(http.MethodGet, "/oauth/callback?state="+state, nil))

	result := waitResult(t, ch)
	if result.Data.Get(KeyError) != "missing_code" {
		t.Errorf("error = %q, want missing_code", result.Data.Get(KeyError))
	}
}

func TestGooglePicker_Timeout_DeliversCancelled(t *testing.T) {
	opener := &capturingOpener{}
	p := NewGooglePicker(GoogleConfig{Timeout: 20 * time.Millisecond}, opener, nil)

	deliver, ch := resultSink()
	if err := p.Start(context.Background(), NewIntent("client-id"), deliver); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	result := waitResult(t, ch)
	if result.Code != ResultCanceled {
		t.Errorf("Code = %v, want ResultCanceled", result.Code)
	}
	if result.Data.Get(KeyError) != "timeout" {
		t.Errorf("error = %q, want timeout", result.Data.Get(KeyError))
	}

	// 期限切れ後のコールバックは拒否される
	state := opener.last(t).Query().Get("state")
	w := httptest.NewRecorder()
	p.HandleCallback(w, httptest.NewRequest(http.MethodGet, "/oauth/callback?code=auth-code&state="+state, nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestGooglePicker_Close_CancelsPending(t *testing.T) {
	p := NewGooglePicker(GoogleConfig{}, &capturingOpener{}, nil)

	deliver, ch := resultSink()
	if err := p.Start(context.Background(), NewIntent("client-id"), deliver); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	p.Close()

	if result := waitResult(t, ch); result.Code != ResultCanceled {
		t.Errorf("Code = %v, want ResultCanceled", result.Code)
	}
	if p.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", p.PendingCount())
	}
}

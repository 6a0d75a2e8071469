package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/googlesignin/internal/avatar"
	"github.com/hitoshi/googlesignin/internal/middleware"
	"github.com/hitoshi/googlesignin/internal/model"
	"github.com/hitoshi/googlesignin/internal/presentation"
	"github.com/hitoshi/googlesignin/internal/security"
)

// --- モック定義 ---

type mockScreenState struct {
	mu            sync.Mutex
	current       presentation.State
	beginSignInFn func(ctx context.Context) error
	signOuts      int
	subscribers   []func(presentation.State)
	subscribed    chan struct{}
}

func (m *mockScreenState) Current() presentation.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *mockScreenState) Subscribe(fn func(presentation.State)) func() {
	m.mu.Lock()
	m.subscribers = append(m.subscribers, fn)
	ch := m.subscribed
	m.mu.Unlock()
	if ch != nil {
		close(ch)
	}
	return func() {}
}

func (m *mockScreenState) BeginSignIn(ctx context.Context) error {
	if m.beginSignInFn != nil {
		return m.beginSignInFn(ctx)
	}
	return nil
}

func (m *mockScreenState) SignOut(context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signOuts++
	m.current = presentation.State{}
}

func (m *mockScreenState) publish(s presentation.State) {
	m.mu.Lock()
	m.current = s
	subs := append([]func(presentation.State){}, m.subscribers...)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

type mockAvatars struct {
	fetchFn func(ctx context.Context, photoURL string) (*avatar.Image, error)
	forgets int
}

func (m *mockAvatars) Fetch(ctx context.Context, photoURL string) (*avatar.Image, error) {
	if m.fetchFn != nil {
		return m.fetchFn(ctx, photoURL)
	}
	return nil, errors.New("not configured")
}

func (m *mockAvatars) Forget() { m.forgets++ }

type mockAudit struct {
	enabled  bool
	recentFn func(ctx context.Context, limit int) ([]*model.AuthEvent, error)
}

func (m *mockAudit) Enabled() bool { return m.enabled }

func (m *mockAudit) Recent(ctx context.Context, limit int) ([]*model.AuthEvent, error) {
	if m.recentFn != nil {
		return m.recentFn(ctx, limit)
	}
	return nil, nil
}

type mockHealthChecker struct{ err error }

func (m *mockHealthChecker) PingContext(context.Context) error { return m.err }

var _ ScreenState = (*mockScreenState)(nil)
var _ AvatarFetcher = (*mockAvatars)(nil)
var _ AuditLister = (*mockAudit)(nil)
var _ HealthChecker = (*mockHealthChecker)(nil)

// --- ヘルパー ---

type testEnv struct {
	state    *mockScreenState
	avatars  *mockAvatars
	audit    *mockAudit
	deps     *RouterDeps
	done     chan struct{}
	callback int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	rl := middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(30), logger)
	t.Cleanup(rl.Stop)

	env := &testEnv{
		state:   &mockScreenState{},
		avatars: &mockAvatars{},
		audit:   &mockAudit{},
		done:    make(chan struct{}),
	}
	env.deps = &RouterDeps{
		Logger:      logger,
		RateLimiter: rl,
		State:       env.state,
		Avatars:     env.avatars,
		Sanitizer:   security.NewTextSanitizer(),
		PickerCallback: func(w http.ResponseWriter, r *http.Request) {
			env.callback++
			http.Redirect(w, r, "/", http.StatusSeeOther)
		},
		Audit:    env.audit,
		Gatherer: prometheus.NewRegistry(),
		Done:     env.done,
	}
	return env
}

func (e *testEnv) router() http.Handler {
	return NewRouter(e.deps)
}

// csrfPost はCSRFトークン付きのPOSTリクエストを作る。
func csrfPost(path string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("csrf_token=tok"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(&http.Cookie{Name: middleware.CSRFCookieName, Value: "tok"})
	return req
}

func signedIn(name, photo string) presentation.State {
	return presentation.State{User: &model.User{ID: "u1", DisplayName: name, Email: "ada@example.com", PhotoURL: photo}}
}

// --- 画面 ---

func TestPage_SignedOut(t *testing.T) {
	env := newTestEnv(t)

	w := httptest.NewRecorder()
	env.router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{"Not logged in", "Sign in via Google", `action="/signin"`} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q", want)
		}
	}
	if strings.Contains(body, "Welcome") {
		t.Error("signed-out page should not show profile")
	}

	var token string
	for _, c := range w.Result().Cookies() {
		if c.Name == middleware.CSRFCookieName {
			token = c.Value
		}
	}
	if token == "" || !strings.Contains(body, `value="`+token+`"`) {
		t.Error("page should embed the issued CSRF token")
	}
}

func TestPage_SignedIn_EscapesAndSanitizesName(t *testing.T) {
	env := newTestEnv(t)
	env.state.current = signedIn(`<b>Ada</b> & "Bob"`, "https://lh3.googleusercontent.com/a/x")

	w := httptest.NewRecorder()
	env.router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	body := w.Body.String()
	if !strings.Contains(body, "Welcome Ada &amp; &#34;Bob&#34;") {
		t.Errorf("unexpected welcome line in body:\n%s", body)
	}
	if !strings.Contains(body, `src="/avatar?v=`) {
		t.Error("expected avatar image")
	}
	if !strings.Contains(body, "Sign out") || strings.Contains(body, "Not logged in") {
		t.Error("expected signed-in view only")
	}
}

func TestSignIn(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"起動成功", nil, http.StatusSeeOther},
		{"進行中", model.ErrSignInInProgress, http.StatusConflict},
		{"起動失敗", errors.New("no browser"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			calls := 0
			env.state.beginSignInFn = func(context.Context) error {
				calls++
				return tt.err
			}

			w := httptest.NewRecorder()
			env.router().ServeHTTP(w, csrfPost("/signin"))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if calls != 1 {
				t.Errorf("BeginSignIn calls = %d, want 1", calls)
			}
		})
	}
}

func TestSignIn_RequiresCSRF(t *testing.T) {
	env := newTestEnv(t)
	called := false
	env.state.beginSignInFn = func(context.Context) error {
		called = true
		return nil
	}

	w := httptest.NewRecorder()
	env.router().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/signin", nil))

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
	if called {
		t.Error("BeginSignIn should not be called without CSRF token")
	}
}

func TestSignIn_RateLimited(t *testing.T) {
	env := newTestEnv(t)
	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{Rate: 0.01, Burst: 1, CleanupInterval: time.Minute}, env.deps.Logger)
	t.Cleanup(rl.Stop)
	env.deps.RateLimiter = rl
	router := env.router()

	first := httptest.NewRecorder()
	router.ServeHTTP(first, csrfPost("/signin"))
	second := httptest.NewRecorder()
	router.ServeHTTP(second, csrfPost("/signin"))

	if first.Code != http.StatusSeeOther || second.Code != http.StatusTooManyRequests {
		t.Errorf("statuses = %d, %d; want 303, 429", first.Code, second.Code)
	}
}

func TestSignOut_IdempotentAndForgetsAvatar(t *testing.T) {
	env := newTestEnv(t)
	env.state.current = signedIn("Ada", "")
	router := env.router()

	for range 2 {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, csrfPost("/signout"))
		if w.Code != http.StatusSeeOther {
			t.Errorf("status = %d, want 303", w.Code)
		}
	}
	if env.state.signOuts != 2 || env.avatars.forgets != 2 {
		t.Errorf("signOuts = %d, forgets = %d; want 2, 2", env.state.signOuts, env.avatars.forgets)
	}
	if env.state.Current().SignedIn() {
		t.Error("expected signed-out")
	}
}

// --- アバター ---

func TestAvatar(t *testing.T) {
	t.Run("サインアウト中は404", func(t *testing.T) {
		env := newTestEnv(t)
		w := httptest.NewRecorder()
		env.router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/avatar", nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})

	t.Run("画像を返す", func(t *testing.T) {
		env := newTestEnv(t)
		env.state.current = signedIn("Ada", "https://lh3.googleusercontent.com/a/x")
		var gotURL string
		env.avatars.fetchFn = func(_ context.Context, photoURL string) (*avatar.Image, error) {
			gotURL = photoURL
			return &avatar.Image{Data: []byte("img"), MimeType: "image/jpeg"}, nil
		}

		w := httptest.NewRecorder()
		env.router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/avatar", nil))

		if w.Code != http.StatusOK || w.Body.String() != "img" {
			t.Errorf("status = %d, body = %q", w.Code, w.Body.String())
		}
		if w.Header().Get("Content-Type") != "image/jpeg" {
			t.Errorf("Content-Type = %q", w.Header().Get("Content-Type"))
		}
		if gotURL != "https://lh3.googleusercontent.com/a/x" {
			t.Errorf("fetched %q", gotURL)
		}
	})

	t.Run("取得失敗は502", func(t *testing.T) {
		env := newTestEnv(t)
		env.state.current = signedIn("Ada", "https://lh3.googleusercontent.com/a/x")
		w := httptest.NewRecorder()
		env.router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/avatar", nil))
		if w.Code != http.StatusBadGateway {
			t.Errorf("status = %d, want 502", w.Code)
		}
	})
}

// --- SSE ---

func TestEvents_StreamsStateChanges(t *testing.T) {
	env := newTestEnv(t)
	env.state.subscribed = make(chan struct{})
	ts := httptest.NewServer(env.router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/events")
	if err != nil {
		t.Fatalf("GET /events error = %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	events := make(chan string, 4)
	go func() {
		buf := make([]byte, 4096)
		var pending string
		for {
			n, err := resp.Body.Read(buf)
			pending += string(buf[:n])
			for {
				i := strings.Index(pending, "\n\n")
				if i < 0 {
					break
				}
				events <- pending[:i]
				pending = pending[i+2:]
			}
			if err != nil {
				close(events)
				return
			}
		}
	}()

	next := func() string {
		t.Helper()
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("stream closed")
			}
			return ev
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for event")
		}
		return ""
	}

	if ev := next(); !strings.Contains(ev, `"signed_in":false`) {
		t.Errorf("initial event = %q", ev)
	}

	<-env.state.subscribed
	env.state.publish(signedIn("Ada", ""))

	ev := next()
	if !strings.HasPrefix(ev, "event: state\n") || !strings.Contains(ev, `"signed_in":true`) || !strings.Contains(ev, `"display_name":"Ada"`) {
		t.Errorf("update event = %q", ev)
	}

	close(env.done)
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream should end when done is closed")
		}
	}
}

// --- 運用 ---

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		checker    HealthChecker
		wantStatus int
		wantBody   string
	}{
		{"DBなし", nil, http.StatusOK, `"database":"disabled"`},
		{"DB正常", &mockHealthChecker{}, http.StatusOK, `"database":"ok"`},
		{"DB異常", &mockHealthChecker{err: errors.New("down")}, http.StatusServiceUnavailable, `"database":"unavailable"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.deps.HealthChecker = tt.checker

			w := httptest.NewRecorder()
			env.router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("body = %s, want %s", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestAuditRecent(t *testing.T) {
	t.Run("無効", func(t *testing.T) {
		env := newTestEnv(t)
		w := httptest.NewRecorder()
		env.router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/audit/recent", nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})

	t.Run("limitの上限", func(t *testing.T) {
		env := newTestEnv(t)
		env.audit.enabled = true
		var gotLimit int
		env.audit.recentFn = func(_ context.Context, limit int) ([]*model.AuthEvent, error) {
			gotLimit = limit
			return []*model.AuthEvent{{ID: "e1", Outcome: model.OutcomeExchangeFailed, ErrorCode: "INVALID_IDP_RESPONSE", Duration: 1500 * time.Millisecond}}, nil
		}

		w := httptest.NewRecorder()
		env.router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/audit/recent?limit=1000", nil))

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		if gotLimit != maxAuditLimit {
			t.Errorf("limit = %d, want %d", gotLimit, maxAuditLimit)
		}
		body := w.Body.String()
		if !strings.Contains(body, `"error_code":"INVALID_IDP_RESPONSE"`) || !strings.Contains(body, `"duration_ms":1500`) {
			t.Errorf("body = %s", body)
		}
	})

	t.Run("不正なlimit", func(t *testing.T) {
		env := newTestEnv(t)
		env.audit.enabled = true
		w := httptest.NewRecorder()
		env.router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/audit/recent?limit=abc", nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})
}

func TestRouter_PickerCallbackAndStatic(t *testing.T) {
	env := newTestEnv(t)
	router := env.router()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/oauth/callback?state=s&code=c", nil))
	if w.Code != http.StatusSeeOther || env.callback != 1 {
		t.Errorf("callback status = %d, calls = %d", w.Code, env.callback)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/static/app.js", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "EventSource") {
		t.Errorf("static status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Errorf("metrics status = %d", w.Code)
	}
}

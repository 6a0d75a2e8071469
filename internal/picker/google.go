package picker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

const (
	defaultGoogleAuthURL  = "https://accounts.google.com/o/oauth2/v2/auth"
	defaultGoogleTokenURL = "https://oauth2.googleapis.com/token"
	defaultPickerTimeout  = 5 * time.Minute
)

// GoogleConfig はGoogleアカウント選択の設定。
type GoogleConfig struct {
	ClientSecret string
	RedirectURL  string
	Timeout      time.Duration // 選択が完了するまでの待ち時間

	// テスト用にオーバーライド可能なURL
	AuthURL  string
	TokenURL string

	// HTTPClient はトークンエンドポイントの呼び出しに使う。nilの場合はhttp.DefaultClient
	HTTPClient *http.Client
}

// PendingRequest は起動済みで結果待ちのアカウント選択リクエスト。
// 1回のラウンドトリップの間だけ存在し、永続化しない。
type PendingRequest struct {
	ID        string
	State     string
	Verifier  string
	ClientID  string
	Scopes    []string
	CreatedAt time.Time
	ExpiresAt time.Time
}

type pendingEntry struct {
	req     PendingRequest
	deliver func(Result)
	timer   *time.Timer
}

// GooglePicker はシステムブラウザのGoogleアカウント選択画面を使うActivity。
// 同意画面からのリダイレクトをHandleCallbackで受け、認可コードをPKCE付きで
// トークンに交換してから結果を届ける。
type GooglePicker struct {
	config GoogleConfig
	opener Opener
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// NewGooglePicker はGooglePickerを生成する。
func NewGooglePicker(config GoogleConfig, opener Opener, logger *slog.Logger) *GooglePicker {
	if config.AuthURL == "" {
		config.AuthURL = defaultGoogleAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultGoogleTokenURL
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultPickerTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GooglePicker{
		config:  config,
		opener:  opener,
		logger:  logger,
		now:     time.Now,
		pending: make(map[string]*pendingEntry),
	}
}

// Start は同意画面のURLを生成してOpenerに渡す。
func (p *GooglePicker) Start(ctx context.Context, intent Intent, deliver func(Result)) error {
	if err := intent.Validate(); err != nil {
		return fmt.Errorf("invalid intent: %w", err)
	}

	state, err := generateState()
	if err != nil {
		return fmt.Errorf("failed to generate state: %w", err)
	}

	now := p.now()
	req := PendingRequest{
		ID:        uuid.NewString(),
		State:     state,
		Verifier:  oauth2.GenerateVerifier(),
		ClientID:  intent.ServerClientID,
		Scopes:    intent.Scopes(),
		CreatedAt: now,
		ExpiresAt: now.Add(p.config.Timeout),
	}

	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(req.Verifier)}
	if intent.Prompt != "" {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", intent.Prompt))
	}
	if intent.LoginHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", intent.LoginHint))
	}
	authURL := p.oauthConfig(req).AuthCodeURL(state, opts...)

	// リダイレクトがOpenより先に届いても取りこぼさないよう、先に登録する
	entry := &pendingEntry{req: req, deliver: deliver}
	p.mu.Lock()
	p.pending[state] = entry
	entry.timer = time.AfterFunc(p.config.Timeout, func() { p.expire(state) })
	p.mu.Unlock()

	if err := p.opener.Open(authURL); err != nil {
		if e := p.take(state); e != nil {
			e.timer.Stop()
		}
		return fmt.Errorf("failed to open account picker: %w", err)
	}

	p.logger.InfoContext(ctx, "account picker launched",
		slog.String("request_id", req.ID),
		slog.Time("expires_at", req.ExpiresAt),
	)
	return nil
}

// HandleCallback は同意画面からのリダイレクトを処理する。
// GET /oauth/callback?code=xxx&state=yyy
func (p *GooglePicker) HandleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	entry := p.take(query.Get("state"))
	if entry == nil {
		p.logger.Warn("picker callback with unknown or expired state")
		http.Error(w, "unknown or expired sign-in request", http.StatusBadRequest)
		return
	}
	entry.timer.Stop()

	result := p.resultFromCallback(r.Context(), entry.req, query)
	go entry.deliver(result)

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// PendingCount は結果待ちのリクエスト数を返す。テスト用。
func (p *GooglePicker) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Close は結果待ちのリクエストをすべてキャンセル結果で終了させる。
func (p *GooglePicker) Close() {
	p.mu.Lock()
	entries := p.pending
	p.pending = make(map[string]*pendingEntry)
	p.mu.Unlock()

	for _, e := range entries {
		e.timer.Stop()
		go e.deliver(Result{Code: ResultCanceled})
	}
}

// resultFromCallback はリダイレクトのクエリを結果ペイロードに変換する。
func (p *GooglePicker) resultFromCallback(ctx context.Context, req PendingRequest, query url.Values) Result {
	if errCode := query.Get(KeyError); errCode != "" {
		p.logger.Info("account picker returned error",
			slog.String("request_id", req.ID),
			slog.String("error", errCode),
		)
		return Result{Code: ResultCanceled, Data: url.Values{
			KeyError:            {errCode},
			KeyErrorDescription: {query.Get(KeyErrorDescription)},
		}}
	}

	code := query.Get("code")
	if code == "" {
		return Result{Code: ResultOK, Data: url.Values{KeyError: {"missing_code"}}}
	}

	if p.config.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.config.HTTPClient)
	}
	token, err := p.oauthConfig(req).Exchange(ctx, code, oauth2.VerifierOption(req.Verifier))
	if err != nil {
		p.logger.Error("failed to exchange authorization code",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
		return Result{Code: ResultOK, Data: url.Values{
			KeyError:            {"token_exchange_failed"},
			KeyErrorDescription: {err.Error()},
		}}
	}

	data := url.Values{KeyAccessToken: {token.AccessToken}}
	if idToken, ok := token.Extra("id_token").(string); ok && idToken != "" {
		data.Set(KeyIDToken, idToken)
	}
	return Result{Code: ResultOK, Data: data}
}

// expire は期限切れのリクエストをキャンセル結果で終了させる。
func (p *GooglePicker) expire(state string) {
	entry := p.take(state)
	if entry == nil {
		return
	}
	p.logger.Info("account picker timed out", slog.String("request_id", entry.req.ID))
	entry.deliver(Result{Code: ResultCanceled, Data: url.Values{KeyError: {"timeout"}}})
}

// take は結果待ちのリクエストを取り出して登録を解除する。
func (p *GooglePicker) take(state string) *pendingEntry {
	if state == "" {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.pending[state]
	if !ok {
		return nil
	}
	delete(p.pending, state)
	return entry
}

func (p *GooglePicker) oauthConfig(req PendingRequest) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     req.ClientID,
		ClientSecret: p.config.ClientSecret,
		RedirectURL:  p.config.RedirectURL,
		Scopes:       req.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.config.AuthURL,
			TokenURL:  p.config.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// compile-time interface check
var _ Activity = (*GooglePicker)(nil)

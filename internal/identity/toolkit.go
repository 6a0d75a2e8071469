package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/googlesignin/internal/metrics"
	"github.com/hitoshi/googlesignin/internal/model"
)

const (
	defaultToolkitEndpoint = "https://identitytoolkit.googleapis.com"
	signInWithIdpPath      = "/v1/accounts:signInWithIdp"
	maxResponseSize        = 1 << 20
)

// ToolkitConfig はIdentity Toolkitクライアントの設定。
type ToolkitConfig struct {
	APIKey string
	// RequestURI はIdPからのリダイレクト先としてバックエンドに申告するURI。
	RequestURI string
	// テスト用にオーバーライド可能なエンドポイント
	Endpoint string
	Timeout  time.Duration
	// Metrics はバックエンドの応答ステータスを記録する。nilの場合は記録しない
	Metrics metrics.MetricsCollector
}

// ToolkitClient はFirebase Identity Toolkit（signInWithIdp）によるService実装。
// 交換に成功したセッションをメモリ上に保持する。
type ToolkitClient struct {
	config     ToolkitConfig
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.RWMutex
	current *model.Session
}

// NewToolkitClient はToolkitClientを生成する。
func NewToolkitClient(config ToolkitConfig, logger *slog.Logger) *ToolkitClient {
	if config.Endpoint == "" {
		config.Endpoint = defaultToolkitEndpoint
	}
	config.Endpoint = strings.TrimRight(config.Endpoint, "/")
	if config.RequestURI == "" {
		config.RequestURI = "http://localhost"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolkitClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
		now:        time.Now,
	}
}

// signInWithIdpRequest はsignInWithIdpのリクエストボディ。
type signInWithIdpRequest struct {
	PostBody            string `json:"postBody"`
	RequestURI          string `json:"requestUri"`
	ReturnSecureToken   bool   `json:"returnSecureToken"`
	ReturnIdpCredential bool   `json:"returnIdpCredential"`
}

// signInWithIdpResponse はsignInWithIdpの成功レスポンス。
type signInWithIdpResponse struct {
	LocalID      string `json:"localId"`
	DisplayName  string `json:"displayName"`
	Email        string `json:"email"`
	PhotoURL     string `json:"photoUrl"`
	ProviderID   string `json:"providerId"`
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
	ErrorMessage string `json:"errorMessage"`
}

// toolkitErrorResponse はIdentity Toolkitのエラーレスポンス。
type toolkitErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ExchangeCredential はクレデンシャルをIdentity Toolkitでセッションに交換する。
// 1回だけ試行し、リトライしない。
func (c *ToolkitClient) ExchangeCredential(ctx context.Context, cred Credential) (*model.Session, error) {
	if cred.IDToken == "" && cred.AccessToken == "" {
		return nil, &model.ExchangeError{Code: "MISSING_CREDENTIAL", Message: "credential has no token"}
	}

	postBody := url.Values{"providerId": {cred.ProviderID}}
	if cred.IDToken != "" {
		postBody.Set("id_token", cred.IDToken)
	}
	if cred.AccessToken != "" {
		postBody.Set("access_token", cred.AccessToken)
	}

	body, err := json.Marshal(signInWithIdpRequest{
		PostBody:            postBody.Encode(),
		RequestURI:          c.config.RequestURI,
		ReturnSecureToken:   true,
		ReturnIdpCredential: true,
	})
	if err != nil {
		return nil, &model.ExchangeError{Message: "failed to encode request", Err: err}
	}

	endpoint := c.config.Endpoint + signInWithIdpPath + "?key=" + url.QueryEscape(c.config.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &model.ExchangeError{Message: "failed to create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &model.ExchangeError{Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if c.config.Metrics != nil {
		c.config.Metrics.RecordUpstreamStatus(resp.StatusCode)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &model.ExchangeError{Message: "failed to read response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseToolkitError(resp.StatusCode, respBody)
	}

	var parsed signInWithIdpResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &model.ExchangeError{Message: "failed to parse response", Err: err}
	}
	if parsed.ErrorMessage != "" {
		return nil, &model.ExchangeError{Code: errorCodeOf(parsed.ErrorMessage), Message: parsed.ErrorMessage}
	}
	if parsed.LocalID == "" {
		return nil, &model.ExchangeError{Code: "EMPTY_LOCAL_ID", Message: "response has no user id"}
	}

	session := &model.Session{
		User: model.User{
			ID:          parsed.LocalID,
			DisplayName: parsed.DisplayName,
			Email:       parsed.Email,
			PhotoURL:    parsed.PhotoURL,
		},
		ProviderID:    cred.ProviderID,
		ProviderToken: cred.IDToken,
		IDToken:       parsed.IDToken,
		RefreshToken:  parsed.RefreshToken,
	}
	if secs, err := strconv.Atoi(parsed.ExpiresIn); err == nil {
		session.ExpiresAt = c.now().Add(time.Duration(secs) * time.Second)
	}

	c.mu.Lock()
	c.current = session
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "credential exchanged",
		slog.String("user_id", session.User.ID),
		slog.String("provider", cred.ProviderID),
	)
	return session, nil
}

// CurrentSession は保持しているセッションを返す。
func (c *ToolkitClient) CurrentSession() *model.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// SignOut は保持しているセッションを破棄する。
// Identity Toolkitにはクライアント向けのサインアウトAPIがないため通信は行わない。
func (c *ToolkitClient) SignOut(ctx context.Context) {
	c.mu.Lock()
	prev := c.current
	c.current = nil
	c.mu.Unlock()

	if prev != nil {
		c.logger.InfoContext(ctx, "signed out", slog.String("user_id", prev.User.ID))
	}
}

// parseToolkitError はエラーレスポンスを*model.ExchangeErrorに変換する。
// messageは "INVALID_IDP_RESPONSE : 詳細" の形式をとる。
func parseToolkitError(status int, body []byte) error {
	var parsed toolkitErrorResponse
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Error.Message == "" {
		return &model.ExchangeError{
			Code:    "HTTP_" + strconv.Itoa(status),
			Message: fmt.Sprintf("unexpected status %d", status),
		}
	}
	return &model.ExchangeError{
		Code:    errorCodeOf(parsed.Error.Message),
		Message: parsed.Error.Message,
	}
}

func errorCodeOf(message string) string {
	code, _, _ := strings.Cut(message, ":")
	return strings.TrimSpace(code)
}

// compile-time interface check
var _ Service = (*ToolkitClient)(nil)

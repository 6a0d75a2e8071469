// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/googlesignin/internal/avatar"
	"github.com/hitoshi/googlesignin/internal/middleware"
	"github.com/hitoshi/googlesignin/internal/model"
	"github.com/hitoshi/googlesignin/internal/presentation"
)

// sseHeartbeatInterval はSSE接続を維持するためのコメント送信間隔。
const sseHeartbeatInterval = 25 * time.Second

// ScreenState は画面ハンドラーが必要とする表示状態の操作。
type ScreenState interface {
	Current() presentation.State
	Subscribe(fn func(presentation.State)) (unsubscribe func())
	BeginSignIn(ctx context.Context) error
	SignOut(ctx context.Context)
}

// AvatarFetcher はプロフィール画像の取得インターフェース。
type AvatarFetcher interface {
	Fetch(ctx context.Context, photoURL string) (*avatar.Image, error)
	Forget()
}

// TextSanitizer は表示用文字列の整形インターフェース。
type TextSanitizer interface {
	Sanitize(raw string) string
}

// pageView はテンプレートに渡す表示モデル。
type pageView struct {
	SignedIn     bool
	DisplayName  string
	Email        string
	HasPhoto     bool
	PhotoVersion string
	CSRFToken    string
}

// stateEvent はSSEで送信する状態。
type stateEvent struct {
	SignedIn    bool   `json:"signed_in"`
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
	HasPhoto    bool   `json:"has_photo"`
}

// ScreenHandler はサインイン画面のHTTPハンドラー。
type ScreenHandler struct {
	state     ScreenState
	avatars   AvatarFetcher
	sanitizer TextSanitizer
	page      *template.Template
	logger    *slog.Logger
	done      <-chan struct{}
}

// NewScreenHandler はScreenHandlerを生成する。
// doneが閉じられるとSSE接続を終了する。
func NewScreenHandler(state ScreenState, avatars AvatarFetcher, sanitizer TextSanitizer, logger *slog.Logger, done <-chan struct{}) *ScreenHandler {
	return &ScreenHandler{
		state:     state,
		avatars:   avatars,
		sanitizer: sanitizer,
		page:      template.Must(template.ParseFS(webFS, "web/templates/page.html")),
		logger:    logger,
		done:      done,
	}
}

// Page は現在の状態に応じてサインアウト画面またはプロフィール画面を返す。
// GET /
func (h *ScreenHandler) Page(w http.ResponseWriter, r *http.Request) {
	view := h.view(h.state.Current())
	view.CSRFToken = middleware.CSRFTokenFromContext(r.Context())

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.page.Execute(w, view); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to render page", slog.String("error", err.Error()))
	}
}

// SignIn はアカウント選択フローを開始する。状態は変更しない。
// POST /signin
func (h *ScreenHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	if err := h.state.BeginSignIn(r.Context()); err != nil {
		if errors.Is(err, model.ErrSignInInProgress) {
			middleware.WriteErrorResponse(w, http.StatusConflict, model.ErrorCode(err), "sign-in is already in progress")
			return
		}
		h.logger.ErrorContext(r.Context(), "failed to begin sign-in", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, "PICKER_UNAVAILABLE", "account picker could not be started")
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// SignOut はサインアウトする。サインアウト済みでも成功する。
// POST /signout
func (h *ScreenHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	h.state.SignOut(r.Context())
	h.avatars.Forget()
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// Events は状態変更をServer-Sent Eventsで配信する。
// 接続直後に現在の状態を1回送信する。
// GET /events
func (h *ScreenHandler) Events(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	// 購読者はロック外から同期的に呼ばれるため、最新の状態だけを保持してブロックしない
	updates := make(chan presentation.State, 1)
	unsubscribe := h.state.Subscribe(func(s presentation.State) {
		select {
		case <-updates:
		default:
		}
		updates <- s
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := h.writeEvent(w, rc, h.state.Current()); err != nil {
		return
	}

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.done:
			return
		case s := <-updates:
			if err := h.writeEvent(w, rc, s); err != nil {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// Avatar はサインイン中のユーザーのプロフィール画像を返す。
// GET /avatar
func (h *ScreenHandler) Avatar(w http.ResponseWriter, r *http.Request) {
	current := h.state.Current()
	if !current.SignedIn() || current.User.PhotoURL == "" {
		http.NotFound(w, r)
		return
	}

	img, err := h.avatars.Fetch(r.Context(), current.User.PhotoURL)
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadGateway, "AVATAR_UNAVAILABLE", "profile photo could not be loaded")
		return
	}

	w.Header().Set("Content-Type", img.MimeType)
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.Write(img.Data)
}

func (h *ScreenHandler) view(s presentation.State) pageView {
	if !s.SignedIn() {
		return pageView{}
	}
	v := pageView{
		SignedIn:    true,
		DisplayName: h.sanitizer.Sanitize(s.User.DisplayName),
		Email:       h.sanitizer.Sanitize(s.User.Email),
		HasPhoto:    s.User.PhotoURL != "",
	}
	if v.HasPhoto {
		v.PhotoVersion = photoVersion(s.User.PhotoURL)
	}
	return v
}

func (h *ScreenHandler) writeEvent(w http.ResponseWriter, rc *http.ResponseController, s presentation.State) error {
	v := h.view(s)
	data, err := json.Marshal(stateEvent{
		SignedIn:    v.SignedIn,
		DisplayName: v.DisplayName,
		Email:       v.Email,
		HasPhoto:    v.HasPhoto,
	})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: state\ndata: %s\n\n", data); err != nil {
		return err
	}
	return rc.Flush()
}

// photoVersion は画像URLが変わったときにブラウザキャッシュを無効化するための値。
func photoVersion(photoURL string) string {
	h := fnv.New32a()
	h.Write([]byte(photoURL))
	return fmt.Sprintf("%08x", h.Sum32())
}

// compile-time interface check
var _ ScreenState = (*presentation.StateHolder)(nil)
var _ AvatarFetcher = (*avatar.Fetcher)(nil)

// Package presentation はサインイン画面の表示状態を保持する。
package presentation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/googlesignin/internal/auth"
	"github.com/hitoshi/googlesignin/internal/identity"
	"github.com/hitoshi/googlesignin/internal/model"
	"github.com/hitoshi/googlesignin/internal/picker"
)

// State は画面の表示状態。Userがnilならサインアウト状態。
// 読み込み中の状態は持たない。
type State struct {
	User *model.User
}

// SignedIn はサインイン状態かどうかを返す。
func (s State) SignedIn() bool {
	return s.User != nil
}

// StateHolder は現在のユーザーを保持し、変更を購読者に通知する。
type StateHolder struct {
	identity identity.Service
	launcher *auth.Launcher
	intent   picker.Intent
	logger   *slog.Logger

	// dispatchMu は状態の更新から購読者への通知までを直列化する。
	// 購読者はsetを呼び出してはならない。
	dispatchMu sync.Mutex

	mu          sync.Mutex
	state       State
	subscribers map[int]func(State)
	nextID      int
}

// NewStateHolder はStateHolderを生成する。
// 初期状態はIDサービスがキャッシュしているセッションから決まる。
// ランチャーは内部で生成し、完了通知をこのホルダーに結びつける。
func NewStateHolder(activity picker.Activity, svc identity.Service, intent picker.Intent, logger *slog.Logger, opts ...auth.Option) *StateHolder {
	if logger == nil {
		logger = slog.Default()
	}
	h := &StateHolder{
		identity:    svc,
		intent:      intent,
		logger:      logger,
		subscribers: make(map[int]func(State)),
	}
	if session := svc.CurrentSession(); session != nil {
		u := session.User
		h.state = State{User: &u}
	}
	opts = append([]auth.Option{auth.WithLogger(logger)}, opts...)
	h.launcher = auth.NewLauncher(activity, svc, auth.Callbacks{
		OnAuthComplete: h.onAuthComplete,
		OnAuthError:    h.onAuthError,
	}, opts...)
	return h
}

// Current は現在の状態を返す。
func (h *StateHolder) Current() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return copyState(h.state)
}

// Launcher は内部のランチャーを返す。
func (h *StateHolder) Launcher() *auth.Launcher {
	return h.launcher
}

// Subscribe は状態変更の購読を登録し、解除関数を返す。
// 状態が変化しない遷移では通知しない。
func (h *StateHolder) Subscribe(fn func(State)) (unsubscribe func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subscribers[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, id)
			h.mu.Unlock()
		})
	}
}

// BeginSignIn はアカウント選択フローを起動する。状態は変更しない。
func (h *StateHolder) BeginSignIn(ctx context.Context) error {
	if err := h.launcher.Launch(ctx, h.intent); err != nil {
		return fmt.Errorf("failed to begin sign-in: %w", err)
	}
	return nil
}

// SignOut はバックエンドのセッションを無効化し、サインアウト状態にする。
// サインアウト済みの場合も呼び出せる。
func (h *StateHolder) SignOut(ctx context.Context) {
	h.identity.SignOut(ctx)
	h.set(State{})
}

func (h *StateHolder) onAuthComplete(session *model.Session) {
	u := session.User
	h.set(State{User: &u})
}

func (h *StateHolder) onAuthError(err error) {
	h.logger.Debug("resetting to signed-out", slog.String("code", model.ErrorCode(err)))
	h.set(State{})
}

// set は状態を更新し、変化があった場合のみ購読者に通知する。
// 通知は更新の順序どおりに届き、最後の通知はCurrentと一致する。
func (h *StateHolder) set(next State) {
	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()

	h.mu.Lock()
	if sameState(h.state, next) {
		h.mu.Unlock()
		return
	}
	h.state = next
	subs := make([]func(State), 0, len(h.subscribers))
	for _, fn := range h.subscribers {
		subs = append(subs, fn)
	}
	h.mu.Unlock()

	// 購読者がCurrentやSubscribeを呼べるよう、muは解放してから通知する
	for _, fn := range subs {
		fn(copyState(next))
	}
}

func sameState(a, b State) bool {
	if a.User == nil || b.User == nil {
		return a.User == nil && b.User == nil
	}
	return *a.User == *b.User
}

func copyState(s State) State {
	if s.User == nil {
		return State{}
	}
	u := *s.User
	return State{User: &u}
}

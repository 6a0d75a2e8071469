// Package auth はアカウント選択の結果をIDバックエンドのセッションに変換する
// 認証ランチャーを提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/googlesignin/internal/identity"
	"github.com/hitoshi/googlesignin/internal/model"
	"github.com/hitoshi/googlesignin/internal/picker"
)

// Phase は1回の認証ラウンドトリップにおける段階を表す。
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhasePickerLaunched    Phase = "picker_launched"
	PhasePickerSucceeded   Phase = "picker_succeeded"
	PhaseExchangeInFlight  Phase = "exchange_in_flight"
	PhaseExchangeSucceeded Phase = "exchange_succeeded"
	PhaseExchangeFailed    Phase = "exchange_failed"
	PhasePickerFailed      Phase = "picker_failed"
)

// Terminal は終端状態かどうかを返す。
func (p Phase) Terminal() bool {
	switch p {
	case PhaseExchangeSucceeded, PhaseExchangeFailed, PhasePickerFailed:
		return true
	default:
		return false
	}
}

// Report は終端状態に達したラウンドトリップの結果。
type Report struct {
	RequestID string
	Outcome   model.Outcome
	Session   *model.Session // 成功時のみ
	Err       error          // 失敗時のみ
	Duration  time.Duration
}

// Reporter はラウンドトリップの結果を記録する。
// 1回のラウンドトリップにつきちょうど1回呼ばれる。
type Reporter interface {
	ReportOutcome(ctx context.Context, report Report)
}

// ReporterFunc は関数をReporterとして扱うアダプタ。
type ReporterFunc func(ctx context.Context, report Report)

// ReportOutcome はf(ctx, report)を呼び出す。
func (f ReporterFunc) ReportOutcome(ctx context.Context, report Report) {
	f(ctx, report)
}

// MultiReporter は複数のReporterに順に結果を渡すReporterを返す。nilは無視する。
func MultiReporter(reporters ...Reporter) Reporter {
	var rs []Reporter
	for _, r := range reporters {
		if r != nil {
			rs = append(rs, r)
		}
	}
	return ReporterFunc(func(ctx context.Context, report Report) {
		for _, r := range rs {
			r.ReportOutcome(ctx, report)
		}
	})
}

// Callbacks はラウンドトリップの完了通知先。
type Callbacks struct {
	OnAuthComplete func(session *model.Session)
	OnAuthError    func(err error)
}

// Option はLauncherの生成オプション。
type Option func(*Launcher)

// WithReporter は結果の記録先を設定する。
func WithReporter(r Reporter) Option {
	return func(l *Launcher) { l.reporter = r }
}

// WithLogger はロガーを設定する。
func WithLogger(logger *slog.Logger) Option {
	return func(l *Launcher) { l.logger = logger }
}

// Launcher はプロセス外のアカウント選択フローとIDバックエンドの
// クレデンシャル交換をつなぐ。
type Launcher struct {
	activity  picker.Activity
	identity  identity.Service
	callbacks Callbacks
	reporter  Reporter
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	phase    Phase
	inFlight bool
}

// NewLauncher はLauncherを生成する。
func NewLauncher(activity picker.Activity, svc identity.Service, callbacks Callbacks, opts ...Option) *Launcher {
	l := &Launcher{
		activity:  activity,
		identity:  svc,
		callbacks: callbacks,
		logger:    slog.Default(),
		now:       time.Now,
		phase:     PhaseIdle,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Launch はアカウント選択フローを起動する。結果は非同期に処理され、
// Callbacksのいずれかがちょうど1回呼ばれる。
// ラウンドトリップが進行中の場合はmodel.ErrSignInInProgressを返す。
// 起動後はキャンセルできない（キャンセルはユーザーが選択画面を閉じることで行われる）。
func (l *Launcher) Launch(ctx context.Context, intent picker.Intent) error {
	l.mu.Lock()
	if l.inFlight {
		l.mu.Unlock()
		return model.ErrSignInInProgress
	}
	l.inFlight = true
	l.phase = PhasePickerLaunched
	l.mu.Unlock()

	requestID := uuid.NewString()
	started := l.now()
	// 呼び出し元のキャンセルは交換処理に伝播させない
	bg := context.WithoutCancel(ctx)

	err := l.activity.Start(ctx, intent, func(r picker.Result) {
		l.handleResult(bg, requestID, started, r)
	})
	if err != nil {
		l.mu.Lock()
		l.phase = PhaseIdle
		l.inFlight = false
		l.mu.Unlock()
		return fmt.Errorf("failed to launch account picker: %w", err)
	}

	l.logger.DebugContext(ctx, "sign-in round trip started", slog.String("request_id", requestID))
	return nil
}

// Phase は現在の段階を返す。
func (l *Launcher) Phase() Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase
}

// InFlight はラウンドトリップが進行中かどうかを返す。
func (l *Launcher) InFlight() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}

// handleResult はアカウント選択の結果を順に処理する。
//  1. 結果ペイロードからアカウントを取り出す
//  2. IDトークンの存在を確認する
//  3. フェデレーテッドクレデンシャルを組み立てる
//  4. IDバックエンドで交換する（1回のみ）
//  5. 結果を通知する
func (l *Launcher) handleResult(ctx context.Context, requestID string, started time.Time, r picker.Result) {
	account, err := picker.AccountFromResult(r)
	if err != nil {
		l.fail(ctx, requestID, started, PhasePickerFailed, model.OutcomePickerFailed, err)
		return
	}
	if account.IDToken == "" {
		l.fail(ctx, requestID, started, PhasePickerFailed, model.OutcomePickerFailed, model.ErrMissingIDToken)
		return
	}
	l.setPhase(PhasePickerSucceeded)

	cred := identity.GoogleCredential(account.IDToken, account.AccessToken)

	l.setPhase(PhaseExchangeInFlight)
	session, err := l.identity.ExchangeCredential(ctx, cred)
	if err == nil && session == nil {
		err = &model.ExchangeError{Code: "EMPTY_SESSION", Message: "identity service returned no session"}
	}
	if err != nil {
		var exchangeErr *model.ExchangeError
		if !errors.As(err, &exchangeErr) {
			err = &model.ExchangeError{Message: "unexpected failure", Err: err}
		}
		l.fail(ctx, requestID, started, PhaseExchangeFailed, model.OutcomeExchangeFailed, err)
		return
	}

	l.finish(PhaseExchangeSucceeded)
	l.logger.InfoContext(ctx, "sign-in completed",
		slog.String("request_id", requestID),
		slog.String("user_id", session.User.ID),
	)
	l.report(ctx, Report{
		RequestID: requestID,
		Outcome:   model.OutcomeExchangeSucceeded,
		Session:   session,
		Duration:  l.now().Sub(started),
	})
	if l.callbacks.OnAuthComplete != nil {
		l.callbacks.OnAuthComplete(session)
	}
}

// fail は失敗した終端状態を記録し、エラーを通知する。
func (l *Launcher) fail(ctx context.Context, requestID string, started time.Time, phase Phase, outcome model.Outcome, err error) {
	l.finish(phase)

	level := slog.LevelError
	var pickerErr *model.PickerError
	if errors.As(err, &pickerErr) && pickerErr.Cancelled() {
		level = slog.LevelInfo
	}
	l.logger.Log(ctx, level, "sign-in failed",
		slog.String("request_id", requestID),
		slog.String("phase", string(phase)),
		slog.String("code", model.ErrorCode(err)),
		slog.String("error", err.Error()),
	)

	l.report(ctx, Report{
		RequestID: requestID,
		Outcome:   outcome,
		Err:       err,
		Duration:  l.now().Sub(started),
	})
	if l.callbacks.OnAuthError != nil {
		l.callbacks.OnAuthError(err)
	}
}

func (l *Launcher) report(ctx context.Context, report Report) {
	if l.reporter != nil {
		l.reporter.ReportOutcome(ctx, report)
	}
}

func (l *Launcher) setPhase(phase Phase) {
	l.mu.Lock()
	l.phase = phase
	l.mu.Unlock()
}

func (l *Launcher) finish(phase Phase) {
	l.mu.Lock()
	l.phase = phase
	l.inFlight = false
	l.mu.Unlock()
}

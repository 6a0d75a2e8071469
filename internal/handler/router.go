package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/googlesignin/internal/metrics"
	"github.com/hitoshi/googlesignin/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger      *slog.Logger
	RateLimiter *middleware.RateLimiter

	// 画面
	State     ScreenState
	Avatars   AvatarFetcher
	Sanitizer TextSanitizer

	// アカウント選択のリダイレクト先
	PickerCallback http.HandlerFunc

	// 運用
	HealthChecker HealthChecker // nilの場合はDBを確認しない
	Audit         AuditLister
	Gatherer      prometheus.Gatherer

	// 閉じられるとSSE接続を終了する
	Done <-chan struct{}
}

// NewRouter はループバック上の全エンドポイントとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery → SecurityHeaders
//
// 画面操作のルートにはさらにCSRF、状態を変えるPOSTにはRateLimitを適用する。
// OAuthコールバックはGoogleからのリダイレクトで到達するためCSRFの外に置き、stateで検証する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	screen := NewScreenHandler(deps.State, deps.Avatars, deps.Sanitizer, deps.Logger, deps.Done)

	// --- 画面 ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewCSRFMiddleware(deps.Logger))

		r.Get("/", screen.Page)
		r.Get("/events", screen.Events)
		r.Get("/avatar", screen.Avatar)

		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.Middleware())
			r.Post("/signin", screen.SignIn)
			r.Post("/signout", screen.SignOut)
		})
	})

	r.Handle("/static/*", staticHandler())

	// --- アカウント選択 ---
	r.Get("/oauth/callback", deps.PickerCallback)

	// --- 運用 ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker, deps.Logger))
	r.Get("/audit/recent", NewAuditHandler(deps.Audit, deps.Logger))
	r.Handle("/metrics", metrics.Handler(deps.Gatherer))

	return r
}

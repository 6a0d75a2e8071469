package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/googlesignin/internal/audit"
	"github.com/hitoshi/googlesignin/internal/auth"
	"github.com/hitoshi/googlesignin/internal/avatar"
	"github.com/hitoshi/googlesignin/internal/config"
	"github.com/hitoshi/googlesignin/internal/database"
	"github.com/hitoshi/googlesignin/internal/handler"
	"github.com/hitoshi/googlesignin/internal/identity"
	"github.com/hitoshi/googlesignin/internal/metrics"
	"github.com/hitoshi/googlesignin/internal/middleware"
	"github.com/hitoshi/googlesignin/internal/picker"
	"github.com/hitoshi/googlesignin/internal/presentation"
	"github.com/hitoshi/googlesignin/internal/repository"
	"github.com/hitoshi/googlesignin/internal/security"
	"github.com/hitoshi/googlesignin/internal/worker/cleanup"
)

const (
	shutdownTimeout = 30 * time.Second
	dbPingTimeout   = 5 * time.Second
	cleanupInterval = 24 * time.Hour
)

// serverOptions はテストで差し替える外部接続先。
type serverOptions struct {
	opener   picker.Opener // nilの場合はOPEN_BROWSERに従う
	authURL  string
	tokenURL string
	reporter auth.Reporter // 監査に加えて結果を受け取る
}

// server はループバックサーバーと、それが所有する依存関係。
type server struct {
	logger      *slog.Logger
	listener    net.Listener
	baseURL     string
	http        *http.Server
	db          *sql.DB
	picker      *picker.GooglePicker
	state       *presentation.StateHolder
	sanitizer   *security.TextSanitizer
	rateLimiter *middleware.RateLimiter
	cleanup     *cleanup.CleanupJob
	done        chan struct{}
}

// newServer は全依存関係をワイヤリングし、ループバックアドレスでlistenを開始する。
// リダイレクトURLは実際にlistenしたアドレスから組み立てる。
func newServer(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts serverOptions) (*server, error) {
	s := &server{logger: logger, done: make(chan struct{})}

	// 1. 監査ログのDB（任意）
	var repo repository.AuthEventRepository
	if cfg.AuditEnabled() {
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		logger.Info("database connection established")
		s.db = db
		repo = repository.NewPostgresAuthEventRepo(db)
		s.cleanup = cleanup.NewCleanupJob(db, logger, cfg.AuditRetentionDays)
	}

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)
	recorder := audit.NewRecorder(repo, collector, logger)

	// 3. listen（ポート0の場合も実際のアドレスでリダイレクトURLを作る）
	ln, err := net.Listen("tcp", cfg.ServerAddr)
	if err != nil {
		s.closeDB()
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.ServerAddr, err)
	}
	s.listener = ln
	s.baseURL = "http://" + ln.Addr().String()

	// 4. IDバックエンドとアカウント選択
	toolkit := identity.NewToolkitClient(identity.ToolkitConfig{
		APIKey:     cfg.FirebaseAPIKey,
		RequestURI: s.baseURL,
		Endpoint:   cfg.IdentityEndpoint,
		Timeout:    cfg.IdentityTimeout,
		Metrics:    collector,
	}, logger)

	opener := opts.opener
	if opener == nil {
		if cfg.OpenBrowser {
			opener = picker.BrowserOpener{}
		} else {
			opener = picker.LogOpener{Logger: logger}
		}
	}
	s.picker = picker.NewGooglePicker(picker.GoogleConfig{
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  s.baseURL + "/oauth/callback",
		Timeout:      cfg.PickerTimeout,
		AuthURL:      opts.authURL,
		TokenURL:     opts.tokenURL,
	}, opener, logger)

	intentOpts := []picker.IntentOption{picker.RequestIDToken(), picker.RequestEmail()}
	if cfg.GoogleLoginHint != "" {
		intentOpts = append(intentOpts, picker.WithLoginHint(cfg.GoogleLoginHint))
	}
	intent := picker.NewIntent(cfg.GoogleClientID, intentOpts...)

	// 5. 表示状態
	s.state = presentation.NewStateHolder(s.picker, toolkit, intent, logger,
		auth.WithReporter(auth.MultiReporter(recorder, opts.reporter)),
	)

	// 6. 画面の依存関係
	guard := security.NewSSRFGuard(security.DefaultAvatarHosts...)
	s.sanitizer = security.NewTextSanitizer()
	avatars := avatar.NewFetcher(guard, collector, logger)
	s.rateLimiter = middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(cfg.RateLimitPerMinute), logger)

	// 7. ルーター
	deps := &handler.RouterDeps{
		Logger:         logger,
		RateLimiter:    s.rateLimiter,
		State:          s.state,
		Avatars:        avatars,
		Sanitizer:      s.sanitizer,
		PickerCallback: s.picker.HandleCallback,
		Audit:          recorder,
		Gatherer:       registry,
		Done:           s.done,
	}
	if s.db != nil {
		deps.HealthChecker = s.db
	}

	// SSEの接続を維持するためWriteTimeoutは設定しない
	s.http = &http.Server{
		Handler:           handler.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s, nil
}

// run はctxがキャンセルされるまでサーバーとクリーンアップジョブを実行し、
// グレースフルシャットダウンを行う。
func (s *server) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("loopback server starting", slog.String("addr", s.listener.Addr().String()))
		if err := s.http.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})

	if s.cleanup != nil {
		g.Go(func() error {
			s.cleanup.Start(gctx, cleanupInterval)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down loopback server...")

		close(s.done)
		s.picker.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	err := g.Wait()
	s.rateLimiter.Stop()
	s.closeDB()
	if err == nil {
		s.logger.Info("loopback server stopped gracefully")
	}
	return err
}

func (s *server) closeDB() {
	if s.db != nil {
		s.db.Close()
	}
}

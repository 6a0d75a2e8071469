package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/hitoshi/googlesignin/internal/auth"
	"github.com/hitoshi/googlesignin/internal/config"
)

// runLogin はサーバーを起動してサインインを1回だけ行う。
// 成功した場合はstdoutに歓迎メッセージを書き、失敗した場合はエラーを返す。
func runLogin(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdout io.Writer, opts serverOptions) error {
	reports := make(chan auth.Report, 1)
	opts.reporter = auth.ReporterFunc(func(_ context.Context, r auth.Report) {
		select {
		case reports <- r:
		default:
		}
	})

	srv, err := newServer(ctx, cfg, logger, opts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.run(ctx) }()

	if err := srv.state.BeginSignIn(ctx); err != nil {
		cancel()
		<-errCh
		return err
	}

	var result error
	select {
	case r := <-reports:
		if r.Err != nil {
			result = fmt.Errorf("sign-in failed: %w", r.Err)
			break
		}
		fmt.Fprintf(stdout, "Welcome %s\n", srv.sanitizer.Sanitize(r.Session.User.DisplayName))
	case <-ctx.Done():
		result = fmt.Errorf("sign-in interrupted: %w", ctx.Err())
	case err := <-errCh:
		return err
	}

	cancel()
	if err := <-errCh; err != nil && result == nil {
		result = err
	}
	return result
}

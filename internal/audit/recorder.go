// Package audit は認証ラウンドトリップの結果を記録する。
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/googlesignin/internal/auth"
	"github.com/hitoshi/googlesignin/internal/metrics"
	"github.com/hitoshi/googlesignin/internal/model"
	"github.com/hitoshi/googlesignin/internal/repository"
)

const (
	writeTimeout     = 5 * time.Second
	maxMessageLength = 500
)

// Recorder はラウンドトリップの結果をメトリクスと監査ストアに記録する。
// repoがnilの場合はメトリクスのみ記録する。
type Recorder struct {
	repo    repository.AuthEventRepository
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	now     func() time.Time
}

// NewRecorder はRecorderを生成する。
func NewRecorder(repo repository.AuthEventRepository, m metrics.MetricsCollector, logger *slog.Logger) *Recorder {
	return &Recorder{
		repo:    repo,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// ReportOutcome はauth.Reporterを実装する。
// 監査ストアへの書き込み失敗はログに出力するのみでサインインの結果には影響しない。
func (r *Recorder) ReportOutcome(ctx context.Context, report auth.Report) {
	event := r.eventFromReport(report)

	if r.metrics != nil {
		r.metrics.RecordSignInOutcome(string(event.Outcome))
		r.metrics.RecordSignInLatency(report.Duration)
		if event.ErrorCode != "" {
			r.metrics.RecordSignInError(event.ErrorCode)
		}
	}

	if r.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := r.repo.Create(ctx, event); err != nil {
		r.logger.ErrorContext(ctx, "failed to record auth event",
			slog.String("request_id", event.RequestID),
			slog.String("error", err.Error()),
		)
	}
}

// Recent は新しい順に最大limit件の監査レコードを返す。
// 監査ストアが無効な場合は空を返す。
func (r *Recorder) Recent(ctx context.Context, limit int) ([]*model.AuthEvent, error) {
	if r.repo == nil {
		return nil, nil
	}
	events, err := r.repo.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent auth events: %w", err)
	}
	return events, nil
}

// Enabled は監査ストアが有効かどうかを返す。
func (r *Recorder) Enabled() bool {
	return r.repo != nil
}

func (r *Recorder) eventFromReport(report auth.Report) *model.AuthEvent {
	event := &model.AuthEvent{
		ID:        uuid.NewString(),
		RequestID: report.RequestID,
		Outcome:   report.Outcome,
		Duration:  report.Duration,
		CreatedAt: r.now(),
	}
	if report.Session != nil {
		event.UserID = report.Session.User.ID
	}
	if report.Err != nil {
		event.ErrorCode = model.ErrorCode(report.Err)
		event.ErrorMessage = truncate(report.Err.Error(), maxMessageLength)
	}
	return event
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// compile-time interface check
var _ auth.Reporter = (*Recorder)(nil)

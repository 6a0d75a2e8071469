package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/googlesignin/internal/model"
)

// PostgresAuthEventRepo はPostgreSQLを使用した監査レコードリポジトリ。
type PostgresAuthEventRepo struct {
	db *sql.DB
}

// NewPostgresAuthEventRepo はPostgresAuthEventRepoを生成する。
func NewPostgresAuthEventRepo(db *sql.DB) *PostgresAuthEventRepo {
	return &PostgresAuthEventRepo{db: db}
}

// Create は監査レコードを作成する。
func (r *PostgresAuthEventRepo) Create(ctx context.Context, event *model.AuthEvent) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO auth_events (id, request_id, outcome, user_id, error_code, error_message, duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.RequestID, string(event.Outcome), event.UserID,
		event.ErrorCode, event.ErrorMessage, event.Duration.Milliseconds(), event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create auth event: %w", err)
	}
	return nil
}

// ListRecent は新しい順に最大limit件の監査レコードを返す。
func (r *PostgresAuthEventRepo) ListRecent(ctx context.Context, limit int) ([]*model.AuthEvent, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, request_id, outcome, user_id, error_code, error_message, duration_ms, created_at
		 FROM auth_events
		 ORDER BY created_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list auth events: %w", err)
	}
	defer rows.Close()

	var events []*model.AuthEvent
	for rows.Next() {
		event := &model.AuthEvent{}
		var outcome string
		var durationMS int64
		if err := rows.Scan(
			&event.ID, &event.RequestID, &outcome, &event.UserID,
			&event.ErrorCode, &event.ErrorMessage, &durationMS, &event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan auth event: %w", err)
		}
		event.Outcome = model.Outcome(outcome)
		event.Duration = time.Duration(durationMS) * time.Millisecond
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate auth events: %w", err)
	}

	return events, nil
}

// compile-time interface check
var _ AuthEventRepository = (*PostgresAuthEventRepo)(nil)

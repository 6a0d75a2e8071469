// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/googlesignin/internal/model"
)

// AuthEventRepository は認証ラウンドトリップの監査レコードの永続化インターフェース。
type AuthEventRepository interface {
	// Create は監査レコードを作成する。
	Create(ctx context.Context, event *model.AuthEvent) error

	// ListRecent は新しい順に最大limit件の監査レコードを返す。
	ListRecent(ctx context.Context, limit int) ([]*model.AuthEvent, error)
}

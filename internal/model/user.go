// Package model はドメインモデルを定義する。
package model

import "time"

// User は認証済みユーザーのプロフィールを表す。
type User struct {
	ID          string
	DisplayName string
	Email       string
	PhotoURL    string
}

// Session はIDバックエンドとのクレデンシャル交換で確立されたセッションを表す。
// メモリ上にのみ保持し、永続化しない。
type Session struct {
	User User

	// ProviderID は交換に使用したIdP（例: "google.com"）。
	ProviderID string
	// ProviderToken は交換に使用したIdPのIDトークン。
	ProviderToken string

	// バックエンドが発行したトークン（アプリからは不透明）
	IDToken      string
	RefreshToken string
	ExpiresAt    time.Time
}

// Outcome は認証ラウンドトリップの終端状態を表す。
type Outcome string

const (
	// OutcomeExchangeSucceeded はクレデンシャル交換の成功を示す。
	OutcomeExchangeSucceeded Outcome = "exchange_succeeded"
	// OutcomeExchangeFailed はクレデンシャル交換の失敗を示す。
	OutcomeExchangeFailed Outcome = "exchange_failed"
	// OutcomePickerFailed はアカウント選択のキャンセルまたは失敗を示す。
	OutcomePickerFailed Outcome = "picker_failed"
)

// AuthEvent は認証ラウンドトリップの監査レコード。
// トークンは記録しない。
type AuthEvent struct {
	ID           string
	RequestID    string
	Outcome      Outcome
	UserID       string
	ErrorCode    string
	ErrorMessage string
	Duration     time.Duration
	CreatedAt    time.Time
}

// Package identity はIDバックエンドとのフェデレーテッドクレデンシャル交換を提供する。
package identity

import (
	"context"

	"github.com/hitoshi/googlesignin/internal/model"
)

// GoogleProviderID はGoogleのIdP識別子。
const GoogleProviderID = "google.com"

// Credential はIDバックエンドに提示するフェデレーテッドクレデンシャル。
type Credential struct {
	ProviderID  string
	IDToken     string
	AccessToken string
}

// GoogleCredential はGoogleのIDトークンからクレデンシャルを組み立てる。
// サーバーとの通信は行わない。
func GoogleCredential(idToken, accessToken string) Credential {
	return Credential{
		ProviderID:  GoogleProviderID,
		IDToken:     idToken,
		AccessToken: accessToken,
	}
}

// Service はIDバックエンドのインターフェース。
// ランチャーと状態ホルダーに構築時に注入する。
type Service interface {
	// ExchangeCredential はクレデンシャルをセッションに交換する。
	// 拒否または通信失敗の場合は*model.ExchangeErrorを返す。
	ExchangeCredential(ctx context.Context, cred Credential) (*model.Session, error)
	// CurrentSession はバックエンドがキャッシュしている現在のセッションを返す。無い場合はnil。
	CurrentSession() *model.Session
	// SignOut は現在のセッションを無効化する。失敗しない。
	SignOut(ctx context.Context)
}

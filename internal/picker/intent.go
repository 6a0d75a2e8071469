// Package picker はGoogleアカウント選択フロー（プロセス外のUI）との橋渡しを提供する。
//
// アカウント選択はシステムブラウザ上で行われ、その結果はループバックの
// コールバックで受け取る。呼び出し元には結果コードと不透明なデータからなる
// Resultとして非同期に届けられる。
package picker

import (
	"errors"
	"slices"
)

// PromptSelectAccount はアカウント選択画面を必ず表示させるpromptパラメータ。
const PromptSelectAccount = "select_account"

// Intent はアカウント選択フローの起動パラメータ。
type Intent struct {
	// ServerClientID はIDトークンの発行先（audience）となるOAuthクライアントID。
	ServerClientID string
	RequestIDToken bool
	RequestEmail   bool
	Prompt         string
	LoginHint      string
	ExtraScopes    []string
}

// IntentOption はIntentの生成オプション。
type IntentOption func(*Intent)

// RequestIDToken はIDトークンの取得を要求する。
func RequestIDToken() IntentOption {
	return func(i *Intent) { i.RequestIDToken = true }
}

// RequestEmail はメールアドレスの取得を要求する。
func RequestEmail() IntentOption {
	return func(i *Intent) { i.RequestEmail = true }
}

// WithLoginHint は選択画面で初期選択するアカウントを指定する。
func WithLoginHint(hint string) IntentOption {
	return func(i *Intent) { i.LoginHint = hint }
}

// WithScopes は追加のOAuthスコープを要求する。
func WithScopes(scopes ...string) IntentOption {
	return func(i *Intent) { i.ExtraScopes = append(i.ExtraScopes, scopes...) }
}

// NewIntent はデフォルトのサインイン設定（openid, profile）でIntentを生成する。
func NewIntent(serverClientID string, opts ...IntentOption) Intent {
	intent := Intent{
		ServerClientID: serverClientID,
		Prompt:         PromptSelectAccount,
	}
	for _, opt := range opts {
		opt(&intent)
	}
	return intent
}

// Scopes は要求するOAuthスコープを重複なしで返す。
func (i Intent) Scopes() []string {
	scopes := []string{"openid", "profile"}
	if i.RequestEmail {
		scopes = append(scopes, "email")
	}
	for _, s := range i.ExtraScopes {
		if s != "" && !slices.Contains(scopes, s) {
			scopes = append(scopes, s)
		}
	}
	return scopes
}

// Validate はIntentが起動可能かを検証する。
func (i Intent) Validate() error {
	if i.ServerClientID == "" {
		return errors.New("server client id is required")
	}
	return nil
}

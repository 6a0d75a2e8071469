package model

import (
	"errors"
	"fmt"
)

// Googleサインインのステータスコード。
// アカウント選択の結果ペイロードに含まれるエラーの分類に使用する。
const (
	StatusNetworkError    = 7
	StatusInternalError   = 8
	StatusDeveloperError  = 10
	StatusSignInFailed    = 12500
	StatusSignInCancelled = 12501
)

// ErrMissingIDToken は成功したアカウント選択結果にIDトークンが含まれない場合のエラー。
var ErrMissingIDToken = errors.New("account result has no id token")

// ErrSignInInProgress は認証ラウンドトリップが既に進行中の場合のエラー。
var ErrSignInInProgress = errors.New("sign-in already in progress")

// PickerError はアカウント選択がキャンセルされた、または不正な結果を返した場合のエラー。
type PickerError struct {
	StatusCode int    // Googleサインインのステータスコード
	Reason     string // 結果ペイロードから得た原因
}

// Error はerrorインターフェースを実装する。
func (e *PickerError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("picker failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("picker failed with status %d: %s", e.StatusCode, e.Reason)
}

// Cancelled はユーザーによるキャンセルかどうかを返す。
func (e *PickerError) Cancelled() bool {
	return e.StatusCode == StatusSignInCancelled
}

// ExchangeError はIDバックエンドがクレデンシャル交換を拒否した、
// または処理できなかった場合のエラー。
type ExchangeError struct {
	Code    string // バックエンドのエラーコード（例: INVALID_IDP_RESPONSE）。通信失敗時は空
	Message string
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *ExchangeError) Error() string {
	switch {
	case e.Code != "" && e.Err != nil:
		return fmt.Sprintf("credential exchange failed [%s] %s: %v", e.Code, e.Message, e.Err)
	case e.Code != "":
		return fmt.Sprintf("credential exchange failed [%s] %s", e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("credential exchange failed: %v", e.Err)
	default:
		return "credential exchange failed: " + e.Message
	}
}

// Unwrap は原因となったエラーを返す。
func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// ErrorCode はエラーを監査・メトリクス用のコードに分類する。
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var pickerErr *PickerError
	if errors.As(err, &pickerErr) {
		if pickerErr.Cancelled() {
			return "SIGN_IN_CANCELLED"
		}
		return fmt.Sprintf("PICKER_%d", pickerErr.StatusCode)
	}
	var exchangeErr *ExchangeError
	if errors.As(err, &exchangeErr) {
		if exchangeErr.Code != "" {
			return exchangeErr.Code
		}
		return "EXCHANGE_TRANSPORT"
	}
	switch {
	case errors.Is(err, ErrMissingIDToken):
		return "MISSING_ID_TOKEN"
	case errors.Is(err, ErrSignInInProgress):
		return "SIGN_IN_IN_PROGRESS"
	}
	return "UNKNOWN"
}

package picker

import (
	"fmt"
	"net/url"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/googlesignin/internal/model"
)

// ResultCode はアカウント選択の結果コード。
type ResultCode int

const (
	// ResultOK はアカウント選択が完了したことを示す。
	ResultOK ResultCode = iota
	// ResultCanceled はユーザーが選択を中断した、またはIdPがエラーを返したことを示す。
	ResultCanceled
)

// 結果データのキー
const (
	KeyIDToken          = "id_token"
	KeyAccessToken      = "access_token"
	KeyError            = "error"
	KeyErrorDescription = "error_description"
)

// Result はアカウント選択の生の結果。Dataの中身は呼び出し元にとって不透明。
type Result struct {
	Code ResultCode
	Data url.Values
}

// Account は結果から取り出したGoogleアカウント情報。
type Account struct {
	ID          string
	Email       string
	DisplayName string
	PhotoURL    string
	IDToken     string
	AccessToken string
}

// idTokenClaims はIDトークンのうちプロフィール表示に使うクレーム。
type idTokenClaims struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
	jwt.RegisteredClaims
}

// AccountFromResult は結果ペイロードからアカウント情報を取り出す。
// キャンセル、エラー応答、不正なペイロードの場合は*model.PickerErrorを返す。
// 成功した結果にIDトークンが無い場合はIDTokenが空のAccountを返す（呼び出し元で検査する）。
//
// IDトークンの署名は検証しない。検証はクレデンシャル交換時にIDバックエンドが行う。
func AccountFromResult(r Result) (*Account, error) {
	if errCode := r.Data.Get(KeyError); errCode != "" {
		return nil, &model.PickerError{
			StatusCode: statusForError(errCode),
			Reason:     describe(errCode, r.Data.Get(KeyErrorDescription)),
		}
	}

	switch r.Code {
	case ResultOK:
	case ResultCanceled:
		return nil, &model.PickerError{StatusCode: model.StatusSignInCancelled, Reason: "cancelled"}
	default:
		return nil, &model.PickerError{
			StatusCode: model.StatusInternalError,
			Reason:     fmt.Sprintf("unknown result code %d", r.Code),
		}
	}

	if len(r.Data) == 0 {
		return nil, &model.PickerError{StatusCode: model.StatusInternalError, Reason: "empty result data"}
	}

	account := &Account{
		IDToken:     r.Data.Get(KeyIDToken),
		AccessToken: r.Data.Get(KeyAccessToken),
	}
	if account.IDToken == "" {
		return account, nil
	}

	var claims idTokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(account.IDToken, &claims); err != nil {
		return nil, &model.PickerError{
			StatusCode: model.StatusSignInFailed,
			Reason:     "malformed id token: " + err.Error(),
		}
	}
	account.ID = claims.Subject
	account.Email = claims.Email
	account.DisplayName = claims.Name
	account.PhotoURL = claims.Picture

	return account, nil
}

// statusForError はOAuthエラーコードをGoogleサインインのステータスコードに対応付ける。
func statusForError(code string) int {
	switch code {
	case "access_denied", "timeout", "cancelled":
		return model.StatusSignInCancelled
	case "invalid_client", "unauthorized_client", "invalid_request", "redirect_uri_mismatch", "invalid_scope":
		return model.StatusDeveloperError
	case "temporarily_unavailable", "network_error":
		return model.StatusNetworkError
	case "server_error", "missing_code":
		return model.StatusInternalError
	default:
		return model.StatusSignInFailed
	}
}

func describe(code, description string) string {
	if description == "" {
		return code
	}
	return code + ": " + description
}

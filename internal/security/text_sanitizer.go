package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// maxDisplayTextLength はプロフィール表示テキストの最大文字数。
const maxDisplayTextLength = 128

// TextSanitizerService はIdPから受け取ったプロフィール文字列を表示用に整える。
type TextSanitizerService interface {
	// Sanitize はHTMLタグと制御文字を取り除き、前後の空白を削る。
	// 最大文字数を超える部分は切り捨てる。空入力には空文字列を返す。
	Sanitize(raw string) string
}

// TextSanitizer はbluemondayのStrictPolicyによる実装。
// ポリシーは並行利用できる。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はHTMLタグと制御文字を取り除いた表示用文字列を返す。
func (s *TextSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	// StrictPolicyはテキストをHTMLエスケープして返すため、描画側の二重エスケープを避けて戻す
	cleaned := html.UnescapeString(s.policy.Sanitize(raw))
	cleaned = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, cleaned)
	cleaned = strings.TrimSpace(cleaned)

	runes := []rune(cleaned)
	if len(runes) > maxDisplayTextLength {
		cleaned = strings.TrimSpace(string(runes[:maxDisplayTextLength]))
	}
	return cleaned
}

// compile-time interface check
var _ TextSanitizerService = (*TextSanitizer)(nil)

package picker

import (
	"context"
	"log/slog"

	"github.com/pkg/browser"
)

// Activity はプロセス外で動作するアカウント選択フロー。
type Activity interface {
	// Start はフローを起動する。nilを返した場合、deliverはちょうど1回、
	// 別のgoroutineから呼び出される。エラーを返した場合deliverは呼ばれない。
	Start(ctx context.Context, intent Intent, deliver func(Result)) error
}

// Opener は同意画面のURLをユーザーに提示する。
type Opener interface {
	Open(url string) error
}

// OpenerFunc は関数をOpenerとして扱うアダプタ。
type OpenerFunc func(url string) error

// Open はf(url)を呼び出す。
func (f OpenerFunc) Open(url string) error {
	return f(url)
}

// BrowserOpener はシステムブラウザでURLを開く。
type BrowserOpener struct{}

// Open はシステムブラウザでURLを開く。
func (BrowserOpener) Open(url string) error {
	return browser.OpenURL(url)
}

// LogOpener はURLをログに出力するだけのOpener。
// ブラウザを起動できない環境で、ユーザーが手動でURLを開くために使う。
type LogOpener struct {
	Logger *slog.Logger
}

// Open はURLをログに出力する。
func (o LogOpener) Open(url string) error {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("open this URL to choose a Google account", slog.String("url", url))
	return nil
}

// compile-time interface check
var (
	_ Opener = BrowserOpener{}
	_ Opener = LogOpener{}
	_ Opener = OpenerFunc(nil)
)

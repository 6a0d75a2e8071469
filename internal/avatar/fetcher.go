// Package avatar はサインイン中のユーザーのプロフィール画像を取得する。
package avatar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/googlesignin/internal/metrics"
	"github.com/hitoshi/googlesignin/internal/security"
)

// maxImageSize はプロフィール画像の最大サイズ（1MB）。
const maxImageSize = 1 * 1024 * 1024

// fetchTimeout はプロフィール画像取得のタイムアウト。
const fetchTimeout = 5 * time.Second

// ErrNotImage はレスポンスが画像でない場合のエラー。
var ErrNotImage = errors.New("response is not an image")

// Image は取得したプロフィール画像。
type Image struct {
	Data     []byte
	MimeType string
}

// Fetcher はプロフィール画像の取得機能。
// 直近に取得した1件をURL単位で保持する。
type Fetcher struct {
	guard   security.SSRFGuardService
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	client  *http.Client

	mu       sync.Mutex
	cacheURL string
	cached   *Image
}

// NewFetcher はFetcherを生成する。
func NewFetcher(guard security.SSRFGuardService, m metrics.MetricsCollector, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		guard:   guard,
		metrics: m,
		logger:  logger,
		client:  guard.NewSafeClient(fetchTimeout),
	}
}

// Fetch は指定URLの画像を取得する。
func (f *Fetcher) Fetch(ctx context.Context, photoURL string) (*Image, error) {
	if img := f.lookup(photoURL); img != nil {
		return img, nil
	}

	img, err := f.fetch(ctx, photoURL)
	if f.metrics != nil {
		f.metrics.RecordAvatarFetch(err == nil)
	}
	if err != nil {
		f.logger.WarnContext(ctx, "avatar fetch failed",
			slog.String("url", photoURL),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	f.mu.Lock()
	f.cacheURL = photoURL
	f.cached = img
	f.mu.Unlock()
	return img, nil
}

// Forget は保持している画像を破棄する。サインアウト時に呼ぶ。
func (f *Fetcher) Forget() {
	f.mu.Lock()
	f.cacheURL = ""
	f.cached = nil
	f.mu.Unlock()
}

func (f *Fetcher) lookup(photoURL string) *Image {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cached != nil && f.cacheURL == photoURL {
		return f.cached
	}
	return nil
}

func (f *Fetcher) fetch(ctx context.Context, photoURL string) (*Image, error) {
	if err := f.guard.ValidateURL(photoURL); err != nil {
		return nil, fmt.Errorf("avatar URL rejected: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, photoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create avatar request: %w", err)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch avatar: %w", err)
	}
	defer resp.Body.Close()

	if f.metrics != nil {
		f.metrics.RecordUpstreamStatus(resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("avatar fetch returned status %d", resp.StatusCode)
	}

	mimeType := extractMimeType(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(mimeType, "image/") || mimeType == "image/svg+xml" {
		return nil, fmt.Errorf("%w: %q", ErrNotImage, mimeType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read avatar: %w", err)
	}
	if len(body) > maxImageSize {
		return nil, fmt.Errorf("avatar exceeds %d bytes", maxImageSize)
	}

	return &Image{Data: body, MimeType: mimeType}, nil
}

// extractMimeType はContent-Typeヘッダーからメディアタイプを抽出する。
func extractMimeType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return mediaType
}

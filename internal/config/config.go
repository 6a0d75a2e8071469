// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Google（アカウント選択）
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleLoginHint    string `env:"GOOGLE_LOGIN_HINT"`

	// IDバックエンド（Firebase Identity Toolkit）
	FirebaseAPIKey   string        `env:"FIREBASE_API_KEY"`
	IdentityEndpoint string        `env:"IDENTITY_ENDPOINT" envDefault:"https://identitytoolkit.googleapis.com"`
	IdentityTimeout  time.Duration `env:"IDENTITY_TIMEOUT"  envDefault:"30s"`

	// アカウント選択の待ち時間
	PickerTimeout time.Duration `env:"PICKER_TIMEOUT" envDefault:"5m"`
	OpenBrowser   bool          `env:"OPEN_BROWSER"   envDefault:"true"`

	// Server
	ServerAddr string `env:"SERVER_ADDR" envDefault:"127.0.0.1:8765"`

	// 監査ログ（任意）
	DatabaseURL        string `env:"DATABASE_URL"`
	AuditRetentionDays int    `env:"AUDIT_RETENTION_DAYS" envDefault:"30"`

	// Rate Limit
	RateLimitPerMinute int `env:"RATE_LIMIT_PER_MINUTE" envDefault:"30"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	var missing []string
	if cfg.GoogleClientID == "" {
		missing = append(missing, "GOOGLE_CLIENT_ID")
	}
	if cfg.FirebaseAPIKey == "" {
		missing = append(missing, "FIREBASE_API_KEY")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if cfg.RateLimitPerMinute <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive: %d", cfg.RateLimitPerMinute)
	}
	if cfg.AuditRetentionDays <= 0 {
		return nil, fmt.Errorf("AUDIT_RETENTION_DAYS must be positive: %d", cfg.AuditRetentionDays)
	}
	cfg.IdentityEndpoint = strings.TrimRight(cfg.IdentityEndpoint, "/")

	return cfg, nil
}

// AuditEnabled は監査ログの保存先が設定されているかを返す。
func (c *Config) AuditEnabled() bool {
	return c.DatabaseURL != ""
}

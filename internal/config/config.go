// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/connectauth/internal/model"
)

const (
	// EnvProduction はAPP_ENVの本番値。
	EnvProduction = "production"

	// DefaultJWTSecret は開発用の署名鍵。本番では起動を拒否する。
	DefaultJWTSecret = "connectauth-insecure-development-secret"

	// MinJWTSecretLength は本番で要求する署名鍵の最小バイト数。
	MinJWTSecretLength = 32

	// EnvUseManagedAuth はManagedバックエンドを有効にするランタイムトグル。
	EnvUseManagedAuth = "USE_MANAGED_AUTH"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
// ただしUSE_MANAGED_AUTHはEnvToggleで呼び出しごとに読み直す。
type Config struct {
	// Environment
	AppEnv string

	// Database
	DatabaseURL          string
	ManagedDatabaseURL   string
	OperatorAccountsFile string

	// Token
	JWTSecret      string
	TokenClockSkew time.Duration

	// Managed auth provider
	ManagedAuthURL        string
	ManagedAuthAnonKey    string
	ManagedAuthServiceKey string

	// Credential / timeouts
	BcryptCost      int
	AuthCallTimeout time.Duration
	ProviderTimeout time.Duration

	// Janitor
	JanitorSchedule      string
	SessionRetentionDays int // 0は削除しない（無期限保持）

	// Rate Limit（1分あたりの回数）
	RateLimitSignIn  int
	RateLimitGeneral int

	// Server
	ServerPort string
	BaseURL    string
	SignInPath string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合や、本番環境で署名鍵が不適切な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.AppEnv = getEnvString("APP_ENV", "development")
	cfg.JWTSecret = getEnvString("JWT_SECRET", DefaultJWTSecret)
	cfg.TokenClockSkew = getEnvDuration("TOKEN_CLOCK_SKEW", 30*time.Second)
	cfg.ManagedAuthURL = getEnvString("MANAGED_AUTH_URL", "")
	cfg.ManagedAuthAnonKey = getEnvString("MANAGED_AUTH_ANON_KEY", "")
	cfg.ManagedAuthServiceKey = getEnvString("MANAGED_AUTH_SERVICE_KEY", cfg.ManagedAuthAnonKey)
	cfg.ManagedDatabaseURL = getEnvString("MANAGED_DATABASE_URL", "")
	cfg.OperatorAccountsFile = getEnvString("OPERATOR_ACCOUNTS_FILE", "")
	cfg.BcryptCost = getEnvInt("BCRYPT_COST", 10)
	cfg.AuthCallTimeout = getEnvDuration("AUTH_CALL_TIMEOUT", 10*time.Second)
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", 5*time.Second)
	cfg.JanitorSchedule = getEnvString("JANITOR_SCHEDULE", "@every 1h")
	cfg.SessionRetentionDays = getEnvInt("SESSION_RETENTION_DAYS", 0)
	cfg.RateLimitSignIn = getEnvInt("RATE_LIMIT_SIGNIN", 10)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.BaseURL = getEnvString("BASE_URL", "http://localhost:8080")
	cfg.SignInPath = getEnvString("SIGNIN_PATH", "/signin")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.CookieSecure = cfg.IsProduction() || strings.HasPrefix(cfg.BaseURL, "https://")

	if cfg.IsProduction() {
		if err := validateJWTSecret(cfg.JWTSecret); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// IsProduction は本番環境かどうかを返す。
func (c *Config) IsProduction() bool {
	return c.AppEnv == EnvProduction
}

// ManagedConfigured はManagedバックエンドの接続情報が揃っているかどうかを返す。
func (c *Config) ManagedConfigured() bool {
	return c.ManagedAuthURL != "" && c.ManagedAuthAnonKey != ""
}

// EnvToggle はUSE_MANAGED_AUTHを呼び出しごとに読み直すランタイムトグル。
// auth.Toggle を満たす。
type EnvToggle struct{}

// ManagedEnabled はUSE_MANAGED_AUTHが真として解釈できる値かどうかを返す。
func (EnvToggle) ManagedEnabled() bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(EnvUseManagedAuth)))
	return err == nil && v
}

// LoadOperatorAccounts はYAMLファイルからオペレーターアカウントの一覧を読み込む。
// pathが空の場合は空の一覧を返す。
func LoadOperatorAccounts(path string) ([]model.OperatorAccount, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read operator accounts file: %w", err)
	}
	return ParseOperatorAccounts(data)
}

// ParseOperatorAccounts はYAML形式のオペレーターアカウント一覧をパースする。
//
//	- email: admin@admin.com
//	  password: admin
//	  subject_id: 00000000-0000-0000-0000-000000000001
//	  role: admin
func ParseOperatorAccounts(data []byte) ([]model.OperatorAccount, error) {
	var accounts []model.OperatorAccount
	if err := yaml.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("failed to parse operator accounts: %w", err)
	}
	return accounts, nil
}

func validateJWTSecret(secret string) error {
	if secret == "" || secret == DefaultJWTSecret {
		return errors.New("JWT_SECRET must be set to a non-default value in production")
	}
	if len(secret) < MinJWTSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d bytes in production", MinJWTSecretLength)
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// CacheBackend はキャッシュ層の実装種別を表す。
type CacheBackend string

const (
	// CacheBackendRedis は分散Redisキャッシュ。
	CacheBackendRedis CacheBackend = "redis"
	// CacheBackendInMemory はプロセス内キャッシュ。
	// 単一インスタンス構成向けで、再起動をまたいで保持されない。
	CacheBackendInMemory CacheBackend = "inmemory"
)

// OAuthClient はIdPごとのクライアント認証情報を表す。
type OAuthClient struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Enabled はこのプロバイダーが設定済みかどうかを返す。
func (c OAuthClient) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Cache
	CacheBackend  CacheBackend
	RedisAddr     string
	RedisPassword string
	SnapshotTTL   time.Duration // キャッシュ上のスナップショットの保持期間
	StateNonceTTL time.Duration // OAuth stateノンスの有効期間

	// Token
	TokenSecret    string
	TokenAlgorithm string
	TokenTTL       time.Duration
	TokenKeyID     string

	// OAuth
	Google OAuthClient
	GitHub OAuthClient

	// Engine
	EngineBackend string // 会話エンジンの選択

	// Rate Limit
	RateLimitGeneral int // API全般のレート（req/min/user）
	RateLimitTurn    int // ターン生成のレート（req/min/user）

	// Backend timeout
	BackendTimeout time.Duration // ストア・キャッシュ・IdP呼び出しの上限時間

	// Server
	ServerPort string
	BaseURL    string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.TokenSecret = os.Getenv("TOKEN_SECRET")
	if cfg.TokenSecret == "" {
		missing = append(missing, "TOKEN_SECRET")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Cache backend
	backend := CacheBackend(getEnvString("CACHE_BACKEND", string(CacheBackendInMemory)))
	switch backend {
	case CacheBackendRedis, CacheBackendInMemory:
		cfg.CacheBackend = backend
	default:
		return nil, fmt.Errorf("unsupported CACHE_BACKEND %q: must be one of redis, inmemory", backend)
	}

	cfg.RedisAddr = getEnvString("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if cfg.CacheBackend == CacheBackendRedis && os.Getenv("REDIS_ADDR") == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required when CACHE_BACKEND=redis")
	}

	// Token
	cfg.TokenAlgorithm = getEnvString("TOKEN_ALGORITHM", "HS256")
	if cfg.TokenAlgorithm != "HS256" {
		return nil, fmt.Errorf("unsupported TOKEN_ALGORITHM %q: only HS256 is supported", cfg.TokenAlgorithm)
	}
	cfg.TokenTTL = getEnvDuration("TOKEN_TTL", 30*time.Minute)
	cfg.TokenKeyID = getEnvString("TOKEN_KEY_ID", "primary")

	// OAuth（クライアントIDとシークレットが揃ったプロバイダーのみ有効化される）
	cfg.Google = OAuthClient{
		ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		RedirectURL:  getEnvString("GOOGLE_REDIRECT_URL", strings.TrimSuffix(cfg.BaseURL, "/")+"/auth/google/callback"),
	}
	cfg.GitHub = OAuthClient{
		ClientID:     os.Getenv("GITHUB_CLIENT_ID"),
		ClientSecret: os.Getenv("GITHUB_CLIENT_SECRET"),
		RedirectURL:  getEnvString("GITHUB_REDIRECT_URL", strings.TrimSuffix(cfg.BaseURL, "/")+"/auth/github/callback"),
	}

	// Optional fields with defaults
	cfg.SnapshotTTL = getEnvDuration("SNAPSHOT_TTL", 5*time.Minute)
	cfg.StateNonceTTL = getEnvDuration("STATE_NONCE_TTL", 10*time.Minute)
	cfg.EngineBackend = getEnvString("ENGINE_BACKEND", "fallback")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitTurn = getEnvInt("RATE_LIMIT_TURN", 20)
	cfg.BackendTimeout = getEnvDuration("BACKEND_TIMEOUT", 5*time.Second)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
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

// Package config 通过 cleanenv 从可选的 YAML 文件与环境变量加载服务端与客户端配置。
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const DefaultJWTSecret = "dev-secret-change-me"

// Config 的来源优先级：显式路径 > CONFIG_PATH > 仅环境变量。文件中的值仍可被环境变量覆盖。
type Config struct {
	Env      string       `yaml:"env"       env:"APP_ENV"   env-default:"dev"`
	LogLevel string       `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	Server   ServerConfig `yaml:"server"`
	Client   ClientConfig `yaml:"client"`
}

type ServerConfig struct {
	Port                  string  `yaml:"port"                     env:"APP_PORT"                 env-default:"8080"`
	DatabaseDSN           string  `yaml:"database_dsn"             env:"DATABASE_DSN"             env-default:"host=localhost user=postgres password=postgres dbname=pointchat port=5432 sslmode=disable TimeZone=UTC"`
	JWTSecret             string  `yaml:"jwt_secret"               env:"JWT_SECRET"               env-default:"dev-secret-change-me"`
	AccessTokenTTLMinutes int     `yaml:"access_token_ttl_minutes" env:"ACCESS_TOKEN_TTL_MINUTES" env-default:"15"`
	RefreshTokenTTLDays   int     `yaml:"refresh_token_ttl_days"   env:"REFRESH_TOKEN_TTL_DAYS"   env-default:"7"`
	CookieSecure          bool    `yaml:"cookie_secure"            env:"COOKIE_SECURE"            env-default:"false"`
	RateLimitRPS          float64 `yaml:"rate_limit_rps"           env:"RATE_LIMIT_RPS"           env-default:"20"`
	RateLimitBurst        int     `yaml:"rate_limit_burst"         env:"RATE_LIMIT_BURST"         env-default:"40"`
	// 为空时不自动创建管理员账号。
	AdminUsername string `yaml:"admin_username" env:"ADMIN_USERNAME" env-default:"admin"`
	AdminPassword string `yaml:"admin_password" env:"ADMIN_PASSWORD"`
}

func (s ServerConfig) AccessTokenTTL() time.Duration {
	return time.Duration(s.AccessTokenTTLMinutes) * time.Minute
}

func (s ServerConfig) RefreshTokenTTL() time.Duration {
	return time.Duration(s.RefreshTokenTTLDays) * 24 * time.Hour
}

// ClientConfig 是终端客户端的连接参数，重连策略与刷新余量都在这里配置。
type ClientConfig struct {
	BaseURL           string        `yaml:"base_url"           env:"CHAT_BASE_URL"           env-default:"http://localhost:8080"`
	RealtimePath      string        `yaml:"realtime_path"      env:"CHAT_REALTIME_PATH"      env-default:"/chat"`
	RefreshSkew       time.Duration `yaml:"refresh_skew"       env:"CHAT_REFRESH_SKEW"       env-default:"10s"`
	ReconnectAttempts int           `yaml:"reconnect_attempts" env:"CHAT_RECONNECT_ATTEMPTS" env-default:"5"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"    env:"CHAT_RECONNECT_DELAY"    env-default:"2s"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"  env:"CHAT_HANDSHAKE_TIMEOUT"  env-default:"10s"`
	PingInterval      time.Duration `yaml:"ping_interval"      env:"CHAT_PING_INTERVAL"      env-default:"30s"`
	TokenDBPath       string        `yaml:"token_db_path"      env:"CHAT_TOKEN_DB"           env-default:"pointchat-token.db"`
	// 普通用户的固定会话对象；为 0 时登录后向服务端查询。
	AdminID uint `yaml:"admin_id" env:"CHAT_ADMIN_ID"`
}

// RealtimeURL 把 http(s) 基地址转换为 ws(s) 地址。
func (c ClientConfig) RealtimeURL() (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(c.RealtimePath, "/")
	return u.String(), nil
}

func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return Config{}, fmt.Errorf("config file does not exist: %s", path)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		return cfg, nil
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("read env: %w", err)
	}
	return cfg, nil
}

// Validate 校验服务端配置；非 dev 环境禁止使用默认 JWT 密钥。
func Validate(cfg Config) error {
	s := cfg.Server
	if s.Port == "" {
		return errors.New("server.port is required")
	}
	if s.DatabaseDSN == "" {
		return errors.New("server.database_dsn is required")
	}
	if s.JWTSecret == "" {
		return errors.New("server.jwt_secret is required")
	}
	if cfg.Env != "dev" && s.JWTSecret == DefaultJWTSecret {
		return fmt.Errorf("default jwt secret is not allowed in %q environment", cfg.Env)
	}
	if s.AccessTokenTTLMinutes <= 0 || s.RefreshTokenTTLDays <= 0 {
		return errors.New("token ttl values must be positive")
	}
	if s.RateLimitRPS <= 0 || s.RateLimitBurst <= 0 {
		return errors.New("rate limit values must be positive")
	}
	return nil
}

// ValidateClient 校验客户端配置。
func ValidateClient(c ClientConfig) error {
	if _, err := c.RealtimeURL(); err != nil {
		return err
	}
	if c.RefreshSkew < 0 {
		return errors.New("client.refresh_skew must not be negative")
	}
	if c.ReconnectAttempts <= 0 {
		return errors.New("client.reconnect_attempts must be positive")
	}
	if c.ReconnectDelay <= 0 {
		return errors.New("client.reconnect_delay must be positive")
	}
	if c.TokenDBPath == "" {
		return errors.New("client.token_db_path is required")
	}
	return nil
}

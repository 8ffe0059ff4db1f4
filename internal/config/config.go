package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig
	Upstream UpstreamConfig
	Auth     AuthConfig
	Gateway  GatewayConfig
	Redis    RedisConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	upstream, err := loadUpstreamConfig()
	if err != nil {
		return nil, err
	}

	gateway, err := loadGatewayConfig()
	if err != nil {
		return nil, err
	}

	redis, err := loadRedisConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server:   server,
		Upstream: upstream,
		Auth: AuthConfig{
			JWTSecret:    strings.TrimSpace(os.Getenv("JWT_SECRET_KEY")),
			JWTAlgorithm: getEnvOrDefault("JWT_ALGORITHM", "HS256"),
		},
		Gateway: gateway,
		Redis:   redis,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查配置组合是否可用。
func (c *Config) Validate() error {
	var errs []error

	switch c.Upstream.Mode {
	case UpstreamModeHTTP:
		if c.Upstream.AuthURL == "" && !c.Auth.Enabled() {
			errs = append(errs, errors.New("AUTH_PATH or JWT_SECRET_KEY is required"))
		}
		if c.Upstream.UsersURL == "" {
			errs = append(errs, errors.New("USERS_PATH is required"))
		}
		if c.Upstream.MessagesURL == "" {
			errs = append(errs, errors.New("MESSAGES_PATH is required"))
		}
	case UpstreamModeMemory:
		if !c.Auth.Enabled() {
			errs = append(errs, errors.New("JWT_SECRET_KEY is required in memory mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid UPSTREAM_MODE value: %q", c.Upstream.Mode))
	}

	if c.Gateway.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("GATEWAY_MAX_CONNECTIONS must not be negative, got %d", c.Gateway.MaxConnections))
	}
	if c.Gateway.PingInterval <= 0 || c.Gateway.ReadTimeout <= c.Gateway.PingInterval {
		errs = append(errs, fmt.Errorf("GATEWAY_READ_TIMEOUT (%s) must exceed GATEWAY_PING_INTERVAL (%s)", c.Gateway.ReadTimeout, c.Gateway.PingInterval))
	}

	return errors.Join(errs...)
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr     string
	Env      string
	LogLevel string
}

// IsDevelopment 表示是否运行在开发环境。
func (c ServerConfig) IsDevelopment() bool {
	return c.Env == "development"
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	cfg := ServerConfig{
		Env:      getEnvOrDefault("ENV", "development"),
		LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),
	}

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		cfg.Addr = port
		return cfg, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	cfg.Addr = ":" + port
	return cfg, nil
}

const (
	UpstreamModeHTTP   = "http"
	UpstreamModeMemory = "memory"
)

// UpstreamConfig 描述外部依赖服务（认证、用户、消息）的地址。
type UpstreamConfig struct {
	Mode        string
	AuthURL     string
	UsersURL    string
	MessagesURL string
	Timeout     time.Duration
	MemoryUsers []string
}

func loadUpstreamConfig() (UpstreamConfig, error) {
	timeout, err := parseDurationEnv("UPSTREAM_TIMEOUT", 10*time.Second)
	if err != nil {
		return UpstreamConfig{}, err
	}

	return UpstreamConfig{
		Mode:        strings.ToLower(getEnvOrDefault("UPSTREAM_MODE", UpstreamModeHTTP)),
		AuthURL:     strings.TrimSpace(os.Getenv("AUTH_PATH")),
		UsersURL:    strings.TrimSpace(os.Getenv("USERS_PATH")),
		MessagesURL: strings.TrimSpace(os.Getenv("MESSAGES_PATH")),
		Timeout:     timeout,
		MemoryUsers: parseListEnv("MEMORY_USERS"),
	}, nil
}

// AuthConfig 描述本地 JWT 校验所需的密钥。
type AuthConfig struct {
	JWTSecret    string
	JWTAlgorithm string
}

// Enabled 表示是否可以在本地校验令牌。
func (c AuthConfig) Enabled() bool {
	return c.JWTSecret != ""
}

// GatewayConfig 描述 WebSocket 网关的连接参数。
type GatewayConfig struct {
	MaxConnections  int
	PingInterval    time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	CloseSuperseded bool
	AllowedOrigins  []string
}

func loadGatewayConfig() (GatewayConfig, error) {
	maxConns := 0
	if override, err := parseOptionalIntEnv("GATEWAY_MAX_CONNECTIONS"); err != nil {
		return GatewayConfig{}, err
	} else if override != nil {
		maxConns = *override
	}

	pingInterval, err := parseDurationEnv("GATEWAY_PING_INTERVAL", 54*time.Second)
	if err != nil {
		return GatewayConfig{}, err
	}

	readTimeout, err := parseDurationEnv("GATEWAY_READ_TIMEOUT", 60*time.Second)
	if err != nil {
		return GatewayConfig{}, err
	}

	writeTimeout, err := parseDurationEnv("GATEWAY_WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return GatewayConfig{}, err
	}

	closeSuperseded, err := parseBoolEnv("GATEWAY_CLOSE_SUPERSEDED", true)
	if err != nil {
		return GatewayConfig{}, err
	}

	origins := parseListEnv("GATEWAY_ALLOWED_ORIGINS")
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	return GatewayConfig{
		MaxConnections:  maxConns,
		PingInterval:    pingInterval,
		ReadTimeout:     readTimeout,
		WriteTimeout:    writeTimeout,
		CloseSuperseded: closeSuperseded,
		AllowedOrigins:  origins,
	}, nil
}

// RedisConfig 描述用户目录缓存。
type RedisConfig struct {
	URL      string
	CacheTTL time.Duration
}

// Enabled 表示是否配置了 Redis。
func (c RedisConfig) Enabled() bool {
	return c.URL != ""
}

func loadRedisConfig() (RedisConfig, error) {
	ttl, err := parseDurationEnv("DIRECTORY_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return RedisConfig{}, err
	}
	return RedisConfig{
		URL:      strings.TrimSpace(os.Getenv("REDIS_URL")),
		CacheTTL: ttl,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

// parseDurationEnv 接受 Go 时长格式（"15s"）或纯秒数（"15"）。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if seconds, err := strconv.Atoi(raw); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseListEnv(key string) []string {
	raw := os.Getenv(key)
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	var items []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// HTTPDirectory 通过用户服务查询用户
type HTTPDirectory struct {
	baseURL string
	client  *http.Client
}

// NewHTTPDirectory 创建用户服务客户端
func NewHTTPDirectory(baseURL string, client *http.Client) *HTTPDirectory {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDirectory{baseURL: baseURL, client: client}
}

func (d *HTTPDirectory) Exists(ctx context.Context, caller Caller, username string) (bool, error) {
	// "." 与 ".." 经 PathEscape 后不变，会把请求指向 USERS_PATH 之外
	if username == "" || username == "." || username == ".." {
		return false, nil
	}

	req, err := newBearerRequest(ctx, http.MethodGet, joinPath(d.baseURL, url.PathEscape(username)), caller.Credential, nil)
	if err != nil {
		return false, fmt.Errorf("build directory request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: lookup %q: %v", ErrUnavailable, username, err)
	}
	defer drainAndClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("%w: user service returned status %d", ErrUnavailable, resp.StatusCode)
	}
}

// ExistenceCache 缓存已确认存在的用户名
type ExistenceCache interface {
	Known(ctx context.Context, username string) (bool, error)
	Remember(ctx context.Context, username string, ttl time.Duration) error
}

// CachedDirectory 优先查缓存，未命中时回源。只缓存存在的结果
type CachedDirectory struct {
	next   Directory
	cache  ExistenceCache
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCachedDirectory 为 next 包装一层缓存
func NewCachedDirectory(next Directory, cache ExistenceCache, ttl time.Duration, logger zerolog.Logger) *CachedDirectory {
	return &CachedDirectory{
		next:   next,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With().Str("component", "directory-cache").Logger(),
	}
}

func (d *CachedDirectory) Exists(ctx context.Context, caller Caller, username string) (bool, error) {
	known, err := d.cache.Known(ctx, username)
	if err != nil {
		d.logger.Warn().Err(err).Str("username", username).Msg("cache lookup failed")
	} else if known {
		return true, nil
	}

	exists, err := d.next.Exists(ctx, caller, username)
	if err != nil || !exists {
		return exists, err
	}

	if err := d.cache.Remember(ctx, username, d.ttl); err != nil {
		d.logger.Warn().Err(err).Str("username", username).Msg("cache store failed")
	}
	return true, nil
}

// RedisCache 基于带过期时间的 Redis 键实现 ExistenceCache
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache 连接 Redis 并检查连通性
func NewRedisCache(ctx context.Context, redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &RedisCache{client: client, prefix: "directory:user:"}, nil
}

// Known 判断用户名是否已缓存
func (c *RedisCache) Known(ctx context.Context, username string) (bool, error) {
	n, err := c.client.Exists(ctx, c.prefix+username).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Remember 缓存用户名
func (c *RedisCache) Remember(ctx context.Context, username string, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+username, 1, ttl).Err()
}

// Ping 检查 Redis 连接
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close 关闭 Redis 连接
func (c *RedisCache) Close() error {
	return c.client.Close()
}

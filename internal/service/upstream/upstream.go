// Package upstream 网关依赖的外部服务客户端：认证、用户目录、消息存储
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/zhouzirui/dm-gateway/backend/internal/model/message"
)

var (
	// ErrUnauthorized 认证服务拒绝了令牌
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUnavailable 外部服务不可达或响应异常
	ErrUnavailable = errors.New("upstream unavailable")
)

// maxErrorBody 读取响应体的字节上限
const maxErrorBody = 64 << 10

// Identity 认证服务返回的用户身份
type Identity struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// Caller 已认证的发送方，其令牌会转发给目录与存储服务
type Caller struct {
	Username   string
	Credential string
}

// IdentityVerifier 将令牌解析为用户身份
type IdentityVerifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// Directory 查询用户是否存在。不存在返回 (false, nil)，返回错误表示无法确定
type Directory interface {
	Exists(ctx context.Context, caller Caller, username string) (bool, error)
}

// MessageStore 持久化私信并返回规范记录
type MessageStore interface {
	Persist(ctx context.Context, caller Caller, recipient, content string) (message.Record, error)
}

// StoreError 消息服务拒绝写入时给出的原因
type StoreError struct {
	Status int
	Detail string
}

func (e *StoreError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("message store returned status %d", e.Status)
	}
	return fmt.Sprintf("message store returned status %d: %s", e.Status, e.Detail)
}

func newBearerRequest(ctx context.Context, method, url, credential string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// drainAndClose 读尽响应体再关闭，使 keep-alive 连接可被复用
func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBody))
	_ = body.Close()
}

func joinPath(base, segment string) string {
	return strings.TrimRight(base, "/") + "/" + segment
}

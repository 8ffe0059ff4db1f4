package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/dm-gateway/backend/internal/metrics"
	"github.com/zhouzirui/dm-gateway/backend/internal/service/registry"
	"github.com/zhouzirui/dm-gateway/backend/internal/service/upstream"
)

var (
	// ErrAuthentication 认证失败，会话未进入活跃状态
	ErrAuthentication = errors.New("authentication failed")
	// ErrSelfMessage 不能给自己发私信
	ErrSelfMessage = errors.New("cannot message self")
	// ErrRecipientNotFound 接收方不存在
	ErrRecipientNotFound = errors.New("recipient not found")
	// ErrNotActive 非活跃状态下收到帧
	ErrNotActive = errors.New("session not active")
)

// Options 会话参数
type Options struct {
	// CallTimeout 单次外部调用的超时，0 表示不单独设置
	CallTimeout time.Duration
	// WriteTimeout 单帧写超时，0 表示不设置
	WriteTimeout time.Duration
	// CloseSuperseded 同一身份有新连接注册时关闭旧连接
	CloseSuperseded bool
}

// Service 创建共享连接表与外部服务的会话
type Service struct {
	verifier  upstream.IdentityVerifier
	directory upstream.Directory
	store     upstream.MessageStore
	registry  *registry.Registry
	opts      Options
	logger    zerolog.Logger
}

// NewService 创建消息服务
func NewService(
	verifier upstream.IdentityVerifier,
	directory upstream.Directory,
	store upstream.MessageStore,
	reg *registry.Registry,
	opts Options,
	logger zerolog.Logger,
) *Service {
	return &Service{
		verifier:  verifier,
		directory: directory,
		store:     store,
		registry:  reg,
		opts:      opts,
		logger:    logger.With().Str("component", "messaging").Logger(),
	}
}

// Registry 返回共享的连接表
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// Begin 为新接入的连接创建会话，Authenticate 成功前处于认证中状态
func (s *Service) Begin(transport registry.Transport) *Session {
	conn := registry.NewConnection("", transport, s.opts.WriteTimeout)
	sess := &Session{
		svc:    s,
		conn:   conn,
		logger: s.logger.With().Str("conn_id", conn.ID).Logger(),
	}
	sess.setState(StateAuthenticating)
	return sess
}

func (s *Service) withCallTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.CallTimeout)
}

func observeCall(service string, start time.Time, err error) {
	outcome := "ok"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	metrics.UpstreamLatency.WithLabelValues(service, outcome).Observe(time.Since(start).Seconds())
}

package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/dm-gateway/backend/internal/metrics"
	"github.com/zhouzirui/dm-gateway/backend/internal/model/message"
	"github.com/zhouzirui/dm-gateway/backend/internal/model/protocol"
	"github.com/zhouzirui/dm-gateway/backend/internal/service/registry"
	"github.com/zhouzirui/dm-gateway/backend/internal/service/upstream"
)

// 发送给客户端的提示文本
const (
	detailMissingToken     = "Missing token"
	detailAuthFailed       = "Authentication failed"
	detailInvalidType      = "Invalid message type"
	detailInvalidPayload   = "Invalid message payload"
	detailSelfMessage      = "Cannot send a message to yourself"
	detailRecipientFailed  = "Failed to validate recipient"
	detailStoreFailed      = "Failed to save message"
	detailSupersededReason = "Connection replaced by a newer session"
)

// Session 单个连接的状态机，入站帧需逐个交给它处理
type Session struct {
	svc    *Service
	conn   *registry.Connection
	caller upstream.Caller
	logger zerolog.Logger

	state     atomic.Int32
	closeOnce sync.Once
}

// State 返回当前状态
func (s *Session) State() State {
	return State(s.state.Load())
}

// Identity 返回已认证的用户名，认证前为空
func (s *Session) Identity() string {
	return s.caller.Username
}

// Connection 返回会话的连接
func (s *Session) Connection() *registry.Connection {
	return s.conn
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

// Authenticate 校验令牌。成功时注册连接并告知绑定的身份；
// 失败时发送错误帧、以 1008 关闭连接并返回 ErrAuthentication，不修改连接表
func (s *Session) Authenticate(ctx context.Context, credential string) error {
	if s.State() != StateAuthenticating {
		return fmt.Errorf("%w: authenticate in state %s", ErrNotActive, s.State())
	}

	if credential == "" {
		metrics.RejectedConnections.WithLabelValues("missing_token").Inc()
		return s.reject(detailMissingToken, errors.New("missing credential"))
	}

	callCtx, cancel := s.svc.withCallTimeout(ctx)
	start := time.Now()
	identity, err := s.svc.verifier.Verify(callCtx, credential)
	cancel()
	observeCall("identity", start, err)
	if err != nil {
		metrics.RejectedConnections.WithLabelValues("auth_failed").Inc()
		return s.reject(detailAuthFailed, err)
	}

	s.caller = upstream.Caller{Username: identity.Username, Credential: credential}
	s.conn.Identity = identity.Username
	s.logger = s.logger.With().Str("identity", identity.Username).Logger()

	superseded := s.svc.registry.Register(identity.Username, s.conn)
	s.setState(StateActive)
	if superseded != nil {
		s.handleSuperseded(superseded)
	}

	s.logger.Info().Msg("session active")
	s.reply(protocol.Info("Connected as " + identity.Username))
	return nil
}

func (s *Session) reject(detail string, cause error) error {
	s.logger.Info().Err(cause).Str("detail", detail).Msg("authentication rejected")
	s.reply(protocol.Error(detail))
	_ = s.conn.CloseWith(websocket.ClosePolicyViolation, detail)
	s.setState(StateClosed)
	return fmt.Errorf("%w: %v", ErrAuthentication, cause)
}

func (s *Session) handleSuperseded(prev *registry.Connection) {
	metrics.SupersededConnections.Inc()
	s.logger.Info().Str("superseded_conn_id", prev.ID).Msg("replaced existing connection")
	if !s.svc.opts.CloseSuperseded {
		return
	}
	_ = prev.Send(protocol.Info(detailSupersededReason))
	_ = prev.CloseWith(websocket.CloseNormalClosure, detailSupersededReason)
}

// Handle 处理一个入站帧。失败会以错误帧告知发送方并返回，但不会结束会话
func (s *Session) Handle(ctx context.Context, raw []byte) error {
	if s.State() != StateActive {
		return ErrNotActive
	}

	env, err := protocol.Decode(raw)
	switch {
	case errors.Is(err, protocol.ErrUnknownType):
		metrics.FramesReceived.WithLabelValues("unknown").Inc()
		s.reply(protocol.Error(detailInvalidType))
		return err
	case err != nil:
		metrics.FramesReceived.WithLabelValues("malformed").Inc()
		s.reply(protocol.Error(detailInvalidPayload))
		return err
	}

	metrics.FramesReceived.WithLabelValues(string(env.Kind)).Inc()
	return s.sendDirectMessage(ctx, env.DirectMessage)
}

func (s *Session) sendDirectMessage(ctx context.Context, dm *protocol.DirectMessage) error {
	if dm.To == s.caller.Username {
		s.reply(protocol.Error(detailSelfMessage))
		return ErrSelfMessage
	}

	exists, err := s.recipientExists(ctx, dm.To)
	if err != nil {
		s.logger.Warn().Err(err).Str("recipient", dm.To).Msg("recipient lookup failed")
		s.reply(protocol.Error(detailRecipientFailed))
		return err
	}
	if !exists {
		s.reply(protocol.Error(fmt.Sprintf("Recipient '%s' does not exist", dm.To)))
		return ErrRecipientNotFound
	}

	rec, err := s.persist(ctx, dm.To, dm.Content)
	if err != nil {
		s.logger.Warn().Err(err).Str("recipient", dm.To).Msg("persist message failed")
		s.reply(protocol.Error(storeFailureDetail(err)))
		return err
	}

	s.deliver(rec)
	s.reply(protocol.Ack(rec.MessageID))
	return nil
}

func (s *Session) recipientExists(ctx context.Context, username string) (bool, error) {
	callCtx, cancel := s.svc.withCallTimeout(ctx)
	defer cancel()

	start := time.Now()
	exists, err := s.svc.directory.Exists(callCtx, s.caller, username)
	observeCall("directory", start, err)
	return exists, err
}

func (s *Session) persist(ctx context.Context, recipient, content string) (message.Record, error) {
	callCtx, cancel := s.svc.withCallTimeout(ctx)
	defer cancel()

	start := time.Now()
	rec, err := s.svc.store.Persist(callCtx, s.caller, recipient, content)
	observeCall("store", start, err)
	return rec, err
}

// deliver 推送给在线的接收方，推送失败只记录日志
func (s *Session) deliver(rec message.Record) {
	target, ok := s.svc.registry.Lookup(rec.Recipient)
	if !ok {
		metrics.Deliveries.WithLabelValues("offline").Inc()
		return
	}

	if err := target.Send(protocol.Deliver(rec)); err != nil {
		metrics.Deliveries.WithLabelValues("failed").Inc()
		s.logger.Debug().Err(err).Str("recipient", rec.Recipient).Str("message_id", rec.MessageID).Msg("live delivery failed")
		return
	}
	metrics.Deliveries.WithLabelValues("delivered").Inc()
	metrics.FramesSent.WithLabelValues(string(protocol.FrameDM)).Inc()
}

func (s *Session) reply(frame protocol.Frame) {
	if err := s.conn.Send(frame); err != nil {
		s.logger.Debug().Err(err).Str("frame", string(frame.Type)).Msg("write frame failed")
		return
	}
	metrics.FramesSent.WithLabelValues(string(frame.Type)).Inc()
}

func storeFailureDetail(err error) string {
	var storeErr *upstream.StoreError
	if errors.As(err, &storeErr) && storeErr.Detail != "" {
		return storeErr.Detail
	}
	return detailStoreFailed
}

// Close 注销连接（仅当连接表中仍是本连接）并关闭传输，可重复调用
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		if s.caller.Username != "" {
			if s.svc.registry.Deregister(s.caller.Username, s.conn) {
				s.logger.Info().Msg("session deregistered")
			}
		}
		_ = s.conn.Close()
		s.setState(StateClosed)
	})
}

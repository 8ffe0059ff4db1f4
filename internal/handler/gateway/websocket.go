package gateway

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/dm-gateway/backend/internal/metrics"
	"github.com/zhouzirui/dm-gateway/backend/internal/service/messaging"
	"github.com/zhouzirui/dm-gateway/backend/internal/service/registry"
	"github.com/zhouzirui/dm-gateway/backend/pkg/utils"
)

// maxFrameBytes 单个入站帧的大小上限
const maxFrameBytes = 64 << 10

// Options 网关连接参数
type Options struct {
	// MaxConnections 同时在线的连接上限，0 表示不限制
	MaxConnections int
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	AllowedOrigins []string
}

// Handler WebSocket 网关处理器，每个连接运行一个会话
type Handler struct {
	messaging *messaging.Service
	opts      Options
	upgrader  websocket.Upgrader
	active    atomic.Int64
	logger    zerolog.Logger
}

// New 创建网关处理器
func New(svc *messaging.Service, opts Options, logger zerolog.Logger) *Handler {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 54 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}

	h := &Handler{
		messaging: svc,
		opts:      opts,
		logger:    logger.With().Str("component", "gateway").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:     h.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return h
}

// RegisterRoutes 注册 WebSocket 路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

// ActiveSessions 返回当前持有连接的会话数（含认证中的连接）
func (h *Handler) ActiveSessions() int64 {
	return h.active.Load()
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.admit() {
		metrics.RejectedConnections.WithLabelValues("capacity").Inc()
		h.logger.Warn().Int("max_connections", h.opts.MaxConnections).Msg("connection refused: at capacity")
		utils.RespondError(w, http.StatusServiceUnavailable, "too many connections")
		return
	}
	defer h.active.Add(-1)

	credential := bearerCredential(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("upgrade failed")
		return
	}
	defer conn.Close()

	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := h.messaging.Begin(conn)
	defer sess.Close()
	if err := sess.Authenticate(ctx, credential); err != nil {
		return
	}

	conn.SetReadLimit(maxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	go h.pingLoop(ctx, sess.Connection())

	h.serve(ctx, conn, sess)
}

// serve 按到达顺序逐帧处理，直到连接关闭或出现不可恢复的错误
func (h *Handler) serve(ctx context.Context, conn *websocket.Conn, sess *messaging.Session) {
	logger := h.logger.With().Str("identity", sess.Identity()).Str("conn_id", sess.Connection().ID).Logger()

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Bytes("stack", debug.Stack()).Msg("session aborted")
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Warn().Err(err).Msg("read error")
			}
			return
		}

		conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))

		if err := sess.Handle(ctx, raw); err != nil {
			logger.Debug().Err(err).Msg("frame rejected")
		}
	}
}

// pingLoop 定期发送 ping 消息
func (h *Handler) pingLoop(ctx context.Context, conn *registry.Connection) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				return
			}
		}
	}
}

func (h *Handler) admit() bool {
	n := h.active.Add(1)
	if h.opts.MaxConnections > 0 && n > int64(h.opts.MaxConnections) {
		h.active.Add(-1)
		return false
	}
	return true
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// bearerCredential 优先读取 ?token=，其次读取 Authorization: Bearer 头
func bearerCredential(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}

	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len("Bearer ") && strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return strings.TrimSpace(header[len("Bearer "):])
	}
	return ""
}

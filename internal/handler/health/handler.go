package health

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/dm-gateway/backend/pkg/utils"
)

// Pinger 可探活的外部依赖
type Pinger interface {
	Ping(ctx context.Context) error
}

// Registry 在线连接目录
type Registry interface {
	Count() int
}

// Sessions 网关会话计数
type Sessions interface {
	ActiveSessions() int64
}

// Check 单项检查结果
type Check struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// Response 健康检查响应
type Response struct {
	Status      string           `json:"status"`
	Identities  int              `json:"identities"`
	Connections int64            `json:"connections"`
	Checks      map[string]Check `json:"checks"`
	Timestamp   string           `json:"timestamp"`
}

// Handler 服务状态接口
type Handler struct {
	registry Registry
	sessions Sessions
	redis    Pinger
}

// New 创建状态处理器；redis 为 nil 时跳过该项检查
func New(registry Registry, sessions Sessions, redis Pinger) *Handler {
	return &Handler{registry: registry, sessions: sessions, redis: redis}
}

// RegisterRoutes 注册状态路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.Root)
	r.Get("/health", h.Health)
}

// Root 返回服务存活标识
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]string{"message": "WS Service Running"})
}

// Health 汇报在线连接数和依赖状态
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]Check)
	healthy := true

	if h.redis != nil {
		start := time.Now()
		if err := h.redis.Ping(ctx); err != nil {
			checks["redis"] = Check{Status: "fail", Message: "connection failed"}
			healthy = false
		} else {
			checks["redis"] = Check{Status: "pass", Latency: time.Since(start).String()}
		}
	}

	resp := Response{
		Status:     "healthy",
		Identities: h.registry.Count(),
		Checks:     checks,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	if h.sessions != nil {
		resp.Connections = h.sessions.ActiveSessions()
	}

	status := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	utils.RespondJSON(w, status, resp)
}

package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/dm-gateway/backend/internal/handler/gateway"
	"github.com/zhouzirui/dm-gateway/backend/internal/handler/health"
	middlewarePkg "github.com/zhouzirui/dm-gateway/backend/internal/middleware"
)

// NewRouter 注册网关与状态接口路由
func NewRouter(logger zerolog.Logger, gatewayHandler *gateway.Handler, healthHandler *health.Handler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.Logger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(allowedOrigins))
	r.Use(middlewarePkg.Metrics)

	r.Handle("/metrics", promhttp.Handler())

	healthHandler.RegisterRoutes(r)
	gatewayHandler.RegisterRoutes(r)

	return r
}

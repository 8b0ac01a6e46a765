package server

import (
	"net/http"

	"appdeploy/internal/apiserver/auth"
	"appdeploy/internal/apiserver/deployment"
)

// Router 返回配置好的 HTTP 路由
//
// 健康检查与指标:
//   - GET /health
//   - GET /metrics
//
// 部署:
//   - POST /api/v1/deployments?deployment_id=  - 同步执行部署
//   - GET  /api/v1/deployments                 - 列出检查点
//   - GET  /api/v1/deployments/{host}          - 按主机读取检查点
//   - GET  /api/v1/test-log?log=               - 发布测试日志
//
// WebSocket:
//   - GET /ws/logger?deployment_id=
//   - GET /ws/progress?deployment_id=
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", h.MetricsHandler())

	deployHandler := deployment.NewHandler(h.runner, h.store, h.bus)
	deployHandler.RegisterRoutes(mux)

	// 校验 -> 指标 -> 认证 -> CORS，由内到外
	apiHandler := h.validator.Middleware(mux)
	apiHandler = h.metrics.MetricsMiddleware(apiHandler)
	apiHandler = auth.Middleware(h.authConfig)(apiHandler)
	apiHandler = h.corsMiddleware(apiHandler)

	// WebSocket 绕过 metrics 中间件（避免 http.Hijacker 问题）
	topMux := http.NewServeMux()
	gateway := deployment.NewGateway(h.bus, h.broadcast)
	gateway.SetObserver(h.metrics)
	gateway.RegisterRoutes(topMux)
	topMux.Handle("/", apiHandler)

	return topMux
}

// corsMiddleware 添加 CORS 头；未配置来源时允许所有来源
func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case len(h.corsOrigins) == 0:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case h.corsOrigins[origin]:
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

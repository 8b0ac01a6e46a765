// Package server 路由配置与核心基础设施
//
// 文件组织：
//   - common.go: Handler 定义与通用工具函数
//   - handler.go: 路由与中间件装配
//   - metrics.go: Prometheus 指标
package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"appdeploy/internal/apiserver/auth"
	"appdeploy/internal/apiserver/deployment"
	"appdeploy/internal/apiserver/openapi"
	"appdeploy/internal/shared/eventbus"
	"appdeploy/internal/shared/storage"
)

// Options Handler 依赖
type Options struct {
	Store           storage.DeploymentStore
	EventBus        eventbus.EventBus
	Runner          deployment.Runner
	BroadcastEvents bool
	Auth            auth.Config
	CORSOrigins     []string

	// Registry 为空时创建独立注册表（含 Go 运行时与进程指标）
	Registry *prometheus.Registry
}

// Handler API 处理器
type Handler struct {
	store       storage.DeploymentStore
	bus         eventbus.EventBus
	runner      deployment.Runner
	broadcast   bool
	authConfig  auth.Config
	corsOrigins map[string]bool

	registry  *prometheus.Registry
	metrics   *Metrics
	validator *openapi.Validator
}

// NewHandler 创建 Handler 实例
func NewHandler(opts Options) (*Handler, error) {
	if opts.Store == nil || opts.EventBus == nil || opts.Runner == nil {
		return nil, fmt.Errorf("server: store, event bus and runner are required")
	}

	validator, err := openapi.New()
	if err != nil {
		return nil, err
	}

	reg := opts.Registry
	if reg == nil {
		reg = NewRegistry()
	}

	h := &Handler{
		store:       opts.Store,
		bus:         opts.EventBus,
		runner:      opts.Runner,
		broadcast:   opts.BroadcastEvents,
		authConfig:  opts.Auth,
		corsOrigins: make(map[string]bool),
		registry:    reg,
		metrics:     NewMetrics("appdeploy_api", reg),
		validator:   validator,
	}
	for _, o := range opts.CORSOrigins {
		h.corsOrigins[o] = true
	}
	return h, nil
}

// NewRegistry 创建带运行时指标的注册表
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// GetMetrics 返回指标实例
func (h *Handler) GetMetrics() *Metrics {
	return h.metrics
}

// Registry 返回指标注册表
func (h *Handler) Registry() *prometheus.Registry {
	return h.registry
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Health 健康检查接口
//
// 路由: GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

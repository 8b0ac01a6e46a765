// Package deployment 部署 API：触发流水线、查询检查点、websocket 事件网关
//
// 文件组织：
//   - handler.go: 触发与查询接口
//   - websocket.go: /ws/logger 与 /ws/progress 事件网关
package deployment

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/google/uuid"

	"appdeploy/internal/provision"
	"appdeploy/internal/shared/eventbus"
	"appdeploy/internal/shared/model"
	"appdeploy/internal/shared/storage"
)

// Runner 执行一次部署，直到流水线终止才返回
type Runner interface {
	Run(ctx context.Context, deploymentID string, cfg *model.DeploymentConfig, reporter provision.Reporter) provision.Result
}

// Handler 部署接口处理器
type Handler struct {
	runner Runner
	store  storage.DeploymentStore
	bus    eventbus.Publisher
	newID  func() string
}

// NewHandler 创建处理器
func NewHandler(runner Runner, store storage.DeploymentStore, bus eventbus.Publisher) *Handler {
	return &Handler{
		runner: runner,
		store:  store,
		bus:    bus,
		newID:  uuid.NewString,
	}
}

// RegisterRoutes 注册 REST 路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/deployments", h.Create)
	mux.HandleFunc("GET /api/v1/deployments", h.List)
	mux.HandleFunc("GET /api/v1/deployments/{host}", h.Get)
	mux.HandleFunc("GET /api/v1/test-log", h.TestLog)
}

// triggerResponse 触发接口响应，error 为空时序列化为 null
type triggerResponse struct {
	Status       bool    `json:"status"`
	Error        *string `json:"error"`
	DeploymentID string  `json:"deployment_id"`
}

func newTriggerResponse(res provision.Result) triggerResponse {
	resp := triggerResponse{Status: res.Success, DeploymentID: res.DeploymentID}
	if res.Error != "" {
		msg := res.Error
		resp.Error = &msg
	}
	return resp
}

// Create 同步执行一次部署
//
// 路由: POST /api/v1/deployments?deployment_id=
//
// 流水线层面的失败同样返回 200，由 status/error 区分结果。
// 客户端断开不会中断正在执行的部署。
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	deploymentID := r.URL.Query().Get("deployment_id")
	if deploymentID == "" {
		deploymentID = h.newID()
	}

	var cfg model.DeploymentConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		msg := "invalid request body: " + err.Error()
		writeJSON(w, http.StatusBadRequest, triggerResponse{Error: &msg, DeploymentID: deploymentID})
		return
	}

	res := h.run(context.WithoutCancel(r.Context()), deploymentID, &cfg)
	writeJSON(w, http.StatusOK, newTriggerResponse(res))
}

func (h *Handler) run(ctx context.Context, deploymentID string, cfg *model.DeploymentConfig) (res provision.Result) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("[Deployment] run %s panicked: %v", deploymentID, p)
			res = provision.Result{DeploymentID: deploymentID, Error: fmt.Sprintf("internal error: %v", p)}
		}
	}()
	return h.runner.Run(ctx, deploymentID, cfg, provision.NewBusReporter(h.bus, deploymentID))
}

// List 列出全部检查点
//
// 路由: GET /api/v1/deployments
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.ListDeployments(r.Context())
	if err != nil {
		log.Printf("[Deployment] list failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list deployments")
		return
	}
	if records == nil {
		records = []*model.DeploymentRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": records, "count": len(records)})
}

// Get 按主机读取检查点
//
// 路由: GET /api/v1/deployments/{host}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	host := r.PathValue("host")
	rec, err := h.store.GetDeployment(r.Context(), host)
	if err != nil {
		log.Printf("[Deployment] get %s failed: %v", host, err)
		writeError(w, http.StatusInternalServerError, "failed to get deployment")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "deployment not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// TestLog 发布一条灰色日志，用于验证前端订阅
//
// 路由: GET /api/v1/test-log?log=&deployment_id=
func (h *Handler) TestLog(w http.ResponseWriter, r *http.Request) {
	msg := r.URL.Query().Get("log")
	rep := provision.NewBusReporter(h.bus, r.URL.Query().Get("deployment_id"))
	rep.Log(msg, eventbus.SeverityGrey)
	writeJSON(w, http.StatusOK, map[string]any{"status": true, "log": msg})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

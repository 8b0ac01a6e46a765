package deployment

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"appdeploy/internal/shared/eventbus"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Observer 连接与推送指标
type Observer interface {
	ConnOpened()
	ConnClosed()
	MessageSent(topic string)
}

// Gateway websocket 事件网关
//
// 每个连接按 deployment_id 订阅一个主题。未携带 deployment_id 的连接
// 只有在开启广播时才被接受，此时接收所有部署的事件。
type Gateway struct {
	bus       eventbus.Subscriber
	broadcast bool
	observer  Observer
}

// NewGateway 创建事件网关
func NewGateway(bus eventbus.Subscriber, broadcast bool) *Gateway {
	return &Gateway{bus: bus, broadcast: broadcast}
}

// SetObserver 设置指标观察者
func (g *Gateway) SetObserver(o Observer) {
	g.observer = o
}

// RegisterRoutes 注册 websocket 路由
func (g *Gateway) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/logger", g.HandleLogger)
	mux.HandleFunc("GET /ws/progress", g.HandleProgress)
}

// HandleLogger 推送日志
//
// 路由: GET /ws/logger?deployment_id=
//
//	{"type": "websocket.log", "log": "...", "color": "info", "deployment_id": "..."}
func (g *Gateway) HandleLogger(w http.ResponseWriter, r *http.Request) {
	g.serve(w, r, eventbus.TopicLogs)
}

// HandleProgress 推送进度
//
// 路由: GET /ws/progress?deployment_id=
//
//	{"type": "websocket.progress", "percentage": 35, "deployment_id": "..."}
func (g *Gateway) HandleProgress(w http.ResponseWriter, r *http.Request) {
	g.serve(w, r, eventbus.TopicProgress)
}

func (g *Gateway) serve(w http.ResponseWriter, r *http.Request, topic eventbus.Topic) {
	deploymentID := r.URL.Query().Get("deployment_id")
	if deploymentID == "" && !g.broadcast {
		http.Error(w, "deployment_id required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// 先订阅再升级，握手完成即可收到事件
	events, err := g.bus.Subscribe(ctx, eventbus.Filter{Topic: topic, DeploymentID: deploymentID})
	if err != nil {
		log.Printf("[Gateway] subscribe %s failed: %v", topic, err)
		http.Error(w, "event bus unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Gateway] upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if g.observer != nil {
		g.observer.ConnOpened()
		defer g.observer.ConnClosed()
	}

	go readPump(conn, cancel)
	g.writePump(ctx, conn, events)
}

// readPump 处理客户端心跳与断开
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Gateway] read error: %v", err)
			}
			return
		}
		var req map[string]interface{}
		if json.Unmarshal(msg, &req) == nil && req["type"] == "ping" {
			conn.SetReadDeadline(time.Now().Add(pongWait))
		}
	}
}

// writePump 独占连接的写端
func (g *Gateway) writePump(ctx context.Context, conn *websocket.Conn, events <-chan *eventbus.Event) {
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame(ev)); err != nil {
				log.Printf("[Gateway] write error: %v", err)
				return
			}
			if g.observer != nil {
				g.observer.MessageSent(string(ev.Topic))
			}
		}
	}
}

// frame 事件到前端消息格式的映射
func frame(ev *eventbus.Event) map[string]interface{} {
	if ev.Topic == eventbus.TopicProgress {
		return map[string]interface{}{
			"type":          "websocket.progress",
			"percentage":    ev.Percentage,
			"deployment_id": ev.DeploymentID,
		}
	}
	return map[string]interface{}{
		"type":          "websocket.log",
		"log":           ev.Message,
		"color":         string(ev.Severity),
		"deployment_id": ev.DeploymentID,
	}
}

// Package eventbus 事件总线类型定义
package eventbus

import (
	"time"
)

// ============================================================================
// 事件类型
// ============================================================================

// Topic 事件主题
type Topic string

const (
	TopicLogs     Topic = "logs"
	TopicProgress Topic = "progress"
)

// Severity 日志级别（前端按颜色渲染）
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityDanger  Severity = "danger"
	SeverityGrey    Severity = "grey"
)

// Valid 是否为已知级别
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeveritySuccess, SeverityDanger, SeverityGrey:
		return true
	}
	return false
}

// Event 部署事件
//
// Topic 为 logs 时使用 Message/Severity，为 progress 时使用 Percentage
type Event struct {
	Topic        Topic     `json:"topic"`
	DeploymentID string    `json:"deployment_id"`
	Message      string    `json:"message,omitempty"`
	Severity     Severity  `json:"severity,omitempty"`
	Percentage   int       `json:"percentage"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewLogEvent 构造日志事件
func NewLogEvent(deploymentID, message string, severity Severity) *Event {
	return &Event{
		Topic:        TopicLogs,
		DeploymentID: deploymentID,
		Message:      message,
		Severity:     severity,
		Timestamp:    time.Now(),
	}
}

// NewProgressEvent 构造进度事件
func NewProgressEvent(deploymentID string, percentage int) *Event {
	return &Event{
		Topic:        TopicProgress,
		DeploymentID: deploymentID,
		Percentage:   percentage,
		Timestamp:    time.Now(),
	}
}

// Filter 订阅过滤条件
//
// DeploymentID 为空表示接收所有部署的事件（广播模式，需显式开启）
type Filter struct {
	Topic        Topic
	DeploymentID string
}

// Match 判断事件是否满足过滤条件
func (f Filter) Match(e *Event) bool {
	if f.Topic != "" && e.Topic != f.Topic {
		return false
	}
	return f.DeploymentID == "" || f.DeploymentID == e.DeploymentID
}

// ============================================================================
// Key 前缀和常量
// ============================================================================

const (
	// ChannelPrefix Redis 频道前缀，完整频道为 prefix + topic + ":" + deploymentID
	ChannelPrefix = "deploy_events:"

	// SubscriberBuffer 每个订阅者的缓冲区大小，满了即丢弃
	SubscriberBuffer = 256
)

// Package logging 结构化日志
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"
)

// Logger 结构化日志器
type Logger struct {
	*slog.Logger
	component string
}

// Config 日志配置
type Config struct {
	Level     string `json:"level"`
	Format    string `json:"format"` // json or text
	Output    string `json:"output"` // stdout, stderr, or file path
	Component string `json:"component"`
}

// ParseLevel 解析日志级别，未知值回落到 info
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New 创建新的日志器
func New(cfg Config) *Logger {
	level := ParseLevel(cfg.Level)

	var output io.Writer
	switch cfg.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			output = os.Stdout
		} else {
			output = f
		}
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return FromHandler(handler, cfg.Component)
}

// FromHandler 用已有的 slog.Handler 构造日志器（CLI 使用彩色 handler）
func FromHandler(h slog.Handler, component string) *Logger {
	return &Logger{
		Logger:    slog.New(h).With(slog.String("component", component)),
		component: component,
	}
}

// Discard 丢弃全部输出，测试用
func Discard() *Logger {
	return FromHandler(slog.NewTextHandler(io.Discard, nil), "discard")
}

// Component 返回组件名
func (l *Logger) Component() string {
	return l.component
}

// WithDeployment 添加部署 ID 与目标主机
func (l *Logger) WithDeployment(deploymentID, host string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("deployment_id", deploymentID), slog.String("host", host)),
		component: l.component,
	}
}

// WithStage 添加阶段序号与名称
func (l *Logger) WithStage(ordinal int, name string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.Int("stage", ordinal), slog.String("stage_name", name)),
		component: l.component,
	}
}

// WithError 添加错误信息
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{
		Logger:    l.Logger.With(slog.String("error", err.Error())),
		component: l.component,
	}
}

// WithDuration 添加持续时间
func (l *Logger) WithDuration(d time.Duration) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.Float64("duration_ms", float64(d.Milliseconds()))),
		component: l.component,
	}
}

// StageLog 阶段事件日志
func (l *Logger) StageLog(action string, ordinal int, attempt int, err error) {
	attrs := []any{
		slog.String("action", action),
		slog.Int("stage", ordinal),
		slog.Int("attempt", attempt),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Warn("Stage event", attrs...)
		return
	}
	l.Logger.Info("Stage event", attrs...)
}

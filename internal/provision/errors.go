package provision

import (
	"errors"
	"fmt"

	"appdeploy/internal/shared/model"
)

// 对调用方可见的固定错误消息
const (
	MsgInstallationFailed = "Installation failed due to previous error."
	MsgInvalidCredential  = "invalid credential"
	MsgAlreadyRunning     = "deployment already running for host"
	MsgInstallCompleted   = "Installation completed."
)

// ValidationError 配置不完整
type ValidationError = model.ValidationError

// ErrCredentialRejected 访问令牌校验未通过
var ErrCredentialRejected = errors.New("credential rejected")

// ErrCredentialUnreachable 校验端点不可达
var ErrCredentialUnreachable = errors.New("credential endpoint unreachable")

// AuthenticationError SSH 认证失败，不重试
type AuthenticationError struct {
	Host string
	User string
	Err  error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication for %s@%s failed: %v", e.User, e.Host, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// CommandError 远程命令非零退出
type CommandError struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q exited with %d", e.Command, e.ExitCode)
}

// DangerMessage 推送给观察者的失败日志
func (e *CommandError) DangerMessage() string {
	return fmt.Sprintf("Command \"%s\" failed with exit code %d, stderr: %s", e.Command, e.ExitCode, e.Stderr)
}

// PersistenceError 检查点写入失败
type PersistenceError struct {
	Host  string
	Stage int
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist stage %d for %s: %v", e.Stage, e.Host, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// RetryExhaustedError 可恢复失败重试次数用尽
type RetryExhaustedError struct {
	Stage    int
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("stage %d failed after %d attempts: %v", e.Stage, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// AsCommandError 提取链上的 CommandError
func AsCommandError(err error) (*CommandError, bool) {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr, true
	}
	return nil, false
}

package provision

import (
	"context"
	"regexp"

	"appdeploy/internal/shared/model"
)

// Responder 交互式提示自动应答
//
// 输出流匹配 Pattern 时向 stdin 写入 Response
type Responder struct {
	Pattern  *regexp.Regexp
	Response string
}

// CommandResult 远程命令结果
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Session 一次部署独占的远程执行会话
//
// 非零退出码以 *CommandError 返回，同时返回结果
type Session interface {
	Run(ctx context.Context, command string) (*CommandResult, error)
	RunPrivileged(ctx context.Context, command string, responders ...Responder) (*CommandResult, error)
	Close() error
}

// Dialer 建立会话，认证失败返回 *AuthenticationError
type Dialer interface {
	Dial(ctx context.Context, cfg *model.DeploymentConfig) (Session, error)
}

// DialerFunc 函数适配
type DialerFunc func(ctx context.Context, cfg *model.DeploymentConfig) (Session, error)

func (f DialerFunc) Dial(ctx context.Context, cfg *model.DeploymentConfig) (Session, error) {
	return f(ctx, cfg)
}

var (
	sudoPromptPattern   = regexp.MustCompile(`\[sudo\] password`)
	dpkgConflictPattern = regexp.MustCompile(`What do you want to do about`)
)

// SudoPasswordResponder 应答 sudo 密码提示
func SudoPasswordResponder(password string) Responder {
	return Responder{Pattern: sudoPromptPattern, Response: password + "\n"}
}

// KeepLocalConfigResponder dpkg 配置文件冲突时保留本地版本
func KeepLocalConfigResponder() Responder {
	return Responder{Pattern: dpkgConflictPattern, Response: "2\n"}
}

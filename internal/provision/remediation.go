package provision

import (
	"fmt"
	"regexp"
)

// Remediation 可恢复失败的处理规则
//
// Stage 与 Match 同时命中时执行 Apply，然后重新执行同一阶段
type Remediation struct {
	Name   string
	Stage  func(ordinal int) bool
	Match  func(err *CommandError) bool
	Notice func(err *CommandError) string
	Apply  func(sc *StageContext, err *CommandError) error
}

// Registry 规则表，按注册顺序匹配
type Registry struct {
	rules []Remediation
}

// NewRegistry 创建规则表
func NewRegistry(rules ...Remediation) *Registry {
	return &Registry{rules: rules}
}

// Find 返回第一条命中的规则；只有 *CommandError 可能被修复
func (r *Registry) Find(ordinal int, err error) (*Remediation, *CommandError) {
	if r == nil {
		return nil, nil
	}
	cmdErr, ok := AsCommandError(err)
	if !ok {
		return nil, nil
	}
	for i := range r.rules {
		rule := &r.rules[i]
		if rule.Stage != nil && !rule.Stage(ordinal) {
			continue
		}
		if rule.Match != nil && !rule.Match(cmdErr) {
			continue
		}
		return rule, cmdErr
	}
	return nil, cmdErr
}

func stageIs(ordinal int) func(int) bool {
	return func(o int) bool { return o == ordinal }
}

var heldByProcessPattern = regexp.MustCompile(`It is held by process (\d+)`)

// heldByPID 从 dpkg/apt 锁错误中提取进程号
func heldByPID(stderr string) (string, bool) {
	m := heldByProcessPattern.FindStringSubmatch(stderr)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// PackageLockRemediation 软件包锁被占用时结束持有进程
func PackageLockRemediation() Remediation {
	return Remediation{
		Name:  "package-lock",
		Stage: stageIs(1),
		Match: func(err *CommandError) bool {
			_, ok := heldByPID(err.Stderr)
			return ok
		},
		Notice: func(err *CommandError) string {
			pid, _ := heldByPID(err.Stderr)
			return fmt.Sprintf("Package manager is locked by process %s, terminating it and retrying...", pid)
		},
		Apply: func(sc *StageContext, err *CommandError) error {
			pid, _ := heldByPID(err.Stderr)
			return sc.Sudo("kill " + pid)
		},
	}
}

// DependencyRetryRemediation 依赖安装的任何非零退出都直接重试
func DependencyRetryRemediation() Remediation {
	return Remediation{
		Name:  "dependency-retry",
		Stage: stageIs(2),
		Notice: func(err *CommandError) string {
			return fmt.Sprintf("Following error occurred: %s, retrying...", err.Stderr)
		},
	}
}

// DefaultRegistry 内置规则
func DefaultRegistry() *Registry {
	return NewRegistry(PackageLockRemediation(), DependencyRetryRemediation())
}

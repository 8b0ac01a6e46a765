// Package sshexec 基于 golang.org/x/crypto/ssh 的远程执行会话
//
// 一次部署建立一条 SSH 连接，每条命令开一个 channel。特权命令通过
// sudo -S 执行，输出流按 Responder 规则自动应答交互式提示。
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"appdeploy/internal/provision"
	"appdeploy/internal/shared/model"
)

const defaultDialTimeout = 10 * time.Second

// sudoPrompt 固定 sudo 提示文本，与 provision.SudoPasswordResponder 的模式匹配
const sudoPrompt = "[sudo] password: "

// Config 连接参数
type Config struct {
	DialTimeout time.Duration

	// HostKeyCallback 为 nil 时不校验主机密钥（目标主机是刚装好的新机器）
	HostKeyCallback ssh.HostKeyCallback
}

// Dialer 实现 provision.Dialer
type Dialer struct {
	cfg Config
}

var _ provision.Dialer = (*Dialer)(nil)

// NewDialer 创建 Dialer
func NewDialer(cfg Config) *Dialer {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.HostKeyCallback == nil {
		cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec
	}
	return &Dialer{cfg: cfg}
}

// authMethods 私钥优先，密码同时用于 password 与 keyboard-interactive
func authMethods(dc *model.DeploymentConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if dc.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(dc.PrivateKey))
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) && dc.Password != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(dc.PrivateKey), []byte(dc.Password))
		}
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if dc.Password != "" {
		password := dc.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	return methods, nil
}

// Dial 建立连接，认证失败返回 *provision.AuthenticationError
func (d *Dialer) Dial(ctx context.Context, dc *model.DeploymentConfig) (provision.Session, error) {
	auth, err := authMethods(dc)
	if err != nil {
		return nil, &provision.AuthenticationError{Host: dc.Host, User: dc.Username, Err: err}
	}

	clientCfg := &ssh.ClientConfig{
		User:            dc.Username,
		Auth:            auth,
		HostKeyCallback: d.cfg.HostKeyCallback,
		Timeout:         d.cfg.DialTimeout,
	}

	addr := net.JoinHostPort(dc.Host, strconv.Itoa(dc.Port))
	dialer := &net.Dialer{Timeout: d.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	_ = conn.SetDeadline(time.Now().Add(d.cfg.DialTimeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		if isAuthFailure(err) {
			return nil, &provision.AuthenticationError{Host: dc.Host, User: dc.Username, Err: err}
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return &Session{client: ssh.NewClient(c, chans, reqs), sudoPassword: dc.Password}, nil
}

func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

// Session 实现 provision.Session
type Session struct {
	client       *ssh.Client
	sudoPassword string
}

var _ provision.Session = (*Session)(nil)

// Run 以登录用户身份执行
func (s *Session) Run(ctx context.Context, command string) (*provision.CommandResult, error) {
	return s.exec(ctx, command, command, nil)
}

// RunPrivileged 通过 sudo -S 执行，命令整体交给 bash -c
func (s *Session) RunPrivileged(ctx context.Context, command string, responders ...provision.Responder) (*provision.CommandResult, error) {
	wrapped := fmt.Sprintf("sudo -S -p %s bash -c %s", quote(sudoPrompt), quote(command))
	return s.exec(ctx, command, wrapped, responders)
}

// Close 关闭连接
func (s *Session) Close() error {
	return s.client.Close()
}

// exec display 为错误中展示的命令，wire 为实际发送的命令
func (s *Session) exec(ctx context.Context, display, wire string, responders []provision.Responder) (*provision.CommandResult, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	defer sess.Close()

	stdin, err := sess.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	w := newWatcher(stdin, responders)
	var stdout, stderr bytes.Buffer
	sess.Stdout = io.MultiWriter(&stdout, w)
	sess.Stderr = io.MultiWriter(&stderr, w)

	if err := sess.Start(wire); err != nil {
		return nil, fmt.Errorf("start %q: %w", display, err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		<-done
		return nil, fmt.Errorf("run %q: %w", display, ctx.Err())
	}
	_ = stdin.Close()

	res := &provision.CommandResult{Stdout: stdout.String(), Stderr: stripPrompt(stderr.String())}
	if err == nil {
		return res, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, &provision.CommandError{
			Command:  display,
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
		}
	}
	return nil, fmt.Errorf("run %q: %w", display, err)
}

// stripPrompt 去掉 stderr 中的 sudo 提示
func stripPrompt(s string) string {
	return strings.ReplaceAll(s, sudoPrompt, "")
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// maxPending 提示符跨越多次写入时需要保留的尾部长度
const maxPending = 4096

// watcher 扫描合并后的输出流，命中模式时向 stdin 写入应答
//
// 每个 responder 记录已扫描到的位置，同一段输出只应答一次
type watcher struct {
	mu         sync.Mutex
	stdin      io.Writer
	responders []provision.Responder
	offsets    []int
	buf        []byte
}

func newWatcher(stdin io.Writer, responders []provision.Responder) *watcher {
	return &watcher{stdin: stdin, responders: responders, offsets: make([]int, len(responders))}
}

func (w *watcher) Write(p []byte) (int, error) {
	if len(w.responders) == 0 {
		return len(p), nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for i, r := range w.responders {
		for {
			loc := r.Pattern.FindIndex(w.buf[w.offsets[i]:])
			if loc == nil {
				break
			}
			w.offsets[i] += loc[1]
			if _, err := io.WriteString(w.stdin, r.Response); err != nil {
				return len(p), nil
			}
		}
	}
	w.trim()
	return len(p), nil
}

// trim 丢弃所有 responder 都已扫描过的前缀，未命中的尾部最多保留 maxPending 字节
func (w *watcher) trim() {
	cut := w.offsets[0]
	for _, off := range w.offsets[1:] {
		cut = min(cut, off)
	}
	cut = max(cut, len(w.buf)-maxPending)
	if cut <= 0 {
		return
	}
	for i := range w.offsets {
		w.offsets[i] = max(w.offsets[i]-cut, 0)
	}
	w.buf = append(w.buf[:0], w.buf[cut:]...)
}

package sshexec

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"appdeploy/internal/provision"
	"appdeploy/internal/shared/model"
)

const testPassword = "s3cret"

// execHandler 模拟远端 shell：返回退出码
type execHandler func(cmd string, stdin *bufio.Reader, stdout, stderr io.Writer) int

// startServer 在回环地址上启动 SSH 服务
func startServer(t *testing.T, authorized ssh.PublicKey, handler execHandler) (host string, port int) {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if string(pw) == testPassword {
				return nil, nil
			}
			return nil, errors.New("wrong password")
		},
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if authorized != nil && string(key.Marshal()) == string(authorized.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown key")
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, cfg, handler)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func serveConn(conn net.Conn, cfg *ssh.ServerConfig, handler execHandler) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range requests {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				_ = ssh.Unmarshal(req.Payload, &payload)
				_ = req.Reply(true, nil)

				code := handler(payload.Command, bufio.NewReader(ch), ch, ch.Stderr())
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
				return
			}
		}()
	}
}

// unwrapSudo 还原 sudo -S -p '...' bash -c '...' 中的内层命令
func unwrapSudo(cmd string) (string, bool) {
	prefix := fmt.Sprintf("sudo -S -p %s bash -c ", quote(sudoPrompt))
	if !strings.HasPrefix(cmd, prefix) {
		return "", false
	}
	inner := strings.TrimPrefix(cmd, prefix)
	inner = strings.TrimSuffix(strings.TrimPrefix(inner, "'"), "'")
	return strings.ReplaceAll(inner, `'\''`, "'"), true
}

func fakeShell(cmd string, stdin *bufio.Reader, stdout, stderr io.Writer) int {
	if inner, ok := unwrapSudo(cmd); ok {
		io.WriteString(stderr, sudoPrompt)
		line, _ := stdin.ReadString('\n')
		if strings.TrimSuffix(line, "\n") != testPassword {
			io.WriteString(stderr, "Sorry, try again.\n")
			return 1
		}
		cmd = inner
	}

	switch {
	case cmd == "whoami":
		io.WriteString(stdout, "deployer\n")
		return 0
	case cmd == "dpkg-prompt":
		io.WriteString(stdout, "Configuration file '/etc/x.conf'\n What do you want to do about modified configuration file x.conf? ")
		answer, _ := stdin.ReadString('\n')
		io.WriteString(stdout, "chose "+strings.TrimSpace(answer)+"\n")
		return 0
	case strings.HasPrefix(cmd, "exit "):
		code, _ := strconv.Atoi(strings.TrimPrefix(cmd, "exit "))
		io.WriteString(stderr, "E: It is held by process 321 (apt)\n")
		return code
	case cmd == "sleep":
		time.Sleep(5 * time.Second)
		return 0
	default:
		io.WriteString(stdout, "ran: "+cmd+"\n")
		return 0
	}
}

func deploymentConfig(host string, port int) *model.DeploymentConfig {
	return &model.DeploymentConfig{Host: host, Port: port, Username: "deployer", Password: testPassword}
}

func dial(t *testing.T, dc *model.DeploymentConfig) provision.Session {
	t.Helper()
	s, err := NewDialer(Config{DialTimeout: 2 * time.Second}).Dial(context.Background(), dc)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSession_Run(t *testing.T) {
	host, port := startServer(t, nil, fakeShell)
	s := dial(t, deploymentConfig(host, port))

	res, err := s.Run(context.Background(), "whoami")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "deployer\n", res.Stdout)
}

func TestSession_NonZeroExit(t *testing.T) {
	host, port := startServer(t, nil, fakeShell)
	s := dial(t, deploymentConfig(host, port))

	res, err := s.Run(context.Background(), "exit 100")
	var cmdErr *provision.CommandError
	require.True(t, errors.As(err, &cmdErr), "got %v", err)
	assert.Equal(t, "exit 100", cmdErr.Command)
	assert.Equal(t, 100, cmdErr.ExitCode)
	assert.Contains(t, cmdErr.Stderr, "It is held by process 321")
	assert.Equal(t, 100, res.ExitCode)
}

func TestSession_RunPrivilegedAnswersPrompts(t *testing.T) {
	host, port := startServer(t, nil, fakeShell)
	s := dial(t, deploymentConfig(host, port))

	res, err := s.RunPrivileged(context.Background(), "dpkg-prompt",
		provision.SudoPasswordResponder(testPassword), provision.KeepLocalConfigResponder())
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, "chose 2")
	assert.NotContains(t, res.Stderr, sudoPrompt)
}

func TestSession_RunPrivilegedFailureKeepsOriginalCommand(t *testing.T) {
	host, port := startServer(t, nil, fakeShell)
	s := dial(t, deploymentConfig(host, port))

	_, err := s.RunPrivileged(context.Background(), "exit 3", provision.SudoPasswordResponder(testPassword))
	cmdErr, ok := provision.AsCommandError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, "exit 3", cmdErr.Command)
	assert.Equal(t, 3, cmdErr.ExitCode)
}

func TestSession_ContextCancel(t *testing.T) {
	host, port := startServer(t, nil, fakeShell)
	s := dial(t, deploymentConfig(host, port))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := s.Run(ctx, "sleep")
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestDial_WrongPassword(t *testing.T) {
	host, port := startServer(t, nil, fakeShell)
	dc := deploymentConfig(host, port)
	dc.Password = "wrong"

	_, err := NewDialer(Config{DialTimeout: 2 * time.Second}).Dial(context.Background(), dc)
	var authErr *provision.AuthenticationError
	require.True(t, errors.As(err, &authErr), "got %v", err)
	assert.Equal(t, host, authErr.Host)
}

func TestDial_PrivateKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)

	host, port := startServer(t, sshPub, fakeShell)
	dc := deploymentConfig(host, port)
	dc.Password = ""
	dc.PrivateKey = string(pem.EncodeToMemory(block))

	s := dial(t, dc)
	res, err := s.Run(context.Background(), "whoami")
	require.NoError(t, err)
	assert.Equal(t, "deployer\n", res.Stdout)
}

func TestDial_InvalidPrivateKey(t *testing.T) {
	dc := deploymentConfig("127.0.0.1", 1)
	dc.PrivateKey = "not a key"

	_, err := NewDialer(Config{}).Dial(context.Background(), dc)
	var authErr *provision.AuthenticationError
	assert.True(t, errors.As(err, &authErr), "got %v", err)
}

func TestDial_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	_, err = NewDialer(Config{DialTimeout: time.Second}).Dial(context.Background(), deploymentConfig("127.0.0.1", port))
	require.Error(t, err)
	var authErr *provision.AuthenticationError
	assert.False(t, errors.As(err, &authErr))
}

func TestWatcher_RespondsOncePerMatch(t *testing.T) {
	var stdin strings.Builder
	w := newWatcher(&stdin, []provision.Responder{provision.SudoPasswordResponder("pw")})

	w.Write([]byte("[sudo] pass"))
	w.Write([]byte("word: \nok\n"))
	w.Write([]byte("[sudo] password: "))

	assert.Equal(t, "pw\npw\n", stdin.String())
}

func TestWatcher_BoundsBufferedOutput(t *testing.T) {
	var stdin strings.Builder
	w := newWatcher(&stdin, []provision.Responder{
		provision.SudoPasswordResponder("pw"),
		provision.KeepLocalConfigResponder(),
	})

	line := []byte(strings.Repeat("x", 99) + "\n")
	for i := 0; i < 1000; i++ {
		w.Write(line)
	}
	assert.LessOrEqual(t, len(w.buf), maxPending)

	// 截断后跨写入的提示符仍能识别
	w.Write([]byte("[sudo] pass"))
	w.Write([]byte("word: "))
	assert.Equal(t, "pw\n", stdin.String())
	assert.LessOrEqual(t, len(w.buf), maxPending)

	w.Write([]byte("*** config (Y/I/N/O/D/Z) What do you want to do about modified configuration file? "))
	assert.Equal(t, "pw\n2\n", stdin.String())
}

func TestWatcher_DropsPrefixScannedByAllResponders(t *testing.T) {
	var stdin strings.Builder
	w := newWatcher(&stdin, []provision.Responder{provision.SudoPasswordResponder("pw")})

	w.Write([]byte("[sudo] password: "))
	assert.Equal(t, "pw\n", stdin.String())
	assert.Less(t, len(w.buf), len("[sudo] password: "))
	assert.Equal(t, []int{0}, w.offsets)
}

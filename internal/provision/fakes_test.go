package provision

import (
	"context"
	"strings"
	"sync"

	"appdeploy/internal/shared/eventbus"
	"appdeploy/internal/shared/model"
)

// scriptedFailure 命令包含 contains 时失败，remaining < 0 表示一直失败
type scriptedFailure struct {
	contains  string
	exitCode  int
	stderr    string
	remaining int
	panics    bool
	err       error
}

type fakeSession struct {
	mu       sync.Mutex
	commands []string
	failures []*scriptedFailure
	closed   bool
}

func (s *fakeSession) fail(contains string, exitCode int, stderr string, times int) *fakeSession {
	s.failures = append(s.failures, &scriptedFailure{contains: contains, exitCode: exitCode, stderr: stderr, remaining: times})
	return s
}

// failWith 命令包含 contains 时返回 err（而不是 *CommandError）
func (s *fakeSession) failWith(contains string, err error, times int) *fakeSession {
	s.failures = append(s.failures, &scriptedFailure{contains: contains, remaining: times, err: err})
	return s
}

func (s *fakeSession) exec(command string) (*CommandResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, command)

	for _, f := range s.failures {
		if f.remaining == 0 || !strings.Contains(command, f.contains) {
			continue
		}
		if f.remaining > 0 {
			f.remaining--
		}
		if f.panics {
			panic("session exploded")
		}
		if f.err != nil {
			return nil, f.err
		}
		res := &CommandResult{ExitCode: f.exitCode, Stderr: f.stderr}
		return res, &CommandError{Command: command, ExitCode: f.exitCode, Stderr: f.stderr}
	}
	return &CommandResult{Stdout: "root\n"}, nil
}

func (s *fakeSession) Run(_ context.Context, command string) (*CommandResult, error) {
	return s.exec(command)
}

func (s *fakeSession) RunPrivileged(_ context.Context, command string, _ ...Responder) (*CommandResult, error) {
	return s.exec(command)
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// count 包含 substr 的命令执行次数
func (s *fakeSession) count(substr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.commands {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

type fakeDialer struct {
	session *fakeSession
	err     error
	calls   int
}

func (d *fakeDialer) Dial(context.Context, *model.DeploymentConfig) (Session, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return d.session, nil
}

type logEntry struct {
	message  string
	severity eventbus.Severity
}

type recordingReporter struct {
	mu       sync.Mutex
	logs     []logEntry
	progress []int
}

func (r *recordingReporter) Log(message string, severity eventbus.Severity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, logEntry{message, severity})
}

func (r *recordingReporter) Progress(percent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, percent)
}

func (r *recordingReporter) bySeverity(sev eventbus.Severity) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, l := range r.logs {
		if l.severity == sev {
			out = append(out, l.message)
		}
	}
	return out
}

func (r *recordingReporter) hasLog(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.logs {
		if strings.Contains(l.message, substr) {
			return true
		}
	}
	return false
}

type fakeArchive struct {
	mu   sync.Mutex
	host string
	id   string
	data []byte
}

func (a *fakeArchive) PutTranscript(_ context.Context, host, id string, data []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.host, a.id, a.data = host, id, data
	return "deployments/" + host + "/" + id + ".log", nil
}

func acceptAll() CredentialValidator {
	return ValidatorFunc(func(context.Context, string) error { return nil })
}

func testConfig() *model.DeploymentConfig {
	return &model.DeploymentConfig{
		Host:      "10.0.0.5",
		Password:  "sshpass",
		GithubKey: "ghp_secret_token",
		App: model.AppConfig{
			UserDomain:  "app.example.com",
			AdminDomain: "admin.example.com",
			Username:    "admin",
			Password:    "apppass",
		},
		Database: model.DatabaseConfig{Host: "localhost", Port: 5432, Name: "app", Username: "app", Password: "dbpass"},
		Broker:   model.BrokerConfig{Username: "mq", Password: "mqpass", VHost: "app"},
	}
}

func testSettings() Settings {
	s := DefaultSettings()
	s.RetryDelay = 0
	s.MaxRetryDelay = 0
	return s
}

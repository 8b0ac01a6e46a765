package cli

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appdeploy/internal/apiserver/auth"
	"appdeploy/internal/config"
	"appdeploy/internal/shared/eventbus"
	"appdeploy/internal/shared/infra"
	"appdeploy/internal/shared/model"
)

// isolateEnv 清除会覆盖 YAML 的环境变量
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"APP_ENV", "DATABASE_URL", "DB_DRIVER", "SQLITE_PATH", "REDIS_URL",
		"ETCD_ENDPOINTS", "MINIO_ENDPOINT", "JWT_SECRET", "TLS_CERT_FILE", "TLS_KEY_FILE",
	} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	content := "database:\n  driver: sqlite\n  path: " + filepath.Join(dir, "deploy.db") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := Execute(context.Background(), args, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func seed(t *testing.T, cfgPath string, host string, stage int) {
	t.Helper()
	cfg, err := config.LoadFromFile(cfgPath)
	require.NoError(t, err)
	store, err := infra.NewStore(cfg)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	_, err = store.UpsertDeployment(ctx, &model.DeploymentRecord{
		Host: host, Port: 22, User: "root", Password: "ssh-secret",
		MainDomain: "example.com", AdminDomain: "admin.example.com",
	})
	require.NoError(t, err)
	if stage > 0 {
		require.NoError(t, store.UpdateDeploymentStage(ctx, host, stage))
	}
}

func TestList_Empty(t *testing.T) {
	isolateEnv(t)
	cfgPath := writeConfig(t)

	out, _, err := execute(t, "list", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "no deployments")
}

func TestListAndShow(t *testing.T) {
	isolateEnv(t)
	cfgPath := writeConfig(t)
	seed(t, cfgPath, "10.0.0.5", model.TotalStages)
	seed(t, cfgPath, "10.0.0.6", 3)

	out, _, err := execute(t, "list", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "10.0.0.5")
	assert.Contains(t, out, "12/12 done")
	assert.Contains(t, out, "3/12")

	out, _, err = execute(t, "show", "10.0.0.6", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, `"stage": 3`)
	assert.Contains(t, out, `"admin_domain": "admin.example.com"`)
	assert.NotContains(t, out, "ssh-secret")
}

func TestShow_Unknown(t *testing.T) {
	isolateEnv(t)
	cfgPath := writeConfig(t)

	_, _, err := execute(t, "show", "10.9.9.9", "-c", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no deployment recorded")
}

func TestRun_RejectsUnknownFields(t *testing.T) {
	isolateEnv(t)
	cfgPath := writeConfig(t)
	file := filepath.Join(t.TempDir(), "deployment.yaml")
	require.NoError(t, os.WriteFile(file, []byte("host: 10.0.0.5\nhostname: typo\n"), 0644))

	_, _, err := execute(t, "run", "-c", cfgPath, "-f", file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse deployment file")
}

func TestRun_InvalidConfigFailsBeforeConnecting(t *testing.T) {
	isolateEnv(t)
	cfgPath := writeConfig(t)
	file := filepath.Join(t.TempDir(), "deployment.yaml")
	require.NoError(t, os.WriteFile(file, []byte("host: 10.0.0.5\npassword: pw\n"), 0644))

	out, _, err := execute(t, "run", "-c", cfgPath, "-f", file, "--deployment-id", "cli-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deployment cli-1 failed")
	assert.Contains(t, out, "[danger]")
	assert.Contains(t, out, "github_key")
}

func TestToken(t *testing.T) {
	isolateEnv(t)
	cfgPath := writeConfig(t)

	_, _, err := execute(t, "token", "-c", cfgPath)
	require.Error(t, err)

	t.Setenv("JWT_SECRET", "cli-secret")
	out, _, err := execute(t, "token", "-c", cfgPath, "--subject", "ops", "--role", "admin")
	require.NoError(t, err)

	claims, err := auth.ParseToken(auth.Config{JWTSecret: "cli-secret"}, strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, "admin", claims.Role)
}

func TestTranscript_ArchiveNotConfigured(t *testing.T) {
	isolateEnv(t)
	cfgPath := writeConfig(t)

	_, _, err := execute(t, "transcript", "10.0.0.5", "-c", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestConsoleReporter(t *testing.T) {
	var buf bytes.Buffer
	r := newConsoleReporter(&buf)

	r.Log("Connected to 10.0.0.5", eventbus.SeveritySuccess)
	r.Log("line one\nline two", eventbus.SeverityDanger)
	r.Progress(35)

	out := buf.String()
	assert.Contains(t, out, "[success] Connected to 10.0.0.5\n")
	assert.Contains(t, out, "[danger] line one\nline two\n")
	assert.Contains(t, out, "[progress] 35%")
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn")

	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))

	logger.Warn("disk almost full")
	assert.Contains(t, buf.String(), "disk almost full")
	assert.Contains(t, buf.String(), "component=deployctl")
}

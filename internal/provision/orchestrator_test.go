package provision

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appdeploy/internal/shared/eventbus"
	"appdeploy/internal/shared/lock"
	"appdeploy/internal/shared/model"
	"appdeploy/internal/shared/storage/memstore"
)

func newTestOrchestrator(store *memstore.Store, dialer Dialer, opts ...Option) *Orchestrator {
	opts = append([]Option{WithSettings(testSettings())}, opts...)
	return New(store, dialer, acceptAll(), opts...)
}

// seedStage 预置主机检查点
func seedStage(t *testing.T, store *memstore.Store, cfg *model.DeploymentConfig, stage int) {
	t.Helper()
	ctx := context.Background()
	c := *cfg
	c.ApplyDefaults()
	_, err := store.UpsertDeployment(ctx, c.Record())
	require.NoError(t, err)
	if stage > 0 {
		require.NoError(t, store.UpdateDeploymentStage(ctx, c.Host, stage))
	}
}

func storedStage(t *testing.T, store *memstore.Store, host string) int {
	t.Helper()
	rec, err := store.GetDeployment(context.Background(), host)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec.Stage
}

// countingStages 只记录执行顺序的阶段列表
func countingStages(ran *[]int) []Stage {
	stages := DefaultStages()
	for i := range stages {
		ordinal := stages[i].Ordinal
		stages[i].Run = func(*StageContext) error {
			*ran = append(*ran, ordinal)
			return nil
		}
	}
	return stages
}

func TestRun_ThirdStageFailsWithoutRule(t *testing.T) {
	store := memstore.NewStore()
	session := (&fakeSession{}).fail("pg_roles", 2, "psql: error: connection refused", -1)
	rep := &recordingReporter{}

	o := newTestOrchestrator(store, &fakeDialer{session: session})
	res := o.Run(context.Background(), "dep-1", testConfig(), rep)

	assert.False(t, res.Success)
	assert.Equal(t, MsgInstallationFailed, res.Error)
	assert.Equal(t, 2, res.Stage)
	assert.Equal(t, []int{0, 5, 15}, rep.progress)
	assert.Equal(t, 2, storedStage(t, store, "10.0.0.5"))

	dangers := rep.bySeverity(eventbus.SeverityDanger)
	require.Len(t, dangers, 1)
	assert.Contains(t, dangers[0], "pg_roles")
	assert.Contains(t, dangers[0], "exit code 2")
	assert.Contains(t, dangers[0], "psql: error: connection refused")
	assert.True(t, session.closed)
}

func TestRun_AllStagesSucceed(t *testing.T) {
	store := memstore.NewStore()
	session := &fakeSession{}
	rep := &recordingReporter{}

	o := newTestOrchestrator(store, &fakeDialer{session: session})
	res := o.Run(context.Background(), "dep-ok", testConfig(), rep)

	require.True(t, res.Success, res.Error)
	assert.Empty(t, res.Error)
	assert.Equal(t, model.TotalStages, storedStage(t, store, "10.0.0.5"))

	want := append([]int{0}, ProgressTable[:]...)
	want = append(want, 100)
	assert.Equal(t, want, rep.progress)
	assert.Empty(t, rep.bySeverity(eventbus.SeverityDanger))
	assert.True(t, rep.hasLog(MsgInstallCompleted))
	assert.True(t, rep.hasLog("Connected to 10.0.0.5"))
	assert.Equal(t, 1, session.count("whoami"))
}

func TestRun_ResumesFromCheckpoint(t *testing.T) {
	for k := 0; k <= model.TotalStages; k++ {
		t.Run(fmt.Sprintf("stage=%d", k), func(t *testing.T) {
			store := memstore.NewStore()
			cfg := testConfig()
			seedStage(t, store, cfg, k)

			var ran []int
			rep := &recordingReporter{}
			o := newTestOrchestrator(store, &fakeDialer{session: &fakeSession{}}, WithStages(countingStages(&ran)))
			res := o.Run(context.Background(), "dep", cfg, rep)

			require.True(t, res.Success)
			var want []int
			for s := k + 1; s <= model.TotalStages; s++ {
				want = append(want, s)
			}
			assert.Equal(t, want, ran)
			assert.Equal(t, model.TotalStages, storedStage(t, store, cfg.Host))

			require.NotEmpty(t, rep.progress)
			assert.Equal(t, 0, rep.progress[0])
			assert.Equal(t, 100, rep.progress[len(rep.progress)-1])
			assert.True(t, sort.IntsAreSorted(rep.progress), "progress not monotonic: %v", rep.progress)
		})
	}
}

func TestRun_CredentialRejected(t *testing.T) {
	store := memstore.NewStore()
	cfg := testConfig()
	seedStage(t, store, cfg, 4)
	dialer := &fakeDialer{session: &fakeSession{}}
	rep := &recordingReporter{}

	reject := ValidatorFunc(func(context.Context, string) error { return ErrCredentialRejected })
	o := New(store, dialer, reject, WithSettings(testSettings()))
	res := o.Run(context.Background(), "dep", cfg, rep)

	assert.False(t, res.Success)
	assert.Equal(t, MsgInvalidCredential, res.Error)
	assert.Zero(t, dialer.calls)
	assert.Empty(t, rep.progress)
	assert.Equal(t, 4, storedStage(t, store, cfg.Host))
	assert.Equal(t, []string{"Provided github pat is invalid"}, rep.bySeverity(eventbus.SeverityDanger))
}

func TestRun_CredentialEndpointUnreachable(t *testing.T) {
	store := memstore.NewStore()
	dialer := &fakeDialer{session: &fakeSession{}}
	rep := &recordingReporter{}

	down := ValidatorFunc(func(context.Context, string) error {
		return fmt.Errorf("%w: dial tcp: connection refused", ErrCredentialUnreachable)
	})
	o := New(store, dialer, down, WithSettings(testSettings()))
	res := o.Run(context.Background(), "dep", testConfig(), rep)

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "credential check failed")
	assert.NotEqual(t, MsgInvalidCredential, res.Error)
	assert.Zero(t, dialer.calls)
}

func TestRun_AuthenticationFailure(t *testing.T) {
	store := memstore.NewStore()
	cfg := testConfig()
	seedStage(t, store, cfg, 3)
	var ran []int
	rep := &recordingReporter{}

	dialer := &fakeDialer{err: &AuthenticationError{Host: cfg.Host, User: "root", Err: errors.New("unable to authenticate")}}
	o := newTestOrchestrator(store, dialer, WithStages(countingStages(&ran)))
	res := o.Run(context.Background(), "dep", cfg, rep)

	assert.False(t, res.Success)
	assert.Equal(t, "Authentication for 10.0.0.5 failed, please (re)check the username or password.", res.Error)
	assert.Empty(t, ran)
	assert.Empty(t, rep.progress)
	assert.Equal(t, 3, storedStage(t, store, cfg.Host))
	assert.Equal(t, 1, dialer.calls)
}

func TestRun_PackageLockRemediation(t *testing.T) {
	store := memstore.NewStore()
	stderr := "E: Could not get lock /var/lib/dpkg/lock-frontend. It is held by process 4242 (apt)"
	session := (&fakeSession{}).fail("apt-get update && apt-get -o", 100, stderr, 1)
	rep := &recordingReporter{}

	o := newTestOrchestrator(store, &fakeDialer{session: session}, WithStages(DefaultStages()[:1]))
	res := o.Run(context.Background(), "dep", testConfig(), rep)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, 1, session.count("kill 4242"))
	assert.Equal(t, 2, session.count("apt-get update && apt-get -o"))
	assert.Equal(t, 1, storedStage(t, store, "10.0.0.5"))
	assert.Empty(t, rep.bySeverity(eventbus.SeverityDanger))
	assert.True(t, rep.hasLog("locked by process 4242"))
}

func TestRun_RemediationFailureIsTerminal(t *testing.T) {
	store := memstore.NewStore()
	stderr := "It is held by process 77"
	session := (&fakeSession{}).
		fail("apt-get update && apt-get -o", 100, stderr, -1).
		fail("kill 77", 1, "kill: (77) - Operation not permitted", -1)
	rep := &recordingReporter{}

	o := newTestOrchestrator(store, &fakeDialer{session: session})
	res := o.Run(context.Background(), "dep", testConfig(), rep)

	assert.False(t, res.Success)
	assert.Equal(t, MsgInstallationFailed, res.Error)
	assert.Equal(t, 1, session.count("apt-get update && apt-get -o"))
	assert.Equal(t, 0, storedStage(t, store, "10.0.0.5"))
	dangers := rep.bySeverity(eventbus.SeverityDanger)
	require.Len(t, dangers, 1)
	assert.Contains(t, dangers[0], "Operation not permitted")
}

func TestRun_DependencyRetryIsBounded(t *testing.T) {
	store := memstore.NewStore()
	session := (&fakeSession{}).fail("apt-get install -y wget", 100, "Temporary failure resolving", -1)
	rep := &recordingReporter{}

	settings := testSettings()
	settings.MaxStageAttempts = 3
	o := New(store, &fakeDialer{session: session}, acceptAll(), WithSettings(settings))
	res := o.Run(context.Background(), "dep", testConfig(), rep)

	assert.False(t, res.Success)
	assert.Equal(t, MsgInstallationFailed, res.Error)
	assert.Equal(t, 3, session.count("apt-get install -y wget"))
	assert.Equal(t, 1, storedStage(t, store, "10.0.0.5"))

	retries := 0
	for _, msg := range rep.bySeverity(eventbus.SeverityInfo) {
		if strings.HasPrefix(msg, "Following error occurred: Temporary failure resolving") {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
	assert.Len(t, rep.bySeverity(eventbus.SeverityDanger), 1)
}

func TestRun_DependencyRetryRecovers(t *testing.T) {
	store := memstore.NewStore()
	session := (&fakeSession{}).fail("apt-get install -y wget", 100, "Temporary failure resolving", 2)
	rep := &recordingReporter{}

	o := newTestOrchestrator(store, &fakeDialer{session: session}, WithStages(DefaultStages()[:2]))
	res := o.Run(context.Background(), "dep", testConfig(), rep)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, 3, session.count("apt-get install -y wget"))
	assert.Equal(t, 2, storedStage(t, store, "10.0.0.5"))
	assert.True(t, rep.hasLog("Linux modules installed successfully."))
}

type failingStageStore struct {
	*memstore.Store
}

func (s failingStageStore) UpdateDeploymentStage(context.Context, string, int) error {
	return errors.New("disk full")
}

func TestRun_CheckpointWriteFailure(t *testing.T) {
	mem := memstore.NewStore()
	rep := &recordingReporter{}
	var ran []int

	o := New(failingStageStore{mem}, &fakeDialer{session: &fakeSession{}}, acceptAll(),
		WithSettings(testSettings()), WithStages(countingStages(&ran)))
	res := o.Run(context.Background(), "dep", testConfig(), rep)

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "disk full")
	assert.Equal(t, []int{1}, ran)
	assert.Equal(t, []int{0}, rep.progress)
	assert.Equal(t, 0, storedStage(t, mem, "10.0.0.5"))
}

func TestRun_InvalidConfig(t *testing.T) {
	store := memstore.NewStore()
	dialer := &fakeDialer{session: &fakeSession{}}
	rep := &recordingReporter{}

	cfg := testConfig()
	cfg.Database.Name = ""
	o := newTestOrchestrator(store, dialer)
	res := o.Run(context.Background(), "dep", cfg, rep)

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "database.name")
	assert.Zero(t, dialer.calls)

	rec, err := store.GetDeployment(context.Background(), cfg.Host)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRun_RejectsConcurrentRunForHost(t *testing.T) {
	store := memstore.NewStore()
	locker := lock.NewMemoryLocker()
	release, err := locker.TryLock(context.Background(), "10.0.0.5")
	require.NoError(t, err)
	defer release()

	dialer := &fakeDialer{session: &fakeSession{}}
	o := newTestOrchestrator(store, dialer, WithLocker(locker))
	res := o.Run(context.Background(), "dep", testConfig(), &recordingReporter{})

	assert.False(t, res.Success)
	assert.Equal(t, MsgAlreadyRunning, res.Error)
	assert.Zero(t, dialer.calls)
}

func TestRun_DifferentHostsConcurrently(t *testing.T) {
	store := memstore.NewStore()
	o := New(store, DialerFunc(func(context.Context, *model.DeploymentConfig) (Session, error) {
		return &fakeSession{}, nil
	}), acceptAll(), WithSettings(testSettings()))

	hosts := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"}
	results := make([]Result, len(hosts))
	var wg sync.WaitGroup
	for i, h := range hosts {
		wg.Add(1)
		go func(i int, host string) {
			defer wg.Done()
			cfg := testConfig()
			cfg.Host = host
			results[i] = o.Run(context.Background(), "dep-"+host, cfg, &recordingReporter{})
		}(i, h)
	}
	wg.Wait()

	for i, h := range hosts {
		assert.True(t, results[i].Success, "%s: %s", h, results[i].Error)
		assert.Equal(t, model.TotalStages, storedStage(t, store, h))
	}
}

func TestRun_RedactsSecretsInDangerLogs(t *testing.T) {
	store := memstore.NewStore()
	session := (&fakeSession{}).fail("git clone", 128, "fatal: could not read from remote repository", -1)
	rep := &recordingReporter{}

	o := newTestOrchestrator(store, &fakeDialer{session: session})
	res := o.Run(context.Background(), "dep", testConfig(), rep)

	assert.False(t, res.Success)
	assert.Equal(t, 5, storedStage(t, store, "10.0.0.5"))
	dangers := rep.bySeverity(eventbus.SeverityDanger)
	require.Len(t, dangers, 1)
	assert.Contains(t, dangers[0], "git clone")
	assert.NotContains(t, dangers[0], "ghp_secret_token")
	assert.Contains(t, dangers[0], "oauth2:****@")
}

func TestRun_RedactsQuotedPasswords(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *model.DeploymentConfig)
		failing string
		stage   int
	}{
		{"database", func(c *model.DeploymentConfig) { c.Database.Password = `s3cr'etpw` }, "pg_roles", 2},
		{"broker", func(c *model.DeploymentConfig) { c.Broker.Password = `s3cr'etpw` }, "rabbitmqctl list_users", 3},
		{"account", func(c *model.DeploymentConfig) { c.App.Password = `s3cr'etpw` }, "chpasswd", 4},
		{"superuser", func(c *model.DeploymentConfig) { c.App.Password = `s3cr'etpw` }, "manage.py shell", 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memstore.NewStore()
			session := (&fakeSession{}).fail(tt.failing, 1, "boom", -1)
			rep := &recordingReporter{}
			archive := &fakeArchive{}
			cfg := testConfig()
			tt.mutate(cfg)

			o := newTestOrchestrator(store, &fakeDialer{session: session}, WithArchive(archive))
			res := o.Run(context.Background(), "dep", cfg, rep)

			assert.False(t, res.Success)
			assert.Equal(t, tt.stage, storedStage(t, store, "10.0.0.5"))
			dangers := rep.bySeverity(eventbus.SeverityDanger)
			require.Len(t, dangers, 1)
			assert.Contains(t, dangers[0], tt.failing)
			assert.Contains(t, dangers[0], "****")
			assert.NotContains(t, dangers[0], "etpw")
			assert.NotContains(t, string(archive.data), "etpw")
		})
	}
}

func TestRun_RedactsGeneratedSecretKey(t *testing.T) {
	store := memstore.NewStore()
	session := (&fakeSession{}).fail(".env <<'APPDEPLOY_EOF'", 1, "No space left on device", -1)
	rep := &recordingReporter{}
	archive := &fakeArchive{}

	o := newTestOrchestrator(store, &fakeDialer{session: session}, WithArchive(archive))
	res := o.Run(context.Background(), "dep", testConfig(), rep)

	assert.False(t, res.Success)
	assert.Equal(t, 6, storedStage(t, store, "10.0.0.5"))
	dangers := rep.bySeverity(eventbus.SeverityDanger)
	require.Len(t, dangers, 1)
	assert.Contains(t, dangers[0], "SECRET_KEY='****'")
	assert.Contains(t, dangers[0], "DB_PASSWORD=****")
	assert.Contains(t, string(archive.data), "SECRET_KEY='****'")
}

func TestRun_AuthenticationFailureDuringStage(t *testing.T) {
	store := memstore.NewStore()
	cfg := testConfig()
	authErr := &AuthenticationError{Host: cfg.Host, User: "root", Err: errors.New("sudo: 3 incorrect password attempts")}
	session := (&fakeSession{}).failWith("apt-get install -y wget", authErr, -1)
	rep := &recordingReporter{}

	o := newTestOrchestrator(store, &fakeDialer{session: session})
	res := o.Run(context.Background(), "dep", cfg, rep)

	assert.False(t, res.Success)
	assert.Equal(t, "Authentication for 10.0.0.5 failed, please (re)check the username or password.", res.Error)
	assert.Equal(t, 1, res.Stage)
	assert.Equal(t, 1, session.count("apt-get install -y wget"))
	assert.Equal(t, 1, storedStage(t, store, cfg.Host))
	for _, msg := range rep.bySeverity(eventbus.SeverityInfo) {
		assert.NotContains(t, msg, "Following error occurred")
	}
	assert.Len(t, rep.bySeverity(eventbus.SeverityDanger), 1)
	assert.Equal(t, []int{0, 5}, rep.progress)
}

func TestRun_NilConfig(t *testing.T) {
	store := memstore.NewStore()
	dialer := &fakeDialer{session: &fakeSession{}}
	rep := &recordingReporter{}

	o := newTestOrchestrator(store, dialer)
	var res Result
	require.NotPanics(t, func() { res = o.Run(context.Background(), "dep", nil, rep) })

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "config")
	assert.Zero(t, dialer.calls)
	assert.Len(t, rep.bySeverity(eventbus.SeverityDanger), 1)
}

func TestRun_ShellPreparationFailureIsNotFatal(t *testing.T) {
	store := memstore.NewStore()
	session := (&fakeSession{}).fail("DEBIAN_FRONTEND", 1, ".bashrc: Permission denied", -1)
	rep := &recordingReporter{}

	o := newTestOrchestrator(store, &fakeDialer{session: session})
	res := o.Run(context.Background(), "dep", testConfig(), rep)

	require.True(t, res.Success, res.Error)
	assert.Len(t, rep.bySeverity(eventbus.SeverityDanger), 1)
	assert.False(t, rep.hasLog("Connected to 10.0.0.5"))
}

func TestRun_RecoversFromPanic(t *testing.T) {
	store := memstore.NewStore()
	session := &fakeSession{}
	session.failures = append(session.failures, &scriptedFailure{contains: "pg_roles", remaining: -1, panics: true})
	rep := &recordingReporter{}

	o := newTestOrchestrator(store, &fakeDialer{session: session})
	res := o.Run(context.Background(), "dep", testConfig(), rep)

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "internal error")
	assert.Equal(t, 2, res.Stage)
	assert.Equal(t, 2, storedStage(t, store, "10.0.0.5"))

	// 锁已释放，可以再次运行
	session.failures = nil
	res = o.Run(context.Background(), "dep-2", testConfig(), &recordingReporter{})
	assert.True(t, res.Success, res.Error)
}

func TestRun_ArchivesTranscript(t *testing.T) {
	store := memstore.NewStore()
	archive := &fakeArchive{}

	o := newTestOrchestrator(store, &fakeDialer{session: &fakeSession{}}, WithArchive(archive))
	res := o.Run(context.Background(), "dep-archive", testConfig(), &recordingReporter{})

	require.True(t, res.Success)
	assert.Equal(t, "10.0.0.5", archive.host)
	assert.Equal(t, "dep-archive", archive.id)
	text := string(archive.data)
	assert.Contains(t, text, "[success] "+MsgInstallCompleted)
	assert.Contains(t, text, "[progress] 100%")
}

// Package provision 分阶段主机部署流水线
//
// Orchestrator 按固定顺序执行 12 个阶段，每个阶段成功后立即持久化检查点，
// 中断后按主机记录的 stage 续跑。可恢复失败按规则表修复后在有界循环内重试，
// 其他失败终止本次运行。
package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"appdeploy/internal/config"
	"appdeploy/internal/shared/eventbus"
	"appdeploy/internal/shared/lock"
	"appdeploy/internal/shared/model"
	"appdeploy/internal/shared/storage"
	"appdeploy/pkg/logging"
	"appdeploy/pkg/retry"
)

// Settings 流水线运行参数
type Settings struct {
	MaxStageAttempts int
	RetryDelay       time.Duration
	MaxRetryDelay    time.Duration
	RetryMultiplier  float64
	AppAccount       string
	BackendRepo      string
	FrontendRepo     string
}

// DefaultSettings 与默认配置一致
func DefaultSettings() Settings {
	return Settings{
		MaxStageAttempts: 5,
		RetryDelay:       2 * time.Second,
		MaxRetryDelay:    30 * time.Second,
		RetryMultiplier:  2,
		AppAccount:       "microger",
		BackendRepo:      "github.com/realSamy/PyMicroger",
		FrontendRepo:     "github.com/realSamy/VueMicroger",
	}
}

// SettingsFromConfig 从 provision 配置段构造
func SettingsFromConfig(cfg config.ProvisionConfig) Settings {
	return Settings{
		MaxStageAttempts: cfg.MaxStageAttempts,
		RetryDelay:       cfg.RetryDelay,
		MaxRetryDelay:    cfg.MaxRetryDelay,
		RetryMultiplier:  cfg.RetryMultiplier,
		AppAccount:       cfg.AppAccount,
		BackendRepo:      cfg.SourceRepos.Backend,
		FrontendRepo:     cfg.SourceRepos.Frontend,
	}
}

// Result 一次运行的终态
type Result struct {
	DeploymentID string `json:"deployment_id"`
	Success      bool   `json:"status"`
	Error        string `json:"error,omitempty"`
	Stage        int    `json:"stage"` // 运行结束时的检查点
}

func failed(id string, stage int, msg string) Result {
	return Result{DeploymentID: id, Success: false, Error: msg, Stage: stage}
}

// Orchestrator 部署流水线
type Orchestrator struct {
	store        storage.DeploymentStore
	dialer       Dialer
	validator    CredentialValidator
	locker       lock.Locker
	archive      TranscriptArchive
	remediations *Registry
	stages       []Stage
	settings     Settings
	metrics      *Metrics
	logger       *logging.Logger
}

// Option 可选依赖
type Option func(*Orchestrator)

// WithLocker 设置按主机的运行锁
func WithLocker(l lock.Locker) Option {
	return func(o *Orchestrator) { o.locker = l }
}

// WithArchive 运行结束时归档日志
func WithArchive(a TranscriptArchive) Option {
	return func(o *Orchestrator) { o.archive = a }
}

// WithRemediations 替换修复规则表
func WithRemediations(r *Registry) Option {
	return func(o *Orchestrator) { o.remediations = r }
}

// WithStages 替换阶段列表
func WithStages(stages []Stage) Option {
	return func(o *Orchestrator) { o.stages = stages }
}

// WithSettings 设置运行参数
func WithSettings(s Settings) Option {
	return func(o *Orchestrator) { o.settings = s }
}

// WithMetrics 设置指标
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger 设置服务端日志器
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New 创建 Orchestrator
func New(store storage.DeploymentStore, dialer Dialer, validator CredentialValidator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:        store,
		dialer:       dialer,
		validator:    validator,
		locker:       lock.NewMemoryLocker(),
		remediations: DefaultRegistry(),
		stages:       DefaultStages(),
		settings:     DefaultSettings(),
		logger:       logging.Discard(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.settings.MaxStageAttempts < 1 {
		o.settings.MaxStageAttempts = 1
	}
	return o
}

// run 单次运行的状态
type run struct {
	id       string
	cfg      *model.DeploymentConfig
	out      Reporter
	progress *progressTracker
	redact   *redactor
	logger   *logging.Logger
	stage    int
}

func (r *run) danger(msg string) {
	r.out.Log(r.redact.Replace(msg), eventbus.SeverityDanger)
}

func (r *run) info(msg string) {
	r.out.Log(r.redact.Replace(msg), eventbus.SeverityInfo)
}

func (r *run) success(msg string) {
	r.out.Log(r.redact.Replace(msg), eventbus.SeveritySuccess)
}

// Run 执行一次部署，阻塞到流水线终止
//
// 从不 panic，所有失败都以 Result.Error 返回并伴随一条 danger 日志
func (o *Orchestrator) Run(ctx context.Context, deploymentID string, cfg *model.DeploymentConfig, reporter Reporter) (result Result) {
	if cfg == nil {
		msg := (&ValidationError{Fields: []string{"config"}}).Error()
		if reporter != nil {
			reporter.Log(msg, eventbus.SeverityDanger)
		}
		return failed(deploymentID, 0, msg)
	}

	var transcript *Transcript
	out := reporter
	if o.archive != nil {
		transcript = NewTranscript()
		out = MultiReporter{reporter, transcript}
	}

	r := &run{
		id:       deploymentID,
		cfg:      cfg,
		out:      out,
		progress: newProgressTracker(out),
		redact:   newRedactor(cfg),
		logger:   o.logger.WithDeployment(deploymentID, cfg.Host),
	}

	start := time.Now()
	o.metrics.runStarted()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Deployment panicked", "panic", fmt.Sprint(p))
			msg := fmt.Sprintf("internal error: %v", p)
			r.danger(msg)
			result = failed(deploymentID, r.stage, msg)
		}
		o.metrics.runFinished(result.Success)
		if transcript != nil {
			o.archiveTranscript(cfg.Host, deploymentID, transcript)
		}
		r.logger.WithDuration(time.Since(start)).Info("Deployment finished",
			"success", result.Success, "stage", result.Stage, "error", result.Error)
	}()

	return o.run(ctx, r)
}

func (o *Orchestrator) run(ctx context.Context, r *run) Result {
	cfg := r.cfg
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		r.danger(err.Error())
		return failed(r.id, 0, err.Error())
	}

	release, err := o.locker.TryLock(ctx, cfg.Host)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			r.danger(MsgAlreadyRunning)
			return failed(r.id, 0, MsgAlreadyRunning)
		}
		msg := fmt.Sprintf("acquire host lock: %v", err)
		r.danger(msg)
		return failed(r.id, 0, msg)
	}
	defer release()

	rec, err := o.store.UpsertDeployment(ctx, cfg.Record())
	if err != nil {
		r.logger.WithError(err).Error("Upsert deployment failed")
		msg := fmt.Sprintf("save deployment record: %v", err)
		r.danger(msg)
		return failed(r.id, 0, msg)
	}
	r.stage = rec.Stage
	r.logger.Info("Deployment started", "resume_from", rec.Stage)

	if msg, ok := o.checkCredential(ctx, r); !ok {
		return failed(r.id, r.stage, msg)
	}

	session, msg := o.connect(ctx, r)
	if session == nil {
		return failed(r.id, r.stage, msg)
	}
	defer session.Close()

	r.progress.emit(0)

	sc := &StageContext{Ctx: ctx, Session: session, Config: cfg, Settings: o.settings, Reporter: stageReporter(r), SecretKey: randomSecret()}
	r.redact.add(sc.SecretKey)
	for _, stage := range o.stages {
		if stage.Ordinal <= r.stage {
			continue
		}
		r.progress.emit(preStageProgress(o.stages, stage.Ordinal))

		if msg, ok := o.runStage(ctx, r, sc, stage); !ok {
			return failed(r.id, r.stage, msg)
		}

		if err := o.store.UpdateDeploymentStage(ctx, cfg.Host, stage.Ordinal); err != nil {
			perr := &PersistenceError{Host: cfg.Host, Stage: stage.Ordinal, Err: err}
			r.logger.WithError(perr).Error("Checkpoint write failed")
			r.danger(fmt.Sprintf("Failed to save progress of stage %d: %v", stage.Ordinal, err))
			return failed(r.id, r.stage, perr.Error())
		}
		r.stage = stage.Ordinal
		r.progress.emit(stage.Progress)
	}

	r.progress.emit(100)
	r.success(MsgInstallCompleted)
	return Result{DeploymentID: r.id, Success: true, Stage: r.stage}
}

// stageReporter 阶段内日志也经过脱敏，进度经过单调过滤
func stageReporter(r *run) Reporter {
	return redactingReporter{r: r}
}

type redactingReporter struct{ r *run }

func (rr redactingReporter) Log(message string, severity eventbus.Severity) {
	rr.r.out.Log(rr.r.redact.Replace(message), severity)
}

func (rr redactingReporter) Progress(percent int) {
	rr.r.progress.emit(percent)
}

func (o *Orchestrator) checkCredential(ctx context.Context, r *run) (string, bool) {
	r.info("Checking github pat...")
	err := o.validator.Validate(ctx, r.cfg.GithubKey)
	switch {
	case err == nil:
		r.success("Github pat verification was successful.")
		return "", true
	case errors.Is(err, ErrCredentialRejected):
		r.danger("Provided github pat is invalid")
		return MsgInvalidCredential, false
	default:
		r.logger.WithError(err).Warn("Credential check failed")
		msg := fmt.Sprintf("credential check failed: %v", err)
		r.danger(msg)
		return msg, false
	}
}

// connect 建立会话并确认认证，随后准备管理员 shell 环境
func (o *Orchestrator) connect(ctx context.Context, r *run) (Session, string) {
	cfg := r.cfg
	r.info(fmt.Sprintf("Connecting to %s@%s:%d using ssh", cfg.Username, cfg.Host, cfg.Port))

	session, err := o.dialer.Dial(ctx, cfg)
	if err == nil {
		_, err = session.Run(ctx, "whoami")
		if err != nil {
			session.Close()
			session = nil
		}
	}
	if err != nil {
		var authErr *AuthenticationError
		if errors.As(err, &authErr) {
			msg := fmt.Sprintf("Authentication for %s failed, please (re)check the username or password.", cfg.Host)
			r.danger(msg)
			return nil, msg
		}
		msg := fmt.Sprintf("Unable to connect to %s: %v", cfg.Addr(), err)
		if cmdErr, ok := AsCommandError(err); ok {
			msg = cmdErr.DangerMessage()
		}
		r.danger(msg)
		return nil, msg
	}

	_, err = session.RunPrivileged(ctx, bashrcPreparation(), SudoPasswordResponder(cfg.Password))
	if err != nil {
		if cmdErr, ok := AsCommandError(err); ok {
			r.danger(cmdErr.DangerMessage())
		} else {
			r.danger(err.Error())
		}
		return session, ""
	}
	r.success(fmt.Sprintf("Connected to %s", cfg.Host))
	return session, ""
}

// runStage 在有界循环内执行阶段；命中规则的失败先修复再重试
func (o *Orchestrator) runStage(ctx context.Context, r *run, sc *StageContext, stage Stage) (string, bool) {
	logger := r.logger.WithStage(stage.Ordinal, stage.Name)
	maxAttempts := o.settings.MaxStageAttempts

	err := retry.WithExponentialBackoff(ctx, func(attempt int) error {
		logger.StageLog("start", stage.Ordinal, attempt, nil)
		started := time.Now()
		err := stage.Run(sc)
		o.metrics.stageFinished(stage.Name, time.Since(started), err)
		if err == nil {
			logger.StageLog("succeeded", stage.Ordinal, attempt, nil)
			return nil
		}
		logger.StageLog("failed", stage.Ordinal, attempt, err)

		rule, cmdErr := o.remediations.Find(stage.Ordinal, err)
		if rule == nil {
			return retry.Fatal(err)
		}
		if attempt == maxAttempts {
			return err
		}
		if rule.Notice != nil {
			r.info(rule.Notice(cmdErr))
		}
		if rule.Apply != nil {
			if rerr := rule.Apply(sc, cmdErr); rerr != nil {
				return retry.Fatal(rerr)
			}
		}
		return err
	},
		retry.WithMaxAttempts(maxAttempts),
		retry.WithInitialDelay(o.settings.RetryDelay),
		retry.WithMaxDelay(o.settings.MaxRetryDelay),
		retry.WithMultiplier(o.settings.RetryMultiplier),
		retry.WithOnRetry(func(int, error) { o.metrics.stageRetried(stage.Name) }),
	)
	if err == nil {
		return "", true
	}

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		err = &RetryExhaustedError{Stage: stage.Ordinal, Attempts: exhausted.Attempts, Err: exhausted.Err}
	}
	logger.WithError(err).Warn("Stage failed")

	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		msg := fmt.Sprintf("Authentication for %s failed, please (re)check the username or password.", r.cfg.Host)
		r.danger(msg)
		return msg, false
	}
	if cmdErr, ok := AsCommandError(err); ok {
		r.danger(cmdErr.DangerMessage())
	} else {
		r.danger(err.Error())
	}
	return MsgInstallationFailed, false
}

func (o *Orchestrator) archiveTranscript(host, id string, t *Transcript) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	key, err := o.archive.PutTranscript(ctx, host, id, t.Bytes())
	if err != nil {
		o.logger.WithDeployment(id, host).WithError(err).Warn("Archive transcript failed")
		return
	}
	o.logger.WithDeployment(id, host).Debug("Transcript archived", "key", key)
}

package infra

import (
	"github.com/prometheus/client_golang/prometheus"

	"appdeploy/internal/config"
	"appdeploy/internal/provision"
	"appdeploy/internal/provision/sshexec"
	"appdeploy/pkg/logging"
)

// NewOrchestrator 用已初始化的基础设施装配部署流水线
//
// reg 为 nil 时不记录流水线指标（CLI 模式）
func NewOrchestrator(cfg *config.Config, inf *Infrastructure, reg prometheus.Registerer, logger *logging.Logger) *provision.Orchestrator {
	opts := []provision.Option{
		provision.WithLocker(inf.Locker),
		provision.WithSettings(provision.SettingsFromConfig(cfg.Provision)),
		provision.WithLogger(logger),
	}
	if inf.Archive != nil {
		opts = append(opts, provision.WithArchive(inf.Archive))
	}
	if reg != nil {
		opts = append(opts, provision.WithMetrics(provision.NewMetrics(reg, "appdeploy")))
	}

	return provision.New(
		inf.Store,
		sshexec.NewDialer(sshexec.Config{DialTimeout: cfg.Provision.SSHDialTimeout}),
		provision.NewHTTPValidator(cfg.Provision.CredentialURL, cfg.Provision.CredentialTimeout),
		opts...,
	)
}

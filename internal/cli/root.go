// Package cli deployctl 命令行：在本机直接执行部署并查看检查点
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"appdeploy/internal/config"
	"appdeploy/pkg/logging"
)

// Options 全局选项
type Options struct {
	ConfigPath string
	LogLevel   string

	stdout io.Writer
	stderr io.Writer
}

// Execute 构建命令树并执行
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts := &Options{stdout: stdout, stderr: stderr}
	cmd := newRootCommand(opts)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "deployctl",
		Short:         "deployctl provisions application hosts over SSH",
		Long:          "deployctl runs the staged host provisioning pipeline locally against the configured checkpoint store.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "Path to YAML configuration (default: resolved from APP_ENV / CONFIG_DIR)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		newRunCommand(opts),
		newListCommand(opts),
		newShowCommand(opts),
		newTranscriptCommand(opts),
		newTokenCommand(opts),
	)
	return cmd
}

// env 单条命令的运行环境
type env struct {
	cfg    *config.Config
	logger *logging.Logger
}

func (o *Options) setup() (*env, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.ConfigPath != "" {
		cfg, err = config.LoadFromFile(o.ConfigPath)
	} else {
		cfg = config.Load()
		err = cfg.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &env{cfg: cfg, logger: newLogger(o.stderr, o.LogLevel)}, nil
}

// newLogger 彩色日志，输出不是终端时关闭颜色
func newLogger(w io.Writer, level string) *logging.Logger {
	if w == nil {
		w = os.Stderr
	}
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
	}
	handler := tint.NewHandler(w, &tint.Options{
		Level:   logging.ParseLevel(level),
		NoColor: noColor,
	})
	return logging.FromHandler(handler, "deployctl")
}

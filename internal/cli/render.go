package cli

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"appdeploy/internal/provision"
	"appdeploy/internal/shared/eventbus"
)

// consoleReporter 把部署事件打印到终端，按级别着色
type consoleReporter struct {
	out      io.Writer
	styles   map[eventbus.Severity]lipgloss.Style
	progress lipgloss.Style
}

var _ provision.Reporter = (*consoleReporter)(nil)

func newConsoleReporter(w io.Writer) *consoleReporter {
	r := lipgloss.NewRenderer(w)
	return &consoleReporter{
		out: w,
		styles: map[eventbus.Severity]lipgloss.Style{
			eventbus.SeverityInfo:    r.NewStyle().Foreground(lipgloss.Color("12")),
			eventbus.SeveritySuccess: r.NewStyle().Foreground(lipgloss.Color("10")),
			eventbus.SeverityDanger:  r.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
			eventbus.SeverityGrey:    r.NewStyle().Foreground(lipgloss.Color("8")),
		},
		progress: r.NewStyle().Faint(true),
	}
}

// Log 只给级别标签着色，多行消息保持原样
func (c *consoleReporter) Log(message string, severity eventbus.Severity) {
	style, ok := c.styles[severity]
	if !ok {
		style = c.styles[eventbus.SeverityInfo]
	}
	fmt.Fprintf(c.out, "%s %s\n", style.Render("["+string(severity)+"]"), message)
}

func (c *consoleReporter) Progress(percent int) {
	fmt.Fprintln(c.out, c.progress.Render(fmt.Sprintf("[progress] %d%%", percent)))
}

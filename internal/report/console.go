package report

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/antonkrylov/hpcconnect/internal/errkind"
)

// Console writes styled progress lines. Colors are used only when out is a
// terminal.
type Console struct {
	out io.Writer
	mu  sync.Mutex

	dimStyle     lipgloss.Style
	stateStyle   lipgloss.Style
	warnStyle    lipgloss.Style
	errorStyle   lipgloss.Style
	successStyle lipgloss.Style
	urlStyle     lipgloss.Style
}

func NewConsole(out io.Writer) *Console {
	r := lipgloss.NewRenderer(out)
	if !isTerminal(out) {
		r.SetColorProfile(termenv.Ascii)
	}
	return &Console{
		out:      out,
		dimStyle: r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#666666", Dark: "#888888"}),
		stateStyle: r.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#0066CC", Dark: "#5599FF"}).
			Bold(true),
		warnStyle: r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#B8860B", Dark: "#FFAA00"}),
		errorStyle: r.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#D00000", Dark: "#FF5555"}).
			Bold(true),
		successStyle: r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#008000", Dark: "#55FF55"}),
		urlStyle:     r.NewStyle().Underline(true).Bold(true),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (c *Console) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, s)
}

func (c *Console) Progress(format string, args ...any) {
	c.println(c.dimStyle.Render("• " + fmt.Sprintf(format, args...)))
}

func (c *Console) Transition(from, to string) {
	c.println(c.dimStyle.Render("state ") + from + " → " + c.stateStyle.Render(to))
}

func (c *Console) QueuePosition(pos, total int) {
	c.println(c.dimStyle.Render(fmt.Sprintf("• queue position %d of %d", pos, total)))
}

func (c *Console) LogLine(line string) {
	c.println(c.dimStyle.Render("│ ") + line)
}

func (c *Console) Warn(format string, args ...any) {
	c.println(c.warnStyle.Render("! " + fmt.Sprintf(format, args...)))
}

func (c *Console) Released(resource string, err error) {
	if err != nil {
		c.println(c.warnStyle.Render(fmt.Sprintf("! could not release %s: %v", resource, err)))
		return
	}
	c.println(c.successStyle.Render("✓ released " + resource))
}

func (c *Console) Connected(url string) {
	c.println(c.successStyle.Render("✓ connected: ") + c.urlStyle.Render(url))
	c.println(c.dimStyle.Render("  press Ctrl-C to end the session"))
}

func (c *Console) Failure(err error) {
	if err == nil {
		return
	}
	c.println(c.errorStyle.Render("✗ " + Headline(err)))
	c.println("  " + err.Error())
	if detail := errkind.DetailOf(err); detail != "" {
		c.println(c.dimStyle.Render("  remote output:"))
		c.println(detail)
	}
}

// Headline is a one-line explanation of err for the operator.
func Headline(err error) string {
	switch errkind.KindOf(err) {
	case errkind.ErrConfig:
		return "invalid configuration"
	case errkind.ErrSubmission:
		return "the job could not be submitted or disappeared from the queue"
	case errkind.ErrJobStartTimeout:
		return "the job did not start in time"
	case errkind.ErrServiceStartupTimeout:
		return "the service never published its address"
	case errkind.ErrTunnel:
		return "the tunnel to the compute node failed"
	case errkind.ErrServiceUnreachable:
		return "the service did not answer through the tunnel"
	case errkind.ErrParse:
		return "unexpected output from the cluster"
	case errkind.ErrTransport:
		return "the login host could not be reached"
	case errkind.ErrInterrupted:
		return "interrupted"
	}
	return "session failed"
}

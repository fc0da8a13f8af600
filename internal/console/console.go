// Package console reads operator commands from a line oriented input.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/CZERTAINLY/Pulse/internal/session"
)

type Command int

const (
	None Command = iota
	Stop
	Status
	Help
	Unknown
)

// Parse maps a trimmed, case-insensitive line to a Command.
func Parse(line string) Command {
	switch strings.ToUpper(strings.TrimSpace(line)) {
	case "":
		return None
	case "C", "STOP":
		return Stop
	case "S", "STATUS":
		return Status
	case "H", "HELP":
		return Help
	default:
		return Unknown
	}
}

// Controller is what the console drives, service.Supervisor implements it.
type Controller interface {
	Status() []session.Status
	Stop()
}

type Console struct {
	in  io.Reader
	out io.Writer
	ctl Controller
}

func New(in io.Reader, out io.Writer, ctl Controller) *Console {
	return &Console{in: in, out: out, ctl: ctl}
}

// Run handles commands until STOP or the end of input. EOF leaves the
// sessions running, only STOP stops them.
func (c *Console) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		line := scanner.Text()
		switch Parse(line) {
		case None:
		case Stop:
			slog.InfoContext(ctx, "stopping all jobs by user request")
			c.ctl.Stop()
			return nil
		case Status:
			c.printf("%s\n", StatusTable(c.ctl.Status()))
		case Help:
			c.printf("%s", HelpText)
		case Unknown:
			c.printf("unknown command: %s, type H for help\n", strings.TrimSpace(line))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading console: %w", err)
	}
	slog.DebugContext(ctx, "console input closed")
	return nil
}

func (c *Console) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format, args...)
}

const HelpText = `available commands:
  C or STOP    stop all jobs and exit
  S or STATUS  show status of all jobs
  H or HELP    show this help message
`

var (
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	headerStyle = cellStyle.Bold(true)
)

// StatusTable renders one row per job.
func StatusTable(st []session.Status) string {
	if len(st) == 0 {
		return "no jobs"
	}
	rows := make([][]string, 0, len(st))
	for _, s := range st {
		rows = append(rows, []string{
			strconv.Itoa(s.ID),
			s.LearningID,
			strconv.FormatBool(s.Enabled),
			strconv.FormatBool(s.Running),
			s.State.String(),
			session.FormatElapsed(s.Elapsed),
			string(s.Reason),
		})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "LEARNING ID", "ENABLED", "RUNNING", "STATE", "ELAPSED", "REASON").
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.String()
}

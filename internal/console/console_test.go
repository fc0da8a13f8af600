package console_test

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/Pulse/internal/console"
	"github.com/CZERTAINLY/Pulse/internal/session"
	"github.com/stretchr/testify/require"
)

type controller struct {
	mx     sync.Mutex
	stops  int
	status []session.Status
}

func (c *controller) Status() []session.Status {
	return c.status
}

func (c *controller) Stop() {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.stops++
}

func TestParse(t *testing.T) {
	t.Parallel()
	var tcases = []struct {
		given string
		then  console.Command
	}{
		{"", console.None},
		{"   ", console.None},
		{"c", console.Stop},
		{"STOP", console.Stop},
		{" stop \r", console.Stop},
		{"s", console.Status},
		{"Status", console.Status},
		{"h", console.Help},
		{"HELP", console.Help},
		{"exit", console.Unknown},
		{"ss", console.Unknown},
	}
	for _, tc := range tcases {
		t.Run(tc.given, func(t *testing.T) {
			require.Equal(t, tc.then, console.Parse(tc.given))
		})
	}
}

func TestConsole(t *testing.T) {
	t.Parallel()

	t.Run("stop", func(t *testing.T) {
		t.Parallel()
		var out bytes.Buffer
		ctl := &controller{}
		in := strings.NewReader("\nh\nstop\nstatus\n")
		require.NoError(t, console.New(in, &out, ctl).Run(t.Context()))
		require.Equal(t, 1, ctl.stops)
		require.Equal(t, console.HelpText, out.String())
	})

	t.Run("eof does not stop", func(t *testing.T) {
		t.Parallel()
		var out bytes.Buffer
		ctl := &controller{}
		in := strings.NewReader("what\n")
		require.NoError(t, console.New(in, &out, ctl).Run(t.Context()))
		require.Zero(t, ctl.stops)
		require.Equal(t, "unknown command: what, type H for help\n", out.String())
	})

	t.Run("status", func(t *testing.T) {
		t.Parallel()
		var out bytes.Buffer
		ctl := &controller{status: []session.Status{
			{ID: 1, LearningID: "abc", Enabled: true, State: session.Active, Running: true, Elapsed: 187 * time.Second},
			{ID: 2, LearningID: "xyz", Enabled: true, State: session.Stopped, Reason: session.ReasonAutoStop},
		}}
		require.NoError(t, console.New(strings.NewReader("S\n"), &out, ctl).Run(t.Context()))
		got := out.String()
		for _, s := range []string{"LEARNING ID", "abc", "active", "3m 7s", "xyz", "stopped", "auto-stop", "0m 0s"} {
			require.Contains(t, got, s)
		}
		lines := strings.Split(got, "\n")
		for _, l := range lines {
			switch {
			case strings.Contains(l, "abc"):
				require.Contains(t, l, "true")
			case strings.Contains(l, "xyz"):
				require.Contains(t, l, "false")
			}
		}
		require.Contains(t, got, "RUNNING")
	})
}

func TestStatusTableEmpty(t *testing.T) {
	t.Parallel()
	require.Equal(t, "no jobs", console.StatusTable(nil))
}

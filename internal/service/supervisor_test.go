package service_test

import (
	"context"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/Pulse/internal/model"
	"github.com/CZERTAINLY/Pulse/internal/service"
	"github.com/CZERTAINLY/Pulse/internal/session"
	"github.com/CZERTAINLY/Pulse/internal/transport/transporttest"
	"github.com/stretchr/testify/require"
)

func TestNewSupervisor(t *testing.T) {
	t.Parallel()
	dialer := transporttest.NewDialer(transporttest.Healthy)

	var tcases = []struct {
		scenario string
		given    func() model.Config
	}{
		{
			scenario: "no token",
			given: func() model.Config {
				cfg := config(job("a", 0))
				cfg.AccessToken = ""
				return cfg
			},
		},
		{
			scenario: "bad grace",
			given: func() model.Config {
				cfg := config(job("a", 0))
				cfg.Service.Grace = "5 seconds"
				return cfg
			},
		},
		{
			scenario: "zero grace",
			given: func() model.Config {
				cfg := config(job("a", 0))
				cfg.Service.Grace = "PT0S"
				return cfg
			},
		},
		{
			scenario: "negative grace",
			given: func() model.Config {
				cfg := config(job("a", 0))
				cfg.Service.Grace = "PT-5S"
				return cfg
			},
		},
		{
			scenario: "timer without schedule",
			given: func() model.Config {
				cfg := config(job("a", 0))
				cfg.Service.Mode = model.ServiceModeTimer
				return cfg
			},
		},
		{
			scenario: "timer with bad cron",
			given: func() model.Config {
				cfg := config(job("a", 0))
				cfg.Service.Mode = model.ServiceModeTimer
				cfg.Service.Schedule = &model.Schedule{Cron: "* * *"}
				return cfg
			},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := service.NewSupervisor(t.Context(), tc.given(), dialer)
			require.ErrorIs(t, err, model.ErrConfiguration)
		})
	}
}

func TestSupervisorManual(t *testing.T) {
	t.Parallel()

	t.Run("all jobs finished", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			dialer := transporttest.NewDialer(transporttest.Healthy)
			supervisor, err := service.NewSupervisor(t.Context(), config(job("a", 1), job("b", 2)), dialer)
			require.NoError(t, err)
			require.Nil(t, supervisor.Status())

			start := time.Now()
			require.NoError(t, supervisor.Do(t.Context()))
			require.Equal(t, 2*time.Second, time.Since(start))

			st := supervisor.Status()
			require.Equal(t, []session.State{session.Stopped, session.Stopped}, states(st))
			require.Equal(t, session.ReasonAutoStop, st[0].Reason)
			require.Equal(t, session.ReasonAutoStop, st[1].Reason)
		})
	})

	t.Run("stop", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			dialer := transporttest.NewDialer(transporttest.Healthy)
			supervisor, err := service.NewSupervisor(t.Context(), config(job("a", 0), job("b", 0)), dialer)
			require.NoError(t, err)

			var g sync.WaitGroup
			g.Go(func() {
				require.NoError(t, supervisor.Do(t.Context()))
			})
			time.Sleep(time.Minute)
			synctest.Wait()
			require.Equal(t, []session.State{session.Active, session.Active}, states(supervisor.Status()))

			supervisor.Stop()
			supervisor.Stop()
			g.Wait()
			for _, st := range supervisor.Status() {
				require.Equal(t, session.Stopped, st.State)
				require.Equal(t, session.ReasonExternal, st.Reason)
				require.Equal(t, "1m 0s", session.FormatElapsed(st.Elapsed))
			}
		})
	})

	t.Run("context canceled", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			dialer := transporttest.NewDialer(transporttest.Healthy)
			dialer.Prepare("b", func(c *transporttest.Conn) { c.Hang() })
			supervisor, err := service.NewSupervisor(t.Context(), config(job("a", 0), job("b", 0)), dialer)
			require.NoError(t, err)
			ctx, cancel := context.WithCancel(t.Context())

			var g sync.WaitGroup
			g.Go(func() {
				require.NoError(t, supervisor.Do(ctx))
			})
			synctest.Wait()

			start := time.Now()
			cancel()
			g.Wait()
			// b blocks in Close, Do returns once the grace period elapsed
			require.Equal(t, 5*time.Second, time.Since(start))
			require.Equal(t, []session.State{session.Stopped, session.Stopping}, states(supervisor.Status()))

			dialer.Conn("b").Release()
			synctest.Wait()
			require.Equal(t, session.Stopped, supervisor.Status()[1].State)
		})
	})

	t.Run("connection refused", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			dialer := transporttest.NewDialer(transporttest.Healthy)
			dialer.Refuse("a", transporttest.ErrDialRefused)
			supervisor, err := service.NewSupervisor(t.Context(), config(job("a", 0)), dialer)
			require.NoError(t, err)

			require.NoError(t, supervisor.Do(t.Context()))
			st := supervisor.Status()
			require.Len(t, st, 1)
			require.Equal(t, session.ReasonTransportError, st[0].Reason)
			require.ErrorIs(t, st[0].Err, transporttest.ErrDialRefused)
		})
	})
}

func TestSupervisorTimer(t *testing.T) {
	t.Parallel()

	dialer := transporttest.NewDialer(transporttest.Healthy)
	dialer.Refuse("a", transporttest.ErrDialRefused)
	cfg := config(job("a", 0))
	cfg.Service.Mode = model.ServiceModeTimer
	cfg.Service.Schedule = &model.Schedule{Duration: "PT0.1S"}

	supervisor, err := service.NewSupervisor(t.Context(), cfg, dialer)
	require.NoError(t, err)

	var g sync.WaitGroup
	g.Go(func() {
		require.NoError(t, supervisor.Do(t.Context()))
	})

	// every tick starts a fresh run, the first one starts immediately
	require.Eventually(t, func() bool {
		return len(dialer.Dials()) >= 3
	}, 5*time.Second, 20*time.Millisecond)

	supervisor.Stop()
	g.Wait()
	for _, id := range dialer.Dials() {
		require.Equal(t, "a", id)
	}
}

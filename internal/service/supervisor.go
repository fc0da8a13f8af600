package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/CZERTAINLY/Pulse/internal/log"
	"github.com/CZERTAINLY/Pulse/internal/model"
	"github.com/CZERTAINLY/Pulse/internal/session"
	"github.com/CZERTAINLY/Pulse/internal/transport"
)

// Supervisor drives runs of an Orchestrator. In manual mode there is exactly
// one run, in timer mode a fresh run is started on every scheduler tick unless
// the previous one is still going.
type Supervisor struct {
	cfg       model.Config
	dialer    transport.Dialer
	opts      []Option
	oneshot   bool
	scheduler gocron.Scheduler
	ticks     chan struct{}

	mx      sync.Mutex
	current *Orchestrator
	runs    int

	stopOnce sync.Once
	stop     chan struct{}
}

func NewSupervisor(ctx context.Context, cfg model.Config, dialer transport.Dialer, opts ...Option) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	svcCfg := cfg.Service
	grace, err := svcCfg.GraceDuration()
	if err != nil {
		return nil, err
	}
	opts = append([]Option{WithGrace(grace)}, opts...)

	var supervisor = &Supervisor{
		cfg:     cfg,
		dialer:  dialer,
		opts:    opts,
		oneshot: svcCfg.Mode != model.ServiceModeTimer,
		ticks:   make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}

	if !supervisor.oneshot {
		if err := svcCfg.Schedule.Validate(); err != nil {
			return nil, err
		}
		scheduler, err := newScheduler(ctx, *svcCfg.Schedule, supervisor.tick)
		if err != nil {
			return nil, fmt.Errorf("timer mode failed: %w", err)
		}
		supervisor.scheduler = scheduler
	}
	return supervisor, nil
}

// tick asks for a new run, it never blocks the scheduler.
func (s *Supervisor) tick() {
	select {
	case s.ticks <- struct{}{}:
	default:
	}
}

// Stop ends Do, the running jobs are stopped through Orchestrator.StopAll.
// It is safe to call any number of times from any goroutine.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

// Status returns the runners of the current or the last run.
func (s *Supervisor) Status() []session.Status {
	s.mx.Lock()
	current := s.current
	s.mx.Unlock()
	if current == nil {
		return nil
	}
	return current.Status()
}

// Do runs the supervisor event loop. The first run starts immediately.
//
// It returns when
//   - the manual run finished, all its jobs are stopped
//   - Stop was called
//   - ctx was canceled
//
// In the last two cases the current run is stopped via StopAll before Do
// returns.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor", "mode", s.cfg.Service.Mode)

	if s.scheduler != nil {
		s.scheduler.Start()
		defer func() {
			err := s.scheduler.Shutdown()
			if err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	var current *Orchestrator
	var currentDone <-chan struct{}
	defer func() {
		if current == nil {
			return
		}
		if abandoned := current.StopAll(ctx); len(abandoned) > 0 {
			slog.WarnContext(ctx, "jobs abandoned on shutdown", "learning_ids", abandoned)
		}
	}()

	s.tick()
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "shutdown requested")
			return nil
		case <-s.stop:
			slog.InfoContext(ctx, "stop requested")
			return nil
		case <-s.ticks:
			if currentDone != nil {
				slog.WarnContext(ctx, "previous run is still active: skipping")
				continue
			}
			orch, err := s.startRun(ctx)
			if err != nil {
				if s.oneshot {
					return err
				}
				slog.ErrorContext(ctx, "run can't be started", "error", err)
				continue
			}
			current, currentDone = orch, orch.Done()
		case <-currentDone:
			currentDone = nil
			slog.InfoContext(ctx, "all jobs finished")
			if s.oneshot {
				return nil
			}
		}
	}
}

func (s *Supervisor) startRun(ctx context.Context) (*Orchestrator, error) {
	orch := NewOrchestrator(s.dialer, s.opts...)

	s.mx.Lock()
	s.runs++
	run := s.runs
	s.current = orch
	s.mx.Unlock()

	ctx = log.ContextAttrs(ctx, slog.Group("run",
		slog.Int("number", run),
		slog.String("id", uuid.NewString()),
	))
	if err := orch.StartAll(ctx, s.cfg); err != nil {
		return nil, err
	}
	return orch, nil
}

func newScheduler(ctx context.Context, cfg model.Schedule, startFunc func()) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron)
	case cfg.Duration != "":
		d, err := model.ParseISODuration(cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing service.schedule.duration: %w", err)
		}
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String())
		job = gocron.DurationJob(d)
	default:
		return nil, errors.New("both cron and duration are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(startFunc),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}

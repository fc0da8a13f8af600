package service

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/Pulse/internal/model"
	"github.com/CZERTAINLY/Pulse/internal/session"
	"github.com/CZERTAINLY/Pulse/internal/transport"
)

const DefaultGrace = 5 * time.Second

var (
	ErrAlreadyStarted = errors.New("jobs already started")
	ErrStopped        = errors.New("jobs already stopped")
)

// Orchestrator starts one session.Runner per enabled job and supervises them.
// Runners share nothing but the read-only job list.
type Orchestrator struct {
	dialer transport.Dialer
	timing session.Timing
	grace  time.Duration

	mx      sync.RWMutex
	started bool
	closed  bool
	runners []*session.Runner

	stopOnce  sync.Once
	abandoned []string
	done      chan struct{}
}

type Option func(*options)

type options struct {
	timing session.Timing
	grace  time.Duration
}

func WithTiming(t session.Timing) Option {
	return func(o *options) {
		o.timing = t
	}
}

// WithGrace bounds how long StopAll waits for runners to close.
func WithGrace(d time.Duration) Option {
	return func(o *options) {
		o.grace = d
	}
}

func newOptions(opts []Option) options {
	o := options{
		timing: session.DefaultTiming(),
		grace:  DefaultGrace,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func NewOrchestrator(dialer transport.Dialer, opts ...Option) *Orchestrator {
	o := newOptions(opts)
	return &Orchestrator{
		dialer: dialer,
		timing: o.timing,
		grace:  o.grace,
		done:   make(chan struct{}),
	}
}

// StartAll validates cfg and starts a runner for every enabled job without
// waiting for any of them to connect. Nothing is started when cfg is invalid.
func (o *Orchestrator) StartAll(ctx context.Context, cfg model.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	o.mx.Lock()
	switch {
	case o.closed:
		o.mx.Unlock()
		return ErrStopped
	case o.started:
		o.mx.Unlock()
		return ErrAlreadyStarted
	}
	o.started = true
	for _, job := range cfg.Jobs {
		if !job.Enabled {
			slog.InfoContext(ctx, "skipping disabled job", "learning_id", job.LearningID)
			continue
		}
		r := session.New(job, o.dialer,
			session.WithID(len(o.runners)+1),
			session.WithTiming(o.timing),
		)
		o.runners = append(o.runners, r)
	}
	runners := slices.Clone(o.runners)
	o.mx.Unlock()

	slog.InfoContext(ctx, "starting jobs", "enabled", len(runners), "total", len(cfg.Jobs))
	for _, r := range runners {
		if err := r.Start(ctx, cfg.AccessToken); err != nil {
			slog.ErrorContext(ctx, "job can't be started", "job_id", r.Status().ID, "error", err)
			r.Stop()
		}
	}

	go func() {
		for _, r := range runners {
			<-r.Done()
		}
		close(o.done)
	}()
	return nil
}

// Done is closed once every started runner reached Stopped on its own or
// through StopAll.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// StopAll stops every runner and waits until all of them are stopped or the
// grace period elapses. It returns the identifiers of abandoned runners.
// Repeated or concurrent calls share the work and the result of the first one.
func (o *Orchestrator) StopAll(ctx context.Context) []string {
	o.stopOnce.Do(func() {
		o.abandoned = o.stopAll(ctx)
	})
	return slices.Clone(o.abandoned)
}

func (o *Orchestrator) stopAll(ctx context.Context) []string {
	o.mx.Lock()
	o.closed = true
	runners := slices.Clone(o.runners)
	o.mx.Unlock()

	if len(runners) == 0 {
		return nil
	}

	slog.InfoContext(ctx, "shutting down all jobs", "jobs", len(runners), "grace", o.grace.String())
	for _, r := range runners {
		r.Stop()
	}

	// a canceled caller, e.g. on a signal, still gets the whole grace period
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.grace)
	defer cancel()

	lagging := make([]bool, len(runners))
	var g errgroup.Group
	for i, r := range runners {
		g.Go(func() error {
			select {
			case <-r.Done():
			case <-waitCtx.Done():
				// both may be ready, a stopped runner is never abandoned
				select {
				case <-r.Done():
				default:
					lagging[i] = true
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	var abandoned []string
	for i, r := range runners {
		if !lagging[i] {
			continue
		}
		st := r.Status()
		slog.WarnContext(ctx, "job did not stop in time, abandoning",
			"job_id", st.ID,
			"learning_id", st.LearningID,
			"state", st.State.String(),
		)
		abandoned = append(abandoned, st.LearningID)
	}
	if len(abandoned) == 0 {
		slog.InfoContext(ctx, "all jobs stopped")
	}
	return abandoned
}

// Status returns a snapshot of every runner in declaration order.
func (o *Orchestrator) Status() []session.Status {
	o.mx.RLock()
	defer o.mx.RUnlock()
	ret := make([]session.Status, 0, len(o.runners))
	for _, r := range o.runners {
		ret = append(ret, r.Status())
	}
	return ret
}

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CZERTAINLY/Pulse/internal/log"
	"github.com/CZERTAINLY/Pulse/internal/model"
	"github.com/CZERTAINLY/Pulse/internal/protocol"
	"github.com/CZERTAINLY/Pulse/internal/transport"
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrStopped        = errors.New("session stopped")
)

// Runner owns one channel and its protocol state machine.
type Runner struct {
	id      int
	job     model.Job
	dialer  transport.Dialer
	timing  Timing
	session string

	mx            sync.RWMutex
	state         State
	activeAt      time.Time
	stoppedAt     time.Time
	lastHeartbeat time.Time
	reason        Reason
	err           error
	cancel        context.CancelFunc
	conn          transport.Conn

	stopOnce  sync.Once
	closeOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type Option func(*Runner)

func WithTiming(t Timing) Option {
	return func(r *Runner) {
		r.timing = t
	}
}

// WithID sets the 1-based job number used in logs and status.
func WithID(id int) Option {
	return func(r *Runner) {
		r.id = id
	}
}

func New(job model.Job, dialer transport.Dialer, opts ...Option) *Runner {
	r := &Runner{
		id:      1,
		job:     job,
		dialer:  dialer,
		timing:  DefaultTiming(),
		session: uuid.NewString(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start connects the session in the background and returns immediately.
// Disabled jobs are skipped without opening a channel.
func (r *Runner) Start(ctx context.Context, credential string) error {
	ctx = log.ContextAttrs(ctx, r.attrs())
	if !r.job.Enabled {
		slog.InfoContext(ctx, "job is disabled, skipping")
		return nil
	}
	if r.job.LearningID == "" || credential == "" {
		return fmt.Errorf("%w: missing learningId or access token", model.ErrConfiguration)
	}

	r.mx.Lock()
	switch r.state {
	case Idle:
	case Stopped:
		r.mx.Unlock()
		return ErrStopped
	default:
		r.mx.Unlock()
		return ErrAlreadyStarted
	}
	r.state = Connecting
	ctx, r.cancel = context.WithCancel(ctx)
	r.mx.Unlock()

	slog.InfoContext(ctx, "starting connection")
	go r.run(ctx, credential)
	return nil
}

// Stop tears the session down. Only the first call does anything, the
// following ones return immediately no matter which goroutine calls them.
// Use Done to wait for the Stopped state.
func (r *Runner) Stop() {
	r.stopWith(ReasonExternal, nil)
}

// Done is closed once the runner reaches Stopped.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

func (r *Runner) Status() Status {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return Status{
		ID:            r.id,
		LearningID:    r.job.LearningID,
		Session:       r.session,
		Enabled:       r.job.Enabled,
		State:         r.state,
		Running:       r.state.Running(),
		Elapsed:       r.elapsed(time.Now()),
		LastHeartbeat: r.lastHeartbeat,
		Reason:        r.reason,
		Err:           r.err,
	}
}

func (r *Runner) attrs() slog.Attr {
	return slog.Group("job",
		slog.Int("id", r.id),
		slog.String("learning_id", r.job.LearningID),
		slog.String("session", r.session),
	)
}

// elapsed must be called with r.mx held.
func (r *Runner) elapsed(now time.Time) time.Duration {
	switch {
	case r.activeAt.IsZero():
		return 0
	case !r.stoppedAt.IsZero():
		return r.stoppedAt.Sub(r.activeAt)
	default:
		return now.Sub(r.activeAt)
	}
}

func (r *Runner) stopWith(reason Reason, err error) {
	r.stopOnce.Do(func() {
		r.mx.Lock()
		prev := r.state
		r.reason = reason
		r.err = err
		if prev == Active {
			r.stoppedAt = time.Now()
		}
		if prev == Idle {
			r.state = Stopped
			r.mx.Unlock()
			close(r.stop)
			close(r.done)
			return
		}
		r.state = Stopping
		cancel := r.cancel
		conn := r.conn
		r.mx.Unlock()

		close(r.stop)
		cancel()
		// a session goroutine blocked in a write is released by the close
		if conn != nil {
			go r.closeConn(log.ContextAttrs(context.Background(), r.attrs()), conn)
		}
	})
}

// advance moves from one state to the next one, it fails when a stop came first.
func (r *Runner) advance(from, to State, now time.Time) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.state != from {
		return false
	}
	r.state = to
	if to == Active {
		r.activeAt = now
		r.lastHeartbeat = now
	}
	return true
}

func (r *Runner) is(s State) bool {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.state == s
}

func (r *Runner) heartbeatAge(now time.Time) time.Duration {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return now.Sub(r.lastHeartbeat)
}

func (r *Runner) touch(now time.Time) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.state == Active {
		r.lastHeartbeat = now
	}
}

// run is the session goroutine. It owns the channel and the timers.
func (r *Runner) run(ctx context.Context, credential string) {
	defer r.finish(ctx)

	conn, err := r.dialer.Dial(ctx, r.job.LearningID, credential)
	if err != nil {
		if ctx.Err() == nil {
			slog.ErrorContext(ctx, "connection failed", "error", err)
		}
		r.stopWith(ReasonTransportError, err)
		return
	}
	r.mx.Lock()
	r.conn = conn
	r.mx.Unlock()
	defer r.closeConn(ctx, conn)

	inbound := make(chan string)
	readErr := make(chan error, 1)
	go r.read(ctx, conn, inbound, readErr)

	if err := conn.WriteMessage(ctx, protocol.Handshake()); err != nil {
		if r.stopping(ctx) {
			r.stopWith(ReasonExternal, nil)
			return
		}
		slog.ErrorContext(ctx, "sending handshake failed", "error", err)
		r.stopWith(ReasonTransportError, err)
		return
	}
	if !r.advance(Connecting, HandshakeSent, time.Now()) {
		return
	}
	slog.InfoContext(ctx, "connected, sent handshake")

	var t timers
	defer t.stop()

	for {
		// a stop must win over any timer which fired at the same time
		select {
		case <-r.stop:
			return
		default:
		}

		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			r.stopWith(ReasonExternal, nil)
			return
		case msg := <-inbound:
			r.handle(ctx, msg, &t)
		case err := <-readErr:
			if r.stopping(ctx) {
				r.stopWith(ReasonExternal, nil)
				return
			}
			if errors.Is(err, transport.ErrClosed) {
				slog.InfoContext(ctx, "connection closed")
				r.stopWith(ReasonTransportClosed, nil)
			} else {
				slog.ErrorContext(ctx, "connection error", "error", err)
				r.stopWith(ReasonTransportError, err)
			}
			return
		case <-t.heartbeatC():
			if !r.is(Active) {
				return
			}
			if err := conn.WriteMessage(ctx, protocol.Heartbeat()); err != nil {
				if r.stopping(ctx) {
					r.stopWith(ReasonExternal, nil)
					return
				}
				slog.ErrorContext(ctx, "sending heartbeat failed", "error", err)
				r.stopWith(ReasonTransportError, err)
				return
			}
		case <-t.watchdogC():
			if !r.is(Active) {
				return
			}
			if age := r.heartbeatAge(time.Now()); age > r.timing.PeerTimeout {
				slog.WarnContext(ctx, "no server heartbeat, stopping job", "silence", age.String())
				r.stopWith(ReasonPeerSilence, nil)
				return
			}
		case <-t.autoStopC():
			slog.InfoContext(ctx, "auto stop time reached", "after", r.job.AutoStop().String())
			r.stopWith(ReasonAutoStop, nil)
			return
		}
	}
}

func (r *Runner) handle(ctx context.Context, msg string, t *timers) {
	switch {
	case r.is(HandshakeSent) && protocol.IsHandshakeAck(msg):
		if !r.advance(HandshakeSent, Active, time.Now()) {
			return
		}
		t.arm(r.timing, r.job.AutoStop())
		slog.InfoContext(ctx, "handshake success, starting heartbeat")
	case protocol.IsHeartbeat(msg):
		r.touch(time.Now())
	default:
		slog.DebugContext(ctx, "ignoring message", "size", len(msg))
	}
}

func (r *Runner) read(ctx context.Context, conn transport.Conn, inbound chan<- string, readErr chan<- error) {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		select {
		case inbound <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// closeConn closes conn once, a concurrent caller waits for the first one.
func (r *Runner) closeConn(ctx context.Context, conn transport.Conn) {
	r.closeOnce.Do(func() {
		if err := conn.Close(); err != nil {
			slog.DebugContext(ctx, "closing connection", "error", err)
		}
	})
}

// stopping reports a stop requested by Stop or by the parent context.
func (r *Runner) stopping(ctx context.Context) bool {
	select {
	case <-r.stop:
		return true
	default:
		return ctx.Err() != nil
	}
}

func (r *Runner) finish(ctx context.Context) {
	r.mx.Lock()
	r.state = Stopped
	elapsed := r.elapsed(time.Now())
	reason := r.reason
	r.mx.Unlock()
	close(r.done)

	slog.InfoContext(ctx, "job stopped",
		"reason", string(reason),
		"elapsed", FormatElapsed(elapsed),
	)
}

// timers exist only while the session is active.
type timers struct {
	heartbeat *time.Ticker
	watchdog  *time.Ticker
	autoStop  *time.Timer
}

func (t *timers) arm(timing Timing, autoStop time.Duration) {
	t.heartbeat = time.NewTicker(timing.Heartbeat)
	t.watchdog = time.NewTicker(timing.WatchdogInterval)
	if autoStop > 0 {
		t.autoStop = time.NewTimer(autoStop)
	}
}

func (t *timers) stop() {
	if t.heartbeat != nil {
		t.heartbeat.Stop()
	}
	if t.watchdog != nil {
		t.watchdog.Stop()
	}
	if t.autoStop != nil {
		t.autoStop.Stop()
	}
}

func (t *timers) heartbeatC() <-chan time.Time {
	if t.heartbeat == nil {
		return nil
	}
	return t.heartbeat.C
}

func (t *timers) watchdogC() <-chan time.Time {
	if t.watchdog == nil {
		return nil
	}
	return t.watchdog.C
}

func (t *timers) autoStopC() <-chan time.Time {
	if t.autoStop == nil {
		return nil
	}
	return t.autoStop.C
}

package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/parley-p2p/parley/internal/domain/activity"
	"github.com/parley-p2p/parley/internal/domain/lobby"
	"github.com/parley-p2p/parley/internal/p2p/transport"
)

const (
	defaultTickInterval      = 100 * time.Millisecond
	defaultQueueCapacity     = 64
	defaultPeerQueueCapacity = 256
	defaultBatchSize         = 16
	defaultSubmitBuffer      = 32
	defaultGracePeriod       = 30 * time.Second
)

// Options tune the runtime. Zero values fall back to defaults.
type Options struct {
	TickInterval      time.Duration
	QueueCapacity     int
	PeerQueueCapacity int
	BatchSize         int
	SubmitBuffer      int
	GracePeriod       time.Duration
	Scorers           *activity.Registry
}

func (o Options) normalized() Options {
	if o.TickInterval <= 0 {
		o.TickInterval = defaultTickInterval
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = defaultQueueCapacity
	}
	if o.PeerQueueCapacity <= 0 {
		o.PeerQueueCapacity = defaultPeerQueueCapacity
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.SubmitBuffer <= 0 {
		o.SubmitBuffer = defaultSubmitBuffer
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = defaultGracePeriod
	}
	if o.Scorers == nil {
		o.Scorers = activity.NewRegistry()
	}
	return o
}

// Runtime drives a session from one polling goroutine. The outside world
// talks to it through Submit and Watch only; session state never crosses the
// goroutine boundary except as published view snapshots.
type Runtime struct {
	session  *Session
	interval time.Duration
	batch    int

	submissions chan lobby.Command
	watch       chan View
	latest      atomic.Pointer[View]
	stopped     chan struct{}
	log         zerolog.Logger
}

// NewRuntime wraps a session over an established connection. Run must be
// called exactly once for commands to make progress.
func NewRuntime(conn transport.Connection, opts Options, logger zerolog.Logger) *Runtime {
	opts = opts.normalized()
	return &Runtime{
		session:     New(conn, opts, logger),
		interval:    opts.TickInterval,
		batch:       opts.BatchSize,
		submissions: make(chan lobby.Command, opts.SubmitBuffer),
		watch:       make(chan View, 1),
		stopped:     make(chan struct{}),
		log:         logger.With().Str("component", "runtime").Logger(),
	}
}

// Submit hands a command to the polling goroutine. It never blocks: a full
// buffer returns ErrBusy and the caller decides whether to retry.
func (r *Runtime) Submit(cmd lobby.Command) error {
	if err := cmd.ValidateBasic(); err != nil {
		return err
	}
	select {
	case <-r.stopped:
		return ErrStopped
	default:
	}
	select {
	case r.submissions <- cmd:
		return nil
	default:
		return ErrBusy
	}
}

// Watch returns the conflating view channel. The channel holds at most one
// element; a slow reader misses intermediate views, never the newest one.
func (r *Runtime) Watch() <-chan View {
	return r.watch
}

// View returns the most recently published view without blocking.
func (r *Runtime) View() View {
	if v := r.latest.Load(); v != nil {
		return *v
	}
	return View{Role: RoleNone}
}

// Run polls until the context is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	defer close(r.stopped)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.log.Info().Dur("interval", r.interval).Msg("runtime started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("runtime stopped")
			return nil
		case now := <-ticker.C:
			r.tick(now)
		}
	}
}

func (r *Runtime) tick(now time.Time) {
drain:
	for i := 0; i < r.batch; i++ {
		select {
		case cmd := <-r.submissions:
			if err := r.session.Route(cmd); err != nil {
				r.log.Warn().Err(err).Str("command", string(cmd.Kind)).Msg("command rejected")
			}
		default:
			break drain
		}
	}
	r.publish(r.session.Tick(now))
}

// publish replaces whatever the watch slot holds so a stalled reader wakes
// to the current view, not a stale one.
func (r *Runtime) publish(v View) {
	r.latest.Store(&v)
	select {
	case r.watch <- v:
		return
	default:
	}
	select {
	case <-r.watch:
	default:
	}
	select {
	case r.watch <- v:
	default:
	}
}

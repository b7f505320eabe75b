// Package dispatch is the task-dispatcher contract named in spec.md §4.7
// (C7): "eventually invokes the registered stage's runner. Need not
// guarantee ordering... tolerates duplicate, out-of-order, and arbitrarily
// delayed scheduling." It replaces the original's Celery-routed
// AddData.apply_async (original_source/src/celeryapp.py,
// snowcat/tasks.py AddData.apply_async) with an explicit interface; an
// in-process, errgroup-bounded worker pool is the one implementation this
// core ships, matching Design Notes §9's "global module-level state becomes
// an explicit Runtime context" — the broker is no longer an ambient Celery
// app, it's a value the caller constructs and owns.
package dispatch

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Activation is one (stageName, streamID) unit of work.
type Activation struct {
	Stage    string
	StreamID string
}

// ActivateFunc runs one activation; the stage runner supplies this.
type ActivateFunc func(ctx context.Context, a Activation) error

// Dispatcher eventually invokes the registered stage's runner. Implementations
// need not guarantee ordering, and must tolerate duplicate, out-of-order, or
// arbitrarily delayed scheduling (spec.md §4.7).
type Dispatcher interface {
	// Schedule enqueues an activation, returning once it has been accepted
	// (not necessarily run).
	Schedule(a Activation)
	// ScheduleAfter enqueues an activation to run after delay has elapsed,
	// used for the re-arm probe in spec.md §4.5 step 8.
	ScheduleAfter(a Activation, delay time.Duration)
	// RunIfNotRunning schedules the activation unless its stage lease is
	// currently held (spec.md §4.5 "Wake children").
	RunIfNotRunning(a Activation)
	// Close stops accepting new work and waits for in-flight activations.
	Close() error
}

// IsHeldFunc lets a Dispatcher consult the lease manager without importing
// the lease package directly (keeps the dependency direction lease -> ...
// rather than dispatch -> lease).
type IsHeldFunc func(key string) (bool, error)

// LeaseKeyFunc builds the lease key for an activation.
type LeaseKeyFunc func(a Activation) string

// InProcess is a Dispatcher backed by a bounded pool of goroutines, the
// Go analog of running categorizer tasks as in-process Celery workers.
type InProcess struct {
	activate ActivateFunc
	isHeld   IsHeldFunc
	leaseKey LeaseKeyFunc

	ctx    context.Context
	cancel context.CancelFunc
	grp    *errgroup.Group

	work chan Activation
}

// NewInProcess starts a worker pool of size concurrency. activate is invoked
// for every scheduled activation; isHeld/leaseKey back RunIfNotRunning.
func NewInProcess(concurrency int, activate ActivateFunc, isHeld IsHeldFunc, leaseKey LeaseKeyFunc) *InProcess {
	ctx, cancel := context.WithCancel(context.Background())
	grp, gctx := errgroup.WithContext(ctx)
	d := &InProcess{
		activate: activate,
		isHeld:   isHeld,
		leaseKey: leaseKey,
		ctx:      ctx,
		cancel:   cancel,
		grp:      grp,
		work:     make(chan Activation, 1024),
	}
	for i := 0; i < concurrency; i++ {
		grp.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case a, ok := <-d.work:
					if !ok {
						return nil
					}
					// Errors are the framework's idempotent-replay contract
					// (spec.md §7): a failed activation simply gets
					// re-scheduled by the next trigger, it is never retried
					// in place here.
					_ = d.activate(gctx, a)
				}
			}
		})
	}
	return d
}

func (d *InProcess) Schedule(a Activation) {
	select {
	case d.work <- a:
	case <-d.ctx.Done():
	}
}

func (d *InProcess) ScheduleAfter(a Activation, delay time.Duration) {
	time.AfterFunc(delay, func() { d.Schedule(a) })
}

func (d *InProcess) RunIfNotRunning(a Activation) {
	if d.isHeld != nil {
		held, err := d.isHeld(d.leaseKey(a))
		if err == nil && held {
			return
		}
	}
	d.Schedule(a)
}

func (d *InProcess) Close() error {
	d.cancel()
	return d.grp.Wait()
}

// Package stagerunner implements the Stage Runner (spec.md component C5):
// the loop that pairs the lease manager, state store, and indexed log to
// execute one stage on one stream resumably.
//
// Grounded on original_source/snowcat/categorizers.py's LoopCategorizer.run
// (the while-True main loop, rlindex_buffered windowed cache, checkpoint
// cadence) and on xact/xs/tcb.go's XactTCB.Run/qcb (the run-loop/quiesce
// shape that this package's re-arm check borrows structurally: both decide,
// at the tail of a run, whether the activity that justified running again
// is still there).
package stagerunner

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/MPBAUnofficial/snowcat/dispatch"
	"github.com/MPBAUnofficial/snowcat/internal/snlog"
	"github.com/MPBAUnofficial/snowcat/kv"
	"github.com/MPBAUnofficial/snowcat/lease"
	"github.com/MPBAUnofficial/snowcat/qlog"
	"github.com/MPBAUnofficial/snowcat/state"
	"github.com/MPBAUnofficial/snowcat/topology"
)

// Config carries the knobs named in spec.md §6; zero fields fall back to the
// documented defaults via WithDefaults.
type Config struct {
	LeaseTTL            time.Duration
	CheckpointFrequency time.Duration
	BufferLength        uint32
	ReArmDelay          time.Duration
}

func (c Config) WithDefaults() Config {
	if c.LeaseTTL == 0 {
		c.LeaseTTL = time.Hour
	}
	if c.CheckpointFrequency == 0 {
		c.CheckpointFrequency = 60 * time.Second
	}
	if c.BufferLength == 0 {
		c.BufferLength = 10
	}
	if c.ReArmDelay == 0 {
		c.ReArmDelay = 2 * time.Second
	}
	return c
}

// Metrics is the subset of runtime.Metrics the runner reports to; kept as an
// interface here so stagerunner does not import runtime (which imports
// stagerunner to wire things up).
type Metrics interface {
	ObserveActivation(stage string)
	ObserveCursorIdx(stage, stream string, idx uint64)
	ObserveLeaseWait(d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ObserveActivation(string)                 {}
func (noopMetrics) ObserveCursorIdx(string, string, uint64)  {}
func (noopMetrics) ObserveLeaseWait(time.Duration)           {}

// Runner executes stage activations (spec.md §4.5).
type Runner struct {
	store kv.Store
	log   *qlog.Log
	leas  *lease.Manager
	topo  *topology.Topology
	disp  dispatch.Dispatcher
	cfg   Config
	met   Metrics

	sf singleflight.Group
}

func New(store kv.Store, log *qlog.Log, leas *lease.Manager, topo *topology.Topology, disp dispatch.Dispatcher, cfg Config, met Metrics) *Runner {
	if met == nil {
		met = noopMetrics{}
	}
	return &Runner{store: store, log: log, leas: leas, topo: topo, disp: disp, cfg: cfg.WithDefaults(), met: met}
}

// Activate runs the full per-activation algorithm from spec.md §4.5 for
// stageName on streamID. It returns nil both when work was actually done and
// when the activation found nothing to do (lease contention, inactive
// stage, already-finished stage) — none of those are errors per spec.md §7.
func (r *Runner) Activate(ctx context.Context, stageName, streamID string) error {
	r.met.ObserveActivation(stageName)

	stage, err := r.topo.Stage(stageName)
	if err != nil {
		return err
	}

	// Step 1: enter lease.
	leaseKey := lease.Key(stageName, streamID)
	waitStart := time.Now()
	handle, err := r.leas.TryAcquire(leaseKey, r.cfg.LeaseTTL)
	if err != nil {
		return errors.Wrap(err, "stagerunner: acquire lease")
	}
	if handle == nil {
		return nil // another activation is in progress
	}
	r.met.ObserveLeaseWait(time.Since(waitStart))
	defer func() {
		if relErr := r.leas.Release(handle); relErr != nil {
			snlog.Errorln("stagerunner: release lease", leaseKey, relErr)
		}
	}()

	// Step 2: idempotent short-circuits.
	finished, err := r.topo.FinishedStages(streamID)
	if err != nil {
		return err
	}
	if finished[stageName] {
		return nil
	}
	if err := r.topo.InitializeIfNeeded(ctx, streamID); err != nil {
		return errors.Wrap(err, "stagerunner: initialize")
	}

	// Step 3: activity gate. A stage with no InputQueue is always active;
	// one with an InputQueue is active once that queue is non-empty (its
	// length is not compared with the cursor).
	active, err := r.isActive(stage, streamID)
	if err != nil {
		return err
	}
	if !active {
		if stage.CallChildren {
			r.wakeChildren(stageName, streamID)
		}
		return nil
	}

	// Step 4: load cursor. Stream first so finalize's "{stream}:*" sweep
	// reclaims the snapshot blob.
	cursorKey := kv.Key(streamID, stageName)
	def := state.DefaultCursor(stage.BufferChunk, stage.DefaultCursorState)
	if def.BufferChunk == 0 {
		def.BufferChunk = r.cfg.BufferLength
	}
	snap, err := state.LoadSnapshot(r.store, cursorKey, def)
	if err != nil {
		return errors.Wrap(err, "stagerunner: load cursor")
	}
	snap.Cur.LoopFlag = true

	if stage.PreRun != nil {
		if err := stage.PreRun(ctx, streamID); err != nil {
			return err
		}
	}

	if err := r.mainLoop(ctx, stage, streamID, snap); err != nil {
		return err
	}

	if stage.PostRun != nil {
		if err := stage.PostRun(ctx, streamID); err != nil {
			return err
		}
	}

	// Step 7: final save.
	if err := snap.Save(); err != nil {
		return err
	}
	r.met.ObserveCursorIdx(stageName, streamID, snap.Cur.Idx)

	// Step 8: re-arm check.
	if snap.Cur.LoopFlag {
		q := qlog.QueueID{Stream: streamID, Queue: stage.InputQueue}
		if _, err := r.log.Get(q, snap.Cur.Idx); err == nil {
			r.disp.ScheduleAfter(dispatch.Activation{Stage: stageName, StreamID: streamID}, r.cfg.ReArmDelay)
		} else if !errors.Is(err, qlog.ErrNotFound) {
			return err
		}
	}

	return nil
}

func (r *Runner) isActive(stage *topology.Stage, streamID string) (bool, error) {
	if stage.InputQueue == "" {
		return true, nil
	}
	length, err := r.log.Len(qlog.QueueID{Stream: streamID, Queue: stage.InputQueue})
	if err != nil {
		return false, err
	}
	return length > 0, nil
}

// mainLoop is spec.md §4.5 step 6, terminating when loopFlag is false or no
// more data is available.
func (r *Runner) mainLoop(ctx context.Context, stage *topology.Stage, streamID string, snap *state.Snapshot) error {
	q := qlog.QueueID{Stream: streamID, Queue: stage.InputQueue}
	freq := stage.CheckpointFrequency
	if freq == 0 {
		freq = r.cfg.CheckpointFrequency
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !snap.Cur.LoopFlag {
			return nil
		}

		item, err := r.bufferedGet(q, snap)
		if err != nil {
			return err
		}

		elapsed := time.Duration(nowSeconds()-snap.Cur.LastSaveTS) * time.Second
		if item == nil || elapsed > freq {
			if stage.CallChildren {
				r.wakeChildren(stage.Name, streamID)
			}
			if stage.Checkpoint != nil {
				if err := stage.Checkpoint(ctx, streamID); err != nil {
					return err
				}
			}
			snap.Cur.LastSaveTS = nowSeconds()
			if err := snap.Save(); err != nil {
				return err
			}
		}

		if item == nil {
			return nil
		}

		if stage.Process != nil {
			if err := stage.Process(ctx, streamID, item, &snap.Cur); err != nil {
				return errors.Wrap(err, "stagerunner: process")
			}
		}
		snap.Cur.Idx++
	}
}

// bufferedGet amortizes backend round-trips by caching a contiguous chunk of
// the queue inside the cursor snapshot itself, so the cache survives a
// restart (spec.md §4.5 "Buffered read"). Concurrent refills of the same
// window are coalesced with singleflight.
func (r *Runner) bufferedGet(q qlog.QueueID, snap *state.Snapshot) ([]byte, error) {
	idx := snap.Cur.Idx
	inWindow := snap.Cur.HasBufferWindow &&
		idx >= snap.Cur.BufferWindowOffset &&
		idx < snap.Cur.BufferWindowOffset+uint64(len(snap.Cur.BufferContents))
	if inWindow {
		v := snap.Cur.BufferContents[idx-snap.Cur.BufferWindowOffset]
		if v == nil {
			return nil, nil
		}
		return v, nil
	}

	chunk := snap.Cur.BufferChunk
	if chunk == 0 {
		chunk = 10
	}
	windowStart := idx
	sfKey := q.Stream + "/" + q.Queue + "/" + strconv.FormatUint(windowStart, 10) + "/" + strconv.FormatUint(uint64(chunk), 10)
	res, err, _ := r.sf.Do(sfKey, func() (any, error) {
		return r.log.GetRange(q, int64(windowStart), int64(windowStart+uint64(chunk)-1))
	})
	if err != nil {
		return nil, err
	}
	window := res.([][]byte)

	snap.Cur.HasBufferWindow = true
	snap.Cur.BufferWindowOffset = windowStart
	snap.Cur.BufferContents = window

	if uint64(len(window)) == 0 {
		return nil, nil
	}
	offsetInWindow := idx - windowStart
	if offsetInWindow >= uint64(len(window)) {
		return nil, nil
	}
	return window[offsetInWindow], nil
}

func (r *Runner) wakeChildren(stageName, streamID string) {
	for _, child := range r.topo.Children(stageName) {
		r.disp.RunIfNotRunning(dispatch.Activation{Stage: child, StreamID: streamID})
	}
}

func nowSeconds() float64 { return float64(time.Now().UnixNano()) / 1e9 }

// Package topology implements the Topology component (spec.md C4): a
// registry of stages, their dependency DAG, root/child queries, the lazy
// per-stream initialization handshake, and stream finalization.
//
// Grounded on original_source/snowcat/categorizers.py (get_all_categorizers,
// get_root_categorizers, Categorizer.children/DEPENDENCIES) and core.py's
// Topology.errors validation pass, reshaped per spec.md §9's redesign note:
// "dynamic stage discovery by runtime type inspection becomes an explicit
// Topology.register(stage) step. Stage metadata is a value, not a class
// artifact." The registry/factory shape itself echoes xact/xs/tcb.go's
// xreg.Renewable pattern (a static descriptor plus a lookup-by-name registry)
// adapted away from aistore's bucket-xaction renewal semantics.
package topology

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/teris-io/shortid"
	"github.com/tidwall/buntdb"

	"github.com/MPBAUnofficial/snowcat/internal/snlog"
	"github.com/MPBAUnofficial/snowcat/kv"
	"github.com/MPBAUnofficial/snowcat/qlog"
	"github.com/MPBAUnofficial/snowcat/state"
)

// ErrUnknownStage is returned when a dependency or child lookup names a stage
// that was never registered.
var ErrUnknownStage = errors.New("topology: unknown stage")

// Stage is the static descriptor named in spec.md §3: name, dependencies,
// checkpoint cadence, child-wake flag, input queue name, and default cursor
// state. It replaces the original's class-level Categorizer/DEPENDENCIES
// attributes with a plain value a Topology is built from.
type Stage struct {
	Name                string
	Dependencies        []string
	CheckpointFrequency time.Duration
	CallChildren        bool
	InputQueue          string
	BufferChunk         uint32
	DefaultCursorState  map[string][]byte

	// Initialize runs once per (Stage,Stream), see spec.md §4.4.
	Initialize func(ctx context.Context, streamID string) error
	// Process handles one item read from InputQueue. cur is the stage's
	// live cursor for this activation; Process may read/write cur.Extra to
	// carry state across items and across activations (e.g. a partial-word
	// buffer), since Extra is saved with the rest of the cursor at each
	// checkpoint.
	Process func(ctx context.Context, streamID string, item []byte, cur *state.Cursor) error
	// Checkpoint runs on the checkpoint cadence and whenever the input is
	// exhausted, before the cursor is saved (spec.md §4.5 step 6).
	Checkpoint func(ctx context.Context, streamID string) error
	PreRun     func(ctx context.Context, streamID string) error
	PostRun    func(ctx context.Context, streamID string) error
}

// Finalizer runs sequentially during stream finalization (spec.md §9 Open
// Question #1: ordering is an ordered list, first error aborts the rest).
type Finalizer func(ctx context.Context, streamID string) error

// Topology is the DAG of stages plus the plumbing finalize/initialize need:
// a Bag per stream (coordination flags) and the Log (to reclaim queues).
type Topology struct {
	Name   string
	stages map[string]*Stage
	order  []string // registration order, for deterministic iteration
	roots  []string
	kids   map[string][]string

	store      kv.Store
	log        *qlog.Log
	finalizers []Finalizer
}

func New(name string, store kv.Store, log *qlog.Log) *Topology {
	return &Topology{
		Name:  name,
		stages: make(map[string]*Stage),
		kids:  make(map[string][]string),
		store: store,
		log:   log,
	}
}

// Register adds a stage to the topology. Call Build once every stage has
// been registered to compute roots/children and validate the graph.
func (t *Topology) Register(s *Stage) {
	t.stages[s.Name] = s
	t.order = append(t.order, s.Name)
}

// AddFinalizer appends a finalizer to the ordered finalization chain.
func (t *Topology) AddFinalizer(f Finalizer) {
	t.finalizers = append(t.finalizers, f)
}

// Build computes roots and the child index, and validates the graph. It must
// be called after all Register calls and before the topology drives any
// ingestion (spec.md §7: "the ingress is not started until cleared").
func (t *Topology) Build() []error {
	var errs []error

	names := make(map[string]bool, len(t.stages))
	for _, name := range t.order {
		if name == "" {
			errs = append(errs, errors.New("topology: empty stage name"))
			continue
		}
		names[name] = true
	}

	t.kids = make(map[string][]string)
	t.roots = nil
	for _, name := range t.order {
		s := t.stages[name]
		if len(s.Dependencies) == 0 {
			t.roots = append(t.roots, name)
		}
		for _, dep := range s.Dependencies {
			if !names[dep] {
				errs = append(errs, errors.Errorf("topology: %q depends on unregistered stage %q", name, dep))
				continue
			}
			t.kids[dep] = append(t.kids[dep], name)
		}
	}

	if cyc := t.findCycle(); cyc != "" {
		errs = append(errs, errors.Errorf("topology: dependency cycle involving %q", cyc))
	}

	return errs
}

// findCycle runs a DFS over the dependency graph and returns the name of a
// stage involved in a cycle, or "" if the graph is acyclic (spec.md §9 Open
// Question #3: this implementation rejects cycles at validation time).
func (t *Topology) findCycle() string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(t.stages))
	var visit func(name string) string
	visit = func(name string) string {
		color[name] = gray
		s, ok := t.stages[name]
		if ok {
			for _, dep := range s.Dependencies {
				switch color[dep] {
				case gray:
					return dep
				case white:
					if found := visit(dep); found != "" {
						return found
					}
				}
			}
		}
		color[name] = black
		return ""
	}
	for _, name := range t.order {
		if color[name] == white {
			if found := visit(name); found != "" {
				return found
			}
		}
	}
	return ""
}

// Stage looks up a registered stage by name.
func (t *Topology) Stage(name string) (*Stage, error) {
	s, ok := t.stages[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownStage, "%q", name)
	}
	return s, nil
}

// Roots returns the stages with no dependencies, fed directly by ingress.
func (t *Topology) Roots() []string { return t.roots }

// Children returns the stages that directly depend on stageName.
func (t *Topology) Children(stageName string) []string { return t.kids[stageName] }

// StageNames returns every registered stage name, in registration order.
func (t *Topology) StageNames() []string { return t.order }

func (t *Topology) bag(streamID string) *state.Bag {
	return state.NewBag(t.store, streamID)
}

// InitializeIfNeeded runs the three-step handshake from spec.md §4.4: if
// init already finished, return immediately; otherwise race for
// init_started via GetOrSet, the winner runs every root's Initialize (and
// recursively each root's children) then flags init_finished, and every
// loser polls init_finished until it flips.
func (t *Topology) InitializeIfNeeded(ctx context.Context, streamID string) error {
	bag := t.bag(streamID)

	finished, err := bag.Get("init_finished", "")
	if err != nil {
		return err
	}
	if finished == "true" {
		return nil
	}

	prev, err := bag.GetOrSet("init_started", "true", "false")
	if err != nil {
		return err
	}
	if prev == "false" {
		seen := make(map[string]bool, len(t.stages))
		for _, root := range t.roots {
			if err := t.initializeSubtree(ctx, streamID, root, seen); err != nil {
				return errors.Wrapf(err, "topology: initialize %q", root)
			}
		}
		return bag.Set("init_finished", "true")
	}

	return t.waitInitFinished(ctx, bag)
}

func (t *Topology) initializeSubtree(ctx context.Context, streamID, stageName string, seen map[string]bool) error {
	if seen[stageName] {
		return nil
	}
	seen[stageName] = true
	s, err := t.Stage(stageName)
	if err != nil {
		return err
	}
	if s.Initialize != nil {
		if err := s.Initialize(ctx, streamID); err != nil {
			return err
		}
	}
	for _, child := range t.Children(stageName) {
		if err := t.initializeSubtree(ctx, streamID, child, seen); err != nil {
			return err
		}
	}
	return nil
}

func (t *Topology) waitInitFinished(ctx context.Context, bag *state.Bag) error {
	const pollInterval = 500 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		v, err := bag.Get("init_finished", "")
		if err != nil {
			return err
		}
		if v == "true" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// FlagFinished marks stageName finished for streamID, and triggers
// finalization once every registered stage has flagged finished (spec.md
// §4.5 "Completion flagging" and §4.4 "Stream finalization").
func (t *Topology) FlagFinished(ctx context.Context, streamID, stageName string) error {
	bag := t.bag(streamID)
	set, err := t.addFinishedStage(bag, stageName)
	if err != nil {
		return err
	}
	if len(set) < len(t.stages) {
		return nil
	}
	for _, name := range t.order {
		if !set[name] {
			return nil
		}
	}
	return t.finalize(ctx, streamID)
}

func (t *Topology) finishedKey() string { return "finished_stages" }

func (t *Topology) addFinishedStage(bag *state.Bag, stageName string) (map[string]bool, error) {
	// finished_stages is stored as a sorted, comma-joined string blob: the
	// set is tiny (one entry per stage) so a dedicated msgp/json structure
	// would be ceremony without benefit.
	raw, err := bag.Get(t.finishedKey(), "")
	if err != nil {
		return nil, err
	}
	set := decodeStageSet(raw)
	set[stageName] = true
	if err := bag.Set(t.finishedKey(), encodeStageSet(set)); err != nil {
		return nil, err
	}
	return set, nil
}

func decodeStageSet(raw string) map[string]bool {
	set := make(map[string]bool)
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				set[raw[start:i]] = true
			}
			start = i + 1
		}
	}
	return set
}

func encodeStageSet(set map[string]bool) string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// FinishedStages returns the set of stage names currently flagged finished
// for streamID.
func (t *Topology) FinishedStages(streamID string) (map[string]bool, error) {
	raw, err := t.bag(streamID).Get(t.finishedKey(), "")
	if err != nil {
		return nil, err
	}
	return decodeStageSet(raw), nil
}

// finalize is the one-shot cleanup described in spec.md §4.4: delete every
// key under {stream}:* except those ending in :lock or :finished, reclaim
// all queue storage for the stream, and set {stream}:finished with a TTL.
// It is idempotent: re-running it against an already-finalized stream runs
// the finalizers again and refreshes the tombstone, and otherwise changes
// nothing. The tombstone TTL is a fixed 7 days.
func (t *Topology) finalize(ctx context.Context, streamID string) error {
	snlog.Infoln("topology: finalizing stream", streamID)

	for _, f := range t.finalizers {
		if err := f(ctx, streamID); err != nil {
			return errors.Wrap(err, "topology: finalizer")
		}
	}

	for _, name := range t.order {
		s := t.stages[name]
		if s.InputQueue != "" {
			if err := t.log.Reclaim(qlog.QueueID{Stream: streamID, Queue: s.InputQueue}); err != nil {
				return err
			}
		}
	}
	if err := t.log.Reclaim(qlog.QueueID{Stream: streamID, Queue: "Stream"}); err != nil {
		return err
	}

	if err := t.PurgeStream(streamID); err != nil {
		return err
	}

	id, err := shortid.Generate()
	if err != nil {
		return errors.Wrap(err, "topology: finalization id")
	}
	return t.bag(streamID).SetTTL("finished", id, kv.TTLOpts(7*24*time.Hour))
}

// PurgeStream deletes every key under {stream}:* except lock/finished keys.
// It is the Go analog of categorizers.py's Categorizer.close_session, which
// the original exposed per-categorizer; here it is stream-wide and reused by
// finalize, as well as being independently callable (supplemented feature,
// see SPEC_FULL.md §4).
func (t *Topology) PurgeStream(streamID string) error {
	prefix := streamID + ":"
	var keys []string
	err := t.store.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, _ string) bool {
			keys = append(keys, key)
			return true
		})
	})
	if err != nil {
		return err
	}
	return t.store.Update(func(tx *buntdb.Tx) error {
		for _, key := range keys {
			if hasSuffix(key, ":lock") || hasSuffix(key, ":finished") {
				continue
			}
			if _, err := tx.Delete(key); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		return nil
	})
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

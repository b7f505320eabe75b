// Package ingress implements the Ingress Dispatcher (spec.md component C6):
// the entry point external producers call to add values to a stream's queue.
//
// Grounded on original_source/snowcat/tasks.py's AddData.run (register every
// root categorizer's Redis mark before rpush, rpush the payload, then
// apply_async each root) and categorizers.py's get_root_categorizers, which
// this package replaces with Topology.Roots().
package ingress

import (
	"context"

	"github.com/pkg/errors"

	"github.com/MPBAUnofficial/snowcat/dispatch"
	"github.com/MPBAUnofficial/snowcat/qlog"
	"github.com/MPBAUnofficial/snowcat/topology"
)

// Dispatcher is the C6 entry point: it registers marks, appends, and wakes
// roots in the order spec.md §4.6 requires (mark-before-append, so a root
// activated between the two steps can never observe data with no mark to
// consume it from).
type Dispatcher struct {
	log  *qlog.Log
	topo *topology.Topology
	disp dispatch.Dispatcher
}

func New(log *qlog.Log, topo *topology.Topology, disp dispatch.Dispatcher) *Dispatcher {
	return &Dispatcher{log: log, topo: topo, disp: disp}
}

// Ingest appends values to {streamID}:{queueName} and wakes every root stage
// that reads from it. Root stages that have never read this queue before get
// their mark registered (idempotently, at 0) before the append lands, so a
// reader that only now turns on sees every value from the start.
func (d *Dispatcher) Ingest(ctx context.Context, streamID, queueName string, values [][]byte) error {
	if len(values) == 0 {
		return nil
	}

	q := qlog.QueueID{Stream: streamID, Queue: queueName}
	roots := d.rootsReading(queueName)

	for _, root := range roots {
		if _, err := d.log.Mark(q, root, nil); err != nil {
			return errors.Wrapf(err, "ingress: register mark for %q", root)
		}
	}

	if _, err := d.log.Append(q, values); err != nil {
		return errors.Wrap(err, "ingress: append")
	}

	for _, root := range roots {
		d.disp.RunIfNotRunning(dispatch.Activation{Stage: root, StreamID: streamID})
	}
	return nil
}

// rootsReading returns the registered root stages whose InputQueue is
// queueName. A root stage with an empty InputQueue (always-active) is woken
// on every Ingest regardless of queue name, matching its "no input gate"
// semantics in the stage runner.
func (d *Dispatcher) rootsReading(queueName string) []string {
	var out []string
	for _, name := range d.topo.Roots() {
		s, err := d.topo.Stage(name)
		if err != nil {
			continue
		}
		if s.InputQueue == queueName || s.InputQueue == "" {
			out = append(out, name)
		}
	}
	return out
}

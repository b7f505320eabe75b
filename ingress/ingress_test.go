package ingress_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/MPBAUnofficial/snowcat/dispatch"
	"github.com/MPBAUnofficial/snowcat/ingress"
	"github.com/MPBAUnofficial/snowcat/kv"
	"github.com/MPBAUnofficial/snowcat/qlog"
	"github.com/MPBAUnofficial/snowcat/topology"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	woken []dispatch.Activation
}

func (r *recordingDispatcher) Schedule(dispatch.Activation)                     {}
func (r *recordingDispatcher) ScheduleAfter(dispatch.Activation, time.Duration) {}
func (r *recordingDispatcher) RunIfNotRunning(a dispatch.Activation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.woken = append(r.woken, a)
}
func (r *recordingDispatcher) Close() error { return nil }

var _ = Describe("Ingress.Ingest", func() {
	It("registers root marks before the append and wakes only roots reading the queue", func() {
		store, err := kv.Open(":memory:")
		Expect(err).NotTo(HaveOccurred())
		log := qlog.New(store, qlog.Options{})
		topo := topology.New("t1", store, log)
		topo.Register(&topology.Stage{Name: "Splitter", InputQueue: "Stream"})
		topo.Register(&topology.Stage{Name: "Other", InputQueue: "SomethingElse"})
		topo.Register(&topology.Stage{Name: "Counter", Dependencies: []string{"Splitter"}, InputQueue: "Words"})
		Expect(topo.Build()).To(BeEmpty())

		disp := &recordingDispatcher{}
		d := ingress.New(log, topo, disp)

		Expect(d.Ingest(context.Background(), "u1", "Stream", [][]byte{[]byte("hello world")})).To(Succeed())

		q := qlog.QueueID{Stream: "u1", Queue: "Stream"}
		length, err := log.Len(q)
		Expect(err).NotTo(HaveOccurred())
		Expect(length).To(Equal(uint64(1)))

		Expect(disp.woken).To(ConsistOf(dispatch.Activation{Stage: "Splitter", StreamID: "u1"}))
	})

	It("is a no-op for an empty batch", func() {
		store, err := kv.Open(":memory:")
		Expect(err).NotTo(HaveOccurred())
		log := qlog.New(store, qlog.Options{})
		topo := topology.New("t1", store, log)
		topo.Register(&topology.Stage{Name: "Splitter", InputQueue: "Stream"})
		Expect(topo.Build()).To(BeEmpty())

		disp := &recordingDispatcher{}
		d := ingress.New(log, topo, disp)

		Expect(d.Ingest(context.Background(), "u1", "Stream", nil)).To(Succeed())
		Expect(disp.woken).To(BeEmpty())
	})
})

package topology_test

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/MPBAUnofficial/snowcat/kv"
	"github.com/MPBAUnofficial/snowcat/qlog"
	"github.com/MPBAUnofficial/snowcat/state"
	"github.com/MPBAUnofficial/snowcat/topology"
)

func newTopo() (*topology.Topology, kv.Store) {
	store, err := kv.Open(":memory:")
	Expect(err).NotTo(HaveOccurred())
	log := qlog.New(store, qlog.Options{})
	return topology.New("t1", store, log), store
}

var _ = Describe("Topology", func() {
	It("collects validation errors for unknown dependencies and empty names", func() {
		topo, _ := newTopo()
		topo.Register(&topology.Stage{Name: "A", Dependencies: []string{"Ghost"}})
		topo.Register(&topology.Stage{Name: ""})
		errs := topo.Build()
		Expect(errs).To(HaveLen(2))
	})

	It("rejects a dependency cycle", func() {
		topo, _ := newTopo()
		topo.Register(&topology.Stage{Name: "A", Dependencies: []string{"B"}})
		topo.Register(&topology.Stage{Name: "B", Dependencies: []string{"A"}})
		errs := topo.Build()
		Expect(errs).NotTo(BeEmpty())
	})

	It("computes roots and children for a linear pipeline", func() {
		topo, _ := newTopo()
		topo.Register(&topology.Stage{Name: "Splitter"})
		topo.Register(&topology.Stage{Name: "Counter", Dependencies: []string{"Splitter"}})
		Expect(topo.Build()).To(BeEmpty())
		Expect(topo.Roots()).To(Equal([]string{"Splitter"}))
		Expect(topo.Children("Splitter")).To(Equal([]string{"Counter"}))
	})

	Describe("initialization barrier", func() {
		It("runs Initialize exactly once across concurrent callers", func() {
			topo, _ := newTopo()
			var calls int32
			topo.Register(&topology.Stage{
				Name: "Root",
				Initialize: func(ctx context.Context, streamID string) error {
					atomic.AddInt32(&calls, 1)
					time.Sleep(5 * time.Millisecond)
					return nil
				},
			})
			Expect(topo.Build()).To(BeEmpty())

			const n = 8
			var wg sync.WaitGroup
			wg.Add(n)
			for i := 0; i < n; i++ {
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					Expect(topo.InitializeIfNeeded(context.Background(), "u1")).To(Succeed())
				}()
			}
			wg.Wait()
			Expect(atomic.LoadInt32(&calls)).To(Equal(int32(1)))
		})
	})

	Describe("finalization closure (S6)", func() {
		It("finalizes once both stages in {X -> Y} have flagged finished", func() {
			topo, store := newTopo()
			topo.Register(&topology.Stage{Name: "X"})
			topo.Register(&topology.Stage{Name: "Y", Dependencies: []string{"X"}})
			Expect(topo.Build()).To(BeEmpty())

			Expect(topo.FlagFinished(context.Background(), "u1", "X")).To(Succeed())
			Expect(topo.FlagFinished(context.Background(), "u1", "Y")).To(Succeed())

			bag := state.NewBag(store, "u1")
			exists, err := bag.Exists("finished")
			Expect(err).NotTo(HaveOccurred())
			Expect(exists).To(BeTrue())
		})
	})
})

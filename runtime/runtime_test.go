package runtime_test

import (
	"context"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/MPBAUnofficial/snowcat/kv"
	"github.com/MPBAUnofficial/snowcat/qlog"
	"github.com/MPBAUnofficial/snowcat/runtime"
	"github.com/MPBAUnofficial/snowcat/state"
	"github.com/MPBAUnofficial/snowcat/topology"
)

var _ = Describe("Runtime wiring", func() {
	It("builds and drives a full pipeline end to end", func() {
		cfg := runtime.DefaultConfig()
		cfg.BackendDSN = ":memory:"
		cfg.ReArmDelay = 0

		var processed []string
		rt, err := runtime.New(cfg, func(store kv.Store, log *qlog.Log) *topology.Topology {
			topo := topology.New("t1", store, log)
			topo.Register(&topology.Stage{
				Name:       "Counter",
				InputQueue: "Words",
				Process: func(ctx context.Context, streamID string, item []byte, cur *state.Cursor) error {
					processed = append(processed, string(item))
					return nil
				},
			})
			Expect(topo.Build()).To(BeEmpty())
			return topo
		})
		Expect(err).NotTo(HaveOccurred())
		defer rt.Stop(context.Background())

		Expect(rt.Ingress.Ingest(context.Background(), "u1", "Words", [][]byte{[]byte("a"), []byte("b")})).To(Succeed())
		Expect(rt.Runner.Activate(context.Background(), "Counter", "u1")).To(Succeed())

		Expect(processed).To(Equal([]string{"a", "b"}))
	})
})

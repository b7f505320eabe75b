package dispatch_test

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/MPBAUnofficial/snowcat/dispatch"
)

var _ = Describe("InProcess dispatcher", func() {
	It("invokes activate for a scheduled activation", func() {
		var got atomic.Value
		var wg sync.WaitGroup
		wg.Add(1)
		d := dispatch.NewInProcess(2, func(ctx context.Context, a dispatch.Activation) error {
			got.Store(a)
			wg.Done()
			return nil
		}, nil, nil)
		defer d.Close()

		d.Schedule(dispatch.Activation{Stage: "Splitter", StreamID: "u1"})
		wg.Wait()
		Expect(got.Load()).To(Equal(dispatch.Activation{Stage: "Splitter", StreamID: "u1"}))
	})

	It("skips RunIfNotRunning when the lease is held", func() {
		var calls int32
		d := dispatch.NewInProcess(2, func(ctx context.Context, a dispatch.Activation) error {
			atomic.AddInt32(&calls, 1)
			return nil
		}, func(key string) (bool, error) {
			return true, nil
		}, func(a dispatch.Activation) string {
			return a.Stage + ":" + a.StreamID + ":lock"
		})
		defer d.Close()

		d.RunIfNotRunning(dispatch.Activation{Stage: "Counter", StreamID: "u1"})
		Consistently(func() int32 { return atomic.LoadInt32(&calls) }, "100ms", "10ms").Should(Equal(int32(0)))
	})

	It("runs RunIfNotRunning when the lease is free", func() {
		var wg sync.WaitGroup
		wg.Add(1)
		d := dispatch.NewInProcess(2, func(ctx context.Context, a dispatch.Activation) error {
			wg.Done()
			return nil
		}, func(key string) (bool, error) {
			return false, nil
		}, func(a dispatch.Activation) string {
			return a.Stage
		})
		defer d.Close()

		d.RunIfNotRunning(dispatch.Activation{Stage: "Counter", StreamID: "u1"})
		wg.Wait()
	})

	It("fires ScheduleAfter once the delay elapses", func() {
		var fired atomic.Bool
		d := dispatch.NewInProcess(1, func(ctx context.Context, a dispatch.Activation) error {
			fired.Store(true)
			return nil
		}, nil, nil)
		defer d.Close()

		d.ScheduleAfter(dispatch.Activation{Stage: "Counter", StreamID: "u1"}, 20*time.Millisecond)
		Consistently(func() bool { return fired.Load() }, "10ms", "5ms").Should(BeFalse())
		Eventually(func() bool { return fired.Load() }, "200ms", "10ms").Should(BeTrue())
	})
})

package lease_test

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/MPBAUnofficial/snowcat/kv"
	"github.com/MPBAUnofficial/snowcat/lease"
)

var _ = Describe("Manager", func() {
	var (
		store kv.Store
		mgr   *lease.Manager
		key   string
	)

	BeforeEach(func() {
		var err error
		store, err = kv.Open(":memory:")
		Expect(err).NotTo(HaveOccurred())
		mgr = lease.NewManager(store)
		key = lease.Key("Splitter", "u1")
	})

	It("grants the lease to exactly one of two concurrent acquirers (S4)", func() {
		const n = 10
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			granted int
		)
		wg.Add(n)
		for i := 0; i < n; i++ {
			go func() {
				defer wg.Done()
				h, err := mgr.TryAcquire(key, 10*time.Second)
				Expect(err).NotTo(HaveOccurred())
				if h != nil {
					mu.Lock()
					granted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		Expect(granted).To(Equal(1))
	})

	It("allows a third activation once the holder releases (S4)", func() {
		h1, err := mgr.TryAcquire(key, 10*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(h1).NotTo(BeNil())

		h2, err := mgr.TryAcquire(key, 10*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(h2).To(BeNil())

		Expect(mgr.Release(h1)).To(Succeed())

		h3, err := mgr.TryAcquire(key, 10*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(h3).NotTo(BeNil())
	})

	It("never releases a lease re-acquired by someone else after expiry", func() {
		h1, err := mgr.TryAcquire(key, 20*time.Millisecond)
		Expect(err).NotTo(HaveOccurred())
		Expect(h1).NotTo(BeNil())

		Eventually(func() (*lease.Handle, error) {
			return mgr.TryAcquire(key, time.Hour)
		}, time.Second, 5*time.Millisecond).ShouldNot(BeNil())

		// h1's stale release must not evict the new holder.
		Expect(mgr.Release(h1)).To(Succeed())

		held, err := mgr.IsHeld(key)
		Expect(err).NotTo(HaveOccurred())
		Expect(held).To(BeTrue())
	})

	It("treats Release as idempotent", func() {
		h, err := mgr.TryAcquire(key, time.Hour)
		Expect(err).NotTo(HaveOccurred())
		Expect(mgr.Release(h)).To(Succeed())
		Expect(mgr.Release(h)).To(Succeed())
	})
})

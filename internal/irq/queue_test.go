package irq

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("requestQueue", func() {
	var q *requestQueue

	BeforeEach(func() {
		q = newRequestQueue()
	})

	It("should drain requests in order", func() {
		Expect(q.Enqueue(request{op: opRegister, addr: 1})).To(BeTrue())
		Expect(q.Enqueue(request{op: opUnregister, addr: 2})).To(BeTrue())
		Expect(q.Len()).To(Equal(2))

		got := q.Drain()
		Expect(got).To(HaveLen(2))
		Expect(got[0].addr).To(Equal(uint32(1)))
		Expect(got[1].op).To(Equal(opUnregister))
		Expect(q.Drain()).To(BeNil())
	})

	It("should coalesce wakeups", func() {
		q.Enqueue(request{op: opRegister})
		q.Enqueue(request{op: opRegister})

		Eventually(q.Wait()).Should(Receive())
		Consistently(q.Wait()).ShouldNot(Receive())
	})

	It("should refuse requests after Close", func() {
		q.Close()
		q.Close()
		Expect(q.Closed()).To(BeTrue())
		Expect(q.Enqueue(request{op: opRegister})).To(BeFalse())
		Eventually(q.Wait()).Should(BeClosed())
	})
})

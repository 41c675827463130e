package irq

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/slaclab/cpsw-tpg/internal/engine"
	"github.com/slaclab/cpsw-tpg/internal/ir"
	"github.com/slaclab/cpsw-tpg/internal/regmap"
)

// fifoStatus reports the checkpoint bit while the sequence FIFO holds
// entries, the way the firmware does.
type fifoStatus struct {
	*regmap.Memory
}

func (f fifoStatus) Read(name string, index int) (uint64, error) {
	v, err := f.Memory.Read(name, index)
	if err == nil && name == regmap.IrqStatus && f.Pending(regmap.SeqFifo) > 0 {
		v |= 1 << BitCheckpoint
	}
	return v, err
}

func newLayoutMemory() *regmap.Memory {
	mem, err := regmap.NewLayoutMemory(regmap.Layout{AddrBits: 11, Engines: 2, BsaArrays: 4})
	Expect(err).ToNot(HaveOccurred())
	return mem
}

var _ = Describe("Dispatcher", func() {
	var (
		mockCtrl *gomock.Controller
		access   *MockAccess
		router   *MockRouter
		d        *Dispatcher
		calls    []string
	)

	record := func(label string) Handler {
		return func() { calls = append(calls, label) }
	}

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		access = NewMockAccess(mockCtrl)
		router = NewMockRouter(mockCtrl)
		d = New(access, 11, WithRouter(router))
		calls = nil
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should enable only checkpoints when idle", func() {
		access.EXPECT().Read(regmap.IrqStatus, 0).Return(uint64(0), nil).Times(2)
		access.EXPECT().Write(regmap.IrqControl, 0, uint64(1<<BitCheckpoint)).Return(nil).Times(1)

		active, err := d.PollOnce()
		Expect(err).ToNot(HaveOccurred())
		Expect(active).To(BeFalse())

		active, err = d.PollOnce()
		Expect(err).ToNot(HaveOccurred())
		Expect(active).To(BeFalse())
	})

	It("should dispatch interval before fault and acknowledge both", func() {
		_, err := d.Subscribe(KindFault, record("fault"))
		Expect(err).ToNot(HaveOccurred())
		_, err = d.Subscribe(KindInterval, record("interval"))
		Expect(err).ToNot(HaveOccurred())

		status := uint64(1<<BitInterval | 1<<BitFault)
		gomock.InOrder(
			access.EXPECT().Read(regmap.IrqStatus, 0).Return(status, nil),
			access.EXPECT().Write(regmap.IrqStatus, 0, status).Return(nil),
			access.EXPECT().Write(regmap.IrqControl, 0, uint64(0b1011)).Return(nil),
		)

		active, err := d.PollOnce()
		Expect(err).ToNot(HaveOccurred())
		Expect(active).To(BeTrue())
		Expect(calls).To(Equal([]string{"interval", "fault"}))
		Expect(d.Stats().Intervals).To(Equal(uint64(1)))
		Expect(d.Stats().Faults).To(Equal(uint64(1)))
	})

	It("should clear BSA completions and notify each completed array", func() {
		for _, a := range []int{0, 1, 2} {
			_, err := d.SubscribeBSA(a, record([]string{"bsa0", "bsa1", "bsa2"}[a]))
			Expect(err).ToNot(HaveOccurred())
		}

		gomock.InOrder(
			access.EXPECT().Read(regmap.IrqStatus, 0).Return(uint64(1<<BitBSA), nil),
			access.EXPECT().Read(regmap.BsaComplete, 0).Return(uint64(0b101), nil),
			access.EXPECT().Write(regmap.BsaComplete, 0, uint64(0b101)).Return(nil),
			access.EXPECT().Write(regmap.IrqControl, 0, uint64(1<<BitCheckpoint|1<<BitBSA)).Return(nil),
		)

		_, err := d.PollOnce()
		Expect(err).ToNot(HaveOccurred())
		Expect(calls).To(Equal([]string{"bsa0", "bsa2"}))
		Expect(d.Stats().BSA).To(Equal(uint64(2)))
	})

	It("should drain the FIFO until the checkpoint bit clears", func() {
		gomock.InOrder(
			access.EXPECT().Read(regmap.IrqStatus, 0).Return(uint64(1), nil),
			access.EXPECT().Read(regmap.SeqFifo, 0).Return(uint64(1<<11|0x20), nil),
			router.EXPECT().Route(1, uint32(0x20)).Return(true),
			access.EXPECT().Read(regmap.IrqStatus, 0).Return(uint64(1), nil),
			access.EXPECT().Read(regmap.SeqFifo, 0).Return(uint64(0x30), nil),
			router.EXPECT().Route(0, uint32(0x30)).Return(false),
			access.EXPECT().Read(regmap.IrqStatus, 0).Return(uint64(0), nil),
			access.EXPECT().Write(regmap.IrqControl, 0, uint64(1)).Return(nil),
		)

		active, err := d.PollOnce()
		Expect(err).ToNot(HaveOccurred())
		Expect(active).To(BeTrue())
		Expect(d.Stats().Checkpoints).To(Equal(uint64(2)))
		Expect(d.Stats().Unhandled).To(Equal(uint64(1)))
	})

	It("should record every checkpoint with a logical sequence number", func() {
		rec := NewMockEventRecorder(mockCtrl)
		d = New(access, 11, WithRouter(router), WithEventRecorder(rec, engine.NewClockAt(41)))

		var got ir.CheckpointEvent
		gomock.InOrder(
			access.EXPECT().Read(regmap.IrqStatus, 0).Return(uint64(1), nil),
			access.EXPECT().Read(regmap.SeqFifo, 0).Return(uint64(1<<11|0x7), nil),
			router.EXPECT().Route(1, uint32(0x7)).Return(true),
			rec.EXPECT().RecordCheckpoint(gomock.Any()).DoAndReturn(func(ev ir.CheckpointEvent) error {
				got = ev
				return nil
			}),
			access.EXPECT().Read(regmap.IrqStatus, 0).Return(uint64(0), nil),
			access.EXPECT().Write(regmap.IrqControl, 0, uint64(1)).Return(nil),
		)

		_, err := d.PollOnce()
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(Equal(ir.CheckpointEvent{Seq: 42, Engine: 1, Address: 0x7, Handled: true}))
	})

	It("should fail the pass when the status register cannot be read", func() {
		access.EXPECT().Read(regmap.IrqStatus, 0).Return(uint64(0), errors.New("bus error"))

		_, err := d.PollOnce()
		Expect(err).To(MatchError(ContainSubstring("read irq status: bus error")))
	})

	It("should drop a kind from the enable mask once its last handler is cancelled", func() {
		sub, err := d.Subscribe(KindInterval, record("interval"))
		Expect(err).ToNot(HaveOccurred())
		Expect(sub.Kind()).To(Equal(KindInterval))
		Expect(sub.ID()).ToNot(BeEmpty())

		gomock.InOrder(
			access.EXPECT().Read(regmap.IrqStatus, 0).Return(uint64(0), nil),
			access.EXPECT().Write(regmap.IrqControl, 0, uint64(0b11)).Return(nil),
			access.EXPECT().Read(regmap.IrqStatus, 0).Return(uint64(0), nil),
			access.EXPECT().Write(regmap.IrqControl, 0, uint64(0b01)).Return(nil),
		)

		_, err = d.PollOnce()
		Expect(err).ToNot(HaveOccurred())

		sub.Cancel()
		sub.Cancel()
		_, err = d.PollOnce()
		Expect(err).ToNot(HaveOccurred())
		Expect(d.Enable()).To(Equal(uint64(1)))
	})

	It("should reject invalid subscriptions", func() {
		_, err := d.Subscribe(KindBSA, func() {})
		Expect(err).To(HaveOccurred())

		_, err = d.SubscribeBSA(64, func() {})
		Expect(err).To(HaveOccurred())

		_, err = d.Subscribe(KindInterval, nil)
		Expect(err).To(HaveOccurred())

		d.Stop()
		_, err = d.Subscribe(KindInterval, func() {})
		Expect(err).To(MatchError(ContainSubstring("dispatcher stopped")))
	})
})

var _ = Describe("Dispatcher checkpoint table", func() {
	var (
		mem *regmap.Memory
		d   *Dispatcher
	)

	BeforeEach(func() {
		mem = newLayoutMemory()
		d = New(fifoStatus{mem}, 11, WithBackoff(time.Millisecond))
	})

	It("should apply registrations at the next pass", func() {
		var hits atomic.Int32
		d.Register(1, 0x40, func() { hits.Add(1) })
		Expect(d.Dispatch(1, 0x40)).To(BeFalse())

		Expect(mem.Push(regmap.SeqFifo, 1<<11|0x40)).To(Succeed())
		active, err := d.PollOnce()
		Expect(err).ToNot(HaveOccurred())
		Expect(active).To(BeTrue())
		Expect(hits.Load()).To(Equal(int32(1)))
		Expect(mem.Pending(regmap.SeqFifo)).To(BeZero())

		d.Unregister(1, 0x40)
		_, err = d.PollOnce()
		Expect(err).ToNot(HaveOccurred())
		Expect(d.Dispatch(1, 0x40)).To(BeFalse())
	})

	It("should report a registered nil callback as handled", func() {
		d.Register(0, 0x10, nil)
		_, err := d.PollOnce()
		Expect(err).ToNot(HaveOccurred())
		Expect(d.Dispatch(0, 0x10)).To(BeTrue())
	})

	It("should leave entries beyond the drain limit for the next pass", func() {
		d = New(fifoStatus{mem}, 11, WithMaxDrain(2))
		for i := 0; i < 3; i++ {
			Expect(mem.Push(regmap.SeqFifo, uint64(0x10+i))).To(Succeed())
		}

		_, err := d.PollOnce()
		Expect(err).ToNot(HaveOccurred())
		Expect(mem.Pending(regmap.SeqFifo)).To(Equal(1))
		Expect(d.Stats().Unhandled).To(Equal(uint64(2)))

		_, err = d.PollOnce()
		Expect(err).ToNot(HaveOccurred())
		Expect(mem.Pending(regmap.SeqFifo)).To(BeZero())
	})

	It("should leave the BSA bit for the firmware and clear interval", func() {
		Expect(mem.Set(regmap.IrqStatus, 0, 1<<BitInterval|1<<BitBSA)).To(Succeed())
		Expect(mem.Set(regmap.BsaComplete, 0, 0b1000)).To(Succeed())

		_, err := d.PollOnce()
		Expect(err).ToNot(HaveOccurred())

		status, err := mem.Read(regmap.IrqStatus, 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(status).To(Equal(uint64(1 << BitBSA)))

		cmpl, err := mem.Read(regmap.BsaComplete, 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(cmpl).To(BeZero())
	})

	Context("when running", func() {
		It("should disable interrupts on start and stop on cancel", func() {
			Expect(mem.Set(regmap.IrqControl, 0, 0xf)).To(Succeed())
			ctx, cancel := context.WithCancel(context.Background())

			done := make(chan error, 1)
			go func() { done <- d.Run(ctx) }()

			Eventually(func() (uint64, error) {
				return mem.Read(regmap.IrqControl, 0)
			}).Should(Equal(uint64(1 << BitCheckpoint)))

			cancel()
			Eventually(done).Should(Receive(MatchError(context.Canceled)))
		})

		It("should deliver checkpoints and return nil after Stop", func() {
			var hits atomic.Int32
			d.Register(0, 0x10, func() { hits.Add(1) })

			done := make(chan error, 1)
			go func() { done <- d.Run(context.Background()) }()

			// Two passes guarantee the registration was applied.
			start := d.Stats().Passes
			Eventually(func() uint64 { return d.Stats().Passes }).Should(BeNumerically(">=", start+2))

			Expect(mem.Push(regmap.SeqFifo, 0x10)).To(Succeed())
			Eventually(hits.Load).Should(Equal(int32(1)))

			d.Stop()
			Eventually(done).Should(Receive(BeNil()))
		})
	})
})

package processor_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go-driftmark/pkg/dcb"
	"go-driftmark/pkg/outbox"
	"go-driftmark/pkg/processor"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"
)

// capturePublisher records delivered batches and can fail on demand.
type capturePublisher struct {
	mu        sync.Mutex
	delivered []dcb.Event
	failNext  int
}

func (p *capturePublisher) publish(ctx context.Context, topic string, events []dcb.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext > 0 {
		p.failNext--
		return fmt.Errorf("sink unavailable")
	}
	p.delivered = append(p.delivered, events...)
	return nil
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.delivered)
}

var _ = Describe("Processor", func() {
	var (
		ctx      context.Context
		progress *processor.ProgressStore
		pub      *capturePublisher
		runner   *processor.Runner
	)

	appendPayment := func(op string) {
		_, err := store.Append(ctx, dcb.NewEventBatch(
			dcb.NewInputEvent("PaymentMade",
				dcb.NewTags("wallet_id", "w-1", "op", op),
				[]byte(`{"amount":1}`)),
		))
		Expect(err).NotTo(HaveOccurred())
	}

	newRunner := func(cfg processor.Config) *processor.Runner {
		topics := map[string]outbox.TopicConfig{
			"payments": {
				RequiredTags: []string{"wallet_id"},
				Publishers:   []string{"capture"},
			},
		}
		runners, err := outbox.NewRunners(store, progress, topics,
			map[string]outbox.PublishFunc{"capture": pub.publish}, cfg, zerolog.Nop())
		Expect(err).NotTo(HaveOccurred())
		Expect(runners).To(HaveLen(1))
		return runners[0]
	}

	BeforeEach(func() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		DeferCleanup(cancel)
		Expect(truncateAll(ctx, pool)).To(Succeed())

		progress = processor.NewProgressStore(pool, processor.OutboxProgressTable)
		pub = &capturePublisher{}
		runner = newRunner(processor.DefaultConfig())
		Expect(progress.AutoRegister(ctx, runner.ID(), "instance-test")).To(Succeed())
	})

	It("delivers committed events in order and advances progress", func() {
		appendPayment("op-1")
		appendPayment("op-2")

		n, err := runner.RunCycle(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(2))
		Expect(pub.count()).To(Equal(2))
		Expect(pub.delivered[0].Position).To(BeNumerically("<", pub.delivered[1].Position))

		last, err := progress.GetLastPosition(ctx, runner.ID())
		Expect(err).NotTo(HaveOccurred())
		Expect(last).To(Equal(pub.delivered[1].Position))

		// Nothing new: an empty cycle delivers nothing and keeps progress.
		n, err = runner.RunCycle(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(BeZero())
		Expect(pub.count()).To(Equal(2))
	})

	It("redelivers the batch after a failed cycle", func() {
		appendPayment("op-1")
		pub.failNext = 1

		_, err := runner.RunCycle(ctx)
		Expect(err).To(HaveOccurred())

		// Progress did not advance, the error was counted.
		row, err := progress.Get(ctx, runner.ID())
		Expect(err).NotTo(HaveOccurred())
		Expect(row.LastPosition).To(BeZero())
		Expect(row.ErrorCount).To(Equal(1))

		n, err := runner.RunCycle(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(1))
		Expect(pub.count()).To(Equal(1))

		row, err = progress.Get(ctx, runner.ID())
		Expect(err).NotTo(HaveOccurred())
		Expect(row.ErrorCount).To(BeZero())
	})

	It("resumes from the stored position after a restart", func() {
		appendPayment("op-1")
		_, err := runner.RunCycle(ctx)
		Expect(err).NotTo(HaveOccurred())

		// A fresh runner (new process) picks up where the row left off.
		restarted := newRunner(processor.DefaultConfig())
		appendPayment("op-2")

		n, err := restarted.RunCycle(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(1))
		Expect(pub.count()).To(Equal(2))
	})

	It("promotes the processor to failed after max errors and short-circuits", func() {
		cfg := processor.DefaultConfig()
		cfg.MaxErrors = 2
		failing := newRunner(cfg)

		appendPayment("op-1")
		pub.failNext = 2
		for i := 0; i < 2; i++ {
			_, err := failing.RunCycle(ctx)
			Expect(err).To(HaveOccurred())
		}

		status, err := progress.GetStatus(ctx, failing.ID())
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal(processor.StatusFailed))

		// Failed processors skip work entirely.
		n, err := failing.RunCycle(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(BeZero())
		Expect(pub.count()).To(BeZero())

		// Reset reactivates and the next cycle delivers.
		Expect(failing.Reset(ctx)).To(Succeed())
		n, err = failing.RunCycle(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(1))
	})

	It("pauses and resumes", func() {
		appendPayment("op-1")
		Expect(runner.Pause(ctx)).To(Succeed())

		n, err := runner.RunCycle(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(BeZero())

		Expect(runner.Resume(ctx)).To(Succeed())
		n, err = runner.RunCycle(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(1))
	})

	It("tracks backoff across empty cycles and resets on delivery", func() {
		cfg := processor.DefaultConfig()
		cfg.Backoff = processor.BackoffConfig{
			Enabled:     true,
			Threshold:   3,
			Multiplier:  2,
			MaxInterval: 60 * time.Second,
		}
		backed := newRunner(cfg)

		for i := 0; i < 3; i++ {
			n, err := backed.RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())
		}
		Expect(backed.BackoffState().SkipRemaining).To(Equal(2))
		Expect(backed.ShouldSkipTick()).To(BeTrue())
		Expect(backed.ShouldSkipTick()).To(BeTrue())
		Expect(backed.ShouldSkipTick()).To(BeFalse())

		appendPayment("op-1")
		n, err := backed.RunCycle(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(1))
		Expect(backed.BackoffState().SkipTicks).To(BeZero())
		Expect(backed.ShouldSkipTick()).To(BeFalse())
	})

	It("reports lag against the head of the log", func() {
		appendPayment("op-1")
		appendPayment("op-2")

		lag, err := runner.Lag(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(lag).To(Equal(int64(2)))

		_, err = runner.RunCycle(ctx)
		Expect(err).NotTo(HaveOccurred())

		lag, err = runner.Lag(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(lag).To(BeZero())
	})

	It("keeps progress monotone under stale updates", func() {
		Expect(progress.UpdateProgress(ctx, runner.ID(), 10)).To(Succeed())
		Expect(progress.UpdateProgress(ctx, runner.ID(), 4)).To(Succeed())

		last, err := progress.GetLastPosition(ctx, runner.ID())
		Expect(err).NotTo(HaveOccurred())
		Expect(last).To(Equal(int64(10)))
	})
})

package processor_test

import (
	"context"
	"fmt"
	"time"

	"go-driftmark/pkg/dcb"
	"go-driftmark/pkg/processor"
	"go-driftmark/pkg/views"

	"github.com/jackc/pgx/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"
)

var _ = Describe("View adapter", func() {
	var (
		ctx      context.Context
		progress *processor.ProgressStore
	)

	BeforeEach(func() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		DeferCleanup(cancel)
		Expect(truncateAll(ctx, pool)).To(Succeed())

		progress = processor.NewProgressStore(pool, processor.ViewProgressTable)
		_, err := pool.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS wallet_balances (
				wallet_id TEXT PRIMARY KEY,
				deposits  BIGINT NOT NULL DEFAULT 0
			)`)
		Expect(err).NotTo(HaveOccurred())
		_, err = pool.Exec(ctx, "TRUNCATE TABLE wallet_balances")
		Expect(err).NotTo(HaveOccurred())
	})

	newViewRunner := func(failing *bool) *processor.Runner {
		subs := []views.Subscription{{
			ViewName:     "wallet_balances",
			EventTypes:   []string{"FundsDeposited"},
			RequiredTags: []string{"wallet_id"},
		}}
		projector := views.ProjectorFunc(func(ctx context.Context, tx pgx.Tx, event dcb.Event) error {
			if failing != nil && *failing {
				return fmt.Errorf("projection failed")
			}
			var walletID string
			for _, t := range event.Tags {
				if t.Key == "wallet_id" {
					walletID = t.Value
				}
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO wallet_balances (wallet_id, deposits) VALUES ($1, 1)
				ON CONFLICT (wallet_id) DO UPDATE SET deposits = wallet_balances.deposits + 1
			`, walletID)
			return err
		})
		runners, err := views.NewRunners(store, pool, progress, subs,
			map[string]views.Projector{"wallet_balances": projector},
			processor.DefaultConfig(), zerolog.Nop())
		Expect(err).NotTo(HaveOccurred())
		Expect(runners).To(HaveLen(1))
		Expect(progress.AutoRegister(ctx, runners[0].ID(), "instance-test")).To(Succeed())
		return runners[0]
	}

	deposit := func(walletID string) {
		_, err := store.Append(ctx, dcb.NewEventBatch(
			dcb.NewInputEvent("FundsDeposited", dcb.NewTags("wallet_id", walletID), []byte(`{"amount":1}`)),
		))
		Expect(err).NotTo(HaveOccurred())
	}

	deposits := func(walletID string) int {
		var n int
		err := pool.QueryRow(ctx,
			"SELECT deposits FROM wallet_balances WHERE wallet_id = $1", walletID).Scan(&n)
		if err == pgx.ErrNoRows {
			return 0
		}
		Expect(err).NotTo(HaveOccurred())
		return n
	}

	It("applies events and advances progress in one transaction", func() {
		runner := newViewRunner(nil)
		deposit("w-1")
		deposit("w-1")
		deposit("w-2")

		n, err := runner.RunCycle(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(3))
		Expect(deposits("w-1")).To(Equal(2))
		Expect(deposits("w-2")).To(Equal(1))

		last, err := progress.GetLastPosition(ctx, "wallet_balances")
		Expect(err).NotTo(HaveOccurred())
		Expect(last).To(Equal(int64(3)))
	})

	It("rolls back view updates together with progress on failure", func() {
		failing := true
		runner := newViewRunner(&failing)
		deposit("w-3")

		_, err := runner.RunCycle(ctx)
		Expect(err).To(HaveOccurred())
		Expect(deposits("w-3")).To(BeZero())

		last, err := progress.GetLastPosition(ctx, "wallet_balances")
		Expect(err).NotTo(HaveOccurred())
		Expect(last).To(BeZero())

		// The retry applies the same batch exactly once.
		failing = false
		n, err := runner.RunCycle(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(1))
		Expect(deposits("w-3")).To(Equal(1))
	})

	It("ignores events outside the subscription", func() {
		runner := newViewRunner(nil)
		deposit("w-4")
		_, err := store.Append(ctx, dcb.NewEventBatch(
			dcb.NewInputEvent("FundsWithdrawn", dcb.NewTags("wallet_id", "w-4"), []byte(`{"amount":1}`)),
		))
		Expect(err).NotTo(HaveOccurred())

		n, err := runner.RunCycle(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(1))
		Expect(deposits("w-4")).To(Equal(1))
	})

	Describe("recorder projector", func() {
		BeforeEach(func() {
			_, err := pool.Exec(ctx, `
				CREATE TABLE IF NOT EXISTS deposits_mirror (
					position       BIGINT PRIMARY KEY,
					transaction_id XID8 NOT NULL,
					type           TEXT NOT NULL,
					tags           TEXT[] NOT NULL,
					data           BYTEA,
					occurred_at    TIMESTAMPTZ NOT NULL
				)`)
			Expect(err).NotTo(HaveOccurred())
			_, err = pool.Exec(ctx, "TRUNCATE TABLE deposits_mirror")
			Expect(err).NotTo(HaveOccurred())
		})

		newRecorderRunner := func() *processor.Runner {
			subs := []views.Subscription{{
				ViewName:      "deposits_mirror",
				EventTypes:    []string{"FundsDeposited"},
				RecorderTable: "deposits_mirror",
			}}
			recorder, err := views.NewRecorderProjector("deposits_mirror")
			Expect(err).NotTo(HaveOccurred())
			runners, err := views.NewRunners(store, pool, progress, subs,
				map[string]views.Projector{"deposits_mirror": recorder},
				processor.DefaultConfig(), zerolog.Nop())
			Expect(err).NotTo(HaveOccurred())
			Expect(runners).To(HaveLen(1))
			Expect(progress.AutoRegister(ctx, runners[0].ID(), "instance-test")).To(Succeed())
			return runners[0]
		}

		mirrored := func() int {
			var n int
			Expect(pool.QueryRow(ctx, "SELECT count(*) FROM deposits_mirror").Scan(&n)).To(Succeed())
			return n
		}

		It("mirrors subscribed events into the table", func() {
			runner := newRecorderRunner()
			deposit("w-5")
			deposit("w-6")

			n, err := runner.RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(2))
			Expect(mirrored()).To(Equal(2))

			var eventType string
			var tags []string
			err = pool.QueryRow(ctx,
				"SELECT type, tags FROM deposits_mirror ORDER BY position LIMIT 1").Scan(&eventType, &tags)
			Expect(err).NotTo(HaveOccurred())
			Expect(eventType).To(Equal("FundsDeposited"))
			Expect(tags).To(ContainElement("wallet_id=w-5"))
		})

		It("tolerates redelivery of an already recorded batch", func() {
			runner := newRecorderRunner()
			deposit("w-7")

			_, err := runner.RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())

			// Simulate a crash before the progress advance committed.
			_, err = pool.Exec(ctx,
				"UPDATE view_progress SET last_position = 0 WHERE processor_id = $1", runner.ID())
			Expect(err).NotTo(HaveOccurred())

			n, err := runner.RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
			Expect(mirrored()).To(Equal(1))
		})
	})
})

package dcb_test

import (
	"context"
	"encoding/json"
	"time"

	"go-driftmark/pkg/dcb"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Projection", func() {
	var ctx context.Context

	BeforeEach(func() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		DeferCleanup(cancel)
		Expect(truncateEventsTable(ctx, pool)).To(Succeed())
	})

	balanceProjector := func(walletID string) dcb.Projector {
		return dcb.Projector{
			ID:           "balance",
			EventTypes:   []string{"FundsDeposited", "FundsWithdrawn"},
			Tags:         dcb.NewTags("wallet_id", walletID),
			InitialState: 0,
			Transition: func(state any, event dcb.Event) any {
				var payload struct {
					Amount int `json:"amount"`
				}
				Expect(json.Unmarshal(event.Data, &payload)).To(Succeed())
				if event.Type == "FundsWithdrawn" {
					return state.(int) - payload.Amount
				}
				return state.(int) + payload.Amount
			},
		}
	}

	It("folds matching events in commit order", func() {
		for _, e := range []struct {
			typ    string
			amount int
		}{
			{"FundsDeposited", 100},
			{"FundsWithdrawn", 30},
			{"FundsDeposited", 5},
		} {
			_, err := store.Append(ctx, dcb.NewEventBatch(
				dcb.NewInputEvent(e.typ, dcb.NewTags("wallet_id", "w-1"), toJSON(map[string]int{"amount": e.amount})),
			))
			Expect(err).NotTo(HaveOccurred())
		}
		// Noise the projector must not see.
		_, err := store.Append(ctx, dcb.NewEventBatch(
			dcb.NewInputEvent("FundsDeposited", dcb.NewTags("wallet_id", "other"), toJSON(map[string]int{"amount": 999})),
		))
		Expect(err).NotTo(HaveOccurred())

		states, cursor, err := store.Project(ctx, []dcb.Projector{balanceProjector("w-1")}, dcb.Cursor{})
		Expect(err).NotTo(HaveOccurred())
		Expect(states["balance"]).To(Equal(75))
		Expect(cursor.Position).To(BeNumerically(">", 0))
	})

	It("returns initial states and the input cursor on an empty log", func() {
		after := dcb.Cursor{}
		states, cursor, err := store.Project(ctx, []dcb.Projector{balanceProjector("w-none")}, after)
		Expect(err).NotTo(HaveOccurred())
		Expect(states["balance"]).To(Equal(0))
		Expect(cursor).To(Equal(after))
	})

	It("pages through logs larger than the fetch size", func() {
		small := dcb.NewEventStoreFromPool(pool, dcb.WithConfig(dcb.EventStoreConfig{FetchSize: 3}))
		for i := 0; i < 10; i++ {
			_, err := small.Append(ctx, dcb.NewEventBatch(
				dcb.NewInputEvent("FundsDeposited", dcb.NewTags("wallet_id", "w-2"), toJSON(map[string]int{"amount": 1})),
			))
			Expect(err).NotTo(HaveOccurred())
		}

		states, _, err := small.Project(ctx, []dcb.Projector{balanceProjector("w-2")}, dcb.Cursor{})
		Expect(err).NotTo(HaveOccurred())
		Expect(states["balance"]).To(Equal(10))
	})

	It("dispatches each event to the first accepting projector only", func() {
		_, err := store.Append(ctx, dcb.NewEventBatch(
			dcb.NewInputEvent("FundsDeposited", dcb.NewTags("wallet_id", "w-3"), toJSON(map[string]int{"amount": 7})),
		))
		Expect(err).NotTo(HaveOccurred())

		count := func(id string) dcb.Projector {
			return dcb.Projector{
				ID:           id,
				EventTypes:   []string{"FundsDeposited"},
				Tags:         dcb.NewTags("wallet_id", "w-3"),
				InitialState: 0,
				Transition: func(state any, event dcb.Event) any {
					return state.(int) + 1
				},
			}
		}
		states, _, err := store.Project(ctx, []dcb.Projector{count("first"), count("second")}, dcb.Cursor{})
		Expect(err).NotTo(HaveOccurred())
		Expect(states["first"]).To(Equal(1))
		Expect(states["second"]).To(Equal(0))
	})

	It("derives an append condition covering the union of filters", func() {
		_, err := store.Append(ctx, dcb.NewEventBatch(
			dcb.NewInputEvent("FundsDeposited", dcb.NewTags("wallet_id", "w-4"), toJSON(map[string]int{"amount": 1})),
		))
		Expect(err).NotTo(HaveOccurred())

		states, condition, err := store.ProjectDecisionModel(ctx, []dcb.Projector{balanceProjector("w-4")}, dcb.Cursor{})
		Expect(err).NotTo(HaveOccurred())
		Expect(states["balance"]).To(Equal(1))
		Expect(condition.FailIfEventsMatch.Items).To(HaveLen(1))
		Expect(condition.AfterCursor.Position).To(BeNumerically(">", 0))

		// No conflicting writes since the projection: the append commits.
		outcome, err := store.AppendIf(ctx, dcb.NewEventBatch(
			dcb.NewInputEvent("FundsWithdrawn", dcb.NewTags("wallet_id", "w-4"), toJSON(map[string]int{"amount": 1})),
		), condition)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome.Kind).To(Equal(dcb.OutcomeAppended))
	})

	It("rejects empty and duplicate projector declarations", func() {
		_, _, err := store.Project(ctx, nil, dcb.Cursor{})
		Expect(dcb.IsValidationError(err)).To(BeTrue())

		p := balanceProjector("w-5")
		_, _, err = store.Project(ctx, []dcb.Projector{p, p}, dcb.Cursor{})
		Expect(dcb.IsValidationError(err)).To(BeTrue())
	})
})

package dcb_test

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go-driftmark/pkg/dcb"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type paymentCommand struct {
	WalletID string `json:"wallet_id"`
	OpID     string `json:"op_id"`
	Amount   int    `json:"amount"`
}

// payHandler projects the wallet and appends a PaymentMade guarded by the
// decision-model condition plus an op-scoped idempotency query.
func payHandler(ctx context.Context, view dcb.View, command dcb.Command) (dcb.CommandResult, error) {
	var payment paymentCommand
	if err := json.Unmarshal(command.Data, &payment); err != nil {
		return dcb.CommandResult{}, err
	}

	projectors := []dcb.Projector{{
		ID:           "payments",
		EventTypes:   []string{"PaymentMade"},
		Tags:         dcb.NewTags("wallet_id", payment.WalletID),
		InitialState: 0,
		Transition: func(state any, event dcb.Event) any {
			return state.(int) + 1
		},
	}}
	_, condition, err := view.ProjectDecisionModel(ctx, projectors)
	if err != nil {
		return dcb.CommandResult{}, err
	}

	return dcb.CommandResult{
		Events: dcb.NewEventBatch(
			dcb.NewInputEvent("PaymentMade",
				dcb.NewTags("wallet_id", payment.WalletID, "op", payment.OpID),
				toJSON(map[string]int{"amount": payment.Amount})),
		),
		Condition: condition.WithIdempotency(dcb.NewQuery(dcb.NewTags("op", payment.OpID))),
	}, nil
}

// openWalletHandler creates a wallet; duplicates must be surfaced as
// conflicts, not converted to idempotent results.
func openWalletHandler(ctx context.Context, view dcb.View, command dcb.Command) (dcb.CommandResult, error) {
	var payload struct {
		WalletID string `json:"wallet_id"`
	}
	if err := json.Unmarshal(command.Data, &payload); err != nil {
		return dcb.CommandResult{}, err
	}
	return dcb.CommandResult{
		Events: dcb.NewEventBatch(
			dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", payload.WalletID), command.Data),
		),
		Condition: dcb.NewAppendCondition(dcb.Query{}).
			WithIdempotency(dcb.NewQuery(dcb.NewTags("wallet_id", payload.WalletID), "WalletOpened")),
	}, nil
}

var _ = Describe("CommandExecutor", func() {
	var (
		ctx      context.Context
		executor *dcb.CommandExecutor
	)

	BeforeEach(func() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		DeferCleanup(cancel)
		Expect(truncateEventsTable(ctx, pool)).To(Succeed())

		executor = dcb.NewCommandExecutor(store, dcb.ExecutorConfig{
			RejectOnDuplicate: []string{"open_wallet"},
		})
		Expect(executor.Register("pay", dcb.CommandHandlerFunc(payHandler))).To(Succeed())
		Expect(executor.Register("open_wallet", dcb.CommandHandlerFunc(openWalletHandler))).To(Succeed())
	})

	It("rejects duplicate handler registration", func() {
		err := executor.Register("pay", dcb.CommandHandlerFunc(payHandler))
		Expect(dcb.IsValidationError(err)).To(BeTrue())
	})

	It("fails commands without a registered handler", func() {
		_, err := executor.Execute(ctx, dcb.NewCommand("unknown", toJSON(map[string]string{}), nil))
		Expect(dcb.IsValidationError(err)).To(BeTrue())
	})

	It("creates events for a fresh command", func() {
		result, err := executor.Execute(ctx, dcb.NewCommand("pay",
			toJSON(paymentCommand{WalletID: "w-1", OpID: "pay-1", Amount: 10}), nil))
		Expect(err).NotTo(HaveOccurred())
		Expect(result.WasIdempotent()).To(BeFalse())
		Expect(result.TransactionID).To(BeNumerically(">", 0))

		events, _, err := store.Read(ctx, dcb.NewQuery(dcb.NewTags("wallet_id", "w-1")), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(1))
	})

	It("returns idempotent for a duplicate operation without new events", func() {
		command := dcb.NewCommand("pay",
			toJSON(paymentCommand{WalletID: "w-2", OpID: "pay-42", Amount: 42}), nil)

		first, err := executor.Execute(ctx, command)
		Expect(err).NotTo(HaveOccurred())
		Expect(first.WasIdempotent()).To(BeFalse())

		second, err := executor.Execute(ctx, command)
		Expect(err).NotTo(HaveOccurred())
		Expect(second.WasIdempotent()).To(BeTrue())
		Expect(second.Reason).To(Equal("duplicate_operation"))

		events, _, err := store.Read(ctx, dcb.NewQuery(dcb.NewTags("op", "pay-42")), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(1))
	})

	It("surfaces a conflict for duplicate reject-on-duplicate commands", func() {
		command := dcb.NewCommand("open_wallet", toJSON(map[string]string{"wallet_id": "w-3"}), nil)

		_, err := executor.Execute(ctx, command)
		Expect(err).NotTo(HaveOccurred())

		_, err = executor.Execute(ctx, command)
		Expect(err).To(HaveOccurred())
		Expect(dcb.IsConcurrencyError(err)).To(BeTrue())

		events, _, err := store.Read(ctx, dcb.NewQuery(dcb.NewTags("wallet_id", "w-3"), "WalletOpened"), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(1))
	})

	It("surfaces a concurrency conflict when the decision state went stale", func() {
		blocked := make(chan struct{})
		release := make(chan struct{})
		Expect(executor.Register("slow_pay", dcb.CommandHandlerFunc(
			func(ctx context.Context, view dcb.View, command dcb.Command) (dcb.CommandResult, error) {
				result, err := payHandler(ctx, view, command)
				close(blocked)
				<-release
				return result, err
			}))).To(Succeed())

		done := make(chan error, 1)
		go func() {
			defer GinkgoRecover()
			_, err := executor.Execute(ctx, dcb.NewCommand("slow_pay",
				toJSON(paymentCommand{WalletID: "w-4", OpID: "pay-a", Amount: 1}), nil))
			done <- err
		}()

		<-blocked
		// Land a conflicting event between projection and append.
		_, err := store.Append(ctx, dcb.NewEventBatch(
			dcb.NewInputEvent("PaymentMade", dcb.NewTags("wallet_id", "w-4", "op", "pay-b"), toJSON(map[string]int{"amount": 2})),
		))
		Expect(err).NotTo(HaveOccurred())
		close(release)

		err = <-done
		Expect(err).To(HaveOccurred())
		Expect(dcb.IsConcurrencyError(err)).To(BeTrue())
	})

	It("treats an empty handler batch as a precomputed idempotent result", func() {
		Expect(executor.Register("noop", dcb.CommandHandlerFunc(
			func(ctx context.Context, view dcb.View, command dcb.Command) (dcb.CommandResult, error) {
				return dcb.CommandResult{Events: []dcb.InputEvent{}, Reason: "already_applied"}, nil
			}))).To(Succeed())

		result, err := executor.Execute(ctx, dcb.NewCommand("noop", nil, nil))
		Expect(err).NotTo(HaveOccurred())
		Expect(result.WasIdempotent()).To(BeTrue())
		Expect(result.Reason).To(Equal("already_applied"))
	})

	It("rejects a handler condition with an empty idempotency query", func() {
		// An empty idempotency query would match every committed event and
		// silently turn the command into a duplicate.
		Expect(executor.Register("bad_condition", dcb.CommandHandlerFunc(
			func(ctx context.Context, view dcb.View, command dcb.Command) (dcb.CommandResult, error) {
				return dcb.CommandResult{
					Events: dcb.NewEventBatch(
						dcb.NewInputEvent("PaymentMade", dcb.NewTags("wallet_id", "w-6"), nil),
					),
					Condition: dcb.NewAppendCondition(dcb.Query{}).WithIdempotency(dcb.Query{}),
				}, nil
			}))).To(Succeed())

		_, err := store.Append(ctx, dcb.NewEventBatch(
			dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", "w-6"), nil),
		))
		Expect(err).NotTo(HaveOccurred())

		_, err = executor.Execute(ctx, dcb.NewCommand("bad_condition", nil, nil))
		Expect(err).To(HaveOccurred())
		Expect(dcb.IsValidationError(err)).To(BeTrue())

		events, _, err := store.Read(ctx, dcb.NewQuery(dcb.NewTags("wallet_id", "w-6"), "PaymentMade"), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(BeEmpty())
	})

	It("propagates handler failures and rolls the transaction back", func() {
		Expect(executor.Register("boom", dcb.CommandHandlerFunc(
			func(ctx context.Context, view dcb.View, command dcb.Command) (dcb.CommandResult, error) {
				return dcb.CommandResult{}, fmt.Errorf("business rule violated")
			}))).To(Succeed())

		_, err := executor.Execute(ctx, dcb.NewCommand("boom", nil, nil))
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("business rule violated"))

		events, _, err := store.Read(ctx, dcb.NewQueryAll(), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(BeEmpty())
	})

	Describe("command audit", func() {
		It("persists the command row when enabled", func() {
			auditStore := dcb.NewEventStoreFromPool(pool, dcb.WithConfig(dcb.EventStoreConfig{PersistCommands: true}))
			auditExecutor := dcb.NewCommandExecutor(auditStore, dcb.ExecutorConfig{})
			Expect(auditExecutor.Register("pay", dcb.CommandHandlerFunc(payHandler))).To(Succeed())

			result, err := auditExecutor.Execute(ctx, dcb.NewCommand("pay",
				toJSON(paymentCommand{WalletID: "w-5", OpID: "pay-5", Amount: 5}),
				map[string]interface{}{"source": "test"}))
			Expect(err).NotTo(HaveOccurred())

			var commandType string
			err = pool.QueryRow(ctx,
				"SELECT type FROM commands WHERE transaction_id = $1::xid8",
				fmt.Sprintf("%d", result.TransactionID)).Scan(&commandType)
			Expect(err).NotTo(HaveOccurred())
			Expect(commandType).To(Equal("pay"))
		})
	})
})

package paymentorder_test

import (
	"errors"
	"testing"
	"time"

	"gitlab.com/arcanecrypto/paykit/internal/amount"
	"gitlab.com/arcanecrypto/paykit/internal/apierr"
	"gitlab.com/arcanecrypto/paykit/internal/paymentorder"
	"gitlab.com/arcanecrypto/paykit/internal/paytestutil"
)

func mustAmount(t *testing.T, value string) amount.Amount {
	t.Helper()
	a, err := amount.New(value, "BTC", amount.Base)
	if err != nil {
		t.Fatalf("amount.New: %v", err)
	}
	return a
}

func TestNewRejectsEmptyCounterparty(t *testing.T) {
	_, err := paymentorder.New("co-1", "", "", nil, mustAmount(t, "100"), 0, time.Millisecond, time.Now(), nil)
	if !errors.Is(err, apierr.ErrCounterpartyRequired) {
		t.Fatalf("expected ErrCounterpartyRequired, got %v", err)
	}
}

func TestNewRejectsFrequencyBelowMinimum(t *testing.T) {
	_, err := paymentorder.New("co-1", "slash:xyz", "", nil, mustAmount(t, "100"), time.Microsecond, time.Millisecond, time.Now(), nil)
	if !errors.Is(err, apierr.ErrInvalidFrequency) {
		t.Fatalf("expected ErrInvalidFrequency, got %v", err)
	}
}

func TestInitOneTimeCreatesSinglePayment(t *testing.T) {
	backend := paytestutil.NewMemoryStore()
	firstAt := time.Now().Add(time.Hour)
	order, err := paymentorder.New("co-1", "slash:xyz", "memo", []string{"p2tr"}, mustAmount(t, "100"), 0, time.Millisecond, firstAt, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := order.Init(backend, 100); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if order.State != paymentorder.Initialized {
		t.Fatalf("expected state INITIALIZED, got %s", order.State)
	}
	if len(order.Payments) != 1 {
		t.Fatalf("expected 1 payment, got %d", len(order.Payments))
	}
	if !order.Payments[0].ExecuteAt.Equal(firstAt) {
		t.Fatalf("expected executeAt %v, got %v", firstAt, order.Payments[0].ExecuteAt)
	}
}

func TestInitRecurringWithLastPaymentAtComputesCount(t *testing.T) {
	backend := paytestutil.NewMemoryStore()
	firstAt := time.Now()
	lastAt := firstAt.Add(4 * time.Hour)
	order, err := paymentorder.New("co-1", "slash:xyz", "", nil, mustAmount(t, "100"), time.Hour, time.Millisecond, firstAt, &lastAt)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := order.Init(backend, 100); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if len(order.Payments) != 4 {
		t.Fatalf("expected 4 payments, got %d", len(order.Payments))
	}
}

func TestInitRecurringWithoutLastPaymentAtUsesBatchSize(t *testing.T) {
	backend := paytestutil.NewMemoryStore()
	order, err := paymentorder.New("co-1", "slash:xyz", "", nil, mustAmount(t, "100"), time.Hour, time.Millisecond, time.Now(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := order.Init(backend, 3); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if len(order.Payments) != 3 {
		t.Fatalf("expected 3 payments (batchSize), got %d", len(order.Payments))
	}
}

func TestProcessEngagesFirstDuePaymentAndMarksProcessing(t *testing.T) {
	backend := paytestutil.NewMemoryStore()
	firstAt := time.Now().Add(-time.Minute)
	order, err := paymentorder.New("co-1", "slash:xyz", "", []string{"p2tr"}, mustAmount(t, "100"), 0, time.Millisecond, firstAt, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := order.Init(backend, 100); err != nil {
		t.Fatalf("Init: %v", err)
	}

	payment, err := order.Process(backend, 100, time.Now())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if payment.State.InternalState != "IN_PROGRESS" {
		t.Fatalf("expected engaged payment to be IN_PROGRESS, got %s", payment.State.InternalState)
	}
	if order.State != paymentorder.Processing {
		t.Fatalf("expected order PROCESSING, got %s", order.State)
	}
}

func TestProcessReturnsFuturePaymentUnchanged(t *testing.T) {
	backend := paytestutil.NewMemoryStore()
	firstAt := time.Now().Add(time.Hour)
	order, err := paymentorder.New("co-1", "slash:xyz", "", []string{"p2tr"}, mustAmount(t, "100"), 0, time.Millisecond, firstAt, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := order.Init(backend, 100); err != nil {
		t.Fatalf("Init: %v", err)
	}

	payment, err := order.Process(backend, 100, time.Now())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if payment.State.InternalState != "INITIAL" {
		t.Fatalf("expected future payment to remain INITIAL, got %s", payment.State.InternalState)
	}
	if order.State != paymentorder.Initialized {
		t.Fatalf("expected order to remain INITIALIZED, got %s", order.State)
	}
}

func TestProcessIsIdempotentForInProgressPayment(t *testing.T) {
	backend := paytestutil.NewMemoryStore()
	firstAt := time.Now().Add(-time.Minute)
	order, err := paymentorder.New("co-1", "slash:xyz", "", []string{"p2tr", "p2sh"}, mustAmount(t, "100"), 0, time.Millisecond, firstAt, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := order.Init(backend, 100); err != nil {
		t.Fatalf("Init: %v", err)
	}

	first, err := order.Process(backend, 100, time.Now())
	if err != nil {
		t.Fatalf("first Process: %v", err)
	}
	second, err := order.Process(backend, 100, time.Now())
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected idempotent return of the same in-progress payment")
	}
}

func TestProcessEngagesNextPluginAfterFailureThroughOrder(t *testing.T) {
	backend := paytestutil.NewMemoryStore()
	order, err := paymentorder.New("co-1", "slash:xyz", "", []string{"p2tr", "p2sh"}, mustAmount(t, "100"), 0, time.Millisecond, time.Now(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := order.Init(backend, 100); err != nil {
		t.Fatalf("Init: %v", err)
	}

	first, err := order.Process(backend, 100, time.Now())
	if err != nil {
		t.Fatalf("first Process: %v", err)
	}
	if first.State.CurrentPlugin == nil || first.State.CurrentPlugin.Name != "p2tr" {
		t.Fatalf("expected p2tr engaged first, got %+v", first.State.CurrentPlugin)
	}

	if err := first.FailCurrentPlugin(backend); err != nil {
		t.Fatalf("FailCurrentPlugin: %v", err)
	}

	// The order-level Process call must itself advance the payment to its
	// next pending plugin, not require a separate out-of-band call to
	// payment.Process first.
	second, err := order.Process(backend, 100, time.Now())
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected the same payment to be returned, got a different one")
	}
	if second.State.CurrentPlugin == nil || second.State.CurrentPlugin.Name != "p2sh" {
		t.Fatalf("expected p2sh engaged after p2tr failed, got %+v", second.State.CurrentPlugin)
	}
}

func TestProcessFailsOrderWhenAnyPaymentFailed(t *testing.T) {
	backend := paytestutil.NewMemoryStore()
	order, err := paymentorder.New("co-1", "slash:xyz", "", []string{"p2tr"}, mustAmount(t, "100"), 0, time.Millisecond, time.Now(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := order.Init(backend, 100); err != nil {
		t.Fatalf("Init: %v", err)
	}

	p := order.Payments[0]
	if _, err := p.Process(backend); err != nil {
		t.Fatalf("engage plugin: %v", err)
	}
	if err := p.FailCurrentPlugin(backend); err != nil {
		t.Fatalf("fail current plugin: %v", err)
	}
	// no more pending plugins: the next Process call fails the payment
	if _, err := p.Process(backend); err != nil {
		t.Fatalf("process to FAILED: %v", err)
	}

	_, err = order.Process(backend, 100, time.Now())
	if !errors.Is(err, apierr.ErrCanNotProcessOrder) {
		t.Fatalf("expected CAN_NOT_PROCESS_ORDER, got %v", err)
	}
}

func TestCompleteRequiresAllPaymentsTerminal(t *testing.T) {
	backend := paytestutil.NewMemoryStore()
	order, err := paymentorder.New("co-1", "slash:xyz", "", []string{"p2tr"}, mustAmount(t, "100"), 0, time.Millisecond, time.Now(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := order.Init(backend, 100); err != nil {
		t.Fatalf("Init: %v", err)
	}

	err = order.Complete(backend)
	if !errors.Is(err, apierr.ErrOutstandingPayments) {
		t.Fatalf("expected OUTSTANDING_PAYMENTS, got %v", err)
	}

	p := order.Payments[0]
	if _, err := p.Process(backend); err != nil {
		t.Fatalf("engage: %v", err)
	}
	if err := p.Complete(backend); err != nil {
		t.Fatalf("complete payment: %v", err)
	}

	if err := order.Complete(backend); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if order.State != paymentorder.Completed {
		t.Fatalf("expected order COMPLETED, got %s", order.State)
	}
}

func TestCancelCancelsEveryNonFinalPayment(t *testing.T) {
	backend := paytestutil.NewMemoryStore()
	order, err := paymentorder.New("co-1", "slash:xyz", "", []string{"p2tr"}, mustAmount(t, "100"), time.Hour, time.Millisecond, time.Now(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := order.Init(backend, 3); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := order.Cancel(backend); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if order.State != paymentorder.Cancelled {
		t.Fatalf("expected CANCELLED, got %s", order.State)
	}
	for _, p := range order.Payments {
		if p.State.InternalState != "CANCELLED" {
			t.Fatalf("expected every payment CANCELLED, got %s", p.State.InternalState)
		}
	}
}

func TestFindReconstructsOrderAndPayments(t *testing.T) {
	backend := paytestutil.NewMemoryStore()
	order, err := paymentorder.New("co-1", "slash:xyz", "memo", []string{"p2tr"}, mustAmount(t, "100"), 0, time.Millisecond, time.Now(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := order.Init(backend, 100); err != nil {
		t.Fatalf("Init: %v", err)
	}

	found, err := paymentorder.Find(backend, order.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found.ClientOrderID != "co-1" {
		t.Fatalf("expected clientOrderId co-1, got %s", found.ClientOrderID)
	}
	if len(found.Payments) != 1 {
		t.Fatalf("expected 1 reconstructed payment, got %d", len(found.Payments))
	}
}

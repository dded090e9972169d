package paymentobject

import (
	"testing"
	"time"

	"gitlab.com/arcanecrypto/paykit/internal/amount"
	"gitlab.com/arcanecrypto/paykit/internal/apierr"
	"gitlab.com/arcanecrypto/paykit/internal/paytestutil"
	"gitlab.com/arcanecrypto/paykit/internal/platform/store"
)

func mustAmount(t *testing.T, value string) amount.Amount {
	t.Helper()
	a, err := amount.New(value, "BTC", amount.Base)
	if err != nil {
		t.Fatalf("amount.New: %v", err)
	}
	return a
}

func TestOutgoingSaveAndLoadRoundTrips(t *testing.T) {
	backend := paytestutil.NewMemoryStore()
	amt := mustAmount(t, "1000")

	o, err := NewOutgoing("pay-1", "order-1", "client-1", "https://counterparty.example", "memo", []string{"onchain", "lightning"}, amt, time.Now())
	if err != nil {
		t.Fatalf("NewOutgoing: %v", err)
	}
	if err := o.Save(backend); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadOutgoing(backend, o.ID, store.Active)
	if err != nil {
		t.Fatalf("LoadOutgoing: %v", err)
	}
	if loaded.ID != o.ID || loaded.OrderID != o.OrderID {
		t.Fatalf("expected loaded object to match saved one, got %+v", loaded)
	}
}

func TestOutgoingProcessPersistsState(t *testing.T) {
	backend := paytestutil.NewMemoryStore()
	amt := mustAmount(t, "1000")
	o, _ := NewOutgoing("pay-1", "order-1", "client-1", "https://x", "", []string{"onchain"}, amt, time.Now())
	_ = o.Save(backend)

	engaged, err := o.Process(backend)
	if err != nil || !engaged {
		t.Fatalf("Process: engaged=%v err=%v", engaged, err)
	}

	loaded, err := LoadOutgoing(backend, o.ID, store.Active)
	if err != nil {
		t.Fatalf("LoadOutgoing: %v", err)
	}
	if loaded.State.CurrentPlugin == nil || loaded.State.CurrentPlugin.Name != "onchain" {
		t.Fatalf("expected persisted state to have current plugin onchain, got %+v", loaded.State)
	}
}

func TestOutgoingFailoverThenComplete(t *testing.T) {
	backend := paytestutil.NewMemoryStore()
	amt := mustAmount(t, "1000")
	o, _ := NewOutgoing("pay-1", "order-1", "client-1", "https://x", "", []string{"onchain", "lightning"}, amt, time.Now())
	_ = o.Save(backend)

	if _, err := o.Process(backend); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if err := o.FailCurrentPlugin(backend); err != nil {
		t.Fatalf("FailCurrentPlugin: %v", err)
	}
	if err := o.TryNext(backend); err != nil {
		t.Fatalf("TryNext: %v", err)
	}
	if err := o.Complete(backend); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	loaded, err := LoadOutgoing(backend, o.ID, store.Active)
	if err != nil {
		t.Fatalf("LoadOutgoing: %v", err)
	}
	if loaded.State.CompletedByPlugin == nil || loaded.State.CompletedByPlugin.Name != "lightning" {
		t.Fatalf("expected completedByPlugin lightning, got %+v", loaded.State.CompletedByPlugin)
	}
}

func TestIncomingAllowsEmptyClientOrderID(t *testing.T) {
	// Non-personal reconciliation has no client-chosen order ID to attach;
	// rejecting an empty one belongs to the personal/invoice-backed caller
	// (Receiver.CreateInvoice), not to NewIncoming itself.
	expected := mustAmount(t, "500")
	in, err := NewIncoming("in-1", "", "", expected)
	if err != nil {
		t.Fatalf("NewIncoming: %v", err)
	}
	if in.ClientOrderID != "" {
		t.Fatalf("expected empty ClientOrderID preserved, got %q", in.ClientOrderID)
	}
}

func TestIncomingCompletesOnceExpectedAmountReached(t *testing.T) {
	backend := paytestutil.NewMemoryStore()
	expected := mustAmount(t, "1000")
	in, err := NewIncoming("in-1", "client-1", "", expected)
	if err != nil {
		t.Fatalf("NewIncoming: %v", err)
	}
	if err := in.Save(backend); err != nil {
		t.Fatalf("Save: %v", err)
	}

	half := mustAmount(t, "500")
	if err := in.RecordReceipt(backend, ReceivedAttempt{Name: "onchain", Amount: half, ReceivedAt: time.Now()}); err != nil {
		t.Fatalf("RecordReceipt: %v", err)
	}
	if in.InternalState != IncomingInProgress {
		t.Fatalf("expected still IN_PROGRESS after partial receipt, got %s", in.InternalState)
	}

	if err := in.RecordReceipt(backend, ReceivedAttempt{Name: "lightning", Amount: half, ReceivedAt: time.Now()}); err != nil {
		t.Fatalf("RecordReceipt: %v", err)
	}
	if in.InternalState != IncomingCompleted {
		t.Fatalf("expected COMPLETED after full receipt, got %s", in.InternalState)
	}
}

func TestIncomingRejectsCurrencyMismatchWithoutMutating(t *testing.T) {
	backend := paytestutil.NewMemoryStore()
	expected := mustAmount(t, "1000")
	in, _ := NewIncoming("in-1", "client-1", "", expected)
	_ = in.Save(backend)

	wrongCurrency, err := amount.New("1000", "LTC", amount.Base)
	if err != nil {
		t.Fatalf("amount.New: %v", err)
	}
	if err := in.RecordReceipt(backend, ReceivedAttempt{Name: "onchain", Amount: wrongCurrency}); err != apierr.ErrPaymentCurrencyMismatch {
		t.Fatalf("expected ErrPaymentCurrencyMismatch, got %v", err)
	}
	if len(in.ReceivedByPlugins) != 0 {
		t.Fatalf("expected no mutation on mismatch, got %+v", in.ReceivedByPlugins)
	}
}

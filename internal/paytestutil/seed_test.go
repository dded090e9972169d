package paytestutil

import "testing"

func TestSeedFakeOrdersPopulatesBackend(t *testing.T) {
	backend := NewMemoryStore()

	orders, err := SeedFakeOrders(backend, 5)
	if err != nil {
		t.Fatalf("SeedFakeOrders: %v", err)
	}
	if len(orders) != 5 {
		t.Fatalf("expected 5 orders, got %d", len(orders))
	}

	for _, order := range orders {
		if order.ID == "" {
			t.Fatalf("expected order to have an id assigned by Init")
		}
		raw, err := backend.GetOrder(order.ID, false)
		if err != nil {
			t.Fatalf("GetOrder(%s): %v", order.ID, err)
		}
		if len(raw) == 0 {
			t.Fatalf("expected a persisted order document for %s", order.ID)
		}
	}
}

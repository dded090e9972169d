//go:build integration

package store_test

import (
	"encoding/json"
	"testing"

	"gitlab.com/arcanecrypto/paykit/internal/apierr"
	"gitlab.com/arcanecrypto/paykit/internal/paytestutil/pgtestutil"
	"gitlab.com/arcanecrypto/paykit/internal/platform/store"
)

type fakeOrder struct {
	ID            string `json:"id"`
	ClientOrderID string `json:"clientOrderId"`
	State         string `json:"state"`
}

func TestSaveAndGetOrderRoundTrips(t *testing.T) {
	pg := pgtestutil.Start(t)
	defer pg.Stop(t)
	s := store.New(pg.DB)

	order := fakeOrder{ID: "00000000-0000-4000-8000-000000000001", ClientOrderID: "client-1", State: "CREATED"}
	if err := s.SaveOrder(order.ID, order); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}

	raw, err := s.GetOrder(order.ID, false)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	var got fakeOrder
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != order {
		t.Fatalf("expected %+v, got %+v", order, got)
	}
}

func TestSaveOrderRejectsDuplicateID(t *testing.T) {
	pg := pgtestutil.Start(t)
	defer pg.Stop(t)
	s := store.New(pg.DB)

	order := fakeOrder{ID: "00000000-0000-4000-8000-000000000002", State: "CREATED"}
	if err := s.SaveOrder(order.ID, order); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}
	if err := s.SaveOrder(order.ID, order); err != apierr.ErrDuplicateID {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestUpdateOrderMergesAndRejectsUnknownFields(t *testing.T) {
	pg := pgtestutil.Start(t)
	defer pg.Stop(t)
	s := store.New(pg.DB)

	order := fakeOrder{ID: "00000000-0000-4000-8000-000000000003", State: "CREATED"}
	if err := s.SaveOrder(order.ID, order); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}

	if err := s.UpdateOrder(order.ID, map[string]interface{}{"state": "PROCESSING"}); err != nil {
		t.Fatalf("UpdateOrder: %v", err)
	}
	raw, err := s.GetOrder(order.ID, false)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	var got fakeOrder
	_ = json.Unmarshal(raw, &got)
	if got.State != "PROCESSING" {
		t.Fatalf("expected state PROCESSING, got %s", got.State)
	}
	if got.ClientOrderID != "" {
		t.Fatalf("expected unrelated fields preserved, clientOrderId mutated: %+v", got)
	}

	if err := s.UpdateOrder(order.ID, map[string]interface{}{"bogusField": 1}); err != apierr.ErrInvalidPatch {
		t.Fatalf("expected ErrInvalidPatch, got %v", err)
	}
}

func TestGetOrderHidesRemovedByDefault(t *testing.T) {
	pg := pgtestutil.Start(t)
	defer pg.Stop(t)
	s := store.New(pg.DB)

	order := fakeOrder{ID: "00000000-0000-4000-8000-000000000004", State: "CANCELLED"}
	if err := s.SaveOrder(order.ID, order); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}
	if _, err := pg.DB.Exec(`UPDATE orders SET removed = true WHERE id = $1`, order.ID); err != nil {
		t.Fatalf("tombstone: %v", err)
	}

	if _, err := s.GetOrder(order.ID, false); err != apierr.ErrNotFound {
		t.Fatalf("expected ErrNotFound for removed order, got %v", err)
	}
	if _, err := s.GetOrder(order.ID, true); err != nil {
		t.Fatalf("expected includeRemoved=true to find tombstone, got %v", err)
	}
}

func TestGetOutgoingPaymentsFiltersByScalarEquality(t *testing.T) {
	pg := pgtestutil.Start(t)
	defer pg.Stop(t)
	s := store.New(pg.DB)

	type payment struct {
		ID      string `json:"id"`
		OrderID string `json:"orderId"`
	}
	p1 := payment{ID: "00000000-0000-4000-8000-000000000005", OrderID: "order-a"}
	p2 := payment{ID: "00000000-0000-4000-8000-000000000006", OrderID: "order-b"}
	if err := s.SaveOutgoingPayment(p1.ID, p1); err != nil {
		t.Fatalf("SaveOutgoingPayment: %v", err)
	}
	if err := s.SaveOutgoingPayment(p2.ID, p2); err != nil {
		t.Fatalf("SaveOutgoingPayment: %v", err)
	}

	results, err := s.GetOutgoingPayments(map[string]interface{}{"orderId": "order-a"}, store.Active)
	if err != nil {
		t.Fatalf("GetOutgoingPayments: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
}

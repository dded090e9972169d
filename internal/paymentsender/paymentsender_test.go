package paymentsender_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"gitlab.com/arcanecrypto/paykit/internal/amount"
	"gitlab.com/arcanecrypto/paykit/internal/paymentorder"
	"gitlab.com/arcanecrypto/paykit/internal/paymentsender"
	"gitlab.com/arcanecrypto/paykit/internal/plugin"
	"gitlab.com/arcanecrypto/paykit/internal/pluginmanager"
	"gitlab.com/arcanecrypto/paykit/internal/paytestutil"
	"gitlab.com/arcanecrypto/paykit/internal/transport"
)

type memStorage struct{ data map[string]string }

func (s *memStorage) Get(key string) (string, bool) { v, ok := s.data[key]; return v, ok }
func (s *memStorage) Set(key, value string) error   { s.data[key] = value; return nil }

type sendingPlugin struct {
	manifest plugin.Manifest
	payErr   error
	onPay    func(args plugin.PayArgs)
}

func (p *sendingPlugin) Init(storage plugin.Storage) error    { return nil }
func (p *sendingPlugin) GetManifest() (plugin.Manifest, error) { return p.manifest, nil }
func (p *sendingPlugin) Pay(args plugin.PayArgs) error {
	if p.onPay != nil {
		p.onPay(args)
	}
	return p.payErr
}
func (p *sendingPlugin) Stop() error                         { return nil }
func (p *sendingPlugin) UpdatePayment(data interface{}) error { return nil }
func (p *sendingPlugin) ReceivePayment(payload plugin.ReceivePayload) error { return nil }

func paymentManifest(name string) plugin.Manifest {
	return plugin.Manifest{Name: name, Type: plugin.Payment, RPC: []string{"pay", "stop", "updatePayment"}, Events: []string{plugin.ReceiveEvent}}
}

func mustAmount(t *testing.T, value string) amount.Amount {
	t.Helper()
	a, err := amount.New(value, "BTC", amount.Base)
	if err != nil {
		t.Fatalf("amount.New: %v", err)
	}
	return a
}

func setupOrder(t *testing.T, backend *paytestutil.MemoryStore, conn *paytestutil.MemoryTransport, priority []string) *paymentorder.Order {
	t.Helper()
	order, err := paymentorder.New("co-1", conn.BaseURL+"/counterparty/xyz", "memo", priority, mustAmount(t, "100"), 0, time.Millisecond, time.Now().Add(-time.Minute), nil)
	if err != nil {
		t.Fatalf("New order: %v", err)
	}
	if err := order.Init(backend, 100); err != nil {
		t.Fatalf("Init order: %v", err)
	}
	return order
}

func publishCatalogue(t *testing.T, conn *paytestutil.MemoryTransport, url string, endpoints map[string]string) {
	t.Helper()
	catalogue := transport.Catalogue{PaymentEndpoints: endpoints}
	data, err := json.Marshal(catalogue)
	if err != nil {
		t.Fatalf("marshal catalogue: %v", err)
	}
	if _, err := conn.Create(context.Background(), url, data, transport.Options{}); err != nil {
		t.Fatalf("publish catalogue: %v", err)
	}
}

func TestSubmitResolvesTargetAndCallsPay(t *testing.T) {
	backend := paytestutil.NewMemoryStore()
	conn := paytestutil.NewMemoryTransport()
	order := setupOrder(t, backend, conn, []string{"onchain"})

	publishCatalogue(t, conn, "/counterparty/xyz", map[string]string{"onchain": conn.BaseURL + "/counterparty/xyz/onchain"})
	if _, err := conn.Create(context.Background(), "/counterparty/xyz/onchain", []byte("target-address"), transport.Options{}); err != nil {
		t.Fatalf("publish endpoint: %v", err)
	}

	var gotTarget string
	p := &sendingPlugin{manifest: paymentManifest("onchain"), onPay: func(args plugin.PayArgs) { gotTarget = args.Target }}
	plugins := pluginmanager.New()
	if err := plugins.InjectPlugin("onchain", p, &memStorage{data: map[string]string{}}); err != nil {
		t.Fatalf("inject: %v", err)
	}

	var notified []plugin.Update
	sender := paymentsender.New(order, plugins, conn, backend, 100, func(u plugin.Update) { notified = append(notified, u) })

	if err := sender.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if gotTarget != "target-address" {
		t.Fatalf("expected resolved target, got %q", gotTarget)
	}
}

func TestSubmitFailsWhenCatalogueMissing(t *testing.T) {
	backend := paytestutil.NewMemoryStore()
	conn := paytestutil.NewMemoryTransport()
	order := setupOrder(t, backend, conn, []string{"onchain"})

	p := &sendingPlugin{manifest: paymentManifest("onchain")}
	plugins := pluginmanager.New()
	if err := plugins.InjectPlugin("onchain", p, &memStorage{data: map[string]string{}}); err != nil {
		t.Fatalf("inject: %v", err)
	}

	var notified []plugin.Update
	sender := paymentsender.New(order, plugins, conn, backend, 100, func(u plugin.Update) { notified = append(notified, u) })

	if err := sender.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(notified) == 0 {
		t.Fatal("expected a failure notification when the catalogue can't be resolved")
	}
	if order.Payments[0].State.InternalState != "FAILED" {
		t.Fatalf("expected payment to fail after exhausting its only plugin, got %s", order.Payments[0].State.InternalState)
	}
}

func TestStateUpdateCallbackSuccessCompletesPaymentAndOrder(t *testing.T) {
	backend := paytestutil.NewMemoryStore()
	conn := paytestutil.NewMemoryTransport()
	order := setupOrder(t, backend, conn, []string{"onchain"})

	publishCatalogue(t, conn, "/counterparty/xyz", map[string]string{"onchain": conn.BaseURL + "/counterparty/xyz/onchain"})
	if _, err := conn.Create(context.Background(), "/counterparty/xyz/onchain", []byte("target-address"), transport.Options{}); err != nil {
		t.Fatalf("publish endpoint: %v", err)
	}

	p := &sendingPlugin{manifest: paymentManifest("onchain")}
	plugins := pluginmanager.New()
	if err := plugins.InjectPlugin("onchain", p, &memStorage{data: map[string]string{}}); err != nil {
		t.Fatalf("inject: %v", err)
	}

	var notified []plugin.Update
	sender := paymentsender.New(order, plugins, conn, backend, 100, func(u plugin.Update) { notified = append(notified, u) })
	if err := sender.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	sender.StateUpdateCallback(plugin.Update{
		ID:          order.Payments[0].ID,
		OrderID:     order.ID,
		PluginName:  "onchain",
		PluginState: plugin.StateSuccess,
	})

	if order.Payments[0].State.InternalState != "COMPLETED" {
		t.Fatalf("expected payment COMPLETED, got %s", order.Payments[0].State.InternalState)
	}
	if order.State != paymentorder.Completed {
		t.Fatalf("expected order COMPLETED, got %s", order.State)
	}

	foundOrderCompleted := false
	for _, u := range notified {
		if u.Type == plugin.UpdatePaymentOrderCompleted {
			foundOrderCompleted = true
		}
	}
	if !foundOrderCompleted {
		t.Fatal("expected a payment_order_completed notification")
	}
}

func TestStateUpdateCallbackIgnoresPaymentNotInProgress(t *testing.T) {
	backend := paytestutil.NewMemoryStore()
	conn := paytestutil.NewMemoryTransport()
	order := setupOrder(t, backend, conn, []string{"onchain"})

	p := &sendingPlugin{manifest: paymentManifest("onchain")}
	plugins := pluginmanager.New()
	if err := plugins.InjectPlugin("onchain", p, &memStorage{data: map[string]string{}}); err != nil {
		t.Fatalf("inject: %v", err)
	}

	var notified []plugin.Update
	sender := paymentsender.New(order, plugins, conn, backend, 100, func(u plugin.Update) { notified = append(notified, u) })

	// Payment is still INITIAL -- no in-progress payment exists yet, so the
	// callback must find nothing and must not panic or notify.
	sender.StateUpdateCallback(plugin.Update{ID: order.Payments[0].ID, PluginState: plugin.StateSuccess})
	if len(notified) != 0 {
		t.Fatalf("expected no notification for a callback with no matching in-progress payment, got %v", notified)
	}
}

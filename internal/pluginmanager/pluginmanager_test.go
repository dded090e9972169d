package pluginmanager_test

import (
	"errors"
	"testing"

	"gitlab.com/arcanecrypto/paykit/internal/apierr"
	"gitlab.com/arcanecrypto/paykit/internal/plugin"
	"gitlab.com/arcanecrypto/paykit/internal/pluginmanager"
)

type memStorage struct{ data map[string]string }

func newMemStorage() *memStorage { return &memStorage{data: map[string]string{}} }

func (s *memStorage) Get(key string) (string, bool) { v, ok := s.data[key]; return v, ok }
func (s *memStorage) Set(key, value string) error   { s.data[key] = value; return nil }

// fakePlugin is a payment-type test double implementing every optional
// interface so manifest validation and dispatch can be exercised.
type fakePlugin struct {
	manifest     plugin.Manifest
	initErr      error
	manifestErr  error
	payErr       error
	stopErr      error
	stopped      bool
	received     []plugin.ReceivePayload
	receiveErr   error
}

func (p *fakePlugin) Init(storage plugin.Storage) error          { return p.initErr }
func (p *fakePlugin) GetManifest() (plugin.Manifest, error)       { return p.manifest, p.manifestErr }
func (p *fakePlugin) Pay(args plugin.PayArgs) error                { return p.payErr }
func (p *fakePlugin) Stop() error                                  { p.stopped = true; return p.stopErr }
func (p *fakePlugin) UpdatePayment(data interface{}) error         { return nil }
func (p *fakePlugin) ReceivePayment(payload plugin.ReceivePayload) error {
	p.received = append(p.received, payload)
	return p.receiveErr
}

func paymentManifest(name string) plugin.Manifest {
	return plugin.Manifest{
		Name:   name,
		Type:   plugin.Payment,
		RPC:    []string{"pay", "stop"},
		Events: []string{plugin.ReceiveEvent},
	}
}

func TestLoadPluginRegistersViaFactory(t *testing.T) {
	m := pluginmanager.New()
	fp := &fakePlugin{manifest: paymentManifest("onchain")}
	m.RegisterFactory("onchain", func() plugin.Plugin { return fp })

	if err := m.LoadPlugin("onchain", newMemStorage()); err != nil {
		t.Fatalf("LoadPlugin: %v", err)
	}

	entry, ok := m.Get("onchain")
	if !ok || !entry.Active {
		t.Fatalf("expected onchain to be loaded and active, got %+v ok=%v", entry, ok)
	}
}

func TestLoadPluginUnregisteredEntryPointFails(t *testing.T) {
	m := pluginmanager.New()
	err := m.LoadPlugin("nonexistent", newMemStorage())
	if !errors.Is(err, apierr.ErrFailedToLoad("nonexistent")) {
		t.Fatalf("expected FAILED_TO_LOAD, got %v", err)
	}
}

func TestInjectPluginRejectsDuplicateName(t *testing.T) {
	m := pluginmanager.New()
	fp1 := &fakePlugin{manifest: paymentManifest("onchain")}
	fp2 := &fakePlugin{manifest: paymentManifest("onchain")}

	if err := m.InjectPlugin("a", fp1, newMemStorage()); err != nil {
		t.Fatalf("first inject: %v", err)
	}
	err := m.InjectPlugin("b", fp2, newMemStorage())
	if !errors.Is(err, apierr.ErrConflict) {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
}

func TestInjectPluginRejectsPaymentTypeWithoutPayOrReceiveEvent(t *testing.T) {
	m := pluginmanager.New()
	missingPay := &fakePlugin{manifest: plugin.Manifest{
		Name: "broken", Type: plugin.Payment, RPC: []string{"stop"}, Events: []string{plugin.ReceiveEvent},
	}}
	if err := m.InjectPlugin("a", missingPay, newMemStorage()); err == nil {
		t.Fatal("expected error for payment plugin missing pay rpc")
	}

	missingEvent := &fakePlugin{manifest: plugin.Manifest{
		Name: "broken2", Type: plugin.Payment, RPC: []string{"pay"},
	}}
	if err := m.InjectPlugin("b", missingEvent, newMemStorage()); err == nil {
		t.Fatal("expected error for payment plugin missing receivePayment event")
	}
}

func TestInjectPluginRejectsRPCMethodNotImplemented(t *testing.T) {
	m := pluginmanager.New()
	fp := &fakePlugin{manifest: plugin.Manifest{
		Name: "noop", Type: plugin.Payment, RPC: []string{"pay", "updatePayment"}, Events: []string{plugin.ReceiveEvent},
	}}
	// fakePlugin does implement all of these, so instead assert a genuinely
	// unsupported rpc name is rejected.
	fp.manifest.RPC = append(fp.manifest.RPC, "unsupported")
	if err := m.InjectPlugin("a", fp, newMemStorage()); err == nil {
		t.Fatal("expected error for unimplemented rpc method")
	}
}

func TestStopAndRemovePlugin(t *testing.T) {
	m := pluginmanager.New()
	fp := &fakePlugin{manifest: paymentManifest("onchain")}
	if err := m.InjectPlugin("a", fp, newMemStorage()); err != nil {
		t.Fatalf("inject: %v", err)
	}

	if ok, _ := m.RemovePlugin("onchain"); ok {
		t.Fatal("expected RemovePlugin to refuse an active plugin")
	}

	if err := m.StopPlugin("onchain"); err != nil {
		t.Fatalf("StopPlugin: %v", err)
	}
	if !fp.stopped {
		t.Fatal("expected underlying plugin Stop to have been called")
	}

	ok, err := m.RemovePlugin("onchain")
	if err != nil || !ok {
		t.Fatalf("expected RemovePlugin to succeed once inactive, got ok=%v err=%v", ok, err)
	}
	if _, ok := m.Get("onchain"); ok {
		t.Fatal("expected onchain to be gone from the registry")
	}
}

func TestDispatchEventFansOutToEveryDeclaringPlugin(t *testing.T) {
	m := pluginmanager.New()
	onchain := &fakePlugin{manifest: paymentManifest("onchain")}
	lightning := &fakePlugin{manifest: paymentManifest("lightning")}
	silent := &fakePlugin{manifest: plugin.Manifest{
		Name: "silent", Type: plugin.Payment, RPC: []string{"pay"}, Events: []string{"otherEvent", plugin.ReceiveEvent},
	}}

	for i, p := range []*fakePlugin{onchain, lightning, silent} {
		if err := m.InjectPlugin(string(rune('a'+i)), p, newMemStorage()); err != nil {
			t.Fatalf("inject %d: %v", i, err)
		}
	}

	payload := plugin.ReceivePayload{ID: "inv-1", ClientOrderID: "co-1"}
	m.DispatchEvent(plugin.ReceiveEvent, payload)

	for name, p := range map[string]*fakePlugin{"onchain": onchain, "lightning": lightning, "silent": silent} {
		if len(p.received) != 1 {
			t.Fatalf("%s: expected 1 receive, got %d", name, len(p.received))
		}
	}
}

func TestRPCRegistryExposesLoadedMethods(t *testing.T) {
	m := pluginmanager.New()
	fp := &fakePlugin{manifest: paymentManifest("onchain")}
	if err := m.InjectPlugin("a", fp, newMemStorage()); err != nil {
		t.Fatalf("inject: %v", err)
	}

	registry := m.RPCRegistry()
	if _, ok := registry["onchain/stop"]; !ok {
		t.Fatal("expected onchain/stop to be registered")
	}
	if _, err := registry["onchain/stop"](nil); err != nil {
		t.Fatalf("invoking onchain/stop: %v", err)
	}
	if !fp.stopped {
		t.Fatal("expected registry invocation to call through to Stop")
	}
}

func TestGracefulThrowStopsAllAndReturnsOriginalError(t *testing.T) {
	m := pluginmanager.New()
	fp := &fakePlugin{manifest: paymentManifest("onchain")}
	if err := m.InjectPlugin("a", fp, newMemStorage()); err != nil {
		t.Fatalf("inject: %v", err)
	}

	original := errors.New("boom")
	got := m.GracefulThrow(original)
	if got != original {
		t.Fatalf("expected original error back, got %v", got)
	}
	if !fp.stopped {
		t.Fatal("expected GracefulThrow to stop loaded plugins")
	}
}

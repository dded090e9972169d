// Package pluginmanager implements Component E: the plugin registry,
// manifest validation, event dispatch fan-out, and the RPC namespace built
// over it (spec §4.E).
//
// The spec's loadPlugin resolves an entryPoint that may be a configured
// table key, a module path, or a fallback directory lookup -- paykit has
// no Go equivalent of dynamically require()-ing a module by path (Go's own
// plugin package is cgo-only and not portable, and nothing in the teacher
// or the example pack uses it), so entryPoint here always resolves through
// a Factory pre-registered by name with RegisterFactory. Operators wire a
// concrete plugin binary's factory under the name their config points at.
package pluginmanager

import (
	"sync"
	"time"

	"gitlab.com/arcanecrypto/paykit/internal/apierr"
	"gitlab.com/arcanecrypto/paykit/internal/asyncutil"
	"gitlab.com/arcanecrypto/paykit/internal/plugin"
)

// dispatchTimeout bounds how long DispatchEvent waits for every targeted
// plugin's ReceivePayment to return before giving up on the join and
// logging instead of blocking forever on a wedged plugin.
const dispatchTimeout = 30 * time.Second

// Factory constructs a fresh plugin instance for a registered name.
type Factory func() plugin.Plugin

// Entry is one plugin registry record.
type Entry struct {
	Manifest plugin.Manifest
	Plugin   plugin.Plugin
	Active   bool
}

// Manager is the plugin registry plus dispatcher.
type Manager struct {
	mu        sync.RWMutex
	factories map[string]Factory
	entries   map[string]*Entry
}

// New returns an empty, ready Manager.
func New() *Manager {
	return &Manager{
		factories: map[string]Factory{},
		entries:   map[string]*Entry{},
	}
}

// RegisterFactory pre-registers a named plugin constructor, standing in
// for the spec's "key in the configured plugin table" resolution branch.
func (m *Manager) RegisterFactory(name string, factory Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[name] = factory
}

// LoadPlugin resolves entryPoint to a registered Factory, constructs it,
// and hands it to InjectPlugin.
func (m *Manager) LoadPlugin(entryPoint string, storage plugin.Storage) error {
	m.mu.RLock()
	factory, ok := m.factories[entryPoint]
	m.mu.RUnlock()
	if !ok {
		return apierr.ErrFailedToLoad(entryPoint)
	}

	p := factory()
	if err := m.InjectPlugin(entryPoint, p, storage); err != nil {
		return apierr.Wrap(apierr.ErrFailedToLoad(entryPoint), err.Error())
	}
	return nil
}

// InjectPlugin initializes p, validates and registers its manifest.
func (m *Manager) InjectPlugin(entryPoint string, p plugin.Plugin, storage plugin.Storage) error {
	if err := p.Init(storage); err != nil {
		return apierr.ErrPluginInit(entryPoint, err)
	}
	manifest, err := p.GetManifest()
	if err != nil {
		return apierr.ErrPluginGetManifest(entryPoint, err)
	}
	if err := validateManifest(manifest, p); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[manifest.Name]; exists {
		return apierr.ErrConflict
	}
	m.entries[manifest.Name] = &Entry{Manifest: manifest, Plugin: p, Active: true}
	return nil
}

func validateManifest(manifest plugin.Manifest, p plugin.Plugin) error {
	if manifest.Name == "" {
		return apierr.ErrFailedToLoad("(empty manifest name)")
	}

	seenRPC := map[string]bool{}
	for _, method := range manifest.RPC {
		if method == "" || seenRPC[method] {
			return apierr.ErrFailedToLoad(manifest.Name)
		}
		seenRPC[method] = true
		if !pluginImplements(p, method) {
			return apierr.ErrFailedToLoad(manifest.Name)
		}
	}

	seenEvents := map[string]bool{}
	for _, event := range manifest.Events {
		if event == "" || seenEvents[event] {
			return apierr.ErrFailedToLoad(manifest.Name)
		}
		seenEvents[event] = true
	}

	if manifest.Type == plugin.Payment {
		if !manifest.HasRPC("pay") {
			return apierr.ErrFailedToLoad(manifest.Name)
		}
		if !manifest.HasEvent(plugin.ReceiveEvent) {
			return apierr.ErrFailedToLoad(manifest.Name)
		}
	}
	return nil
}

// pluginImplements reports whether p implements the optional interface a
// declared rpc method name corresponds to.
func pluginImplements(p plugin.Plugin, method string) bool {
	switch method {
	case "pay":
		_, ok := p.(plugin.Payer)
		return ok
	case "stop":
		_, ok := p.(plugin.Stopper)
		return ok
	case "updatePayment":
		_, ok := p.(plugin.PaymentUpdater)
		return ok
	case "receivePayment":
		_, ok := p.(plugin.ReceivePaymentHandler)
		return ok
	default:
		return false
	}
}

// StopPlugin calls the plugin's Stop, if implemented, and marks it
// inactive regardless of whether Stop existed.
func (m *Manager) StopPlugin(name string) error {
	m.mu.Lock()
	entry, ok := m.entries[name]
	m.mu.Unlock()
	if !ok {
		return apierr.ErrNotFound
	}

	if stopper, ok := entry.Plugin.(plugin.Stopper); ok {
		if err := stopper.Stop(); err != nil {
			return apierr.ErrPluginStop(name, err)
		}
	}

	m.mu.Lock()
	entry.Active = false
	m.mu.Unlock()
	return nil
}

// RemovePlugin deletes an inactive plugin from the registry. It returns
// false without error if the plugin is still active.
func (m *Manager) RemovePlugin(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[name]
	if !ok {
		return false, nil
	}
	if entry.Active {
		return false, nil
	}
	delete(m.entries, name)
	return true, nil
}

// GetPlugins returns the registry, optionally filtered by active state.
func (m *Manager) GetPlugins(isActive *bool) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if isActive != nil && e.Active != *isActive {
			continue
		}
		out = append(out, *e)
	}
	return out
}

// Get returns the registry entry for name, if loaded.
func (m *Manager) Get(name string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// DispatchEvent invokes ReceivePayment concurrently on every active plugin
// whose manifest declares eventName, joining all invocations before
// returning or, after dispatchTimeout, logging and returning while any
// still run. A per-plugin failure or panic is logged and swallowed, never
// aborting the others.
func (m *Manager) DispatchEvent(eventName string, payload plugin.ReceivePayload) {
	m.mu.RLock()
	var targets []*Entry
	for _, e := range m.entries {
		if e.Active && e.Manifest.HasEvent(eventName) {
			targets = append(targets, e)
		}
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, entry := range targets {
		handler, ok := entry.Plugin.(plugin.ReceivePaymentHandler)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(name string, h plugin.ReceivePaymentHandler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.WithField("plugin", name).Warnf("plugin event dispatch panicked: %v", r)
				}
			}()
			if err := h.ReceivePayment(payload); err != nil {
				log.WithError(err).WithField("plugin", name).
					Warn("plugin event dispatch failed")
			}
		}(entry.Manifest.Name, handler)
	}
	if asyncutil.WaitTimeout(&wg, dispatchTimeout) {
		log.WithField("event", eventName).Warn("dispatchEvent: timed out waiting for plugins to return, proceeding")
	}
}

// RPCRegistry returns a "{pluginName}/{method}" -> invoker mapping over
// every loaded plugin's declared rpc methods.
func (m *Manager) RPCRegistry() map[string]func(args interface{}) (interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	registry := map[string]func(args interface{}) (interface{}, error){}
	for name, entry := range m.entries {
		for _, method := range entry.Manifest.RPC {
			key := name + "/" + method
			registry[key] = rpcInvoker(entry.Plugin, method)
		}
	}
	return registry
}

func rpcInvoker(p plugin.Plugin, method string) func(args interface{}) (interface{}, error) {
	return func(args interface{}) (interface{}, error) {
		switch method {
		case "stop":
			if s, ok := p.(plugin.Stopper); ok {
				return nil, s.Stop()
			}
		case "updatePayment":
			if u, ok := p.(plugin.PaymentUpdater); ok {
				return nil, u.UpdatePayment(args)
			}
		}
		return nil, apierr.ErrFailedToLoad(method)
	}
}

// GracefulThrow stops every registered plugin, in registration order is
// not guaranteed (map iteration), then returns err unchanged so the
// caller's original failure is what's reported.
func (m *Manager) GracefulThrow(err error) error {
	m.mu.RLock()
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	m.mu.RUnlock()

	for _, name := range names {
		_ = m.StopPlugin(name)
	}
	return err
}

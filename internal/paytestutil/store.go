// Package paytestutil collects in-memory fakes for paykit's external
// contracts (Store, Transport, Plugin) so the engine's unit tests don't need
// a live Postgres instance, HTTP server, or plugin process. The real,
// container-backed Store test lives in internal/platform/store, gated
// behind the "integration" build tag; pgtestutil in this package's
// subdirectory backs that one test, not these.
package paytestutil

import (
	"encoding/json"
	"sync"

	"gitlab.com/arcanecrypto/paykit/internal/apierr"
	"gitlab.com/arcanecrypto/paykit/internal/platform/store"
)

type record struct {
	removed bool
	data    json.RawMessage
}

// MemoryStore is an in-memory stand-in for store.Store implementing the
// same document-per-id, shallow-merge-patch semantics.
type MemoryStore struct {
	mu     sync.Mutex
	tables map[string]map[string]*record
}

// NewMemoryStore returns a ready MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: map[string]map[string]*record{}}
}

var _ store.Backend = (*MemoryStore)(nil)

func (m *MemoryStore) table(name string) map[string]*record {
	t, ok := m.tables[name]
	if !ok {
		t = map[string]*record{}
		m.tables[name] = t
	}
	return t
}

func (m *MemoryStore) save(table, id string, value interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.table(table)
	if _, exists := t[id]; exists {
		return apierr.ErrDuplicateID
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	t[id] = &record{data: data}
	return nil
}

func (m *MemoryStore) get(table, id string, removed store.RemovedFilter) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.table(table)[id]
	if !ok {
		return nil, apierr.ErrNotFound
	}
	switch removed {
	case store.RemovedOnly:
		if !r.removed {
			return nil, apierr.ErrNotFound
		}
	case store.Any:
	default:
		if r.removed {
			return nil, apierr.ErrNotFound
		}
	}
	return r.data, nil
}

func (m *MemoryStore) update(table, id string, patch map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.table(table)[id]
	if !ok {
		return apierr.ErrNotFound
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(r.data, &doc); err != nil {
		return err
	}
	for key, value := range patch {
		if _, known := doc[key]; !known {
			return apierr.ErrInvalidPatch
		}
		doc[key] = value
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	r.data = merged
	return nil
}

func (m *MemoryStore) list(table string, filter map[string]interface{}, removed store.RemovedFilter) ([]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	results := []json.RawMessage{}
	for _, r := range m.table(table) {
		switch removed {
		case store.RemovedOnly:
			if !r.removed {
				continue
			}
		case store.Any:
		default:
			if r.removed {
				continue
			}
		}

		var doc map[string]interface{}
		if err := json.Unmarshal(r.data, &doc); err != nil {
			return nil, err
		}
		if matches(doc, filter) {
			results = append(results, r.data)
		}
	}
	return results, nil
}

func matches(doc map[string]interface{}, filter map[string]interface{}) bool {
	for field, want := range filter {
		got, ok := doc[field]
		if !ok {
			return false
		}
		wantJSON, _ := json.Marshal(want)
		gotJSON, _ := json.Marshal(got)
		if string(wantJSON) != string(gotJSON) {
			return false
		}
	}
	return true
}

// Remove tombstones a record in table, for tests that exercise soft-delete
// directly rather than through a domain package's Cancel/removed semantics.
func (m *MemoryStore) Remove(table, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.table(table)[id]
	if !ok {
		return apierr.ErrNotFound
	}
	r.removed = true
	return nil
}

const (
	ordersTable           = "orders"
	outgoingPaymentsTable = "outgoing_payments"
	incomingPaymentsTable = "incoming_payments"
)

func (m *MemoryStore) SaveOrder(id string, value interface{}) error { return m.save(ordersTable, id, value) }
func (m *MemoryStore) GetOrder(id string, includeRemoved bool) (json.RawMessage, error) {
	filter := store.Active
	if includeRemoved {
		filter = store.Any
	}
	return m.get(ordersTable, id, filter)
}
func (m *MemoryStore) UpdateOrder(id string, patch map[string]interface{}) error {
	return m.update(ordersTable, id, patch)
}

func (m *MemoryStore) SaveOutgoingPayment(id string, value interface{}) error {
	return m.save(outgoingPaymentsTable, id, value)
}
func (m *MemoryStore) GetOutgoingPayment(id string, removed store.RemovedFilter) (json.RawMessage, error) {
	return m.get(outgoingPaymentsTable, id, removed)
}
func (m *MemoryStore) UpdateOutgoingPayment(id string, patch map[string]interface{}) error {
	return m.update(outgoingPaymentsTable, id, patch)
}
func (m *MemoryStore) GetOutgoingPayments(filter map[string]interface{}, removed store.RemovedFilter) ([]json.RawMessage, error) {
	return m.list(outgoingPaymentsTable, filter, removed)
}

func (m *MemoryStore) SaveIncomingPayment(id string, value interface{}) error {
	return m.save(incomingPaymentsTable, id, value)
}
func (m *MemoryStore) GetIncomingPayment(id string, removed store.RemovedFilter) (json.RawMessage, error) {
	return m.get(incomingPaymentsTable, id, removed)
}
func (m *MemoryStore) UpdateIncomingPayment(id string, patch map[string]interface{}) error {
	return m.update(incomingPaymentsTable, id, patch)
}
func (m *MemoryStore) GetIncomingPayments(filter map[string]interface{}, removed store.RemovedFilter) ([]json.RawMessage, error) {
	return m.list(incomingPaymentsTable, filter, removed)
}

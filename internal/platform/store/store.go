// Package store implements the durable, shape-agnostic CRUD layer
// PaymentOrder and PaymentObject persist themselves through (spec 4.A).
// Every record is kept as a JSONB document; the store itself never
// unmarshals a document into a concrete Go type -- callers pass the bytes
// back out and decide what they mean. This is what lets a single generic
// implementation serve three different record shapes (orders, outgoing
// payments, incoming payments) without the store importing any of their
// packages.
package store

import (
	"database/sql"
	"encoding/json"
	"strconv"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"gitlab.com/arcanecrypto/paykit/internal/apierr"
)

// RemovedFilter controls how a soft-deleted (tombstoned) record is treated
// by a read. Active is the default: tombstones are invisible.
type RemovedFilter int

const (
	// Active matches records with removed = false.
	Active RemovedFilter = iota
	// RemovedOnly matches only tombstoned records.
	RemovedOnly
	// Any matches regardless of the removed flag.
	Any
)

const (
	ordersTable           = "orders"
	outgoingPaymentsTable = "outgoing_payments"
	incomingPaymentsTable = "incoming_payments"
)

// Backend is the durable CRUD contract PaymentOrder, PaymentObject, and
// the sender, receiver and manager built on them depend on. *Store
// implements it against Postgres;
// internal/paytestutil.MemoryStore implements it in memory for unit tests.
type Backend interface {
	SaveOrder(id string, value interface{}) error
	GetOrder(id string, includeRemoved bool) (json.RawMessage, error)
	UpdateOrder(id string, patch map[string]interface{}) error

	SaveOutgoingPayment(id string, value interface{}) error
	GetOutgoingPayment(id string, removed RemovedFilter) (json.RawMessage, error)
	UpdateOutgoingPayment(id string, patch map[string]interface{}) error
	GetOutgoingPayments(filter map[string]interface{}, removed RemovedFilter) ([]json.RawMessage, error)

	SaveIncomingPayment(id string, value interface{}) error
	GetIncomingPayment(id string, removed RemovedFilter) (json.RawMessage, error)
	UpdateIncomingPayment(id string, patch map[string]interface{}) error
	GetIncomingPayments(filter map[string]interface{}, removed RemovedFilter) ([]json.RawMessage, error)
}

var _ Backend = (*Store)(nil)

// Store is the Postgres-backed implementation of the durable CRUD contract.
// The zero value is not ready; construct one with New.
type Store struct {
	db    *sqlx.DB
	ready bool
}

// New wraps an already-open *sqlx.DB as a ready Store.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, ready: true}
}

func (s *Store) requireReady() error {
	if s == nil || !s.ready {
		return apierr.ErrNotReady
	}
	return nil
}

// --- orders ---

// SaveOrder persists value, marshaled to JSON, as a new order under id. It
// fails with ErrDuplicateID if id already exists, removed or not.
func (s *Store) SaveOrder(id string, value interface{}) error {
	return s.save(ordersTable, id, value)
}

// GetOrder returns the order's stored document. With includeRemoved false
// (the default) a tombstoned order is treated as not found.
func (s *Store) GetOrder(id string, includeRemoved bool) (json.RawMessage, error) {
	filter := Active
	if includeRemoved {
		filter = Any
	}
	return s.get(ordersTable, id, filter)
}

// UpdateOrder applies patch as a shallow merge over the order's stored
// document.
func (s *Store) UpdateOrder(id string, patch map[string]interface{}) error {
	return s.update(ordersTable, id, patch)
}

// --- outgoing payments ---

// SaveOutgoingPayment persists value as a new outgoing payment under id.
func (s *Store) SaveOutgoingPayment(id string, value interface{}) error {
	return s.save(outgoingPaymentsTable, id, value)
}

// GetOutgoingPayment returns the outgoing payment's stored document, subject
// to removed.
func (s *Store) GetOutgoingPayment(id string, removed RemovedFilter) (json.RawMessage, error) {
	return s.get(outgoingPaymentsTable, id, removed)
}

// UpdateOutgoingPayment applies patch as a shallow merge over the outgoing
// payment's stored document.
func (s *Store) UpdateOutgoingPayment(id string, patch map[string]interface{}) error {
	return s.update(outgoingPaymentsTable, id, patch)
}

// GetOutgoingPayments returns every outgoing payment whose document matches
// the conjunction of filter's scalar equalities, subject to removed.
func (s *Store) GetOutgoingPayments(filter map[string]interface{}, removed RemovedFilter) ([]json.RawMessage, error) {
	return s.list(outgoingPaymentsTable, filter, removed)
}

// --- incoming payments ---

// SaveIncomingPayment persists value as a new incoming payment under id.
func (s *Store) SaveIncomingPayment(id string, value interface{}) error {
	return s.save(incomingPaymentsTable, id, value)
}

// GetIncomingPayment returns the incoming payment's stored document, subject
// to removed.
func (s *Store) GetIncomingPayment(id string, removed RemovedFilter) (json.RawMessage, error) {
	return s.get(incomingPaymentsTable, id, removed)
}

// UpdateIncomingPayment applies patch as a shallow merge over the incoming
// payment's stored document.
func (s *Store) UpdateIncomingPayment(id string, patch map[string]interface{}) error {
	return s.update(incomingPaymentsTable, id, patch)
}

// GetIncomingPayments returns every incoming payment whose document matches
// the conjunction of filter's scalar equalities, subject to removed.
func (s *Store) GetIncomingPayments(filter map[string]interface{}, removed RemovedFilter) ([]json.RawMessage, error) {
	return s.list(incomingPaymentsTable, filter, removed)
}

// --- generic table operations ---

func (s *Store) save(table, id string, value interface{}) error {
	if err := s.requireReady(); err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	query := `INSERT INTO ` + table + ` (id, removed, data) VALUES ($1, false, $2)`
	if _, err := s.db.Exec(query, id, data); err != nil {
		if isUniqueViolation(err) {
			return apierr.ErrDuplicateID
		}
		return err
	}
	return nil
}

func (s *Store) get(table, id string, removed RemovedFilter) (json.RawMessage, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}

	query := `SELECT data FROM ` + table + ` WHERE id = $1` + removedClause(removed)
	var data json.RawMessage
	if err := s.db.Get(&data, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, apierr.ErrNotFound
		}
		log.WithError(err).WithField("table", table).Error("store: get failed")
		return nil, err
	}
	return data, nil
}

func (s *Store) update(table, id string, patch map[string]interface{}) error {
	if err := s.requireReady(); err != nil {
		return err
	}

	current, err := s.get(table, id, Any)
	if err != nil {
		return err
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(current, &doc); err != nil {
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

	query := `UPDATE ` + table + ` SET data = $2 WHERE id = $1`
	res, err := s.db.Exec(query, id, merged)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.ErrNotFound
	}
	return nil
}

func (s *Store) list(table string, filter map[string]interface{}, removed RemovedFilter) ([]json.RawMessage, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}

	query := `SELECT data FROM ` + table + ` WHERE 1=1` + removedClause(removed)
	args := []interface{}{}
	i := 1
	for field, value := range filter {
		i++
		query += ` AND data->>'` + field + `' = $` + strconv.Itoa(i-1)
		args = append(args, toText(value))
	}

	rows, err := s.db.Queryx(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []json.RawMessage{}
	for rows.Next() {
		var data json.RawMessage
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		results = append(results, data)
	}
	return results, rows.Err()
}

func removedClause(removed RemovedFilter) string {
	switch removed {
	case RemovedOnly:
		return ` AND removed = true`
	case Any:
		return ``
	default:
		return ` AND removed = false`
	}
}

// toText renders a filter value the way it appears in a JSON document's
// text form, so it can be compared against data->>'field'.
func toText(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// isUniqueViolation reports whether err is Postgres error code 23505
// (unique_violation), i.e. a duplicate id insert.
func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == "23505"
}

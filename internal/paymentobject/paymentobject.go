// Package paymentobject implements the outgoing and incoming payment
// records (spec 4.D): the unit PaymentSender drives across plugins and the
// unit PaymentReceiver reconciles against received funds. Both own their
// persistence through a store.Backend and are mutated exclusively through
// their documented transitions -- callers never hand-edit a loaded object
// and save it back.
package paymentobject

import (
	"encoding/json"
	"time"

	"gitlab.com/arcanecrypto/paykit/internal/amount"
	"gitlab.com/arcanecrypto/paykit/internal/apierr"
	"gitlab.com/arcanecrypto/paykit/internal/paymentstate"
	"gitlab.com/arcanecrypto/paykit/internal/platform/store"
)

// Direction is which way funds move relative to this engine.
type Direction string

const (
	Out Direction = "OUT"
	In  Direction = "IN"
)

// Outgoing is one payment attempt belonging to a PaymentOrder: it owns an
// Amount and a PaymentState, and persists itself through a store.Backend
// after every state transition.
type Outgoing struct {
	ID              string              `json:"id"`
	OrderID         string              `json:"orderId"`
	ClientOrderID   string              `json:"clientOrderId"`
	CounterpartyURL string              `json:"counterpartyURL"`
	Memo            string              `json:"memo"`
	SendingPriority []string            `json:"sendingPriority"`
	Amount          amount.Amount       `json:"amount"`
	Direction       Direction           `json:"direction"`
	CreatedAt       time.Time           `json:"createdAt"`
	ExecuteAt       time.Time           `json:"executeAt"`
	State           paymentstate.State  `json:"state"`
	Removed         bool                `json:"removed"`
	// LastPluginUpdate is the most recent notification the currently (or
	// most recently) engaged plugin reported back, kept for diagnostics
	// and for a caller reconstructing a payment mid-flight. No omitempty:
	// the key must already be present in the saved document (even as
	// null) for a later patch to be allowed to set it.
	LastPluginUpdate json.RawMessage `json:"lastPluginUpdate"`
}

// Now is overridable in tests so CreatedAt is deterministic.
var Now = time.Now

// NewOutgoing constructs a fresh Outgoing in PaymentState INITIAL, with
// pendingPlugins seeded from sendingPriority (invariant 1).
func NewOutgoing(id, orderID, clientOrderID, counterpartyURL, memo string, sendingPriority []string, amt amount.Amount, executeAt time.Time) (*Outgoing, error) {
	state, err := paymentstate.New(sendingPriority)
	if err != nil {
		return nil, err
	}
	priority := make([]string, len(sendingPriority))
	copy(priority, sendingPriority)

	return &Outgoing{
		ID:              id,
		OrderID:         orderID,
		ClientOrderID:   clientOrderID,
		CounterpartyURL: counterpartyURL,
		Memo:            memo,
		SendingPriority: priority,
		Amount:          amt,
		Direction:       Out,
		CreatedAt:       Now(),
		ExecuteAt:       executeAt,
		State:           state,
	}, nil
}

// Save persists a newly constructed Outgoing. It fails with ErrDuplicateID
// if ID already exists.
func (o *Outgoing) Save(backend store.Backend) error {
	return backend.SaveOutgoingPayment(o.ID, o)
}

// LoadOutgoing fetches and unmarshals an Outgoing by id.
func LoadOutgoing(backend store.Backend, id string, removed store.RemovedFilter) (*Outgoing, error) {
	raw, err := backend.GetOutgoingPayment(id, removed)
	if err != nil {
		return nil, err
	}
	var o Outgoing
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// persist writes the current in-memory State back to the store. Every
// state-transition method below calls this, so no transition is ever
// observable without also being durable.
func (o *Outgoing) persist(backend store.Backend) error {
	return backend.UpdateOutgoingPayment(o.ID, map[string]interface{}{"state": o.State})
}

// Process advances the payment to its next pending plugin, or fails it if
// none remain, persisting the result either way.
func (o *Outgoing) Process(backend store.Backend) (bool, error) {
	engaged, err := o.State.Process()
	if err != nil {
		return false, err
	}
	if err := o.persist(backend); err != nil {
		return false, err
	}
	return engaged, nil
}

// TryNext engages the next pending plugin after the current one has been
// explicitly cleared (e.g. by FailCurrentPlugin).
func (o *Outgoing) TryNext(backend store.Backend) error {
	if err := o.State.TryNext(); err != nil {
		return err
	}
	return o.persist(backend)
}

// FailCurrentPlugin records the current plugin attempt as failed.
func (o *Outgoing) FailCurrentPlugin(backend store.Backend) error {
	if err := o.State.FailCurrentPlugin(); err != nil {
		return err
	}
	return o.persist(backend)
}

// Complete marks the payment COMPLETED via its current plugin.
func (o *Outgoing) Complete(backend store.Backend) error {
	if err := o.State.Complete(); err != nil {
		return err
	}
	return o.persist(backend)
}

// Cancel transitions the payment to CANCELLED.
func (o *Outgoing) Cancel(backend store.Backend) error {
	if err := o.State.Cancel(); err != nil {
		return err
	}
	return o.persist(backend)
}

// RecordPluginUpdate persists the latest notification the engaged plugin
// reported, independent of any state transition it may also trigger.
func (o *Outgoing) RecordPluginUpdate(backend store.Backend, update interface{}) error {
	raw, err := json.Marshal(update)
	if err != nil {
		return err
	}
	o.LastPluginUpdate = raw
	return backend.UpdateOutgoingPayment(o.ID, map[string]interface{}{"lastPluginUpdate": o.LastPluginUpdate})
}

// Remove soft-deletes the payment.
func (o *Outgoing) Remove(backend store.Backend) error {
	if err := backend.UpdateOutgoingPayment(o.ID, map[string]interface{}{"removed": true}); err != nil {
		return err
	}
	o.Removed = true
	return nil
}

// --- incoming ---

// ReceivedAttempt records one plugin's report of funds received against an
// Incoming payment.
type ReceivedAttempt struct {
	Name       string                 `json:"name"`
	State      paymentstate.RunState  `json:"state"`
	Amount     amount.Amount          `json:"amount"`
	RawData    json.RawMessage        `json:"rawData"`
	ReceivedAt time.Time              `json:"receivedAt"`
}

// IncomingState is the reconciliation state of an incoming payment. Unlike
// an outgoing payment there is no plugin retry loop to drive -- a receipt
// either completes the payment or it doesn't.
type IncomingState string

const (
	IncomingInProgress IncomingState = "IN_PROGRESS"
	IncomingCompleted  IncomingState = "COMPLETED"
)

// Incoming is a payment PaymentReceiver is waiting to be paid, reconciled
// as receipts arrive from one or more plugins.
type Incoming struct {
	ID                    string            `json:"id"`
	ClientOrderID         string            `json:"clientOrderId"`
	Memo                  string            `json:"memo"`
	Amount                *amount.Amount    `json:"amount"`
	ExpectedAmount        amount.Amount     `json:"expectedAmount"`
	ExpectedCurrency      string            `json:"expectedCurrency"`
	ExpectedDenomination  amount.Denomination `json:"expectedDenomination"`
	Direction             Direction         `json:"direction"`
	InternalState         IncomingState     `json:"internalState"`
	ReceivedByPlugins     []ReceivedAttempt `json:"receivedByPlugins"`
	CreatedAt             time.Time         `json:"createdAt"`
	Removed               bool              `json:"removed"`
}

// NewIncoming constructs a fresh Incoming awaiting payment. clientOrderID
// may be empty: non-personal reconciliation (internal/paymentreceiver's
// handleNonPersonalPayment) has no client-chosen order to attach, only
// whatever (possibly empty) value a plugin reported. Callers on the
// personal/invoice-backed path (CreateInvoice) reject an empty
// clientOrderID themselves before reaching here.
func NewIncoming(id, clientOrderID, memo string, expected amount.Amount) (*Incoming, error) {
	return &Incoming{
		ID:                   id,
		ClientOrderID:        clientOrderID,
		Memo:                 memo,
		ExpectedAmount:       expected,
		ExpectedCurrency:     expected.Currency,
		ExpectedDenomination: expected.Denomination,
		Direction:            In,
		InternalState:        IncomingInProgress,
		ReceivedByPlugins:    []ReceivedAttempt{},
		CreatedAt:            Now(),
	}, nil
}

// Save persists a newly constructed Incoming.
func (i *Incoming) Save(backend store.Backend) error {
	return backend.SaveIncomingPayment(i.ID, i)
}

// LoadIncoming fetches and unmarshals an Incoming by id.
func LoadIncoming(backend store.Backend, id string, removed store.RemovedFilter) (*Incoming, error) {
	raw, err := backend.GetIncomingPayment(id, removed)
	if err != nil {
		return nil, err
	}
	var in Incoming
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	return &in, nil
}

// RecordReceipt appends a plugin's reported receipt, refuses it outright on
// a currency/denomination mismatch (spec 7: receive path, never mutates
// state on mismatch), and completes the payment once the accumulated total
// is at least the expected amount (invariant 6).
func (i *Incoming) RecordReceipt(backend store.Backend, attempt ReceivedAttempt) error {
	if attempt.Amount.Currency != i.ExpectedCurrency {
		return apierr.ErrPaymentCurrencyMismatch
	}
	if attempt.Amount.Denomination != i.ExpectedDenomination {
		return apierr.ErrPaymentDenominationMismatch
	}

	total := attempt.Amount
	for _, prior := range i.ReceivedByPlugins {
		sum, err := amount.Add(total, prior.Amount)
		if err != nil {
			return err
		}
		total = sum
	}

	i.ReceivedByPlugins = append(i.ReceivedByPlugins, attempt)
	i.Amount = &total

	complete, err := amount.GreaterOrEqual(total, i.ExpectedAmount)
	if err != nil {
		return err
	}
	if complete {
		i.InternalState = IncomingCompleted
	}

	return backend.UpdateIncomingPayment(i.ID, map[string]interface{}{
		"receivedByPlugins": i.ReceivedByPlugins,
		"amount":            i.Amount,
		"internalState":     i.InternalState,
	})
}

// Remove soft-deletes the payment.
func (i *Incoming) Remove(backend store.Backend) error {
	if err := backend.UpdateIncomingPayment(i.ID, map[string]interface{}{"removed": true}); err != nil {
		return err
	}
	i.Removed = true
	return nil
}

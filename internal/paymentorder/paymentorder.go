// Package paymentorder implements Component F: the (possibly recurring)
// PaymentOrder that materialises into one or more outgoing PaymentObjects,
// drives which one is actionable next, and reports completion/cancellation
// across the whole batch.
package paymentorder

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"gitlab.com/arcanecrypto/paykit/internal/amount"
	"gitlab.com/arcanecrypto/paykit/internal/apierr"
	"gitlab.com/arcanecrypto/paykit/internal/paymentobject"
	"gitlab.com/arcanecrypto/paykit/internal/paymentstate"
	"gitlab.com/arcanecrypto/paykit/internal/platform/store"
)

// OrderState is the lifecycle stage of a PaymentOrder.
type OrderState string

const (
	Created     OrderState = "CREATED"
	Initialized OrderState = "INITIALIZED"
	Processing  OrderState = "PROCESSING"
	Completed   OrderState = "COMPLETED"
	Cancelled   OrderState = "CANCELLED"
)

// Now is overridable in tests so CreatedAt is deterministic.
var Now = time.Now

// Order is a (possibly recurring) request to pay a counterparty, which
// materialises into one or more outgoing PaymentObjects.
type Order struct {
	ID              string                      `json:"id"`
	ClientOrderID   string                      `json:"clientOrderId"`
	State           OrderState                  `json:"state"`
	Frequency       time.Duration               `json:"frequency"`
	Amount          amount.Amount               `json:"amount"`
	CounterpartyURL string                      `json:"counterpartyURL"`
	Memo            string                      `json:"memo"`
	SendingPriority []string                    `json:"sendingPriority"`
	CreatedAt       time.Time                   `json:"createdAt"`
	FirstPaymentAt  time.Time                   `json:"firstPaymentAt"`
	LastPaymentAt   *time.Time                  `json:"lastPaymentAt"`
	Removed         bool                        `json:"removed"`

	// Payments is populated by Init and Find, never persisted as part of
	// the order document -- each payment is its own row, looked up by
	// orderId.
	Payments []*paymentobject.Outgoing `json:"-"`
}

// New validates and constructs an Order in state CREATED. minFrequency is
// the smallest positive frequency a recurring order may specify
// (config.MinFrequency at the call site).
func New(clientOrderID, counterpartyURL, memo string, sendingPriority []string, amt amount.Amount, frequency, minFrequency time.Duration, firstPaymentAt time.Time, lastPaymentAt *time.Time) (*Order, error) {
	if counterpartyURL == "" {
		return nil, apierr.ErrCounterpartyRequired
	}
	if frequency != 0 && frequency < minFrequency {
		return nil, apierr.ErrInvalidFrequency
	}
	if firstPaymentAt.IsZero() {
		return nil, apierr.ErrInvalidTimestamp
	}
	if lastPaymentAt != nil && lastPaymentAt.Before(firstPaymentAt) {
		return nil, apierr.ErrInvalidTimestamp
	}

	priority := make([]string, len(sendingPriority))
	copy(priority, sendingPriority)

	return &Order{
		ClientOrderID:   clientOrderID,
		State:           Created,
		Frequency:       frequency,
		Amount:          amt,
		CounterpartyURL: counterpartyURL,
		Memo:            memo,
		SendingPriority: priority,
		CreatedAt:       Now(),
		FirstPaymentAt:  firstPaymentAt,
		LastPaymentAt:   lastPaymentAt,
	}, nil
}

// Init assigns the order's id, materialises its PaymentObject batch (one
// payment for a one-time order, a batch for a recurring one), and persists
// the order and every payment. batchSize is used only when the order is
// recurring and has no LastPaymentAt (config.BatchSize at the call site).
func (o *Order) Init(backend store.Backend, batchSize int) error {
	o.ID = uuid.NewString()
	o.State = Initialized

	payments, err := o.materializeBatch(o.FirstPaymentAt, batchSize)
	if err != nil {
		return err
	}

	if err := o.Save(backend); err != nil {
		return err
	}
	for _, p := range payments {
		if err := p.Save(backend); err != nil {
			return err
		}
	}
	o.Payments = payments
	return nil
}

// materializeBatch builds count payments for a one-time order (count == 1,
// executeAt == from) or a recurring one (count derived from LastPaymentAt,
// or batchSize when open-ended), starting at from.
func (o *Order) materializeBatch(from time.Time, batchSize int) ([]*paymentobject.Outgoing, error) {
	count := 1
	if o.Frequency != 0 {
		count = batchSize
		if o.LastPaymentAt != nil {
			count = int(o.LastPaymentAt.Sub(from) / o.Frequency)
			if count < 1 {
				count = 1
			}
		}
	}

	batch := make([]*paymentobject.Outgoing, 0, count)
	for i := 0; i < count; i++ {
		executeAt := from
		if o.Frequency != 0 {
			executeAt = from.Add(time.Duration(i) * o.Frequency)
		}
		p, err := paymentobject.NewOutgoing(uuid.NewString(), o.ID, o.ClientOrderID, o.CounterpartyURL, o.Memo, o.SendingPriority, o.Amount, executeAt)
		if err != nil {
			return nil, err
		}
		batch = append(batch, p)
	}
	return batch, nil
}

// Save persists a newly-initialised order document (never its payments,
// which live in their own rows).
func (o *Order) Save(backend store.Backend) error {
	return backend.SaveOrder(o.ID, o)
}

func (o *Order) persistState(backend store.Backend) error {
	return backend.UpdateOrder(o.ID, map[string]interface{}{"state": o.State})
}

// Find loads an order and every non-removed outgoing payment belonging to
// it, reconstructing the full Order with its Payments populated, ordered by
// ExecuteAt.
func Find(backend store.Backend, id string) (*Order, error) {
	raw, err := backend.GetOrder(id, false)
	if err != nil {
		return nil, err
	}
	var o Order
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, err
	}

	rows, err := backend.GetOutgoingPayments(map[string]interface{}{"orderId": id}, store.Active)
	if err != nil {
		return nil, err
	}
	payments := make([]*paymentobject.Outgoing, 0, len(rows))
	for _, row := range rows {
		var p paymentobject.Outgoing
		if err := json.Unmarshal(row, &p); err != nil {
			return nil, err
		}
		payments = append(payments, &p)
	}
	sort.Slice(payments, func(i, j int) bool { return payments[i].ExecuteAt.Before(payments[j].ExecuteAt) })
	o.Payments = payments
	return &o, nil
}

// firstNonFinal returns the first payment whose internal state is neither
// terminal nor already in progress, or nil if there is none.
func (o *Order) firstNonFinal() *paymentobject.Outgoing {
	for _, p := range o.Payments {
		if !p.State.IsTerminal() && p.State.InternalState != paymentstate.InProgress {
			return p
		}
	}
	return nil
}

// canExtend reports whether this order may grow another batch once its
// current one is exhausted: only an open-ended recurring order (no caller
// fixed LastPaymentAt) extends indefinitely. A recurring order bounded by
// an explicit LastPaymentAt already materialised its full payment count at
// Init and is never extended further.
func (o *Order) canExtend() bool {
	return o.Frequency != 0 && o.LastPaymentAt == nil
}

func (o *Order) lastExecuteAt() time.Time {
	last := o.FirstPaymentAt
	for _, p := range o.Payments {
		if p.ExecuteAt.After(last) {
			last = p.ExecuteAt
		}
	}
	return last
}

// extendBatch allocates and persists batchSize further payments continuing
// from the latest existing payment's ExecuteAt, appending them to
// o.Payments.
func (o *Order) extendBatch(backend store.Backend, batchSize int) ([]*paymentobject.Outgoing, error) {
	from := o.lastExecuteAt().Add(o.Frequency)
	batch, err := o.materializeBatch(from, batchSize)
	if err != nil {
		return nil, err
	}
	for _, p := range batch {
		if err := p.Save(backend); err != nil {
			return nil, err
		}
	}
	o.Payments = append(o.Payments, batch...)
	return batch, nil
}

// Process returns the next actionable payment, mutating and persisting the
// order/payment as needed:
//  1. any FAILED payment aborts the whole order with CAN_NOT_PROCESS_ORDER.
//  2. an IN_PROGRESS payment with a CurrentPlugin still set is returned
//     unchanged (idempotent); one with CurrentPlugin cleared (a prior
//     plugin attempt just failed) is advanced to its next pending plugin,
//     or failed outright if none remain, before being returned.
//  3. otherwise the first non-final payment is found, extending the batch
//     or completing the order if none remains.
//  4. a candidate whose ExecuteAt is still in the future is returned
//     unchanged -- the caller retries later.
//  5. otherwise the candidate is engaged (its first pending plugin is
//     picked) and the order is marked PROCESSING.
func (o *Order) Process(backend store.Backend, batchSize int, now time.Time) (*paymentobject.Outgoing, error) {
	for _, p := range o.Payments {
		if p.State.InternalState == paymentstate.Failed {
			return nil, apierr.ErrCanNotProcessOrder
		}
	}

	for _, p := range o.Payments {
		if p.State.InternalState == paymentstate.InProgress {
			if p.State.CurrentPlugin != nil {
				return p, nil
			}
			// CurrentPlugin is nil here because FailCurrentPlugin cleared it
			// to signal the next pending plugin should be engaged -- or that
			// the payment should fail if none remain.
			if _, err := p.Process(backend); err != nil {
				return nil, err
			}
			return p, nil
		}
	}

	candidate := o.firstNonFinal()
	if candidate == nil {
		if o.canExtend() {
			batch, err := o.extendBatch(backend, batchSize)
			if err != nil {
				return nil, err
			}
			if len(batch) == 0 {
				return nil, o.Complete(backend)
			}
			candidate = batch[0]
		} else {
			return nil, o.Complete(backend)
		}
	}

	if candidate.ExecuteAt.After(now) {
		return candidate, nil
	}

	if _, err := candidate.Process(backend); err != nil {
		return nil, err
	}

	if o.State != Processing {
		o.State = Processing
		if err := o.persistState(backend); err != nil {
			return nil, err
		}
	}
	return candidate, nil
}

// Complete marks the order COMPLETED. It refuses if the order is already
// CANCELLED or COMPLETED, or if any payment is not yet in a terminal state.
func (o *Order) Complete(backend store.Backend) error {
	if o.State == Cancelled {
		return apierr.ErrOrderCancelled
	}
	if o.State == Completed {
		return apierr.ErrOrderCompleted
	}
	for _, p := range o.Payments {
		if !p.State.IsTerminal() {
			return apierr.ErrOutstandingPayments
		}
	}
	o.State = Completed
	return o.persistState(backend)
}

// Cancel transitions the order and every non-final payment to CANCELLED.
// It refuses from COMPLETED.
func (o *Order) Cancel(backend store.Backend) error {
	if o.State == Completed {
		return apierr.ErrOrderCompleted
	}
	for _, p := range o.Payments {
		if !p.State.IsTerminal() {
			if err := p.Cancel(backend); err != nil {
				return err
			}
		}
	}
	o.State = Cancelled
	return o.persistState(backend)
}

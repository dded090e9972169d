// Package plugin defines the contract a payment plugin implements (spec
// §6): construction against a storage handle, a manifest describing its
// capabilities, and the payment/event operations PluginManager dispatches
// to. Required capabilities are a single Go interface; optional ones
// (Stop, UpdatePayment, Pay, ReceivePayment) are separate interfaces a
// concrete plugin implements only if its manifest advertises them --
// PluginManager checks for these with a type assertion instead of the
// spec's runtime "is this a method on the plugin object" check.
package plugin

import (
	"encoding/json"
	"time"
)

// Type is the kind of plugin, as declared in its manifest.
type Type string

// Payment is the only plugin type the engine currently dispatches payments
// to; other types may appear in a manifest but the engine does not
// special-case them.
const Payment Type = "payment"

// ReceiveEvent is the well-known event name a payment-type plugin must
// declare so PluginManager.DispatchEvent can reach its ReceivePayment.
const ReceiveEvent = "receivePayment"

// Manifest describes a plugin's name and capabilities.
type Manifest struct {
	Name        string   `json:"name"`
	Type        Type     `json:"type"`
	RPC         []string `json:"rpc,omitempty"`
	Events      []string `json:"events,omitempty"`
	Version     string   `json:"version,omitempty"`
	Description string   `json:"description,omitempty"`
}

// HasRPC reports whether the manifest declares method as an RPC name.
func (m Manifest) HasRPC(method string) bool {
	for _, r := range m.RPC {
		if r == method {
			return true
		}
	}
	return false
}

// HasEvent reports whether the manifest declares it handles event.
func (m Manifest) HasEvent(event string) bool {
	for _, e := range m.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Storage is the minimal key/value handle a plugin is constructed with; it
// lets a plugin persist its own connection details (e.g. a node RPC
// endpoint) without reaching into the engine's Store.
type Storage interface {
	Get(key string) (string, bool)
	Set(key, value string) error
}

// PayPayload is the payment-identifying data forwarded to a plugin's Pay,
// restricted to the fields spec §4.G names as safe to share with a plugin.
type PayPayload struct {
	ID           string `json:"id"`
	OrderID      string `json:"orderId"`
	Memo         string `json:"memo"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	Denomination string `json:"denomination"`
}

// Update is a notification a plugin reports back through the callback it
// was given, tagged by Type per spec §6.
type Update struct {
	Type               string          `json:"type"`
	PluginName         string          `json:"pluginName"`
	ID                 string          `json:"id"`
	OrderID            string          `json:"orderId"`
	PluginState        string          `json:"pluginState,omitempty"`
	Data               json.RawMessage `json:"data,omitempty"`
	Amount             string          `json:"amount,omitempty"`
	Currency           string          `json:"currency,omitempty"`
	Denomination       string          `json:"denomination,omitempty"`
	Memo               string          `json:"memo,omitempty"`
	RawData            json.RawMessage `json:"rawData,omitempty"`
	IsPersonalPayment  bool            `json:"isPersonalPayment,omitempty"`
	ClientOrderID      string          `json:"clientOrderId,omitempty"`
	AmountWasSpecified bool            `json:"amountWasSpecified,omitempty"`
	ReceivedAt         time.Time       `json:"receivedAt,omitempty"`
}

// Notification update types.
const (
	UpdatePaymentNew             = "payment_new"
	UpdatePaymentUpdate          = "payment_update"
	UpdatePaymentOrderCompleted  = "payment_order_completed"
	UpdateReadyToReceive         = "ready_to_receive"
)

// Plugin state reported on an Update of type payment_update.
const (
	StateSubmitted = "submitted"
	StateFailed    = "failed"
	StateSuccess   = "success"
)

// NotificationCallback is how a plugin reports progress back to the engine.
type NotificationCallback func(Update)

// PayArgs is what PaymentSender hands a plugin's Pay.
type PayArgs struct {
	Target               string
	Payload              PayPayload
	NotificationCallback NotificationCallback
}

// ReceivePayload is what PaymentReceiver hands a plugin's ReceivePayment.
type ReceivePayload struct {
	ID                   string
	NotificationCallback NotificationCallback
	ClientOrderID        string
	ExpectedAmount       string
	ExpectedCurrency     string
	ExpectedDenomination string
}

// Plugin is the capability every loaded plugin must implement.
type Plugin interface {
	Init(storage Storage) error
	GetManifest() (Manifest, error)
}

// Payer is implemented by a payment-type plugin; its manifest's rpc must
// declare "pay".
type Payer interface {
	Pay(args PayArgs) error
}

// Stopper is implemented by a plugin that needs to release resources when
// stopped. Optional.
type Stopper interface {
	Stop() error
}

// PaymentUpdater is implemented by a plugin that accepts out-of-band
// user-originated updates to an in-progress payment. Optional.
type PaymentUpdater interface {
	UpdatePayment(data interface{}) error
}

// ReceivePaymentHandler is implemented by a plugin that can be asked to
// start watching for an incoming payment. Its manifest's events must
// declare ReceiveEvent.
type ReceivePaymentHandler interface {
	ReceivePayment(payload ReceivePayload) error
}

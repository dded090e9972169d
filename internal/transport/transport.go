// Package transport defines the key/value-over-URL contract paykit
// publishes its payment catalogues through (spec §6), plus an in-memory
// fake for tests and a reference HTTP implementation for production.
package transport

import "context"

// Options modify a Create call.
type Options struct {
	// AwaitRelaySync blocks until the written value is durably visible to
	// a subsequent ReadRemote, rather than returning as soon as it's queued.
	AwaitRelaySync bool
	// Encrypt marks the value as belonging to a private (invoice-scoped)
	// path and must be encrypted at rest by the transport implementation.
	Encrypt bool
}

// Connector is the transport contract PaymentReceiver and PaymentSender
// consume to publish and read payment catalogues.
type Connector interface {
	// Init prepares the transport for use (e.g. opening a connection).
	Init(ctx context.Context) error
	// Close releases any resources Init acquired.
	Close(ctx context.Context) error
	// Create writes value at path and returns the URL it can be read back
	// from.
	Create(ctx context.Context, path string, value []byte, opts Options) (string, error)
	// ReadRemote reads the value at url, or (nil, nil) if nothing is
	// published there yet.
	ReadRemote(ctx context.Context, url string) ([]byte, error)
	// GetURL returns the URL a value at path would be reachable at,
	// without requiring it already exist.
	GetURL(ctx context.Context, path string, opts Options) (string, error)
}

// Canonical catalogue paths (spec §6, "Persisted state layout").
const (
	PublicCatalogue = "/public/slashpay.json"
)

// PublicPluginPath is the per-plugin public endpoint path.
func PublicPluginPath(pluginName string) string {
	return "/public/slashpay/" + pluginName + "/slashpay.json"
}

// PrivateCataloguePath is the encrypted per-invoice index path.
func PrivateCataloguePath(invoiceID string) string {
	return "/slashpay/" + invoiceID + "/slashpay.json"
}

// PrivatePluginPath is the encrypted per-invoice, per-plugin endpoint path.
func PrivatePluginPath(invoiceID, pluginName string) string {
	return "/slashpay/" + invoiceID + "/" + pluginName + "/slashpay.json"
}

// Catalogue is the document published at PublicCatalogue / PrivateCataloguePath.
type Catalogue struct {
	PaymentEndpoints map[string]string `json:"paymentEndpoints"`
}

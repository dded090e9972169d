// Package paymentreceiver implements Component H: assembles and publishes
// the payment catalogue a counterparty's PaymentSender resolves against,
// and reconciles incoming payments plugins report against it.
package paymentreceiver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"gitlab.com/arcanecrypto/paykit/internal/amount"
	"gitlab.com/arcanecrypto/paykit/internal/apierr"
	"gitlab.com/arcanecrypto/paykit/internal/paymentobject"
	"gitlab.com/arcanecrypto/paykit/internal/paymentstate"
	"gitlab.com/arcanecrypto/paykit/internal/plugin"
	"gitlab.com/arcanecrypto/paykit/internal/pluginmanager"
	"gitlab.com/arcanecrypto/paykit/internal/platform/store"
	"gitlab.com/arcanecrypto/paykit/internal/transport"
)

// NotifyFunc is invoked with every Incoming payment the receiver creates or
// updates, whether freshly reconciled or still awaiting further funds.
type NotifyFunc func(*paymentobject.Incoming)

// Receiver assembles and publishes the payment catalogue and reconciles
// incoming payments plugins report against it. Like Sender it is
// short-lived: constructed for a single init/createInvoice call or a
// single incoming plugin notification.
type Receiver struct {
	Backend   store.Backend
	Plugins   *pluginmanager.Manager
	Transport transport.Connector
	Notify    NotifyFunc
}

// New constructs a Receiver.
func New(backend store.Backend, plugins *pluginmanager.Manager, conn transport.Connector, notify NotifyFunc) *Receiver {
	return &Receiver{Backend: backend, Plugins: plugins, Transport: conn, Notify: notify}
}

// activePaymentPlugins returns the name of every active payment-type
// plugin.
func (r *Receiver) activePaymentPlugins() []string {
	active := true
	var names []string
	for _, e := range r.Plugins.GetPlugins(&active) {
		if e.Manifest.Type == plugin.Payment {
			names = append(names, e.Manifest.Name)
		}
	}
	return names
}

// Init assembles the public catalogue from every active payment plugin's
// public endpoint, publishes it, and dispatches the receive event so
// plugins start watching for unsolicited payments. Returns the catalogue's
// URL.
func (r *Receiver) Init(ctx context.Context) (string, error) {
	endpoints := map[string]string{}
	for _, name := range r.activePaymentPlugins() {
		url, err := r.Transport.GetURL(ctx, transport.PublicPluginPath(name), transport.Options{})
		if err != nil {
			return "", errors.Wrapf(err, "paymentreceiver: public endpoint for %s", name)
		}
		endpoints[name] = url
	}

	url, err := r.publishCatalogue(ctx, transport.PublicCatalogue, endpoints, transport.Options{AwaitRelaySync: true})
	if err != nil {
		return "", err
	}

	r.Plugins.DispatchEvent(plugin.ReceiveEvent, plugin.ReceivePayload{
		NotificationCallback: r.handlePluginNotification,
	})
	return url, nil
}

// CreateInvoice assembles and publishes an encrypted, invoice-scoped
// catalogue, creates the initial Incoming PaymentObject awaiting payment,
// and dispatches the receive event enriched with the expected amount.
// Returns the invoice catalogue's URL.
func (r *Receiver) CreateInvoice(ctx context.Context, clientOrderID string, expected amount.Amount) (string, error) {
	if clientOrderID == "" {
		return "", apierr.ErrPayloadClientOrderIdMissing
	}

	endpoints := map[string]string{}
	for _, name := range r.activePaymentPlugins() {
		url, err := r.Transport.GetURL(ctx, transport.PrivatePluginPath(clientOrderID, name), transport.Options{Encrypt: true})
		if err != nil {
			return "", errors.Wrapf(err, "paymentreceiver: private endpoint for %s", name)
		}
		endpoints[name] = url
	}

	url, err := r.publishCatalogue(ctx, transport.PrivateCataloguePath(clientOrderID), endpoints, transport.Options{AwaitRelaySync: true, Encrypt: true})
	if err != nil {
		return "", err
	}

	incoming, err := paymentobject.NewIncoming(uuid.NewString(), clientOrderID, "", expected)
	if err != nil {
		return "", err
	}
	if err := incoming.Save(r.Backend); err != nil {
		return "", err
	}

	r.Plugins.DispatchEvent(plugin.ReceiveEvent, plugin.ReceivePayload{
		ID:                   incoming.ID,
		NotificationCallback: r.handlePluginNotification,
		ClientOrderID:        clientOrderID,
		ExpectedAmount:       expected.Amount,
		ExpectedCurrency:     expected.Currency,
		ExpectedDenomination: string(expected.Denomination),
	})
	return url, nil
}

func (r *Receiver) publishCatalogue(ctx context.Context, path string, endpoints map[string]string, opts transport.Options) (string, error) {
	data, err := json.Marshal(transport.Catalogue{PaymentEndpoints: endpoints})
	if err != nil {
		return "", err
	}
	return r.Transport.Create(ctx, path, data, opts)
}

// handlePluginNotification is the NotificationCallback handed to every
// plugin's ReceivePayment. payment_new updates are routed to
// HandleNewPayment; anything else is logged and dropped -- a receiving
// plugin has nothing else to report through this channel.
func (r *Receiver) handlePluginNotification(update plugin.Update) {
	if update.Type != plugin.UpdatePaymentNew {
		log.WithField("type", update.Type).Warn("unexpected notification on receive channel, dropped")
		return
	}
	if _, err := r.HandleNewPayment(context.Background(), update, true); err != nil {
		log.WithError(err).WithField("paymentId", update.ID).Error("failed to handle incoming payment")
	}
}

// HandleNewPayment reconciles one plugin-reported receipt. A personal
// payment (payload.IsPersonalPayment) is matched against its existing
// Incoming by id and may complete it or leave a shortfall, in which case a
// continuation invoice is created for the remainder. A non-personal
// payment is recorded as a fresh, already-COMPLETED Incoming. If
// regenerate, the public catalogue is republished afterward so a
// now-exhausted endpoint stops being advertised.
func (r *Receiver) HandleNewPayment(ctx context.Context, update plugin.Update, regenerate bool) (*paymentobject.Incoming, error) {
	var incoming *paymentobject.Incoming
	var err error
	if update.IsPersonalPayment {
		incoming, err = r.handlePersonalPayment(ctx, update)
	} else {
		incoming, err = r.handleNonPersonalPayment(update)
	}
	if err != nil {
		return nil, err
	}

	if regenerate {
		if _, err := r.Init(ctx); err != nil {
			return nil, err
		}
	}

	if r.Notify != nil {
		r.Notify(incoming)
	}
	return incoming, nil
}

func (r *Receiver) handlePersonalPayment(ctx context.Context, update plugin.Update) (*paymentobject.Incoming, error) {
	incoming, err := paymentobject.LoadIncoming(r.Backend, update.ID, store.Active)
	if err != nil {
		return nil, err
	}

	received, err := amount.New(update.Amount, update.Currency, amount.Denomination(update.Denomination))
	if err != nil {
		return nil, err
	}

	attempt := paymentobject.ReceivedAttempt{
		Name:       update.PluginName,
		State:      paymentstate.RunSucceeded,
		Amount:     received,
		RawData:    update.RawData,
		ReceivedAt: receivedAtOrNow(update.ReceivedAt),
	}
	if err := incoming.RecordReceipt(r.Backend, attempt); err != nil {
		return nil, err
	}

	if incoming.InternalState != paymentobject.IncomingCompleted {
		missing, err := amount.Subtract(incoming.ExpectedAmount, *incoming.Amount)
		if err != nil {
			return nil, err
		}
		if _, err := r.CreateInvoice(ctx, update.ClientOrderID, missing); err != nil {
			return nil, errors.Wrap(err, "paymentreceiver: continuation invoice for shortfall")
		}
	}
	return incoming, nil
}

func (r *Receiver) handleNonPersonalPayment(update plugin.Update) (*paymentobject.Incoming, error) {
	currency := update.Currency
	if currency == "" {
		currency = "BTC"
	}
	denomination := update.Denomination
	if denomination == "" {
		denomination = string(amount.Base)
	}
	received, err := amount.New(update.Amount, currency, amount.Denomination(denomination))
	if err != nil {
		return nil, err
	}

	incoming, err := paymentobject.NewIncoming(uuid.NewString(), update.ClientOrderID, update.Memo, received)
	if err != nil {
		return nil, err
	}
	incoming.Amount = &received
	incoming.InternalState = paymentobject.IncomingCompleted
	incoming.ReceivedByPlugins = []paymentobject.ReceivedAttempt{{
		Name:       update.PluginName,
		State:      paymentstate.RunSucceeded,
		Amount:     received,
		RawData:    update.RawData,
		ReceivedAt: receivedAtOrNow(update.ReceivedAt),
	}}
	if err := incoming.Save(r.Backend); err != nil {
		return nil, err
	}
	return incoming, nil
}

func receivedAtOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

// Package paymentmanager implements Component I: the thin orchestration
// facade a host application drives -- it owns nothing a lower component
// doesn't already own, and exists to wire PaymentOrder, PaymentSender, and
// PaymentReceiver together behind the handful of entry points spec §4.I
// names.
package paymentmanager

import (
	"context"
	"sync"
	"time"

	"gitlab.com/arcanecrypto/paykit/internal/amount"
	"gitlab.com/arcanecrypto/paykit/internal/apierr"
	"gitlab.com/arcanecrypto/paykit/internal/paymentobject"
	"gitlab.com/arcanecrypto/paykit/internal/paymentorder"
	"gitlab.com/arcanecrypto/paykit/internal/paymentreceiver"
	"gitlab.com/arcanecrypto/paykit/internal/paymentsender"
	"gitlab.com/arcanecrypto/paykit/internal/plugin"
	"gitlab.com/arcanecrypto/paykit/internal/pluginmanager"
	"gitlab.com/arcanecrypto/paykit/internal/platform/store"
	"gitlab.com/arcanecrypto/paykit/internal/transport"
)

// UserNotifyFunc is where a notification with no more specific home (an
// intermediate plugin update, an out-of-band user-action prompt, a
// completed-order informational message) is finally reported. The host
// application supplies this -- paykit itself never decides how a user is
// notified.
type UserNotifyFunc func(plugin.Update)

// CreateOrderParams is the validated input to CreatePaymentOrder.
type CreateOrderParams struct {
	ClientOrderID   string
	CounterpartyURL string
	Memo            string
	SendingPriority []string
	Amount          amount.Amount
	Frequency       time.Duration
	FirstPaymentAt  time.Time
	LastPaymentAt   *time.Time
}

// Manager is the facade a host application constructs once and drives for
// the lifetime of the engine.
type Manager struct {
	Backend   store.Backend
	Plugins   *pluginmanager.Manager
	Transport transport.Connector
	BatchSize int
	MinFrequency time.Duration
	Notify    UserNotifyFunc

	mu    sync.Mutex
	ready bool
	// senders tracks the Sender that last engaged a plugin for a given
	// order, so a payment_update arriving through entryPointForPlugin
	// (rather than through the Pay-call notificationCallback directly)
	// can still be routed to the right in-progress payment, and so
	// entryPointForUser can find the active plugin to forward a
	// user-originated update to.
	senders map[string]*paymentsender.Sender
}

// New constructs a Manager. It is not ready for use until Init succeeds.
func New(backend store.Backend, plugins *pluginmanager.Manager, conn transport.Connector, batchSize int, minFrequency time.Duration, notify UserNotifyFunc) *Manager {
	return &Manager{
		Backend:      backend,
		Plugins:      plugins,
		Transport:    conn,
		BatchSize:    batchSize,
		MinFrequency: minFrequency,
		Notify:       notify,
		senders:      map[string]*paymentsender.Sender{},
	}
}

// Init prepares the transport and marks the engine ready. The Store itself
// is already ready once constructed (store.New requires an open *sqlx.DB).
func (m *Manager) Init(ctx context.Context) error {
	if err := m.Transport.Init(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.ready = true
	m.mu.Unlock()
	return nil
}

func (m *Manager) requireReady() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return apierr.ErrNotReady
	}
	return nil
}

// CreatePaymentOrder constructs, initializes (materializing its first
// batch of payments), and persists a new PaymentOrder.
func (m *Manager) CreatePaymentOrder(params CreateOrderParams) (*paymentorder.Order, error) {
	if err := m.requireReady(); err != nil {
		return nil, err
	}
	order, err := paymentorder.New(
		params.ClientOrderID,
		params.CounterpartyURL,
		params.Memo,
		params.SendingPriority,
		params.Amount,
		params.Frequency,
		m.MinFrequency,
		params.FirstPaymentAt,
		params.LastPaymentAt,
	)
	if err != nil {
		return nil, err
	}
	if err := order.Init(m.Backend, m.BatchSize); err != nil {
		return nil, err
	}
	return order, nil
}

// SendPayment loads orderID and submits its next actionable payment.
func (m *Manager) SendPayment(ctx context.Context, orderID string) error {
	if err := m.requireReady(); err != nil {
		return err
	}
	order, err := paymentorder.Find(m.Backend, orderID)
	if err != nil {
		return err
	}

	sender := paymentsender.New(order, m.Plugins, m.Transport, m.Backend, m.BatchSize, m.entryPointForPlugin)
	m.trackSender(orderID, sender)
	return sender.Submit(ctx)
}

// ReceivePayments loads the engine's active plugins into a fresh Receiver
// and publishes the public catalogue, returning its URL.
func (m *Manager) ReceivePayments(ctx context.Context) (string, error) {
	if err := m.requireReady(); err != nil {
		return "", err
	}
	receiver := paymentreceiver.New(m.Backend, m.Plugins, m.Transport, m.userNotifyIncoming)
	return receiver.Init(ctx)
}

// CreateInvoice publishes an invoice-scoped catalogue awaiting expected,
// returning its URL.
func (m *Manager) CreateInvoice(ctx context.Context, clientOrderID string, expected amount.Amount) (string, error) {
	if err := m.requireReady(); err != nil {
		return "", err
	}
	receiver := paymentreceiver.New(m.Backend, m.Plugins, m.Transport, m.userNotifyIncoming)
	return receiver.CreateInvoice(ctx, clientOrderID, expected)
}

func (m *Manager) userNotifyIncoming(incoming *paymentobject.Incoming) {
	if m.Notify == nil {
		log.WithField("incomingId", incoming.ID).Warn("no user notifier configured, dropping incoming payment notification")
		return
	}
	m.Notify(plugin.Update{
		Type:          plugin.UpdatePaymentNew,
		ID:            incoming.ID,
		ClientOrderID: incoming.ClientOrderID,
	})
}

func (m *Manager) trackSender(orderID string, sender *paymentsender.Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.senders[orderID] = sender
}

func (m *Manager) activeSender(orderID string) (*paymentsender.Sender, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.senders[orderID]
	return s, ok
}

// entryPointForPlugin is the engine-wide reporting sink: every Sender and
// Receiver this Manager constructs funnels its notifications through here
// (Sender.Notify directly; Receiver reports incoming payments through
// userNotifyIncoming instead, since an incoming payment is not a
// plugin.Update). It dispatches on update.Type per spec §4.I:
//   - payment_update: an in-progress payment's Sender already receives
//     this directly as its own notificationCallback; this path exists for
//     a plugin that reports progress asynchronously outside of a Pay call
//     and only knows the order id -- it is routed to that order's tracked
//     Sender if one is active, else forwarded to the user.
//   - payment_order_completed and anything else: forwarded to the user.
func (m *Manager) entryPointForPlugin(update plugin.Update) {
	if update.Type == plugin.UpdatePaymentUpdate {
		if sender, ok := m.activeSender(update.OrderID); ok {
			sender.StateUpdateCallback(update)
			return
		}
	}
	if m.Notify != nil {
		m.Notify(update)
	}
}

// HandlePluginEvent is entryPointForPlugin's exported door for a plugin that
// reports over the wire instead of calling its NotificationCallback
// in-process (paymentapi's /plugin-events route).
func (m *Manager) HandlePluginEvent(update plugin.Update) {
	m.entryPointForPlugin(update)
}

// EntryPointForUser forwards a user-originated update to the plugin
// currently handling orderID's in-progress payment.
func (m *Manager) EntryPointForUser(orderID string, data interface{}) error {
	sender, ok := m.activeSender(orderID)
	if !ok {
		return apierr.ErrNoPluginsAvailable
	}
	return sender.UpdatePayment(data)
}

// CreatePaymentFile writes a plugin-produced file (reported via a
// ready_to_receive update) to its advertised location: public when
// ClientOrderID is empty, private and encrypted otherwise.
func (m *Manager) CreatePaymentFile(ctx context.Context, update plugin.Update) (string, error) {
	if update.ClientOrderID == "" {
		return m.Transport.Create(ctx, transport.PublicPluginPath(update.PluginName), update.Data, transport.Options{})
	}
	return m.Transport.Create(ctx, transport.PrivatePluginPath(update.ClientOrderID, update.PluginName), update.Data, transport.Options{Encrypt: true})
}

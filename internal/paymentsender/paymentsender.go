// Package paymentsender implements Component G: drives a PaymentOrder's
// current outgoing payment across its plugin sendingPriority, resolving the
// counterparty's advertised endpoint through the transport and reacting to
// the plugin's asynchronous callback.
package paymentsender

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/arcanecrypto/paykit/internal/apierr"
	"gitlab.com/arcanecrypto/paykit/internal/paymentobject"
	"gitlab.com/arcanecrypto/paykit/internal/paymentorder"
	"gitlab.com/arcanecrypto/paykit/internal/plugin"
	"gitlab.com/arcanecrypto/paykit/internal/pluginmanager"
	"gitlab.com/arcanecrypto/paykit/internal/platform/store"
	"gitlab.com/arcanecrypto/paykit/internal/transport"
)

// NotifyFunc is the entry-point-for-plugin callback the engine supplies:
// every update the sender produces, successful or not, is reported to it.
type NotifyFunc func(plugin.Update)

// Sender drives one PaymentOrder's outgoing payments across plugins. It is
// meant to be short-lived and transient, constructed fresh for a single
// submit() call or a single incoming plugin callback (spec §4's note on
// back-references: it holds borrowed references, never owns them).
type Sender struct {
	Order     *paymentorder.Order
	Plugins   *pluginmanager.Manager
	Transport transport.Connector
	Backend   store.Backend
	BatchSize int
	Notify    NotifyFunc
}

// New constructs a Sender for order.
func New(order *paymentorder.Order, plugins *pluginmanager.Manager, conn transport.Connector, backend store.Backend, batchSize int, notify NotifyFunc) *Sender {
	return &Sender{Order: order, Plugins: plugins, Transport: conn, Backend: backend, BatchSize: batchSize, Notify: notify}
}

// Submit advances the order to its next actionable payment and asks the
// engaged plugin to pay it. The plugin call returns immediately -- progress
// arrives later through StateUpdateCallback.
func (s *Sender) Submit(ctx context.Context) error {
	payment, err := s.Order.Process(s.Backend, s.BatchSize, time.Now())
	if err != nil {
		return err
	}
	if payment == nil {
		return nil
	}
	if payment.State.CurrentPlugin == nil {
		return apierr.ErrNoPluginsAvailable
	}

	pluginName := payment.State.CurrentPlugin.Name
	entry, ok := s.Plugins.Get(pluginName)
	if !ok {
		return apierr.ErrFailedToLoad(pluginName)
	}
	if !entry.Active {
		return apierr.ErrPluginNotActive
	}

	payer, ok := entry.Plugin.(plugin.Payer)
	if !ok {
		return apierr.ErrFailedToLoad(pluginName)
	}

	target, err := s.resolveTarget(ctx, payment, pluginName)
	if err != nil {
		return s.handleTargetNotFound(ctx, payment)
	}

	payload := plugin.PayPayload{
		ID:           payment.ID,
		OrderID:      payment.OrderID,
		Memo:         payment.Memo,
		Amount:       payment.Amount.Amount,
		Currency:     payment.Amount.Currency,
		Denomination: string(payment.Amount.Denomination),
	}
	return payer.Pay(plugin.PayArgs{
		Target:               target,
		Payload:              payload,
		NotificationCallback: s.StateUpdateCallback,
	})
}

// resolveTarget reads the counterparty's public catalogue, looks up the
// named plugin's endpoint, then reads that endpoint's payload -- the
// result is the opaque "target" value handed to the plugin's Pay.
func (s *Sender) resolveTarget(ctx context.Context, payment *paymentobject.Outgoing, pluginName string) (string, error) {
	catalogueBytes, err := s.Transport.ReadRemote(ctx, payment.CounterpartyURL)
	if err != nil {
		return "", errors.Wrap(err, "paymentsender: read counterparty catalogue")
	}
	if catalogueBytes == nil {
		return "", apierr.ErrPaymentTargetNotFound
	}

	var catalogue transport.Catalogue
	if err := json.Unmarshal(catalogueBytes, &catalogue); err != nil {
		return "", errors.Wrap(err, "paymentsender: decode counterparty catalogue")
	}
	endpointURL, ok := catalogue.PaymentEndpoints[pluginName]
	if !ok {
		return "", apierr.ErrPaymentTargetNotFound
	}

	targetBytes, err := s.Transport.ReadRemote(ctx, endpointURL)
	if err != nil {
		return "", errors.Wrap(err, "paymentsender: read plugin endpoint")
	}
	if targetBytes == nil {
		return "", apierr.ErrPaymentTargetNotFound
	}
	return string(targetBytes), nil
}

// handleTargetNotFound fails the current plugin attempt when its target
// could not be resolved and routes it through the same failure path a
// plugin-reported failure would take. The reported update carries
// pluginState failed and no reason code; the resolution error is dropped.
func (s *Sender) handleTargetNotFound(ctx context.Context, payment *paymentobject.Outgoing) error {
	update := plugin.Update{
		Type:        plugin.UpdatePaymentUpdate,
		ID:          payment.ID,
		OrderID:     payment.OrderID,
		PluginState: plugin.StateFailed,
	}
	if payment.State.CurrentPlugin != nil {
		update.PluginName = payment.State.CurrentPlugin.Name
	}
	return s.handleFailure(ctx, payment, update)
}

// StateUpdateCallback is handed to a plugin as its NotificationCallback. It
// locates the in-progress payment the update refers to, persists it, then
// dispatches on the reported plugin state.
func (s *Sender) StateUpdateCallback(update plugin.Update) {
	payment := s.findInProgressPayment(update.ID)
	if payment == nil {
		log.WithField("paymentId", update.ID).Warn("state update for unknown or no-longer in-progress payment, dropped")
		return
	}
	if err := payment.RecordPluginUpdate(s.Backend, update); err != nil {
		log.WithError(err).WithField("paymentId", update.ID).Error("failed to persist plugin update")
		return
	}

	ctx := context.Background()
	var err error
	switch update.PluginState {
	case plugin.StateFailed:
		err = s.handleFailure(ctx, payment, update)
	case plugin.StateSuccess:
		err = s.handleSuccess(ctx, payment, update)
	default:
		s.Notify(update)
		return
	}
	if err != nil {
		log.WithError(err).WithField("paymentId", update.ID).Error("state update handling failed")
	}
}

func (s *Sender) findInProgressPayment(id string) *paymentobject.Outgoing {
	for _, p := range s.Order.Payments {
		if p.ID == id && p.State.InternalState == "IN_PROGRESS" {
			return p
		}
	}
	return nil
}

// handleFailure fails the current plugin attempt, reports it, then retries
// the order's next plugin. A NO_PLUGINS_AVAILABLE retry result is itself
// reported and treated as terminal for this payment.
func (s *Sender) handleFailure(ctx context.Context, payment *paymentobject.Outgoing, update plugin.Update) error {
	if err := payment.FailCurrentPlugin(s.Backend); err != nil {
		return err
	}
	s.Notify(update)

	err := s.Submit(ctx)
	if errors.Is(err, apierr.ErrNoPluginsAvailable) {
		s.Notify(plugin.Update{
			Type:    plugin.UpdatePaymentUpdate,
			ID:      payment.ID,
			OrderID: payment.OrderID,
		})
		return nil
	}
	return err
}

// handleSuccess completes the payment, reports it, then asks the order to
// complete. An OUTSTANDING_PAYMENTS result (a recurring order with further
// payments due) re-submits and is reported as a partial completion instead
// of propagated as an error.
func (s *Sender) handleSuccess(ctx context.Context, payment *paymentobject.Outgoing, update plugin.Update) error {
	if err := payment.Complete(s.Backend); err != nil {
		return err
	}
	s.Notify(update)

	err := s.Order.Complete(s.Backend)
	if err == nil {
		s.Notify(plugin.Update{
			Type:    plugin.UpdatePaymentOrderCompleted,
			ID:      payment.ID,
			OrderID: payment.OrderID,
		})
		return nil
	}
	if errors.Is(err, apierr.ErrOutstandingPayments) {
		s.Notify(plugin.Update{
			Type:    plugin.UpdatePaymentUpdate,
			ID:      payment.ID,
			OrderID: payment.OrderID,
		})
		return s.Submit(ctx)
	}
	return err
}

// UpdatePayment forwards an out-of-band, user-originated update to the
// current in-progress payment's plugin.
func (s *Sender) UpdatePayment(data interface{}) error {
	var current *paymentobject.Outgoing
	for _, p := range s.Order.Payments {
		if p.State.InternalState == "IN_PROGRESS" {
			current = p
			break
		}
	}
	if current == nil || current.State.CurrentPlugin == nil {
		return apierr.ErrNoPluginsAvailable
	}

	entry, ok := s.Plugins.Get(current.State.CurrentPlugin.Name)
	if !ok {
		return apierr.ErrFailedToLoad(current.State.CurrentPlugin.Name)
	}
	updater, ok := entry.Plugin.(plugin.PaymentUpdater)
	if !ok {
		return apierr.ErrFailedToLoad(current.State.CurrentPlugin.Name)
	}
	return updater.UpdatePayment(data)
}

// Package lightning is a reference payment plugin backed by lnd: it pays
// bolt11 invoices on Pay and watches lnd's invoice subscription to report
// incoming payments, following the same client-wiring and invoice-polling
// idiom as internal/platform/ln.
package lightning

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/pkg/errors"

	"gitlab.com/arcanecrypto/paykit/internal/apierr"
	"gitlab.com/arcanecrypto/paykit/internal/platform/ln"
	"gitlab.com/arcanecrypto/paykit/internal/plugin"
)

const name = "lightning"

func manifest() plugin.Manifest {
	return plugin.Manifest{
		Name:        name,
		Type:        plugin.Payment,
		RPC:         []string{"pay"},
		Events:      []string{plugin.ReceiveEvent},
		Version:     "0.1.0",
		Description: "pays and receives over the Lightning Network via lnd",
	}
}

// pendingInvoice is one receivePayment call still waiting for its invoice
// to be settled.
type pendingInvoice struct {
	payload plugin.ReceivePayload
}

// Plugin implements plugin.Plugin, plugin.Payer, plugin.Stopper, and
// plugin.ReceivePaymentHandler against a single lnd node.
type Plugin struct {
	storage plugin.Storage
	client  lnrpc.LightningClient

	mu       sync.Mutex
	pending  map[string]pendingInvoice // keyed by hex-encoded r_hash
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New returns an unconnected Plugin; Init dials lnd.
func New() *Plugin {
	return &Plugin{pending: map[string]pendingInvoice{}, stopCh: make(chan struct{})}
}

// Init reads connection settings from storage (falling back to ln's
// environment-derived defaults) and dials lnd, then starts the background
// invoice listener.
func (p *Plugin) Init(storage plugin.Storage) error {
	p.storage = storage

	cfg := ln.DefaultCfg
	if v, ok := storage.Get("lndDir"); ok && v != "" {
		cfg.LndDir = v
	}
	if v, ok := storage.Get("tlsCertPath"); ok && v != "" {
		cfg.TLSCertPath = v
	}
	if v, ok := storage.Get("macaroonPath"); ok && v != "" {
		cfg.MacaroonPath = v
	}
	if v, ok := storage.Get("network"); ok && v != "" {
		cfg.Network = v
	}
	if v, ok := storage.Get("rpcServer"); ok && v != "" {
		cfg.RPCServer = v
	}

	client, err := ln.NewLNDClient(cfg)
	if err != nil {
		return errors.Wrap(err, "lightning: dial lnd")
	}
	p.client = client

	go p.listenInvoices()
	return nil
}

// GetManifest returns this plugin's manifest.
func (p *Plugin) GetManifest() (plugin.Manifest, error) {
	return manifest(), nil
}

// Pay hands args.Target to lnd as a bolt11 payment request. The
// RPC call blocks, so it is run in a goroutine -- Pay itself returns
// immediately per the plugin contract, with the outcome arriving later
// through args.NotificationCallback.
func (p *Plugin) Pay(args plugin.PayArgs) error {
	if args.Target == "" {
		return apierr.ErrPaymentTargetNotFound
	}
	go p.pay(args)
	return nil
}

func (p *Plugin) pay(args plugin.PayArgs) {
	resp, err := p.client.SendPaymentSync(context.Background(), &lnrpc.SendRequest{PaymentRequest: args.Target})
	update := plugin.Update{
		Type:       plugin.UpdatePaymentUpdate,
		PluginName: name,
		ID:         args.Payload.ID,
		OrderID:    args.Payload.OrderID,
	}
	if err != nil || resp.GetPaymentError() != "" {
		update.PluginState = plugin.StateFailed
		if err != nil {
			log.WithError(err).WithField("paymentId", args.Payload.ID).Warn("lnd payment failed")
		} else {
			log.WithField("paymentId", args.Payload.ID).WithField("reason", resp.GetPaymentError()).Warn("lnd payment failed")
		}
		args.NotificationCallback(update)
		return
	}
	update.PluginState = plugin.StateSuccess
	update.RawData = mustMarshal(resp.GetPaymentPreimage())
	args.NotificationCallback(update)
}

// Stop closes the background invoice listener. lnd's grpc connection
// itself is owned by ln.NewLNDClient's dial, which does not expose the
// *grpc.ClientConn to close explicitly.
func (p *Plugin) Stop() error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	return nil
}

// ReceivePayment creates an invoice for payload's expected amount and
// tracks it so the invoice listener can report it settled.
func (p *Plugin) ReceivePayment(payload plugin.ReceivePayload) error {
	var value int64
	if payload.ExpectedAmount != "" {
		v, err := strconv.ParseInt(payload.ExpectedAmount, 10, 64)
		if err != nil {
			return errors.Wrap(err, "lightning: expectedAmount is not an integer number of satoshis")
		}
		value = v
	}

	invoice, err := ln.AddInvoice(p.client, lnrpc.Invoice{Value: value})
	if err != nil {
		return errors.Wrap(err, "lightning: add invoice")
	}

	rHash := hex.EncodeToString(invoice.RHash)
	p.mu.Lock()
	p.pending[rHash] = pendingInvoice{payload: payload}
	p.mu.Unlock()
	return nil
}

// listenInvoices subscribes to lnd's invoice stream and reports every
// settled invoice this plugin is tracking back through its original
// receivePayment call's NotificationCallback.
func (p *Plugin) listenInvoices() {
	msgCh := make(chan lnrpc.Invoice)
	go ln.ListenInvoices(p.client, msgCh)

	for {
		select {
		case <-p.stopCh:
			return
		case invoice := <-msgCh:
			if !invoice.GetSettled() {
				continue
			}
			p.handleSettledInvoice(invoice)
		}
	}
}

func (p *Plugin) handleSettledInvoice(invoice lnrpc.Invoice) {
	rHash := hex.EncodeToString(invoice.RHash)
	p.mu.Lock()
	pending, ok := p.pending[rHash]
	if ok {
		delete(p.pending, rHash)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	pending.payload.NotificationCallback(plugin.Update{
		Type:                 plugin.UpdatePaymentNew,
		PluginName:           name,
		ID:                   pending.payload.ID,
		Amount:               strconv.FormatInt(invoice.AmtPaidSat, 10),
		Currency:             "BTC",
		Denomination:         "BASE",
		RawData:              mustMarshal(invoice.String()),
		IsPersonalPayment:    true,
		ClientOrderID:        pending.payload.ClientOrderID,
		AmountWasSpecified:   pending.payload.ExpectedAmount != "",
	})
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

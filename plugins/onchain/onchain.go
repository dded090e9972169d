// Package onchain is a reference payment plugin backed by a bitcoind full
// node: it pays by broadcasting a plain SendToAddress on Pay, and watches
// ZMQ raw-transaction notifications to report incoming payments to
// addresses it generated, following the client-wiring and ZMQ-listener
// idiom of internal/platform/bitcoind.
package onchain

import (
	"strconv"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
	"github.com/pkg/errors"

	"gitlab.com/arcanecrypto/paykit/internal/apierr"
	"gitlab.com/arcanecrypto/paykit/internal/platform/bitcoind"
	"gitlab.com/arcanecrypto/paykit/internal/plugin"
)

const name = "onchain"

func manifest() plugin.Manifest {
	return plugin.Manifest{
		Name:        name,
		Type:        plugin.Payment,
		RPC:         []string{"pay"},
		Events:      []string{plugin.ReceiveEvent},
		Version:     "0.1.0",
		Description: "pays and receives on-chain Bitcoin via bitcoind",
	}
}

// rpcClient is the narrow slice of *rpcclient.Client this plugin needs,
// kept separate so tests can supply a fake without implementing the entire
// bitcoind RPC surface.
type rpcClient interface {
	GetNewAddress(account string) (btcutil.Address, error)
	SendToAddress(address btcutil.Address, amount btcutil.Amount) (*chainhash.Hash, error)
}

// pendingAddress is one receivePayment call still waiting for a matching
// output to show up in a broadcast transaction.
type pendingAddress struct {
	payload plugin.ReceivePayload
}

// Plugin implements plugin.Plugin, plugin.Payer, plugin.Stopper, and
// plugin.ReceivePaymentHandler against a single bitcoind node.
type Plugin struct {
	storage plugin.Storage
	client  rpcClient
	conn    *bitcoind.Conn
	params  *chaincfg.Params

	mu      sync.Mutex
	pending map[string]pendingAddress // keyed by address string

	txCh     chan *wire.MsgTx
	blockCh  chan *wire.MsgBlock
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New returns an unconnected Plugin; Init dials bitcoind.
func New() *Plugin {
	return &Plugin{
		pending: map[string]pendingAddress{},
		params:  &chaincfg.TestNet3Params,
		txCh:    make(chan *wire.MsgTx),
		blockCh: make(chan *wire.MsgBlock),
		stopCh:  make(chan struct{}),
	}
}

// Init reads bitcoind connection settings from storage and dials it, then
// starts the background transaction listener over ZMQ.
func (p *Plugin) Init(storage plugin.Storage) error {
	p.storage = storage

	cfg := bitcoind.Config{
		RpcPort:      28332,
		ZmqTxHost:    "tcp://127.0.0.1:28333",
		ZmqBlockHost: "tcp://127.0.0.1:28334",
	}
	if v, ok := storage.Get("rpcPort"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "onchain: rpcPort is not a number")
		}
		cfg.RpcPort = port
	}
	if v, ok := storage.Get("rpcUser"); ok {
		cfg.User = v
	}
	if v, ok := storage.Get("rpcPassword"); ok {
		cfg.Password = v
	}
	if v, ok := storage.Get("zmqTxHost"); ok && v != "" {
		cfg.ZmqTxHost = v
	}
	if v, ok := storage.Get("zmqBlockHost"); ok && v != "" {
		cfg.ZmqBlockHost = v
	}
	if v, ok := storage.Get("network"); ok {
		switch v {
		case "mainnet":
			p.params = &chaincfg.MainNetParams
		case "regtest":
			p.params = &chaincfg.RegressionNetParams
		case "testnet", "":
			p.params = &chaincfg.TestNet3Params
		}
	}

	conn, err := bitcoind.NewConn(cfg, 0, p.txCh, p.blockCh)
	if err != nil {
		return errors.Wrap(err, "onchain: connect to bitcoind")
	}
	p.conn = conn
	p.client = conn.Client
	conn.StartZmq()

	go p.listenTxs()
	return nil
}

// GetManifest returns this plugin's manifest.
func (p *Plugin) GetManifest() (plugin.Manifest, error) {
	return manifest(), nil
}

// Pay sends args.Payload.Amount, in satoshis, to args.Target decoded as a
// bitcoin address. SendToAddress
// is itself synchronous against the node, but Pay still reports the
// outcome asynchronously through args.NotificationCallback so that on-chain
// and lightning plugins behave identically from a PaymentSender's point of
// view.
func (p *Plugin) Pay(args plugin.PayArgs) error {
	if args.Target == "" {
		return apierr.ErrPaymentTargetNotFound
	}
	go p.pay(args)
	return nil
}

func (p *Plugin) pay(args plugin.PayArgs) {
	update := plugin.Update{
		Type:       plugin.UpdatePaymentUpdate,
		PluginName: name,
		ID:         args.Payload.ID,
		OrderID:    args.Payload.OrderID,
	}

	address, err := btcutil.DecodeAddress(args.Target, p.params)
	if err != nil {
		update.PluginState = plugin.StateFailed
		log.WithError(err).WithField("paymentId", args.Payload.ID).Warn("invalid bitcoin address")
		args.NotificationCallback(update)
		return
	}

	sats, err := strconv.ParseInt(args.Payload.Amount, 10, 64)
	if err != nil {
		update.PluginState = plugin.StateFailed
		log.WithError(err).WithField("paymentId", args.Payload.ID).Warn("amount is not an integer number of satoshis")
		args.NotificationCallback(update)
		return
	}

	txHash, err := p.client.SendToAddress(address, btcutil.Amount(sats))
	if err != nil {
		update.PluginState = plugin.StateFailed
		log.WithError(err).WithField("paymentId", args.Payload.ID).Warn("sendtoaddress failed")
		args.NotificationCallback(update)
		return
	}

	update.PluginState = plugin.StateSuccess
	update.RawData = []byte(`"` + txHash.String() + `"`)
	args.NotificationCallback(update)
}

// Stop closes the ZMQ subscriptions and the background listener.
func (p *Plugin) Stop() error {
	p.stopOnce.Do(func() {
		if p.conn != nil {
			p.conn.StopZmq()
		}
		close(p.stopCh)
	})
	return nil
}

// ReceivePayment generates a fresh address for payload and tracks it so the
// transaction listener can report a matching output.
func (p *Plugin) ReceivePayment(payload plugin.ReceivePayload) error {
	address, err := p.client.GetNewAddress("")
	if err != nil {
		return errors.Wrap(err, "onchain: get new address")
	}

	p.mu.Lock()
	p.pending[address.EncodeAddress()] = pendingAddress{payload: payload}
	p.mu.Unlock()
	return nil
}

// listenTxs reads every broadcast transaction bitcoind reports over ZMQ and
// checks its outputs against addresses this plugin is tracking.
func (p *Plugin) listenTxs() {
	for {
		select {
		case <-p.stopCh:
			return
		case tx := <-p.txCh:
			p.handleTx(tx)
		}
	}
}

func (p *Plugin) handleTx(tx *wire.MsgTx) {
	for _, out := range tx.TxOut {
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(out.PkScript, p.params)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			addr := a.EncodeAddress()
			p.mu.Lock()
			pending, ok := p.pending[addr]
			if ok {
				delete(p.pending, addr)
			}
			p.mu.Unlock()
			if !ok {
				continue
			}
			pending.payload.NotificationCallback(plugin.Update{
				Type:               plugin.UpdatePaymentNew,
				PluginName:         name,
				ID:                 pending.payload.ID,
				Amount:             strconv.FormatInt(out.Value, 10),
				Currency:           "BTC",
				Denomination:       "BASE",
				IsPersonalPayment:  true,
				ClientOrderID:      pending.payload.ClientOrderID,
				AmountWasSpecified: pending.payload.ExpectedAmount != "",
			})
		}
	}
}

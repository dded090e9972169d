package actions

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/gin-gonic/gin"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/urfave/cli"

	"gitlab.com/arcanecrypto/paykit/build"
	"gitlab.com/arcanecrypto/paykit/config"
	"gitlab.com/arcanecrypto/paykit/internal/asyncutil"
	"gitlab.com/arcanecrypto/paykit/internal/paymentmanager"
	"gitlab.com/arcanecrypto/paykit/internal/platform/bitcoind"
	"gitlab.com/arcanecrypto/paykit/internal/platform/db"
	"gitlab.com/arcanecrypto/paykit/internal/platform/ln"
	"gitlab.com/arcanecrypto/paykit/internal/platform/store"
	"gitlab.com/arcanecrypto/paykit/internal/plugin"
	"gitlab.com/arcanecrypto/paykit/internal/pluginmanager"
	"gitlab.com/arcanecrypto/paykit/internal/transport"
	"gitlab.com/arcanecrypto/paykit/paymentapi"
	"gitlab.com/arcanecrypto/paykit/plugins/lightning"
	"gitlab.com/arcanecrypto/paykit/plugins/onchain"
)

const (
	rpcAwaitAttempts = 5
	rpcAwaitDuration = time.Second
)

// envStorage is a plugin.Storage backed by the environment, prefixed per
// plugin so two plugins loaded in the same process don't collide --
// PAYKIT_PLUGIN_<PREFIX>_<KEY>, uppercased. It's how the serve action hands
// a plugin its connection details, standing in for the spec's plugin
// config table.
type envStorage struct {
	prefix string
	data   map[string]string
}

func newEnvStorage(prefix string) *envStorage {
	return &envStorage{prefix: strings.ToUpper(prefix), data: map[string]string{}}
}

func (s *envStorage) Get(key string) (string, bool) {
	if v, ok := s.data[key]; ok {
		return v, true
	}
	envKey := fmt.Sprintf("PAYKIT_PLUGIN_%s_%s", s.prefix, strings.ToUpper(key))
	v, ok := os.LookupEnv(envKey)
	return v, ok
}

func (s *envStorage) Set(key, value string) error {
	s.data[key] = value
	return nil
}

// awaitBitcoind tries to get a RPC response from bitcoind, returning an
// error if that isn't possible within a set of attempts
func awaitBitcoind(conn *bitcoind.Conn) error {
	retry := func() bool {
		_, err := conn.Client.GetBlockChainInfo()
		if err != nil {
			log.WithError(fmt.Errorf("awaitBitcoind: %w", err)).Debug("getblockchaininfo failed")
		}
		return err == nil
	}
	return asyncutil.Await(rpcAwaitAttempts, rpcAwaitDuration, retry, "couldn't reach bitcoind")
}

// awaitLnd tries to get a RPC response from lnd, returning an error if
// that isn't possible within a set of attempts
func awaitLnd(lndCfg ln.LightningConfig) error {
	retry := func() bool {
		lncli, err := ln.NewLNDClient(lndCfg)
		if err != nil {
			return false
		}
		_, err = lncli.GetInfo(context.Background(), &lnrpc.GetInfoRequest{})
		return err == nil
	}
	return asyncutil.Await(rpcAwaitAttempts, rpcAwaitDuration, retry, "couldn't reach lnd")
}

func Serve() cli.Command {
	return cli.Command{
		Name:  "serve",
		Usage: "Starts the paykit payment orchestration engine over HTTP",
		Flags: []cli.Flag{
			cli.IntFlag{
				Name:  "port",
				Value: 5000,
				Usage: "Port number to listen on",
			},
			cli.BoolFlag{
				Name:  "await-plugins",
				Usage: "wait for every configured plugin's backend (bitcoind, lnd) to answer before serving",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := readConfig(c)
			if err != nil {
				return err
			}

			conn, err := db.Open(cfg.Database)
			if err != nil {
				return err
			}
			defer conn.Close()

			backend := store.New(conn)
			plugins := pluginmanager.New()
			plugins.RegisterFactory("lightning", func() plugin.Plugin { return lightning.New() })
			plugins.RegisterFactory("onchain", func() plugin.Plugin { return onchain.New() })

			if c.Bool("await-plugins") {
				if err := awaitConfiguredBackends(cfg); err != nil {
					return err
				}
			}

			for name := range cfg.PluginPaths {
				entryPoint := cfg.PluginPaths[name]
				if err := plugins.LoadPlugin(entryPoint, newEnvStorage(name)); err != nil {
					return fmt.Errorf("loading plugin %q: %w", name, err)
				}
				log.WithField("plugin", name).Info("loaded plugin")
			}

			conn2 := transport.NewHTTPConnector(cfg.TransportEndpoint)
			notify := func(update plugin.Update) {
				log.WithField("orderId", update.OrderID).Info("payment update has no client to notify")
			}
			manager := paymentmanager.New(backend, plugins, conn2, cfg.BatchSize, cfg.MinFrequency, notify)
			if err := manager.Init(context.Background()); err != nil {
				return fmt.Errorf("initializing payment manager: %w", err)
			}

			server := paymentapi.NewServer(manager, paymentapi.Config{
				LogLevel:            build.SubLoggers()["API"].Level,
				PluginWebhookSecret: cfg.PluginWebhookSecret,
			})

			address := fmt.Sprintf(":%d", c.Int("port"))
			if os.Getenv(gin.EnvGinMode) == gin.ReleaseMode {
				log.WithField("address", address).Info("serving in release mode")
			}
			return server.Router.Run(address)
		},
	}
}

// awaitConfiguredBackends waits for bitcoind and lnd to come up, using the
// connection details from the same PAYKIT_PLUGIN_* environment convention
// newEnvStorage reads from.
func awaitConfiguredBackends(cfg config.Config) error {
	if _, ok := cfg.PluginPaths["onchain"]; ok {
		s := newEnvStorage("onchain")
		port, _ := s.Get("rpcPort")
		portNum, _ := strconv.Atoi(port)
		user, _ := s.Get("rpcUser")
		pass, _ := s.Get("rpcPassword")
		zmqTx, _ := s.Get("zmqTxHost")
		zmqBlock, _ := s.Get("zmqBlockHost")

		btcConn, err := bitcoind.NewConn(bitcoind.Config{
			RpcPort: portNum, User: user, Password: pass,
			ZmqTxHost: zmqTx, ZmqBlockHost: zmqBlock,
		}, time.Second, make(chan *wire.MsgTx), make(chan *wire.MsgBlock))
		if err != nil {
			return err
		}
		if err := awaitBitcoind(btcConn); err != nil {
			return err
		}
		log.Info("bitcoind is reachable")
	}

	if _, ok := cfg.PluginPaths["lightning"]; ok {
		s := newEnvStorage("lightning")
		lndCfg := ln.DefaultCfg
		if v, ok := s.Get("lndDir"); ok {
			lndCfg.LndDir = v
		}
		if v, ok := s.Get("tlsCertPath"); ok {
			lndCfg.TLSCertPath = v
		}
		if v, ok := s.Get("macaroonPath"); ok {
			lndCfg.MacaroonPath = v
		}
		if v, ok := s.Get("rpcServer"); ok {
			lndCfg.RPCServer = v
		}
		if err := awaitLnd(lndCfg); err != nil {
			return err
		}
		log.Info("lnd is reachable")
	}

	return nil
}

package bitcoind

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/paykit/internal/asyncutil"
	"gitlab.com/arcanecrypto/paykit/testutil"
)

const (
	retryAttempts      = 7
	retrySleepDuration = time.Millisecond * 100
)

// GetBitcoindConfig returns a bitcoind config suitable for testing purposes
func GetBitcoindConfig(t *testing.T) Config {
	return Config{
		RpcPort:      testutil.GetPortOrFail(t),
		User:         "rpc_user_for_tests",
		Password:     "rpc_pass_for_tests",
		ZmqTxHost:    fmt.Sprintf("tcp://0.0.0.0:%d", testutil.GetPortOrFail(t)),
		ZmqBlockHost: fmt.Sprintf("tcp://0.0.0.0:%d", testutil.GetPortOrFail(t)),
	}
}

// bitcoindProcess bundles a running node's connection with the channels its
// ZMQ subscriptions feed.
type bitcoindProcess struct {
	conn    *Conn
	txCh    chan *wire.MsgTx
	blockCh chan *wire.MsgBlock
}

// StartBitcoindOrFail starts a bitcoind node with the given configuration,
// with the data directory set to the users temporary directory. The function
// returns the created connection, as well as a function that cleans up the
// operation (stopping the node and deleting the data directory).
func StartBitcoindOrFail(t *testing.T, conf Config) (bitcoin *bitcoindProcess, cleanup func() error) {
	tempDir, err := ioutil.TempDir("", "paykit-bitcoind-")
	if err != nil {
		testutil.FatalMsgf(t, "Could not create temporary bitcoind dir: %v", err)
	}
	args := []string{
		"-datadir=" + tempDir,
		"-server",
		"-regtest",
		"-daemon",
		"-rpcuser=" + conf.User,
		"-rpcpassword=" + conf.Password,
		fmt.Sprintf("-rpcport=%d", conf.RpcPort),
		"-txindex",
		"-debug=rpc",
		"-debug=zmq",
		"-addresstype=bech32", // default addresstype, necessary for using GetNewAddress()
		"-zmqpubrawtx=" + conf.ZmqTxHost,
		"-zmqpubrawblock=" + conf.ZmqBlockHost,
	}

	log.Debugf("Executing command: bitcoind %s", strings.Join(args, " "))
	cmd := exec.Command("bitcoind", args...)

	cmd.Stderr = testutil.LogWriter{Label: "bitcoind", Level: logrus.ErrorLevel}
	cmd.Stdout = testutil.LogWriter{Label: "bitcoind", Level: logrus.DebugLevel}
	if err := cmd.Run(); err != nil {
		testutil.FatalMsgf(t, "Could not start bitcoind: %v", err)
	}

	pidFile := filepath.Join(tempDir, "regtest", "bitcoind.pid")

	readPidFile := func() error {
		_, err := os.Stat(pidFile)
		return err
	}
	if err := asyncutil.Retry(retryAttempts, retrySleepDuration, readPidFile); err != nil {
		testutil.FatalMsgf(t, "Could not read bitcoind pid file after %d attempts",
			retryAttempts)
	}

	pidBytes, err := ioutil.ReadFile(pidFile)
	if err != nil {
		testutil.FatalMsgf(t, "Couldn't read bitcoind pid: %s", err)
	}

	pidLines := strings.Split(string(pidBytes), "\n")
	pid, err := strconv.Atoi(pidLines[0])
	if err != nil {
		testutil.FatalMsgf(t, "Could not convert bitcoind pid bytes to int: %s", err)
	}

	log.Debugf("Started bitcoind client with pid %d", pid)

	txCh := make(chan *wire.MsgTx)
	blockCh := make(chan *wire.MsgBlock)

	var conn *Conn
	retry := func() error {
		var err error
		conn, err = NewConn(conf, 100*time.Millisecond, txCh, blockCh)
		return err
	}
	if err := asyncutil.Retry(retryAttempts, retrySleepDuration, retry); err != nil {
		testutil.FatalMsg(t, err)
	}

	if err := asyncutil.Retry(retryAttempts, retrySleepDuration, conn.Client.Ping); err != nil {
		testutil.FatalMsgf(t, "Could not communicate with bitcoind after %d attempts",
			retryAttempts)
	}

	cleanup = func() error {
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			return errors.Wrap(err, "couldn't kill bitcoind process")
		}

		negativePing := func() error {
			err := conn.Client.Ping()
			if err == nil {
				return errors.New("was able to ping client")
			}
			return nil
		}

		if err := asyncutil.Retry(retryAttempts, retrySleepDuration, negativePing); err != nil {
			return fmt.Errorf("could communicate with stopped bitcoind after %d attempts",
				retryAttempts)
		}

		log.Debug("Stopped bitcoind process")
		if err := os.RemoveAll(tempDir); err != nil {
			return errors.Wrapf(err, "could not delete bitcoind tmp directory %s", tempDir)
		}
		log.Debugf("Deleted bitcoind tmp directory %s", tempDir)

		conn.StopZmq()
		return nil
	}
	return &bitcoindProcess{conn: conn, txCh: txCh, blockCh: blockCh}, cleanup
}

// SendTxToSelf is a helper function for sending a tx easily to our own
// address.
func SendTxToSelf(bitcoin *bitcoindProcess, amountBtc float64) (*chainhash.Hash, error) {
	c := bitcoin.conn.Client
	address, err := c.GetNewAddress("")
	if err != nil {
		return nil, fmt.Errorf("could not GetNewAddress: %+v", err)
	}

	balance, err := c.GetBalance("*")
	if err != nil {
		return nil, fmt.Errorf("could not get balance: %+v", err)
	}
	if balance.ToBTC() <= amountBtc {
		return nil, fmt.Errorf("not enough balance, try using GenerateToSelf() first")
	}

	amount, _ := btcutil.NewAmount(amountBtc)
	txHash, err := c.SendToAddress(address, amount)
	if err != nil {
		return nil, fmt.Errorf("could not send to address %v: %v", address, err)
	}

	return txHash, nil
}

// ConvertToAddressOrFail converts a string address into a btcutil.Address
// type for the given chain, panicking if the string is not an address for
// that chain.
func ConvertToAddressOrFail(address string, params chaincfg.Params) btcutil.Address {
	addr, err := btcutil.DecodeAddress(address, &params)
	if err != nil {
		panic(err)
	}
	return addr
}

// GenerateToSelf is a helper function for easily generating a block with
// the coinbase going to us.
func GenerateToSelf(numBlocks uint32, bitcoin *bitcoindProcess) ([]*chainhash.Hash, error) {
	c := bitcoin.conn.Client
	address, err := c.GetNewAddress("")
	if err != nil {
		return nil, errors.Wrap(err, "could not GetNewAddress")
	}

	hashes, err := GenerateToAddress(bitcoin.conn.config, numBlocks, address)
	if err != nil {
		return nil, errors.Wrap(err, "could not GenerateToAddress")
	}

	return hashes, nil
}

// RunWithBitcoind lets you test functionality that requires an actual
// bitcoind node by starting up bitcoind, running the test, and then running
// the necessary cleanup.
func RunWithBitcoind(t *testing.T, test func(bitcoin *bitcoindProcess)) {
	bitcoindConf := GetBitcoindConfig(t)
	bitcoin, cleanupBitcoind := StartBitcoindOrFail(t, bitcoindConf)

	cleanup := func() error {
		if err := cleanupBitcoind(); err != nil {
			return fmt.Errorf("failed to cleanup bitcoind: %s", err.Error())
		}
		return nil
	}

	test(bitcoin)

	if err := cleanup(); err != nil {
		t.Fatalf("Couldn't clean up after %q: %v", t.Name(), err)
	}
}

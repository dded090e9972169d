package build

import (
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/paykit/build/paylog"
	"gitlab.com/arcanecrypto/paykit/internal/paymentmanager"
	"gitlab.com/arcanecrypto/paykit/internal/paymentreceiver"
	"gitlab.com/arcanecrypto/paykit/internal/paymentsender"
	"gitlab.com/arcanecrypto/paykit/internal/platform/bitcoind"
	"gitlab.com/arcanecrypto/paykit/internal/platform/db"
	"gitlab.com/arcanecrypto/paykit/internal/platform/ln"
	"gitlab.com/arcanecrypto/paykit/internal/platform/store"
	"gitlab.com/arcanecrypto/paykit/internal/pluginmanager"
	"gitlab.com/arcanecrypto/paykit/paymentapi"
	"gitlab.com/arcanecrypto/paykit/plugins/lightning"
	"gitlab.com/arcanecrypto/paykit/plugins/onchain"
)

// subsystemLoggers holds every subsystem logger registered by addSubLogger,
// keyed by subsystem code, so SetLogLevel/SetLogLevels/SetLogFile can reach
// all of them without each caller enumerating packages by hand.
var subsystemLoggers = map[string]*paylog.Logger{}

func init() {
	addSubLogger("DB", db.UseLogger)
	addSubLogger("STOR", store.UseLogger)
	addSubLogger("LN", ln.UseLogger)
	addSubLogger("BTCD", bitcoind.UseLogger)

	addSubLogger("PLGM", pluginmanager.UseLogger)
	addSubLogger("PSND", paymentsender.UseLogger)
	addSubLogger("PRCV", paymentreceiver.UseLogger)
	addSubLogger("PMGR", paymentmanager.UseLogger)

	addSubLogger("PLN", lightning.UseLogger)
	addSubLogger("PCHN", onchain.UseLogger)

	addSubLogger("API", paymentapi.UseLogger)
}

func addSubLogger(subsystem string, useLogger func(*paylog.Logger)) {
	logger := paylog.New(subsystem)

	subsystemLoggers[subsystem] = logger
	useLogger(logger)
}

// AddSubLogger registers and returns a subsystem logger for a caller that
// has no UseLogger hook of its own to wire through addSubLogger -- e.g. the
// cmd/tlc CLI, which logs but exposes nothing for another package to set a
// logger on.
func AddSubLogger(subsystem string) *paylog.Logger {
	logger := paylog.New(subsystem)
	subsystemLoggers[subsystem] = logger
	return logger
}

// SetLogLevel sets the level of a single registered subsystem logger.
func SetLogLevel(subsystem string, level logrus.Level) {
	logger, ok := subsystemLoggers[subsystem]
	if !ok {
		return
	}

	logger.SetLevel(level)
}

// SetLogLevels sets the level of every registered subsystem logger.
func SetLogLevels(level logrus.Level) {
	for subsystem := range subsystemLoggers {
		SetLogLevel(subsystem, level)
	}
}

// SubLoggers returns all currently registered subsystem loggers.
func SubLoggers() map[string]*paylog.Logger {
	return subsystemLoggers
}

// DisableColors forces every registered subsystem logger to log without
// ANSI colors.
func DisableColors() {
	for subsystem := range subsystemLoggers {
		subsystemLoggers[subsystem].DisableColors()
	}
}

// SetLogFile additionally writes every registered subsystem logger's output
// to the given file.
func SetLogFile(file string) error {
	for subsystem := range subsystemLoggers {
		if err := subsystemLoggers[subsystem].SetLogFile(file); err != nil {
			return err
		}
	}

	return nil
}

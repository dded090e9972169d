package onchain

import "gitlab.com/arcanecrypto/paykit/build/paylog"

var log = paylog.New("onchain")

// UseLogger swaps the package logger.
func UseLogger(logger *paylog.Logger) {
	log = logger
}

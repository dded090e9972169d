package lightning

import "gitlab.com/arcanecrypto/paykit/build/paylog"

var log = paylog.New("lightning")

// UseLogger swaps the package logger.
func UseLogger(logger *paylog.Logger) {
	log = logger
}

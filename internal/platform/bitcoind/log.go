package bitcoind

import (
	"gitlab.com/arcanecrypto/paykit/build/paylog"
)

var log = paylog.New("bitcoind")

// UseLogger lets callers point this package's log output at a differently
// configured logger, e.g. one writing to a file or a different level.
func UseLogger(logger *paylog.Logger) {
	log = logger
}

package pluginmanager

import "gitlab.com/arcanecrypto/paykit/build/paylog"

var log = paylog.New("pluginmanager")

// UseLogger swaps the package logger, e.g. to attach request-scoped fields.
func UseLogger(logger *paylog.Logger) {
	log = logger
}

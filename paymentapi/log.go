package paymentapi

import "gitlab.com/arcanecrypto/paykit/build/paylog"

var log = paylog.New("API")

// UseLogger sets the logger used by this package.
func UseLogger(logger *paylog.Logger) {
	log = logger
}

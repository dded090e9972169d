// Package flags provides functionality for managing flags for tlc
package flags

import (
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

// Concat concatenates the given list of flags, without mutating them
func Concat(first []cli.Flag, rest ...[]cli.Flag) []cli.Flag {
	var copied = make([]cli.Flag, len(first))
	_ = copy(copied, first)
	for _, r := range rest {
		copied = append(copied, r...)
	}
	return copied
}

// CommonFlags is a set of flags that all commands take
var CommonFlags = Concat([]cli.Flag{
	cli.StringFlag{
		Name:  "env-file",
		Usage: "path to a .env file; config is always also read from the real environment",
		Value: ".env",
	},
}, logging)

// logging is logging related CLI flags
var logging = []cli.Flag{
	cli.StringFlag{
		Name:  "logging.level",
		Value: logrus.InfoLevel.String(),
		Usage: "Logging level for all subsystems {trace, debug, info, warn, error, fatal, panic}",
	},
	cli.StringFlag{
		Name:  "logging.directory",
		Usage: "If set, additionally write logs to a file in this directory",
	},
}

package script

import (
	"github.com/gcash/bchlog"
)

// log is the package-wide logger. It defaults to disabled so importing
// packages must call UseLogger to wire up real output.
var log = bchlog.Disabled

// UseLogger sets the package-wide logger. Any calls to this function must be
// made before the package's exported types are used (it is not concurrent
// safe).
func UseLogger(logger bchlog.Logger) {
	log = logger
}

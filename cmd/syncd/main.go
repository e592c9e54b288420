// Command syncd runs the continuous multi-source warehouse sync engine
// described by pkg/manager, pkg/action, and pkg/config.
package main

import (
	"os"

	"github.com/syncwarehouse/syncwarehouse/pkg/syncerr"
)

func main() {
	os.Exit(syncerr.ExitCode(Execute()))
}

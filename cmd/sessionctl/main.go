// Command sessionctl is the admin CLI: schema migrations, session record
// maintenance and tenant credentials.
package main

import (
	"fmt"
	"os"

	"github.com/jonboulle/clockwork"
)

func main() {
	if err := newRootCmd(defaultDeps(clockwork.NewRealClock())).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Command clusterkit-node runs (or administers) one cluster member.
package main

import (
	"fmt"
	"os"

	"github.com/clusterkit/clusterkit/cmd/clusterkit-node/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

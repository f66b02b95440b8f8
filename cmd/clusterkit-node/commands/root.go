package commands

import (
	"github.com/spf13/cobra"
)

var (
	// configPath is the node's YAML config file.
	configPath string

	// adminAddr is the running node's admin endpoint, used by every
	// subcommand except run.
	adminAddr string
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "clusterkit-node",
	Short: "Run and administer a clusterkit cluster member",
	Long: `clusterkit-node starts a cluster member (run) or talks to an
already-running member's admin endpoint to inspect and operate on the
cluster it belongs to (join, members, shards, singleton-status).`,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config", "~/.clusterkit/node.yaml",
		"Path to the node's YAML config file",
	)
	rootCmd.PersistentFlags().StringVar(
		&adminAddr, "admin", "127.0.0.1:9090",
		"Address of a running node's admin endpoint",
	)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(membersCmd)
	rootCmd.AddCommand(shardsCmd)
	rootCmd.AddCommand(singletonStatusCmd)
}

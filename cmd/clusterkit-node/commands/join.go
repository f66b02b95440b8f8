package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/clusterkit/clusterkit/internal/admin"
)

var joinCmd = &cobra.Command{
	Use:   "join [seed-address...]",
	Short: "Trigger a join from a running node's admin endpoint",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runJoin,
}

func runJoin(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := admin.NewClient(adminAddr)
	if err := client.Join(ctx, args); err != nil {
		return err
	}

	fmt.Printf("join request sent for seeds %v\n", args)
	return nil
}

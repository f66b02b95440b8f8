package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/clusterkit/clusterkit/internal/admin"
)

var singletonStatusCmd = &cobra.Command{
	Use:   "singleton-status <name>",
	Short: "Show which member currently owns a cluster singleton",
	Args:  cobra.ExactArgs(1),
	RunE:  runSingletonStatus,
}

func runSingletonStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := admin.NewClient(adminAddr)
	owner, known, err := client.SingletonStatus(ctx, args[0])
	if err != nil {
		return err
	}
	if !known {
		fmt.Printf("singleton %q is not known to this member\n", args[0])
		return nil
	}

	fmt.Printf("singleton %q is owned by %s\n", args[0], owner)
	return nil
}

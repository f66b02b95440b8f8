package commands

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/clusterkit/clusterkit/internal/admin"
)

var shardsCmd = &cobra.Command{
	Use:   "shards <entity-type>",
	Short: "Show the shard allocation table for an entity type",
	Args:  cobra.ExactArgs(1),
	RunE:  runShards,
}

func runShards(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := admin.NewClient(adminAddr)
	allocations, err := client.Shards(ctx, args[0])
	if err != nil {
		return err
	}

	shardIDs := make([]string, 0, len(allocations))
	for id := range allocations {
		shardIDs = append(shardIDs, id)
	}
	sort.Strings(shardIDs)

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SHARD\tOWNER")
	for _, id := range shardIDs {
		fmt.Fprintf(tw, "%s\t%s\n", id, allocations[id])
	}
	return tw.Flush()
}

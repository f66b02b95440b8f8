package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"os"

	"github.com/spf13/cobra"

	"github.com/clusterkit/clusterkit/internal/admin"
)

var membersCmd = &cobra.Command{
	Use:   "members",
	Short: "List cluster members known to a running node",
	RunE:  runMembers,
}

var membersDownCmd = &cobra.Command{
	Use:   "down <address>",
	Short: "Mark a member as down",
	Args:  cobra.ExactArgs(1),
	RunE:  runMembersDown,
}

func init() {
	membersCmd.AddCommand(membersDownCmd)
}

func runMembers(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := admin.NewClient(adminAddr)
	members, err := client.Members(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tUID\tSTATUS\tROLES")
	for _, m := range members {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%v\n", m.Address, m.UID, m.Status, m.Roles)
	}
	return tw.Flush()
}

func runMembersDown(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := admin.NewClient(adminAddr)
	if err := client.MembersDown(ctx, args[0]); err != nil {
		return err
	}

	fmt.Printf("%s marked down\n", args[0])
	return nil
}

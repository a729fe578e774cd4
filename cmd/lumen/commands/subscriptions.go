package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/openlumen/openlumen/pkg/stores"
)

func newSubscriptionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subscriptions",
		Aliases: []string{"subs"},
		Short:   "Inspect subscriptions",
	}

	cmd.AddCommand(newSubscriptionsListCommand())
	cmd.AddCommand(newSubscriptionsShowCommand())

	return cmd
}

func newSubscriptionsListCommand() *cobra.Command {
	var (
		state  string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List subscriptions",
		Example: `  # List all subscriptions
  lumen subscriptions list

  # List only active subscriptions
  lumen subscriptions list --state active`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			var stateFilter *stores.LifecycleState
			if state != "" {
				st := stores.LifecycleState(state)
				stateFilter = &st
			}

			subs, err := rt.store.ListSubscriptions(ctx, stateFilter, limit, offset)
			if err != nil {
				return err
			}

			return output(subs, func() {
				if len(subs) == 0 {
					fmt.Println("No subscriptions found")
					return
				}
				for _, sub := range subs {
					fmt.Printf("%s  %-18s  %-12s  v%d\n",
						sub.ID, sub.ProductType, sub.State, sub.Version)
				}
			})
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "filter by lifecycle state")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of results")
	cmd.Flags().IntVar(&offset, "offset", 0, "result offset for paging")

	return cmd
}

func newSubscriptionsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <subscription-id>",
		Short: "Show a subscription and its attributes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			sub, err := rt.store.GetSubscription(ctx, args[0])
			if err != nil {
				return err
			}

			return output(sub, func() {
				fmt.Printf("Subscription: %s\n", sub.ID)
				fmt.Printf("Product:      %s\n", sub.ProductType)
				fmt.Printf("State:        %s\n", sub.State)
				fmt.Printf("Version:      %d\n", sub.Version)
				fmt.Printf("Updated:      %s\n", sub.UpdatedAt.Format("2006-01-02 15:04:05"))

				keys := make([]string, 0, len(sub.Attributes))
				for k := range sub.Attributes {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				if len(keys) > 0 {
					fmt.Println("\nAttributes:")
					for _, k := range keys {
						fmt.Printf("  %-24s %s\n", k, sub.Attributes[k])
					}
				}
			})
		},
	}
}

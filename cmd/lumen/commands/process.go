package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openlumen/openlumen/pkg/stores"
)

func newProcessCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Inspect and steer workflow processes",
		Long: `Inspect and steer workflow processes.

A process is one execution run of a workflow against a subscription. Its
step records form an append-only audit trail of everything the run did.`,
	}

	cmd.AddCommand(newProcessShowCommand())
	cmd.AddCommand(newProcessListCommand())
	cmd.AddCommand(newProcessRetryCommand())
	cmd.AddCommand(newProcessAbortCommand())

	return cmd
}

func newProcessShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <process-id>",
		Short: "Show a process and its step history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			eng, err := rt.buildEngine()
			if err != nil {
				return err
			}

			proc, steps, err := eng.History(ctx, args[0])
			if err != nil {
				return err
			}

			return output(struct {
				Process *stores.Process      `json:"process"`
				Steps   []*stores.StepRecord `json:"steps"`
			}{proc, steps}, func() {
				printProcess(proc, steps)
			})
		},
	}
}

func newProcessListCommand() *cobra.Command {
	var (
		subscriptionID string
		status         string
		limit          int
		offset         int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List processes",
		Example: `  # List all processes
  lumen process list

  # List suspended processes awaiting a retry
  lumen process list --status suspended

  # List the history of one subscription
  lumen process list --subscription 3f2c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			var subFilter *string
			if subscriptionID != "" {
				subFilter = &subscriptionID
			}
			var statusFilter *stores.ProcessStatus
			if status != "" {
				st := stores.ProcessStatus(status)
				statusFilter = &st
			}

			procs, err := rt.store.ListProcesses(ctx, subFilter, statusFilter, limit, offset)
			if err != nil {
				return err
			}

			return output(procs, func() {
				if len(procs) == 0 {
					fmt.Println("No processes found")
					return
				}
				for _, proc := range procs {
					fmt.Printf("%s  %-32s  %-10s  step %d  %s\n",
						proc.ID, proc.WorkflowName, proc.Status, proc.StepIndex,
						proc.SubscriptionID)
				}
			})
		},
	}

	cmd.Flags().StringVarP(&subscriptionID, "subscription", "s", "", "filter by subscription ID")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, running, suspended, completed, failed, aborted)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of results")
	cmd.Flags().IntVar(&offset, "offset", 0, "result offset for paging")

	return cmd
}

func newProcessRetryCommand() *cobra.Command {
	var detach bool

	cmd := &cobra.Command{
		Use:   "retry <process-id>",
		Short: "Retry a suspended or failed process",
		Long: `Retry a suspended or failed process from its recorded step.

Completed steps are never re-executed. When the subscription sits in the
failed state, the retry moves it back into the workflow's working state.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			processID := args[0]

			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			eng, err := rt.buildEngine()
			if err != nil {
				return err
			}

			if err := eng.Retry(ctx, processID); err != nil {
				return err
			}
			if detach {
				fmt.Printf("Process %s queued for retry\n", processID)
				return nil
			}

			if err := runProcess(ctx, rt.store, eng, processID); err != nil {
				return err
			}

			proc, steps, err := eng.History(ctx, processID)
			if err != nil {
				return err
			}
			return output(struct {
				Process *stores.Process      `json:"process"`
				Steps   []*stores.StepRecord `json:"steps"`
			}{proc, steps}, func() {
				printProcess(proc, steps)
			})
		},
	}

	cmd.Flags().BoolVar(&detach, "detach", false, "queue the retry without running it")

	return cmd
}

func newProcessAbortCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <process-id>",
		Short: "Abort a non-terminal process",
		Long: `Abort a non-terminal process.

Completed steps with a compensation are rolled back in reverse order. A
running process aborts at its next step boundary; a pending or suspended
one compensates immediately.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			processID := args[0]

			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			eng, err := rt.buildEngine()
			if err != nil {
				return err
			}

			if err := eng.Abort(ctx, processID); err != nil {
				return err
			}

			proc, err := rt.store.GetProcess(ctx, processID)
			if err != nil {
				return err
			}
			if proc.Status == stores.ProcessStatusAborted {
				fmt.Printf("Process %s aborted\n", processID)
			} else {
				fmt.Printf("Abort requested for process %s; it stops at the next step boundary\n", processID)
			}
			return nil
		},
	}
}

// printProcess renders a process and its step records as text.
func printProcess(proc *stores.Process, steps []*stores.StepRecord) {
	fmt.Printf("Process:      %s\n", proc.ID)
	fmt.Printf("Workflow:     %s\n", proc.WorkflowName)
	fmt.Printf("Subscription: %s\n", proc.SubscriptionID)
	fmt.Printf("Status:       %s (step %d)\n", proc.Status, proc.StepIndex)
	if proc.Error != nil {
		fmt.Printf("Error:        %s\n", *proc.Error)
	}

	if len(steps) == 0 {
		return
	}
	fmt.Println("\nSteps:")
	for _, rec := range steps {
		line := fmt.Sprintf("  [%d] %-28s %-8s attempt %d  %s",
			rec.StepIndex, rec.StepName, rec.Outcome, rec.Attempt,
			rec.EndedAt.Sub(rec.StartedAt).Round(time.Millisecond))
		if rec.Error != nil {
			line += "  " + *rec.Error
		}
		fmt.Println(line)
	}
}

package commands

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openlumen/openlumen/pkg/stores"
)

func newStartCommand() *cobra.Command {
	var (
		subscriptionID string
		attrs          map[string]string
		detach         bool
	)

	cmd := &cobra.Command{
		Use:   "start <workflow>",
		Short: "Start a workflow process",
		Long: `Start a workflow process against a subscription.

Provisioning workflows create the subscription themselves, so they take no
--subscription flag; modification and termination workflows require one.

By default the process runs to completion (or to its first suspension) in
the foreground. With --detach the process is only created; a running
daemon picks it up within its next sweep.`,
		Example: `  # Provision a new optical device
  lumen start create_optical_device \
    --attr fqdn=oa1.mi.example.net --attr vendor=acme --attr platform=flex100 \
    --attr device_type=amplifier --attr management_endpoint=10.0.0.5:22 \
    --attr device_name=oa1

  # Modify an existing subscription
  lumen start modify_optical_device --subscription 3f2c... --attr platform=flex200

  # Terminate a subscription, leaving execution to the daemon
  lumen start terminate_optical_device --subscription 3f2c... --detach`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			workflow := args[0]

			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			eng, err := rt.buildEngine()
			if err != nil {
				return err
			}

			// Provisioning workflows name the subscription they create.
			if subscriptionID == "" {
				subscriptionID = uuid.New().String()
			}

			var input map[string]any
			if len(attrs) > 0 {
				attrsAny := make(map[string]any, len(attrs))
				for k, v := range attrs {
					attrsAny[k] = v
				}
				input = map[string]any{"attributes": attrsAny}
			}

			processID, err := eng.Start(ctx, workflow, subscriptionID, input)
			if err != nil {
				return err
			}
			log.Info().
				Str("workflow", workflow).
				Str("process_id", processID).
				Msg("Process created")

			if detach {
				fmt.Printf("Created process %s\n", processID)
				return nil
			}

			runErr := runProcess(ctx, rt.store, eng, processID)

			proc, steps, err := eng.History(ctx, processID)
			if err != nil {
				if runErr != nil {
					return errors.Join(runErr, err)
				}
				return err
			}
			if err := output(struct {
				Process *stores.Process      `json:"process"`
				Steps   []*stores.StepRecord `json:"steps"`
			}{proc, steps}, func() {
				printProcess(proc, steps)
			}); err != nil {
				return err
			}

			if runErr != nil {
				return runErr
			}
			if proc.Status == stores.ProcessStatusFailed || proc.Status == stores.ProcessStatusSuspended {
				return fmt.Errorf("process %s finished in status %s", processID, proc.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&subscriptionID, "subscription", "s", "", "target subscription ID")
	cmd.Flags().StringToStringVar(&attrs, "attr", nil, "input attribute (key=value, repeatable)")
	cmd.Flags().BoolVar(&detach, "detach", false, "create the process without running it")

	return cmd
}

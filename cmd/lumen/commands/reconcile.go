package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/openlumen/openlumen/pkg/devices"
	"github.com/openlumen/openlumen/pkg/engine"
	"github.com/openlumen/openlumen/pkg/telemetry"
	"github.com/openlumen/openlumen/pkg/workflows"
)

func newReconcileCommand() *cobra.Command {
	var remediate bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run a one-shot drift reconciliation pass",
		Long: `Compare every active subscription against the state observed on its
device and report the differences.

With --remediate, a corrective workflow is started for each subscription
whose drift is convergeable (missing or mismatched attributes) and run in
the foreground. Device keys with no desired counterpart are only reported,
never removed.`,
		Example: `  # Report drift without touching anything
  lumen reconcile

  # Report and remediate
  lumen reconcile --remediate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			deviceClient, err := rt.deviceClient()
			if err != nil {
				return err
			}

			registry := engine.NewRegistry()
			if err := workflows.Register(registry, workflows.Deps{
				Devices:   deviceClient,
				Inventory: devices.NewMemoryInventory(),
			}); err != nil {
				return err
			}
			eng := engine.NewEngine(rt.store, registry, engine.Options{
				Logger: telemetry.ComponentLogger(rt.logger, "engine"),
			})

			// The scheduler only collects remediation work here; the
			// processes run in the foreground below.
			scheduler := engine.NewScheduler(eng, rt.store, engine.SchedulerConfig{
				Logger: telemetry.ComponentLogger(rt.logger, "scheduler"),
			})
			reconciler := engine.NewReconciler(rt.store, eng, scheduler, deviceClient, engine.ReconcilerConfig{
				Remediate:            remediate,
				RemediationWorkflows: workflows.RemediationWorkflows(),
				Logger:               telemetry.ComponentLogger(rt.logger, "reconciler"),
			})

			reports, err := reconciler.ReconcileAll(ctx)
			if err != nil {
				return err
			}

			for _, report := range reports {
				if report.RemediationProcessID == "" {
					continue
				}
				if err := runProcess(ctx, rt.store, eng, report.RemediationProcessID); err != nil {
					rt.logger.Error().
						Str("subscription_id", report.SubscriptionID).
						Str("process_id", report.RemediationProcessID).
						Err(err).
						Msg("remediation run failed")
				}
			}

			return output(reports, func() {
				if len(reports) == 0 {
					fmt.Println("No drift detected")
					return
				}
				for _, report := range reports {
					fmt.Printf("%s (%s):\n", report.SubscriptionID, report.ProductType)
					printDrift(report.Drift)
					switch {
					case report.RemediationProcessID != "":
						fmt.Printf("  remediation process: %s\n", report.RemediationProcessID)
					case report.Skipped != "":
						fmt.Printf("  skipped: %s\n", report.Skipped)
					}
				}
			})
		},
	}

	cmd.Flags().BoolVar(&remediate, "remediate", false, "start corrective workflows for convergeable drift")

	return cmd
}

func printDrift(drift engine.Drift) {
	for _, k := range sortedDriftKeys(drift.Missing) {
		fmt.Printf("  missing     %-24s want %q\n", k, drift.Missing[k])
	}
	mismatched := make([]string, 0, len(drift.Mismatched))
	for k := range drift.Mismatched {
		mismatched = append(mismatched, k)
	}
	sort.Strings(mismatched)
	for _, k := range mismatched {
		pair := drift.Mismatched[k]
		fmt.Printf("  mismatched  %-24s want %q, got %q\n", k, pair.Desired, pair.Observed)
	}
	for _, k := range sortedDriftKeys(drift.Unexpected) {
		fmt.Printf("  unexpected  %-24s got %q\n", k, drift.Unexpected[k])
	}
}

func sortedDriftKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

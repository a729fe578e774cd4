package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/openlumen/openlumen/pkg/stores"
	"github.com/openlumen/openlumen/pkg/telemetry"
)

// ValuePair holds the desired and observed values of a mismatched attribute.
type ValuePair struct {
	Desired  string `json:"desired"`
	Observed string `json:"observed"`
}

// Drift is the structural difference between a subscription's desired
// attributes and the state observed on the device.
type Drift struct {
	// Missing lists desired keys absent from the device.
	Missing map[string]string `json:"missing,omitempty"`

	// Mismatched lists keys whose device value differs from the desired one.
	Mismatched map[string]ValuePair `json:"mismatched,omitempty"`

	// Unexpected lists device keys with no desired counterpart. These are
	// reported for operator review but never auto-corrected: removing
	// unknown device config unilaterally is unsafe.
	Unexpected map[string]string `json:"unexpected,omitempty"`
}

// Empty returns true when no difference was found.
func (d Drift) Empty() bool {
	return len(d.Missing) == 0 && len(d.Mismatched) == 0 && len(d.Unexpected) == 0
}

// NeedsRemediation returns true when the drift contains differences a
// remediation workflow can converge (missing or mismatched keys).
func (d Drift) NeedsRemediation() bool {
	return len(d.Missing) > 0 || len(d.Mismatched) > 0
}

// DiffAttributes computes the drift between desired and observed attribute
// mappings. It is a pure function of its two inputs.
func DiffAttributes(desired, observed map[string]string) Drift {
	drift := Drift{
		Missing:    map[string]string{},
		Mismatched: map[string]ValuePair{},
		Unexpected: map[string]string{},
	}

	keys := make([]string, 0, len(desired)+len(observed))
	seen := map[string]bool{}
	for k := range desired {
		keys = append(keys, k)
		seen[k] = true
	}
	for k := range observed {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		want, inDesired := desired[k]
		got, inObserved := observed[k]
		switch {
		case !inObserved:
			drift.Missing[k] = want
		case !inDesired:
			drift.Unexpected[k] = got
		case want != got:
			drift.Mismatched[k] = ValuePair{Desired: want, Observed: got}
		}
	}

	return drift
}

// DriftReport is the reconciliation result for one subscription.
type DriftReport struct {
	SubscriptionID string `json:"subscription_id"`
	ProductType    string `json:"product_type"`
	Drift          Drift  `json:"drift"`

	// RemediationProcessID is set when a remediation process was enqueued.
	RemediationProcessID string `json:"remediation_process_id,omitempty"`

	// Skipped explains why remediation was not enqueued despite drift.
	Skipped string `json:"skipped,omitempty"`
}

// ReconcilerConfig configures the drift reconciler.
type ReconcilerConfig struct {
	// Remediate enables enqueueing of remediation processes. When false the
	// reconciler only reports drift.
	Remediate bool

	// RemediationWorkflows maps a product type to the workflow that
	// converges its device state.
	RemediationWorkflows map[string]string

	// Logger receives reconciler logs.
	Logger zerolog.Logger

	// Metrics receives drift metrics; nil disables collection.
	Metrics *telemetry.Metrics
}

// Reconciler periodically compares desired subscription state against
// observed device state and schedules corrective workflows. It never mutates
// subscriptions or devices directly: all remediation goes through the
// process engine's atomic, auditable path.
type Reconciler struct {
	store     stores.Store
	engine    *Engine
	scheduler *Scheduler
	devices   DeviceClient
	cfg       ReconcilerConfig
}

// NewReconciler creates a reconciler over the given collaborators.
func NewReconciler(store stores.Store, engine *Engine, scheduler *Scheduler, devices DeviceClient, cfg ReconcilerConfig) *Reconciler {
	return &Reconciler{
		store:     store,
		engine:    engine,
		scheduler: scheduler,
		devices:   devices,
		cfg:       cfg,
	}
}

// ReconcileAll scans all active subscriptions and returns a drift report per
// subscription with any difference found. Device fetch failures are reported
// per subscription, never aborting the scan.
func (r *Reconciler) ReconcileAll(ctx context.Context) ([]DriftReport, error) {
	state := stores.LifecycleActive
	reports := []DriftReport{}

	const pageSize = 200
	for offset := 0; ; offset += pageSize {
		subs, err := r.store.ListSubscriptions(ctx, &state, pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("failed to list active subscriptions: %w", err)
		}

		for _, sub := range subs {
			report, err := r.reconcile(ctx, sub)
			if err != nil {
				r.cfg.Logger.Error().
					Str("subscription_id", sub.ID).
					Err(err).
					Msg("reconcile failed")
				continue
			}
			if report != nil {
				reports = append(reports, *report)
			}
		}

		if len(subs) < pageSize {
			break
		}
	}

	r.cfg.Metrics.DriftObserved(len(reports))
	return reports, nil
}

// reconcile diffs one subscription against its device and enqueues a
// remediation process when the drift is convergeable. Returns nil when the
// subscription is in sync.
func (r *Reconciler) reconcile(ctx context.Context, sub *stores.Subscription) (*DriftReport, error) {
	observed, err := r.devices.FetchState(ctx, DeviceRefFor(sub))
	if err != nil {
		return nil, NewDeviceError(fmt.Sprintf("failed to fetch device state for subscription %q", sub.ID), err)
	}

	drift := DiffAttributes(DesiredDeviceAttributes(sub), observed)
	if drift.Empty() {
		return nil, nil
	}

	report := &DriftReport{
		SubscriptionID: sub.ID,
		ProductType:    sub.ProductType,
		Drift:          drift,
	}

	logEvent := r.cfg.Logger.Warn().
		Str("subscription_id", sub.ID).
		Int("missing", len(drift.Missing)).
		Int("mismatched", len(drift.Mismatched)).
		Int("unexpected", len(drift.Unexpected))

	switch {
	case !drift.NeedsRemediation():
		// Unexpected-only drift is flagged for operator review.
		report.Skipped = "only unexpected device keys, not auto-corrected"
	case !r.cfg.Remediate:
		report.Skipped = "remediation disabled"
	default:
		workflow, ok := r.cfg.RemediationWorkflows[sub.ProductType]
		if !ok {
			report.Skipped = fmt.Sprintf("no remediation workflow for product type %q", sub.ProductType)
			break
		}

		processID, err := r.engine.Start(ctx, workflow, sub.ID, nil)
		if err != nil {
			if HasCode(err, CodeSubscriptionLocked) {
				// A process is already converging this subscription.
				report.Skipped = "subscription busy"
				break
			}
			return nil, err
		}
		r.scheduler.Enqueue(processID, PriorityLow)
		report.RemediationProcessID = processID
		logEvent = logEvent.Str("remediation_process_id", processID)
	}

	logEvent.Msg("drift detected")
	return report, nil
}

// DeviceRefFor derives the device endpoint reference from a subscription's
// attributes.
func DeviceRefFor(sub *stores.Subscription) DeviceRef {
	return DeviceRef{
		SubscriptionID: sub.ID,
		Endpoint:       sub.Attributes["management_endpoint"],
		Device:         sub.Attributes["device_name"],
	}
}

// DesiredDeviceAttributes filters a subscription's attribute mapping down to
// the keys realized on the device. Bookkeeping attributes (endpoint
// addressing, inventory references) are not device state and never count as
// drift.
func DesiredDeviceAttributes(sub *stores.Subscription) map[string]string {
	desired := map[string]string{}
	for k, v := range sub.Attributes {
		switch k {
		case "management_endpoint", "device_name", "inventory_id":
			continue
		}
		desired[k] = v
	}
	return desired
}

package workflows

import (
	"context"
	"fmt"
	"sort"

	"github.com/openlumen/openlumen/pkg/engine"
	"github.com/openlumen/openlumen/pkg/stores"
)

// registerActions installs the shared step actions plus one initialize
// action per product type.
func registerActions(reg *engine.Registry, deps Deps) error {
	actions := map[string]engine.ActionFunc{
		"lifecycle.begin_provisioning": transitionTo(stores.LifecycleProvisioning),
		"lifecycle.begin_modify":       transitionTo(stores.LifecycleModifying),
		"lifecycle.begin_terminate":    transitionTo(stores.LifecycleTerminating),
		"lifecycle.activate":           transitionTo(stores.LifecycleActive),
		"lifecycle.finish_terminate":   transitionTo(stores.LifecycleTerminated),

		"subscription.update_attributes": updateAttributes,

		"device.apply_config":  applyDeviceConfig(deps.Devices),
		"device.remove_config": removeDeviceConfig(deps.Devices),
		"device.observe":       observeDevice(deps.Devices),
		"device.converge":      convergeDevice(deps.Devices),
		"device.verify":        verifyDevice(deps.Devices),

		"inventory.register":   registerInventory(deps.Inventory),
		"inventory.deregister": deregisterInventory(deps.Inventory),
	}
	for _, p := range catalogue {
		actions[p.productType+".initialize"] = initializeSubscription(p)
	}

	for name, fn := range actions {
		if err := reg.RegisterAction(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// inputAttributes extracts the "attributes" mapping from a process input
// payload. Values must be strings.
func inputAttributes(input map[string]any) (map[string]string, error) {
	raw, ok := input["attributes"]
	if !ok {
		return map[string]string{}, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, engine.NewPermanentError(engine.CodeStepActionError,
			"process input field \"attributes\" is not an object", nil)
	}
	attrs := make(map[string]string, len(m))
	for k, v := range m {
		s, ok := v.(string)
		if !ok {
			return nil, engine.NewPermanentError(engine.CodeStepActionError,
				fmt.Sprintf("process input attribute %q is not a string", k), nil)
		}
		attrs[k] = s
	}
	return attrs, nil
}

// initializeSubscription builds the first step of a provisioning workflow:
// validate the input attributes against the product's required keys and seed
// the subscription row.
func initializeSubscription(p product) engine.ActionFunc {
	return func(_ context.Context, ac engine.ActionContext) (*engine.ActionResult, error) {
		attrs, err := inputAttributes(ac.Input)
		if err != nil {
			return nil, err
		}
		var missing []string
		for _, key := range p.required {
			if attrs[key] == "" {
				missing = append(missing, key)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return nil, engine.NewPermanentError(engine.CodeStepActionError,
				fmt.Sprintf("missing required attributes for %s: %v", p.productType, missing), nil)
		}
		return &engine.ActionResult{
			Create: &engine.SubscriptionSeed{
				ProductType: p.productType,
				Attributes:  attrs,
			},
			Output: map[string]any{"product_type": p.productType},
		}, nil
	}
}

// transitionTo builds a lifecycle transition action. Already being in the
// target state is a no-op, so re-executed steps stay idempotent after an
// operator retry moved the subscription back into its working state.
func transitionTo(target stores.LifecycleState) engine.ActionFunc {
	return func(_ context.Context, ac engine.ActionContext) (*engine.ActionResult, error) {
		if ac.Subscription == nil {
			return nil, engine.NewPermanentError(engine.CodeStepActionError,
				"lifecycle transition requires an existing subscription", nil)
		}
		if ac.Subscription.State == target {
			return &engine.ActionResult{}, nil
		}
		state := target
		return &engine.ActionResult{Transition: &state}, nil
	}
}

// updateAttributes merges the process input attributes into the
// subscription.
func updateAttributes(_ context.Context, ac engine.ActionContext) (*engine.ActionResult, error) {
	attrs, err := inputAttributes(ac.Input)
	if err != nil {
		return nil, err
	}
	return &engine.ActionResult{
		SetAttributes: attrs,
		Output:        map[string]any{"updated_keys": sortedKeys(attrs)},
	}, nil
}

// applyDeviceConfig pushes the subscription's desired attributes to the
// device. It fetches the observed state first and applies only the keys that
// are missing or mismatched, which makes re-execution after a crash a no-op.
func applyDeviceConfig(devices engine.DeviceClient) engine.ActionFunc {
	return func(ctx context.Context, ac engine.ActionContext) (*engine.ActionResult, error) {
		if err := requireDevices(devices, ac); err != nil {
			return nil, err
		}
		ref := engine.DeviceRefFor(ac.Subscription)
		desired := engine.DesiredDeviceAttributes(ac.Subscription)

		observed, err := devices.FetchState(ctx, ref)
		if err != nil {
			return nil, err
		}
		changes := map[string]string{}
		for k, v := range desired {
			if observed[k] != v {
				changes[k] = v
			}
		}
		if len(changes) > 0 {
			if err := devices.ApplyConfig(ctx, ref, changes); err != nil {
				return nil, err
			}
		}
		return &engine.ActionResult{
			Output: map[string]any{"applied_keys": sortedKeys(changes)},
		}, nil
	}
}

// removeDeviceConfig removes the subscription's device attributes. Used both
// as the terminate workflow's forward step and as the compensation of
// apply_config.
func removeDeviceConfig(devices engine.DeviceClient) engine.ActionFunc {
	return func(ctx context.Context, ac engine.ActionContext) (*engine.ActionResult, error) {
		if err := requireDevices(devices, ac); err != nil {
			return nil, err
		}
		ref := engine.DeviceRefFor(ac.Subscription)
		keys := sortedKeys(engine.DesiredDeviceAttributes(ac.Subscription))
		if len(keys) > 0 {
			if err := devices.RemoveConfig(ctx, ref, keys); err != nil {
				return nil, err
			}
		}
		return &engine.ActionResult{
			Output: map[string]any{"removed_keys": keys},
		}, nil
	}
}

// observeDevice records the device's observed state so the verify step can
// compare against a known baseline.
func observeDevice(devices engine.DeviceClient) engine.ActionFunc {
	return func(ctx context.Context, ac engine.ActionContext) (*engine.ActionResult, error) {
		if err := requireDevices(devices, ac); err != nil {
			return nil, err
		}
		observed, err := devices.FetchState(ctx, engine.DeviceRefFor(ac.Subscription))
		if err != nil {
			return nil, err
		}
		drift := engine.DiffAttributes(engine.DesiredDeviceAttributes(ac.Subscription), observed)
		return &engine.ActionResult{
			Output: map[string]any{
				"observed":   toAnyMap(observed),
				"missing":    sortedKeys(drift.Missing),
				"mismatched": mismatchedKeys(drift),
				"unexpected": sortedKeys(drift.Unexpected),
			},
		}, nil
	}
}

// convergeDevice re-applies the missing and mismatched attributes. Keys
// present on the device but absent from the subscription are left alone and
// only reported; removing operator-made changes is an operator decision.
func convergeDevice(devices engine.DeviceClient) engine.ActionFunc {
	return func(ctx context.Context, ac engine.ActionContext) (*engine.ActionResult, error) {
		if err := requireDevices(devices, ac); err != nil {
			return nil, err
		}
		ref := engine.DeviceRefFor(ac.Subscription)
		desired := engine.DesiredDeviceAttributes(ac.Subscription)

		observed, err := devices.FetchState(ctx, ref)
		if err != nil {
			return nil, err
		}
		drift := engine.DiffAttributes(desired, observed)

		changes := map[string]string{}
		for k, v := range drift.Missing {
			changes[k] = v
		}
		for k, pair := range drift.Mismatched {
			changes[k] = pair.Desired
		}
		if len(changes) > 0 {
			if err := devices.ApplyConfig(ctx, ref, changes); err != nil {
				return nil, err
			}
		}
		return &engine.ActionResult{
			Output: map[string]any{"converged_keys": sortedKeys(changes)},
		}, nil
	}
}

// verifyDevice confirms the device now matches the subscription's desired
// attributes. Remaining missing or mismatched keys fail the step retryably
// so the process suspends for another pass.
func verifyDevice(devices engine.DeviceClient) engine.ActionFunc {
	return func(ctx context.Context, ac engine.ActionContext) (*engine.ActionResult, error) {
		if err := requireDevices(devices, ac); err != nil {
			return nil, err
		}
		observed, err := devices.FetchState(ctx, engine.DeviceRefFor(ac.Subscription))
		if err != nil {
			return nil, err
		}
		drift := engine.DiffAttributes(engine.DesiredDeviceAttributes(ac.Subscription), observed)
		if drift.NeedsRemediation() {
			return nil, engine.NewDeviceError(
				fmt.Sprintf("device still drifted after convergence: %d missing, %d mismatched",
					len(drift.Missing), len(drift.Mismatched)), nil)
		}
		return &engine.ActionResult{
			Output: map[string]any{"unexpected": sortedKeys(drift.Unexpected)},
		}, nil
	}
}

// registerInventory records the subscription as an asset. Registration is an
// idempotent upsert on the inventory side.
func registerInventory(inventory engine.InventorySync) engine.ActionFunc {
	return func(ctx context.Context, ac engine.ActionContext) (*engine.ActionResult, error) {
		if inventory == nil || ac.Subscription == nil {
			return nil, engine.NewPermanentError(engine.CodeStepActionError,
				"inventory registration requires an inventory client and a subscription", nil)
		}
		if err := inventory.RegisterAsset(ctx, ac.Subscription.ID, ac.Subscription.Attributes); err != nil {
			return nil, engine.NewTransientError(engine.CodeStepActionError,
				"inventory registration failed", err)
		}
		return &engine.ActionResult{
			Output: map[string]any{"asset_id": ac.Subscription.ID},
		}, nil
	}
}

// deregisterInventory removes the subscription's asset. Deregistering an
// unknown asset is a no-op, so the action replays cleanly.
func deregisterInventory(inventory engine.InventorySync) engine.ActionFunc {
	return func(ctx context.Context, ac engine.ActionContext) (*engine.ActionResult, error) {
		if inventory == nil || ac.Subscription == nil {
			return nil, engine.NewPermanentError(engine.CodeStepActionError,
				"inventory deregistration requires an inventory client and a subscription", nil)
		}
		if err := inventory.DeregisterAsset(ctx, ac.Subscription.ID); err != nil {
			return nil, engine.NewTransientError(engine.CodeStepActionError,
				"inventory deregistration failed", err)
		}
		return &engine.ActionResult{}, nil
	}
}

func requireDevices(devices engine.DeviceClient, ac engine.ActionContext) error {
	if devices == nil {
		return engine.NewPermanentError(engine.CodeStepActionError,
			"no device client configured", nil)
	}
	if ac.Subscription == nil {
		return engine.NewPermanentError(engine.CodeStepActionError,
			"device action requires an existing subscription", nil)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func mismatchedKeys(d engine.Drift) []string {
	keys := make([]string, 0, len(d.Mismatched))
	for k := range d.Mismatched {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toAnyMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

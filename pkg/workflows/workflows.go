// Package workflows defines the product catalogue: the workflow definitions
// and step actions for the optical network products the orchestrator
// manages. Every action is a pure function of its explicit context and is
// idempotent, so the engine can replay any step safely.
package workflows

import (
	"fmt"

	"github.com/openlumen/openlumen/pkg/engine"
)

// Product type tags. Product behaviour is dispatched by tag through the
// definition registry, never through type hierarchies.
const (
	ProductOpticalDevice         = "optical_device"
	ProductOpticalFiber          = "optical_fiber"
	ProductOpticalSpectrum       = "optical_spectrum"
	ProductOpticalDigitalService = "optical_digital_service"
	ProductPOP                   = "pop"
	ProductPartner               = "partner"
)

// Deps carries the external collaborators step actions call out to.
type Deps struct {
	Devices   engine.DeviceClient
	Inventory engine.InventorySync
}

// product describes one entry of the catalogue.
type product struct {
	productType string
	// required lists the attribute keys a create input must provide.
	required []string
	// hasDevice marks products realized on a device; they get device
	// config steps and a validate workflow.
	hasDevice bool
}

var catalogue = []product{
	{
		productType: ProductOpticalDevice,
		required:    []string{"fqdn", "vendor", "platform", "device_type", "management_endpoint", "device_name"},
		hasDevice:   true,
	},
	{
		productType: ProductOpticalFiber,
		required:    []string{"endpoint_a", "endpoint_b", "fiber_type", "management_endpoint", "device_name"},
		hasDevice:   true,
	},
	{
		productType: ProductOpticalSpectrum,
		required:    []string{"center_frequency_thz", "width_ghz", "path", "management_endpoint", "device_name"},
		hasDevice:   true,
	},
	{
		// A client service riding on transport channels between two
		// device ports.
		productType: ProductOpticalDigitalService,
		required:    []string{"service_name", "service_type", "flow_id", "client_id", "management_endpoint", "device_name"},
		hasDevice:   true,
	},
	{
		// A point of presence is pure inventory: no device realization.
		productType: ProductPOP,
		required:    []string{"code", "city", "country"},
		hasDevice:   false,
	},
	{
		// Partners own subscriptions; like a POP they live only in
		// inventory.
		productType: ProductPartner,
		required:    []string{"partner_name", "partner_type"},
		hasDevice:   false,
	},
}

// Register populates the registry with all actions and workflow definitions
// of the catalogue. Called once at startup.
func Register(reg *engine.Registry, deps Deps) error {
	if err := registerActions(reg, deps); err != nil {
		return err
	}

	for _, p := range catalogue {
		defs := []*engine.Definition{
			createDefinition(p),
			modifyDefinition(p),
			terminateDefinition(p),
		}
		if p.hasDevice {
			defs = append(defs, validateDefinition(p))
		}

		for _, def := range defs {
			if err := reg.Register(def); err != nil {
				return err
			}
		}
	}

	return nil
}

// RemediationWorkflows maps each device-backed product type to its validate
// workflow, for the reconciler.
func RemediationWorkflows() map[string]string {
	m := map[string]string{}
	for _, p := range catalogue {
		if p.hasDevice {
			m[p.productType] = workflowName("validate", p.productType)
		}
	}
	return m
}

func workflowName(verb, productType string) string {
	return fmt.Sprintf("%s_%s", verb, productType)
}

func createDefinition(p product) *engine.Definition {
	steps := []engine.StepSpec{
		{Name: "initialize_subscription", Action: p.productType + ".initialize"},
		{Name: "begin_provisioning", Action: "lifecycle.begin_provisioning"},
	}
	if p.hasDevice {
		steps = append(steps, engine.StepSpec{
			Name:       "apply_device_config",
			Action:     "device.apply_config",
			Compensate: "device.remove_config",
			Retryable:  true,
		})
	}
	steps = append(steps,
		engine.StepSpec{
			Name:       "register_inventory",
			Action:     "inventory.register",
			Compensate: "inventory.deregister",
			Retryable:  true,
		},
		engine.StepSpec{Name: "activate", Action: "lifecycle.activate"},
	)

	return &engine.Definition{
		Name:        workflowName("create", p.productType),
		ProductType: p.productType,
		Target:      engine.TargetCreate,
		Steps:       steps,
	}
}

func modifyDefinition(p product) *engine.Definition {
	steps := []engine.StepSpec{
		{Name: "begin_modify", Action: "lifecycle.begin_modify"},
		{Name: "update_attributes", Action: "subscription.update_attributes"},
	}
	if p.hasDevice {
		steps = append(steps, engine.StepSpec{
			Name:      "apply_device_config",
			Action:    "device.apply_config",
			Retryable: true,
		})
	}
	steps = append(steps,
		engine.StepSpec{
			Name:      "update_inventory",
			Action:    "inventory.register",
			Retryable: true,
		},
		engine.StepSpec{Name: "finish_modify", Action: "lifecycle.activate"},
	)

	return &engine.Definition{
		Name:        workflowName("modify", p.productType),
		ProductType: p.productType,
		Target:      engine.TargetModify,
		Steps:       steps,
	}
}

func terminateDefinition(p product) *engine.Definition {
	steps := []engine.StepSpec{
		{Name: "begin_terminate", Action: "lifecycle.begin_terminate"},
	}
	if p.hasDevice {
		steps = append(steps, engine.StepSpec{
			Name:      "remove_device_config",
			Action:    "device.remove_config",
			Retryable: true,
		})
	}
	steps = append(steps,
		engine.StepSpec{
			Name:      "deregister_inventory",
			Action:    "inventory.deregister",
			Retryable: true,
		},
		engine.StepSpec{Name: "finish_terminate", Action: "lifecycle.finish_terminate"},
	)

	return &engine.Definition{
		Name:        workflowName("terminate", p.productType),
		ProductType: p.productType,
		Target:      engine.TargetTerminate,
		Steps:       steps,
	}
}

// validateDefinition is the remediation workflow the reconciler schedules on
// drift. It converges the device onto the subscription's desired attributes
// and verifies the result, all through the regular process engine path.
func validateDefinition(p product) *engine.Definition {
	return &engine.Definition{
		Name:        workflowName("validate", p.productType),
		ProductType: p.productType,
		Target:      engine.TargetReconcile,
		Steps: []engine.StepSpec{
			{Name: "observe_device", Action: "device.observe", Retryable: true},
			{Name: "converge_device", Action: "device.converge", Retryable: true},
			{Name: "verify_device", Action: "device.verify", Retryable: true},
		},
	}
}

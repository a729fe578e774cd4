package engine

import (
	"context"
)

// DeviceRef identifies the device endpoint a subscription is realized on.
// It is derived from the subscription's attribute mapping.
type DeviceRef struct {
	// SubscriptionID is the owning subscription.
	SubscriptionID string `json:"subscription_id"`

	// Endpoint is the management endpoint (host:port) of the device.
	Endpoint string `json:"endpoint"`

	// Device is the device-local identifier (e.g. an FQDN or shelf name).
	Device string `json:"device"`
}

// DeviceClient is the collaborator interface to the devices that realize
// subscriptions. Implementations perform the actual protocol work (TL1,
// NETCONF, RESTCONF); the engine only exchanges flat attribute mappings.
// Errors propagate as retryable step failures.
type DeviceClient interface {
	// FetchState returns the observed configuration of the device portion
	// belonging to the referenced subscription.
	FetchState(ctx context.Context, ref DeviceRef) (map[string]string, error)

	// ApplyConfig applies the given attribute changes to the device.
	ApplyConfig(ctx context.Context, ref DeviceRef, changes map[string]string) error

	// RemoveConfig removes the given attribute keys from the device.
	RemoveConfig(ctx context.Context, ref DeviceRef, keys []string) error
}

// InventorySync is the collaborator interface to an external inventory
// system (DCIM). It is consumed only as a side call from step actions; the
// engine has no inventory logic of its own.
type InventorySync interface {
	// RegisterAsset records a provisioned subscription in the inventory.
	RegisterAsset(ctx context.Context, subscriptionID string, attributes map[string]string) error

	// DeregisterAsset removes a terminated subscription from the inventory.
	DeregisterAsset(ctx context.Context, subscriptionID string) error
}

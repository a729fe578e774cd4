package devices

import (
	"context"
	"sync"
)

// MemoryInventory is an in-memory inventory sync collaborator for
// development and tests. Production deployments point the step actions at a
// real DCIM integration instead.
type MemoryInventory struct {
	mu     sync.RWMutex
	assets map[string]map[string]string
}

// NewMemoryInventory creates an empty in-memory inventory.
func NewMemoryInventory() *MemoryInventory {
	return &MemoryInventory{
		assets: make(map[string]map[string]string),
	}
}

// RegisterAsset records a provisioned subscription. Re-registering the same
// subscription overwrites the previous record, keeping the call idempotent.
func (i *MemoryInventory) RegisterAsset(_ context.Context, subscriptionID string, attributes map[string]string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	copied := map[string]string{}
	for k, v := range attributes {
		copied[k] = v
	}
	i.assets[subscriptionID] = copied
	return nil
}

// DeregisterAsset removes a subscription's record. Removing an unknown
// subscription is a no-op.
func (i *MemoryInventory) DeregisterAsset(_ context.Context, subscriptionID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	delete(i.assets, subscriptionID)
	return nil
}

// Asset returns the recorded attributes for a subscription, or nil.
func (i *MemoryInventory) Asset(subscriptionID string) map[string]string {
	i.mu.RLock()
	defer i.mu.RUnlock()

	attrs, ok := i.assets[subscriptionID]
	if !ok {
		return nil
	}
	out := map[string]string{}
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

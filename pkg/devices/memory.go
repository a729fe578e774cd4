package devices

import (
	"context"
	"fmt"
	"sync"

	"github.com/openlumen/openlumen/pkg/engine"
)

// MemoryClient is an in-memory device client for development and tests.
// State is keyed by device endpoint.
type MemoryClient struct {
	mu    sync.RWMutex
	state map[string]map[string]string

	// failNext, when set, makes the next call fail with the given error.
	failNext error

	// fetches and applies count calls for assertions in tests.
	fetches int
	applies int
}

// NewMemoryClient creates an empty in-memory device client.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		state: make(map[string]map[string]string),
	}
}

// FetchState returns a copy of the device state for the referenced endpoint.
// Unknown endpoints report an empty state, matching a freshly commissioned
// device.
func (c *MemoryClient) FetchState(_ context.Context, ref engine.DeviceRef) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fetches++
	if err := c.takeFailure(); err != nil {
		return nil, err
	}

	out := map[string]string{}
	for k, v := range c.state[ref.Endpoint] {
		out[k] = v
	}
	return out, nil
}

// ApplyConfig merges the given changes into the device state.
func (c *MemoryClient) ApplyConfig(_ context.Context, ref engine.DeviceRef, changes map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.applies++
	if err := c.takeFailure(); err != nil {
		return err
	}
	if ref.Endpoint == "" {
		return engine.NewDeviceError("device reference has no endpoint", nil)
	}

	if c.state[ref.Endpoint] == nil {
		c.state[ref.Endpoint] = map[string]string{}
	}
	for k, v := range changes {
		c.state[ref.Endpoint][k] = v
	}
	return nil
}

// RemoveConfig removes the given keys from the device state.
func (c *MemoryClient) RemoveConfig(_ context.Context, ref engine.DeviceRef, keys []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.takeFailure(); err != nil {
		return err
	}

	for _, k := range keys {
		delete(c.state[ref.Endpoint], k)
	}
	return nil
}

// Seed installs device state for an endpoint, replacing any existing state.
func (c *MemoryClient) Seed(endpoint string, state map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	copied := map[string]string{}
	for k, v := range state {
		copied[k] = v
	}
	c.state[endpoint] = copied
}

// State returns a copy of the stored state for an endpoint.
func (c *MemoryClient) State(endpoint string) map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := map[string]string{}
	for k, v := range c.state[endpoint] {
		out[k] = v
	}
	return out
}

// FailNext makes the next client call fail with a device error wrapping err.
func (c *MemoryClient) FailNext(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = err
}

// Calls returns the number of fetch and apply calls made so far.
func (c *MemoryClient) Calls() (fetches, applies int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fetches, c.applies
}

func (c *MemoryClient) takeFailure() error {
	if c.failNext == nil {
		return nil
	}
	err := c.failNext
	c.failNext = nil
	return engine.NewDeviceError(fmt.Sprintf("device call failed: %v", err), err)
}

package devices

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/openlumen/openlumen/pkg/engine"
)

// TestMemoryClientStateRoundtrip tests seeding, applying and removing config
func TestMemoryClientStateRoundtrip(t *testing.T) {
	client := NewMemoryClient()
	ctx := context.Background()
	ref := engine.DeviceRef{SubscriptionID: "sub-001", Endpoint: "10.0.0.1:830"}

	// Unknown endpoints look freshly commissioned.
	state, err := client.FetchState(ctx, ref)
	if err != nil {
		t.Fatalf("failed to fetch state: %v", err)
	}
	if len(state) != 0 {
		t.Errorf("expected empty state, got %v", state)
	}

	client.Seed("10.0.0.1:830", map[string]string{"channel": "42"})
	if err := client.ApplyConfig(ctx, ref, map[string]string{"power": "-3.0"}); err != nil {
		t.Fatalf("failed to apply config: %v", err)
	}

	state, err = client.FetchState(ctx, ref)
	if err != nil {
		t.Fatalf("failed to fetch state: %v", err)
	}
	want := map[string]string{"channel": "42", "power": "-3.0"}
	if !reflect.DeepEqual(state, want) {
		t.Errorf("expected %v, got %v", want, state)
	}

	if err := client.RemoveConfig(ctx, ref, []string{"channel"}); err != nil {
		t.Fatalf("failed to remove config: %v", err)
	}
	if got := client.State("10.0.0.1:830"); !reflect.DeepEqual(got, map[string]string{"power": "-3.0"}) {
		t.Errorf("expected channel removed, got %v", got)
	}
}

// TestMemoryClientCopiesState tests that returned maps are detached copies
func TestMemoryClientCopiesState(t *testing.T) {
	client := NewMemoryClient()
	ctx := context.Background()
	ref := engine.DeviceRef{SubscriptionID: "sub-001", Endpoint: "10.0.0.1:830"}

	seed := map[string]string{"channel": "42"}
	client.Seed("10.0.0.1:830", seed)
	seed["channel"] = "tampered"

	state, err := client.FetchState(ctx, ref)
	if err != nil {
		t.Fatalf("failed to fetch state: %v", err)
	}
	if state["channel"] != "42" {
		t.Errorf("seed map aliasing leaked into client state: %v", state)
	}

	state["channel"] = "tampered"
	if got := client.State("10.0.0.1:830"); got["channel"] != "42" {
		t.Errorf("fetched map aliasing leaked into client state: %v", got)
	}
}

// TestMemoryClientFailNext tests the one-shot failure injection
func TestMemoryClientFailNext(t *testing.T) {
	client := NewMemoryClient()
	ctx := context.Background()
	ref := engine.DeviceRef{SubscriptionID: "sub-001", Endpoint: "10.0.0.1:830"}

	cause := errors.New("link flap")
	client.FailNext(cause)

	_, err := client.FetchState(ctx, ref)
	if err == nil {
		t.Fatal("expected injected failure")
	}
	if !engine.HasCode(err, engine.CodeDeviceError) {
		t.Errorf("expected device error code, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected wrapped cause, got %v", err)
	}

	// The failure is consumed by the first call.
	if _, err := client.FetchState(ctx, ref); err != nil {
		t.Errorf("expected second fetch to succeed, got %v", err)
	}

	fetches, applies := client.Calls()
	if fetches != 2 || applies != 0 {
		t.Errorf("expected 2 fetches and 0 applies, got %d and %d", fetches, applies)
	}
}

// TestMemoryClientRejectsEmptyEndpoint tests apply against a blank reference
func TestMemoryClientRejectsEmptyEndpoint(t *testing.T) {
	client := NewMemoryClient()

	err := client.ApplyConfig(context.Background(), engine.DeviceRef{SubscriptionID: "sub-001"}, map[string]string{"a": "1"})
	if err == nil {
		t.Fatal("expected error for empty endpoint")
	}
	if !engine.HasCode(err, engine.CodeDeviceError) {
		t.Errorf("expected device error code, got %v", err)
	}
}

// TestMemoryInventoryIdempotency tests register overwrite and deregister no-op
func TestMemoryInventoryIdempotency(t *testing.T) {
	inv := NewMemoryInventory()
	ctx := context.Background()

	if err := inv.RegisterAsset(ctx, "sub-001", map[string]string{"channel": "42"}); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	if err := inv.RegisterAsset(ctx, "sub-001", map[string]string{"channel": "7"}); err != nil {
		t.Fatalf("failed to re-register: %v", err)
	}
	if got := inv.Asset("sub-001"); got["channel"] != "7" {
		t.Errorf("expected re-registration to overwrite, got %v", got)
	}

	if err := inv.DeregisterAsset(ctx, "sub-001"); err != nil {
		t.Fatalf("failed to deregister: %v", err)
	}
	if got := inv.Asset("sub-001"); got != nil {
		t.Errorf("expected asset removed, got %v", got)
	}

	// Deregistering again stays a no-op.
	if err := inv.DeregisterAsset(ctx, "sub-001"); err != nil {
		t.Errorf("expected idempotent deregister, got %v", err)
	}
}

// TestNewSSHClientRejectsMissingKey tests eager key loading
func TestNewSSHClientRejectsMissingKey(t *testing.T) {
	_, err := NewSSHClient(SSHConfig{
		User:           "admin",
		PrivateKeyPath: filepath.Join(t.TempDir(), "absent_key"),
	})
	if err == nil {
		t.Fatal("expected error for missing private key")
	}
}

package runengine

import (
	"testing"
	"time"
)

func TestProbeRegistryCooldown(t *testing.T) {
	current := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	probes := NewProbeRegistry(30*time.Second, func() time.Time { return current })

	if !probes.TryAcquire("run-stream:p1") {
		t.Fatalf("first probe should be allowed")
	}
	if probes.TryAcquire("run-stream:p1") {
		t.Fatalf("second probe within cooldown should be refused")
	}
	if !probes.TryAcquire("run-stream:p2") {
		t.Fatalf("other scopes are independent")
	}
	if probes.TryAcquire("  ") {
		t.Fatalf("blank scope keys are never probed")
	}

	current = current.Add(30 * time.Second)
	if probes.Len() != 0 {
		t.Fatalf("expired entries should be evicted, have %d", probes.Len())
	}
	if !probes.TryAcquire("run-stream:p1") {
		t.Fatalf("probe should be allowed after the cooldown")
	}
	probes.Forget("run-stream:p1")
	if !probes.TryAcquire("run-stream:p1") {
		t.Fatalf("forgotten scope should be probed again")
	}
	probes.Reset()
	if probes.Len() != 0 {
		t.Fatalf("reset should clear the registry")
	}
}

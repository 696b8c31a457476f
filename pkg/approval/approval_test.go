package approval_test

import (
	"errors"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/stagehand/stagehand/pkg/approval"
	"github.com/stagehand/stagehand/pkg/logger"
	"github.com/stagehand/stagehand/pkg/types"
)

func newGate(enabled bool) *approval.Gate {
	clk := clocktesting.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return approval.NewGate(enabled, clk, logger.NewNopLogger())
}

func TestRequiresApproval(t *testing.T) {
	tests := []struct {
		name       string
		enabled    bool
		production bool
		want       bool
	}{
		{"policy on, production", true, true, true},
		{"policy on, staging", true, false, false},
		{"policy off, production", false, true, false},
		{"policy off, staging", false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := newGate(tt.enabled)
			deploy := types.DeployContext{ID: "d1", Production: tt.production}
			if got := gate.RequiresApproval(deploy); got != tt.want {
				t.Errorf("RequiresApproval() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestApprove_SelfApprovalRejected(t *testing.T) {
	gate := newGate(true)
	deploy := types.DeployContext{ID: "d1", Production: true}
	gate.Register(deploy, "alice")

	ok, err := gate.Approve("d1", "alice")
	if ok || !errors.Is(err, approval.ErrSelfApproval) {
		t.Fatalf("expected ErrSelfApproval, got ok=%v err=%v", ok, err)
	}
	if gate.Satisfied(deploy) {
		t.Error("deploy must remain unapproved after self-approval attempt")
	}
}

func TestApprove_OtherUser(t *testing.T) {
	gate := newGate(true)
	deploy := types.DeployContext{ID: "d1", Production: true}
	gate.Register(deploy, "alice")

	var notified string
	gate.OnApprove(func(id string) { notified = id })

	if gate.Satisfied(deploy) {
		t.Fatal("production deploy should need approval")
	}
	if len(gate.Pending()) != 1 {
		t.Fatalf("expected one pending check, got %d", len(gate.Pending()))
	}

	ok, err := gate.Approve("d1", "bob")
	if !ok || err != nil {
		t.Fatalf("Approve() = %v, %v", ok, err)
	}
	if !gate.IsApproved("d1") || !gate.Satisfied(deploy) {
		t.Error("expected deploy approved")
	}
	if notified != "d1" {
		t.Errorf("approve callback got %q", notified)
	}

	check, found := gate.Get("d1")
	if !found || check.Approver != "bob" || check.ApprovedAt == nil {
		t.Errorf("unexpected check state: %+v", check)
	}

	// The first approver is kept
	if _, err := gate.Approve("d1", "carol"); err != nil {
		t.Fatalf("second approval: %v", err)
	}
	check, _ = gate.Get("d1")
	if check.Approver != "bob" {
		t.Errorf("approver overwritten with %q", check.Approver)
	}
}

func TestApprove_Errors(t *testing.T) {
	gate := newGate(true)

	if _, err := gate.Approve("missing", "bob"); !errors.Is(err, approval.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	gate.Register(types.DeployContext{ID: "d1"}, "alice")
	if _, err := gate.Approve("d1", ""); !errors.Is(err, approval.ErrMissingApprover) {
		t.Errorf("expected ErrMissingApprover, got %v", err)
	}
}

func TestSetEnabled_AppliesToRegisteredDeploys(t *testing.T) {
	gate := newGate(false)
	deploy := types.DeployContext{ID: "d1", Production: true}
	gate.Register(deploy, "alice")

	if !gate.Satisfied(deploy) {
		t.Fatal("policy off: deploy should be dispatchable")
	}

	gate.SetEnabled(true)
	if gate.Satisfied(deploy) {
		t.Error("policy turned on: deploy should now wait for approval")
	}
	check, _ := gate.Get("d1")
	if !check.Required {
		t.Error("expected Required to follow the current policy")
	}
}

func TestForget(t *testing.T) {
	gate := newGate(true)
	gate.Register(types.DeployContext{ID: "d1", Production: true}, "alice")
	gate.Forget("d1")

	if _, ok := gate.Get("d1"); ok {
		t.Error("expected state dropped")
	}
	if len(gate.Pending()) != 0 {
		t.Error("expected no pending checks")
	}
}

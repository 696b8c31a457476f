// Package approval implements the buddy check: production deploys need a
// second person's sign-off before they may run.
package approval

import (
	"errors"
	"fmt"
	"sync"

	"k8s.io/utils/clock"

	"github.com/stagehand/stagehand/pkg/logger"
	"github.com/stagehand/stagehand/pkg/types"
)

var (
	// ErrSelfApproval is returned when the creator tries to approve their own deploy
	ErrSelfApproval = errors.New("deploy cannot be approved by its creator")
	// ErrNotFound is returned for deploys the gate has never seen
	ErrNotFound = errors.New("deploy not registered for buddy check")
	// ErrMissingApprover is returned when no approver identity is supplied
	ErrMissingApprover = errors.New("approver is required")
)

// Gate tracks approval state per deploy
type Gate struct {
	clock clock.PassiveClock
	log   logger.Logger

	mu      sync.RWMutex
	enabled bool
	checks  map[string]*types.BuddyCheck
	deploys map[string]types.DeployContext

	onApprove func(deployID string)
}

// NewGate creates an approval gate with the given policy
func NewGate(enabled bool, clk clock.PassiveClock, log logger.Logger) *Gate {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Gate{
		clock:   clk,
		log:     log,
		enabled: enabled,
		checks:  make(map[string]*types.BuddyCheck),
		deploys: make(map[string]types.DeployContext),
	}
}

// OnApprove sets a callback invoked, outside the gate lock, after each approval
func (g *Gate) OnApprove(fn func(deployID string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onApprove = fn
}

// SetEnabled toggles the system-wide policy
func (g *Gate) SetEnabled(enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = enabled
}

// Enabled reports the current policy
func (g *Gate) Enabled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.enabled
}

// RequiresApproval is true iff the deploy targets production and the policy is on
func (g *Gate) RequiresApproval(deploy types.DeployContext) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.enabled && deploy.Production
}

// Register records the deploy and its creator so later approvals can be checked
func (g *Gate) Register(deploy types.DeployContext, creator string) *types.BuddyCheck {
	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.checks[deploy.ID]; ok {
		cp := *existing
		return &cp
	}

	check := &types.BuddyCheck{
		DeployID: deploy.ID,
		Creator:  creator,
		Required: g.enabled && deploy.Production,
	}
	g.checks[deploy.ID] = check
	g.deploys[deploy.ID] = deploy
	cp := *check
	return &cp
}

// Approve records approver's sign-off. The creator can never approve.
func (g *Gate) Approve(deployID, approver string) (bool, error) {
	if approver == "" {
		return false, ErrMissingApprover
	}

	g.mu.Lock()
	check, ok := g.checks[deployID]
	if !ok {
		g.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrNotFound, deployID)
	}
	if check.Creator == approver {
		g.mu.Unlock()
		g.log.Warn("Rejected self-approval",
			logger.WithField("deploy", deployID),
			logger.WithField("actor", approver),
		)
		return false, fmt.Errorf("%w: %s", ErrSelfApproval, approver)
	}
	if check.Approver == "" {
		now := g.clock.Now()
		check.Approver = approver
		check.ApprovedAt = &now
	}
	callback := g.onApprove
	g.mu.Unlock()

	g.log.Info("Deploy approved",
		logger.WithField("deploy", deployID),
		logger.WithField("approver", approver),
	)
	if callback != nil {
		callback(deployID)
	}
	return true, nil
}

// IsApproved reports whether someone other than the creator approved the deploy
func (g *Gate) IsApproved(deployID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	check, ok := g.checks[deployID]
	return ok && check.Approver != ""
}

// Satisfied is the pre-dispatch check: the deploy may run if approval is not
// required under the current policy or it has been approved.
func (g *Gate) Satisfied(deploy types.DeployContext) bool {
	if !g.RequiresApproval(deploy) {
		return true
	}
	return g.IsApproved(deploy.ID)
}

// Get returns a copy of the deploy's approval state
func (g *Gate) Get(deployID string) (*types.BuddyCheck, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	check, ok := g.checks[deployID]
	if !ok {
		return nil, false
	}
	cp := *check
	cp.Required = g.enabled && g.deploys[deployID].Production
	return &cp, true
}

// Forget drops state for a deploy that reached a terminal status
func (g *Gate) Forget(deployID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.checks, deployID)
	delete(g.deploys, deployID)
}

// Pending lists deploys still waiting for approval
func (g *Gate) Pending() []types.BuddyCheck {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []types.BuddyCheck
	for id, check := range g.checks {
		if g.enabled && g.deploys[id].Production && check.Approver == "" {
			cp := *check
			cp.Required = true
			out = append(out, cp)
		}
	}
	return out
}


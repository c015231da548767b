package manager

import (
	"sync/atomic"

	"github.com/incept-protocol/comet-manager/internal/types"
)

const (
	guardIdle int32 = iota
	guardRunning
)

// Guard admits at most one cycle at a time.
// Under the coalesce policy a trigger arriving while a cycle runs is remembered,
// and the running cycle repeats once when it finishes instead of starting a second one.
type Guard struct {
	policy  types.TriggerPolicy
	state   atomic.Int32
	pending atomic.Bool
}

func NewGuard(policy types.TriggerPolicy) *Guard {
	return &Guard{policy: policy}
}

// TryAcquire moves the guard from idle to running. When a cycle is already running it returns
// false, and with the coalesce policy it marks a re-run as pending.
func (g *Guard) TryAcquire() (acquired, coalesced bool) {
	if g.state.CompareAndSwap(guardIdle, guardRunning) {
		return true, false
	}
	if g.policy == types.TriggerPolicyCoalesce {
		g.pending.Store(true)
		return false, true
	}
	return false, false
}

// Done ends the current run. It returns true when a pending trigger must be served,
// in which case the guard stays held by the caller.
func (g *Guard) Done() bool {
	for {
		if g.pending.Swap(false) {
			return true
		}
		g.state.Store(guardIdle)
		// A trigger may have set pending between the swap and the store.
		if !g.pending.Load() || !g.state.CompareAndSwap(guardIdle, guardRunning) {
			return false
		}
	}
}

// Release forces the guard back to idle and forgets any pending trigger.
func (g *Guard) Release() {
	g.pending.Store(false)
	g.state.Store(guardIdle)
}

// Running reports whether a cycle holds the guard.
func (g *Guard) Running() bool {
	return g.state.Load() == guardRunning
}

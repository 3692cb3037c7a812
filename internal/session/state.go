// Package session implements the per-node session controller (spec.md
// §4.6): the prepare → handshake → trigger → run → drain → transfer →
// synchronise → report lifecycle that drives the Master and Slave roles
// on top of the peer link, acquisition pipeline and offset synchroniser.
package session

import (
	"sync"
	"sync/atomic"

	"github.com/nishisan-dev/tssync/internal/model"
)

// Tracker holds one node's SessionState, progress and error text, the same
// atomic-state-with-mutex-guarded-extras shape as n-backup's ControlChannel
// state machine, adapted from a fixed set of connection states to tssync's
// SessionState enum.
type Tracker struct {
	state atomic.Int32 // model.SessionState

	mu       sync.RWMutex
	progress int
	errText  string
}

// NewTracker returns a Tracker starting in StateIdle.
func NewTracker() *Tracker {
	t := &Tracker{}
	t.state.Store(int32(model.StateIdle))
	return t
}

// SetState transitions the tracker to state.
func (t *Tracker) SetState(state model.SessionState) {
	t.state.Store(int32(state))
}

// State returns the current state.
func (t *Tracker) State() model.SessionState {
	return model.SessionState(t.state.Load())
}

// SetProgress records 0..100 completion progress.
func (t *Tracker) SetProgress(pct int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress = pct
}

// Progress returns the last recorded progress.
func (t *Tracker) Progress() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.progress
}

// Fail records errText and transitions to StateError.
func (t *Tracker) Fail(errText string) {
	t.mu.Lock()
	t.errText = errText
	t.mu.Unlock()
	t.SetState(model.StateError)
}

// Error returns the last recorded error text, empty if none.
func (t *Tracker) Error() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.errText
}

// StatusData renders the tracker as the wire-level status payload carried
// in a command response (protocol.StatusData).
func (t *Tracker) StatusData() (state string, progress int, errText string) {
	return t.State().String(), t.Progress(), t.Error()
}

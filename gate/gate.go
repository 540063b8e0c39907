/*Package gate provides the per-device busy gate.

The gate is the only coordination between the background monitor and an
exclusive multi-phase test: a test claims the gate for its whole duration,
and the monitor skips any device whose gate is held.  It behaves like a
sync.Mutex without the blocking: a second claim fails immediately instead
of queueing.  It is single-holder and not reentrant.
*/
package gate

import (
	"fmt"
	"sync"
)

// state is the occupancy of the gate.  An explicit enum rather than a bare
// bool so the single-holder invariant is checkable.
type state int

const (
	idle state = iota
	exclusive
)

// ErrBusy is returned by TryClaim when another operation holds the gate.
type ErrBusy struct {
	// Holder names the operation currently holding the gate.
	Holder string
}

func (e ErrBusy) Error() string {
	return fmt.Sprintf("device busy with %s", e.Holder)
}

// Gate is an advisory, non-queueing exclusivity flag for one device.
// The zero value is ready to use.
type Gate struct {
	mu     sync.Mutex
	st     state
	holder string
}

// TryClaim takes the gate for the named operation.  It fails fast with
// ErrBusy if the gate is already held; it never blocks or queues.
func (g *Gate) TryClaim(op string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.st == exclusive {
		return ErrBusy{Holder: g.holder}
	}
	g.st = exclusive
	g.holder = op
	return nil
}

// Release returns the gate to idle.  Releasing an idle gate is a no-op;
// exclusive operations release unconditionally on every exit path.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.st = idle
	g.holder = ""
}

// Busy returns true while an exclusive operation holds the gate.
func (g *Gate) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.st == exclusive
}

// Holder returns the name of the operation holding the gate, or "" if idle.
func (g *Gate) Holder() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holder
}

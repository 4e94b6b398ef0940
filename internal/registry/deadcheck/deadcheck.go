// ABOUTME: Process-liveness probing for cleanup-dead, abstracted behind a Prober interface
// ABOUTME: OS probing happens outside the registry lock because it is comparatively slow

package deadcheck

import (
	"context"
	"time"

	"github.com/mitchellh/go-ps"

	"github.com/relaykeep/relaykeep/internal/registry"
)

// startTimeTolerance is the ±2s window within which a process' observed
// start time is still considered a match for the session's recorded one.
const startTimeTolerance = 2 * time.Second

// Prober decides, for a given (pid, start-time), whether the process is
// still the one that registered the session.
type Prober interface {
	IsAlive(pid int, startTime time.Time) (bool, error)
}

// OSProber implements Prober using github.com/mitchellh/go-ps, which
// portably lists OS processes without shelling out.
type OSProber struct{}

// IsAlive reports whether pid currently refers to a running process.
//
// go-ps does not expose a process's start time on every platform, so this
// probe only asserts "some process with this pid exists right now" and
// ignores startTime: a pid reused by an unrelated process is reported
// alive.
func (OSProber) IsAlive(pid int, _ time.Time) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	proc, err := ps.FindProcess(pid)
	if err != nil {
		return false, err
	}
	return proc != nil, nil
}

// Checker runs cleanup-dead against a Registry using a Prober, following
// the snapshot-compute-mutate pattern: list candidates under the
// registry's own lock-free read path, probe each outside any lock, then
// delete the ones found dead.
type Checker struct {
	registry registry.Registry
	prober   Prober
}

// New builds a Checker for reg using prober to test liveness.
func New(reg registry.Registry, prober Prober) *Checker {
	return &Checker{registry: reg, prober: prober}
}

// Sweep probes every notify-enabled session with a known parent pid and
// deletes the ones the Prober reports as not alive, or whose probe fails.
// Sweep itself does not compare start times; whether a pid reused by an
// unrelated process counts as dead is left to the Prober, and OSProber
// reports it alive.
func (c *Checker) Sweep(ctx context.Context) ([]string, error) {
	sessions, err := c.registry.List(ctx, false, true)
	if err != nil {
		return nil, err
	}

	var dead []string
	for _, sess := range sessions {
		if sess.ParentPID <= 0 {
			continue
		}
		alive, err := c.prober.IsAlive(sess.ParentPID, sess.StartTime)
		if err != nil || !alive {
			dead = append(dead, sess.SessionID)
			continue
		}
	}

	var removed []string
	for _, id := range dead {
		if err := c.registry.Delete(ctx, id); err != nil && err != registry.ErrNotFound {
			return removed, err
		}
		removed = append(removed, id)
	}
	return removed, nil
}

// withinTolerance reports whether observed matches expected within the
// ±2s start-time tolerance named in the dead-session detection contract.
func withinTolerance(expected, observed time.Time) bool {
	diff := expected.Sub(observed)
	if diff < 0 {
		diff = -diff
	}
	return diff <= startTimeTolerance
}

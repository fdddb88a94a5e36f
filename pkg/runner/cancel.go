package runner

import (
	"time"

	"github.com/holon-run/agentrelay/pkg/log"
)

// Cancel asks a live run to terminate. It returns false for unknown, exited
// or already canceled runs, and when the signal cannot be sent. It never
// blocks; if the process outlives the grace period it is killed.
func (r *Runner) Cancel(runID string) bool {
	rn := r.registry.get(runID)
	if rn == nil || rn.cmd == nil || rn.cmd.Process == nil {
		return false
	}
	if rn.canceled.Swap(true) {
		return false
	}

	if err := terminate(rn.cmd.Process); err != nil {
		rn.canceled.Store(false)
		log.Warn("failed to signal run", "run_id", runID, "error", err)
		return false
	}

	rn.killMu.Lock()
	rn.killer = time.AfterFunc(r.opts.CancelGrace, func() {
		select {
		case <-rn.done:
			return
		default:
		}
		log.Warn("run ignored termination; killing", "run_id", runID, "grace", r.opts.CancelGrace)
		_ = forceKill(rn.cmd.Process)
	})
	rn.killMu.Unlock()

	log.Progress("run canceled", "run_id", runID)
	return true
}

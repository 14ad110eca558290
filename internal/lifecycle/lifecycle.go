// Package lifecycle tracks every live connection, client and timer belonging
// to a test run and is the single source of truth for whether the run should
// stop. No other component closes sockets or cancels timers directly.
package lifecycle

import (
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cdnprobe/cdnprobe/internal/metrics"
)

// Socket is a connection handle that supports a forced, non-graceful close.
// A graceful TCP close is too slow to bound phase duration.
type Socket interface {
	io.Closer
	Abort() error
}

// Lifecycle is the per-run resource registry. All methods are safe for
// concurrent use. The zero value is not usable; call New.
type Lifecycle struct {
	mu            sync.Mutex
	userCancelled bool
	timedOut      bool

	clients map[io.Closer]struct{}
	sockets map[Socket]struct{}
	timers  map[*time.Timer]struct{}

	workers sync.WaitGroup

	phaseDone chan struct{}
	phaseOnce *sync.Once
}

// New returns an empty Lifecycle ready for a run.
func New() *Lifecycle {
	lc := &Lifecycle{}
	lc.resetLocked()
	return lc
}

func (lc *Lifecycle) resetLocked() {
	lc.userCancelled = false
	lc.timedOut = false
	lc.clients = make(map[io.Closer]struct{})
	lc.sockets = make(map[Socket]struct{})
	lc.timers = make(map[*time.Timer]struct{})
	lc.phaseDone = make(chan struct{})
	lc.phaseOnce = &sync.Once{}
}

// Reset clears all flags and registries for a new run. It must not be called
// while workers from a previous run are still in flight.
func (lc *Lifecycle) Reset() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.resetLocked()
}

// ShouldStop reports whether the run has been cancelled or timed out.
func (lc *Lifecycle) ShouldStop() bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.userCancelled || lc.timedOut
}

// UserCancelled reports whether the user cancelled the run.
func (lc *Lifecycle) UserCancelled() bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.userCancelled
}

// TimedOut reports whether a phase kill timer fired during the run.
func (lc *Lifecycle) TimedOut() bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.timedOut
}

// RegisterClient tracks a closeable client handle. If the run is already
// stopping the handle is closed immediately and false is returned. The
// shouldStop check and the registration happen in the same critical section,
// so a handle created just as cancellation occurs cannot leak.
func (lc *Lifecycle) RegisterClient(c io.Closer) bool {
	lc.mu.Lock()
	if lc.userCancelled || lc.timedOut {
		lc.mu.Unlock()
		c.Close()
		return false
	}
	lc.clients[c] = struct{}{}
	lc.mu.Unlock()
	return true
}

// RegisterSocket tracks a socket handle, with the same stop semantics as
// RegisterClient.
func (lc *Lifecycle) RegisterSocket(s Socket) bool {
	lc.mu.Lock()
	if lc.userCancelled || lc.timedOut {
		lc.mu.Unlock()
		s.Abort()
		return false
	}
	lc.sockets[s] = struct{}{}
	lc.mu.Unlock()
	return true
}

// RegisterTimer tracks a timer handle, with the same stop semantics as
// RegisterClient.
func (lc *Lifecycle) RegisterTimer(t *time.Timer) bool {
	lc.mu.Lock()
	if lc.userCancelled || lc.timedOut {
		lc.mu.Unlock()
		t.Stop()
		return false
	}
	lc.timers[t] = struct{}{}
	lc.mu.Unlock()
	return true
}

// UnregisterClient removes a client handle after its owner closed it.
func (lc *Lifecycle) UnregisterClient(c io.Closer) {
	lc.mu.Lock()
	delete(lc.clients, c)
	lc.mu.Unlock()
}

// UnregisterSocket removes a socket handle after its owner closed it.
func (lc *Lifecycle) UnregisterSocket(s Socket) {
	lc.mu.Lock()
	delete(lc.sockets, s)
	lc.mu.Unlock()
}

// UnregisterTimer removes a timer handle after it fired or was stopped.
func (lc *Lifecycle) UnregisterTimer(t *time.Timer) {
	lc.mu.Lock()
	delete(lc.timers, t)
	lc.mu.Unlock()
}

// LaunchWorker runs body as a tracked asynchronous unit of work. Worker
// errors are expected during forced teardown (closed sockets), so they are
// logged at debug level and swallowed. Returns false without running body if
// the run is already stopping.
func (lc *Lifecycle) LaunchWorker(name string, body func() error) bool {
	lc.mu.Lock()
	if lc.userCancelled || lc.timedOut {
		lc.mu.Unlock()
		return false
	}
	lc.workers.Add(1)
	lc.mu.Unlock()

	go func() {
		defer lc.workers.Done()
		if err := body(); err != nil {
			log.Debug("worker exited with error", "worker", name, "error", err)
		}
	}()
	return true
}

// AwaitWorkers blocks until every launched worker has settled. It must be
// called before a phase is considered finished.
func (lc *Lifecycle) AwaitWorkers() {
	lc.workers.Wait()
}

// BeginPhase arms a fresh one-shot phase gate. Any previous gate must have
// been completed already.
func (lc *Lifecycle) BeginPhase() {
	lc.mu.Lock()
	lc.phaseDone = make(chan struct{})
	lc.phaseOnce = &sync.Once{}
	lc.mu.Unlock()
}

// CompletePhase signals the phase gate. Safe to call multiple times; only
// the first call has any effect.
func (lc *Lifecycle) CompletePhase() {
	lc.mu.Lock()
	once, done := lc.phaseOnce, lc.phaseDone
	lc.mu.Unlock()
	once.Do(func() { close(done) })
}

// AwaitPhase blocks until the current phase gate has been signalled, either
// by natural completion or by the kill timer.
func (lc *Lifecycle) AwaitPhase() {
	lc.mu.Lock()
	done := lc.phaseDone
	lc.mu.Unlock()
	<-done
}

// TimeoutPhase sets the timedOut flag, force-destroys every tracked handle
// and signals the phase gate. Calling it twice, or after Cancel, is a no-op.
func (lc *Lifecycle) TimeoutPhase() {
	lc.mu.Lock()
	if lc.userCancelled || lc.timedOut {
		lc.mu.Unlock()
		return
	}
	lc.timedOut = true
	lc.teardownLocked()
	lc.mu.Unlock()

	metrics.PhaseTimeouts.Inc()
	lc.CompletePhase()
}

// Cancel performs the same forced teardown as TimeoutPhase but sets the
// userCancelled flag instead and is effective across phases. Idempotent.
func (lc *Lifecycle) Cancel() {
	lc.mu.Lock()
	if lc.userCancelled || lc.timedOut {
		lc.mu.Unlock()
		return
	}
	lc.userCancelled = true
	lc.teardownLocked()
	lc.mu.Unlock()

	lc.CompletePhase()
}

// teardownLocked force-destroys every tracked handle in a single synchronous
// sweep. Pending reads and writes in all workers fail as a consequence,
// which workers interpret as a stop signal. Callers must hold lc.mu.
func (lc *Lifecycle) teardownLocked() {
	for t := range lc.timers {
		t.Stop()
	}
	for s := range lc.sockets {
		s.Abort()
	}
	for c := range lc.clients {
		c.Close()
	}
	destroyed := len(lc.timers) + len(lc.sockets) + len(lc.clients)
	lc.timers = make(map[*time.Timer]struct{})
	lc.sockets = make(map[Socket]struct{})
	lc.clients = make(map[io.Closer]struct{})
	metrics.ForcedTeardowns.Add(float64(destroyed))
}

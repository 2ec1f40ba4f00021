package replica

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-kit/kit/log"
)

// Driver runs N replicas as cooperating goroutines in one process, per
// spec §4.7's multi-node driver. It owns the onShutdown LIFO teardown
// stack and signal handling, the same shape as the teacher's
// server.addOnShutdown/shutdown/signalHandler in cmd/goshawkdb/main.go,
// adapted to destroy replicas rather than a single db/router/listener
// chain.
type Driver struct {
	logger log.Logger

	// lock guards onShutdown and done; it is never acquired while
	// already held (the config a Driver's replicas share is read-only
	// after construction per spec §5, so nothing here actually needs
	// recursion — see DESIGN.md).
	lock       sync.Mutex
	onShutdown []func()
	done       bool

	Terminated chan struct{}
}

// NewDriver constructs an empty driver. Add replicas with AddReplica,
// then call Run (blocks until shutdown) or Shutdown directly.
func NewDriver(logger log.Logger) *Driver {
	return &Driver{
		logger:     logger,
		Terminated: make(chan struct{}),
	}
}

// AddReplica registers r for shutdown when the driver stops. It does
// not start r; callers arrange Listen/ConnectToAcceptors themselves
// before or after adding it here.
func (d *Driver) AddReplica(r *Replica) {
	d.addOnShutdown(r.Shutdown)
}

// AddOnShutdown registers an arbitrary teardown step (a listener, a
// storage handle) to run, LIFO, during Shutdown. Useful for resources a
// cmd/ driver owns outside of any single Replica.
func (d *Driver) AddOnShutdown(f func()) {
	d.addOnShutdown(f)
}

func (d *Driver) addOnShutdown(f func()) {
	d.lock.Lock()
	d.onShutdown = append(d.onShutdown, f)
	d.lock.Unlock()
}

// Shutdown runs every registered teardown step in LIFO order, exactly
// once. Safe to call more than once or concurrently with signalHandler.
func (d *Driver) Shutdown() {
	d.lock.Lock()
	if d.done {
		d.lock.Unlock()
		return
	}
	d.done = true
	steps := d.onShutdown
	d.lock.Unlock()

	for idx := len(steps) - 1; idx >= 0; idx-- {
		steps[idx]()
	}
	d.logger.Log("msg", "shutdown complete")
	close(d.Terminated)
}

// Run installs the SIGINT/SIGTERM handler and blocks until Shutdown
// completes, per spec §5's "SIGINT drives the event loop to exit
// cleanly".
func (d *Driver) Run() {
	go d.signalHandler()
	<-d.Terminated
}

func (d *Driver) signalHandler() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	d.logger.Log("msg", "received signal, shutting down", "signal", sig)
	d.Shutdown()
}

// Package global holds the handful of process-wide values that every
// daemon, worker, and session needs read access to without threading
// them through every function call.
package global

import (
	"errors"
	"sync/atomic"
	"time"
)

var (
	// StartupTime is the timestamp captured when this program started.
	StartupTime = time.Now()
	// ConfigFilePath holds a configuration file path for callers that record one here; nothing in this
	// module assigns it, so it is empty unless a caller sets it.
	ConfigFilePath string

	// ErrShutdown is returned by listeners and workers once shutdown has been triggered.
	ErrShutdown = errors.New("server is shutting down")

	shuttingDown int32
)

// ShuttingDown reports whether TriggerShutdown has been called. Listener
// accept loops and worker drain loops poll this between iterations and
// stop accepting new work once it flips true.
func ShuttingDown() bool {
	return atomic.LoadInt32(&shuttingDown) != 0
}

// TriggerShutdown asks every listener and worker to stop accepting new
// work. In-flight connections and handoffs are allowed to finish; nothing
// is forcibly killed. There is no way to cancel shutdown once triggered.
func TriggerShutdown() {
	atomic.StoreInt32(&shuttingDown, 1)
}

package agent

import (
	"os"
	"os/signal"
	"syscall"
)

// WatchSignals forwards SIGUSR1 (restart request) into the StatusHandler and
// SIGTERM/SIGINT into the returned channel, which the agent entrypoint reads
// to cancel the engine's context and stop it. Mirrors the signal.Notify +
// goroutine-forwarding idiom used by the dispatch server's process
// entrypoint.
func WatchSignals(status *StatusHandler) <-chan os.Signal {
	restartSig := make(chan os.Signal, 1)
	signal.Notify(restartSig, syscall.SIGUSR1)

	termSig := make(chan os.Signal, 1)
	signal.Notify(termSig, os.Interrupt, syscall.SIGTERM)

	go func() {
		for range restartSig {
			status.RequestRestart()
		}
	}()

	return termSig
}

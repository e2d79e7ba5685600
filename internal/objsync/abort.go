package objsync

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/ossobv/planbd/internal/log"
)

// ErrAborted is returned from tight loops once the abort flag is set.
// It counts as a transient failure: the next run heals.
var ErrAborted = errors.New("aborted by signal")

// Abort is the process-wide stop flag, polled in per-record and
// per-chunk loops.
type Abort struct {
	flag atomic.Bool
}

// NewAbort returns an unset flag (tests drive it directly).
func NewAbort() *Abort {
	return &Abort{}
}

// InstallAbort returns a flag that is set by HUP, INT, TERM and QUIT.
func InstallAbort(ctx context.Context) *Abort {
	a := &Abort{}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		select {
		case sig := <-ch:
			log.Warningf(ctx, "objsync: received %s, finishing up", sig)
			a.Set()
		case <-ctx.Done():
		}
		signal.Stop(ch)
	}()
	return a
}

// Set raises the flag.
func (a *Abort) Set() {
	a.flag.Store(true)
}

// Aborted reports whether the flag is raised.
func (a *Abort) Aborted() bool {
	return a.flag.Load()
}

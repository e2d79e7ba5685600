package runner

import (
	"context"

	"github.com/ossobv/planbd/internal/catalog"
	"github.com/ossobv/planbd/internal/log"
)

// Notifier receives run lifecycle events. The admin mail hook and the
// monitoring bridge both implement this.
type Notifier interface {
	// BackupDone fires after every run, success or not.
	BackupDone(ctx context.Context, f *catalog.Fileset, success bool)
	// FirstFailure fires when a fileset enters a failure streak.
	FirstFailure(ctx context.Context, f *catalog.Fileset, errText string)
	// Recovered fires when a success ends a failure streak.
	Recovered(ctx context.Context, f *catalog.Fileset)
}

// LogNotifier is the default Notifier: it only logs.
type LogNotifier struct{}

// BackupDone implements Notifier.
func (LogNotifier) BackupDone(ctx context.Context, f *catalog.Fileset, success bool) {
	if success {
		log.Infof(ctx, "backup done: fileset %d (%s)", f.ID, f.FriendlyName)
		return
	}
	log.Warningf(ctx, "backup failed: fileset %d (%s)", f.ID, f.FriendlyName)
}

// FirstFailure implements Notifier.
func (LogNotifier) FirstFailure(ctx context.Context, f *catalog.Fileset, errText string) {
	log.Errorf(ctx, "fileset %d (%s) started failing: %s", f.ID, f.FriendlyName, errText)
}

// Recovered implements Notifier.
func (LogNotifier) Recovered(ctx context.Context, f *catalog.Fileset) {
	log.Infof(ctx, "fileset %d (%s) recovered", f.ID, f.FriendlyName)
}

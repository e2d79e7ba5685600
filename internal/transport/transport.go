/*

Package transport runs the external data-import step of a backup: rsync
over ssh (or against an rsync daemon), or an arbitrary command. The
transport writes into the fileset's mounted data directory; everything else
(when, locking, snapshotting) is the caller's business.

*/
package transport

import (
	"context"
	"fmt"
	"strconv"
)

// Transport imports remote data into the data directory.
type Transport interface {
	// RunTransport executes the external data-import step. A nil return
	// means the data directory now holds the remote state.
	RunTransport(ctx context.Context) error
	// Description is a short human-readable label for logs and reports.
	Description() string
}

// Error is a classified transport failure.
type Error struct {
	// Code is the child's exit code (-1 when it did not run or was signaled).
	Code int
	// Stderr holds the captured error output.
	Stderr string
	// Meaning is the documented meaning of the exit code, when known.
	Meaning string
}

func (e *Error) Error() string {
	msg := "transport exited with status " + strconv.Itoa(e.Code)
	if e.Meaning != "" {
		msg += " (" + e.Meaning + ")"
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// rsyncExitMeanings preserves the meaning of rsync exit codes in error
// texts (man rsync, EXIT VALUES).
var rsyncExitMeanings = map[int]string{
	1:  "syntax or usage error",
	2:  "protocol incompatibility",
	3:  "errors selecting input/output files, dirs",
	4:  "requested action not supported",
	5:  "error starting client-server protocol",
	10: "error in socket I/O",
	11: "error in file I/O",
	12: "error in rsync protocol data stream",
	13: "errors with program diagnostics",
	14: "error in IPC code",
	20: "received SIGUSR1 or SIGINT",
	21: "some error returned by waitpid()",
	22: "error allocating core memory buffers",
	23: "partial transfer due to error",
	24: "partial transfer due to vanished source files",
	25: "the --max-delete limit stopped deletions",
	30: "timeout in data send/receive",
	35: "timeout waiting for daemon connection",
}

func rsyncError(code int, stderr string) *Error {
	return &Error{Code: code, Stderr: stderr, Meaning: rsyncExitMeanings[code]}
}

// Params carries the run-scoped values every transport gets from the job
// runner: where to write, and what this run is.
type Params struct {
	// DataPath is the mounted dataset data directory (the target).
	DataPath string
	// FilesetID and FriendlyName identify the fileset.
	FilesetID    int64
	FriendlyName string
	// SnapshotTarget is the snapshot name that will be taken on success.
	SnapshotTarget string
	// StorageName is the canonical dataset name.
	StorageName string
}

func (p Params) String() string {
	return fmt.Sprintf("fileset %d (%s) -> %s", p.FilesetID, p.FriendlyName, p.DataPath)
}

package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"golang.org/x/xerrors"
	"maragu.dev/goqite"
)

// BackupJob is the payload of the backup queue: one claimed fileset to
// run. SnapshotName is set for manual archive triggers only.
type BackupJob struct {
	FilesetID    int64  `json:"fileset_id"`
	SnapshotName string `json:"snapshot_name,omitempty"`
}

// DutreeJob is the payload of the post-processing queue: compute the
// disk-use listing of one finished run's snapshot.
type DutreeJob struct {
	RunID     int64 `json:"run_id"`
	FilesetID int64 `json:"fileset_id"`
}

// Queue is a named persistent message queue in the catalog database.
type Queue struct {
	name string
	q    *goqite.Queue
	db   *sql.DB
}

// SetupQueues creates the queue table when missing. Call once per
// database before NewQueue.
func SetupQueues(ctx context.Context, db *sql.DB) error {
	if err := goqite.Setup(ctx, db); err != nil {
		// Setup is not idempotent; an existing table is fine.
		var exists bool
		row := db.QueryRowContext(ctx,
			"SELECT COUNT(*) > 0 FROM sqlite_master WHERE type = 'table' AND name = 'goqite'")
		if scanErr := row.Scan(&exists); scanErr == nil && exists {
			return nil
		}
		return xerrors.Errorf("cannot set up queue tables: %v", err)
	}
	return nil
}

// NewQueue opens the named queue. Messages invisible to other consumers
// for timeout after Receive; Done must be called within it.
func NewQueue(db *sql.DB, name string, timeout time.Duration) *Queue {
	return &Queue{
		name: name,
		db:   db,
		q: goqite.New(goqite.NewOpts{
			DB:      db,
			Name:    name,
			Timeout: timeout,
		}),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Send enqueues one JSON-encoded payload.
func (q *Queue) Send(ctx context.Context, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Errorf("cannot serialize %s payload: %v", q.name, err)
	}
	if err := q.q.Send(ctx, goqite.Message{Body: body}); err != nil {
		return xerrors.Errorf("cannot enqueue on %s: %v", q.name, err)
	}
	return nil
}

// Receive dequeues one message, decoding its payload into dest. Returns
// false when the queue is empty. The caller must Done or Extend the
// returned id before the queue timeout.
func (q *Queue) Receive(ctx context.Context, dest interface{}) (goqite.ID, bool, error) {
	m, err := q.q.Receive(ctx)
	if err != nil {
		return "", false, xerrors.Errorf("cannot receive from %s: %v", q.name, err)
	}
	if m == nil {
		return "", false, nil
	}
	if err := json.Unmarshal(m.Body, dest); err != nil {
		// Drop the poison message so it does not wedge the queue.
		if delErr := q.q.Delete(ctx, m.ID); delErr != nil {
			return "", false, xerrors.Errorf("cannot drop unparseable %s message: %v", q.name, delErr)
		}
		return "", false, xerrors.Errorf("cannot parse %s payload: %v", q.name, err)
	}
	return m.ID, true, nil
}

// ReceiveAndWait blocks polling at interval until a message arrives or
// ctx is done.
func (q *Queue) ReceiveAndWait(ctx context.Context, interval time.Duration, dest interface{}) (goqite.ID, error) {
	m, err := q.q.ReceiveAndWait(ctx, interval)
	if err != nil {
		return "", xerrors.Errorf("cannot receive from %s: %v", q.name, err)
	}
	if err := json.Unmarshal(m.Body, dest); err != nil {
		if delErr := q.q.Delete(ctx, m.ID); delErr != nil {
			return "", xerrors.Errorf("cannot drop unparseable %s message: %v", q.name, delErr)
		}
		return "", xerrors.Errorf("cannot parse %s payload: %v", q.name, err)
	}
	return m.ID, nil
}

// Extend pushes the invisibility deadline of an in-flight message, for
// jobs outliving the queue timeout (multi-hour transports).
func (q *Queue) Extend(ctx context.Context, id goqite.ID, delay time.Duration) error {
	if err := q.q.Extend(ctx, id, delay); err != nil {
		return xerrors.Errorf("cannot extend message on %s: %v", q.name, err)
	}
	return nil
}

// Done acknowledges a processed message.
func (q *Queue) Done(ctx context.Context, id goqite.ID) error {
	if err := q.q.Delete(ctx, id); err != nil {
		return xerrors.Errorf("cannot acknowledge message on %s: %v", q.name, err)
	}
	return nil
}

// Flush discards every pending message on the queue.
func (q *Queue) Flush(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, "DELETE FROM goqite WHERE queue = ?", q.name); err != nil {
		return xerrors.Errorf("cannot flush %s: %v", q.name, err)
	}
	return nil
}

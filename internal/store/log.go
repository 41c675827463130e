package store

import (
	"context"
	"time"

	"github.com/slaclab/cpsw-tpg/internal/ir"
)

// writeTimeout bounds one log write.
const writeTimeout = 5 * time.Second

// Log stamps records with one session and writes them to a Store.
//
// Log implements engine.Recorder and irq.EventRecorder. The dispatcher
// goroutine records checkpoints while the control goroutine records
// operations; database/sql serializes the two.
type Log struct {
	store   *Store
	session string
}

// NewLog registers session and returns a log that writes to it.
func NewLog(ctx context.Context, s *Store, session, label string) (*Log, error) {
	if err := s.WriteSession(ctx, session, label); err != nil {
		return nil, err
	}
	return &Log{store: s, session: session}, nil
}

// Session returns the session token.
func (l *Log) Session() string { return l.session }

// RecordOperation writes op under the log's session.
func (l *Log) RecordOperation(op ir.Operation) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	op.Session = l.session
	return l.store.WriteOperation(ctx, op)
}

// RecordCheckpoint writes ev under the log's session.
func (l *Log) RecordCheckpoint(ev ir.CheckpointEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	ev.Session = l.session
	return l.store.WriteCheckpoint(ctx, ev)
}

package store

import (
	"context"
	"fmt"

	"github.com/slaclab/cpsw-tpg/internal/ir"
)

// WriteSession registers a session id under the current record format.
// Registering an existing session is a no-op, so a resumed session keeps
// its label.
func (s *Store) WriteSession(ctx context.Context, id, label string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, label, format) VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, label, ir.FormatVersion)
	if err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// WriteProgram inserts a compiled program into the library.
// Programs are content-addressed: writing the same hash twice is a no-op.
func (s *Store) WriteProgram(ctx context.Context, p ir.ProgramRecord) error {
	if p.Hash == "" {
		return fmt.Errorf("write program %q: empty hash", p.Name)
	}
	words, err := marshalWords(p.Words)
	if err != nil {
		return fmt.Errorf("write program: %w", err)
	}
	text, err := marshalText(p.Text)
	if err != nil {
		return fmt.Errorf("write program: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO programs (hash, name, kind, words, text)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING
	`, p.Hash, p.Name, p.Kind, words, text)
	if err != nil {
		return fmt.Errorf("write program: %w", err)
	}
	return nil
}

// WriteOperation appends an engine mutation to its session log.
// Uses ON CONFLICT(session, seq) DO NOTHING for idempotency.
//
// Note: The session must have been registered with WriteSession (foreign
// key constraint).
func (s *Store) WriteOperation(ctx context.Context, op ir.Operation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operations
		(session, seq, engine, op, sequence, address, words, slot, class, sync, mask)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session, seq) DO NOTHING
	`,
		op.Session,
		op.Seq,
		op.Engine,
		string(op.Op),
		op.Sequence,
		op.Address,
		op.Words,
		op.Slot,
		op.Class,
		op.Sync,
		int64(op.Mask),
	)
	if err != nil {
		return fmt.Errorf("write operation: %w", err)
	}
	return nil
}

// WriteCheckpoint appends a checkpoint notification to its session log.
// Uses ON CONFLICT(session, seq) DO NOTHING for idempotency.
func (s *Store) WriteCheckpoint(ctx context.Context, ev ir.CheckpointEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (session, seq, engine, address, handled)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session, seq) DO NOTHING
	`, ev.Session, ev.Seq, ev.Engine, ev.Address, ev.Handled)
	if err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

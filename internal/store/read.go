package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/slaclab/cpsw-tpg/internal/ir"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ReadOperations returns the operation log of a session.
// Results are ordered deterministically: ORDER BY seq ASC, id ASC.
//
// Returns an empty slice (not nil) if the session has no operations.
func (s *Store) ReadOperations(ctx context.Context, session string) ([]ir.Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session, seq, engine, op, sequence, address, words, slot, class, sync, mask
		FROM operations
		WHERE session = ?
		ORDER BY seq ASC, id ASC
	`, session)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	ops := []ir.Operation{}
	for rows.Next() {
		var (
			op   ir.Operation
			kind string
			mask int64
		)
		if err := rows.Scan(&op.Session, &op.Seq, &op.Engine, &kind, &op.Sequence,
			&op.Address, &op.Words, &op.Slot, &op.Class, &op.Sync, &mask); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		op.Op = ir.OpKind(kind)
		op.Mask = uint64(mask)
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return ops, nil
}

// ReadCheckpoints returns the checkpoint log of a session, ordered by seq.
//
// Returns an empty slice (not nil) if the session has no checkpoints.
func (s *Store) ReadCheckpoints(ctx context.Context, session string) ([]ir.CheckpointEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session, seq, engine, address, handled
		FROM checkpoints
		WHERE session = ?
		ORDER BY seq ASC, id ASC
	`, session)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	events := []ir.CheckpointEvent{}
	for rows.Next() {
		var ev ir.CheckpointEvent
		if err := rows.Scan(&ev.Session, &ev.Seq, &ev.Engine, &ev.Address, &ev.Handled); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return events, nil
}

// ReadProgram returns the program stored under hash.
// Returns ErrNotFound if no such program exists.
func (s *Store) ReadProgram(ctx context.Context, hash string) (ir.ProgramRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT hash, name, kind, words, text FROM programs WHERE hash = ?
	`, hash)
	p, err := scanProgram(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.ProgramRecord{}, fmt.Errorf("program %s: %w", hash, ErrNotFound)
	}
	return p, err
}

// ListPrograms returns every stored program ordered by name, then hash.
func (s *Store) ListPrograms(ctx context.Context) ([]ir.ProgramRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash, name, kind, words, text
		FROM programs
		ORDER BY name ASC, hash COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query programs: %w", err)
	}
	defer rows.Close()

	programs := []ir.ProgramRecord{}
	for rows.Next() {
		p, err := scanProgram(rows)
		if err != nil {
			return nil, err
		}
		programs = append(programs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate programs: %w", err)
	}
	return programs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProgram(row scanner) (ir.ProgramRecord, error) {
	var (
		p           ir.ProgramRecord
		words, text string
	)
	if err := row.Scan(&p.Hash, &p.Name, &p.Kind, &words, &text); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("scan program: %w", err)
	}
	var err error
	if p.Words, err = unmarshalWords(words); err != nil {
		return p, err
	}
	if p.Text, err = unmarshalText(text); err != nil {
		return p, err
	}
	return p, nil
}

// Session is a registered session with its log sizes.
type Session struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Format      string `json:"format"`
	Operations  int    `json:"operations"`
	Checkpoints int    `json:"checkpoints"`
	LastSeq     int64  `json:"last_seq"`
}

// ListSessions returns every session ordered by id.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.label, s.format,
			(SELECT COUNT(*) FROM operations o WHERE o.session = s.id),
			(SELECT COUNT(*) FROM checkpoints c WHERE c.session = s.id)
		FROM sessions s
		ORDER BY s.id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Label, &sess.Format, &sess.Operations, &sess.Checkpoints); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	for i := range sessions {
		seq, err := s.LastSeq(ctx, sessions[i].ID)
		if err != nil {
			return nil, err
		}
		sessions[i].LastSeq = seq
	}
	return sessions, nil
}

// LastSeq returns the highest seq logged in a session, or 0 if it has no
// records. A resumed session continues its clock from here.
func (s *Store) LastSeq(ctx context.Context, session string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM (
			SELECT seq FROM operations WHERE session = ?
			UNION ALL
			SELECT seq FROM checkpoints WHERE session = ?
		)
	`, session, session).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("query last seq: %w", err)
	}
	return seq, nil
}

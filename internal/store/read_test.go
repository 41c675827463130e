package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slaclab/cpsw-tpg/internal/ir"
)

func TestReadOperationsOrderedBySeq(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	createTestSession(t, s, "a")
	createTestSession(t, s, "b")

	for _, seq := range []int64{3, 1, 2} {
		require.NoError(t, s.WriteOperation(ctx, createTestOperation("a", seq, 0)))
	}
	require.NoError(t, s.WriteOperation(ctx, createTestOperation("b", 1, 1)))

	ops, err := s.ReadOperations(ctx, "a")
	require.NoError(t, err)
	require.Len(t, ops, 3)
	for i, op := range ops {
		assert.Equal(t, int64(i+1), op.Seq)
		assert.Equal(t, "a", op.Session)
	}
}

func TestReadEmptySession(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	ops, err := s.ReadOperations(ctx, "none")
	require.NoError(t, err)
	assert.NotNil(t, ops)
	assert.Empty(t, ops)

	cps, err := s.ReadCheckpoints(ctx, "none")
	require.NoError(t, err)
	assert.NotNil(t, cps)
	assert.Empty(t, cps)

	seq, err := s.LastSeq(ctx, "none")
	require.NoError(t, err)
	assert.Zero(t, seq)
}

func TestReadCheckpoints(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	createTestSession(t, s, "s")

	events := []ir.CheckpointEvent{
		{Session: "s", Seq: 5, Engine: 2, Address: 0x7ff, Handled: false},
		{Session: "s", Seq: 4, Engine: 0, Address: 0x010, Handled: true},
	}
	for _, ev := range events {
		require.NoError(t, s.WriteCheckpoint(ctx, ev))
	}

	got, err := s.ReadCheckpoints(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []ir.CheckpointEvent{events[1], events[0]}, got)
}

func TestReadProgramNotFound(t *testing.T) {
	_, err := createTestStore(t).ReadProgram(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListPrograms(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	for _, name := range []string{"zeta", "alpha"} {
		words := []uint32{uint32(len(name))}
		require.NoError(t, s.WriteProgram(ctx, ir.ProgramRecord{
			Hash:  ir.ProgramHash(name, words),
			Name:  name,
			Words: words,
		}))
	}

	programs, err := s.ListPrograms(ctx)
	require.NoError(t, err)
	require.Len(t, programs, 2)
	assert.Equal(t, "alpha", programs[0].Name)
	assert.Equal(t, "zeta", programs[1].Name)
	assert.Equal(t, []string{}, programs[0].Text)
}

func TestListSessions(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.WriteSession(ctx, "b", "bench"))
	require.NoError(t, s.WriteSession(ctx, "a", ""))

	require.NoError(t, s.WriteOperation(ctx, createTestOperation("b", 1, 0)))
	require.NoError(t, s.WriteOperation(ctx, createTestOperation("b", 2, 0)))
	require.NoError(t, s.WriteCheckpoint(ctx, ir.CheckpointEvent{Session: "b", Seq: 9, Engine: 0, Address: 1}))

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Session{
		{ID: "a", Label: "", Format: ir.FormatVersion},
		{ID: "b", Label: "bench", Format: ir.FormatVersion, Operations: 2, Checkpoints: 1, LastSeq: 9},
	}, sessions)
}

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/slaclab/cpsw-tpg/internal/ir"
)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestSession registers session in s.
func createTestSession(t *testing.T, s *Store, session string) {
	t.Helper()
	if err := s.WriteSession(context.Background(), session, ""); err != nil {
		t.Fatalf("WriteSession() failed: %v", err)
	}
}

// createTestOperation creates an insert operation with minimal fields.
func createTestOperation(session string, seq int64, engine int) ir.Operation {
	return ir.Operation{
		Session:  session,
		Seq:      seq,
		Engine:   engine,
		Op:       ir.OpInsert,
		Sequence: 2,
		Address:  0x001,
		Words:    3,
	}
}

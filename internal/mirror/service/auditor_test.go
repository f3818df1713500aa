package service

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/primal-host/plc-mirror/internal/mirror/store"
	"github.com/primal-host/plc-mirror/internal/testlog"
)

func TestRunAuditorSweepsEveryIdentity(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "mirror.db")
	s, err := store.Open(path, false)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	for i := 0; i < 3; i++ {
		log, err := testlog.WithGenesis()
		if err != nil {
			t.Fatalf("WithGenesis: %v", err)
		}
		if _, _, err := s.Import(ctx, log.Entries()); err != nil {
			t.Fatalf("Import: %v", err)
		}
	}

	if err := RunAuditor(ctx, s); err != nil {
		t.Fatalf("RunAuditor: %v", err)
	}
}

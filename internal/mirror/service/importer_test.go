package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/primal-host/plc-mirror/internal/mirror/store"
	"github.com/primal-host/plc-mirror/internal/registry"
	"github.com/primal-host/plc-mirror/internal/testlog"
)

func TestRunImporterCatchesUpFromUpstream(t *testing.T) {
	log, err := testlog.WithGenesis()
	if err != nil {
		t.Fatalf("WithGenesis: %v", err)
	}
	did, err := log.DID()
	if err != nil {
		t.Fatalf("DID: %v", err)
	}
	entries := log.Entries()

	mux := http.NewServeMux()
	mux.HandleFunc("/export", func(w http.ResponseWriter, r *http.Request) {
		after := r.URL.Query().Get("after")
		w.Header().Set("Content-Type", "application/jsonlines")
		if after != "" {
			return
		}
		for _, e := range entries {
			b, err := json.Marshal(e)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			w.Write(b)
			w.Write([]byte("\n"))
		}
	})
	upstream := httptest.NewServer(mux)
	defer upstream.Close()

	path := filepath.Join(t.TempDir(), "mirror.db")
	s, err := store.Open(path, false)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer s.Close()

	client := registry.New(upstream.URL)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunImporter(ctx, s, client)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		_, found, _, err := s.Data(context.Background(), did)
		if err != nil {
			t.Fatalf("Data: %v", err)
		}
		if found {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatal("timed out waiting for the importer to catch up")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

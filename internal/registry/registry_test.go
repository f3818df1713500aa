package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/primal-host/plc-mirror/internal/testlog"
)

func newTestLog(t *testing.T) (*testlog.TestLog, string) {
	t.Helper()
	log, err := testlog.WithGenesis()
	if err != nil {
		t.Fatalf("WithGenesis: %v", err)
	}
	if err := log.Update(func(u *testlog.Update) { u.ChangeHandle("carol.test") }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	did, err := log.DID()
	if err != nil {
		t.Fatalf("DID: %v", err)
	}
	return log, did
}

func TestDataFetchesCurrentState(t *testing.T) {
	log, did := newTestLog(t)
	entries := log.Entries()
	last := entries[len(entries)-1]

	mux := http.NewServeMux()
	mux.HandleFunc("/"+did+"/data", func(w http.ResponseWriter, r *http.Request) {
		data := last.Operation.Project()
		if err := json.NewEncoder(w).Encode(data); err != nil {
			t.Fatalf("encode: %v", err)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL)
	data, err := c.Data(t.Context(), did)
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	if len(data.AlsoKnownAs) != 1 || data.AlsoKnownAs[0] != "at://carol.test" {
		t.Errorf("unexpected alsoKnownAs: %v", data.AlsoKnownAs)
	}
}

func TestDataReturnsErrNotFoundOn404(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := New(srv.URL)
	if _, err := c.Data(t.Context(), "did:plc:doesnotexistxxxxxxxxxx"); err == nil {
		t.Fatal("expected an error")
	} else if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDataReturnsErrTombstonedOn410(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL)
	if _, err := c.Data(t.Context(), "did:plc:tombstonedxxxxxxxxxxxx"); err == nil {
		t.Fatal("expected an error")
	} else if !errors.Is(err, ErrTombstoned) {
		t.Errorf("expected ErrTombstoned, got %v", err)
	}
}

func TestAuditLogFetchesOrderedEntries(t *testing.T) {
	log, did := newTestLog(t)
	entries := log.Entries()

	mux := http.NewServeMux()
	mux.HandleFunc("/"+did+"/log/audit", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewEncoder(w).Encode(entries); err != nil {
			t.Fatalf("encode: %v", err)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL)
	got, err := c.AuditLog(t.Context(), did)
	if err != nil {
		t.Fatalf("AuditLog: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].CID != entries[0].CID {
		t.Errorf("unexpected first entry cid: %s", got[0].CID)
	}
}

func TestLastOperationFetchesSingleOperation(t *testing.T) {
	log, did := newTestLog(t)
	entries := log.Entries()
	last := entries[len(entries)-1]

	mux := http.NewServeMux()
	mux.HandleFunc("/"+did+"/log/last", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewEncoder(w).Encode(last.Operation); err != nil {
			t.Fatalf("encode: %v", err)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL)
	got, err := c.LastOperation(t.Context(), did)
	if err != nil {
		t.Fatalf("LastOperation: %v", err)
	}
	gotCID, err := got.CID()
	if err != nil {
		t.Fatalf("CID: %v", err)
	}
	wantCID, err := last.Operation.CID()
	if err != nil {
		t.Fatalf("CID: %v", err)
	}
	if gotCID != wantCID {
		t.Errorf("expected last operation cid %s, got %s", wantCID, gotCID)
	}
}

func TestExportStreamsJSONLines(t *testing.T) {
	log, _ := newTestLog(t)
	entries := log.Entries()

	mux := http.NewServeMux()
	mux.HandleFunc("/export", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("count"); got != "5" {
			t.Errorf("expected count=5, got %q", got)
		}
		w.Header().Set("Content-Type", "application/jsonlines")
		var buf bytes.Buffer
		for _, e := range entries {
			b, err := json.Marshal(e)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			buf.Write(b)
			buf.WriteByte('\n')
		}
		if _, err := w.Write(buf.Bytes()); err != nil {
			t.Fatalf("write: %v", err)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL)
	got, err := c.Export(t.Context(), time.Time{}, 5)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("expected %d entries, got %d", len(entries), len(got))
	}
}

func TestExportRejectsUnexpectedStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/export", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL)
	if _, err := c.Export(t.Context(), time.Time{}, 5); err == nil {
		t.Error("expected an error for a 500 response")
	}
}

func TestNewDefaultsEmptyBaseURL(t *testing.T) {
	c := New("")
	if c.baseURL != DefaultBaseURL {
		t.Errorf("expected default base url %s, got %s", DefaultBaseURL, c.baseURL)
	}
}


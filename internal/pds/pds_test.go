package pds

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLoginSucceeds(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/com.atproto.server.createSession", func(w http.ResponseWriter, r *http.Request) {
		var in createSessionInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if in.Identifier != "alice.test" || in.Password != "hunter2" {
			t.Errorf("unexpected credentials: %+v", in)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"did":        "did:plc:abcdefghijklmnopqrstuvwx",
			"handle":     "alice.test",
			"accessJwt":  "access-token",
			"refreshJwt": "refresh-token",
			"active":     true,
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := New(srv.URL)
	session, err := a.Login(t.Context(), "alice.test", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if session.DID != "did:plc:abcdefghijklmnopqrstuvwx" {
		t.Errorf("unexpected did: %s", session.DID)
	}
	if session.Endpoint != srv.URL {
		t.Errorf("expected endpoint %s, got %s", srv.URL, session.Endpoint)
	}
	if !session.Active {
		t.Error("expected session to be active")
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/com.atproto.server.createSession", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{
			"error":   "AuthenticationRequired",
			"message": "Invalid identifier or password",
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := New(srv.URL)
	if _, err := a.Login(t.Context(), "alice.test", "wrong"); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("expected ErrAuthFailed, got %v", err)
	}
}

func TestRefreshSucceeds(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/com.atproto.server.refreshSession", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer old-refresh" {
			t.Errorf("expected bearer old-refresh, got %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"did":        "did:plc:abcdefghijklmnopqrstuvwx",
			"handle":     "alice.test",
			"accessJwt":  "new-access",
			"refreshJwt": "new-refresh",
			"active":     true,
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := New(srv.URL)
	in := &Session{Endpoint: srv.URL, DID: "did:plc:abcdefghijklmnopqrstuvwx", RefreshJWT: "old-refresh"}
	out, err := a.Refresh(t.Context(), in)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if out.AccessJWT != "new-access" || out.RefreshJWT != "new-refresh" {
		t.Errorf("unexpected refreshed tokens: %+v", out)
	}
}

func TestRefreshRejectsDidMismatch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/com.atproto.server.refreshSession", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"did":        "did:plc:someoneelsexxxxxxxxxxxx",
			"accessJwt":  "new-access",
			"refreshJwt": "new-refresh",
			"active":     true,
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := New(srv.URL)
	in := &Session{Endpoint: srv.URL, DID: "did:plc:abcdefghijklmnopqrstuvwx", RefreshJWT: "old-refresh"}
	if _, err := a.Refresh(t.Context(), in); !errors.Is(err, ErrRefreshFailed) {
		t.Errorf("expected ErrRefreshFailed, got %v", err)
	}
}

func TestEndpointReturnsConfiguredHost(t *testing.T) {
	a := New("https://pds.example.com")
	if a.Endpoint() != "https://pds.example.com" {
		t.Errorf("unexpected endpoint: %s", a.Endpoint())
	}
}

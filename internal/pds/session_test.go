package pds

import (
	"context"
	"errors"
	"testing"
)

func TestSaveLoadSessionRoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	s := &Session{
		Endpoint:   "https://pds.example.com",
		DID:        "did:plc:abcdefghijklmnopqrstuvwx",
		Handle:     "alice.test",
		AccessJWT:  "access-token",
		RefreshJWT: "refresh-token",
		Active:     true,
	}

	if err := SaveSession(s); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	loaded, err := LoadSession()
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if *loaded != *s {
		t.Errorf("round trip mismatch: got %+v, want %+v", loaded, s)
	}
}

func TestLoadSessionWithNoStoredSessionFails(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if _, err := LoadSession(); !errors.Is(err, ErrNeedToLogIn) {
		t.Errorf("expected ErrNeedToLogIn, got %v", err)
	}
}

func TestResumeRejectsAMismatchedDID(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if err := SaveSession(&Session{
		Endpoint: "https://pds.example.com",
		DID:      "did:plc:aaaaaaaaaaaaaaaaaaaaaaaa",
		Handle:   "alice.test",
	}); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	agent := New("https://pds.example.com")
	_, err := Resume(context.Background(), agent, "did:plc:bbbbbbbbbbbbbbbbbbbbbbbb")
	if !errors.Is(err, ErrLoggedIntoDifferentAccount) {
		t.Errorf("expected ErrLoggedIntoDifferentAccount, got %v", err)
	}
}

func TestResumeRejectsAMismatchedEndpoint(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	did := "did:plc:aaaaaaaaaaaaaaaaaaaaaaaa"
	if err := SaveSession(&Session{
		Endpoint: "https://old-pds.example.com",
		DID:      did,
		Handle:   "alice.test",
	}); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	agent := New("https://new-pds.example.com")
	_, err := Resume(context.Background(), agent, did)
	if !errors.Is(err, ErrNeedToLogInAgain) {
		t.Errorf("expected ErrNeedToLogInAgain, got %v", err)
	}
}

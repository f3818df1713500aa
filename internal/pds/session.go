package pds

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const sessionFileName = "session.json"

// sessionDir returns the directory the session file lives in, creating
// it if necessary.
func sessionDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(base, "plc")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// SaveSession persists s to the local config directory.
func SaveSession(s *Session) error {
	dir, err := sessionDir()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSessionSaveFailed, err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSessionSaveFailed, err)
	}

	path := filepath.Join(dir, sessionFileName)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionSaveFailed, err)
	}
	return nil
}

// LoadSession reads the session previously saved by SaveSession. It
// returns ErrNeedToLogIn if no session file exists or it cannot be read.
func LoadSession() (*Session, error) {
	dir, err := sessionDir()
	if err != nil {
		return nil, ErrNeedToLogIn
	}

	data, err := os.ReadFile(filepath.Join(dir, sessionFileName))
	if err != nil {
		return nil, ErrNeedToLogIn
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, ErrNeedToLogIn
	}
	return &s, nil
}

// Resume loads the stored session, verifies it belongs to did and was
// issued by a, then refreshes it to prolong its lifetime, re-saving the
// refreshed session to disk.
func Resume(ctx context.Context, a *Agent, did string) (*Session, error) {
	stored, err := LoadSession()
	if err != nil {
		return nil, err
	}
	if stored.DID != did {
		return nil, fmt.Errorf("%w: stored session belongs to %s", ErrLoggedIntoDifferentAccount, stored.Handle)
	}
	if stored.Endpoint != a.Endpoint() {
		return nil, ErrNeedToLogInAgain
	}

	refreshed, err := a.Refresh(ctx, stored)
	if err != nil {
		return nil, ErrNeedToLogInAgain
	}
	if err := SaveSession(refreshed); err != nil {
		return nil, err
	}
	return refreshed, nil
}

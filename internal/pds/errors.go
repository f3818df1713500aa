package pds

import "errors"

// Sentinel errors surfaced at the PDS agent boundary, matching the Auth
// error taxonomy.
var (
	// ErrNeedToLogIn is returned when no session is stored on disk.
	ErrNeedToLogIn = errors.New("pds: need to log in")
	// ErrNeedToLogInAgain is returned when a stored session can no
	// longer be resumed (endpoint mismatch or refresh failure).
	ErrNeedToLogInAgain = errors.New("pds: need to log in again")
	// ErrLoggedIntoDifferentAccount is returned when the stored
	// session's DID does not match the one being resumed.
	ErrLoggedIntoDifferentAccount = errors.New("pds: logged into a different account")
	// ErrAuthFailed is returned when createSession is rejected.
	ErrAuthFailed = errors.New("pds: authentication failed")
	// ErrRefreshFailed is returned when refreshSession is rejected.
	ErrRefreshFailed = errors.New("pds: session refresh failed")
	// ErrSessionSaveFailed is returned when the session file cannot be
	// written or the config directory cannot be located.
	ErrSessionSaveFailed = errors.New("pds: failed to save session")
)

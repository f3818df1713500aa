package registry

import "errors"

// Sentinel errors surfaced at the registry client boundary, matching the
// Transport/Resolution error taxonomy.
var (
	// ErrNotFound is returned for a 404: the DID is unregistered.
	ErrNotFound = errors.New("registry: did not found")
	// ErrTombstoned is returned for a 410: the DID has been deactivated.
	ErrTombstoned = errors.New("registry: did is tombstoned")
)

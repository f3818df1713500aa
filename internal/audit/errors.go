package audit

import (
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
)

// AuditLogEmpty is raised when an audit log has no entries at all.
type AuditLogEmpty struct{}

func (AuditLogEmpty) Error() string { return "audit log is empty" }

// EntryCidInvalid is raised when an entry's claimed CID does not match the
// CID recomputed from its signed bytes.
type EntryCidInvalid struct{ CID, Actual cid.Cid }

func (e EntryCidInvalid) Error() string {
	return fmt.Sprintf("entry %s has actual CID %s", e.CID, e.Actual)
}

// EntryCreatedBeforePrev is raised when an entry's created_at precedes its
// parent's.
type EntryCreatedBeforePrev struct{ CID, Prev cid.Cid }

func (e EntryCreatedBeforePrev) Error() string {
	return fmt.Sprintf("entry %s has a creation time before its parent %s", e.CID, e.Prev)
}

// EntryDidMismatch is raised when an entry's did does not match the
// claimed DID for the whole log.
type EntryDidMismatch struct{ CID cid.Cid }

func (e EntryDidMismatch) Error() string {
	return fmt.Sprintf("did in entry %s does not match genesis did", e.CID)
}

// EntryIncorrectlyActive is raised when an entry is active (not
// nullified) but should have been nullified.
type EntryIncorrectlyActive struct{ CID cid.Cid }

func (e EntryIncorrectlyActive) Error() string {
	return fmt.Sprintf("entry %s should be nullified but is active", e.CID)
}

// EntryIncorrectlyNullified is raised when an entry is nullified but
// should have remained active.
type EntryIncorrectlyNullified struct{ CID cid.Cid }

func (e EntryIncorrectlyNullified) Error() string {
	return fmt.Sprintf("entry %s should be active but is nullified", e.CID)
}

// InvalidSignatureEncoding is raised when an entry's signature text
// cannot be decoded under the applicable malleability rules.
type InvalidSignatureEncoding struct{ CID cid.Cid }

func (e InvalidSignatureEncoding) Error() string {
	return fmt.Sprintf("signature for entry %s has invalid encoding", e.CID)
}

// GenesisOperationInvalidDid is raised when the DID derived from the
// genesis entry's signed bytes does not match the claimed DID.
type GenesisOperationInvalidDid struct{ Expected, Actual string }

func (e GenesisOperationInvalidDid) Error() string {
	return fmt.Sprintf("expected %s for genesis op, but derived %s", e.Expected, e.Actual)
}

// GenesisOperationNotCreate is raised when the first entry in a log is
// not a valid genesis shape (prev-less change, or legacy-create).
type GenesisOperationNotCreate struct{}

func (GenesisOperationNotCreate) Error() string {
	return "the genesis operation is not a creation operation"
}

// MultipleActiveChildren is raised when an entry claims to be active but
// does not legally supersede the existing active sibling.
type MultipleActiveChildren struct{ CID, First cid.Cid }

func (e MultipleActiveChildren) Error() string {
	return fmt.Sprintf("entry %s has the same parent as entry %s", e.CID, e.First)
}

// NonGenesisCreate is raised when a creation-shaped operation appears
// anywhere but the start of the log.
type NonGenesisCreate struct{ CID cid.Cid }

func (e NonGenesisCreate) Error() string {
	return fmt.Sprintf("entry %s is a creation operation after the genesis operation", e.CID)
}

// OperationAfterDeactivation is raised when an entry's prev is a
// tombstone.
type OperationAfterDeactivation struct{ CID, Prev cid.Cid }

func (e OperationAfterDeactivation) Error() string {
	return fmt.Sprintf("entry %s attempts to chain from tombstone %s", e.CID, e.Prev)
}

// PrevMissing is raised when an entry's declared prev does not appear
// anywhere in the log.
type PrevMissing struct{ Prev cid.Cid }

func (e PrevMissing) Error() string {
	return fmt.Sprintf("entry %s is missing", e.Prev)
}

// PrevReferencesFuture is raised when an entry's declared prev appears
// later in the log than the entry itself.
type PrevReferencesFuture struct{ CID, Prev cid.Cid }

func (e PrevReferencesFuture) Error() string {
	return fmt.Sprintf("entry %s references future entry %s", e.CID, e.Prev)
}

// TrustViolation is raised when no rotation key of the parent (or of the
// entry itself, for a genesis) verifies the entry's signature.
type TrustViolation struct{ CID cid.Cid }

func (e TrustViolation) Error() string {
	return fmt.Sprintf("signature for entry %s is not valid under any permitted rotation key", e.CID)
}

// Errors is the complete, non-short-circuited list of violations found by
// Validate. A nil/empty Errors means the log is valid.
type Errors []error

func (es Errors) Error() string {
	lines := make([]string, len(es))
	for i, e := range es {
		lines[i] = e.Error()
	}
	return strings.Join(lines, "; ")
}

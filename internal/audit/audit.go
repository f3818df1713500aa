// Package audit implements the single-pass (never-short-circuiting)
// validation algorithm for a PLC identity's audit log: CID integrity,
// chain linkage, temporal causality, signature trust, and the
// nullification/recovery-window protocol.
package audit

import (
	"time"

	"github.com/ipfs/go-cid"

	"github.com/primal-host/plc-mirror/internal/codec"
	"github.com/primal-host/plc-mirror/internal/plcdata"
	"github.com/primal-host/plc-mirror/internal/sigverify"
)

// RecoveryWindow is the grace period during which a higher-authority
// rotation key may nullify a lower-authority sibling operation.
const RecoveryWindow = 72 * time.Hour

// MalleabilityPrevented is the cutoff before which padded base64,
// DER-encoded, and high-S signatures must be accepted, and at or after
// which they must be rejected. See https://github.com/did-method-plc/did-method-plc/pull/54.
var MalleabilityPrevented = time.Unix(0, 1_701_370_214_000_000_000).UTC()

// entryAuthority pairs a log entry with its signer authority index, or
// nil if no rotation key verified its signature (a trust violation).
type entryAuthority struct {
	entry     *plcdata.LogEntry
	authority *int
}

// parentState tracks the nullification bookkeeping for one parent CID:
// the current active child (if any) and the still-pending nullified
// siblings awaiting a legally-nullifying successor.
type parentState struct {
	active            *entryAuthority
	nullifiedChildren []entryAuthority
}

// Validate runs the full 5-pass algorithm over an ordered audit log for
// the given claimed DID, returning nil if valid or an Errors value
// listing every violation found.
func Validate(did string, entries []plcdata.LogEntry) error {
	var errs Errors

	if len(entries) == 0 {
		return Errors{AuditLogEmpty{}}
	}

	errs = append(errs, validateGenesisDID(did, &entries[0])...)

	cidIndex := make(map[cid.Cid]int, len(entries))
	for i := range entries {
		cidIndex[entries[i].CID] = i
	}

	states := make(map[cid.Cid]*parentState)

	for i := range entries {
		entry := &entries[i]

		errs = append(errs, validateSelf(did, entry)...)

		prevCID, hasPrev := prevOf(entry)
		if !hasPrev {
			if i != 0 {
				errs = append(errs, NonGenesisCreate{CID: entry.CID})
			}
			if entry.Nullified {
				errs = append(errs, EntryIncorrectlyNullified{CID: entry.CID})
			}

			rotationKeys := rotationKeysFor(entry)
			_, sigErrs := signerAuthority(rotationKeys, entry)
			errs = append(errs, sigErrs...)
			continue
		}

		prevIdx, found := cidIndex[prevCID]
		switch {
		case !found:
			errs = append(errs, PrevMissing{Prev: prevCID})
			continue
		case prevIdx >= i:
			errs = append(errs, PrevReferencesFuture{CID: entry.CID, Prev: prevCID})
			continue
		}

		prevEntry := &entries[prevIdx]

		authority, vErrs := validateWithPrev(entry, prevEntry)
		errs = append(errs, vErrs...)

		state, ok := states[prevEntry.CID]
		if !ok {
			state = &parentState{}
			states[prevEntry.CID] = state
		}

		errs = append(errs, applyNullification(entry, authority, prevEntry, state)...)
	}

	for _, state := range states {
		for _, pending := range state.nullifiedChildren {
			errs = append(errs, EntryIncorrectlyNullified{CID: pending.entry.CID})
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func validateGenesisDID(did string, genesis *plcdata.LogEntry) Errors {
	isGenesisShape := (genesis.Operation.Operation.Type == plcdata.TypeChange && genesis.Operation.Operation.Prev == nil) ||
		genesis.Operation.Operation.Type == plcdata.TypeLegacyCreate

	if !isGenesisShape {
		return Errors{GenesisOperationNotCreate{}}
	}

	signedBytes, err := genesis.Operation.SignedBytes()
	if err != nil {
		return nil
	}
	derived := codec.DeriveDID(signedBytes)
	if derived != did {
		return Errors{GenesisOperationInvalidDid{Expected: did, Actual: derived}}
	}
	return nil
}

func validateSelf(did string, entry *plcdata.LogEntry) Errors {
	var errs Errors

	actual, err := entry.Operation.CID()
	if err != nil || actual != entry.CID {
		errs = append(errs, EntryCidInvalid{CID: entry.CID, Actual: actual})
	}

	if entry.DID != did {
		errs = append(errs, EntryDidMismatch{CID: entry.CID})
	}

	return errs
}

// prevOf returns the prev CID an entry declares, and whether it declares
// one at all (false for a genesis change or a legacy-create).
func prevOf(entry *plcdata.LogEntry) (cid.Cid, bool) {
	p := entry.Operation.Operation.Prev
	if p == nil {
		return cid.Undef, false
	}
	return *p, true
}

func rotationKeysFor(entry *plcdata.LogEntry) []string {
	return entry.Operation.Operation.Project().RotationKeys
}

// validateWithPrev checks signature trust and temporal causality against
// a resolved parent entry, returning the signer authority (nil if
// untrusted) alongside any errors.
func validateWithPrev(entry, prev *plcdata.LogEntry) (*int, Errors) {
	var errs Errors

	if prev.Operation.Operation.Type == plcdata.TypeTombstone {
		return nil, Errors{OperationAfterDeactivation{CID: entry.CID, Prev: prev.CID}}
	}

	rotationKeys := rotationKeysFor(prev)
	authority, sigErrs := signerAuthority(rotationKeys, entry)
	errs = append(errs, sigErrs...)

	if entry.CreatedAt.Before(prev.CreatedAt) {
		errs = append(errs, EntryCreatedBeforePrev{CID: entry.CID, Prev: prev.CID})
	}

	return authority, errs
}

// signerAuthority finds the smallest rotation-key index whose public key
// verifies entry's signature over its unsigned bytes. A malformed
// signature encoding yields InvalidSignatureEncoding; no verifying key
// yields TrustViolation.
func signerAuthority(rotationKeys []string, entry *plcdata.LogEntry) (*int, Errors) {
	allowMalleable := entry.CreatedAt.Before(MalleabilityPrevented)

	unsigned, err := entry.Operation.Operation.UnsignedBytes()
	if err != nil {
		return nil, Errors{InvalidSignatureEncoding{CID: entry.CID}}
	}

	sigBytes, err := codec.DecodeSignature(entry.Operation.Sig, allowMalleable)
	if err != nil {
		return nil, Errors{InvalidSignatureEncoding{CID: entry.CID}}
	}

	for i, key := range rotationKeys {
		ok, verr := sigverify.Verify(key, unsigned, sigBytes, allowMalleable)
		if verr != nil || !ok {
			continue
		}
		idx := i
		return &idx, nil
	}

	return nil, Errors{TrustViolation{CID: entry.CID}}
}

// nullifies reports whether e (with authority eAuth) legally nullifies an
// earlier sibling s (with authority sAuth): submitted within the recovery
// window, and of strictly higher authority (lower index). An unknown
// authority for e means it never nullifies; an unknown authority for s
// alone is assumed nullified (the trust violation was already reported).
func nullifies(e *plcdata.LogEntry, eAuth *int, s *plcdata.LogEntry, sAuth *int) bool {
	submittedInTime := !e.CreatedAt.After(s.CreatedAt.Add(RecoveryWindow))

	switch {
	case eAuth == nil:
		return false
	case sAuth == nil:
		return submittedInTime
	default:
		return submittedInTime && *eAuth < *sAuth
	}
}

// applyNullification implements pass 4 of the algorithm for one
// non-genesis entry against its resolved parent and parent-keyed state.
func applyNullification(entry *plcdata.LogEntry, authority *int, prev *plcdata.LogEntry, state *parentState) Errors {
	var errs Errors

	switch {
	case entry.Nullified:
		if !prev.Nullified {
			if state.active != nil {
				errs = append(errs, EntryIncorrectlyNullified{CID: entry.CID})
			} else {
				state.nullifiedChildren = append(state.nullifiedChildren, entryAuthority{entry, authority})
			}
		}

	case prev.Nullified:
		errs = append(errs, EntryIncorrectlyActive{CID: entry.CID})

	case state.active != nil:
		if nullifies(entry, authority, state.active.entry, state.active.authority) {
			errs = append(errs, EntryIncorrectlyActive{CID: state.active.entry.CID})
			state.active = &entryAuthority{entry, authority}
		} else {
			errs = append(errs, MultipleActiveChildren{CID: entry.CID, First: state.active.entry.CID})
		}

	default:
		incorrectlyActive := false
		var kept []entryAuthority
		for i := len(state.nullifiedChildren) - 1; i >= 0; i-- {
			pending := state.nullifiedChildren[i]
			if !nullifies(entry, authority, pending.entry, pending.authority) {
				incorrectlyActive = true
				kept = append(kept, pending)
			}
		}
		state.nullifiedChildren = kept

		if incorrectlyActive {
			errs = append(errs, EntryIncorrectlyActive{CID: entry.CID})
		}
		state.active = &entryAuthority{entry, authority}
	}

	return errs
}

package audit

import (
	"errors"
	"testing"
	"time"

	"github.com/primal-host/plc-mirror/internal/testlog"
)

func mustLog(t *testing.T) *testlog.TestLog {
	t.Helper()
	log, err := testlog.WithGenesis()
	if err != nil {
		t.Fatalf("WithGenesis: %v", err)
	}
	return log
}

func findError[T error](t *testing.T, err error, want T) bool {
	t.Helper()
	errs, ok := err.(Errors)
	if !ok {
		t.Fatalf("expected Errors, got %T: %v", err, err)
	}
	for _, e := range errs {
		if _, ok := e.(T); ok {
			return true
		}
	}
	return false
}

func TestValidateAcceptsAPlainGenesis(t *testing.T) {
	log := mustLog(t)
	did, err := log.DID()
	if err != nil {
		t.Fatalf("DID: %v", err)
	}

	if err := Validate(did, log.Entries()); err != nil {
		t.Fatalf("expected a bare genesis to validate, got: %v", err)
	}
}

func TestValidateAcceptsAChainedUpdateAndTombstone(t *testing.T) {
	log := mustLog(t)
	if err := log.Update(func(u *testlog.Update) { u.ChangeHandle("bob.test") }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := log.TombstoneOp(func(*testlog.Tombstone) {}); err != nil {
		t.Fatalf("TombstoneOp: %v", err)
	}
	did, err := log.DID()
	if err != nil {
		t.Fatalf("DID: %v", err)
	}

	if err := Validate(did, log.Entries()); err != nil {
		t.Fatalf("expected chain to validate, got: %v", err)
	}
}

func TestValidateRejectsEmptyLog(t *testing.T) {
	err := Validate("did:plc:abcdefghijklmnopqrstuvwx", nil)
	if !findError(t, err, AuditLogEmpty{}) {
		t.Errorf("expected AuditLogEmpty")
	}
}

func TestValidateRejectsSigningKeySignature(t *testing.T) {
	log := mustLog(t)
	if err := log.Update(func(u *testlog.Update) { u.ChangeHandle("bob.test").SignedWithSigningKey() }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	did, err := log.DID()
	if err != nil {
		t.Fatalf("DID: %v", err)
	}

	err = Validate(did, log.Entries())
	if err == nil {
		t.Fatal("expected validation to fail when signed with the non-rotation signing key")
	}
	if !findError(t, err, TrustViolation{}) {
		t.Errorf("expected TrustViolation, got: %v", err)
	}
}

func TestValidateRejectsPaddedSignatureAfterMalleabilityCutoff(t *testing.T) {
	log := mustLog(t)
	if err := log.Update(func(u *testlog.Update) { u.ChangeHandle("bob.test").PaddedSig() }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	did, err := log.DID()
	if err != nil {
		t.Fatalf("DID: %v", err)
	}

	err = Validate(did, log.Entries())
	if err == nil {
		t.Fatal("expected validation to fail for a post-cutoff padded signature")
	}
	if !findError(t, err, InvalidSignatureEncoding{}) {
		t.Errorf("expected InvalidSignatureEncoding, got: %v", err)
	}
}

func TestValidateAcceptsPaddedSignatureBeforeMalleabilityCutoff(t *testing.T) {
	log := mustLog(t)
	if err := log.Update(func(u *testlog.Update) { u.ChangeHandle("bob.test").PaddedSig() }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	did, err := log.DID()
	if err != nil {
		t.Fatalf("DID: %v", err)
	}

	entries := log.Entries()
	entries[0].CreatedAt = MalleabilityPrevented.Add(-2 * time.Hour)
	entries[1].CreatedAt = MalleabilityPrevented.Add(-time.Hour)

	if err := Validate(did, entries); err != nil {
		t.Errorf("expected a padded signature dated before the cutoff to be accepted, got: %v", err)
	}
}

func TestValidateRejectsMissingPrev(t *testing.T) {
	log := mustLog(t)
	bogus := log.ClaimedCIDFor(0)
	// Flip a byte-equivalent but distinct CID by reusing the genesis CID
	// string decode path is unnecessary here; instead point at an entry
	// that will never exist by constructing from an update, then removing
	// the entry it pointed to.
	if err := log.Update(func(u *testlog.Update) { u.ChangeHandle("bob.test") }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	_ = log.Remove(0) // removes genesis; the update's prev now dangles
	did := log.ClaimedDID()

	err := Validate(did, log.Entries())
	if err == nil {
		t.Fatal("expected validation to fail for a dangling prev pointer")
	}
	if !findError(t, err, PrevMissing{}) {
		t.Errorf("expected PrevMissing, got: %v", err)
	}
	_ = bogus
}

func TestValidateRejectsOperationAfterTombstone(t *testing.T) {
	log := mustLog(t)
	if err := log.TombstoneOp(func(*testlog.Tombstone) {}); err != nil {
		t.Fatalf("TombstoneOp: %v", err)
	}
	if err := log.Update(func(u *testlog.Update) { u.ChangeHandle("bob.test") }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	did, err := log.DID()
	if err != nil {
		t.Fatalf("DID: %v", err)
	}

	err = Validate(did, log.Entries())
	if err == nil {
		t.Fatal("expected validation to fail for an operation chained from a tombstone")
	}
	if !findError(t, err, OperationAfterDeactivation{}) {
		t.Errorf("expected OperationAfterDeactivation, got: %v", err)
	}
}

func TestValidateAcceptsACorrectlyNullifiedFork(t *testing.T) {
	log := mustLog(t)

	// Lower-authority fork, correctly marked nullified in anticipation of
	// the higher-authority sibling that legally supersedes it.
	if err := log.Update(func(u *testlog.Update) {
		u.ChangeHandle("low-authority.test").SignedWithKey(1).Nullified()
	}); err != nil {
		t.Fatalf("Update (low authority): %v", err)
	}
	// Higher-authority fork off the same parent, active.
	if err := log.Update(func(u *testlog.Update) {
		u.ChangeHandle("high-authority.test").WithPrevOp(0).SignedWithKey(0)
	}); err != nil {
		t.Fatalf("Update (high authority): %v", err)
	}

	did, err := log.DID()
	if err != nil {
		t.Fatalf("DID: %v", err)
	}

	if err := Validate(did, log.Entries()); err != nil {
		t.Fatalf("expected a correctly nullified fork to validate, got: %v", err)
	}
}

func TestValidateRejectsAnIncorrectlyActiveFork(t *testing.T) {
	log := mustLog(t)

	// Lower-authority fork, left (incorrectly) active.
	if err := log.Update(func(u *testlog.Update) {
		u.ChangeHandle("low-authority.test").SignedWithKey(1)
	}); err != nil {
		t.Fatalf("Update (low authority): %v", err)
	}
	// Higher-authority fork off the same parent, which should have
	// nullified the sibling above.
	if err := log.Update(func(u *testlog.Update) {
		u.ChangeHandle("high-authority.test").WithPrevOp(0).SignedWithKey(0)
	}); err != nil {
		t.Fatalf("Update (high authority): %v", err)
	}

	did, err := log.DID()
	if err != nil {
		t.Fatalf("DID: %v", err)
	}

	err = Validate(did, log.Entries())
	if err == nil {
		t.Fatal("expected validation to fail when a superseded fork is left active")
	}
	if !findError(t, err, EntryIncorrectlyActive{}) {
		t.Errorf("expected EntryIncorrectlyActive, got: %v", err)
	}
}

func TestErrorsErrorJoinsEveryViolation(t *testing.T) {
	errs := Errors{AuditLogEmpty{}, GenesisOperationNotCreate{}}
	joined := errs.Error()
	if joined == "" {
		t.Fatal("expected a non-empty joined message")
	}
	var target Errors
	if !errors.As(error(errs), &target) {
		t.Fatalf("expected Errors to satisfy errors.As into itself")
	}
}

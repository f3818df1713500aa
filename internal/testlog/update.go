package testlog

import (
	"sort"
	"time"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/ipfs/go-cid"

	"github.com/primal-host/plc-mirror/internal/plcdata"
)

// tristate models a field that can be left untouched, set, or cleared —
// Go's stand-in for the builder's `Option<Option<T>>` fields.
type tristate int

const (
	untouched tristate = iota
	set
	cleared
)

// signerKind selects which key building the next operation signs with.
type signerKind int

const (
	signerLeastAuthority signerKind = iota // default: last (lowest-authority) rotation key
	signerRotation
	signerSigning
)

// Update builds the next change operation appended to a TestLog.
type Update struct {
	log *TestLog

	newRotationKeys     map[int]*atcrypto.PrivateKeyK256
	removedRotationKeys map[int]bool
	newSigningKey       *atcrypto.PrivateKeyK256

	handleState tristate
	handle      string
	pdsState    tristate
	pds         string

	prevState tristate
	prevCID   cid.Cid

	signer           signerKind
	signerAtOp       *int
	signerAuthority  int
	sig              sigKind
	nullifiedFlag    bool
	createdAtSet     bool
	createdAt        time.Time
}

func newUpdate(log *TestLog) *Update {
	return &Update{
		log:                 log,
		newRotationKeys:     map[int]*atcrypto.PrivateKeyK256{},
		removedRotationKeys: map[int]bool{},
	}
}

// RotateRotationKey replaces the rotation key at the given authority
// index with a freshly generated one.
func (u *Update) RotateRotationKey(authority int) *Update {
	key, err := atcrypto.GeneratePrivateKeyK256()
	if err == nil {
		u.newRotationKeys[authority] = key
	}
	return u
}

// RemoveRotationKey drops the rotation key at the given authority index.
func (u *Update) RemoveRotationKey(authority int) *Update {
	u.removedRotationKeys[authority] = true
	return u
}

// RotateSigningKey replaces the atproto signing key with a fresh one.
func (u *Update) RotateSigningKey() *Update {
	key, err := atcrypto.GeneratePrivateKeyK256()
	if err == nil {
		u.newSigningKey = key
	}
	return u
}

// ChangeHandle sets the primary alias to at://<handle>.
func (u *Update) ChangeHandle(handle string) *Update {
	u.handleState, u.handle = set, handle
	return u
}

// RemoveHandle clears the primary alias.
func (u *Update) RemoveHandle() *Update {
	u.handleState = cleared
	return u
}

// ChangePDS sets the atproto_pds service endpoint.
func (u *Update) ChangePDS(endpoint string) *Update {
	u.pdsState, u.pds = set, endpoint
	return u
}

// RemovePDS removes the atproto_pds service entirely.
func (u *Update) RemovePDS() *Update {
	u.pdsState = cleared
	return u
}

// WithPrevOp overrides this operation's prev pointer to reference an
// earlier entry by index.
func (u *Update) WithPrevOp(operation int) *Update {
	u.prevState, u.prevCID = set, u.log.entries[operation].CID
	return u
}

// WithPrevCID overrides this operation's prev pointer to an arbitrary CID.
func (u *Update) WithPrevCID(prev cid.Cid) *Update {
	u.prevState, u.prevCID = set, prev
	return u
}

// WithoutPrev omits the prev pointer entirely (an invalid non-genesis
// shape, for fault injection).
func (u *Update) WithoutPrev() *Update {
	u.prevState = cleared
	return u
}

// SignedWithKey signs with the rotation key at the given authority,
// under the identity active as of the log's current tip.
func (u *Update) SignedWithKey(authority int) *Update {
	u.signer, u.signerAuthority = signerRotation, authority
	return u
}

// SignedWithKeyFrom signs with the rotation key at the given authority,
// under the identity active as of a specific earlier entry.
func (u *Update) SignedWithKeyFrom(operation, authority int) *Update {
	op := operation
	u.signer, u.signerAtOp, u.signerAuthority = signerRotation, &op, authority
	return u
}

// SignedWithSigningKey signs with the atproto signing key instead of a
// rotation key — a trust violation under validation.
func (u *Update) SignedWithSigningKey() *Update {
	u.signer = signerSigning
	return u
}

// PaddedSig re-encodes the signature with trailing base64 padding.
func (u *Update) PaddedSig() *Update {
	u.sig = sigPadded
	return u
}

// InvalidSig signs over the wrong bytes, producing a signature that
// never verifies.
func (u *Update) InvalidSig() *Update {
	u.sig = sigInvalid
	return u
}

// Nullified marks the built entry as nullified.
func (u *Update) Nullified() *Update {
	u.nullifiedFlag = true
	return u
}

// CreatedAfter sets this entry's created_at to an earlier entry's plus a
// delta, for testing the recovery window.
func (u *Update) CreatedAfter(operation int, delta time.Duration) *Update {
	u.createdAtSet = true
	u.createdAt = u.log.entries[operation].CreatedAt.Add(delta)
	return u
}

// Build appends the constructed operation to the log.
func (u *Update) Build() error {
	prevOp := u.log.entries[len(u.log.entries)-1]

	// Copy so the edits below never write through to earlier entries.
	last := u.log.lastData()
	newData := plcdata.PlcData{
		RotationKeys:        append([]string(nil), last.RotationKeys...),
		VerificationMethods: make(map[string]string, len(last.VerificationMethods)),
		AlsoKnownAs:         append([]string(nil), last.AlsoKnownAs...),
		Services:            make(map[string]plcdata.Service, len(last.Services)),
	}
	for k, v := range last.VerificationMethods {
		newData.VerificationMethods[k] = v
	}
	for k, v := range last.Services {
		newData.Services[k] = v
	}

	identityChanged := len(u.newRotationKeys) > 0 || len(u.removedRotationKeys) > 0 || u.newSigningKey != nil
	if identityChanged {
		newState := u.log.stateAt(nil).clone()

		for _, authority := range sortedRotationAuthorities(u.newRotationKeys) {
			key := u.newRotationKeys[authority]
			dk, err := didKeyOf(key)
			if err != nil {
				return err
			}
			if authority < len(newData.RotationKeys) {
				newData.RotationKeys[authority] = dk
				newState.rotation[authority] = key
			} else {
				newData.RotationKeys = append(newData.RotationKeys, dk)
				newState.rotation = append(newState.rotation, key)
			}
		}

		removed := sortedInts(u.removedRotationKeys)
		for i := len(removed) - 1; i >= 0; i-- {
			idx := removed[i]
			newData.RotationKeys = append(newData.RotationKeys[:idx], newData.RotationKeys[idx+1:]...)
			newState.rotation = append(newState.rotation[:idx], newState.rotation[idx+1:]...)
		}

		if u.newSigningKey != nil {
			dk, err := didKeyOf(u.newSigningKey)
			if err != nil {
				return err
			}
			if newData.VerificationMethods == nil {
				newData.VerificationMethods = map[string]string{}
			}
			newData.VerificationMethods[atprotoMethod] = dk
			newState.signing[atprotoMethod] = u.newSigningKey
		}

		u.log.stateUpdates = append(u.log.stateUpdates, stateUpdate{atIndex: len(u.log.entries), state: newState})
	}

	switch u.handleState {
	case set:
		if len(newData.AlsoKnownAs) > 0 {
			newData.AlsoKnownAs[0] = "at://" + u.handle
		} else {
			newData.AlsoKnownAs = []string{"at://" + u.handle}
		}
	case cleared:
		if len(newData.AlsoKnownAs) > 0 {
			newData.AlsoKnownAs = newData.AlsoKnownAs[1:]
		}
	}

	switch u.pdsState {
	case set:
		if newData.Services == nil {
			newData.Services = map[string]plcdata.Service{}
		}
		svc := newData.Services[pdsKind]
		svc.Type = pdsType
		svc.Endpoint = u.pds
		newData.Services[pdsKind] = svc
	case cleared:
		delete(newData.Services, pdsKind)
	}

	prev := prevOp.CID
	content := plcdata.Operation{Type: plcdata.TypeChange, PlcData: newData, Prev: &prev}
	if u.prevState == set {
		content.Prev = &u.prevCID
	} else if u.prevState == cleared {
		content.Prev = nil
	}

	key, err := u.resolveSigner()
	if err != nil {
		return err
	}

	signed, err := addSignature(content, key, u.sig)
	if err != nil {
		return err
	}

	entry, err := buildEntry(u.log.did, signed, u.createdAtTime())
	if err != nil {
		return err
	}
	entry.Nullified = u.nullifiedFlag

	u.log.entries = append(u.log.entries, entry)
	return nil
}

func (u *Update) createdAtTime() *time.Time {
	if !u.createdAtSet {
		return nil
	}
	return &u.createdAt
}

func (u *Update) resolveSigner() (*atcrypto.PrivateKeyK256, error) {
	switch u.signer {
	case signerRotation:
		state := u.log.stateAt(u.signerAtOp)
		if u.signerAuthority >= len(state.rotation) {
			return nil, errAuthorityOutOfRange
		}
		return state.rotation[u.signerAuthority], nil
	case signerSigning:
		state := u.log.stateAt(nil)
		return state.signing[atprotoMethod], nil
	default:
		state := u.log.stateAt(nil)
		return state.rotation[len(state.rotation)-1], nil
	}
}

func sortedRotationAuthorities(m map[int]*atcrypto.PrivateKeyK256) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// Tombstone builds a tombstone operation appended to a TestLog.
type Tombstone struct {
	log *TestLog

	prevState tristate
	prevCID   cid.Cid

	signer          signerKind
	signerAtOp      *int
	signerAuthority int
	sig             sigKind
	nullifiedFlag   bool
	createdAtSet    bool
	createdAt       time.Time
}

func newTombstone(log *TestLog) *Tombstone {
	return &Tombstone{log: log}
}

// WithPrevOp overrides this tombstone's prev pointer by entry index.
func (t *Tombstone) WithPrevOp(operation int) *Tombstone {
	t.prevState, t.prevCID = set, t.log.entries[operation].CID
	return t
}

// WithPrevCID overrides this tombstone's prev pointer to an arbitrary CID.
func (t *Tombstone) WithPrevCID(prev cid.Cid) *Tombstone {
	t.prevState, t.prevCID = set, prev
	return t
}

// SignedWithKey signs with the rotation key at the given authority.
func (t *Tombstone) SignedWithKey(authority int) *Tombstone {
	t.signer, t.signerAuthority = signerRotation, authority
	return t
}

// SignedWithKeyFrom signs under the identity active as of an earlier entry.
func (t *Tombstone) SignedWithKeyFrom(operation, authority int) *Tombstone {
	op := operation
	t.signer, t.signerAtOp, t.signerAuthority = signerRotation, &op, authority
	return t
}

// SignedWithSigningKey signs with the atproto signing key.
func (t *Tombstone) SignedWithSigningKey() *Tombstone {
	t.signer = signerSigning
	return t
}

// PaddedSig re-encodes the signature with trailing base64 padding.
func (t *Tombstone) PaddedSig() *Tombstone {
	t.sig = sigPadded
	return t
}

// InvalidSig signs over the wrong bytes.
func (t *Tombstone) InvalidSig() *Tombstone {
	t.sig = sigInvalid
	return t
}

// Nullified marks the built entry as nullified.
func (t *Tombstone) Nullified() *Tombstone {
	t.nullifiedFlag = true
	return t
}

// CreatedAfter sets this entry's created_at to an earlier entry's plus a
// delta.
func (t *Tombstone) CreatedAfter(operation int, delta time.Duration) *Tombstone {
	t.createdAtSet = true
	t.createdAt = t.log.entries[operation].CreatedAt.Add(delta)
	return t
}

// Build appends the constructed tombstone to the log.
func (t *Tombstone) Build() error {
	prevOp := t.log.entries[len(t.log.entries)-1]

	prev := prevOp.CID
	if t.prevState == set {
		prev = t.prevCID
	}
	content := plcdata.Operation{Type: plcdata.TypeTombstone, Prev: &prev}

	var key *atcrypto.PrivateKeyK256
	switch t.signer {
	case signerRotation:
		state := t.log.stateAt(t.signerAtOp)
		if t.signerAuthority >= len(state.rotation) {
			return errAuthorityOutOfRange
		}
		key = state.rotation[t.signerAuthority]
	case signerSigning:
		key = t.log.stateAt(nil).signing[atprotoMethod]
	default:
		state := t.log.stateAt(nil)
		key = state.rotation[len(state.rotation)-1]
	}

	signed, err := addSignature(content, key, t.sig)
	if err != nil {
		return err
	}

	var createdAt *time.Time
	if t.createdAtSet {
		createdAt = &t.createdAt
	}
	entry, err := buildEntry(t.log.did, signed, createdAt)
	if err != nil {
		return err
	}
	entry.Nullified = t.nullifiedFlag

	t.log.entries = append(t.log.entries, entry)
	return nil
}

// Update starts a builder for the next change operation. f configures it;
// the operation is appended to the log on return.
func (l *TestLog) Update(f func(*Update)) error {
	u := newUpdate(l)
	f(u)
	return u.Build()
}

// TombstoneOp starts a builder for the next tombstone operation. f
// configures it; the operation is appended to the log on return.
func (l *TestLog) TombstoneOp(f func(*Tombstone)) error {
	t := newTombstone(l)
	f(t)
	return t.Build()
}

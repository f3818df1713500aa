// Package testlog builds synthetic, intentionally-faultable PLC audit
// logs for exercising the validator and the mirror store: genesis, then
// a chain of signed updates and tombstones, with knobs to misencode a
// signature, sign with the wrong key, backdate an entry, or reorder the
// log.
package testlog

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/ipfs/go-cid"

	"github.com/primal-host/plc-mirror/internal/codec"
	"github.com/primal-host/plc-mirror/internal/plcdata"
)

const atprotoMethod = "atproto"
const pdsKind = "atproto_pds"
const pdsType = "AtprotoPersonalDataServer"

var errAuthorityOutOfRange = fmt.Errorf("testlog: rotation key authority out of range")

// identity is the key material behind a TestLog at some point in time.
// Index 0 of rotation is always the highest authority.
type identity struct {
	rotation []*atcrypto.PrivateKeyK256
	signing  map[string]*atcrypto.PrivateKeyK256
}

func (id identity) clone() identity {
	rotation := make([]*atcrypto.PrivateKeyK256, len(id.rotation))
	copy(rotation, id.rotation)
	signing := make(map[string]*atcrypto.PrivateKeyK256, len(id.signing))
	for k, v := range id.signing {
		signing[k] = v
	}
	return identity{rotation: rotation, signing: signing}
}

func generateIdentity() (identity, error) {
	r0, err := atcrypto.GeneratePrivateKeyK256()
	if err != nil {
		return identity{}, fmt.Errorf("testlog: generate rotation key: %w", err)
	}
	r1, err := atcrypto.GeneratePrivateKeyK256()
	if err != nil {
		return identity{}, fmt.Errorf("testlog: generate rotation key: %w", err)
	}
	sk, err := atcrypto.GeneratePrivateKeyK256()
	if err != nil {
		return identity{}, fmt.Errorf("testlog: generate signing key: %w", err)
	}
	return identity{
		rotation: []*atcrypto.PrivateKeyK256{r0, r1},
		signing:  map[string]*atcrypto.PrivateKeyK256{atprotoMethod: sk},
	}, nil
}

func didKeyOf(key *atcrypto.PrivateKeyK256) (string, error) {
	pub, err := key.PublicKey()
	if err != nil {
		return "", fmt.Errorf("testlog: derive public key: %w", err)
	}
	return pub.DIDKey(), nil
}

type stateUpdate struct {
	atIndex int
	state   identity
}

// TestLog is a synthetic operation chain for one identity.
type TestLog struct {
	initialState identity
	stateUpdates []stateUpdate
	did          string
	entries      []plcdata.LogEntry
}

// WithGenesis builds a valid single-entry log: a genesis change
// operation with a handle and a PDS endpoint.
func WithGenesis() (*TestLog, error) {
	state, err := generateIdentity()
	if err != nil {
		return nil, err
	}

	rotationKeys := make([]string, len(state.rotation))
	for i, k := range state.rotation {
		dk, err := didKeyOf(k)
		if err != nil {
			return nil, err
		}
		rotationKeys[i] = dk
	}
	signingDID, err := didKeyOf(state.signing[atprotoMethod])
	if err != nil {
		return nil, err
	}

	content := plcdata.Operation{
		Type: plcdata.TypeChange,
		PlcData: plcdata.PlcData{
			RotationKeys:        rotationKeys,
			VerificationMethods: map[string]string{atprotoMethod: signingDID},
			AlsoKnownAs:         []string{"at://example.com"},
			Services: map[string]plcdata.Service{
				pdsKind: {Type: pdsType, Endpoint: "https://bsky.social"},
			},
		},
	}

	signed, err := addSignature(content, state.rotation[len(state.rotation)-1], sigNormal)
	if err != nil {
		return nil, err
	}

	did, err := deriveDID(signed)
	if err != nil {
		return nil, err
	}
	genesis, err := buildEntry(did, signed, nil)
	if err != nil {
		return nil, err
	}

	return &TestLog{initialState: state, did: did, entries: []plcdata.LogEntry{genesis}}, nil
}

// WithLegacyGenesis builds a valid single-entry log with a legacy-create
// genesis operation, whose signing key doubles as a rotation key.
func WithLegacyGenesis() (*TestLog, error) {
	state, err := generateIdentity()
	if err != nil {
		return nil, err
	}
	state.signing[atprotoMethod] = state.rotation[1]

	signingDID, err := didKeyOf(state.rotation[1])
	if err != nil {
		return nil, err
	}
	recoveryDID, err := didKeyOf(state.rotation[0])
	if err != nil {
		return nil, err
	}

	content := plcdata.Operation{
		Type:        plcdata.TypeLegacyCreate,
		SigningKey:  signingDID,
		RecoveryKey: recoveryDID,
		Handle:      "example.com",
		PDSService:  "https://bsky.social",
	}

	signed, err := addSignature(content, state.rotation[len(state.rotation)-1], sigNormal)
	if err != nil {
		return nil, err
	}

	did, err := deriveDID(signed)
	if err != nil {
		return nil, err
	}
	genesis, err := buildEntry(did, signed, nil)
	if err != nil {
		return nil, err
	}

	return &TestLog{initialState: state, did: did, entries: []plcdata.LogEntry{genesis}}, nil
}

func deriveDID(signed plcdata.SignedOperation) (string, error) {
	b, err := signed.SignedBytes()
	if err != nil {
		return "", err
	}
	return codec.DeriveDID(b), nil
}

// DID derives the correct DID from the log's genesis entry.
func (l *TestLog) DID() (string, error) {
	return deriveDID(l.entries[0].Operation)
}

// ClaimedDID returns the DID every entry in the log claims (which may
// have been set to something incorrect by test construction).
func (l *TestLog) ClaimedDID() string {
	return l.did
}

// Entries returns the log's entries in list order.
func (l *TestLog) Entries() []plcdata.LogEntry {
	out := make([]plcdata.LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// CIDFor derives the correct CID for the operation at index i.
func (l *TestLog) CIDFor(i int) (cid.Cid, error) {
	return l.entries[i].Operation.CID()
}

// ClaimedCIDFor returns the CID the entry at index i claims.
func (l *TestLog) ClaimedCIDFor(i int) cid.Cid {
	return l.entries[i].CID
}

// SwapInLog swaps the entries at positions a and b in list order,
// leaving every prev pointer untouched.
func (l *TestLog) SwapInLog(a, b int) {
	l.entries[a], l.entries[b] = l.entries[b], l.entries[a]
}

// SwapInChain swaps the entries at positions a and b, and also swaps
// their prev pointers so the chain's logical order follows the swap.
// Supports two entries directly linked in the chain (one is the other's
// prev) or two geneses; any other pair returns an error.
func (l *TestLog) SwapInChain(a, b int) error {
	if a == b {
		return fmt.Errorf("testlog: cannot swap an operation with itself")
	}
	if a > b {
		a, b = b, a
	}

	aPrev := prevOf(l.entries[a].Operation.Operation)
	bPrev := prevOf(l.entries[b].Operation.Operation)
	aCID := l.entries[a].CID
	bCID := l.entries[b].CID

	switch {
	case aPrev == nil && bPrev == nil:
		// Two geneses; nothing to relink.
	case aPrev == nil && bPrev != nil && *bPrev == aCID:
		setPrev(&l.entries[a].Operation.Operation, &bCID)
		setPrev(&l.entries[b].Operation.Operation, nil)
	case aPrev != nil && bPrev == nil && *aPrev == bCID:
		setPrev(&l.entries[a].Operation.Operation, nil)
		setPrev(&l.entries[b].Operation.Operation, &aCID)
	case aPrev != nil && bPrev != nil && *bPrev == aCID:
		setPrev(&l.entries[a].Operation.Operation, &bCID)
		setPrev(&l.entries[b].Operation.Operation, aPrev)
	case aPrev != nil && bPrev != nil && *aPrev == bCID:
		setPrev(&l.entries[a].Operation.Operation, bPrev)
		setPrev(&l.entries[b].Operation.Operation, &aCID)
	default:
		return fmt.Errorf("testlog: SwapInChain only supports directly-linked entries")
	}

	// Re-sign and re-derive CIDs for the two mutated entries so their
	// claimed CID still matches their (now different) content.
	for _, i := range []int{a, b} {
		resigned, err := addSignature(l.entries[i].Operation.Operation, l.initialState.rotation[len(l.initialState.rotation)-1], sigNormal)
		if err != nil {
			return err
		}
		c, err := resigned.CID()
		if err != nil {
			return err
		}
		l.entries[i].Operation = resigned
		l.entries[i].CID = c
	}

	l.entries[a], l.entries[b] = l.entries[b], l.entries[a]
	return nil
}

// Remove deletes and returns the entry at position i.
func (l *TestLog) Remove(i int) plcdata.LogEntry {
	e := l.entries[i]
	l.entries = append(l.entries[:i], l.entries[i+1:]...)
	return e
}

func prevOf(op plcdata.Operation) *cid.Cid {
	return op.Prev
}

func setPrev(op *plcdata.Operation, prev *cid.Cid) {
	op.Prev = prev
}

func (l *TestLog) stateAt(operation *int) identity {
	limit := len(l.entries)
	if operation != nil {
		limit = *operation + 1
	}
	for i := len(l.stateUpdates) - 1; i >= 0; i-- {
		if l.stateUpdates[i].atIndex < limit {
			return l.stateUpdates[i].state
		}
	}
	return l.initialState
}

// lastData returns the PlcData the log's last entry implies, walking
// back through tombstones to the nearest change or legacy-create.
func (l *TestLog) lastData() plcdata.PlcData {
	op := l.entries[len(l.entries)-1].Operation.Operation
	for op.Type == plcdata.TypeTombstone {
		prev := op.Prev
		next, ok := l.findByCID(prev)
		if !ok {
			break
		}
		op = next
	}
	return op.Project()
}

func (l *TestLog) findByCID(target *cid.Cid) (plcdata.Operation, bool) {
	if target == nil {
		return plcdata.Operation{}, false
	}
	for _, e := range l.entries {
		if e.CID == *target {
			return e.Operation.Operation, true
		}
	}
	return plcdata.Operation{}, false
}

type sigKind int

const (
	sigNormal sigKind = iota
	sigPadded
	sigInvalid
)

func addSignature(content plcdata.Operation, key *atcrypto.PrivateKeyK256, kind sigKind) (plcdata.SignedOperation, error) {
	unsigned, err := content.UnsignedBytes()
	if err != nil {
		return plcdata.SignedOperation{}, err
	}

	signOver := unsigned
	if kind == sigInvalid {
		signOver = nil
	}

	sigBytes, err := key.HashAndSign(signOver)
	if err != nil {
		return plcdata.SignedOperation{}, fmt.Errorf("testlog: sign operation: %w", err)
	}

	var sig string
	if kind == sigPadded {
		sig = paddedBase64URL(sigBytes)
	} else {
		sig = codec.EncodeSignature(sigBytes)
	}

	return plcdata.SignedOperation{Operation: content, Sig: sig}, nil
}

func buildEntry(did string, signed plcdata.SignedOperation, createdAt *time.Time) (plcdata.LogEntry, error) {
	c, err := signed.CID()
	if err != nil {
		return plcdata.LogEntry{}, err
	}
	at := time.Now().UTC()
	if createdAt != nil {
		at = *createdAt
	}

	return plcdata.LogEntry{
		DID:       did,
		Operation: signed,
		CID:       c,
		Nullified: false,
		CreatedAt: at,
	}, nil
}

func paddedBase64URL(b []byte) string {
	unpadded := codec.EncodeSignature(b)
	if pad := len(unpadded) % 4; pad != 0 {
		return unpadded + strings.Repeat("=", 4-pad)
	}
	return unpadded
}

func sortedInts(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

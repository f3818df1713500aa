// Package codec implements the DAG-CBOR encoding and CID/DID derivation
// rules shared by every operation variant in the PLC identity log.
//
// Operations are carried internally as map[string]any in the ATProto
// canonical data model (see github.com/bluesky-social/indigo/atproto/data),
// which gives canonical DAG-CBOR key ordering for free and naturally
// round-trips map entries it does not otherwise understand.
package codec

import (
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/bluesky-social/indigo/atproto/data"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Marshal encodes a canonical data-model map as DAG-CBOR bytes.
func Marshal(m map[string]any) ([]byte, error) {
	b, err := data.MarshalCBOR(m)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal cbor: %w", err)
	}
	return b, nil
}

// Unmarshal decodes DAG-CBOR bytes into a canonical data-model map.
func Unmarshal(b []byte) (map[string]any, error) {
	m, err := data.UnmarshalCBOR(b)
	if err != nil {
		return nil, fmt.Errorf("codec: unmarshal cbor: %w", err)
	}
	return m, nil
}

// ComputeCID returns the CIDv1 (multicodec dag-cbor 0x71, multihash
// sha2-256 0x12) over raw DAG-CBOR bytes.
func ComputeCID(raw []byte) (cid.Cid, error) {
	c, err := cid.NewPrefixV1(cid.DagCBOR, multihash.SHA2_256).Sum(raw)
	if err != nil {
		return cid.Undef, fmt.Errorf("codec: compute cid: %w", err)
	}
	return c, nil
}

// DeriveDID computes the did:plc genesis identifier from the signed bytes
// of the genesis operation: "did:plc:" followed by the first 24 characters
// of the lowercase, unpadded base32 encoding of SHA-256(signedBytes).
func DeriveDID(signedBytes []byte) string {
	sum := sha256.Sum256(signedBytes)
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum[:])
	encoded = strings.ToLower(encoded)
	return "did:plc:" + encoded[:24]
}

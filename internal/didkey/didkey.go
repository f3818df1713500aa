// Package didkey parses and formats the `did:key:` identifiers used for
// PLC rotation keys and verification methods: secp256k1 (multicodec 0xe7)
// and NIST P-256 (multicodec 0x1200), both multibase-"z" (base58btc)
// encoded.
package didkey

import (
	"fmt"
	"strings"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-varint"
)

// Algorithm identifies the curve a did:key encodes.
type Algorithm int

const (
	AlgUnknown Algorithm = iota
	AlgK256              // secp256k1, multicodec 0xe7
	AlgP256              // NIST P-256, multicodec 0x1200
)

func (a Algorithm) String() string {
	switch a {
	case AlgK256:
		return "secp256k1"
	case AlgP256:
		return "p256"
	default:
		return "unknown"
	}
}

const (
	codecK256 = 0xe7
	codecP256 = 0x1200
)

// Parsed holds the decoded multicodec algorithm tag and raw compressed
// public key bytes for a did:key.
type Parsed struct {
	Algorithm Algorithm
	KeyBytes  []byte
}

// Parse decodes a "did:key:z..." string into its algorithm and raw
// compressed public key bytes.
func Parse(didKey string) (*Parsed, error) {
	const prefix = "did:key:"
	if !strings.HasPrefix(didKey, prefix) {
		return nil, fmt.Errorf("didkey: not a did:key: %q", didKey)
	}
	mb := strings.TrimPrefix(didKey, prefix)

	_, data, err := multibase.Decode(mb)
	if err != nil {
		return nil, fmt.Errorf("didkey: multibase decode: %w", err)
	}

	code, n, err := varint.FromUvarint(data)
	if err != nil {
		return nil, fmt.Errorf("didkey: read multicodec varint: %w", err)
	}

	var alg Algorithm
	switch code {
	case codecK256:
		alg = AlgK256
	case codecP256:
		alg = AlgP256
	default:
		return nil, fmt.Errorf("didkey: unsupported multicodec 0x%x", code)
	}

	return &Parsed{Algorithm: alg, KeyBytes: data[n:]}, nil
}

// Format re-encodes a parsed algorithm/key pair as a did:key string.
func Format(alg Algorithm, keyBytes []byte) (string, error) {
	var code uint64
	switch alg {
	case AlgK256:
		code = codecK256
	case AlgP256:
		code = codecP256
	default:
		return "", fmt.Errorf("didkey: unsupported algorithm %v", alg)
	}

	prefixed := append(varint.ToUvarint(code), keyBytes...)
	encoded, err := multibase.Encode(multibase.Base58BTC, prefixed)
	if err != nil {
		return "", fmt.Errorf("didkey: multibase encode: %w", err)
	}
	return "did:key:" + encoded, nil
}

// PublicKey recovers an atcrypto verifier from a did:key string, the form
// internal/sigverify uses for its strict verification path.
func PublicKey(didKey string) (atcrypto.PublicKey, error) {
	pub, err := atcrypto.ParsePublicDIDKey(didKey)
	if err != nil {
		return nil, fmt.Errorf("didkey: parse public key: %w", err)
	}
	return pub, nil
}

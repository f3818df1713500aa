// Package sigverify verifies PLC operation signatures against a did:key,
// with an optional "malleable" mode for entries predating the
// MALLEABILITY_PREVENTED cutoff (see internal/audit) that additionally
// accepts DER-encoded and high-S signatures.
package sigverify

import (
	"encoding/asn1"
	"fmt"
	"math/big"

	"github.com/primal-host/plc-mirror/internal/didkey"
)

// curve orders for the two PLC-supported curves, used only for the
// legacy high-S renormalization path below.
var (
	orderK256, _ = new(big.Int).SetString("fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141", 16)
	orderP256, _ = new(big.Int).SetString("ffffffff00000000ffffffffffffffffbce6faada7179e84f3b9cac2fc632551", 16)
)

func curveOrder(alg didkey.Algorithm) *big.Int {
	if alg == didkey.AlgP256 {
		return orderP256
	}
	return orderK256
}

// derSignature is the ASN.1 structure of a DER-encoded ECDSA signature.
type derSignature struct {
	R, S *big.Int
}

// Verify checks sig over msg under the did:key's public key. When
// allowMalleable is false, sig must be the canonical raw (IEEE P1363,
// low-S) 64-byte encoding. When true, a DER-encoded or high-S signature is
// additionally tried by converting it to the canonical raw, low-S form
// before the underlying strict verification.
func Verify(didKeyStr string, msg, sig []byte, allowMalleable bool) (bool, error) {
	pub, err := didkey.PublicKey(didKeyStr)
	if err != nil {
		return false, fmt.Errorf("sigverify: %w", err)
	}

	if ok, err := pub.HashAndVerify(msg, sig); err == nil && ok {
		return true, nil
	}

	if !allowMalleable {
		return false, nil
	}

	parsed, err := didkey.Parse(didKeyStr)
	if err != nil {
		return false, fmt.Errorf("sigverify: %w", err)
	}

	raw, ok := normalize(parsed.Algorithm, sig)
	if !ok {
		return false, nil
	}

	ok, err = pub.HashAndVerify(msg, raw)
	if err != nil {
		return false, nil
	}
	return ok, nil
}

// normalize converts a DER-encoded or high-S signature to the canonical
// raw low-S r||s form. Returns ok=false if sig is not recognizable as
// either form.
func normalize(alg didkey.Algorithm, sig []byte) ([]byte, bool) {
	size := 32

	var der derSignature
	if rest, err := asn1.Unmarshal(sig, &der); err == nil && len(rest) == 0 {
		return toLowSRaw(alg, der.R, der.S, size), true
	}

	if len(sig) == 2*size {
		r := new(big.Int).SetBytes(sig[:size])
		s := new(big.Int).SetBytes(sig[size:])
		return toLowSRaw(alg, r, s, size), true
	}

	return nil, false
}

func toLowSRaw(alg didkey.Algorithm, r, s *big.Int, size int) []byte {
	order := curveOrder(alg)
	half := new(big.Int).Rsh(order, 1)
	if s.Cmp(half) > 0 {
		s = new(big.Int).Sub(order, s)
	}

	out := make([]byte, 2*size)
	r.FillBytes(out[:size])
	s.FillBytes(out[size:])
	return out
}

package codec

import (
	"encoding/base64"
	"fmt"
)

// DecodeSignature decodes a base64url signature string. When allowPadded
// is true (used for entries predating the malleability-prevented cutoff),
// a trailing "=" padded encoding is accepted in addition to the canonical
// unpadded one.
func DecodeSignature(sig string, allowPadded bool) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(sig); err == nil {
		return b, nil
	}
	if allowPadded {
		if b, err := base64.URLEncoding.DecodeString(sig); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("codec: invalid signature encoding")
}

// EncodeSignature returns the canonical (unpadded) base64url text for a
// signature, the form every newly produced operation must use.
func EncodeSignature(sig []byte) string {
	return base64.RawURLEncoding.EncodeToString(sig)
}

package plcdata

import (
	"bytes"
	"fmt"

	cbg "github.com/whyrusleeping/cbor-gen"
)

// legacyCreateUnsignedOrder and legacyCreateSignedOrder are the
// legacy-create operation's field names in DAG-CBOR canonical key order
// (shorter keys first, then lexicographic within a length). Fixed rather
// than sorted at runtime, because a legacy-create operation always has
// exactly this shape; ported from the teacher's CborEncodePLCOp, which
// hand-rolls the same fixed-shape canonical encoding for a brand new
// genesis operation.
var (
	legacyCreateUnsignedOrder = []string{"prev", "type", "handle", "service", "signingKey", "recoveryKey"}
	legacyCreateSignedOrder   = []string{"sig", "prev", "type", "handle", "service", "signingKey", "recoveryKey"}
)

// cborNull is the one-byte DAG-CBOR encoding of null (major type 7, simple
// value 22).
var cborNull = []byte{0xf6}

// legacyCreateBytes renders a legacy-create operation's fixed 6 (or, with
// sig, 7) fields as a canonically-ordered DAG-CBOR map, bypassing the
// general-purpose map encoder in internal/codec, which sorts an arbitrary
// key set at encode time rather than a precomputed fixed one.
func legacyCreateBytes(op Operation, sig *string) ([]byte, error) {
	fields := map[string]string{
		"type":        string(op.Type),
		"handle":      op.Handle,
		"service":     op.PDSService,
		"signingKey":  op.SigningKey,
		"recoveryKey": op.RecoveryKey,
	}
	order := legacyCreateUnsignedOrder
	if sig != nil {
		fields["sig"] = *sig
		order = legacyCreateSignedOrder
	}

	var buf bytes.Buffer
	cw := cbg.NewCborWriter(&buf)
	if err := cw.WriteMajorTypeHeader(cbg.MajMap, uint64(len(order))); err != nil {
		return nil, fmt.Errorf("plcdata: legacy-create cbor: map header: %w", err)
	}
	for _, k := range order {
		if err := writeCborTextString(cw, k); err != nil {
			return nil, fmt.Errorf("plcdata: legacy-create cbor: key %q: %w", k, err)
		}
		if k == "prev" {
			if _, err := cw.Write(cborNull); err != nil {
				return nil, fmt.Errorf("plcdata: legacy-create cbor: prev null: %w", err)
			}
			continue
		}
		if err := writeCborTextString(cw, fields[k]); err != nil {
			return nil, fmt.Errorf("plcdata: legacy-create cbor: value %q: %w", k, err)
		}
	}
	return buf.Bytes(), nil
}

func writeCborTextString(cw *cbg.CborWriter, s string) error {
	if err := cw.WriteMajorTypeHeader(cbg.MajTextString, uint64(len(s))); err != nil {
		return err
	}
	_, err := cw.Write([]byte(s))
	return err
}

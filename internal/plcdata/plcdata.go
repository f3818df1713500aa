// Package plcdata defines the PLC operation log's wire types: the
// rotation/verification/service projection (PlcData), the three operation
// variants (change, tombstone, legacy-create), and the signed/logged
// envelopes around them.
package plcdata

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/primal-host/plc-mirror/internal/codec"
)

// Service describes one entry in PlcData.Services.
type Service struct {
	Type     string `json:"type"`
	Endpoint string `json:"endpoint"`
}

// PlcData is the canonical identity state an audited chain of operations
// produces: ordered rotation keys (index 0 = highest authority), a
// service-name -> did:key map of verification methods, ordered aliases,
// and a service-kind -> Service map.
type PlcData struct {
	RotationKeys         []string           `json:"rotationKeys"`
	VerificationMethods  map[string]string  `json:"verificationMethods"`
	AlsoKnownAs          []string           `json:"alsoKnownAs"`
	Services             map[string]Service `json:"services"`
}

// SigningKey returns the "atproto" verification method, the recognized
// signing key entry, if present.
func (d PlcData) SigningKey() (string, bool) {
	k, ok := d.VerificationMethods["atproto"]
	return k, ok
}

// PDSEndpoint returns the "atproto_pds" service endpoint, if present and
// well-formed (type AtprotoPersonalDataServer).
func (d PlcData) PDSEndpoint() (string, bool) {
	svc, ok := d.Services["atproto_pds"]
	if !ok || svc.Type != "AtprotoPersonalDataServer" {
		return "", false
	}
	return svc.Endpoint, true
}

// OpType is the `type` discriminator of the PLC operation tagged union.
type OpType string

const (
	TypeChange       OpType = "plc_operation"
	TypeTombstone    OpType = "plc_tombstone"
	TypeLegacyCreate OpType = "create"
)

// Operation is the tagged union of the three PLC operation variants. Only
// the fields relevant to Type are populated; Extra carries any additional
// map entries seen on a decoded change operation, preserved verbatim so
// re-encoding reproduces byte-identical (and therefore CID-identical)
// output even for fields this code does not otherwise understand.
type Operation struct {
	Type OpType

	// Change (TypeChange) fields.
	PlcData
	Extra map[string]any

	// Prev is nil only for a genesis change operation; required and
	// non-nil for tombstone and always nil for legacy-create.
	Prev *cid.Cid

	// LegacyCreate (TypeLegacyCreate) fields.
	SigningKey  string
	RecoveryKey string
	Handle      string
	PDSService  string
}

// Project returns the PlcData a legacy-create operation implies: rotation
// keys [recovery, signing], a single atproto verification method, a
// single at://<handle> alias, and an atproto_pds service.
func (op Operation) Project() PlcData {
	if op.Type != TypeLegacyCreate {
		return op.PlcData
	}
	return PlcData{
		RotationKeys:        []string{op.RecoveryKey, op.SigningKey},
		VerificationMethods: map[string]string{"atproto": op.SigningKey},
		AlsoKnownAs:         []string{"at://" + op.Handle},
		Services: map[string]Service{
			"atproto_pds": {Type: "AtprotoPersonalDataServer", Endpoint: op.PDSService},
		},
	}
}

// ToMap renders the operation as the canonical data-model map used for
// DAG-CBOR encoding (unsigned bytes). Unknown fields carried in Extra are
// merged in verbatim.
func (op Operation) ToMap() map[string]any {
	m := map[string]any{"type": string(op.Type)}

	switch op.Type {
	case TypeChange:
		for k, v := range op.Extra {
			m[k] = v
		}
		m["rotationKeys"] = toAnySlice(op.RotationKeys)
		m["verificationMethods"] = toAnyStringMap(op.VerificationMethods)
		m["alsoKnownAs"] = toAnySlice(op.AlsoKnownAs)
		m["services"] = servicesToMap(op.Services)
		m["prev"] = prevValue(op.Prev)

	case TypeTombstone:
		m["prev"] = prevValue(op.Prev)

	case TypeLegacyCreate:
		m["signingKey"] = op.SigningKey
		m["recoveryKey"] = op.RecoveryKey
		m["handle"] = op.Handle
		m["service"] = op.PDSService
		m["prev"] = nil
	}

	return m
}

func prevValue(p *cid.Cid) any {
	if p == nil {
		return nil
	}
	return p.String()
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func toAnyStringMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func servicesToMap(svcs map[string]Service) map[string]any {
	out := make(map[string]any, len(svcs))
	for k, v := range svcs {
		out[k] = map[string]any{"type": v.Type, "endpoint": v.Endpoint}
	}
	return out
}

// UnsignedBytes returns the DAG-CBOR encoding of the operation without a
// signature, the bytes a signature is computed over.
func (op Operation) UnsignedBytes() ([]byte, error) {
	if op.Type == TypeLegacyCreate {
		return legacyCreateBytes(op, nil)
	}
	b, err := codec.Marshal(op.ToMap())
	if err != nil {
		return nil, fmt.Errorf("plcdata: encode unsigned operation: %w", err)
	}
	return b, nil
}

// SignedOperation pairs an Operation with its base64url signature.
type SignedOperation struct {
	Operation Operation
	Sig       string
}

// SignedBytes returns the DAG-CBOR encoding of the operation plus its
// signature field, the bytes a CID is computed over.
func (s SignedOperation) SignedBytes() ([]byte, error) {
	if s.Operation.Type == TypeLegacyCreate {
		return legacyCreateBytes(s.Operation, &s.Sig)
	}
	m := s.Operation.ToMap()
	m["sig"] = s.Sig
	b, err := codec.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("plcdata: encode signed operation: %w", err)
	}
	return b, nil
}

// CID computes the CIDv1 over the signed bytes.
func (s SignedOperation) CID() (cid.Cid, error) {
	b, err := s.SignedBytes()
	if err != nil {
		return cid.Undef, err
	}
	return codec.ComputeCID(b)
}

// LogEntry is one row of an audit log: a signed operation as served by the
// registry, with its claimed CID, nullification state, and timestamp.
type LogEntry struct {
	DID       string
	Operation SignedOperation
	CID       cid.Cid
	Nullified bool
	CreatedAt time.Time
}

// wireOperation is the JSON wire shape of an Operation, covering all three
// variants; unrecognized fields of a change operation land in Extra via a
// second map[string]json.RawMessage pass in Operation.UnmarshalJSON.
type wireOperation struct {
	Type                OpType             `json:"type"`
	RotationKeys        []string           `json:"rotationKeys,omitempty"`
	VerificationMethods map[string]string  `json:"verificationMethods,omitempty"`
	AlsoKnownAs         []string           `json:"alsoKnownAs,omitempty"`
	Services            map[string]Service `json:"services,omitempty"`
	Prev                *string            `json:"prev,omitempty"`

	SigningKey  string `json:"signingKey,omitempty"`
	RecoveryKey string `json:"recoveryKey,omitempty"`
	Handle      string `json:"handle,omitempty"`
	PDSService  string `json:"service,omitempty"`
}

// MarshalJSON implements json.Marshaler over the tagged-union wire shape.
func (op Operation) MarshalJSON() ([]byte, error) {
	w := wireOperation{Type: op.Type, Prev: prevString(op.Prev)}

	switch op.Type {
	case TypeChange:
		w.RotationKeys = op.RotationKeys
		w.VerificationMethods = op.VerificationMethods
		w.AlsoKnownAs = op.AlsoKnownAs
		w.Services = op.Services
	case TypeLegacyCreate:
		w.SigningKey = op.SigningKey
		w.RecoveryKey = op.RecoveryKey
		w.Handle = op.Handle
		w.PDSService = op.PDSService
	}

	if op.Type != TypeChange || len(op.Extra) == 0 {
		return json.Marshal(w)
	}

	base, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	var merged map[string]any
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range op.Extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON implements json.Unmarshaler over the tagged-union wire
// shape, capturing any field this code does not recognize into Extra for
// change operations.
func (op *Operation) UnmarshalJSON(b []byte) error {
	var w wireOperation
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("plcdata: unmarshal operation: %w", err)
	}

	*op = Operation{
		Type: w.Type,
		PlcData: PlcData{
			RotationKeys:        w.RotationKeys,
			VerificationMethods: w.VerificationMethods,
			AlsoKnownAs:         w.AlsoKnownAs,
			Services:            w.Services,
		},
		SigningKey:  w.SigningKey,
		RecoveryKey: w.RecoveryKey,
		Handle:      w.Handle,
		PDSService:  w.PDSService,
	}

	if w.Prev != nil {
		c, err := cid.Decode(*w.Prev)
		if err != nil {
			return fmt.Errorf("plcdata: decode prev cid: %w", err)
		}
		op.Prev = &c
	}

	if w.Type == TypeChange {
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(b, &raw); err == nil {
			known := map[string]bool{
				"type": true, "rotationKeys": true, "verificationMethods": true,
				"alsoKnownAs": true, "services": true, "prev": true, "sig": true,
			}
			for k, v := range raw {
				if known[k] {
					continue
				}
				var val any
				if err := json.Unmarshal(v, &val); err == nil {
					if op.Extra == nil {
						op.Extra = map[string]any{}
					}
					op.Extra[k] = val
				}
			}
		}
	}

	return nil
}

func prevString(p *cid.Cid) *string {
	if p == nil {
		return nil
	}
	s := p.String()
	return &s
}

// wireLogEntry is the JSON shape served by the registry's /log/audit and
// /export endpoints.
type wireLogEntry struct {
	DID       string          `json:"did"`
	Operation json.RawMessage `json:"operation"`
	CID       string          `json:"cid"`
	Nullified bool            `json:"nullified"`
	CreatedAt time.Time       `json:"createdAt"`
}

// wireSignedOperation is how Operation and its signature are flattened
// onto the wire: the operation's own fields plus a sibling "sig" field.
type wireSignedOperation struct {
	Operation
	Sig string `json:"sig"`
}

// MarshalJSON flattens the signed operation's fields and signature into a
// single JSON object, matching the registry's wire format.
func (s SignedOperation) MarshalJSON() ([]byte, error) {
	opBytes, err := json.Marshal(s.Operation)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(opBytes, &m); err != nil {
		return nil, err
	}
	m["sig"] = s.Sig
	return json.Marshal(m)
}

// UnmarshalJSON parses a flattened operation+sig object into its two
// constituent parts.
func (s *SignedOperation) UnmarshalJSON(b []byte) error {
	var op Operation
	if err := json.Unmarshal(b, &op); err != nil {
		return err
	}
	var sigOnly struct {
		Sig string `json:"sig"`
	}
	if err := json.Unmarshal(b, &sigOnly); err != nil {
		return err
	}
	s.Operation = op
	s.Sig = sigOnly.Sig
	return nil
}

// MarshalJSON renders a LogEntry in the registry's /log/audit wire shape.
func (e LogEntry) MarshalJSON() ([]byte, error) {
	opJSON, err := json.Marshal(e.Operation)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		DID       string          `json:"did"`
		Operation json.RawMessage `json:"operation"`
		CID       string          `json:"cid"`
		Nullified bool            `json:"nullified"`
		CreatedAt time.Time       `json:"createdAt"`
	}{e.DID, opJSON, e.CID.String(), e.Nullified, e.CreatedAt})
}

// UnmarshalJSON parses a LogEntry from the registry's wire shape.
func (e *LogEntry) UnmarshalJSON(b []byte) error {
	var w wireLogEntry
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("plcdata: unmarshal log entry: %w", err)
	}
	var signed SignedOperation
	if err := json.Unmarshal(w.Operation, &signed); err != nil {
		return fmt.Errorf("plcdata: unmarshal log entry operation: %w", err)
	}
	c, err := cid.Decode(w.CID)
	if err != nil {
		return fmt.Errorf("plcdata: decode log entry cid: %w", err)
	}
	e.DID = w.DID
	e.Operation = signed
	e.CID = c
	e.Nullified = w.Nullified
	e.CreatedAt = w.CreatedAt
	return nil
}

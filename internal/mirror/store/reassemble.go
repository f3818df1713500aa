package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/primal-host/plc-mirror/internal/plcdata"
)

// row is the flattened result of one plc_log join, before its satellite
// rotation-key/verification-method/service tables are pulled in.
type row struct {
	entryID           int64
	cidBytes          []byte
	did               string
	createdAt         string
	nullified         bool
	opType            string
	alsoKnownAs       sql.NullString
	signingKey        sql.NullString
	pdsEndpoint       sql.NullString
	prevCIDBytes      []byte
	sig               string
	legacyRecoveryKey sql.NullString
	legacyHandle      sql.NullString
	legacyPDSService  sql.NullString
}

const rowSelect = `
SELECT l.entry_id, l.cid, i.did, l.created_at, l.nullified, l.type, l.also_known_as,
       sk.key, pds.endpoint, p.cid, l.sig,
       l.legacy_recovery_key, l.legacy_handle, l.legacy_pds_service
FROM plc_log l
JOIN identity i ON i.identity_id = l.identity
LEFT JOIN key sk ON sk.key_id = l.atproto_signing
LEFT JOIN atproto_pds pds ON pds.pds_id = l.atproto_pds
LEFT JOIN plc_log p ON p.entry_id = l.prev
`

func scanRow(rows *sql.Rows) (row, error) {
	var r row
	err := rows.Scan(&r.entryID, &r.cidBytes, &r.did, &r.createdAt, &r.nullified, &r.opType,
		&r.alsoKnownAs, &r.signingKey, &r.pdsEndpoint, &r.prevCIDBytes, &r.sig,
		&r.legacyRecoveryKey, &r.legacyHandle, &r.legacyPDSService)
	return r, err
}

// hydrate loads the rotation-key, verification-method, and service
// satellite rows for one entry and rebuilds its PlcData.
func (s *Store) hydrate(ctx context.Context, r row) (plcdata.PlcData, error) {
	data := plcdata.PlcData{
		VerificationMethods: map[string]string{},
		Services:            map[string]plcdata.Service{},
	}

	if r.opType == "T" || r.opType == "C" {
		return plcdata.PlcData{}, nil
	}

	rkRows, err := s.readDB.QueryContext(ctx,
		`SELECT k.key FROM rotation_keys rk JOIN key k ON k.key_id = rk.key WHERE rk.entry = ? ORDER BY rk.authority`,
		r.entryID,
	)
	if err != nil {
		return data, fmt.Errorf("load rotation keys: %w", err)
	}
	for rkRows.Next() {
		var k string
		if err := rkRows.Scan(&k); err != nil {
			rkRows.Close()
			return data, err
		}
		data.RotationKeys = append(data.RotationKeys, k)
	}
	rkRows.Close()
	if err := rkRows.Err(); err != nil {
		return data, err
	}

	vmRows, err := s.readDB.QueryContext(ctx,
		`SELECT vm.service, k.key FROM verification_methods vm JOIN key k ON k.key_id = vm.key WHERE vm.entry = ?`,
		r.entryID,
	)
	if err != nil {
		return data, fmt.Errorf("load verification methods: %w", err)
	}
	for vmRows.Next() {
		var service, k string
		if err := vmRows.Scan(&service, &k); err != nil {
			vmRows.Close()
			return data, err
		}
		data.VerificationMethods[service] = k
	}
	vmRows.Close()
	if err := vmRows.Err(); err != nil {
		return data, err
	}
	if r.signingKey.Valid {
		data.VerificationMethods["atproto"] = r.signingKey.String
	}

	svcRows, err := s.readDB.QueryContext(ctx,
		`SELECT kind, type, endpoint FROM services WHERE entry = ?`,
		r.entryID,
	)
	if err != nil {
		return data, fmt.Errorf("load services: %w", err)
	}
	for svcRows.Next() {
		var kind, typ, endpoint string
		if err := svcRows.Scan(&kind, &typ, &endpoint); err != nil {
			svcRows.Close()
			return data, err
		}
		data.Services[kind] = plcdata.Service{Type: typ, Endpoint: endpoint}
	}
	svcRows.Close()
	if err := svcRows.Err(); err != nil {
		return data, err
	}
	if r.pdsEndpoint.Valid {
		data.Services["atproto_pds"] = plcdata.Service{Type: "AtprotoPersonalDataServer", Endpoint: r.pdsEndpoint.String}
	}

	if r.alsoKnownAs.Valid {
		if err := json.Unmarshal([]byte(r.alsoKnownAs.String), &data.AlsoKnownAs); err != nil {
			return data, fmt.Errorf("decode also_known_as: %w", err)
		}
	}

	return data, nil
}

// assemble rebuilds the SignedOperation this row represents and recomputes
// its CID, refusing to return a row whose recomputed CID differs from the
// one stored — the mirror's end-to-end integrity guarantee.
func (s *Store) assemble(ctx context.Context, r row) (plcdata.LogEntry, error) {
	data, err := s.hydrate(ctx, r)
	if err != nil {
		return plcdata.LogEntry{}, err
	}

	storedCID, err := cid.Cast(r.cidBytes)
	if err != nil {
		return plcdata.LogEntry{}, fmt.Errorf("store: decode stored cid: %w", err)
	}

	createdAt, err := time.Parse(createdAtLayout, r.createdAt)
	if err != nil {
		return plcdata.LogEntry{}, fmt.Errorf("store: decode created_at: %w", err)
	}

	var prev *cid.Cid
	if len(r.prevCIDBytes) > 0 {
		c, err := cid.Cast(r.prevCIDBytes)
		if err != nil {
			return plcdata.LogEntry{}, fmt.Errorf("store: decode prev cid: %w", err)
		}
		prev = &c
	}

	var op plcdata.Operation
	if r.opType == "C" {
		op = plcdata.Operation{
			Type:        plcdata.TypeLegacyCreate,
			SigningKey:  r.signingKey.String,
			RecoveryKey: r.legacyRecoveryKey.String,
			Handle:      r.legacyHandle.String,
			PDSService:  r.legacyPDSService.String,
		}
	} else {
		op = plcdata.Operation{Type: plcdata.OpType(opTypeName(r.opType)), PlcData: data, Prev: prev}
	}

	signed := plcdata.SignedOperation{Operation: op, Sig: r.sig}

	recomputed, err := signed.CID()
	if err != nil {
		return plcdata.LogEntry{}, fmt.Errorf("store: recompute cid: %w", err)
	}
	if recomputed != storedCID {
		return plcdata.LogEntry{}, fmt.Errorf("store: reassembled cid %s does not match stored cid %s", recomputed, storedCID)
	}

	return plcdata.LogEntry{
		DID:       r.did,
		Operation: signed,
		CID:       storedCID,
		Nullified: r.nullified,
		CreatedAt: createdAt,
	}, nil
}

func opTypeName(code string) string {
	switch code {
	case "O":
		return string(plcdata.TypeChange)
	case "T":
		return string(plcdata.TypeTombstone)
	default:
		return ""
	}
}

// AuditLog returns the full, time-ordered LogEntry log for a DID.
func (s *Store) AuditLog(ctx context.Context, did string) ([]plcdata.LogEntry, error) {
	rows, err := s.readDB.QueryContext(ctx,
		rowSelect+` WHERE i.did = ? ORDER BY l.created_at`, did,
	)
	if err != nil {
		return nil, fmt.Errorf("store: audit log: %w", err)
	}
	defer rows.Close()

	var entries []plcdata.LogEntry
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("store: audit log: scan: %w", err)
		}
		e, err := s.assemble(ctx, r)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LastActiveEntry returns the most recent non-nullified entry for a DID,
// or ok=false if there is none (unknown DID or every entry nullified).
func (s *Store) LastActiveEntry(ctx context.Context, did string) (plcdata.LogEntry, bool, error) {
	rows, err := s.readDB.QueryContext(ctx,
		rowSelect+` WHERE i.did = ? AND l.nullified = 0 ORDER BY l.created_at DESC LIMIT 1`, did,
	)
	if err != nil {
		return plcdata.LogEntry{}, false, fmt.Errorf("store: last active entry: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return plcdata.LogEntry{}, false, rows.Err()
	}
	r, err := scanRow(rows)
	if err != nil {
		return plcdata.LogEntry{}, false, fmt.Errorf("store: last active entry: scan: %w", err)
	}
	e, err := s.assemble(ctx, r)
	return e, true, err
}

// Data returns the current PlcData for a DID, derived from its last
// active (non-nullified) entry. found is false for an unknown DID;
// tombstoned is true if that last active entry is a tombstone (which
// carries no PlcData state).
func (s *Store) Data(ctx context.Context, did string) (data plcdata.PlcData, found, tombstoned bool, err error) {
	entry, ok, err := s.LastActiveEntry(ctx, did)
	if err != nil {
		return plcdata.PlcData{}, false, false, err
	}
	if !ok {
		var count int
		if err := s.readDB.QueryRowContext(ctx, `SELECT count(*) FROM identity WHERE did = ?`, did).Scan(&count); err != nil {
			return plcdata.PlcData{}, false, false, fmt.Errorf("store: data: %w", err)
		}
		return plcdata.PlcData{}, count > 0, false, nil
	}
	if entry.Operation.Operation.Type == plcdata.TypeTombstone {
		return plcdata.PlcData{}, true, true, nil
	}
	return entry.Operation.Operation.Project(), true, false, nil
}

// Export returns up to count LogEntry rows strictly after the given
// created_at, ordered by created_at ascending.
func (s *Store) Export(ctx context.Context, after time.Time, count int) ([]plcdata.LogEntry, error) {
	if count <= 0 {
		count = 10
	}
	if count > 1000 {
		count = 1000
	}

	var rows *sql.Rows
	var err error
	if after.IsZero() {
		rows, err = s.readDB.QueryContext(ctx, rowSelect+` ORDER BY l.created_at LIMIT ?`, count)
	} else {
		rows, err = s.readDB.QueryContext(ctx,
			rowSelect+` WHERE l.created_at > ? ORDER BY l.created_at LIMIT ?`,
			after.UTC().Format(createdAtLayout), count,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("store: export: %w", err)
	}
	defer rows.Close()

	var entries []plcdata.LogEntry
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("store: export: scan: %w", err)
		}
		e, err := s.assemble(ctx, r)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

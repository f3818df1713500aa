package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/primal-host/plc-mirror/internal/plcdata"
)

// Import upserts a batch of LogEntry rows within a single transaction:
// identity/key/pds rows first, then each plc_log row (idempotent on the
// cid uniqueness), then its satellite rows. Returns the created_at of the
// last entry imported and the count imported, for the importer's resume
// cursor.
func (s *Store) Import(ctx context.Context, entries []plcdata.LogEntry) (time.Time, int, error) {
	if len(entries) == 0 {
		return time.Time{}, 0, nil
	}

	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("store: import: begin tx: %w", err)
	}
	defer tx.Rollback()

	for i := range entries {
		if err := insertEntry(ctx, tx, &entries[i]); err != nil {
			return time.Time{}, 0, fmt.Errorf("store: import: entry %s: %w", entries[i].CID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return time.Time{}, 0, fmt.Errorf("store: import: commit: %w", err)
	}

	return entries[len(entries)-1].CreatedAt, len(entries), nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e *plcdata.LogEntry) error {
	identityID, err := upsertIdentity(ctx, tx, e.DID)
	if err != nil {
		return fmt.Errorf("upsert identity: %w", err)
	}

	code := opCode(string(e.Operation.Operation.Type))
	if code == "" {
		return fmt.Errorf("unknown operation type %q", e.Operation.Operation.Type)
	}

	var prevEntryID sql.NullInt64
	if p := e.Operation.Operation.Prev; p != nil {
		id, found, err := entryIDForCID(ctx, tx, *p)
		if err != nil {
			return fmt.Errorf("look up prev: %w", err)
		}
		if found {
			prevEntryID = sql.NullInt64{Int64: id, Valid: true}
		}
	}

	data := e.Operation.Operation.Project()

	var signingKeyID, pdsID sql.NullInt64
	var akaJSON []byte
	var legacyRecoveryKey, legacyHandle, legacyPDSService sql.NullString

	if code != "T" {
		signingKey, ok := data.SigningKey()
		if code == "C" {
			signingKey, ok = e.Operation.Operation.SigningKey, e.Operation.Operation.SigningKey != ""
			legacyRecoveryKey = sql.NullString{String: e.Operation.Operation.RecoveryKey, Valid: true}
			legacyHandle = sql.NullString{String: e.Operation.Operation.Handle, Valid: true}
			legacyPDSService = sql.NullString{String: e.Operation.Operation.PDSService, Valid: true}
		}
		if ok {
			id, err := upsertKey(ctx, tx, signingKey)
			if err != nil {
				return fmt.Errorf("upsert signing key: %w", err)
			}
			signingKeyID = sql.NullInt64{Int64: id, Valid: true}
		}
		if endpoint, ok := data.PDSEndpoint(); ok {
			id, err := upsertPDS(ctx, tx, endpoint)
			if err != nil {
				return fmt.Errorf("upsert pds: %w", err)
			}
			pdsID = sql.NullInt64{Int64: id, Valid: true}
		}
		akaJSON, err = json.Marshal(data.AlsoKnownAs)
		if err != nil {
			return fmt.Errorf("marshal also_known_as: %w", err)
		}
	}

	var entryID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO plc_log (cid, identity, created_at, nullified, type, also_known_as, atproto_signing, atproto_pds, prev, sig,
		                      legacy_recovery_key, legacy_handle, legacy_pds_service)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cid) DO UPDATE SET cid = excluded.cid
		RETURNING entry_id`,
		e.CID.Bytes(), identityID, e.CreatedAt.UTC().Format(createdAtLayout), boolToInt(e.Nullified),
		code, nullIfEmpty(akaJSON), signingKeyID, pdsID, prevEntryID, e.Operation.Sig,
		legacyRecoveryKey, legacyHandle, legacyPDSService,
	).Scan(&entryID)
	if err != nil {
		return fmt.Errorf("insert plc_log: %w", err)
	}

	if code == "T" {
		return nil
	}

	for i, rk := range data.RotationKeys {
		keyID, err := upsertKey(ctx, tx, rk)
		if err != nil {
			return fmt.Errorf("upsert rotation key: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rotation_keys (entry, authority, key) VALUES (?, ?, ?)
			ON CONFLICT(entry, authority) DO UPDATE SET key = excluded.key`,
			entryID, i, keyID,
		); err != nil {
			return fmt.Errorf("insert rotation key: %w", err)
		}
	}

	for service, key := range data.VerificationMethods {
		if service == "atproto" {
			continue
		}
		keyID, err := upsertKey(ctx, tx, key)
		if err != nil {
			return fmt.Errorf("upsert verification method key: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO verification_methods (entry, service, key) VALUES (?, ?, ?)
			ON CONFLICT(entry, service) DO UPDATE SET key = excluded.key`,
			entryID, service, keyID,
		); err != nil {
			return fmt.Errorf("insert verification method: %w", err)
		}
	}

	for kind, svc := range data.Services {
		if kind == "atproto_pds" && svc.Type == "AtprotoPersonalDataServer" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO services (entry, kind, type, endpoint) VALUES (?, ?, ?, ?)
			ON CONFLICT(entry, kind) DO UPDATE SET type = excluded.type, endpoint = excluded.endpoint`,
			entryID, kind, svc.Type, svc.Endpoint,
		); err != nil {
			return fmt.Errorf("insert service: %w", err)
		}
	}

	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(b []byte) any {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return string(b)
}

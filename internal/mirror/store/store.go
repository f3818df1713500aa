// Package store is the mirror's normalized SQLite persistence layer: a
// deduplicated identity/key/endpoint schema, a single-writer import
// transaction, and CID-checked reassembly back into the wire PlcData
// model.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"

	_ "modernc.org/sqlite"

	"github.com/primal-host/plc-mirror/internal/plcdata"
)

// createdAtLayout is the TEXT encoding used for plc_log.created_at. Unlike
// time.RFC3339Nano, it always renders the full 9-digit fractional second
// (never trimmed, never dropped entirely), so every stored value has the
// same width and a lexicographic TEXT ordering that agrees with
// chronological order — RFC3339Nano's trimming otherwise lets a
// whole-second timestamp (no ".", no fractional digits) sort after a
// same-second timestamp that does have a fraction, since '.' (0x2E) sorts
// below the digits that would follow it.
const createdAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store owns the mirror's database file. Writes are serialized through a
// single connection (writeDB, SetMaxOpenConns(1)); reads use a separate
// pooled connection so the HTTP server and auditor never block on the
// importer.
type Store struct {
	writeDB *sql.DB
	readDB  *sql.DB
}

// Open opens (and, if necessary, initializes) the mirror database file at
// path in WAL journaling mode. readOnly skips schema creation and opens
// only the read pool, for tooling that must never write (e.g. a
// stand-alone audit sweep run against a live mirror).
func Open(path string, readOnly bool) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)

	readDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open read pool: %w", err)
	}

	s := &Store{readDB: readDB}

	if readOnly {
		return s, nil
	}

	writeDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open write connection: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	s.writeDB = writeDB

	if _, err := writeDB.Exec(schema); err != nil {
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	return s, nil
}

// Close releases both connection pools.
func (s *Store) Close() error {
	var errs []error
	if s.writeDB != nil {
		if err := s.writeDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.readDB.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("store: close: %v", errs)
	}
	return nil
}

// LastCreatedAt returns the created_at of the most recent plc_log row, or
// the zero time if the mirror is empty. The importer resumes its export
// cursor from this value.
func (s *Store) LastCreatedAt(ctx context.Context) (time.Time, error) {
	var text sql.NullString
	err := s.readDB.QueryRowContext(ctx,
		`SELECT created_at FROM plc_log ORDER BY created_at DESC LIMIT 1`,
	).Scan(&text)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("store: last created at: %w", err)
	}
	if !text.Valid {
		return time.Time{}, nil
	}
	return time.Parse(createdAtLayout, text.String)
}

// TotalDIDs returns the number of distinct identities in the mirror.
func (s *Store) TotalDIDs(ctx context.Context) (int, error) {
	var n int
	err := s.readDB.QueryRowContext(ctx, `SELECT count(*) FROM identity`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: total dids: %w", err)
	}
	return n, nil
}

// DIDPage is one row of a ListDIDs page.
type DIDPage struct {
	IdentityID int64
	DID        string
}

// ListDIDs returns up to count identities with identity_id > after,
// ordered by identity_id, for the auditor's paginated sweep.
func (s *Store) ListDIDs(ctx context.Context, count int, after int64) ([]DIDPage, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT identity_id, did FROM identity WHERE identity_id > ? ORDER BY identity_id LIMIT ?`,
		after, count,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list dids: %w", err)
	}
	defer rows.Close()

	var out []DIDPage
	for rows.Next() {
		var p DIDPage
		if err := rows.Scan(&p.IdentityID, &p.DID); err != nil {
			return nil, fmt.Errorf("store: list dids: scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func upsertKey(ctx context.Context, tx *sql.Tx, key string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO key(key) VALUES (?) ON CONFLICT(key) DO UPDATE SET key = excluded.key RETURNING key_id`,
		key,
	).Scan(&id)
	return id, err
}

func upsertPDS(ctx context.Context, tx *sql.Tx, endpoint string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO atproto_pds(endpoint) VALUES (?) ON CONFLICT(endpoint) DO UPDATE SET endpoint = excluded.endpoint RETURNING pds_id`,
		endpoint,
	).Scan(&id)
	return id, err
}

func upsertIdentity(ctx context.Context, tx *sql.Tx, did string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO identity(did) VALUES (?) ON CONFLICT(did) DO UPDATE SET did = excluded.did RETURNING identity_id`,
		did,
	).Scan(&id)
	return id, err
}

func entryIDForCID(ctx context.Context, tx *sql.Tx, c cid.Cid) (int64, bool, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT entry_id FROM plc_log WHERE cid = ?`, c.Bytes()).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// Package service wires the mirror store to the outside world: an
// importer that keeps the store current with the upstream registry, an
// HTTP server that re-serves it in the same shape, and a bounded-
// parallelism auditor that sweeps every identity for validation errors.
package service

import (
	"context"
	"log"
	"time"

	"github.com/primal-host/plc-mirror/internal/mirror/store"
	"github.com/primal-host/plc-mirror/internal/registry"
)

// exportPageSize is the page size requested from the upstream registry.
// Importing fewer than this many entries means the importer has caught
// up and can back off.
const exportPageSize = 1000

// catchUpSleep is how long the importer sleeps between export attempts
// once it has caught up with the upstream log.
const catchUpSleep = 10 * time.Second

// RunImporter continuously exports new entries from client and imports
// them into s, starting from the store's last known created_at. It runs
// until ctx is cancelled, logging and retrying on transient failures
// rather than exiting.
func RunImporter(ctx context.Context, s *store.Store, client *registry.Client) {
	var after time.Time
	for {
		var err error
		after, err = s.LastCreatedAt(ctx)
		if err == nil {
			break
		}
		log.Printf("importer: failed to read resume cursor: %v", err)
		if !sleepOrDone(ctx, catchUpSleep) {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entries, err := client.Export(ctx, after, exportPageSize)
		if err != nil {
			log.Printf("importer: export failed: %v", err)
			if !sleepOrDone(ctx, catchUpSleep) {
				return
			}
			continue
		}

		if len(entries) == 0 {
			if !sleepOrDone(ctx, catchUpSleep) {
				return
			}
			continue
		}

		lastCreatedAt, imported, err := s.Import(ctx, entries)
		if err != nil {
			log.Printf("importer: import failed: %v", err)
			if !sleepOrDone(ctx, catchUpSleep) {
				return
			}
			continue
		}
		after = lastCreatedAt

		log.Printf("importer: imported %d entries (up to %s)", imported, after.Format(time.RFC3339))

		if imported < exportPageSize {
			if !sleepOrDone(ctx, catchUpSleep) {
				return
			}
		}
	}
}

// sleepOrDone sleeps for d, returning false if ctx is cancelled first.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

package service

import (
	"context"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/primal-host/plc-mirror/internal/audit"
	"github.com/primal-host/plc-mirror/internal/mirror/store"
)

// didPageSize is how many identities are drawn from the store per page,
// then fanned out across the worker pool.
const didPageSize = 10_000

// progressReportInterval throttles how often RunAuditor logs overall
// sweep progress.
const progressReportInterval = 60 * time.Second

// RunAuditor sweeps every identity in s, validating its audit log and
// logging any errors found. Parallelism is bounded to runtime.NumCPU()
// workers. It returns when the sweep completes or ctx is cancelled,
// whichever comes first.
func RunAuditor(ctx context.Context, s *store.Store) error {
	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}

	totalDIDs, err := s.TotalDIDs(ctx)
	if err != nil {
		return err
	}

	dids := make(chan store.DIDPage, workers)
	var totalAudited int64
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for page := range dids {
				auditOne(ctx, s, page)
				mu.Lock()
				totalAudited++
				mu.Unlock()
			}
		}()
	}

	progressDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(progressReportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-progressDone:
				return
			case <-ticker.C:
				mu.Lock()
				audited := totalAudited
				mu.Unlock()
				if totalDIDs > 0 {
					log.Printf("auditor: progress %.1f%% (%d/%d)",
						100*float64(audited)/float64(totalDIDs), audited, totalDIDs)
				}
			}
		}
	}()

	var after int64
feed:
	for {
		select {
		case <-ctx.Done():
			break feed
		default:
		}

		page, err := s.ListDIDs(ctx, didPageSize, after)
		if err != nil {
			log.Printf("auditor: failed to list dids: %v", err)
			break
		}
		if len(page) == 0 {
			break
		}
		after = page[len(page)-1].IdentityID

		for _, p := range page {
			select {
			case dids <- p:
			case <-ctx.Done():
				break feed
			}
		}
	}

	close(dids)
	wg.Wait()
	close(progressDone)

	log.Printf("auditor: finished sweep (%d/%d audited)", totalAudited, totalDIDs)
	return nil
}

func auditOne(ctx context.Context, s *store.Store, page store.DIDPage) {
	entries, err := s.AuditLog(ctx, page.DID)
	if err != nil {
		log.Printf("auditor: [%d] failed to load audit log for %s: %v", page.IdentityID, page.DID, err)
		return
	}

	if err := audit.Validate(page.DID, entries); err != nil {
		if errs, ok := err.(audit.Errors); ok {
			log.Printf("auditor: [%d] audit log for %s is invalid:", page.IdentityID, page.DID)
			for _, e := range errs {
				log.Printf("auditor: [%d] - %v", page.IdentityID, e)
			}
			return
		}
		log.Printf("auditor: [%d] audit log for %s is invalid: %v", page.IdentityID, page.DID, err)
	}
}

package engine

import (
	"context"
	"fmt"

	"github.com/BadgerOps/tapevault/internal/store"
)

// RetryScan dispatches every idle TRANSFERRING batch whose backoff has
// elapsed.
func (a *Archiver) RetryScan(ctx context.Context) error {
	batches, err := a.store.ListIdleBatches(store.BatchTransferring)
	if err != nil {
		return err
	}

	now := a.now()
	dispatched := 0
	for i := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		b := &batches[i]
		if !Eligible(b, a.opts.Backoff, now) {
			continue
		}
		if err := a.dispatchTransfer(b.ID); err != nil {
			a.logger.Error("dispatching retry failed", "batch", b.ID, "error", err)
			continue
		}
		dispatched++
	}
	if dispatched > 0 {
		a.logger.Info("retry scan dispatched batches", "count", dispatched, "idle", len(batches))
	}
	return nil
}

// Retry makes a FAILED or idle TRANSFERRING batch eligible immediately with
// a fresh retry budget and dispatches it.
func (a *Archiver) Retry(ctx context.Context, batchID string) error {
	if err := a.store.RequeueBatch(batchID); err != nil {
		return fmt.Errorf("requeueing batch: %w", err)
	}
	a.logger.Info("batch requeued", "batch", batchID)
	return a.dispatchTransfer(batchID)
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/BadgerOps/tapevault/internal/store"
)

// ItemReady is called whenever an item may have become ready. When the
// ready volume reaches the threshold, a batch is cut from exactly the items
// ready at that moment, their files are moved into the batch working
// directory and a transfer is dispatched. It never waits for the transfer.
// Batches left ACCUMULATING by an earlier staging failure are finished first.
func (a *Archiver) ItemReady(ctx context.Context) error {
	a.accumulateMu.Lock()
	defer a.accumulateMu.Unlock()

	a.finishStaging(ctx)

	ready, err := a.store.ListItems(store.ItemFilter{Status: store.ItemReady})
	if err != nil {
		return err
	}
	var total int64
	ids := make([]int64, 0, len(ready))
	for _, it := range ready {
		total += it.Size
		ids = append(ids, it.ID)
	}
	if len(ready) == 0 || total < a.opts.Threshold {
		a.logger.Debug("below batch threshold",
			"ready", humanize.Bytes(uint64(total)),
			"threshold", humanize.Bytes(uint64(a.opts.Threshold)),
		)
		return nil
	}

	b := &store.Batch{ID: uuid.NewString()}
	claimed, err := a.store.CreateBatch(b, ids)
	if err != nil {
		return err
	}
	if claimed == 0 {
		return nil
	}
	a.logger.Info("batch cut",
		"batch", b.ID,
		"items", claimed,
		"size", humanize.Bytes(uint64(total)),
	)

	if err := a.stageItems(b.ID); err != nil {
		// The batch stays ACCUMULATING until the next accumulation check
		return fmt.Errorf("staging batch %s: %w", b.ID, err)
	}
	if err := a.store.SetBatchStatus(b.ID, store.BatchAccumulating, store.BatchTransferring); err != nil {
		return err
	}
	return a.dispatchTransfer(b.ID)
}

// Recover repairs state left by a crash. It must run before the pools
// start: stale in-progress flags are cleared, interrupted moves are
// redone and batches that never left ACCUMULATING are promoted.
func (a *Archiver) Recover(ctx context.Context) error {
	n, err := a.store.ResetInProgress()
	if err != nil {
		return err
	}
	if n > 0 {
		a.logger.Info("cleared stale in-progress flags", "batches", n)
	}

	batches, err := a.store.ListUnfinishedBatches()
	if err != nil {
		return err
	}
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.stageItems(b.ID); err != nil {
			a.logger.Error("recovering batch items failed", "batch", b.ID, "error", err)
			continue
		}
		if b.Status == store.BatchAccumulating {
			if err := a.store.SetBatchStatus(b.ID, store.BatchAccumulating, store.BatchTransferring); err != nil {
				return err
			}
			a.logger.Info("promoted interrupted batch", "batch", b.ID)
		}
	}
	return nil
}

// finishStaging retries staging for idle batches still ACCUMULATING and
// dispatches the ones that make it through. Failures are logged and left
// for the next call.
func (a *Archiver) finishStaging(ctx context.Context) {
	batches, err := a.store.ListIdleBatches(store.BatchAccumulating)
	if err != nil {
		a.logger.Error("listing accumulating batches failed", "error", err)
		return
	}
	for _, b := range batches {
		if ctx.Err() != nil {
			return
		}
		if err := a.stageItems(b.ID); err != nil {
			a.logger.Warn("staging batch failed again", "batch", b.ID, "error", err)
			continue
		}
		if err := a.store.SetBatchStatus(b.ID, store.BatchAccumulating, store.BatchTransferring); err != nil {
			a.logger.Error("promoting batch failed", "batch", b.ID, "error", err)
			continue
		}
		a.logger.Info("staged batch after earlier failure", "batch", b.ID)
		if err := a.dispatchTransfer(b.ID); err != nil {
			a.logger.Error("dispatching batch failed", "batch", b.ID, "error", err)
		}
	}
}

// stageItems moves the files of every claimed item of a batch into its
// items directory. Items already at the target are left alone and items
// whose source is gone are taken out of the batch as MISSING.
func (a *Archiver) stageItems(batchID string) error {
	items, err := a.store.ListBatchItems(batchID)
	if err != nil {
		return err
	}
	dir := a.itemsDir(batchID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating items directory: %w", err)
	}

	for _, it := range items {
		if it.Status != store.ItemClaimed {
			continue
		}
		target := filepath.Join(dir, filepath.Base(it.Path))
		if it.Path == target {
			continue
		}

		if _, err := os.Stat(target); err == nil {
			// Moved before a crash, only the path update was lost
			if err := a.store.UpdateItemPath(it.ID, target); err != nil {
				return err
			}
			continue
		}
		if _, err := os.Stat(it.Path); errors.Is(err, os.ErrNotExist) {
			if err := a.dropMissing(batchID, &it); err != nil {
				return err
			}
			continue
		}

		if err := moveFile(it.Path, target); err != nil {
			return fmt.Errorf("moving item %d: %w", it.ID, err)
		}
		if err := a.store.UpdateItemPath(it.ID, target); err != nil {
			return err
		}
		a.logger.Debug("item staged", "item", it.ID, "path", target)
	}
	return nil
}

// dropMissing records a claimed item whose file is gone as MISSING so the
// rest of its batch can still be archived.
func (a *Archiver) dropMissing(batchID string, it *store.Item) error {
	msg := fmt.Sprintf("file %s missing while archiving batch %s", it.Path, batchID)
	if err := a.store.MarkItemMissing(it.ID, msg); err != nil {
		return err
	}
	a.logger.Warn("item source missing, removed from batch", "batch", batchID, "item", it.ID, "path", it.Path)
	return nil
}

// moveFile renames src to dst, copying across filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()

	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/BadgerOps/tapevault/internal/objrepo"
	"github.com/BadgerOps/tapevault/internal/store"
)

// buildRepository imports every item of a batch into the batch's object
// repository. Objects that are already present from an earlier attempt are
// only recorded on their item, and claimed items whose file has vanished are
// dropped from the batch. Any other failure aborts the build; the scratch
// area is kept so the next Open can finish or discard staged imports.
func (a *Archiver) buildRepository(ctx context.Context, batchID string) ([]store.Item, error) {
	items, err := a.store.ListBatchItems(batchID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("batch %s has no items", batchID)
	}

	repo, err := objrepo.Open(a.repoDir(batchID), a.logger.With("batch", batchID))
	if err != nil {
		return nil, err
	}

	kept := items[:0]
	imported, skipped := 0, 0
	for i := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		it := &items[i]
		if it.Status != store.ItemClaimed && it.Status != store.ItemImported {
			return nil, fmt.Errorf("item %d of batch %s has unexpected status %s", it.ID, batchID, it.Status)
		}

		oid, err := objrepo.DeriveObjectID(it.BagID)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", it.ID, err)
		}

		exists, err := repo.Has(oid)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", it.ID, err)
		}

		if !exists && it.Status == store.ItemClaimed {
			if _, err := os.Stat(it.Path); errors.Is(err, os.ErrNotExist) {
				if err := a.dropMissing(batchID, it); err != nil {
					return nil, err
				}
				continue
			}
		}

		var path string
		if exists {
			path, err = repo.ContentPath(oid)
			skipped++
		} else {
			path, err = repo.Import(oid, it.Path)
			imported++
		}
		if err != nil {
			return nil, fmt.Errorf("importing item %d: %w", it.ID, err)
		}

		if it.Status != store.ItemImported || it.ObjectID != oid || it.Path != path {
			if err := a.store.RecordImport(it.ID, oid, path); err != nil {
				return nil, err
			}
		}
		it.ObjectID = oid
		it.Path = path
		it.Status = store.ItemImported
		kept = append(kept, *it)
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("batch %s has no items left to archive", batchID)
	}

	if err := repo.Close(); err != nil {
		return nil, err
	}
	a.logger.Info("object repository built",
		"batch", batchID,
		"imported", imported,
		"already_present", skipped,
	)
	return kept, nil
}

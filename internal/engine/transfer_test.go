package engine

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BadgerOps/tapevault/internal/store"
	"github.com/BadgerOps/tapevault/internal/vault"
)

func TestAttemptTransferSuccess(t *testing.T) {
	h := newHarness(t, 50)
	h.vault.verifyFailures = 1
	b := h.cutBatch(t)

	if err := h.archiver.AttemptTransfer(context.Background(), b.ID); err != nil {
		t.Fatalf("AttemptTransfer() failed: %v", err)
	}

	got := h.batch(t, b.ID)
	if got.Status != store.BatchTransferred || got.InProgress {
		t.Errorf("batch = %s in_progress=%v, want idle TRANSFERRED", got.Status, got.InProgress)
	}
	if got.VaultPath != h.vault.Target(b.ID) {
		t.Errorf("VaultPath = %q, want %q", got.VaultPath, h.vault.Target(b.ID))
	}
	if len(got.Parts) != 1 || got.Parts[0].Checksum != "ab12" {
		t.Errorf("Parts = %+v, want the vault's checksum", got.Parts)
	}

	if len(h.vault.creates) != 1 || h.vault.creates[0] != filepath.Join(h.workDir, b.ID, "repo") {
		t.Errorf("Create calls = %v, want one for the repository", h.vault.creates)
	}
	if h.vault.verifies != 2 {
		t.Errorf("Verify calls = %d, want 2", h.vault.verifies)
	}

	for _, it := range h.items(t, b.ID) {
		if it.Status != store.ItemTransferred {
			t.Errorf("item %d = %s, want TRANSFERRED", it.ID, it.Status)
		}
		if !strings.HasPrefix(it.ObjectID, "urn:uuid:") {
			t.Errorf("item %d object id = %q", it.ID, it.ObjectID)
		}
		if _, err := os.Stat(it.Path); err != nil {
			t.Errorf("item %d content missing: %v", it.ID, err)
		}
	}

	// Registered before the transfer, then again with parts
	if len(h.catalog.regs) != 2 {
		t.Fatalf("catalog registrations = %d, want 2", len(h.catalog.regs))
	}
	if len(h.catalog.regs[0].Parts) != 0 || len(h.catalog.regs[1].Parts) != 1 {
		t.Errorf("registration parts = %d then %d, want 0 then 1",
			len(h.catalog.regs[0].Parts), len(h.catalog.regs[1].Parts))
	}
	if h.catalog.regs[1].VaultPath != got.VaultPath || len(h.catalog.regs[1].Items) != 2 {
		t.Errorf("final registration = %+v", h.catalog.regs[1])
	}
}

func TestAttemptTransferSkipsIntactPackage(t *testing.T) {
	h := newHarness(t, 50)
	b := h.cutBatch(t)

	if err := h.archiver.AttemptTransfer(context.Background(), b.ID); err != nil {
		t.Fatalf("AttemptTransfer() failed: %v", err)
	}
	if len(h.vault.creates) != 0 {
		t.Errorf("Create called %d times for an intact package", len(h.vault.creates))
	}
	if got := h.batch(t, b.ID); got.Status != store.BatchTransferred {
		t.Errorf("batch = %s, want TRANSFERRED", got.Status)
	}
}

func TestAttemptTransferCreateFails(t *testing.T) {
	h := newHarness(t, 50)
	h.vault.verifyFailures = 100
	h.vault.createErr = &vault.CommandError{Command: "dmftar -c", ExitCode: 2, Output: "connection refused", Err: errors.New("exit status 2")}
	b := h.cutBatch(t)

	err := h.archiver.AttemptTransfer(context.Background(), b.ID)
	if err == nil {
		t.Fatal("AttemptTransfer() succeeded, want error")
	}
	var cmdErr *vault.CommandError
	if !errors.As(err, &cmdErr) || cmdErr.ExitCode != 2 {
		t.Errorf("error = %v, want the command error", err)
	}

	got := h.batch(t, b.ID)
	if got.Status != store.BatchTransferring || got.InProgress {
		t.Errorf("batch = %s in_progress=%v, want idle TRANSFERRING", got.Status, got.InProgress)
	}
	if got.Attempts != 1 || got.LastAttemptAt.IsZero() || got.ErrorMessage == "" {
		t.Errorf("attempt not recorded: attempts=%d last=%v msg=%q", got.Attempts, got.LastAttemptAt, got.ErrorMessage)
	}
	if len(h.alerter.failed) != 0 {
		t.Errorf("unbounded retry raised alerts: %v", h.alerter.failed)
	}
}

func TestAttemptTransferRetryAfterImport(t *testing.T) {
	h := newHarness(t, 50)
	h.vault.verifyFailures = 100
	h.vault.createErr = errors.New("tape library offline")
	b := h.cutBatch(t)

	if err := h.archiver.AttemptTransfer(context.Background(), b.ID); err == nil {
		t.Fatal("first attempt succeeded, want error")
	}
	first := h.items(t, b.ID)
	for _, it := range first {
		if it.Status != store.ItemImported {
			t.Fatalf("item %d = %s after failed transfer, want IMPORTED", it.ID, it.Status)
		}
	}

	h.vault.verifyFailures = 1
	h.vault.createErr = nil
	if ok, err := h.store.TryBeginOperation(b.ID, store.BatchTransferring); err != nil || !ok {
		t.Fatalf("TryBeginOperation() = %v, %v", ok, err)
	}
	if err := h.archiver.AttemptTransfer(context.Background(), b.ID); err != nil {
		t.Fatalf("second attempt failed: %v", err)
	}

	second := h.items(t, b.ID)
	for i := range second {
		if second[i].ObjectID != first[i].ObjectID || second[i].Path != first[i].Path {
			t.Errorf("item %d changed between attempts: %+v -> %+v", second[i].ID, first[i], second[i])
		}
	}
	if got := h.batch(t, b.ID); got.Status != store.BatchTransferred || got.Attempts != 1 {
		t.Errorf("batch = %s attempts=%d, want TRANSFERRED after 1 failure", got.Status, got.Attempts)
	}
}

func TestAttemptTransferCancelled(t *testing.T) {
	h := newHarness(t, 50)
	b := h.cutBatch(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.archiver.AttemptTransfer(ctx, b.ID); !errors.Is(err, context.Canceled) {
		t.Fatalf("AttemptTransfer() error = %v, want context.Canceled", err)
	}

	got := h.batch(t, b.ID)
	if got.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0 for an interrupted attempt", got.Attempts)
	}
	if got.Status != store.BatchTransferring || got.InProgress {
		t.Errorf("batch = %s in_progress=%v, want idle TRANSFERRING", got.Status, got.InProgress)
	}
}

func TestAttemptTransferCatalogFailure(t *testing.T) {
	h := newHarness(t, 50)
	h.catalog.err = errors.New("catalog unavailable")
	b := h.cutBatch(t)

	if err := h.archiver.AttemptTransfer(context.Background(), b.ID); err == nil {
		t.Fatal("AttemptTransfer() succeeded, want error")
	}
	if len(h.vault.creates) != 0 || h.vault.verifies != 0 {
		t.Errorf("vault touched before the catalog accepted the batch")
	}
	if got := h.batch(t, b.ID); got.Status != store.BatchTransferring || got.Attempts != 1 {
		t.Errorf("batch = %s attempts=%d, want TRANSFERRING with 1 attempt", got.Status, got.Attempts)
	}
}

func TestAttemptTransferMaxAttempts(t *testing.T) {
	h := newHarness(t, 50)
	h.archiver.opts.MaxAttempts = 2
	h.vault.verifyFailures = 100
	h.vault.createErr = errors.New("tape library offline")
	b := h.cutBatch(t)

	if err := h.archiver.AttemptTransfer(context.Background(), b.ID); err == nil {
		t.Fatal("attempt 1 succeeded, want error")
	}
	if got := h.batch(t, b.ID); got.Status != store.BatchTransferring {
		t.Fatalf("batch = %s after 1 attempt, want TRANSFERRING", got.Status)
	}

	if ok, err := h.store.TryBeginOperation(b.ID, store.BatchTransferring); err != nil || !ok {
		t.Fatalf("TryBeginOperation() = %v, %v", ok, err)
	}
	if err := h.archiver.AttemptTransfer(context.Background(), b.ID); err == nil {
		t.Fatal("attempt 2 succeeded, want error")
	}
	got := h.batch(t, b.ID)
	if got.Status != store.BatchFailed || got.Attempts != 2 {
		t.Errorf("batch = %s attempts=%d, want FAILED after 2", got.Status, got.Attempts)
	}
	if len(h.alerter.failed) != 1 || h.alerter.failed[0] != b.ID {
		t.Errorf("alerts = %v, want one for %s", h.alerter.failed, b.ID)
	}

	// A FAILED batch is left alone by the retry scan until requeued
	h.archiver.now = func() time.Time { return time.Now().Add(1000 * time.Hour) }
	if err := h.archiver.RetryScan(context.Background()); err != nil {
		t.Fatalf("RetryScan() failed: %v", err)
	}
	if got := h.batch(t, b.ID); got.InProgress {
		t.Error("retry scan dispatched a FAILED batch")
	}

	if err := h.archiver.Retry(context.Background(), b.ID); err != nil {
		t.Fatalf("Retry() failed: %v", err)
	}
	got = h.batch(t, b.ID)
	if got.Status != store.BatchTransferring || got.Attempts != 0 || !got.InProgress {
		t.Errorf("requeued batch = %s attempts=%d in_progress=%v", got.Status, got.Attempts, got.InProgress)
	}
}

func TestAttemptTransferWrongStatus(t *testing.T) {
	h := newHarness(t, 50)
	b := h.cutBatch(t)
	if err := h.archiver.AttemptTransfer(context.Background(), b.ID); err != nil {
		t.Fatalf("AttemptTransfer() failed: %v", err)
	}
	if err := h.archiver.AttemptTransfer(context.Background(), b.ID); err == nil {
		t.Error("AttemptTransfer() on a TRANSFERRED batch succeeded, want error")
	}
}

func TestRetryScanHonoursBackoff(t *testing.T) {
	h := newHarness(t, 50)
	b := h.cutBatch(t)

	failedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if _, err := h.store.RecordAttemptFailure(b.ID, true, "dmftar: exit status 1", 0, failedAt); err != nil {
		t.Fatalf("RecordAttemptFailure() failed: %v", err)
	}

	// One failure waits 8h under the harness schedule
	h.archiver.now = func() time.Time { return failedAt.Add(7 * time.Hour) }
	if err := h.archiver.RetryScan(context.Background()); err != nil {
		t.Fatalf("RetryScan() failed: %v", err)
	}
	if got := h.batch(t, b.ID); got.InProgress {
		t.Fatal("batch dispatched before its backoff elapsed")
	}

	h.archiver.now = func() time.Time { return failedAt.Add(8 * time.Hour) }
	if err := h.archiver.RetryScan(context.Background()); err != nil {
		t.Fatalf("RetryScan() failed: %v", err)
	}
	if got := h.batch(t, b.ID); !got.InProgress {
		t.Error("eligible batch was not dispatched")
	}
}

func TestDispatchTransferReleasesFlagWhenPoolRefuses(t *testing.T) {
	h := newHarness(t, 50)
	b := h.cutBatch(t)
	if err := h.store.ClearInProgress(b.ID); err != nil {
		t.Fatalf("ClearInProgress() failed: %v", err)
	}

	h.archiver.transfers.Stop()
	if err := h.archiver.dispatchTransfer(b.ID); err != nil {
		t.Fatalf("dispatchTransfer() failed: %v", err)
	}
	if got := h.batch(t, b.ID); got.InProgress {
		t.Error("in-progress flag kept for a task that was never queued")
	}
}

func TestAttemptTransferDropsMissingSource(t *testing.T) {
	h := newHarness(t, 50)
	kept := h.addItem(t, 30)
	gone := h.addItem(t, 30)
	if err := os.Remove(gone.Path); err != nil {
		t.Fatal(err)
	}
	if err := h.archiver.ItemReady(context.Background()); err != nil {
		t.Fatalf("ItemReady() failed: %v", err)
	}
	batches, err := h.store.ListBatches("", 0)
	if err != nil || len(batches) != 1 {
		t.Fatalf("ListBatches() = %d, %v, want 1", len(batches), err)
	}
	b := batches[0]

	if err := h.archiver.AttemptTransfer(context.Background(), b.ID); err != nil {
		t.Fatalf("AttemptTransfer() failed: %v", err)
	}
	if got := h.batch(t, b.ID); got.Status != store.BatchTransferred || got.Attempts != 0 {
		t.Errorf("batch = %s attempts=%d, want TRANSFERRED with no failures", got.Status, got.Attempts)
	}

	items := h.items(t, b.ID)
	if len(items) != 1 || items[0].ID != kept.ID {
		t.Fatalf("batch items = %+v, want only item %d", items, kept.ID)
	}
	it, err := h.store.GetItem(gone.ID)
	if err != nil {
		t.Fatal(err)
	}
	if it.Status != store.ItemMissing || !strings.Contains(it.ErrorMessage, "missing") {
		t.Errorf("missing item = %s %q", it.Status, it.ErrorMessage)
	}
}

func TestAttemptTransferDropsItemVanishedAfterStaging(t *testing.T) {
	h := newHarness(t, 50)
	b := h.cutBatch(t)
	staged := h.items(t, b.ID)
	if err := os.Remove(staged[1].Path); err != nil {
		t.Fatal(err)
	}

	if err := h.archiver.AttemptTransfer(context.Background(), b.ID); err != nil {
		t.Fatalf("AttemptTransfer() failed: %v", err)
	}
	if got := h.batch(t, b.ID); got.Status != store.BatchTransferred {
		t.Errorf("batch = %s, want TRANSFERRED", got.Status)
	}
	last := h.catalog.regs[len(h.catalog.regs)-1]
	if len(last.Items) != 1 || last.Items[0].BagID != staged[0].BagID {
		t.Errorf("registered items = %+v, want only the staged survivor", last.Items)
	}
}

func TestAttemptTransferReleasesFlagWhenBatchUnreadable(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tapevault.db")
	h := newHarnessWithDB(t, 50, dbPath)
	b := h.cutBatch(t)
	if got := h.batch(t, b.ID); !got.InProgress {
		t.Fatal("cut batch was not flagged")
	}

	// Loading the batch now fails while plain updates still work
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if _, err := db.Exec("DROP TABLE parts"); err != nil {
		t.Fatalf("dropping parts: %v", err)
	}

	if err := h.archiver.AttemptTransfer(context.Background(), b.ID); err == nil {
		t.Fatal("AttemptTransfer() succeeded without a readable batch")
	}
	idle, err := h.store.ListIdleBatches(store.BatchTransferring)
	if err != nil {
		t.Fatalf("ListIdleBatches() failed: %v", err)
	}
	if len(idle) != 1 || idle[0].ID != b.ID {
		t.Errorf("idle batches = %+v, want the released batch", idle)
	}
}

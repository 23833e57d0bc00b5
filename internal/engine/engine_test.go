package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/BadgerOps/tapevault/internal/catalog"
	"github.com/BadgerOps/tapevault/internal/store"
	"github.com/BadgerOps/tapevault/internal/vault"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeVault keeps packages in memory.
type fakeVault struct {
	mu sync.Mutex

	verifyFailures int // Verify calls that fail before the first success
	createErr      error
	statuses       []vault.FileStatus
	statusErr      error
	sums           []vault.Checksum

	creates  []string
	deletes  []string
	verifies int
}

func (f *fakeVault) Target(batchID string) string { return "/vault/" + batchID + ".dmftar" }

func (f *fakeVault) Create(ctx context.Context, localDir, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	f.creates = append(f.creates, localDir)
	return f.createErr
}

func (f *fakeVault) Verify(ctx context.Context, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	f.verifies++
	if f.verifyFailures > 0 {
		f.verifyFailures--
		return &vault.CommandError{Command: "dmftar --verify", ExitCode: 1, Output: "archive not found", Err: errors.New("exit status 1")}
	}
	return nil
}

func (f *fakeVault) Delete(ctx context.Context, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, target)
	return errors.New("nothing to delete")
}

func (f *fakeVault) ListStatus(ctx context.Context, target string) ([]vault.FileStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses, f.statusErr
}

func (f *fakeVault) Checksums(ctx context.Context, target string) ([]vault.Checksum, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sums, nil
}

type fakeCatalog struct {
	mu   sync.Mutex
	regs []catalog.Registration
	err  error
}

func (f *fakeCatalog) RegisterBatch(ctx context.Context, reg catalog.Registration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs = append(f.regs, reg)
	return f.err
}

type fakeAlerter struct {
	mu     sync.Mutex
	failed []string
}

func (f *fakeAlerter) BatchFailed(batchID string, attempts int, lastError string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, batchID)
}

func (f *fakeAlerter) Close() {}

type harness struct {
	archiver *Archiver
	store    *store.Store
	vault    *fakeVault
	catalog  *fakeCatalog
	alerter  *fakeAlerter
	inbox    string
	workDir  string
}

func newHarness(t *testing.T, threshold int64) *harness {
	t.Helper()
	return newHarnessWithDB(t, threshold, ":memory:")
}

func newHarnessWithDB(t *testing.T, threshold int64, dbPath string) *harness {
	t.Helper()
	st, err := store.New(dbPath, testLogger())
	if err != nil {
		t.Fatalf("store.New() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	base := t.TempDir()
	h := &harness{
		store:   st,
		vault:   &fakeVault{sums: []vault.Checksum{{Index: 0, Name: "0000.tar", Algorithm: "SHA-256", Value: "ab12"}}},
		catalog: &fakeCatalog{},
		alerter: &fakeAlerter{},
		inbox:   filepath.Join(base, "inbox"),
		workDir: filepath.Join(base, "work"),
	}
	if err := os.MkdirAll(h.inbox, 0o755); err != nil {
		t.Fatalf("mkdir inbox: %v", err)
	}

	h.archiver = NewArchiver(st, h.vault, h.catalog, h.alerter, Options{
		WorkDir:         h.workDir,
		Threshold:       threshold,
		Backoff:         []time.Duration{time.Hour, 8 * time.Hour, 24 * time.Hour},
		RetryInterval:   time.Hour,
		ConfirmInterval: time.Hour,
		TransferWorkers: 1,
		ConfirmWorkers:  1,
	}, testLogger())
	t.Cleanup(h.archiver.Stop)
	return h
}

// addItem writes a package of size bytes to the inbox and registers it as
// READY.
func (h *harness) addItem(t *testing.T, size int) *store.Item {
	t.Helper()
	name := uuid.NewString()
	path := filepath.Join(h.inbox, name+".zip")
	if err := os.WriteFile(path, []byte(strings.Repeat("x", size)), 0o644); err != nil {
		t.Fatalf("writing package: %v", err)
	}
	it := &store.Item{
		DatasetID:      "doi:10.5072/" + name,
		DatasetVersion: "1.0",
		Path:           path,
		Size:           int64(size),
		BagID:          "urn:uuid:" + name,
		Status:         store.ItemReady,
	}
	if err := h.store.CreateItem(it); err != nil {
		t.Fatalf("CreateItem() failed: %v", err)
	}
	return it
}

// cutBatch adds two items crossing the threshold and returns the batch.
func (h *harness) cutBatch(t *testing.T) *store.Batch {
	t.Helper()
	h.addItem(t, 30)
	h.addItem(t, 30)
	if err := h.archiver.ItemReady(context.Background()); err != nil {
		t.Fatalf("ItemReady() failed: %v", err)
	}
	batches, err := h.store.ListBatches("", 0)
	if err != nil {
		t.Fatalf("ListBatches() failed: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}
	return &batches[0]
}

func (h *harness) batch(t *testing.T, id string) *store.Batch {
	t.Helper()
	b, err := h.store.GetBatch(id)
	if err != nil {
		t.Fatalf("GetBatch() failed: %v", err)
	}
	return b
}

func (h *harness) items(t *testing.T, batchID string) []store.Item {
	t.Helper()
	items, err := h.store.ListBatchItems(batchID)
	if err != nil {
		t.Fatalf("ListBatchItems() failed: %v", err)
	}
	return items
}

package copier

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bugvault/bugvault/database"
)

func testLedger(t *testing.T) *database.DB {
	t.Helper()
	cfg := database.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "ledger.db")
	db, err := database.New(cfg)
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// seedBatch writes real mirrored files under a temp root and records a
// batch over them, returning the batch id.
func seedBatch(t *testing.T, db *database.DB, files map[string]string) int64 {
	t.Helper()
	mirrorRoot := t.TempDir()

	var items []database.ItemInsert
	for rel, body := range files {
		localPath := filepath.Join(mirrorRoot, rel)
		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(localPath, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		items = append(items, database.ItemInsert{
			BugNo:        filepath.Dir(rel),
			LastModified: time.Unix(1000, 0),
			LocalPath:    localPath,
			S3Key:        "proj/02/" + rel,
		})
	}

	batch := database.BatchInsert{
		SyncID:       "01TESTSYNC",
		DateStamp:    "20260831",
		TimeStamp:    "1030",
		StageState:   "02",
		SyncRootPath: mirrorRoot,
		CreatedBy:    "alice",
		Items:        items,
	}
	if err := db.InsertBatches(context.Background(), []database.BatchInsert{batch}); err != nil {
		t.Fatalf("InsertBatches: %v", err)
	}

	batches, err := db.ListBatches(context.Background(), "alice")
	if err != nil || len(batches) == 0 {
		t.Fatalf("ListBatches: %v (%d)", err, len(batches))
	}
	return batches[0].ID
}

// flakyLedger delegates to the real ledger but fails the copied-path update
// from the second call on.
type flakyLedger struct {
	db    *database.DB
	calls int
}

func (f *flakyLedger) GetBatch(ctx context.Context, batchID int64) (*database.DownloadBatch, error) {
	return f.db.GetBatch(ctx, batchID)
}

func (f *flakyLedger) ListPendingItems(ctx context.Context, batchID int64) ([]*database.DownloadItem, error) {
	return f.db.ListPendingItems(ctx, batchID)
}

func (f *flakyLedger) SetItemCopiedPath(ctx context.Context, itemID int64, path string) error {
	f.calls++
	if f.calls >= 2 {
		return database.ErrTransactionFailed
	}
	return f.db.SetItemCopiedPath(ctx, itemID, path)
}

func fixedClock() func() time.Time {
	at := time.Date(2026, 8, 31, 10, 30, 0, 0, time.UTC)
	return func() time.Time { return at }
}

// TestExecute_CopiesLiveAndVersioned covers the dual layout: live copy
// under destRoot/bugNo and dated copy under destRoot/yyyyMM/yyyyMMdd/bugNo.
func TestExecute_CopiesLiveAndVersioned(t *testing.T) {
	db := testLedger(t)
	batchID := seedBatch(t, db, map[string]string{
		"BUG-1/log.txt":   "hello",
		"BUG-2/trace.log": "goodbye",
	})

	c := New(db)
	c.SetClock(fixedClock())

	destRoot := t.TempDir()
	if err := c.Execute(context.Background(), batchID, destRoot); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	for file, want := range map[string]string{
		filepath.Join(destRoot, "BUG-1", "log.txt"):                         "hello",
		filepath.Join(destRoot, "BUG-2", "trace.log"):                       "goodbye",
		filepath.Join(destRoot, "202608", "20260831", "BUG-1", "log.txt"):   "hello",
		filepath.Join(destRoot, "202608", "20260831", "BUG-2", "trace.log"): "goodbye",
	} {
		got, err := os.ReadFile(file)
		if err != nil {
			t.Fatalf("missing copy %s: %v", file, err)
		}
		if string(got) != want {
			t.Errorf("%s = %q, want %q", file, got, want)
		}
	}

	pending, err := db.ListPendingItems(context.Background(), batchID)
	if err != nil {
		t.Fatalf("ListPendingItems: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("%d items still pending after copy", len(pending))
	}
}

// TestExecute_SecondRunSkipsSettledItems re-runs the copy and checks it is
// a noop: no second version folder, no ledger changes.
func TestExecute_SecondRunSkipsSettledItems(t *testing.T) {
	db := testLedger(t)
	batchID := seedBatch(t, db, map[string]string{"BUG-1/log.txt": "hello"})

	c := New(db)
	c.SetClock(fixedClock())

	destRoot := t.TempDir()
	for i := 0; i < 2; i++ {
		if err := c.Execute(context.Background(), batchID, destRoot); err != nil {
			t.Fatalf("Execute pass %d: %v", i+1, err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(destRoot, "202608"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "20260831" {
		t.Errorf("version folders = %v, want just 20260831", entries)
	}
}

// TestExecute_VersionFolderCollisionSuffix pins the _02, _03 suffix
// sequence for repeated runs on the same day with new pending items.
func TestExecute_VersionFolderCollisionSuffix(t *testing.T) {
	destRoot := t.TempDir()
	at := time.Date(2026, 8, 31, 10, 30, 0, 0, time.UTC)

	want := []string{"20260831", "20260831_02", "20260831_03"}
	for _, name := range want {
		got, err := allocateVersionDir(destRoot, at)
		if err != nil {
			t.Fatalf("allocateVersionDir: %v", err)
		}
		if filepath.Base(got) != name {
			t.Errorf("allocated %s, want %s", filepath.Base(got), name)
		}
	}
}

// TestExecute_MissingDestinationFails verifies the destination
// pre-condition.
func TestExecute_MissingDestinationFails(t *testing.T) {
	db := testLedger(t)
	batchID := seedBatch(t, db, map[string]string{"BUG-1/log.txt": "hello"})

	c := New(db)
	err := c.Execute(context.Background(), batchID, "/nonexistent/bugvault-copy")
	if !errors.Is(err, ErrDestinationMissing) {
		t.Fatalf("error = %v, want ErrDestinationMissing", err)
	}
}

// TestExecute_UnknownBatchFails verifies an id with no ledger row is
// rejected before anything is copied.
func TestExecute_UnknownBatchFails(t *testing.T) {
	db := testLedger(t)

	c := New(db)
	destRoot := t.TempDir()
	if err := c.Execute(context.Background(), 999, destRoot); err == nil {
		t.Fatal("expected error for unknown batch")
	}

	entries, err := os.ReadDir(destRoot)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("destination not empty: %v", entries)
	}
}

// TestExecute_CopyFailureCleansUpAndKeepsItemsPending forces a copy
// failure on the second item and checks the first item's fresh copies are
// removed while both items remain pending.
func TestExecute_CopyFailureCleansUpAndKeepsItemsPending(t *testing.T) {
	db := testLedger(t)
	batchID := seedBatch(t, db, map[string]string{
		"BUG-1/log.txt":   "hello",
		"BUG-2/trace.log": "goodbye",
	})

	// Break the second item's source after seeding. Pending items are
	// ordered by bug number, so BUG-1 copies first.
	items, err := db.ListPendingItems(context.Background(), batchID)
	if err != nil || len(items) != 2 {
		t.Fatalf("ListPendingItems: %v (%d)", err, len(items))
	}
	if err := os.Remove(items[1].LocalPath); err != nil {
		t.Fatalf("remove source: %v", err)
	}

	c := New(db)
	c.SetClock(fixedClock())

	destRoot := t.TempDir()
	if err := c.Execute(context.Background(), batchID, destRoot); err == nil {
		t.Fatal("expected copy failure")
	}

	if _, err := os.Stat(filepath.Join(destRoot, "BUG-1", "log.txt")); !os.IsNotExist(err) {
		t.Error("BUG-1 live copy survived cleanup")
	}

	// BUG-1's ledger row settled before the failure and stays settled.
	pending, err := db.ListPendingItems(context.Background(), batchID)
	if err != nil {
		t.Fatalf("ListPendingItems: %v", err)
	}
	if len(pending) != 1 || pending[0].BugNo != "BUG-2" {
		t.Errorf("pending after failure = %+v, want just BUG-2", pending)
	}
}

// TestExecute_LedgerFailureRemovesOnlyFailingItemCopies forces the
// copied-path update to fail on the second item and checks the failing
// item's two fresh copies are removed while the first item's copies and
// settled ledger row survive.
func TestExecute_LedgerFailureRemovesOnlyFailingItemCopies(t *testing.T) {
	db := testLedger(t)
	batchID := seedBatch(t, db, map[string]string{
		"BUG-1/log.txt":   "hello",
		"BUG-2/trace.log": "goodbye",
	})

	c := New(&flakyLedger{db: db})
	c.SetClock(fixedClock())

	destRoot := t.TempDir()
	err := c.Execute(context.Background(), batchID, destRoot)
	if !errors.Is(err, database.ErrTransactionFailed) {
		t.Fatalf("error = %v, want ErrTransactionFailed", err)
	}

	// BUG-1 settled before the failure: both copies stay put.
	for _, file := range []string{
		filepath.Join(destRoot, "BUG-1", "log.txt"),
		filepath.Join(destRoot, "202608", "20260831", "BUG-1", "log.txt"),
	} {
		if _, err := os.Stat(file); err != nil {
			t.Errorf("settled copy %s removed: %v", file, err)
		}
	}

	// BUG-2's copies were made but its row never settled, so both go.
	for _, file := range []string{
		filepath.Join(destRoot, "BUG-2", "trace.log"),
		filepath.Join(destRoot, "202608", "20260831", "BUG-2", "trace.log"),
	} {
		if _, err := os.Stat(file); !os.IsNotExist(err) {
			t.Errorf("unsettled copy %s survived cleanup", file)
		}
	}

	pending, err := db.ListPendingItems(context.Background(), batchID)
	if err != nil {
		t.Fatalf("ListPendingItems: %v", err)
	}
	if len(pending) != 1 || pending[0].BugNo != "BUG-2" {
		t.Errorf("pending after failure = %+v, want just BUG-2", pending)
	}
}

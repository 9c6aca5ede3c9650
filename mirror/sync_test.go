package mirror

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bugvault/bugvault/database"
	"github.com/bugvault/bugvault/perf"
	"github.com/bugvault/bugvault/s3"
	"github.com/bugvault/bugvault/stage"
)

// fakeStore serves canned listings and object bodies from memory.
type fakeStore struct {
	folders  map[string][]string    // listing prefix -> bug folder prefixes
	objects  map[string][]s3.Object // bug folder prefix -> objects
	content  map[string][]byte      // key -> body
	failList map[string]error       // listing prefix -> forced error
	failGet  map[string]error       // key -> forced error
}

func (f *fakeStore) ListCommonPrefixes(_ context.Context, prefix string) ([]string, error) {
	if err := f.failList[prefix]; err != nil {
		return nil, err
	}
	return f.folders[prefix], nil
}

func (f *fakeStore) ListObjects(_ context.Context, prefix string) ([]s3.Object, error) {
	if err := f.failList[prefix]; err != nil {
		return nil, err
	}
	return f.objects[prefix], nil
}

func (f *fakeStore) GetObjectStream(_ context.Context, key string) (io.ReadCloser, error) {
	if err := f.failGet[key]; err != nil {
		return nil, err
	}
	body, ok := f.content[key]
	if !ok {
		return nil, s3.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

// failingLedger rejects every insert.
type failingLedger struct{}

func (failingLedger) InsertBatches(context.Context, []database.BatchInsert) error {
	return database.ErrTransactionFailed
}

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

func testCatalog(t *testing.T) *stage.Catalog {
	t.Helper()
	c, err := stage.NewCatalog([]stage.Stage{
		{Code: "02", PathPrefix: "02_evidence", InFlightMarker: "incoming", DownloadEligible: true},
		{Code: "03", PathPrefix: "03_review", InFlightMarker: "incoming", DownloadEligible: true},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return c
}

func twoFolderStore() *fakeStore {
	return &fakeStore{
		folders: map[string][]string{
			"proj/02_evidence/incoming/": {
				"proj/02_evidence/incoming/BUG-1/",
				"proj/02_evidence/incoming/BUG-2/",
			},
		},
		objects: map[string][]s3.Object{
			"proj/02_evidence/incoming/BUG-1/": {
				{Key: "proj/02_evidence/incoming/BUG-1/log.txt", Size: 5, LastModified: time.Unix(1000, 0)},
			},
			"proj/02_evidence/incoming/BUG-2/": {
				{Key: "proj/02_evidence/incoming/BUG-2/trace.log", Size: 7, LastModified: time.Unix(2000, 0)},
			},
		},
		content: map[string][]byte{
			"proj/02_evidence/incoming/BUG-1/log.txt":   []byte("hello"),
			"proj/02_evidence/incoming/BUG-2/trace.log": []byte("goodbye"),
		},
	}
}

func fixedClock() func() time.Time {
	at := time.Date(2026, 8, 31, 10, 30, 0, 0, time.UTC)
	return func() time.Time { return at }
}

// TestDownload_MirrorsFoldersAndRecordsBatch covers the happy path: files on
// disk under stage/date/time/bugNo, one batch with item count 2, empty
// copied paths.
func TestDownload_MirrorsFoldersAndRecordsBatch(t *testing.T) {
	ledger := testLedger(t)
	syncer := NewSyncer(twoFolderStore(), ledger, testCatalog(t), "proj")
	syncer.SetClock(fixedClock())

	destRoot := t.TempDir()
	if err := syncer.Download(context.Background(), []string{"02"}, destRoot, "alice"); err != nil {
		t.Fatalf("Download: %v", err)
	}

	for file, want := range map[string]string{
		filepath.Join(destRoot, "02", "20260831", "1030", "BUG-1", "log.txt"):   "hello",
		filepath.Join(destRoot, "02", "20260831", "1030", "BUG-2", "trace.log"): "goodbye",
	} {
		got, err := os.ReadFile(file)
		if err != nil {
			t.Fatalf("missing mirrored file %s: %v", file, err)
		}
		if string(got) != want {
			t.Errorf("%s = %q, want %q", file, got, want)
		}
	}

	batches, err := ledger.ListBatches(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ListBatches: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}
	b := batches[0]
	if b.ItemCount != 2 || b.StageState != "02" || b.DateStamp != "20260831" || b.TimeStamp != "1030" {
		t.Errorf("unexpected batch %+v", b)
	}
	if b.SyncID == "" {
		t.Error("batch missing sync id")
	}

	items, err := ledger.ListPendingItems(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("ListPendingItems: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	for _, it := range items {
		if it.CopiedPath != "" {
			t.Errorf("item %s: copied path %q, want empty", it.BugNo, it.CopiedPath)
		}
		if it.S3Key == "" || it.LocalPath == "" {
			t.Errorf("item %s missing provenance: %+v", it.BugNo, it)
		}
	}
}

// TestDownload_NoInFlightFoldersIsNoop verifies that stages with nothing
// in flight create no batch and no directories.
func TestDownload_NoInFlightFoldersIsNoop(t *testing.T) {
	store := &fakeStore{
		folders: map[string][]string{
			"proj/02_evidence/incoming/": nil,
		},
	}
	ledger := testLedger(t)
	syncer := NewSyncer(store, ledger, testCatalog(t), "proj")
	syncer.SetClock(fixedClock())

	destRoot := t.TempDir()
	if err := syncer.Download(context.Background(), []string{"02"}, destRoot, "alice"); err != nil {
		t.Fatalf("Download: %v", err)
	}

	entries, err := os.ReadDir(destRoot)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("destination not empty: %v", entries)
	}

	batches, err := ledger.ListBatches(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ListBatches: %v", err)
	}
	if len(batches) != 0 {
		t.Errorf("got %d batches, want 0", len(batches))
	}
}

// TestDownload_MissingDestinationFails verifies the pre-condition on the
// local root.
func TestDownload_MissingDestinationFails(t *testing.T) {
	syncer := NewSyncer(twoFolderStore(), testLedger(t), testCatalog(t), "proj")

	err := syncer.Download(context.Background(), []string{"02"}, "/nonexistent/bugvault-dest", "alice")
	if !errors.Is(err, ErrDestinationMissing) {
		t.Fatalf("error = %v, want ErrDestinationMissing", err)
	}
}

// TestDownload_LedgerFailureRollsBackDirectories verifies the compensating
// cleanup when the batch insert fails.
func TestDownload_LedgerFailureRollsBackDirectories(t *testing.T) {
	syncer := NewSyncer(twoFolderStore(), failingLedger{}, testCatalog(t), "proj")
	syncer.SetClock(fixedClock())

	destRoot := t.TempDir()
	err := syncer.Download(context.Background(), []string{"02"}, destRoot, "alice")
	if !errors.Is(err, database.ErrTransactionFailed) {
		t.Fatalf("error = %v, want ErrTransactionFailed", err)
	}

	if _, err := os.Stat(filepath.Join(destRoot, "02")); !os.IsNotExist(err) {
		t.Error("stage directory survived ledger rollback")
	}
}

// TestDownload_RollbackKeepsEarlierDownloads verifies that the compensating
// cleanup removes only the directories created by the failed invocation,
// leaving stage directories from earlier downloads intact.
func TestDownload_RollbackKeepsEarlierDownloads(t *testing.T) {
	syncer := NewSyncer(twoFolderStore(), failingLedger{}, testCatalog(t), "proj")
	syncer.SetClock(fixedClock())

	destRoot := t.TempDir()
	earlier := filepath.Join(destRoot, "02", "20260101", "0900", "BUG-0")
	if err := os.MkdirAll(earlier, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(earlier, "old.txt"), []byte("old"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	err := syncer.Download(context.Background(), []string{"02"}, destRoot, "alice")
	if !errors.Is(err, database.ErrTransactionFailed) {
		t.Fatalf("error = %v, want ErrTransactionFailed", err)
	}

	if _, err := os.Stat(filepath.Join(earlier, "old.txt")); err != nil {
		t.Errorf("earlier download removed by rollback: %v", err)
	}
	if _, err := os.Stat(filepath.Join(destRoot, "02", "20260831")); !os.IsNotExist(err) {
		t.Error("failed invocation's date directory survived rollback")
	}
}

// TestDownload_AllStreamsFailedSkipsBatch verifies that a stage whose every
// object stream fails records no batch and leaves no directories behind.
func TestDownload_AllStreamsFailedSkipsBatch(t *testing.T) {
	store := twoFolderStore()
	store.failGet = map[string]error{
		"proj/02_evidence/incoming/BUG-1/log.txt":   s3.ErrStoreUnavailable,
		"proj/02_evidence/incoming/BUG-2/trace.log": s3.ErrStoreUnavailable,
	}

	ledger := testLedger(t)
	syncer := NewSyncer(store, ledger, testCatalog(t), "proj")
	syncer.SetClock(fixedClock())

	destRoot := t.TempDir()
	if err := syncer.Download(context.Background(), []string{"02"}, destRoot, "alice"); err != nil {
		t.Fatalf("Download: %v", err)
	}

	batches, err := ledger.ListBatches(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ListBatches: %v", err)
	}
	if len(batches) != 0 {
		t.Errorf("got %d batches, want 0", len(batches))
	}
	if _, err := os.Stat(filepath.Join(destRoot, "02")); !os.IsNotExist(err) {
		t.Error("stage directory left behind without a batch")
	}
}

// TestDownload_StreamFailureIsBestEffort verifies that a single failed
// object stream skips the file but keeps the batch.
func TestDownload_StreamFailureIsBestEffort(t *testing.T) {
	store := twoFolderStore()
	store.failGet = map[string]error{
		"proj/02_evidence/incoming/BUG-1/log.txt": s3.ErrStoreUnavailable,
	}

	ledger := testLedger(t)
	syncer := NewSyncer(store, ledger, testCatalog(t), "proj")
	syncer.SetClock(fixedClock())

	destRoot := t.TempDir()
	if err := syncer.Download(context.Background(), []string{"02"}, destRoot, "alice"); err != nil {
		t.Fatalf("Download: %v", err)
	}

	batches, err := ledger.ListBatches(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ListBatches: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}
	if batches[0].ItemCount != 1 {
		t.Errorf("ItemCount = %d, want 1 (failed stream skipped)", batches[0].ItemCount)
	}
}

// TestDownload_ListingFailureAbortsAndRollsBack verifies that a bug-folder
// listing failure fails the whole invocation and removes created
// directories.
func TestDownload_ListingFailureAbortsAndRollsBack(t *testing.T) {
	store := twoFolderStore()
	store.failList = map[string]error{
		"proj/02_evidence/incoming/BUG-2/": s3.ErrStoreUnavailable,
	}

	syncer := NewSyncer(store, testLedger(t), testCatalog(t), "proj")
	syncer.SetClock(fixedClock())

	destRoot := t.TempDir()
	err := syncer.Download(context.Background(), []string{"02"}, destRoot, "alice")
	if !errors.Is(err, s3.ErrStoreUnavailable) {
		t.Fatalf("error = %v, want ErrStoreUnavailable", err)
	}

	if _, statErr := os.Stat(filepath.Join(destRoot, "02")); !os.IsNotExist(statErr) {
		t.Error("stage directory survived abort")
	}
}

// TestDownload_PopulatesContextMetrics verifies a caller-seeded SyncMetrics
// sees the invocation's folder and file counts.
func TestDownload_PopulatesContextMetrics(t *testing.T) {
	ledger := testLedger(t)
	syncer := NewSyncer(twoFolderStore(), ledger, testCatalog(t), "proj")
	syncer.SetClock(fixedClock())

	syncMetrics := perf.NewSyncMetrics()
	ctx := perf.WithMetrics(context.Background(), syncMetrics)

	if err := syncer.Download(ctx, []string{"02"}, t.TempDir(), "alice"); err != nil {
		t.Fatalf("Download: %v", err)
	}

	if syncMetrics.FolderCount != 2 || syncMetrics.FileCount != 2 {
		t.Errorf("folders=%d files=%d, want 2/2", syncMetrics.FolderCount, syncMetrics.FileCount)
	}
	if syncMetrics.ByteCount != int64(len("hello")+len("goodbye")) {
		t.Errorf("bytes=%d", syncMetrics.ByteCount)
	}
}

// TestDownload_MultipleStagesOneTransaction verifies that two stages with
// in-flight folders produce two batches in one call.
func TestDownload_MultipleStagesOneTransaction(t *testing.T) {
	store := twoFolderStore()
	store.folders["proj/03_review/incoming/"] = []string{"proj/03_review/incoming/BUG-9/"}
	store.objects["proj/03_review/incoming/BUG-9/"] = []s3.Object{
		{Key: "proj/03_review/incoming/BUG-9/report.pdf", Size: 3, LastModified: time.Unix(3000, 0)},
	}
	store.content["proj/03_review/incoming/BUG-9/report.pdf"] = []byte("pdf")

	ledger := testLedger(t)
	syncer := NewSyncer(store, ledger, testCatalog(t), "proj")
	syncer.SetClock(fixedClock())

	destRoot := t.TempDir()
	if err := syncer.Download(context.Background(), []string{"02", "03"}, destRoot, "alice"); err != nil {
		t.Fatalf("Download: %v", err)
	}

	batches, err := ledger.ListBatches(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ListBatches: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2", len(batches))
	}

	seen := map[string]int{}
	for _, b := range batches {
		seen[b.StageState] = b.ItemCount
	}
	if seen["02"] != 2 || seen["03"] != 1 {
		t.Errorf("batch item counts = %v", seen)
	}
}

// Package mirror downloads in-flight bug folders from the object store into
// a local, date-and-time-stamped directory tree and records each invocation
// as a ledger batch.
//
// One invocation produces at most one batch per selected stage; stages with
// no in-flight folders are skipped entirely and never create an empty batch.
// All batches of an invocation are inserted in a single ledger transaction;
// if that transaction fails, every destination directory created by the
// invocation is removed again.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bugvault/bugvault/database"
	"github.com/bugvault/bugvault/metrics"
	"github.com/bugvault/bugvault/perf"
	"github.com/bugvault/bugvault/s3"
	"github.com/bugvault/bugvault/stage"
)

var tracer = otel.Tracer("bugvault-mirror")

// ErrDestinationMissing indicates the local destination root does not exist.
// The caller must create or pick an existing directory; the engine never
// creates the root itself.
var ErrDestinationMissing = errors.New("destination directory does not exist")

// ObjectStore is the object-store subset the syncer needs.
type ObjectStore interface {
	ListCommonPrefixes(ctx context.Context, prefix string) ([]string, error)
	ListObjects(ctx context.Context, prefix string) ([]s3.Object, error)
	GetObjectStream(ctx context.Context, key string) (io.ReadCloser, error)
}

// Ledger is the ledger subset the syncer needs.
type Ledger interface {
	InsertBatches(ctx context.Context, batches []database.BatchInsert) error
}

// Syncer mirrors in-flight bug folders to local storage.
type Syncer struct {
	store   ObjectStore
	ledger  Ledger
	catalog *stage.Catalog
	root    string // bucket folder the stage prefixes live under, may be empty
	logger  *logrus.Logger
	now     func() time.Time
}

// NewSyncer creates a syncer over the given store, ledger and catalog.
func NewSyncer(store ObjectStore, ledger Ledger, catalog *stage.Catalog, root string) *Syncer {
	return &Syncer{
		store:   store,
		ledger:  ledger,
		catalog: catalog,
		root:    root,
		logger:  logrus.New(),
		now:     time.Now,
	}
}

// SetLogger sets a custom logger for the syncer.
func (s *Syncer) SetLogger(logger *logrus.Logger) {
	s.logger = logger
}

// SetClock overrides the time source. Used by tests for deterministic
// destination stamps.
func (s *Syncer) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Syncer) remotePrefix(parts ...string) string {
	p := ""
	if s.root != "" {
		p = s.root + "/"
	}
	for _, part := range parts {
		p += part + "/"
	}
	return p
}

// folderResult carries the provenance of one downloaded bug folder back
// through the fan-in join.
type folderResult struct {
	items []database.ItemInsert
	err   error
}

// Download mirrors the in-flight bug folders of the selected stages into
// destRoot, then records one ledger batch per non-empty stage inside a
// single transaction. actor is stored as the batch creator.
//
// The per-folder downloads of a stage run concurrently; the invocation waits
// for all of them and fails if any folder failed. Individual object streams
// that fail are logged and skipped without failing the folder.
func (s *Syncer) Download(ctx context.Context, stageCodes []string, destRoot, actor string) error {
	ctx, span := tracer.Start(ctx, "mirror.download")
	defer span.End()

	if fi, err := os.Stat(destRoot); err != nil || !fi.IsDir() {
		return fmt.Errorf("%w: %s", ErrDestinationMissing, destRoot)
	}

	syncID := ulid.Make().String()
	span.SetAttributes(attribute.String("sync_id", syncID))

	logger := s.logger.WithFields(logrus.Fields{
		"sync_id": syncID,
		"actor":   actor,
		"dest":    destRoot,
	})

	selected := make(map[string]struct{}, len(stageCodes))
	for _, code := range stageCodes {
		selected[code] = struct{}{}
	}

	started := time.Now()

	now := s.now()
	ymd := now.Format("20060102")
	hm := now.Format("1504")

	// Callers can pre-seed the context with a SyncMetrics to observe the
	// invocation's phase timings and counts.
	syncMetrics := perf.MetricsFromContext(ctx)
	if syncMetrics == nil {
		syncMetrics = perf.NewSyncMetrics()
	}

	var batches []database.BatchInsert
	var createdDirs []string

	rollback := func() {
		for _, dir := range createdDirs {
			if err := os.RemoveAll(dir); err != nil {
				logger.WithError(err).WithField("dir", dir).Warn("failed to roll back destination directory")
			}
		}
	}

	for _, st := range s.catalog.DownloadEligible() {
		if _, ok := selected[st.Code]; !ok {
			continue
		}

		resolveTimer := perf.Start("resolve-in-flight", logger)
		bugPrefixes, err := s.store.ListCommonPrefixes(ctx, s.remotePrefix(st.PathPrefix, st.InFlightMarker))
		syncMetrics.RecordResolve(resolveTimer.Stop())
		if err != nil {
			rollback()
			return fmt.Errorf("stage %s: %w", st.Code, err)
		}

		// No in-flight folders: skip the stage, never create an empty batch.
		if len(bugPrefixes) == 0 {
			logger.WithField("stage", st.Code).Info("no in-flight bug folders, skipping stage")
			continue
		}

		stageDest := filepath.Join(destRoot, st.Code, ymd, hm)
		// Remember the highest ancestor this invocation is about to create,
		// so the rollback removes the whole new skeleton without touching
		// directories left by earlier downloads.
		created := firstMissingDir(destRoot, stageDest)
		if err := os.MkdirAll(stageDest, 0o755); err != nil {
			rollback()
			return fmt.Errorf("failed to create destination %s: %v", stageDest, err)
		}
		createdDirs = append(createdDirs, created)

		items, err := s.downloadStage(ctx, st, bugPrefixes, stageDest, syncMetrics, logger)
		if err != nil {
			rollback()
			return fmt.Errorf("stage %s: %w", st.Code, err)
		}

		// Every object stream of the stage failed or was skipped. Recording
		// a batch with no items would leave a permanent ledger row that the
		// batch listing can never show, so drop the stage instead.
		if len(items) == 0 {
			logger.WithField("stage", st.Code).Warn("no files mirrored for stage, skipping batch")
			if err := os.RemoveAll(created); err != nil {
				logger.WithError(err).WithField("dir", created).Warn("failed to remove empty destination directory")
			}
			createdDirs = createdDirs[:len(createdDirs)-1]
			continue
		}

		metrics.DownloadedFiles.WithLabelValues(st.Code).Add(float64(len(items)))

		batches = append(batches, database.BatchInsert{
			SyncID:       syncID,
			DateStamp:    ymd,
			TimeStamp:    hm,
			StageState:   st.Code,
			SyncRootPath: stageDest,
			CreatedBy:    actor,
			Items:        items,
		})
	}

	if len(batches) == 0 {
		logger.Info("nothing to download")
		return nil
	}

	ledgerTimer := perf.Start("ledger-insert", logger)
	err := s.ledger.InsertBatches(ctx, batches)
	syncMetrics.RecordLedger(ledgerTimer.StopWithThreshold(time.Second))
	if err != nil {
		rollback()
		return fmt.Errorf("failed to record download: %w", err)
	}

	metrics.DownloadBatches.Add(float64(len(batches)))
	syncMetrics.RecordTotal(time.Since(started))

	logger.WithFields(logrus.Fields{
		"batches": len(batches),
		"summary": syncMetrics.Summary(),
	}).Info("download completed")

	return nil
}

// downloadStage fans the bug folders of one stage out to concurrent
// downloads and joins them. All folders are waited for; the first folder
// error fails the stage.
func (s *Syncer) downloadStage(ctx context.Context, st stage.Stage, bugPrefixes []string, stageDest string, syncMetrics *perf.SyncMetrics, logger logrus.FieldLogger) ([]database.ItemInsert, error) {
	results := make([]folderResult, len(bugPrefixes))

	var wg sync.WaitGroup
	for i, bugPrefix := range bugPrefixes {
		wg.Add(1)
		go func(i int, bugPrefix string) {
			defer wg.Done()
			items, err := s.downloadFolder(ctx, st, bugPrefix, stageDest, syncMetrics, logger)
			results[i] = folderResult{items: items, err: err}
		}(i, bugPrefix)
	}
	wg.Wait()

	var items []database.ItemInsert
	for i, res := range results {
		if res.err != nil {
			return nil, fmt.Errorf("bug folder %s: %w", s3.TrailingSegment(bugPrefixes[i]), res.err)
		}
		items = append(items, res.items...)
		syncMetrics.RecordFolder()
	}

	return items, nil
}

// downloadFolder streams every object of one bug folder into
// stageDest/bugNo/, preserving original file names. A failed object stream
// is logged and skipped; the folder itself only fails when the listing
// fails or a local file cannot be created.
func (s *Syncer) downloadFolder(ctx context.Context, st stage.Stage, bugPrefix, stageDest string, syncMetrics *perf.SyncMetrics, logger logrus.FieldLogger) ([]database.ItemInsert, error) {
	bugNo := s3.TrailingSegment(bugPrefix)

	objects, err := s.store.ListObjects(ctx, bugPrefix)
	if err != nil {
		return nil, err
	}

	folderDest := filepath.Join(stageDest, bugNo)
	if err := os.MkdirAll(folderDest, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create folder %s: %v", folderDest, err)
	}

	var items []database.ItemInsert
	for _, obj := range objects {
		fileName := s3.TrailingSegment(obj.Key)
		if fileName == "" || fileName == bugNo {
			continue
		}

		localPath := filepath.Join(folderDest, fileName)

		streamTimer := perf.Start("stream-object", nil)
		written, err := s.streamObject(ctx, obj.Key, localPath)
		elapsed := streamTimer.Stop()
		if err != nil {
			// Per-object failures are best effort: record nothing for
			// this file and keep going with the rest of the folder.
			logger.WithError(err).WithFields(logrus.Fields{
				"stage": st.Code,
				"key":   obj.Key,
			}).Warn("object stream failed, skipping file")
			continue
		}

		syncMetrics.RecordStream(elapsed, written)
		metrics.DownloadedBytes.WithLabelValues(st.Code).Add(float64(written))

		items = append(items, database.ItemInsert{
			BugNo:        bugNo,
			LastModified: obj.LastModified,
			LocalPath:    localPath,
			S3Key:        obj.Key,
		})
	}

	return items, nil
}

// firstMissingDir walks from root towards leaf and returns the first path
// component that does not exist yet. MkdirAll creates that directory and
// everything below it, so removing it undoes the creation exactly.
func firstMissingDir(root, leaf string) string {
	rel, err := filepath.Rel(root, leaf)
	if err != nil {
		return leaf
	}
	dir := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		dir = filepath.Join(dir, part)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return dir
		}
	}
	return leaf
}

// streamObject copies one object body to a local file.
func (s *Syncer) streamObject(ctx context.Context, key, localPath string) (int64, error) {
	body, err := s.store.GetObjectStream(ctx, key)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %v", localPath, err)
	}

	written, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(localPath)
		return 0, fmt.Errorf("failed to stream %s: %v", key, err)
	}

	return written, nil
}

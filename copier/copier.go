// Package copier copies mirrored bug files out of the local mirror into a
// user-chosen destination, keeping a dated history alongside the live copy.
//
// Every copied item lands twice: once under destRoot/bugNo (the live copy,
// overwritten on later runs) and once under a per-run version folder
// destRoot/yyyyMM/yyyyMMdd that is never reused. The ledger records the
// live path per item, which makes re-runs of a partially copied batch pick
// up only the items that are still pending.
package copier

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bugvault/bugvault/database"
	"github.com/bugvault/bugvault/metrics"
)

var tracer = otel.Tracer("bugvault-copier")

// ErrDestinationMissing is returned when the copy destination does not
// exist. The copier never creates the destination root itself.
var ErrDestinationMissing = fmt.Errorf("copy destination does not exist")

// Ledger is the download-ledger surface the copier needs.
type Ledger interface {
	GetBatch(ctx context.Context, batchID int64) (*database.DownloadBatch, error)
	ListPendingItems(ctx context.Context, batchID int64) ([]*database.DownloadItem, error)
	SetItemCopiedPath(ctx context.Context, itemID int64, path string) error
}

// Copier copies pending batch items to a destination directory.
type Copier struct {
	ledger Ledger
	logger *logrus.Logger
	now    func() time.Time
}

// New creates a copier over the given ledger.
func New(ledger Ledger) *Copier {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	return &Copier{
		ledger: ledger,
		logger: logger,
		now:    time.Now,
	}
}

// SetLogger replaces the copier's logger.
func (c *Copier) SetLogger(logger *logrus.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// SetClock replaces the clock used for version folder names. Intended for
// tests.
func (c *Copier) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

// Execute copies every pending item of the batch into destRoot and into a
// fresh version folder under destRoot. Items whose copied path is already
// recorded are skipped entirely. Each item's copies are made first and its
// ledger row updated second; a failure on either side removes the copies
// made for the failing item, and a copy failure additionally removes every
// copy made earlier in the same invocation.
func (c *Copier) Execute(ctx context.Context, batchID int64, destRoot string) error {
	ctx, span := tracer.Start(ctx, "copier.execute")
	defer span.End()
	span.SetAttributes(attribute.Int64("batch_id", batchID))

	if fi, err := os.Stat(destRoot); err != nil || !fi.IsDir() {
		return fmt.Errorf("%w: %s", ErrDestinationMissing, destRoot)
	}

	batch, err := c.ledger.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to load batch %d: %w", batchID, err)
	}
	if batch == nil {
		return fmt.Errorf("batch %d not found", batchID)
	}

	items, err := c.ledger.ListPendingItems(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to list pending items: %w", err)
	}

	logger := c.logger.WithFields(logrus.Fields{
		"batch_id": batchID,
		"dest":     destRoot,
	})

	if len(items) == 0 {
		logger.Info("no pending items to copy")
		return nil
	}

	versionDir, err := allocateVersionDir(destRoot, c.now())
	if err != nil {
		return err
	}

	// Paths created so far this invocation, removed on a copy failure.
	var copied []string

	cleanup := func(paths []string) {
		for _, p := range paths {
			if err := os.RemoveAll(p); err != nil {
				logger.WithError(err).WithField("path", p).Warn("failed to remove partial copy")
			}
		}
	}

	for _, item := range items {
		livePath := filepath.Join(destRoot, item.BugNo, filepath.Base(item.LocalPath))
		versionPath := filepath.Join(versionDir, item.BugNo, filepath.Base(item.LocalPath))

		if err := copyPath(item.LocalPath, livePath); err != nil {
			cleanup(append(copied, livePath))
			return fmt.Errorf("item %d (%s): %w", item.ID, item.BugNo, err)
		}
		if err := copyPath(item.LocalPath, versionPath); err != nil {
			cleanup(append(copied, livePath, versionPath))
			return fmt.Errorf("item %d (%s): %w", item.ID, item.BugNo, err)
		}

		if err := c.ledger.SetItemCopiedPath(ctx, item.ID, livePath); err != nil {
			// Keep earlier items: their ledger rows are already settled.
			cleanup([]string{livePath, versionPath})
			return fmt.Errorf("failed to record copy of item %d: %w", item.ID, err)
		}

		copied = append(copied, livePath, versionPath)
		metrics.CopiedItems.Inc()
	}

	logger.WithFields(logrus.Fields{
		"items":       len(items),
		"version_dir": versionDir,
	}).Info("batch items copied")

	return nil
}

// allocateVersionDir creates destRoot/yyyyMM/yyyyMMdd, suffixing _02, _03
// and so on when the day's folder already exists, and returns the created
// path.
func allocateVersionDir(destRoot string, at time.Time) (string, error) {
	monthDir := filepath.Join(destRoot, at.Format("200601"))
	day := at.Format("20060102")

	name := day
	for n := 2; ; n++ {
		candidate := filepath.Join(monthDir, name)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			if err := os.MkdirAll(candidate, 0o755); err != nil {
				return "", fmt.Errorf("failed to create version folder %s: %v", candidate, err)
			}
			return candidate, nil
		} else if err != nil {
			return "", fmt.Errorf("failed to probe version folder %s: %v", candidate, err)
		}
		name = fmt.Sprintf("%s_%02d", day, n)
	}
}

// copyPath copies a file or a directory tree from src to dst, creating
// parent directories as needed. Existing destination files are overwritten.
func copyPath(src, dst string) error {
	fi, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to read source %s: %v", src, err)
	}
	if fi.IsDir() {
		return copyDir(src, dst)
	}
	return copyFile(src, dst)
}

func copyDir(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("failed to read directory %s: %v", src, err)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %v", dst, err)
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := copyDir(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(srcPath, dstPath); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %v", filepath.Dir(dst), err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %v", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %v", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to copy %s: %v", src, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("failed to finish %s: %v", dst, err)
	}

	return nil
}

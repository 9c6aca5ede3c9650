// Package transfer moves and deletes bug folders between workflow stage
// prefixes in the object store.
//
// A move is copy-then-delete per object, so a failure mid-way can leave a
// bug folder present at both prefixes. There is no remote rollback; the
// invocation fails with the offending bug folder named and a retry of the
// same move converges, because copying over an existing key overwrites it.
package transfer

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bugvault/bugvault/metrics"
	"github.com/bugvault/bugvault/s3"
)

var tracer = otel.Tracer("bugvault-transfer")

// ObjectStore is the object-store surface the engine needs.
type ObjectStore interface {
	ListObjects(ctx context.Context, prefix string) ([]s3.Object, error)
	CopyObject(ctx context.Context, srcKey, dstKey string) error
	DeleteObject(ctx context.Context, key string) error
}

// Ledger records which bug folders have left their remote stage.
type Ledger interface {
	MarkMovedAtRemote(ctx context.Context, bugNos []string) error
}

// Engine relocates bug folders between stage prefixes.
type Engine struct {
	store  ObjectStore
	ledger Ledger
	root   string
	logger *logrus.Logger
}

// NewEngine creates a transfer engine rooted at the given bucket folder.
func NewEngine(store ObjectStore, ledger Ledger, root string) *Engine {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	return &Engine{
		store:  store,
		ledger: ledger,
		root:   root,
		logger: logger,
	}
}

// SetLogger replaces the engine's logger.
func (e *Engine) SetLogger(logger *logrus.Logger) {
	if logger != nil {
		e.logger = logger
	}
}

func (e *Engine) remotePrefix(parts ...string) string {
	p := ""
	if e.root != "" {
		p = e.root + "/"
	}
	for _, part := range parts {
		p += part + "/"
	}
	return p
}

// Move relocates the named bug folders from sourcePrefix to destPrefix,
// object by object. Bug folders are processed sequentially; every object of
// a folder is copied to the destination and then deleted from the source.
// Once all folders have moved, the ledger marks them as moved at remote.
func (e *Engine) Move(ctx context.Context, sourcePrefix, destPrefix string, bugNos []string) error {
	ctx, span := tracer.Start(ctx, "transfer.move")
	defer span.End()
	span.SetAttributes(
		attribute.String("source", sourcePrefix),
		attribute.String("destination", destPrefix),
		attribute.Int("bug_folders", len(bugNos)),
	)

	if sourcePrefix == destPrefix {
		return fmt.Errorf("source and destination prefixes are both %q", sourcePrefix)
	}

	logger := e.logger.WithFields(logrus.Fields{
		"source":      sourcePrefix,
		"destination": destPrefix,
	})

	for _, bugNo := range bugNos {
		if err := e.moveFolder(ctx, sourcePrefix, destPrefix, bugNo); err != nil {
			return fmt.Errorf("bug folder %s: %w", bugNo, err)
		}
		logger.WithField("bug_no", bugNo).Info("bug folder moved")
	}

	if len(bugNos) == 0 {
		return nil
	}

	if err := e.ledger.MarkMovedAtRemote(ctx, bugNos); err != nil {
		return fmt.Errorf("failed to record move: %w", err)
	}

	return nil
}

func (e *Engine) moveFolder(ctx context.Context, sourcePrefix, destPrefix, bugNo string) error {
	srcFolder := e.remotePrefix(sourcePrefix, bugNo)
	dstFolder := e.remotePrefix(destPrefix, bugNo)

	objects, err := e.store.ListObjects(ctx, srcFolder)
	if err != nil {
		return err
	}

	for _, obj := range objects {
		dstKey := dstFolder + strings.TrimPrefix(obj.Key, srcFolder)
		if err := e.store.CopyObject(ctx, obj.Key, dstKey); err != nil {
			return fmt.Errorf("failed to copy %s: %w", obj.Key, err)
		}
		if err := e.store.DeleteObject(ctx, obj.Key); err != nil {
			return fmt.Errorf("failed to delete %s after copy: %w", obj.Key, err)
		}
		metrics.TransferredObjects.Inc()
	}

	return nil
}

// Delete removes the named bug folders from sourcePrefix without moving
// them anywhere. Folders are processed sequentially and a failure stops the
// invocation with the offending folder named.
func (e *Engine) Delete(ctx context.Context, sourcePrefix string, bugNos []string) error {
	ctx, span := tracer.Start(ctx, "transfer.delete")
	defer span.End()
	span.SetAttributes(
		attribute.String("source", sourcePrefix),
		attribute.Int("bug_folders", len(bugNos)),
	)

	logger := e.logger.WithField("source", sourcePrefix)

	for _, bugNo := range bugNos {
		srcFolder := e.remotePrefix(sourcePrefix, bugNo)

		objects, err := e.store.ListObjects(ctx, srcFolder)
		if err != nil {
			return fmt.Errorf("bug folder %s: %w", bugNo, err)
		}

		for _, obj := range objects {
			if err := e.store.DeleteObject(ctx, obj.Key); err != nil {
				return fmt.Errorf("bug folder %s: failed to delete %s: %w", bugNo, obj.Key, err)
			}
			metrics.DeletedObjects.Inc()
		}

		logger.WithField("bug_no", bugNo).Info("bug folder deleted")
	}

	return nil
}

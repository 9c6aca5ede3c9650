// Package service is the boundary layer of the synchronization engine. It
// wires the resolver, mirror, transfer and copy engines behind uniform
// result envelopes so an embedding surface (CLI, RPC, UI bridge) never sees
// raw errors.
//
// Every operation returns a Result: Success plus either Data or a Message
// describing the failure. Failures are also logged and counted.
package service

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/sirupsen/logrus"

	"github.com/bugvault/bugvault/database"
	"github.com/bugvault/bugvault/guard"
	"github.com/bugvault/bugvault/metrics"
	"github.com/bugvault/bugvault/workflow"
)

// ErrCancelled is returned by a DirectoryPicker when the user dismisses the
// selection without choosing a directory.
var ErrCancelled = errors.New("selection cancelled")

// Result is the uniform operation envelope. Data is only meaningful when
// Success is true; Message is only set when it is false.
type Result[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Message string `json:"message,omitempty"`
}

func ok[T any](data T) Result[T] {
	return Result[T]{Success: true, Data: data}
}

func fail[T any](logger logrus.FieldLogger, operation string, err error) Result[T] {
	logger.WithError(err).WithField("operation", operation).Error("operation failed")
	metrics.OperationFailures.WithLabelValues(operation).Inc()
	return Result[T]{Message: err.Error()}
}

// StateResolver reads bug folder states out of the object store.
type StateResolver interface {
	ResolveStates(ctx context.Context) (map[string][]workflow.BugStatus, error)
	ResolveDownloadEligible(ctx context.Context) (map[string]workflow.StagePending, error)
}

// Downloader mirrors in-flight bug folders to local storage.
type Downloader interface {
	Download(ctx context.Context, stageCodes []string, destRoot, actor string) error
}

// Transferrer moves and deletes bug folders between stage prefixes.
type Transferrer interface {
	Move(ctx context.Context, sourcePrefix, destPrefix string, bugNos []string) error
	Delete(ctx context.Context, sourcePrefix string, bugNos []string) error
}

// BatchCopier copies a batch's pending items to a destination.
type BatchCopier interface {
	Execute(ctx context.Context, batchID int64, destRoot string) error
}

// Ledger is the download-ledger surface the boundary exposes.
type Ledger interface {
	ListBatches(ctx context.Context, createdBy string) ([]*database.DownloadBatch, error)
	ListPendingItems(ctx context.Context, batchID int64) ([]*database.DownloadItem, error)
	AllowDownload(ctx context.Context, bugNos []string) (bool, error)
	AllowRemove(ctx context.Context, bugNos []string) (bool, error)
}

// DirectoryPicker lets the embedding surface supply its own directory
// chooser. Pick returns ErrCancelled when the user aborts.
type DirectoryPicker interface {
	Pick(ctx context.Context) (string, error)
}

// Service exposes every engine operation behind Result envelopes.
type Service struct {
	resolver StateResolver
	syncer   Downloader
	engine   Transferrer
	copier   BatchCopier
	ledger   Ledger
	picker   DirectoryPicker
	guard    *guard.OperationGuard
	logger   *logrus.Logger

	// openPath launches the platform file browser; replaceable in tests.
	openPath func(path string) error
}

// New wires a service over the given engines. picker may be nil when the
// embedding surface has no interactive directory chooser.
func New(resolver StateResolver, syncer Downloader, engine Transferrer, copier BatchCopier, ledger Ledger, picker DirectoryPicker) *Service {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	return &Service{
		resolver: resolver,
		syncer:   syncer,
		engine:   engine,
		copier:   copier,
		ledger:   ledger,
		picker:   picker,
		logger:   logger,
		openPath: openWithPlatformBrowser,
	}
}

// SetLogger replaces the service logger.
func (s *Service) SetLogger(logger *logrus.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetGuard installs an operation guard around the mutating operations.
// Without one, mutating operations run unserialized.
func (s *Service) SetGuard(g *guard.OperationGuard) {
	s.guard = g
}

func (s *Service) withGuard(ctx context.Context, opName string, fn func() error) error {
	if s.guard == nil {
		return fn()
	}
	return s.guard.WithOperation(ctx, opName, fn)
}

// ResolveWorkflowStates reports every tracked bug folder per stage with its
// in-flight advisory.
func (s *Service) ResolveWorkflowStates(ctx context.Context) Result[map[string][]workflow.BugStatus] {
	states, err := s.resolver.ResolveStates(ctx)
	if err != nil {
		return fail[map[string][]workflow.BugStatus](s.logger, "resolve_states", err)
	}
	return ok(states)
}

// ResolveDownloadEligible reports the in-flight bug folders of every
// download-eligible stage.
func (s *Service) ResolveDownloadEligible(ctx context.Context) Result[map[string]workflow.StagePending] {
	pending, err := s.resolver.ResolveDownloadEligible(ctx)
	if err != nil {
		return fail[map[string]workflow.StagePending](s.logger, "resolve_download_eligible", err)
	}
	return ok(pending)
}

// Download mirrors the selected stages into destRoot and records the ledger
// batches. Data is true on success.
func (s *Service) Download(ctx context.Context, stageCodes []string, destRoot, actor string) Result[bool] {
	err := s.withGuard(ctx, "download", func() error {
		return s.syncer.Download(ctx, stageCodes, destRoot, actor)
	})
	if err != nil {
		return fail[bool](s.logger, "download", err)
	}
	return ok(true)
}

// ListBatches returns the actor's batches that still have work attached.
func (s *Service) ListBatches(ctx context.Context, actor string) Result[[]*database.DownloadBatch] {
	batches, err := s.ledger.ListBatches(ctx, actor)
	if err != nil {
		return fail[[]*database.DownloadBatch](s.logger, "list_batches", err)
	}
	return ok(batches)
}

// ListBatchItems returns the items of one batch that have not been copied
// out yet.
func (s *Service) ListBatchItems(ctx context.Context, batchID int64) Result[[]*database.DownloadItem] {
	items, err := s.ledger.ListPendingItems(ctx, batchID)
	if err != nil {
		return fail[[]*database.DownloadItem](s.logger, "list_batch_items", err)
	}
	return ok(items)
}

// AllowDownload reports whether the named bug folders may be downloaded
// again.
func (s *Service) AllowDownload(ctx context.Context, bugNos []string) Result[bool] {
	allowed, err := s.ledger.AllowDownload(ctx, bugNos)
	if err != nil {
		return fail[bool](s.logger, "allow_download", err)
	}
	return ok(allowed)
}

// AllowRemove reports whether the named bug folders may be removed from
// their remote stage.
func (s *Service) AllowRemove(ctx context.Context, bugNos []string) Result[bool] {
	allowed, err := s.ledger.AllowRemove(ctx, bugNos)
	if err != nil {
		return fail[bool](s.logger, "allow_remove", err)
	}
	return ok(allowed)
}

// Move relocates bug folders from one stage prefix to another and records
// the move in the ledger.
func (s *Service) Move(ctx context.Context, sourcePrefix, destPrefix string, bugNos []string) Result[bool] {
	err := s.withGuard(ctx, "move", func() error {
		return s.engine.Move(ctx, sourcePrefix, destPrefix, bugNos)
	})
	if err != nil {
		return fail[bool](s.logger, "move", err)
	}
	return ok(true)
}

// Delete removes bug folders from a stage prefix.
func (s *Service) Delete(ctx context.Context, sourcePrefix string, bugNos []string) Result[bool] {
	err := s.withGuard(ctx, "delete", func() error {
		return s.engine.Delete(ctx, sourcePrefix, bugNos)
	})
	if err != nil {
		return fail[bool](s.logger, "delete", err)
	}
	return ok(true)
}

// CopyBatchItems copies a batch's pending items into destRoot with a dated
// history folder.
func (s *Service) CopyBatchItems(ctx context.Context, batchID int64, destRoot string) Result[bool] {
	err := s.withGuard(ctx, "copy_batch_items", func() error {
		return s.copier.Execute(ctx, batchID, destRoot)
	})
	if err != nil {
		return fail[bool](s.logger, "copy_batch_items", err)
	}
	return ok(true)
}

// OpenLocalPath opens the given path in the platform file browser.
func (s *Service) OpenLocalPath(_ context.Context, path string) Result[bool] {
	if path == "" {
		return fail[bool](s.logger, "open_local_path", errors.New("empty path"))
	}
	if err := s.openPath(path); err != nil {
		return fail[bool](s.logger, "open_local_path", fmt.Errorf("failed to open %s: %w", path, err))
	}
	return ok(true)
}

// SelectLocalDirectory asks the configured picker for a directory. A
// cancelled selection is a non-failure: Success is false with no error
// counted.
func (s *Service) SelectLocalDirectory(ctx context.Context) Result[string] {
	if s.picker == nil {
		return fail[string](s.logger, "select_local_directory", errors.New("no directory picker configured"))
	}
	dir, err := s.picker.Pick(ctx)
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			return Result[string]{Message: ErrCancelled.Error()}
		}
		return fail[string](s.logger, "select_local_directory", err)
	}
	return ok(dir)
}

func openWithPlatformBrowser(path string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", path).Start()
	case "windows":
		return exec.Command("explorer", path).Start()
	default:
		return exec.Command("xdg-open", path).Start()
	}
}

// Package metrics exposes Prometheus counters for the synchronization engine.
//
// All metrics are registered with the default registry via promauto so any
// embedding process can expose them on its /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoreOperations counts successful object-store calls by operation.
	StoreOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bugvault_store_operations_total",
		Help: "Successful object-store calls by operation.",
	}, []string{"operation"})

	// StoreFailures counts failed object-store calls by operation.
	StoreFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bugvault_store_failures_total",
		Help: "Failed object-store calls by operation.",
	}, []string{"operation"})

	// DownloadedFiles counts files mirrored to local storage, by stage.
	DownloadedFiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bugvault_downloaded_files_total",
		Help: "Files mirrored from the object store to local storage.",
	}, []string{"stage"})

	// DownloadedBytes counts bytes mirrored to local storage, by stage.
	DownloadedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bugvault_downloaded_bytes_total",
		Help: "Bytes mirrored from the object store to local storage.",
	}, []string{"stage"})

	// DownloadBatches counts ledger batches created by downloads.
	DownloadBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bugvault_download_batches_total",
		Help: "Ledger batches created by download invocations.",
	})

	// TransferredObjects counts objects moved between stage prefixes.
	TransferredObjects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bugvault_transferred_objects_total",
		Help: "Objects moved between stage prefixes.",
	})

	// DeletedObjects counts objects deleted from stage prefixes.
	DeletedObjects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bugvault_deleted_objects_total",
		Help: "Objects deleted from stage prefixes.",
	})

	// CopiedItems counts ledger items copied out by the copy orchestrator.
	CopiedItems = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bugvault_copied_items_total",
		Help: "Ledger items copied to a destination by the copy orchestrator.",
	})

	// OperationFailures counts failed boundary operations by name.
	OperationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bugvault_operation_failures_total",
		Help: "Failed boundary operations by name.",
	}, []string{"operation"})
)

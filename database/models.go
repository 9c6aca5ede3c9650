package database

import "time"

// DownloadBatch represents one download invocation for one stage
// (a download_hdr row). ItemCount is fixed at creation and never recounted.
type DownloadBatch struct {
	ID            int64
	SyncID        string
	DateStamp     string // yyyyMMdd
	TimeStamp     string // HHmm
	StageState    string
	SyncRootPath  string
	ItemCount     int
	MovedAtRemote bool
	MovedAtLocal  bool
	CreatedBy     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DownloadItem represents one mirrored file (a download_dtl row).
// CopiedPath starts empty and is set exactly once by the copy orchestrator;
// once set, the item is excluded from future copy operations.
type DownloadItem struct {
	ID            int64
	BatchID       int64
	BugNo         string
	LastModified  time.Time
	LocalPath     string
	S3Key         string
	CopiedPath    string
	StageState    string
	MovedAtRemote bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ItemInsert carries the provenance of one mirrored file into InsertBatches.
type ItemInsert struct {
	BugNo        string
	LastModified time.Time
	LocalPath    string
	S3Key        string
}

// BatchInsert carries one batch and its items into InsertBatches.
// The stored download_count is len(Items).
type BatchInsert struct {
	SyncID       string
	DateStamp    string // yyyyMMdd
	TimeStamp    string // HHmm
	StageState   string
	SyncRootPath string
	CreatedBy    string
	Items        []ItemInsert
}

// Package upload ships database backups to remote object storage.
package upload

import (
	"context"
	"time"
)

// RemoteBackup is a backup object stored remotely.
type RemoteBackup struct {
	Key          string    `json:"key"`
	SizeBytes    int64     `json:"size_bytes"`
	LastModified time.Time `json:"last_modified"`
}

// Uploader copies local backup files to remote storage.
type Uploader interface {
	// Preflight verifies that the remote storage is reachable and writable.
	// Writes a small test object to the bucket to fail fast on misconfiguration.
	Preflight(ctx context.Context) error

	// UploadBackup compresses the backup at path and uploads it. It returns
	// the object key.
	UploadBackup(ctx context.Context, path string) (string, error)

	// ListBackups returns the uploaded backups, newest first.
	ListBackups(ctx context.Context) ([]RemoteBackup, error)
}

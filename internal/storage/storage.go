package storage

import (
	"context"
	"path"
	"strings"
)

// ArchiveOptions conveys where reports are written.
type ArchiveOptions struct {
	Bucket string
}

// Service archives bootstrap reports to remote object storage.
type Service interface {
	PutReport(ctx context.Context, key string, body []byte, opts ArchiveOptions) (string, error)
}

// ReportKey builds the object key for a run: <prefix>/<database>/<run id>.json.
func ReportKey(prefix, database, runID string) string {
	prefix = strings.Trim(prefix, "/")
	return strings.TrimPrefix(path.Join(prefix, database, runID+".json"), "/")
}

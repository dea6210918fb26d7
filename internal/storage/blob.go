// Package storage provides the durable backends for published HLS artifacts:
// a key-addressed blob store holding manifests and segments, and an asset
// repository tracking the lifecycle of each upload run.
package storage

import (
	"context"
	"errors"
	"io"
	"strings"
)

// ErrNotFound is returned when a requested object or asset does not exist.
var ErrNotFound = errors.New("not found")

// ObjectInfo describes one stored artifact.
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
}

// BlobStore is a durable key to bytes store. Keys are flat strings; the
// slash is a naming convention, not a directory structure.
type BlobStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	// Get returns the object body. A missing key yields ErrNotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Remove(ctx context.Context, key string) error
}

// ContentTypeForKey picks the content type published and served for an HLS
// artifact: manifests stay generic octet-stream, everything else is treated
// as an MPEG transport stream segment.
func ContentTypeForKey(key string) string {
	if strings.HasSuffix(key, ".m3u8") {
		return "application/octet-stream"
	}
	return "video/MP2T"
}

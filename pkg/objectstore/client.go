// Package objectstore wraps vendor object storage behind a small client
// interface: list keys, fetch small objects, download data files.
// Credentials come from each SDK's default chain (environment, shared
// config); the pipeline adds no auth handling of its own.
package objectstore

import "context"

// Client is the object storage surface the pipeline consumes.
type Client interface {
	// List returns all object keys under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// Get fetches a whole object into memory. Intended for small
	// metadata objects such as manifests.
	Get(ctx context.Context, key string) ([]byte, error)
	// Download streams an object to a local file, creating parent
	// directories as needed.
	Download(ctx context.Context, key, localPath string) error
}

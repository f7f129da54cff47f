// Package objstore abstracts the object storage used by the staged
// backend for input upload and output retrieval.
//
// Implementations use SDK default credential chains - no custom auth
// logic. The staged batch service reads input from and writes output to
// locations expressed as "<scheme>://<bucket>/<key>" URIs.
package objstore

import (
	"context"
	"fmt"
	"strings"
)

// Store is the minimal surface the staged backend needs: stage one input
// document, enumerate output objects, and download them.
type Store interface {
	// Put uploads an object.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// ListKeys returns every object key under the prefix, across all
	// pages. The listing order is provider-defined; callers needing a
	// deterministic order must sort.
	ListKeys(ctx context.Context, prefix string) ([]string, error)

	// Download returns the full contents of one object.
	Download(ctx context.Context, key string) ([]byte, error)

	// Bucket returns the bucket name this store is bound to.
	Bucket() string

	// Close releases any resources held by the store.
	Close() error
}

// URI renders a bucket/key pair as an object URI.
func URI(bucket string, parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return fmt.Sprintf("s3://%s/%s", bucket, strings.Join(cleaned, "/"))
}

// ParseURI splits an object URI into bucket and key. The key may be empty
// for bucket-root URIs.
func ParseURI(uri string) (bucket, key string, err error) {
	const scheme = "s3://"
	if !strings.HasPrefix(uri, scheme) {
		return "", "", fmt.Errorf("object uri must start with %q: %s", scheme, uri)
	}
	rest := strings.TrimPrefix(uri, scheme)
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("object uri missing bucket: %s", uri)
	}
	return bucket, key, nil
}

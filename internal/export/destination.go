package export

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/duckmesh/tablesource/internal/catalog"
	"github.com/duckmesh/tablesource/internal/storage"
)

const s3Scheme = "s3://"

// BucketOpener returns a store rooted at the given S3 bucket.
type BucketOpener func(ctx context.Context, bucket string) (storage.ObjectStore, error)

// Router maps export folders to stores. "s3://bucket/path" folders go to
// the bucket; anything else is a path below the local export root.
type Router struct {
	Local  storage.ObjectStore
	OpenS3 BucketOpener

	mu      sync.Mutex
	buckets map[string]storage.ObjectStore
}

func NewRouter(local storage.ObjectStore, openS3 BucketOpener) *Router {
	return &Router{Local: local, OpenS3: openS3, buckets: map[string]storage.ObjectStore{}}
}

// Resolve returns the store for folder and the folder path inside it.
func (r *Router) Resolve(ctx context.Context, folder string) (storage.ObjectStore, string, error) {
	folder = strings.TrimSpace(folder)
	if folder == "" {
		return nil, "", fmt.Errorf("%w: export folder is required", catalog.ErrConfig)
	}
	rest, isS3 := strings.CutPrefix(folder, s3Scheme)
	if !isS3 {
		if r.Local == nil {
			return nil, "", fmt.Errorf("%w: local exports are not configured", catalog.ErrConfig)
		}
		return r.Local, folder, nil
	}

	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return nil, "", fmt.Errorf("%w: export folder %q has no bucket", catalog.ErrConfig, folder)
	}
	if r.OpenS3 == nil {
		return nil, "", fmt.Errorf("%w: s3 exports are not configured", catalog.ErrConfig)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buckets == nil {
		r.buckets = map[string]storage.ObjectStore{}
	}
	if store, ok := r.buckets[bucket]; ok {
		return store, prefix, nil
	}
	store, err := r.OpenS3(ctx, bucket)
	if err != nil {
		return nil, "", fmt.Errorf("open export bucket %q: %w", bucket, err)
	}
	r.buckets[bucket] = store
	return store, prefix, nil
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSStore talks to a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSStore uses CredentialsFile when set, otherwise application default
// credentials.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if !cfg.Enabled() {
		return nil, errors.New("gcs storage needs a bucket")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, newError("open", "gs://"+cfg.Bucket, classifyGCS(err), err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(joinKey(s.prefix, key))
}

func (s *GCSStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.object(key).NewReader(ctx)
	if err != nil {
		return nil, newError("get", s.Location(key), classifyGCS(err), err)
	}
	return r, nil
}

func (s *GCSStore) Put(ctx context.Context, key string, body io.Reader) error {
	w := s.object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := io.Copy(w, body); err != nil {
		w.Close()
		return newError("put", s.Location(key), classifyGCS(err), err)
	}
	if err := w.Close(); err != nil {
		return newError("put", s.Location(key), classifyGCS(err), err)
	}
	return nil
}

func (s *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.object(key).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	kind := classifyGCS(err)
	if kind == ErrNotFound {
		return false, nil
	}
	return false, newError("stat", s.Location(key), kind, err)
}

func (s *GCSStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: joinKey(s.prefix, prefix)})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			return out, nil
		}
		if err != nil {
			return nil, newError("list", s.Location(prefix), classifyGCS(err), err)
		}
		out = append(out, ObjectInfo{
			Key:          trimPrefix(s.prefix, attrs.Name),
			Size:         attrs.Size,
			LastModified: attrs.Updated,
		})
	}
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	if err := s.object(key).Delete(ctx); err != nil {
		return newError("delete", s.Location(key), classifyGCS(err), err)
	}
	return nil
}

func (s *GCSStore) HealthCheck(ctx context.Context) error {
	if _, err := s.client.Bucket(s.bucket).Attrs(ctx); err != nil {
		return newError("health", "gs://"+s.bucket, classifyGCS(err), err)
	}
	return nil
}

func (s *GCSStore) Location(key string) string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, joinKey(s.prefix, key))
}

func classifyGCS(err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return ErrNotFound
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusNotFound:
			return ErrNotFound
		case http.StatusUnauthorized, http.StatusForbidden:
			return ErrAuth
		}
	}
	return ErrTransport
}

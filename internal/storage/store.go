// Package storage moves backup artifacts to and from object stores: the local
// filesystem, S3 and S3-compatible services such as DigitalOcean Spaces,
// Google Cloud Storage and Azure Blob Storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Sentinel error kinds. Provider errors are wrapped so callers can tell a
// missing artifact from a broken connection with errors.Is.
var (
	ErrNotFound  = errors.New("object not found")
	ErrTransport = errors.New("storage transport error")
	ErrAuth      = errors.New("storage authentication error")
)

// Error carries the failing operation and key alongside its kind.
type Error struct {
	Op   string
	Key  string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Key, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op, key string, kind, err error) error {
	return &Error{Op: op, Key: key, Kind: kind, Err: err}
}

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key          string    `json:"key" yaml:"key"`
	Size         int64     `json:"size" yaml:"size"`
	LastModified time.Time `json:"last_modified" yaml:"last_modified"`
}

// ObjectStore is the transport used for archives. Keys are slash separated
// and relative to the store's prefix.
type ObjectStore interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, body io.Reader) error
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	HealthCheck(ctx context.Context) error
	// Location renders key as a URI for logs and reports.
	Location(key string) string
}

// Provider names a backend.
type Provider string

const (
	ProviderLocal Provider = "local"
	ProviderS3    Provider = "s3"
	ProviderGCS   Provider = "gcs"
	ProviderAzure Provider = "azure"
)

// Config selects and configures a provider.
type Config struct {
	Provider Provider
	Local    LocalConfig
	S3       S3Config
	GCS      GCSConfig
	Azure    AzureConfig
}

type LocalConfig struct {
	BasePath string
}

type S3Config struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint is set for S3-compatible services, e.g.
	// https://nyc3.digitaloceanspaces.com.
	Endpoint       string
	ForcePathStyle bool
	Prefix         string
}

// Enabled reports whether enough is configured to talk to a bucket.
func (c S3Config) Enabled() bool {
	return c.Bucket != "" && c.Region != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

type GCSConfig struct {
	Bucket          string
	CredentialsFile string
	Prefix          string
}

func (c GCSConfig) Enabled() bool { return c.Bucket != "" }

type AzureConfig struct {
	AccountName string
	AccountKey  string
	Container   string
	Prefix      string
}

func (c AzureConfig) Enabled() bool {
	return c.AccountName != "" && c.AccountKey != "" && c.Container != ""
}

// Open builds the store cfg.Provider names.
func Open(ctx context.Context, cfg Config) (ObjectStore, error) {
	switch cfg.Provider {
	case ProviderLocal, "":
		return NewLocalStore(cfg.Local.BasePath)
	case ProviderS3:
		return NewS3Store(cfg.S3)
	case ProviderGCS:
		return NewGCSStore(ctx, cfg.GCS)
	case ProviderAzure:
		return NewAzureStore(cfg.Azure)
	}
	return nil, fmt.Errorf("unsupported storage provider %q", cfg.Provider)
}

// OpenURI opens a store rooted at the bucket or container u points to, using
// credentials from cfg. The returned key is the object key inside it.
func OpenURI(ctx context.Context, cfg Config, u URI) (ObjectStore, string, error) {
	switch u.Scheme {
	case SchemeFile:
		dir, name := splitLocal(u.Key)
		store, err := NewLocalStore(dir)
		return store, name, err
	case SchemeS3:
		s3cfg := cfg.S3
		s3cfg.Bucket, s3cfg.Prefix = u.Bucket, ""
		store, err := NewS3Store(s3cfg)
		return store, u.Key, err
	case SchemeGCS:
		gcfg := cfg.GCS
		gcfg.Bucket, gcfg.Prefix = u.Bucket, ""
		store, err := NewGCSStore(ctx, gcfg)
		return store, u.Key, err
	case SchemeAzure:
		acfg := cfg.Azure
		acfg.Container, acfg.Prefix = u.Bucket, ""
		store, err := NewAzureStore(acfg)
		return store, u.Key, err
	}
	return nil, "", fmt.Errorf("unsupported storage scheme %q", u.Scheme)
}

func joinKey(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	key = strings.TrimLeft(key, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

func trimPrefix(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, prefix+"/")
}

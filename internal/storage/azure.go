package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/Azure/azure-storage-blob-go/azblob"
)

// AzureStore talks to one Azure Blob Storage container.
type AzureStore struct {
	container azblob.ContainerURL
	name      string
	prefix    string
}

// NewAzureStore authenticates with a shared account key.
func NewAzureStore(cfg AzureConfig) (*AzureStore, error) {
	if !cfg.Enabled() {
		return nil, errors.New("azure storage needs account_name, account_key and container")
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, newError("open", "azure://"+cfg.Container, ErrAuth, err)
	}
	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	serviceURL, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName))
	if err != nil {
		return nil, fmt.Errorf("invalid azure account name %q: %w", cfg.AccountName, err)
	}

	return &AzureStore{
		container: azblob.NewServiceURL(*serviceURL, pipeline).NewContainerURL(cfg.Container),
		name:      cfg.Container,
		prefix:    cfg.Prefix,
	}, nil
}

func (s *AzureStore) blob(key string) azblob.BlockBlobURL {
	return s.container.NewBlockBlobURL(joinKey(s.prefix, key))
}

func (s *AzureStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.blob(key).Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		return nil, newError("get", s.Location(key), classifyAzure(err), err)
	}
	return resp.Body(azblob.RetryReaderOptions{MaxRetryRequests: 5}), nil
}

func (s *AzureStore) Put(ctx context.Context, key string, body io.Reader) error {
	_, err := azblob.UploadStreamToBlockBlob(ctx, body, s.blob(key), azblob.UploadStreamToBlockBlobOptions{
		BufferSize: 4 * 1024 * 1024,
		MaxBuffers: 4,
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{
			ContentType: "application/octet-stream",
		},
	})
	if err != nil {
		return newError("put", s.Location(key), classifyAzure(err), err)
	}
	return nil
}

func (s *AzureStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.blob(key).GetProperties(ctx, azblob.BlobAccessConditions{}, azblob.ClientProvidedKeyOptions{})
	if err == nil {
		return true, nil
	}
	kind := classifyAzure(err)
	if kind == ErrNotFound {
		return false, nil
	}
	return false, newError("stat", s.Location(key), kind, err)
}

func (s *AzureStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for marker := (azblob.Marker{}); marker.NotDone(); {
		resp, err := s.container.ListBlobsFlatSegment(ctx, marker, azblob.ListBlobsSegmentOptions{
			Prefix: joinKey(s.prefix, prefix),
		})
		if err != nil {
			return nil, newError("list", s.Location(prefix), classifyAzure(err), err)
		}
		for _, item := range resp.Segment.BlobItems {
			info := ObjectInfo{Key: trimPrefix(s.prefix, item.Name), LastModified: item.Properties.LastModified}
			if item.Properties.ContentLength != nil {
				info.Size = *item.Properties.ContentLength
			}
			out = append(out, info)
		}
		marker = resp.NextMarker
	}
	return out, nil
}

func (s *AzureStore) Delete(ctx context.Context, key string) error {
	_, err := s.blob(key).Delete(ctx, azblob.DeleteSnapshotsOptionInclude, azblob.BlobAccessConditions{})
	if err != nil {
		return newError("delete", s.Location(key), classifyAzure(err), err)
	}
	return nil
}

func (s *AzureStore) HealthCheck(ctx context.Context) error {
	if _, err := s.container.GetProperties(ctx, azblob.LeaseAccessConditions{}); err != nil {
		return newError("health", "azure://"+s.name, classifyAzure(err), err)
	}
	return nil
}

func (s *AzureStore) Location(key string) string {
	return fmt.Sprintf("azure://%s/%s", s.name, joinKey(s.prefix, key))
}

func classifyAzure(err error) error {
	var serr azblob.StorageError
	if !errors.As(err, &serr) {
		return ErrTransport
	}
	switch serr.ServiceCode() {
	case azblob.ServiceCodeBlobNotFound, azblob.ServiceCodeContainerNotFound:
		return ErrNotFound
	case azblob.ServiceCodeAuthenticationFailed, azblob.ServiceCodeInsufficientAccountPermissions:
		return ErrAuth
	}
	if resp := serr.Response(); resp != nil {
		switch resp.StatusCode {
		case http.StatusNotFound:
			return ErrNotFound
		case http.StatusUnauthorized, http.StatusForbidden:
			return ErrAuth
		}
	}
	return ErrTransport
}

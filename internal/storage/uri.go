package storage

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Scheme identifies where an artifact lives.
type Scheme string

const (
	SchemeFile  Scheme = "file"
	SchemeS3    Scheme = "s3"
	SchemeGCS   Scheme = "gs"
	SchemeAzure Scheme = "azure"
)

// URI is a parsed artifact location. For SchemeFile, Key is the local path
// and Bucket is empty.
type URI struct {
	Scheme Scheme
	Bucket string
	Key    string
}

// Remote reports whether fetching the artifact needs an object store.
func (u URI) Remote() bool {
	return u.Scheme != SchemeFile
}

func (u URI) String() string {
	if u.Scheme == SchemeFile {
		return u.Key
	}
	return fmt.Sprintf("%s://%s/%s", u.Scheme, u.Bucket, u.Key)
}

// ParseURI accepts s3://bucket/key, gs://bucket/key, azure://container/key,
// file:///path and plain paths.
func ParseURI(raw string) (URI, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return URI{}, fmt.Errorf("empty artifact location")
	}
	if !strings.Contains(raw, "://") {
		return URI{Scheme: SchemeFile, Key: raw}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return URI{}, fmt.Errorf("invalid artifact location %q: %w", raw, err)
	}

	switch Scheme(strings.ToLower(u.Scheme)) {
	case SchemeFile:
		return URI{Scheme: SchemeFile, Key: u.Path}, nil
	case SchemeS3:
		return remoteURI(SchemeS3, u, raw)
	case SchemeGCS, "gcs":
		return remoteURI(SchemeGCS, u, raw)
	case SchemeAzure:
		return remoteURI(SchemeAzure, u, raw)
	}
	return URI{}, fmt.Errorf("unsupported artifact scheme %q in %q", u.Scheme, raw)
}

func remoteURI(s Scheme, u *url.URL, raw string) (URI, error) {
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return URI{}, fmt.Errorf("artifact location %q needs both a bucket and a key", raw)
	}
	return URI{Scheme: s, Bucket: u.Host, Key: key}, nil
}

func splitLocal(path string) (string, string) {
	return filepath.Dir(path), filepath.Base(path)
}

package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/batmantechnologies/databasetool/internal/archive"
	"github.com/batmantechnologies/databasetool/internal/logging"
	"github.com/batmantechnologies/databasetool/internal/storage"
)

// DatabasePlaceholder in an artifact path is replaced with the source name.
const DatabasePlaceholder = "{database}"

const (
	schemaSuffix = "_schema.sql"
	dataSuffix   = "_data.sql"
)

// ErrArtifactNotFound is returned when an artifact is missing locally or
// remotely.
var ErrArtifactNotFound = errors.New("artifact not found")

// LocationKind says where an artifact lives.
type LocationKind string

const (
	Local  LocationKind = "local"
	Remote LocationKind = "remote"
)

// ArtifactRef points at one backup artifact.
type ArtifactRef struct {
	Location     LocationKind `json:"location" yaml:"location"`
	Path         string       `json:"path" yaml:"path"`
	DatabaseName string       `json:"database" yaml:"database"`
	Compressed   bool         `json:"compressed" yaml:"compressed"`
	Encrypted    bool         `json:"encrypted,omitempty" yaml:"encrypted,omitempty"`
}

func (a ArtifactRef) String() string {
	return fmt.Sprintf("%s:%s", a.Location, a.Path)
}

// NewArtifactRef classifies path, which may be a storage URI.
func NewArtifactRef(path, database string) (ArtifactRef, error) {
	u, err := storage.ParseURI(path)
	if err != nil {
		return ArtifactRef{}, err
	}
	ref := ArtifactRef{Location: Local, Path: u.String(), DatabaseName: database}
	if u.Remote() {
		ref.Location = Remote
	}
	if f, err := archive.DetectFormat(u.Key); err == nil {
		ref.Compressed = f.Codec.Compressed()
		ref.Encrypted = f.Encrypted
	}
	return ref, nil
}

// ExpandPath substitutes DatabasePlaceholder in template.
func ExpandPath(template, database string) string {
	return strings.ReplaceAll(template, DatabasePlaceholder, database)
}

// DiscoverSources lists the databases that have a <name>_schema.sql dump
// anywhere under dir, sorted and without duplicates.
func DiscoverSources(dir string) ([]string, error) {
	seen := make(map[string]bool)
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name, ok := strings.CutSuffix(d.Name(), schemaSuffix)
		if ok && name != "" {
			seen[name] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Opener resolves a remote URI to a store and key.
type Opener func(ctx context.Context, u storage.URI) (storage.ObjectStore, string, error)

// Cache fetches and unpacks each artifact at most once per batch, so a
// shared archive serves every job that names it.
type Cache struct {
	dir        string
	opener     Opener
	passphrase string
	logger     *logging.Logger

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	once sync.Once
	seq  int
	dir  string
	err  error
}

// NewCache keeps its files under dir.
func NewCache(dir string, opener Opener, passphrase string, logger *logging.Logger) *Cache {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Cache{
		dir:        dir,
		opener:     opener,
		passphrase: passphrase,
		logger:     logger,
		entries:    make(map[string]*cacheEntry),
	}
}

// Dir returns a directory holding the artifact's dump files. Directories and
// plain .sql files are used in place; archives are fetched if remote and then
// unpacked.
func (c *Cache) Dir(ctx context.Context, ref ArtifactRef) (string, error) {
	c.mu.Lock()
	e, ok := c.entries[ref.Path]
	if !ok {
		e = &cacheEntry{seq: len(c.entries)}
		c.entries[ref.Path] = e
	}
	c.mu.Unlock()

	e.once.Do(func() {
		e.dir, e.err = c.materialize(ctx, ref, e.seq)
	})
	return e.dir, e.err
}

func (c *Cache) materialize(ctx context.Context, ref ArtifactRef, n int) (string, error) {
	u, err := storage.ParseURI(ref.Path)
	if err != nil {
		return "", err
	}

	local := u.Key
	if u.Remote() {
		local, err = c.fetch(ctx, u, n)
		if err != nil {
			return "", err
		}
	} else {
		info, err := os.Stat(local)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("%w: %s", ErrArtifactNotFound, local)
			}
			return "", fmt.Errorf("failed to read artifact %s: %w", local, err)
		}
		if info.IsDir() {
			return local, nil
		}
		if strings.HasSuffix(strings.ToLower(local), ".sql") {
			return filepath.Dir(local), nil
		}
	}

	dest := filepath.Join(c.dir, fmt.Sprintf("unpacked-%d", n))
	names, err := archive.UnpackFile(ctx, local, dest, c.passphrase)
	if err != nil {
		return "", fmt.Errorf("failed to unpack %s: %w", ref.Path, err)
	}
	c.logger.WithField("artifact", ref.Path).Debugf("Unpacked %d files", len(names))
	return dest, nil
}

func (c *Cache) fetch(ctx context.Context, u storage.URI, n int) (string, error) {
	store, key, err := c.opener(ctx, u)
	if err != nil {
		return "", fmt.Errorf("failed to open storage for %s: %w", u, err)
	}

	body, err := store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrArtifactNotFound, u)
		}
		return "", fmt.Errorf("failed to download %s: %w", u, err)
	}
	defer body.Close()

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", err
	}
	local := filepath.Join(c.dir, fmt.Sprintf("download-%d-%s", n, filepath.Base(key)))
	f, err := os.OpenFile(local, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to download %s: %w", u, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	c.logger.WithField("artifact", u.String()).Info("Downloaded artifact")
	return local, nil
}

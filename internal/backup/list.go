package backup

import (
	"context"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/batmantechnologies/databasetool/internal/archive"
	"github.com/batmantechnologies/databasetool/internal/storage"
)

// Archive is one backup found in a store.
type Archive struct {
	Key      string         `json:"key" yaml:"key"`
	Location string         `json:"location" yaml:"location"`
	Database string         `json:"database" yaml:"database"`
	TakenAt  time.Time      `json:"taken_at" yaml:"taken_at"`
	Format   archive.Format `json:"-" yaml:"-"`
	Size     int64          `json:"size" yaml:"size"`
}

// ParseArchiveName splits <db>_<timestamp><extension> as written by
// ArchiveName.
func ParseArchiveName(name string) (db string, at time.Time, ok bool) {
	base := path.Base(name)
	if _, err := archive.DetectFormat(base); err != nil {
		return "", time.Time{}, false
	}
	stem := archive.TrimExtension(base)
	n := len(TimestampLayout)
	if len(stem) < n+2 || stem[len(stem)-n-1] != '_' {
		return "", time.Time{}, false
	}
	at, err := time.Parse(TimestampLayout, stem[len(stem)-n:])
	if err != nil {
		return "", time.Time{}, false
	}
	return stem[:len(stem)-n-1], at, true
}

// ListArchives returns the backups under prefix, newest first, optionally
// restricted to one database. Objects that are not backup archives are
// ignored.
func ListArchives(ctx context.Context, store storage.ObjectStore, prefix, database string) ([]Archive, error) {
	objects, err := store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	var out []Archive
	for _, o := range objects {
		db, at, ok := ParseArchiveName(o.Key)
		if !ok || (database != "" && db != database) {
			continue
		}
		f, _ := archive.DetectFormat(o.Key)
		out = append(out, Archive{
			Key:      o.Key,
			Location: store.Location(o.Key),
			Database: db,
			TakenAt:  at,
			Format:   f,
			Size:     o.Size,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].TakenAt.Equal(out[j].TakenAt) {
			return out[i].TakenAt.After(out[j].TakenAt)
		}
		return out[i].Database < out[j].Database
	})
	return out, nil
}

package backup

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batmantechnologies/databasetool/internal/archive"
	"github.com/batmantechnologies/databasetool/internal/storage"
)

func TestParseArchiveName(t *testing.T) {
	db, at, ok := ParseArchiveName("database_backups/user_events_2026-03-14_09-26-53.tar.zst.enc")
	require.True(t, ok)
	assert.Equal(t, "user_events", db)
	assert.Equal(t, fixedNow, at)

	for _, bad := range []string{"notes.txt", "shop.tar.gz", "shop_2026-13-14_09-26-53.tar.gz", "_2026-03-14_09-26-53.tar.gz"} {
		_, _, ok := ParseArchiveName(bad)
		assert.False(t, ok, bad)
	}
}

func TestArchiveNameRoundTrips(t *testing.T) {
	name := ArchiveName("crm", fixedNow, archive.Format{Codec: archive.CodecLZ4})
	db, at, ok := ParseArchiveName(name)
	require.True(t, ok)
	assert.Equal(t, "crm", db)
	assert.Equal(t, fixedNow, at)
}

func TestListArchives(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	for _, key := range []string{
		"database_backups/shop_2026-03-13_09-00-00.tar.gz",
		"database_backups/shop_2026-03-14_09-00-00.tar.gz",
		"database_backups/crm_2026-03-14_09-00-00.tar.zst",
		"database_backups/README.md",
		"other/shop_2026-03-15_09-00-00.tar.gz",
	} {
		require.NoError(t, store.Put(ctx, key, strings.NewReader("x")))
	}

	all, err := ListArchives(ctx, store, "database_backups/", "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "crm", all[0].Database)
	assert.Equal(t, "shop", all[1].Database)
	assert.Equal(t, time.Date(2026, 3, 13, 9, 0, 0, 0, time.UTC), all[2].TakenAt)
	assert.Equal(t, "mem://database_backups/crm_2026-03-14_09-00-00.tar.zst", all[0].Location)
	assert.Equal(t, archive.CodecZstd, all[0].Format.Codec)

	shop, err := ListArchives(ctx, store, "database_backups/", "shop")
	require.NoError(t, err)
	assert.Len(t, shop, 2)
}

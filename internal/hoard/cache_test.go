package hoard

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"nexus/internal/keyring"
	keyringmem "nexus/internal/keyring/memory"
	"nexus/internal/nexus"
	"nexus/internal/transform/digest"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := Open(Config{
		IndexPath:        filepath.Join(dir, "index.db"),
		DataPath:         filepath.Join(dir, "data.bin"),
		ChunkSize:        4096,
		MinHoardedChunks: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func tagOf(data []byte) nexus.Tag {
	return nexus.Tag(digest.Sum(digest.SHA1, data))
}

func TestPutThenGetRoundTrips(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	parcel, err := c.RegisterParcel(ctx, "uuid-1", "server", "user", "name")
	require.NoError(t, err)

	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i)
	}
	tag := tagOf(data)

	require.NoError(t, c.Put(ctx, parcel, tag, data, nexus.SuiteAES_SHA1))

	got, length, found, err := c.Get(ctx, tag)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 4096, length)
	require.Equal(t, data, got)
}

func TestGetMissingTagNotFound(t *testing.T) {
	c := newTestCache(t)
	_, _, found, err := c.Get(context.Background(), nexus.Tag("nonexistent-tag-bytes"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestPutSameTagTwiceSharesSlot(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	p1, _ := c.RegisterParcel(ctx, "p1", "s", "u", "n1")
	p2, _ := c.RegisterParcel(ctx, "p2", "s", "u", "n2")

	data := []byte("shared content padded to something")
	tag := tagOf(data)

	require.NoError(t, c.Put(ctx, p1, tag, data, nexus.SuiteAES_SHA1))
	require.NoError(t, c.Put(ctx, p2, tag, data, nexus.SuiteAES_SHA1))

	require.NoError(t, c.FlushOverlay(ctx))

	var refCount int
	require.NoError(t, c.db.QueryRow(`SELECT count(*) FROM refs WHERE tag = ?`, []byte(tag)).Scan(&refCount))
	require.Equal(t, 2, refCount)

	var chunkCount int
	require.NoError(t, c.db.QueryRow(`SELECT count(*) FROM chunks WHERE tag = ?`, []byte(tag)).Scan(&chunkCount))
	require.Equal(t, 1, chunkCount)
}

func TestSyncRefsDropsStaleAndAddsLive(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	parcel, _ := c.RegisterParcel(ctx, "p", "s", "u", "n")
	dataA := []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	dataB := []byte("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	tagA, tagB := tagOf(dataA), tagOf(dataB)

	require.NoError(t, c.Put(ctx, parcel, tagA, dataA, nexus.SuiteAES_SHA1))
	require.NoError(t, c.FlushOverlay(ctx))
	require.NoError(t, c.Put(ctx, parcel, tagB, dataB, nexus.SuiteAES_SHA1))
	require.NoError(t, c.FlushOverlay(ctx))

	// Only tagB remains live.
	require.NoError(t, c.SyncRefs(ctx, parcel, []nexus.Tag{tagB}))

	var n int
	require.NoError(t, c.db.QueryRow(`SELECT count(*) FROM refs WHERE parcel = ? AND tag = ?`, parcel, []byte(tagA)).Scan(&n))
	require.Equal(t, 0, n)

	var referenced int
	require.NoError(t, c.db.QueryRow(`SELECT referenced FROM chunks WHERE tag = ?`, []byte(tagA)).Scan(&referenced))
	require.Equal(t, 0, referenced)
}

func TestSyncRefsIsIdempotent(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	parcel, _ := c.RegisterParcel(ctx, "p", "s", "u", "n")
	data := []byte("idempotent-content-padded-out-some")
	tag := tagOf(data)
	require.NoError(t, c.Put(ctx, parcel, tag, data, nexus.SuiteAES_SHA1))
	require.NoError(t, c.FlushOverlay(ctx))

	require.NoError(t, c.SyncRefs(ctx, parcel, []nexus.Tag{tag}))
	require.NoError(t, c.SyncRefs(ctx, parcel, []nexus.Tag{tag}))

	var n int
	require.NoError(t, c.db.QueryRow(`SELECT count(*) FROM refs WHERE parcel = ? AND tag = ?`, parcel, []byte(tag)).Scan(&n))
	require.Equal(t, 1, n)
}

func TestInvalidateOnlyMatchesCurrentTag(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	parcel, _ := c.RegisterParcel(ctx, "p", "s", "u", "n")
	data := []byte("invalidate-target-content-here-ok")
	tag := tagOf(data)
	require.NoError(t, c.Put(ctx, parcel, tag, data, nexus.SuiteAES_SHA1))
	require.NoError(t, c.FlushOverlay(ctx))

	var offset int64
	require.NoError(t, c.db.QueryRow(`SELECT offset FROM chunks WHERE tag = ?`, []byte(tag)).Scan(&offset))

	// Stale tag must not invalidate.
	require.NoError(t, c.Invalidate(ctx, offset, nexus.Tag("wrong-tag")))
	var stillTagged int
	require.NoError(t, c.db.QueryRow(`SELECT count(*) FROM chunks WHERE offset = ? AND tag IS NOT NULL`, offset).Scan(&stillTagged))
	require.Equal(t, 1, stillTagged)

	require.NoError(t, c.Invalidate(ctx, offset, tag))
	require.NoError(t, c.db.QueryRow(`SELECT count(*) FROM chunks WHERE offset = ? AND tag IS NULL`, offset).Scan(&stillTagged))
	require.Equal(t, 1, stillTagged)
}

func TestValidateClearsDamagedWhenAllRowsVerify(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	parcel, _ := c.RegisterParcel(ctx, "p", "s", "u", "n")
	data := []byte("validate-me-content-padded-out-ok")
	tag := tagOf(data)
	require.NoError(t, c.Put(ctx, parcel, tag, data, nexus.SuiteAES_SHA1))
	require.NoError(t, c.FlushOverlay(ctx))

	keys := keyringmem.NewStore()
	require.NoError(t, keys.Put(ctx, keyring.Row{Chunk: 0, Tag: tag, Key: nexus.Key("k"), Compression: 0}))
	require.NoError(t, keys.SetDamaged(ctx, true))

	require.NoError(t, c.Validate(ctx, keys))

	damaged, err := keys.IsDamaged(ctx)
	require.NoError(t, err)
	require.False(t, damaged)
}

func TestValidateLeavesDamagedSetOnCorruption(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	parcel, _ := c.RegisterParcel(ctx, "p", "s", "u", "n")
	data := []byte("corrupt-me-content-padded-out-ok")
	tag := tagOf(data)
	require.NoError(t, c.Put(ctx, parcel, tag, data, nexus.SuiteAES_SHA1))
	require.NoError(t, c.FlushOverlay(ctx))

	var offset int64
	require.NoError(t, c.db.QueryRow(`SELECT offset FROM chunks WHERE tag = ?`, []byte(tag)).Scan(&offset))
	require.NoError(t, c.file.writeAt(offset, []byte("clobbered-bytes-replace-original-0")))

	keys := keyringmem.NewStore()
	require.NoError(t, keys.Put(ctx, keyring.Row{Chunk: 0, Tag: tag, Key: nexus.Key("k"), Compression: 0}))
	require.NoError(t, keys.SetDamaged(ctx, true))

	err := c.Validate(ctx, keys)
	require.Error(t, err)
	require.Equal(t, nexus.KindCorruption, nexus.KindOf(err))

	damaged, derr := keys.IsDamaged(ctx)
	require.NoError(t, derr)
	require.True(t, damaged)
}

package closet

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skycloset/skycloset/testutil"
)

func newTestDB(t *testing.T, opts ...DBOption) *DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "closet.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestDB_UpsertGetRoundTrip(t *testing.T) {
	db := newTestDB(t)

	meta := &BlobMeta{
		Hash:       "abc123",
		SizeBytes:  2048,
		LastAccess: time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC),
		Present:    true,
	}
	require.NoError(t, db.UpsertBlobMeta(meta))

	got, err := db.GetBlobMeta("abc123")
	require.NoError(t, err)
	assert.Equal(t, meta.Hash, got.Hash)
	assert.Equal(t, int64(2048), got.SizeBytes)
	assert.True(t, got.Present)
	assert.False(t, got.Pinned)
}

func TestDB_HashCaseInsensitive(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.UpsertBlobMeta(&BlobMeta{Hash: "ABCDEF", SizeBytes: 10, Present: true}))

	got, err := db.GetBlobMeta("abcdef")
	require.NoError(t, err)
	assert.Equal(t, "abcdef", got.Hash, "rows are stored under the canonical lowercase hash")

	got, err = db.GetBlobMeta("AbCdEf")
	require.NoError(t, err)
	assert.Equal(t, "abcdef", got.Hash)

	// Upserting under a different casing must update, not duplicate.
	require.NoError(t, db.UpsertBlobMeta(&BlobMeta{Hash: "abcDEF", SizeBytes: 20, Present: true}))
	metas, err := db.AllBlobMetas()
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, int64(20), metas[0].SizeBytes)
}

func TestDB_GetMissing(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetBlobMeta("ffff")
	require.ErrorIs(t, err, ErrMetaNotFound)
}

func TestDB_DeleteIdempotent(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.UpsertBlobMeta(&BlobMeta{Hash: "aa", SizeBytes: 1, Present: true}))
	require.NoError(t, db.DeleteBlobMeta("AA"))
	require.NoError(t, db.DeleteBlobMeta("aa"))

	_, err := db.GetBlobMeta("aa")
	require.ErrorIs(t, err, ErrMetaNotFound)
}

func TestDB_TotalBytesPresent(t *testing.T) {
	db := newTestDB(t)

	total, err := db.TotalBytesPresent()
	require.NoError(t, err)
	assert.Zero(t, total)

	require.NoError(t, db.AddBytesPresent(100))
	require.NoError(t, db.AddBytesPresent(50))
	require.NoError(t, db.AddBytesPresent(-30))

	total, err = db.TotalBytesPresent()
	require.NoError(t, err)
	assert.Equal(t, int64(120), total)

	require.NoError(t, db.SetTotalBytesPresent(999))
	total, err = db.TotalBytesPresent()
	require.NoError(t, err)
	assert.Equal(t, int64(999), total)
}

func TestDB_TouchBlob(t *testing.T) {
	clock := testutil.NewClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	db := newTestDB(t, WithNow(clock.Now))

	require.NoError(t, db.UpsertBlobMeta(&BlobMeta{Hash: "aa", SizeBytes: 1, Present: true}))

	clock.Advance(2 * time.Hour)
	require.NoError(t, db.TouchBlob("AA"))

	got, err := db.GetBlobMeta("aa")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Unix(), got.LastAccess.Unix())

	// Touching an unknown hash is a no-op.
	require.NoError(t, db.TouchBlob("bb"))
}

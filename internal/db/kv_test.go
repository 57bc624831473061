package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/medisync/internal/store"
)

func newTestKV(t *testing.T) *KVStore {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewKVStore(db)
}

func TestKVStore_roundTrip(t *testing.T) {
	kv := newTestKV(t)

	_, err := kv.Get(store.BucketEntities, "med-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, kv.Put(store.BucketEntities, "med-1", []byte(`{"dosage":"10mg"}`)))
	require.NoError(t, kv.Put(store.BucketEntities, "med-1", []byte(`{"dosage":"12mg"}`)))

	got, err := kv.Get(store.BucketEntities, "med-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"dosage":"12mg"}`, string(got))

	require.NoError(t, kv.Delete(store.BucketEntities, "med-1"))
	_, err = kv.Get(store.BucketEntities, "med-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestKVStore_ListByBucket(t *testing.T) {
	kv := newTestKV(t)

	require.NoError(t, kv.Put(store.BucketQueue, "op-2", []byte("b")))
	require.NoError(t, kv.Put(store.BucketQueue, "op-1", []byte("a")))
	require.NoError(t, kv.Put(store.BucketMeta, "cursor", []byte("c")))

	entries, err := kv.List(store.BucketQueue)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "op-1", entries[0].Key)
	assert.Equal(t, []byte("a"), entries[0].Value)
	assert.Equal(t, "op-2", entries[1].Key)
}

package database

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"scenefinder/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFeatureStore(t *testing.T, chunk int) *FeatureStore {
	t.Helper()
	s, err := OpenFeatureStore(filepath.Join(t.TempDir(), "features.db"), chunk)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func record(id types.ImageID, payload string) types.FeatureRecord {
	return types.FeatureRecord{ImageID: id, Extractor: "test", Data: []byte(payload)}
}

func TestFeatureStore_PutGet(t *testing.T) {
	s := newFeatureStore(t, 10)

	require.NoError(t, s.Put("a.jpg", record("a.jpg", "descriptors-a"), false))

	ok, err := s.Has("a.jpg")
	require.NoError(t, err)
	assert.True(t, ok, "unflushed put must be visible")

	got, err := s.Get("a.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("descriptors-a"), got.Data)
	assert.Equal(t, "test", got.Extractor)

	require.NoError(t, s.Flush())
	got, err = s.Get("a.jpg")
	require.NoError(t, err)
	assert.Equal(t, types.ImageID("a.jpg"), got.ImageID)
}

func TestFeatureStore_DuplicateKey(t *testing.T) {
	s := newFeatureStore(t, 10)

	require.NoError(t, s.Put("a.jpg", record("a.jpg", "one"), false))
	err := s.Put("a.jpg", record("a.jpg", "two"), false)
	assert.ErrorIs(t, err, ErrDuplicateKey)

	require.NoError(t, s.Put("a.jpg", record("a.jpg", "two"), true))
	got, err := s.Get("a.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got.Data)
}

func TestFeatureStore_NotFound(t *testing.T) {
	s := newFeatureStore(t, 10)

	_, err := s.Get("missing.jpg")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := s.Has("missing.jpg")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFeatureStore_ChunkedReopenKeepsRecords(t *testing.T) {
	s := newFeatureStore(t, 3)

	for i := 0; i < 10; i++ {
		id := types.ImageID(fmt.Sprintf("img_%02d.jpg", i))
		require.NoError(t, s.Put(id, record(id, string(id)), false))
	}

	var keys []types.ImageID
	for id, err := range s.ListKeys() {
		require.NoError(t, err)
		keys = append(keys, id)
	}
	require.Len(t, keys, 10)
	assert.Equal(t, types.ImageID("img_00.jpg"), keys[0])
	assert.Equal(t, types.ImageID("img_09.jpg"), keys[9])

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestFeatureStore_ReopenAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "features.db")

	s, err := OpenFeatureStore(path, 100)
	require.NoError(t, err)
	require.NoError(t, s.Put("x.jpg", record("x.jpg", "payload"), false))
	require.NoError(t, s.Close())

	s, err = OpenFeatureStore(path, 100)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get("x.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got.Data)
}

func TestFeatureStore_Delete(t *testing.T) {
	s := newFeatureStore(t, 10)

	require.NoError(t, s.Put("a.jpg", record("a.jpg", "x"), false))
	require.NoError(t, s.Flush())
	require.NoError(t, s.Delete("a.jpg"))

	_, err := s.Get("a.jpg")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFeatureStore_Closed(t *testing.T) {
	s := newFeatureStore(t, 10)
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Put("a.jpg", record("a.jpg", "x"), false), ErrClosed)
	_, err := s.Get("a.jpg")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFeatureStore_ListKeysAllowsWritesWhileIterating(t *testing.T) {
	prev := keyPageSize
	keyPageSize = 3
	t.Cleanup(func() { keyPageSize = prev })

	s := newFeatureStore(t, 4)
	for i := 0; i < 8; i++ {
		id := types.ImageID(fmt.Sprintf("img_%02d.jpg", i))
		require.NoError(t, s.Put(id, record(id, "x"), false))
	}

	var keys []types.ImageID
	for id, err := range s.ListKeys() {
		require.NoError(t, err)
		keys = append(keys, id)
		// Writing inside the loop must not deadlock.
		extra := types.ImageID("extra_" + string(id))
		require.NoError(t, s.Put(extra, record(extra, "y"), false))
		require.NoError(t, s.Delete(extra))
	}
	require.Len(t, keys, 8)
	assert.Equal(t, types.ImageID("img_00.jpg"), keys[0])
	assert.Equal(t, types.ImageID("img_07.jpg"), keys[7])
}

func TestFeatureStore_ListKeysIncludesUnflushedPuts(t *testing.T) {
	s := newFeatureStore(t, 100)
	require.NoError(t, s.Put("b.jpg", record("b.jpg", "x"), false))
	require.NoError(t, s.Put("a.jpg", record("a.jpg", "x"), false))

	var keys []types.ImageID
	for id, err := range s.ListKeys() {
		require.NoError(t, err)
		keys = append(keys, id)
	}
	assert.Equal(t, []types.ImageID{"a.jpg", "b.jpg"}, keys)
}

func TestFeatureStore_ListKeysClosed(t *testing.T) {
	s := newFeatureStore(t, 10)
	require.NoError(t, s.Close())
	var errs []error
	for _, err := range s.ListKeys() {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrClosed)
}

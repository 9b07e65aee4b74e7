package datastore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPutGetDelete(t *testing.T) {
	m := NewMemory()

	_, err := m.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Put([]byte("k"), []byte("v")))
	v, err := m.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, m.Delete([]byte("k")))
	_, err = m.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLevelDBPutGet(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenLevelDB(dir)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Put([]byte("key"), []byte("value")))
	v, err := db.Get([]byte("key"))
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), v)

	_, err = db.Get([]byte("missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

package gormstore

import (
	"database/sql"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txcoord/store"
	"txcoord/txerror"
)

func TestSplitResourceKey(t *testing.T) {
	table, id, err := splitResourceKey("accounts/42")
	require.NoError(t, err)
	assert.Equal(t, "accounts", table)
	assert.Equal(t, "42", id)

	for _, bad := range []string{"", "accounts", "/42", "accounts/", "acc ounts/1", "acc`ounts/1"} {
		_, _, err := splitResourceKey(bad)
		require.Error(t, err, "key %q", bad)
		assert.True(t, errors.Is(err, ErrBadResourceKey))
		assert.Equal(t, txerror.Fatal, txerror.ClassOf(err))
	}
}

func TestSafeIdentifier(t *testing.T) {
	assert.True(t, safeIdentifier("batch_item_3"))
	assert.True(t, safeIdentifier("SP1"))
	assert.False(t, safeIdentifier(""))
	assert.False(t, safeIdentifier("sp; DROP TABLE users"))
	assert.False(t, safeIdentifier("sp`"))
}

func TestSQLIsolationMapping(t *testing.T) {
	assert.Equal(t, sql.LevelReadUncommitted, sqlIsolation(store.ReadUncommitted))
	assert.Equal(t, sql.LevelReadCommitted, sqlIsolation(store.ReadCommitted))
	assert.Equal(t, sql.LevelRepeatableRead, sqlIsolation(store.RepeatableRead))
	assert.Equal(t, sql.LevelSerializable, sqlIsolation(store.Serializable))
}

package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateIsRepeatable(t *testing.T) {
	db, err := New("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Ping(context.Background()))
	require.NoError(t, db.Migrate())
	require.NoError(t, db.Migrate())

	var n int
	require.NoError(t, db.Db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN
		('users','conversations','conversation_members','messages','message_reads','idempotency_keys')`).Scan(&n))
	assert.Equal(t, 6, n)
}

func TestForeignKeysEnforced(t *testing.T) {
	db, err := New("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	_, err = db.Db.Exec(`INSERT INTO conversation_members (conversation_id, user_id) VALUES (99, 99)`)
	assert.Error(t, err)
}

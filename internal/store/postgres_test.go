package store

import (
	"context"
	"testing"
	"time"

	"github.com/ageniuscoder/mmchat/realtime/internal/delivery"
	"github.com/ageniuscoder/mmchat/realtime/internal/storage/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pgcontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
)

func newPostgresStore(t *testing.T) *SQLStore {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container test skipped in -short mode")
	}
	ctx := context.Background()

	var (
		container *pgcontainer.PostgresContainer
		runErr    error
	)
	func() {
		// testcontainers panics when no Docker host can be found
		defer func() {
			if r := recover(); r != nil {
				t.Skipf("docker unavailable: %v", r)
			}
		}()
		container, runErr = pgcontainer.Run(ctx,
			"postgres:16-alpine",
			pgcontainer.WithDatabase("mmchat"),
			pgcontainer.WithUsername("mmchat"),
			pgcontainer.WithPassword("password"),
			pgcontainer.BasicWaitStrategies(),
		)
	}()
	if runErr != nil {
		t.Skipf("failed to start postgres container: %v", runErr)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable", "application_name=test")
	require.NoError(t, err)

	db, err := postgres.New(connStr)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	s := NewSQL(db.Db, Postgres)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRebind(t *testing.T) {
	s := &SQLStore{dialect: Postgres}
	assert.Equal(t, "SELECT 1 WHERE a=$1 AND b IN ($2,$3)", s.rebind("SELECT 1 WHERE a=? AND b IN (?,?)"))

	s.dialect = SQLite
	assert.Equal(t, "a=?", s.rebind("a=?"))
}

func TestPostgresGateway(t *testing.T) {
	f := seed(t, newPostgresStore(t))
	ctx := context.Background()

	m := submit(t, f, f.alice, "pg-1", "over postgres")
	again, dup, err := f.store.Submit(ctx, SubmitParams{
		ConversationID: f.aliceAndBob.ID, SenderID: f.alice, IdempotencyKey: "pg-1", Draft: text("over postgres"),
	})
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, m.ID, again.ID)

	changed, err := f.store.AdvanceStatus(ctx, f.bob, f.aliceAndBob.ID, delivery.StatusRead, 0, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []int64{m.ID}, changed)

	deleted, ok, err := f.store.SoftDelete(ctx, f.alice, m.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, deleted.IsDeleted)

	list, err := f.store.ListConversations(ctx, f.bob, Page{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 0, list[0].UnreadCount)
	require.NotNil(t, list[0].LastMessage)
	assert.True(t, list[0].LastMessage.IsDeleted)
}

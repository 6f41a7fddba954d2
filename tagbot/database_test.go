package tagbot

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestCreateDB_InvalidType(t *testing.T) {
	t.Parallel()
	_, err := CreateDB(context.Background(), "mysql", filepath.Join(t.TempDir(), "x.db"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database type")
}

func TestCreateDB_NestedDirectory(t *testing.T) {
	t.Parallel()
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "tags.sqlite3")
	db, err := CreateDB(context.Background(), dbTypeSQLite, dbPath)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	require.NoError(t, configureSQLite(context.Background(), db))

	for _, model := range []any{&Tag{}, &InteractionLog{}, &APIAdmin{}} {
		assert.True(t, db.Migrator().HasTable(model))
	}
}

func TestDatabase_Create(t *testing.T) {
	t.Parallel()
	dbi := setupTestDB(t)
	ctx := context.Background()

	tag := NewTag("hello", "hi there", "")
	rows, err := dbi.Create(ctx, tag)
	require.NoError(t, err)
	assert.EqualValues(t, 1, rows)
	require.NotZero(t, tag.ID)
	assert.NotZero(t, tag.CreatedAt)

	var got Tag
	require.NoError(t, dbi.DB().First(&got, tag.ID).Error)
	assert.Equal(t, "hi there", got.ResponseText())

	// omitted columns are left unset
	omitted := NewTag("omitted", "kept", "https://cdn.example.com/omitted.png")
	_, err = dbi.Create(ctx, omitted, "Attachment")
	require.NoError(t, err)
	var gotOmitted Tag
	require.NoError(t, dbi.DB().First(&gotOmitted, omitted.ID).Error)
	assert.Equal(t, "kept", gotOmitted.ResponseText())
	assert.Nil(t, gotOmitted.Attachment)

	var count int64
	require.NoError(t, dbi.DB().Model(&Tag{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestDatabase_TransactionRollback(t *testing.T) {
	t.Parallel()
	dbi := setupTestDB(t)
	ctx := context.Background()

	rollback := errors.New("rollback")
	err := dbi.Transaction(
		ctx, func(tx *gorm.DB) error {
			if e := tx.Create(NewTag("first", "one", "")).Error; e != nil {
				return e
			}
			return rollback
		},
	)
	require.ErrorIs(t, err, rollback)

	var count int64
	require.NoError(t, dbi.DB().Model(&Tag{}).Count(&count).Error)
	assert.Zero(t, count)

	err = dbi.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Create(NewTag("second", "two", "")).Error
		},
	)
	require.NoError(t, err)
	require.NoError(t, dbi.DB().Model(&Tag{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestDatabase_CanceledContext(t *testing.T) {
	t.Parallel()
	dbi := setupTestDB(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := dbi.Create(ctx, NewTag("late", "too late", ""))
	assert.Error(t, err)
}

func TestWithDBTimeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := withDBTimeout(context.Background())
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(dbOperationTimeout), deadline, time.Second)

	parent, parentCancel := context.WithTimeout(context.Background(), time.Minute)
	defer parentCancel()
	parentDeadline, _ := parent.Deadline()
	ctx, cancel = withDBTimeout(parent)
	defer cancel()
	deadline, ok = ctx.Deadline()
	require.True(t, ok)
	assert.Equal(t, parentDeadline, deadline)
}

func TestDatabase_Lock(t *testing.T) {
	t.Parallel()

	serial := NewDatabase(nil, slog.Default(), false)
	serial.Lock()
	locked := make(chan struct{})
	go func() {
		serial.Lock()
		close(locked)
		serial.Unlock()
	}()

	select {
	case <-locked:
		t.Fatal("expected second Lock to block")
	case <-time.After(50 * time.Millisecond):
	}
	serial.Unlock()

	select {
	case <-locked:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for lock")
	}

	// concurrent writes never block
	concurrent := NewDatabase(nil, nil, true)
	concurrent.Lock()
	concurrent.Lock()
	concurrent.Unlock()
	concurrent.Unlock()
}

func notifierTestBot(t testing.TB, dbType string) *TagBot {
	t.Helper()
	cfg := DefaultTestConfig(t)
	cfg.DatabaseType = dbType
	return &TagBot{
		config:     cfg,
		logger:     slog.Default(),
		signalStop: make(chan struct{}, 1),
	}
}

func TestNewTagNotifier(t *testing.T) {
	t.Parallel()

	t.Run(
		"sqlite", func(t *testing.T) {
			t.Parallel()
			n, err := newTagNotifier(notifierTestBot(t, dbTypeSQLite))
			require.NoError(t, err)
			require.IsType(t, &sqliteNotifier{}, n)
			assert.Empty(t, n.TagsChannelName())
			assert.Empty(t, n.StopChannelName())
			assert.Len(t, n.ID(), 16)
			assert.True(t, n.ReloadTags(context.Background()))
			assert.NoError(t, n.Listen(context.Background(), n.TagsChannelName()))
		},
	)

	t.Run(
		"postgres", func(t *testing.T) {
			t.Parallel()
			n, err := newTagNotifier(notifierTestBot(t, dbTypePostgres))
			require.NoError(t, err)
			require.IsType(t, &postgresNotifier{}, n)
			assert.Equal(t, postgresNotifyChannelReloadTag, n.TagsChannelName())
			assert.Equal(t, postgresNotifyChannelStop, n.StopChannelName())
		},
	)

	t.Run(
		"invalid", func(t *testing.T) {
			t.Parallel()
			_, err := newTagNotifier(notifierTestBot(t, "mysql"))
			assert.Error(t, err)
		},
	)

	t.Run(
		"unique ids", func(t *testing.T) {
			t.Parallel()
			b := notifierTestBot(t, dbTypeSQLite)
			first, err := newTagNotifier(b)
			require.NoError(t, err)
			second, err := newTagNotifier(b)
			require.NoError(t, err)
			assert.NotEqual(t, first.ID(), second.ID())
		},
	)
}

func TestSQLiteNotifier_Stop(t *testing.T) {
	t.Parallel()

	b := notifierTestBot(t, dbTypeSQLite)
	n, err := newTagNotifier(b)
	require.NoError(t, err)

	require.True(t, n.Stop(context.Background()))
	select {
	case <-b.signalStop:
	default:
		t.Fatal("expected stop signal")
	}

	// with the buffer full, Stop gives up when ctx is done
	b.signalStop <- struct{}{}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.False(t, n.Stop(ctx))
}

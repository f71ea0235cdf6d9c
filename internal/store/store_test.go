package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberchat/relay/internal/domain"
	"github.com/emberchat/relay/internal/logging"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:", logging.New(nil, "silent"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrationsApplyOnce(t *testing.T) {
	db := testDB(t)

	var count int
	require.NoError(t, db.SQL().QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, len(migrations), count)

	// Re-running is a no-op
	require.NoError(t, db.migrate())
	require.NoError(t, db.SQL().QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, len(migrations), count)
}

func TestMemorySchemaSurvivesConcurrentUse(t *testing.T) {
	db := testDB(t)
	tokens := NewTokenStore(db)
	now := time.Now()

	// Parallel writers push database/sql to hand out more connections; for
	// ":memory:" every extra connection would be a fresh empty database, so
	// each write would fail with a missing-table error.
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- tokens.Put(domain.TokenRecord{
				Token:     fmt.Sprintf("tok-%d", i),
				Identity:  "postsale:user:u1",
				CreatedAt: now,
				ExpiresAt: now.Add(time.Hour),
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var count int
	require.NoError(t, db.SQL().QueryRow("SELECT COUNT(*) FROM tokens").Scan(&count))
	assert.Equal(t, 16, count)
}

func TestTokenStoreRoundTrip(t *testing.T) {
	tokens := NewTokenStore(testDB(t))
	now := time.Now()

	rec := domain.TokenRecord{
		Token:       "tok-1",
		Identity:    "postsale:user:u1",
		DisplayName: "Uma",
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
	}
	require.NoError(t, tokens.Put(rec))

	got, ok := tokens.Get("tok-1")
	require.True(t, ok)
	assert.Equal(t, rec.Identity, got.Identity)
	assert.Equal(t, rec.DisplayName, got.DisplayName)
	assert.False(t, got.Online)
	assert.Equal(t, rec.ExpiresAt.UnixMilli(), got.ExpiresAt.UnixMilli())

	_, ok = tokens.Get("missing")
	assert.False(t, ok)
}

func TestTokenStorePutReplaces(t *testing.T) {
	tokens := NewTokenStore(testDB(t))
	now := time.Now()

	require.NoError(t, tokens.Put(domain.TokenRecord{
		Token: "tok-1", Identity: "a", CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, tokens.Put(domain.TokenRecord{
		Token: "tok-1", Identity: "b", CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))

	got, ok := tokens.Get("tok-1")
	require.True(t, ok)
	assert.Equal(t, "b", got.Identity)
}

func TestTokenStoreOnlineAndExpiry(t *testing.T) {
	tokens := NewTokenStore(testDB(t))
	now := time.Now()

	require.NoError(t, tokens.Put(domain.TokenRecord{
		Token: "tok-1", Identity: "a", CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}))

	later := now.Add(time.Hour)
	assert.True(t, tokens.SetOnline("tok-1", true, later))
	got, _ := tokens.Get("tok-1")
	assert.True(t, got.Online)
	assert.Equal(t, later.UnixMilli(), got.ExpiresAt.UnixMilli())

	assert.True(t, tokens.UpdateExpiry("tok-1", later.Add(time.Hour)))
	assert.False(t, tokens.UpdateExpiry("missing", later))
	assert.False(t, tokens.SetOnline("missing", true, later))
}

func TestTokenStoreDeleteExpired(t *testing.T) {
	tokens := NewTokenStore(testDB(t))
	now := time.Now()

	require.NoError(t, tokens.Put(domain.TokenRecord{
		Token: "old", Identity: "a", CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}))
	require.NoError(t, tokens.Put(domain.TokenRecord{
		Token: "fresh", Identity: "b", CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))

	assert.Equal(t, int64(1), tokens.DeleteExpired(now))
	_, ok := tokens.Get("old")
	assert.False(t, ok)
	_, ok = tokens.Get("fresh")
	assert.True(t, ok)
}

func TestHistoryAppendAndConversationOrder(t *testing.T) {
	history := NewHistoryStore(testDB(t))

	for i, content := range []string{"first", "second", "third"} {
		require.NoError(t, history.Append(domain.ChatMessage{
			MsgID:          string(rune('a' + i)),
			SenderID:       "user:u1",
			SenderRole:     domain.RoleUser,
			ReceiverID:     "agent:a1",
			ConversationID: "conv-1",
			Content:        content,
			MsgType:        domain.MsgText,
			SentAt:         time.Now(),
		}))
	}
	require.NoError(t, history.Append(domain.ChatMessage{
		MsgID: "x", SenderID: "u", SenderRole: domain.RoleUser, ReceiverID: "a",
		ConversationID: "conv-other", Content: "elsewhere", MsgType: domain.MsgText, SentAt: time.Now(),
	}))

	msgs, err := history.Conversation("conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
	assert.Equal(t, "third", msgs[2].Content)
	assert.Equal(t, domain.RoleUser, msgs[0].SenderRole)
}

func TestHistoryPurgeBefore(t *testing.T) {
	history := NewHistoryStore(testDB(t))
	now := time.Now()

	require.NoError(t, history.Append(domain.ChatMessage{
		MsgID: "old", SenderID: "u", SenderRole: domain.RoleUser, ReceiverID: "a",
		ConversationID: "conv-1", Content: "old", MsgType: domain.MsgText, SentAt: now.Add(-48 * time.Hour),
	}))
	require.NoError(t, history.Append(domain.ChatMessage{
		MsgID: "new", SenderID: "u", SenderRole: domain.RoleUser, ReceiverID: "a",
		ConversationID: "conv-1", Content: "new", MsgType: domain.MsgText, SentAt: now,
	}))

	assert.Equal(t, int64(1), history.PurgeBefore(now.Add(-24*time.Hour)))

	msgs, err := history.Conversation("conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "new", msgs[0].Content)
}

func TestOfflineEnqueuePendingFIFO(t *testing.T) {
	offline := NewOfflineStore(testDB(t))

	for _, content := range []string{"one", "two", "three"} {
		msg := domain.ChatMessage{
			SenderID: "user:u1", SenderRole: domain.RoleUser, ReceiverID: "agent:a1",
			ConversationID: "conv-1", Content: content, MsgType: domain.MsgText, SentAt: time.Now(),
		}
		require.NoError(t, offline.Enqueue("agent:a1", "conv-1", msg))
	}

	entries, err := offline.Pending("agent:a1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "one", entries[0].Message.Content)
	assert.Equal(t, "two", entries[1].Message.Content)
	assert.Equal(t, "three", entries[2].Message.Content)
	assert.False(t, entries[0].Pushed)
}

func TestOfflineMarkPushed(t *testing.T) {
	offline := NewOfflineStore(testDB(t))

	msg := domain.ChatMessage{SenderID: "u", ReceiverID: "r", ConversationID: "c", Content: "hi", MsgType: domain.MsgText}
	require.NoError(t, offline.Enqueue("r", "c", msg))

	entries, err := offline.Pending("r")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, offline.MarkPushed(entries[0].ID))
	entries, err = offline.Pending("r")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOfflinePullIsAtomic(t *testing.T) {
	offline := NewOfflineStore(testDB(t))

	msg := domain.ChatMessage{SenderID: "u", ReceiverID: "r", ConversationID: "c", Content: "hi", MsgType: domain.MsgText}
	require.NoError(t, offline.Enqueue("r", "c", msg))
	require.NoError(t, offline.Enqueue("r", "other", msg))

	entries, err := offline.Pull("r", "c")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "hi", entries[0].Message.Content)

	// Second pull finds nothing; the other conversation is untouched
	entries, err = offline.Pull("r", "c")
	require.NoError(t, err)
	assert.Empty(t, entries)

	remaining, err := offline.Pending("r")
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestOfflinePurgeKeepsUnpushed(t *testing.T) {
	db := testDB(t)
	offline := NewOfflineStore(db)

	msg := domain.ChatMessage{SenderID: "u", ReceiverID: "r", ConversationID: "c", Content: "hi", MsgType: domain.MsgText}
	require.NoError(t, offline.Enqueue("r", "c", msg))
	require.NoError(t, offline.Enqueue("r", "c", msg))

	entries, err := offline.Pending("r")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.NoError(t, offline.MarkPushed(entries[0].ID))

	// Backdate both rows past the horizon
	_, err = db.SQL().Exec(`UPDATE offline_queue SET created_at = ?`, time.Now().Add(-48*time.Hour).UnixMilli())
	require.NoError(t, err)

	assert.Equal(t, int64(1), offline.PurgePushedBefore(time.Now().Add(-24*time.Hour)))

	// The unpushed entry survived
	remaining, err := offline.Pending("r")
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

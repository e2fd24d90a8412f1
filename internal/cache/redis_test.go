package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marijobs-go/internal/models"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLedger_ExpiresWithWindow(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredis(t)
	ledger := NewRedisLedger(client)
	pairing := models.Pairing{Term: "Backend", Country: "Portugal"}

	ok, err := ledger.FetchedWithin(ctx, pairing)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, ledger.MarkFetched(ctx, pairing, 48*time.Hour))
	ok, err = ledger.FetchedWithin(ctx, models.Pairing{Term: "backend", Country: "portugal"})
	require.NoError(t, err)
	assert.True(t, ok, "pairing keys ignore case")

	mr.FastForward(49 * time.Hour)
	ok, err = ledger.FetchedWithin(ctx, pairing)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisLedger_ErrorWhenServerGone(t *testing.T) {
	mr, client := newMiniredis(t)
	mr.Close()

	_, err := NewRedisLedger(client).FetchedWithin(context.Background(), models.Pairing{Term: "go", Country: "spain"})
	assert.Error(t, err)
}

func TestRedisLocker(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredis(t)
	locker := NewRedisLocker(client, "worker-1")

	require.NoError(t, locker.Acquire(ctx, "alice", time.Minute))
	assert.ErrorIs(t, locker.Acquire(ctx, "alice", time.Minute), ErrLocked)
	require.NoError(t, locker.Acquire(ctx, "bob", time.Minute))

	require.NoError(t, locker.Release(ctx, "alice"))
	require.NoError(t, locker.Acquire(ctx, "alice", time.Minute))

	mr.FastForward(2 * time.Minute)
	assert.NoError(t, locker.Acquire(ctx, "bob", time.Minute), "stale locks expire")
}

func TestRedisLocker_OnlyOwnerReleases(t *testing.T) {
	ctx := context.Background()
	_, client := newMiniredis(t)
	mine := NewRedisLocker(client, "worker-1")
	theirs := NewRedisLocker(client, "worker-2")

	require.NoError(t, theirs.Acquire(ctx, "alice", time.Hour))
	require.NoError(t, mine.Release(ctx, "alice"))
	assert.ErrorIs(t, mine.Acquire(ctx, "alice", time.Hour), ErrLocked)

	require.NoError(t, theirs.Release(ctx, "alice"))
	assert.NoError(t, mine.Acquire(ctx, "alice", time.Hour))
}

func TestRedisLocker_ReleaseOwnedAfterCrash(t *testing.T) {
	ctx := context.Background()
	_, client := newMiniredis(t)
	crashed := NewRedisLocker(client, "worker-1")
	other := NewRedisLocker(client, "worker-2")
	require.NoError(t, crashed.Acquire(ctx, "alice", time.Hour))
	require.NoError(t, crashed.Acquire(ctx, "bob", time.Hour))
	require.NoError(t, other.Acquire(ctx, "carol", time.Hour))
	require.NoError(t, client.Set(ctx, "marijobs:fetched:go|spain", "x", time.Hour).Err())

	restarted := NewRedisLocker(client, "worker-1")
	n, err := restarted.ReleaseOwned(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.NoError(t, restarted.Acquire(ctx, "alice", time.Hour))
	assert.ErrorIs(t, restarted.Acquire(ctx, "carol", time.Hour), ErrLocked)
	ok, err := client.Exists(ctx, "marijobs:fetched:go|spain").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), ok)
}

func TestRedisPublisher_PublishesJSON(t *testing.T) {
	client, mock := redismock.NewClientMock()
	event := Event{
		Type: EventStageChanged, Individual: "alice", JobID: "job-1",
		From: models.StageInterview, To: models.StageScreening,
		At: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	mock.ExpectPublish(EventStageChanged, payload).SetVal(1)

	require.NoError(t, NewRedisPublisher(client).Publish(context.Background(), event))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisPublisher_SubscriberReceives(t *testing.T) {
	ctx := context.Background()
	_, client := newMiniredis(t)

	sub := client.Subscribe(ctx, EventStageChanged)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, NewRedisPublisher(client).Publish(ctx, Event{Type: EventStageChanged, JobID: "job-9", To: models.StageOffer}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var got Event
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, "job-9", got.JobID)
	assert.Equal(t, models.StageOffer, got.To)
}

func TestMemoryLedgerAndLocker(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	ledger := NewMemoryLedger()
	ledger.Now = clock
	p := models.Pairing{Term: "go", Country: "spain"}
	require.NoError(t, ledger.MarkFetched(ctx, p, time.Hour))
	ok, _ := ledger.FetchedWithin(ctx, p)
	assert.True(t, ok)
	now = now.Add(2 * time.Hour)
	ok, _ = ledger.FetchedWithin(ctx, p)
	assert.False(t, ok)

	locker := NewMemoryLocker()
	locker.Now = clock
	require.NoError(t, locker.Acquire(ctx, "a", time.Minute))
	assert.ErrorIs(t, locker.Acquire(ctx, "a", time.Minute), ErrLocked)
	require.NoError(t, locker.Release(ctx, "a"))
	assert.NoError(t, locker.Acquire(ctx, "a", time.Minute))
}

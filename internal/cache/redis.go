package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"marijobs-go/internal/models"
)

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return client, nil
}

type RedisLedger struct {
	client *redis.Client
}

func NewRedisLedger(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client}
}

func (l *RedisLedger) MarkFetched(ctx context.Context, pairing models.Pairing, ttl time.Duration) error {
	return l.client.Set(ctx, pairingKey(pairing), time.Now().UTC().Format(time.RFC3339), ttl).Err()
}

func (l *RedisLedger) FetchedWithin(ctx context.Context, pairing models.Pairing) (bool, error) {
	n, err := l.client.Exists(ctx, pairingKey(pairing)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// releaseScript deletes a lock only while it still names the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker stores the owner as the lock value. A process only ever
// deletes locks carrying its own owner.
type RedisLocker struct {
	client *redis.Client
	owner  string
}

func NewRedisLocker(client *redis.Client, owner string) *RedisLocker {
	return &RedisLocker{client: client, owner: owner}
}

func (l *RedisLocker) Acquire(ctx context.Context, individual string, ttl time.Duration) error {
	ok, err := l.client.SetNX(ctx, lockKey(individual), l.owner, ttl).Result()
	if err != nil {
		return errors.Wrap(err, "acquire search lock")
	}
	if !ok {
		return ErrLocked
	}
	return nil
}

func (l *RedisLocker) Release(ctx context.Context, individual string) error {
	return errors.Wrap(releaseScript.Run(ctx, l.client, []string{lockKey(individual)}, l.owner).Err(), "release search lock")
}

// ReleaseOwned drops every lock held under this owner. Called before the
// process starts any run, it clears what a crashed predecessor left behind.
func (l *RedisLocker) ReleaseOwned(ctx context.Context) (int, error) {
	released := 0
	iter := l.client.Scan(ctx, 0, lockKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		n, err := releaseScript.Run(ctx, l.client, []string{iter.Val()}, l.owner).Int()
		if err != nil {
			return released, errors.Wrapf(err, "release %s", iter.Val())
		}
		released += n
	}
	return released, errors.Wrap(iter.Err(), "scan search locks")
}

// RedisPublisher publishes events as JSON on a channel named after the event type.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	return p.client.Publish(ctx, event.Type, payload).Err()
}

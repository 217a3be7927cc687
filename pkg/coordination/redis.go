package coordination

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store against a Redis server: SET NX PX gives the CAS
// lease acquisition, a Lua script gives CAS-checked renew/release, and native
// pub/sub backs Publish/Subscribe, a closer match to the lease+messaging
// contract than a replicated log.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing go-redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// renewScript extends the TTL only if the stored value still matches holderID,
// preventing a stale holder from renewing a lease another instance now owns.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// releaseScript deletes the key only if the stored value still matches holderID.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// TryAcquireLease attempts SET key holderID NX PX ttl, which succeeds only
// when no unexpired lease exists.
func (s *RedisStore) TryAcquireLease(ctx context.Context, key, holderID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, holderID, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// RenewLease extends the TTL iff holderID still owns the lease.
func (s *RedisStore) RenewLease(ctx context.Context, key, holderID string, ttl time.Duration) (bool, error) {
	res, err := renewScript.Run(ctx, s.client, []string{key}, holderID, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// ReleaseLease deletes the lease key iff holderID still owns it.
func (s *RedisStore) ReleaseLease(ctx context.Context, key, holderID string) error {
	_, err := releaseScript.Run(ctx, s.client, []string{key}, holderID).Int64()
	return err
}

// Publish broadcasts message on a Redis pub/sub channel named topic.
func (s *RedisStore) Publish(ctx context.Context, topic string, message []byte) error {
	return s.client.Publish(ctx, topic, message).Err()
}

// Subscribe returns a channel fed by a Redis pub/sub subscription; the
// underlying subscription and returned channel are closed when ctx is done.
func (s *RedisStore) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	pubsub := s.client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	out := make(chan Message)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				out <- Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

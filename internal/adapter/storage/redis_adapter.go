package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/order-placement/internal/core/domain"
)

const (
	idempotencyKeyPrefix = "idempotency:"
	idempotencyKeyTTL    = 24 * time.Hour
	pendingMarker        = "pending"
)

// claimScript sets the key to the pending marker when absent and returns "".
// Otherwise it returns the stored value.
var claimScript = redis.NewScript(`
local key = KEYS[1]
local marker = ARGV[1]
local ttl = tonumber(ARGV[2])

if redis.call('SET', key, marker, 'NX', 'PX', ttl) then
	return ''
end

local current = redis.call('GET', key)
if not current then
	return marker
end
return current
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

type RedisAdapter struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client, ttl: idempotencyKeyTTL}
}

func (r *RedisAdapter) Claim(ctx context.Context, key string) (bool, *domain.PlacementResult, error) {
	current, err := claimScript.Run(ctx, r.client,
		[]string{idempotencyKeyPrefix + key}, pendingMarker, r.ttl.Milliseconds()).Text()
	if err != nil {
		return false, nil, err
	}

	switch current {
	case "":
		return true, nil, nil
	case pendingMarker:
		return false, nil, nil
	}

	var result domain.PlacementResult
	if err := json.Unmarshal([]byte(current), &result); err != nil {
		return false, nil, fmt.Errorf("decode stored result for %s: %w", key, err)
	}
	return false, &result, nil
}

func (r *RedisAdapter) Complete(ctx context.Context, key string, result domain.PlacementResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return r.client.Set(ctx, idempotencyKeyPrefix+key, payload, redis.KeepTTL).Err()
}

// Release deletes the key only while it still holds the pending marker.
func (r *RedisAdapter) Release(ctx context.Context, key string) error {
	return releaseScript.Run(ctx, r.client, []string{idempotencyKeyPrefix + key}, pendingMarker).Err()
}

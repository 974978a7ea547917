package evaluator

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tryAcquireScript compares the stored firing time with now and, when the
// cooldown has elapsed, stores now with a PX TTL equal to the cooldown.
var tryAcquireScript = redis.NewScript(`
local last = redis.call('GET', KEYS[1])
local now = tonumber(ARGV[1])
local cd = tonumber(ARGV[2])
if last and (now - tonumber(last)) < cd then
  return 0
end
if cd > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
else
  redis.call('DEL', KEYS[1])
end
return 1
`)

// RedisCooldown shares cooldown state between replicas.
type RedisCooldown struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisCooldown(rdb *redis.Client, prefix string) *RedisCooldown {
	if prefix == "" {
		prefix = "perfpulse:cooldown:"
	}
	return &RedisCooldown{rdb: rdb, prefix: prefix}
}

func (r *RedisCooldown) TryAcquire(ctx context.Context, key string, now time.Time, cooldown time.Duration) (bool, error) {
	res, err := tryAcquireScript.Run(ctx, r.rdb, []string{r.prefix + key}, now.UnixMilli(), cooldown.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("cooldown cas %s: %w", key, err)
	}
	return res == 1, nil
}

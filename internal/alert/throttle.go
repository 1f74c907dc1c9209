package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/aqiwatch/pipeline/internal/aqi"
)

// ThrottleStore is the per-condition CAS store backing ThrottleState.
// Grounded on the teacher's store.RedisStore versioned-value pattern: the
// Redis backend keeps each state as a JSON blob (GET/SET) and guards
// updates with a Lua compare-and-swap on the blob's version field.
type ThrottleStore interface {
	Get(ctx context.Context, key string) (aqi.ThrottleState, bool, error)
	CompareAndSwap(ctx context.Context, key string, expectedVersion int64, next aqi.ThrottleState) (bool, error)
}

// MemoryThrottleStore is an in-process ThrottleStore used by tests and by
// a single-process deployment.
type MemoryThrottleStore struct {
	mu     sync.Mutex
	states map[string]aqi.ThrottleState
}

func NewMemoryThrottleStore() *MemoryThrottleStore {
	return &MemoryThrottleStore{states: make(map[string]aqi.ThrottleState)}
}

func (s *MemoryThrottleStore) Get(_ context.Context, key string) (aqi.ThrottleState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key]
	return st, ok, nil
}

func (s *MemoryThrottleStore) CompareAndSwap(_ context.Context, key string, expectedVersion int64, next aqi.ThrottleState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.states[key]
	if ok && current.Version != expectedVersion {
		return false, nil
	}
	if !ok && expectedVersion != 0 {
		return false, nil
	}
	s.states[key] = next
	return true, nil
}

// RedisThrottleStore is the durable ThrottleStore backend.
type RedisThrottleStore struct {
	client *redis.Client
}

func NewRedisThrottleStore(client *redis.Client) *RedisThrottleStore {
	return &RedisThrottleStore{client: client}
}

func throttleKey(key string) string { return "throttle:" + key }

func (s *RedisThrottleStore) Get(ctx context.Context, key string) (aqi.ThrottleState, bool, error) {
	blob, err := s.client.Get(ctx, throttleKey(key)).Result()
	if err == redis.Nil {
		return aqi.ThrottleState{}, false, nil
	}
	if err != nil {
		return aqi.ThrottleState{}, false, fmt.Errorf("alert: get throttle %s: %w", key, err)
	}
	var st aqi.ThrottleState
	if err := json.Unmarshal([]byte(blob), &st); err != nil {
		return aqi.ThrottleState{}, false, fmt.Errorf("alert: unmarshal throttle %s: %w", key, err)
	}
	return st, true, nil
}

// casScript applies next only if the stored version still equals
// expectedVersion (or the key is absent and expectedVersion is 0),
// mirroring the teacher's CompareAndSetVersioned script.
const casScript = `
local current = redis.call("GET", KEYS[1])
if current then
	local decoded = cjson.decode(current)
	if tostring(decoded.version) ~= ARGV[2] then
		return 0
	end
else
	if ARGV[2] ~= "0" then
		return 0
	end
end
redis.call("SET", KEYS[1], ARGV[1])
return 1
`

func (s *RedisThrottleStore) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, next aqi.ThrottleState) (bool, error) {
	blob, err := json.Marshal(next)
	if err != nil {
		return false, err
	}
	result, err := s.client.Eval(ctx, casScript, []string{throttleKey(key)}, string(blob), fmt.Sprintf("%d", expectedVersion)).Result()
	if err != nil {
		return false, fmt.Errorf("alert: cas throttle %s: %w", key, err)
	}
	applied, _ := result.(int64)
	return applied == 1, nil
}

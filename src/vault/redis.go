package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// putScript allocates a token atomically. KEYS: values, seq, entries, order.
// ARGV: canonical key, entity type, encoded entry template, ttl in ms.
var putScript = redis.NewScript(`
local existing = redis.call('HGET', KEYS[1], ARGV[1])
if existing then
  return existing
end
local n = redis.call('HINCRBY', KEYS[2], ARGV[2], 1)
local token = '[REDACTED_' .. ARGV[2] .. '_' .. n .. ']'
redis.call('HSET', KEYS[1], ARGV[1], token)
redis.call('HSET', KEYS[3], token, ARGV[3])
redis.call('RPUSH', KEYS[4], token)
local ttl = tonumber(ARGV[4])
if ttl > 0 then
  for i = 1, 4 do
    redis.call('PEXPIRE', KEYS[i], ttl)
  end
end
return token
`)

// Redis is a Vault backed by a Redis hash set, so mappings survive process
// restarts and can be shared across service replicas.
type Redis struct {
	client *redis.Client
	id     string
	ttl    time.Duration
}

type storedEntry struct {
	Value      string `json:"value"`
	EntityType string `json:"entity_type"`
}

// NewRedis returns the Vault stored under id. A positive ttl is refreshed on
// every Put.
func NewRedis(client *redis.Client, id string, ttl time.Duration) *Redis {
	return &Redis{client: client, id: id, ttl: ttl}
}

func (r *Redis) keys() []string {
	// The hash tag pins every key of one vault to the same cluster slot.
	base := fmt.Sprintf("easyguard:vault:{%s}:", r.id)
	return []string{base + "values", base + "seq", base + "entries", base + "order"}
}

func (r *Redis) Put(ctx context.Context, entityType, value string) (string, error) {
	et := NormalizeType(entityType)
	payload, err := json.Marshal(storedEntry{Value: value, EntityType: et})
	if err != nil {
		return "", fmt.Errorf("encode vault entry: %w", err)
	}
	tok, err := putScript.Run(ctx, r.client, r.keys(), et+"|"+value, et, string(payload), r.ttl.Milliseconds()).Text()
	if err != nil {
		return "", fmt.Errorf("vault put: %w", err)
	}
	return tok, nil
}

func (r *Redis) Get(ctx context.Context, token string) (Entry, error) {
	raw, err := r.client.HGet(ctx, r.keys()[2], token).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("vault get: %w", err)
	}
	return decodeEntry(token, raw)
}

func (r *Redis) Entries(ctx context.Context) ([]Entry, error) {
	keys := r.keys()
	tokens, err := r.client.LRange(ctx, keys[3], 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("vault entries: %w", err)
	}
	if len(tokens) == 0 {
		return nil, nil
	}
	vals, err := r.client.HMGet(ctx, keys[2], tokens...).Result()
	if err != nil {
		return nil, fmt.Errorf("vault entries: %w", err)
	}
	out := make([]Entry, 0, len(tokens))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		e, err := decodeEntry(tokens[i], raw)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Delete removes every key of the vault.
func (r *Redis) Delete(ctx context.Context) error {
	if err := r.client.Del(ctx, r.keys()...).Err(); err != nil {
		return fmt.Errorf("vault delete: %w", err)
	}
	return nil
}

func decodeEntry(token, raw string) (Entry, error) {
	var se storedEntry
	if err := json.Unmarshal([]byte(raw), &se); err != nil {
		return Entry{}, fmt.Errorf("decode vault entry %s: %w", token, err)
	}
	return Entry{Token: token, Value: se.Value, EntityType: se.EntityType}, nil
}

package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTokenStore is the production TokenStore. Each token is stored as a
// single JSON value under a namespaced key with Redis's native TTL, which
// makes Sweep a no-op: expired keys are reaped by Redis itself rather than
// a background scan, grounded on the Redis SET-with-expiry idiom used for
// leader-election leases elsewhere in the pack.
type RedisTokenStore struct {
	client *redis.Client
}

// NewRedisTokenStore wraps an already-constructed *redis.Client.
func NewRedisTokenStore(client *redis.Client) *RedisTokenStore {
	return &RedisTokenStore{client: client}
}

func streamKey(token string) string   { return "stream_token:" + token }
func terminalKey(token string) string { return "terminal_token:" + token }

func (r *RedisTokenStore) MintStream(ctx context.Context, tok *StreamSessionToken) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	ttl := time.Until(tok.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	return r.client.Set(ctx, streamKey(tok.Token), data, ttl).Err()
}

// RedeemStream atomically reads then deletes the key via GETDEL, so two
// concurrent redemptions of the same token can never both succeed.
func (r *RedisTokenStore) RedeemStream(ctx context.Context, token string) (*StreamSessionToken, bool, error) {
	data, err := r.client.GetDel(ctx, streamKey(token)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var tok StreamSessionToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, false, err
	}
	return &tok, true, nil
}

func (r *RedisTokenStore) MintTerminal(ctx context.Context, tok *TerminalSessionToken) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	ttl := time.Until(tok.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	return r.client.Set(ctx, terminalKey(tok.Token), data, ttl).Err()
}

func (r *RedisTokenStore) RedeemTerminal(ctx context.Context, token string) (*TerminalSessionToken, bool, error) {
	data, err := r.client.GetDel(ctx, terminalKey(token)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var tok TerminalSessionToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, false, err
	}
	return &tok, true, nil
}

// Sweep is a no-op: Redis expires these keys natively. The control
// plane still runs its 60s sweep loop (spec.md §6 configuration) against
// whichever TokenStore is configured, so a non-Redis backend with no
// native TTL still gets swept.
func (r *RedisTokenStore) Sweep(_ context.Context) error {
	return nil
}

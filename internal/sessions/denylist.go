package sessions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
)

// Denylist records revoked bearer tokens until they would have expired anyway.
// Keys are SHA-256 digests so raw tokens never reach Redis. A Denylist with a
// nil client is a no-op.
type Denylist struct {
	client *redis.Client
	prefix string
}

func NewDenylist(client *redis.Client) *Denylist {
	return &Denylist{client: client, prefix: "denylist:bearer:"}
}

func (d *Denylist) key(token string) string {
	sum := sha256.Sum256([]byte(token))
	return d.prefix + hex.EncodeToString(sum[:])
}

// Revoke stores the token digest for ttl. Non-positive ttls are ignored.
func (d *Denylist) Revoke(ctx context.Context, token string, ttl time.Duration) error {
	if d == nil || d.client == nil || ttl <= 0 {
		return nil
	}
	return d.client.Set(ctx, d.key(token), "1", ttl).Err()
}

func (d *Denylist) IsRevoked(ctx context.Context, token string) (bool, error) {
	if d == nil || d.client == nil {
		return false, nil
	}
	n, err := d.client.Exists(ctx, d.key(token)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

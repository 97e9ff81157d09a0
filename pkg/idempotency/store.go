package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rail-service/dca_service/internal/infrastructure/cache"
)

// DefaultTTL is how long a stored response is replayed
const DefaultTTL = 24 * time.Hour

// Record is a stored response for an idempotency key
type Record struct {
	RequestPath   string          `json:"request_path"`
	RequestMethod string          `json:"request_method"`
	RequestHash   string          `json:"request_hash"`
	Status        int             `json:"status"`
	Body          json.RawMessage `json:"body"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Store persists idempotency records
type Store interface {
	// Get returns nil when the key is unknown
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record *Record, ttl time.Duration) error
}

// RedisStore keeps records in Redis under "idempotency:<key>"
type RedisStore struct {
	client cache.RedisClient
}

// NewRedisStore creates a Redis-backed store
func NewRedisStore(client cache.RedisClient) *RedisStore {
	return &RedisStore{client: client}
}

// Get returns the stored record or nil
func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	var record Record
	if err := s.client.Get(ctx, "idempotency:"+key, &record); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// Save stores the record with ttl
func (s *RedisStore) Save(ctx context.Context, key string, record *Record, ttl time.Duration) error {
	return s.client.Set(ctx, "idempotency:"+key, record, ttl)
}

// ValidateKey checks the header value is usable as a key
func ValidateKey(key string) error {
	if len(key) < 8 || len(key) > 255 {
		return fmt.Errorf("idempotency key must be between 8 and 255 characters")
	}
	for _, r := range key {
		if r < 0x21 || r > 0x7e {
			return fmt.Errorf("idempotency key must be printable ASCII without spaces")
		}
	}
	return nil
}

// ReadBody reads at most limit bytes of the request body
func ReadBody(body io.Reader, limit int64) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("request body exceeds %d bytes", limit)
	}
	return data, nil
}

// HashRequest fingerprints a request body
func HashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// ShouldReturnCached reports whether a stored record can be replayed for a
// request with requestHash. A different body under the same key is a conflict.
func ShouldReturnCached(record *Record, requestHash string) (bool, string) {
	if record.RequestHash != requestHash {
		return false, "idempotency key was already used with a different request body"
	}
	return true, ""
}

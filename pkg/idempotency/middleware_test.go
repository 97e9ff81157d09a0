package idempotency

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	lastTTL time.Duration
	err     error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: make(map[string]*Record)}
}

func (s *memoryStore) Get(ctx context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.records[key], nil
}

func (s *memoryStore) Save(ctx context.Context, key string, record *Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = record
	s.lastTTL = ttl
	return nil
}

func setupRouter(store Store, status int, calls *int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set("user_id", "0xowner")
		c.Next()
	})
	router.Use(Middleware(store, 0, zap.NewNop()))
	router.POST("/orders", func(c *gin.Context) {
		*calls++
		c.JSON(status, gin.H{"call": *calls})
	})
	return router
}

func post(router *gin.Engine, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body))
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestMiddleware_ReplaysResponse(t *testing.T) {
	calls := 0
	router := setupRouter(newMemoryStore(), http.StatusCreated, &calls)

	first := post(router, "key-00000001", `{"total_amount":100}`)
	require.Equal(t, http.StatusCreated, first.Code)

	second := post(router, "key-00000001", `{"total_amount":100}`)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get(HeaderReplayed))
	assert.Equal(t, 1, calls)
}

func TestMiddleware_DefaultTTL(t *testing.T) {
	calls := 0
	store := newMemoryStore()
	router := setupRouter(store, http.StatusCreated, &calls)

	post(router, "key-00000005", `{}`)
	assert.Equal(t, DefaultTTL, store.lastTTL)
	for key := range store.records {
		assert.True(t, strings.HasPrefix(key, "0xowner:POST:/orders:"), key)
	}
}

func TestMiddleware_ConflictOnDifferentBody(t *testing.T) {
	calls := 0
	router := setupRouter(newMemoryStore(), http.StatusCreated, &calls)

	post(router, "key-00000002", `{"total_amount":100}`)
	w := post(router, "key-00000002", `{"total_amount":200}`)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 1, calls)
}

func TestMiddleware_WithoutKey(t *testing.T) {
	calls := 0
	router := setupRouter(newMemoryStore(), http.StatusCreated, &calls)

	post(router, "", `{}`)
	post(router, "", `{}`)
	assert.Equal(t, 2, calls)
}

func TestMiddleware_InvalidKey(t *testing.T) {
	calls := 0
	router := setupRouter(newMemoryStore(), http.StatusCreated, &calls)

	w := post(router, "short", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, calls)
}

func TestMiddleware_ServerErrorsNotStored(t *testing.T) {
	calls := 0
	store := newMemoryStore()
	router := setupRouter(store, http.StatusBadGateway, &calls)

	post(router, "key-00000003", `{}`)
	post(router, "key-00000003", `{}`)
	assert.Equal(t, 2, calls)
	assert.Empty(t, store.records)
}

func TestMiddleware_FailsOpen(t *testing.T) {
	calls := 0
	store := newMemoryStore()
	store.err = errors.New("redis down")
	router := setupRouter(store, http.StatusCreated, &calls)

	w := post(router, "key-00000004", `{}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, 1, calls)
}

func TestValidateKey(t *testing.T) {
	assert.NoError(t, ValidateKey("0b5d1c3e-0f2b-4a8e-9c43-1f1d0f0a1b2c"))
	assert.Error(t, ValidateKey("short"))
	assert.Error(t, ValidateKey("has a space in it"))
	assert.Error(t, ValidateKey(strings.Repeat("k", 256)))
}

func TestReadBody(t *testing.T) {
	data, err := ReadBody(strings.NewReader("hello"), 10)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = ReadBody(strings.NewReader("hello world"), 5)
	assert.Error(t, err)
}

package idempotency

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rail-service/dca_service/pkg/metrics"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"

	// MaxBodySize bounds the body hashed for a keyed request
	MaxBodySize = 1 << 20
)

// recordingWriter tees the response so it can be stored after the handler runs
type recordingWriter struct {
	gin.ResponseWriter
	body   bytes.Buffer
	status int
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *recordingWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Middleware replays the stored response for a repeated Idempotency-Key so a
// retried order creation never creates a second order. Keys are scoped to the
// authenticated caller and route. 5xx responses are not stored, so the client
// can retry them. Requests without a key pass straight through.
func Middleware(store Store, ttl time.Duration, logger *zap.Logger) gin.HandlerFunc {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" || c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			c.Next()
			return
		}

		if err := ValidateKey(key); err != nil {
			reject(c, http.StatusBadRequest, "Invalid idempotency key", err.Error())
			return
		}

		body, err := ReadBody(c.Request.Body, MaxBodySize)
		if err != nil {
			logger.Warn("Failed to read keyed request body", zap.String("idempotency_key", key), zap.Error(err))
			reject(c, http.StatusBadRequest, "Failed to read request body", "")
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		hash := HashRequest(body)
		scoped := scopeKey(c, key)

		existing, err := store.Get(c.Request.Context(), scoped)
		if err != nil {
			// fail open
			metrics.IdempotencyOutcomes.WithLabelValues("store_error").Inc()
			logger.Error("Failed to check idempotency key", zap.String("idempotency_key", key), zap.Error(err))
			c.Next()
			return
		}

		if existing != nil {
			if ok, reason := ShouldReturnCached(existing, hash); !ok {
				metrics.IdempotencyOutcomes.WithLabelValues("conflict").Inc()
				reject(c, http.StatusConflict, "Idempotency key conflict", reason)
				return
			}

			metrics.IdempotencyOutcomes.WithLabelValues("replayed").Inc()
			logger.Debug("Replaying stored response",
				zap.String("idempotency_key", key),
				zap.Int("status", existing.Status))
			c.Header(HeaderReplayed, "true")
			c.Data(existing.Status, "application/json; charset=utf-8", existing.Body)
			c.Abort()
			return
		}

		writer := &recordingWriter{ResponseWriter: c.Writer, status: http.StatusOK}
		c.Writer = writer
		c.Next()

		if writer.status >= http.StatusInternalServerError {
			metrics.IdempotencyOutcomes.WithLabelValues("not_stored").Inc()
			return
		}

		record := &Record{
			RequestPath:   c.Request.URL.Path,
			RequestMethod: c.Request.Method,
			RequestHash:   hash,
			Status:        writer.status,
			CreatedAt:     time.Now().UTC(),
		}
		if writer.body.Len() > 0 {
			record.Body = writer.body.Bytes()
		}
		if err := store.Save(c.Request.Context(), scoped, record, ttl); err != nil {
			logger.Error("Failed to store idempotency key", zap.String("idempotency_key", key), zap.Error(err))
			return
		}
		metrics.IdempotencyOutcomes.WithLabelValues("stored").Inc()
	}
}

func scopeKey(c *gin.Context, key string) string {
	return c.GetString("user_id") + ":" + c.Request.Method + ":" + c.FullPath() + ":" + key
}

func reject(c *gin.Context, status int, msg, detail string) {
	body := gin.H{"error": msg, "request_id": c.GetString("request_id")}
	if detail != "" {
		body["message"] = detail
	}
	c.AbortWithStatusJSON(status, body)
}

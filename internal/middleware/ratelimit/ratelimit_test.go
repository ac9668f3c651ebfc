package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, perMinute int) (*RateLimiter, *time.Time) {
	t.Helper()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	rl := New(Config{
		MaxRequestsPerMinute: perMinute,
		Now:                  func() time.Time { return now },
	})
	t.Cleanup(rl.Stop)
	return rl, &now
}

func TestAllowRefillsOverTime(t *testing.T) {
	rl, now := newLimiter(t, 2)

	ok, _ := rl.Allow("u1")
	assert.True(t, ok)
	ok, _ = rl.Allow("u1")
	assert.True(t, ok)

	ok, wait := rl.Allow("u1")
	assert.False(t, ok)
	assert.Equal(t, 30*time.Second, wait)

	*now = now.Add(10 * time.Second)
	ok, wait = rl.Allow("u1")
	assert.False(t, ok)
	assert.Equal(t, 20*time.Second, wait)

	*now = now.Add(20 * time.Second)
	ok, _ = rl.Allow("u1")
	assert.True(t, ok)
}

func TestKeysAreIndependent(t *testing.T) {
	rl, _ := newLimiter(t, 1)

	ok, _ := rl.Allow("u1")
	assert.True(t, ok)
	ok, _ = rl.Allow("u1")
	assert.False(t, ok)
	ok, _ = rl.Allow("u2")
	assert.True(t, ok)
}

func TestIdleBucketsAreEvicted(t *testing.T) {
	rl, now := newLimiter(t, 1)
	rl.Allow("u1")

	*now = now.Add(11 * time.Minute)
	rl.evictIdle()

	rl.mu.RLock()
	defer rl.mu.RUnlock()
	assert.Empty(t, rl.buckets)
}

func TestMiddlewareSetsRetryAfter(t *testing.T) {
	rl, _ := newLimiter(t, 1)
	app := fiber.New()
	app.Use(rl.Middleware())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })

	req := func() *http.Response {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("X-User-ID", "u1")
		resp, err := app.Test(r, -1)
		require.NoError(t, err)
		return resp
	}

	assert.Equal(t, http.StatusOK, req().StatusCode)

	resp := req()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "61", resp.Header.Get("Retry-After"))
}

func TestStopIsIdempotent(t *testing.T) {
	rl, _ := newLimiter(t, 1)
	rl.Stop()
	rl.Stop()
}

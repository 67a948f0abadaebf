package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/mechanic-dispatch/internal/auth"
)

func newLimiter(t *testing.T, rate float64, burst int) (*RateLimiter, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l := NewRateLimiter(client, rate, burst, nil)
	require.NotNil(t, l)
	now := time.UnixMilli(1_700_000_000_000)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestRateLimiterBucketRefills(t *testing.T) {
	l, now := newLimiter(t, 2, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _, err := l.Allow(ctx, "sub:M1")
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, retry, err := l.Allow(ctx, "sub:M1")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 500*time.Millisecond, retry)

	ok, _, err = l.Allow(ctx, "sub:M2")
	require.NoError(t, err)
	require.True(t, ok, "buckets are per caller")

	*now = now.Add(600 * time.Millisecond)
	ok, _, err = l.Allow(ctx, "sub:M1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRateLimiterMiddleware(t *testing.T) {
	l, _ := newLimiter(t, 1, 1)
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/requests/respond", nil)
	req = req.WithContext(auth.WithClaims(req.Context(), &auth.Claims{Role: auth.RoleMechanic}))
	req.RemoteAddr = "10.0.0.1:5555"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
	require.JSONEq(t, `{"message":"Too many requests, please try again later"}`, rec.Body.String())
}

func TestNilRateLimiterPassesThrough(t *testing.T) {
	require.Nil(t, NewRateLimiter(nil, 1, 1, nil))
	var l *RateLimiter
	called := false
	l.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true })).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.True(t, called)
}

func TestRateLimitedRouteReturns429(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	env := newTestEnv(t, func(d *Deps) { d.RateLimiter = NewRateLimiter(client, 0.001, 1, nil) })
	user := env.token(t, "U1", auth.RoleUser)
	env.createRequest(t, user)

	resp, body := env.do(t, http.MethodPost, "/api/requests", user, map[string]any{
		"issueDescription": "again",
		"location":         map[string]any{"latitude": 1, "longitude": 1},
	})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "Too many requests, please try again later", body["message"])

	resp, _ = env.do(t, http.MethodGet, "/api/requests", user, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "reads are not limited")
}

package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/mechanic-dispatch/internal/geo"
	"github.com/example/mechanic-dispatch/internal/models"
)

// fakeUpdater implements RedisUpdater for tests
type fakeUpdater struct {
	failGeo  int // number of times to fail GeoAdd before succeeding
	failH    int // number of times to fail HSet before succeeding
	geoCalls int
	hCalls   int
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	return nil
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	return nil
}

func sample() models.LocationSample {
	acc := 8.5
	return models.LocationSample{
		MechanicID: "m1",
		RequestID:  "r1",
		Location:   models.Coord{Lat: 1, Lon: 2},
		Accuracy:   &acc,
		RecordedAt: time.UnixMilli(1_700_000_000_123),
	}
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failGeo: 1, failH: 1}
	start := time.Now()
	require.NoError(t, updateRedisWithRetry(context.Background(), f, "mechanics_geo", sample(), 3, 10*time.Millisecond))
	require.GreaterOrEqual(t, f.geoCalls, 2)
	require.GreaterOrEqual(t, f.hCalls, 2)
	require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failGeo: 5}
	err := updateRedisWithRetry(context.Background(), f, "mechanics_geo", sample(), 3, 5*time.Millisecond)
	require.EqualError(t, err, "geo fail")
	require.Equal(t, 3, f.geoCalls)
}

func TestUpdateRedisFeedsPositionIndex(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rc.Close()
	ctx := context.Background()

	require.NoError(t, updateRedisWithRetry(ctx, &redisAdapter{c: rc}, "mechanics_geo", sample(), 1, time.Millisecond))

	hits, err := geo.NewRedisGeo(rc, "mechanics_geo").Nearby(ctx, 1, 2, 1, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "m1", hits[0].MechanicID)

	meta, err := rc.HGetAll(ctx, "mechanic:meta:m1").Result()
	require.NoError(t, err)
	require.Equal(t, map[string]string{"lastSeen": "1700000000123", "requestId": "r1", "accuracy": "8.5"}, meta)
}

func TestDecodeSampleRejectsBadInput(t *testing.T) {
	_, err := decodeSample([]byte(`{`))
	require.Error(t, err)

	_, err = decodeSample([]byte(`{"location":{"latitude":1,"longitude":2}}`))
	require.EqualError(t, err, "sample has no mechanicId")

	_, err = decodeSample([]byte(`{"mechanicId":"m1","location":{"latitude":91,"longitude":2}}`))
	require.ErrorIs(t, err, geo.ErrLatitudeRange)

	s, err := decodeSample([]byte(`{"mechanicId":"m1","location":{"latitude":1,"longitude":2}}`))
	require.NoError(t, err)
	require.Equal(t, "m1", s.MechanicID)
}

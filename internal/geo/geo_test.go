package geo

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/mechanic-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceKmManhattanToBrooklyn(t *testing.T) {
	// City Hall to Barclays Center is a little over 4 km.
	d := DistanceKm(40.7128, -74.0060, 40.6826, -73.9754)
	require.InDelta(t, 4.2, d, 0.5)
}

func sample(lat, lon any) RawSample {
	return RawSample{RequestID: "r1", MechanicID: "m1", Location: &RawLocation{Latitude: lat, Longitude: lon}}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		in      RawSample
		field   string
		reason  error
		message string
	}{
		{name: "missing request", in: RawSample{MechanicID: "m1", Location: &RawLocation{Latitude: 1.0, Longitude: 1.0}}, field: "requestId", reason: ErrMissingField, message: "Missing required field: requestId"},
		{name: "blank request", in: RawSample{RequestID: "  ", MechanicID: "m1", Location: &RawLocation{Latitude: 1.0, Longitude: 1.0}}, field: "requestId", reason: ErrMissingField},
		{name: "missing location", in: RawSample{RequestID: "r1", MechanicID: "m1"}, field: "location", reason: ErrMissingField, message: "Missing required field: location"},
		{name: "missing mechanic", in: RawSample{RequestID: "r1", Location: &RawLocation{Latitude: 1.0, Longitude: 1.0}}, field: "mechanicId", reason: ErrMissingField},
		{name: "string latitude", in: sample("40.7", -74.0), field: "latitude", reason: ErrInvalidType, message: "Invalid location format. Latitude must be a number"},
		{name: "absent longitude", in: sample(40.7, nil), field: "longitude", reason: ErrInvalidType, message: "Invalid location format. Longitude must be a number"},
		{name: "nan latitude", in: sample(math.NaN(), 1.0), field: "latitude", reason: ErrInvalidType},
		{name: "latitude high", in: sample(95.0, -74.006), field: "latitude", reason: ErrLatitudeRange, message: "Invalid latitude. Must be between -90 and 90"},
		{name: "latitude low", in: sample(-90.0001, 0.0), field: "latitude", reason: ErrLatitudeRange},
		{name: "longitude high", in: sample(0.0, 180.5), field: "longitude", reason: ErrLongitudeRange, message: "Invalid longitude. Must be between -180 and 180"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Validate(tc.in)
			require.Error(t, err)
			require.ErrorIs(t, err, tc.reason)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tc.field, verr.Field)
			if tc.message != "" {
				require.Equal(t, tc.message, err.Error())
			}
		})
	}
}

func TestValidateAcceptsBoundariesAndPassesAccuracyThrough(t *testing.T) {
	var raw RawSample
	require.NoError(t, json.Unmarshal([]byte(`{"requestId":"r1","mechanicId":"m1","location":{"latitude":-90,"longitude":180,"accuracy":12.5}}`), &raw))

	s, err := Validate(raw)
	require.NoError(t, err)
	require.Equal(t, "r1", s.RequestID)
	require.Equal(t, "m1", s.MechanicID)
	require.Equal(t, -90.0, s.Location.Lat)
	require.Equal(t, 180.0, s.Location.Lon)
	acc, ok := s.Location.AccuracyMeters()
	require.True(t, ok)
	require.Equal(t, 12.5, acc)
}

func TestValidateAbsentAccuracyEncodesAsNull(t *testing.T) {
	s, err := Validate(sample(40.7128, -74.006))
	require.NoError(t, err)

	b, err := json.Marshal(s.Location)
	require.NoError(t, err)
	require.JSONEq(t, `{"latitude":40.7128,"longitude":-74.006,"accuracy":null}`, string(b))
}

func TestValidateAcceptsIffInRange(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		lat := rng.Float64()*200 - 100
		lon := rng.Float64()*400 - 200
		_, err := Validate(sample(lat, lon))
		inRange := math.Abs(lat) <= 90 && math.Abs(lon) <= 180
		if inRange {
			require.NoError(t, err, "lat=%f lon=%f", lat, lon)
		} else {
			require.Error(t, err, "lat=%f lon=%f", lat, lon)
		}
	}
}

func TestIndexNearbyOrdersByDistance(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	require.NoError(t, idx.Upsert(ctx, "far", models.Coord{Lat: 40.80, Lon: -73.95}))
	require.NoError(t, idx.Upsert(ctx, "near", models.Coord{Lat: 40.713, Lon: -74.005}))
	require.NoError(t, idx.Upsert(ctx, "other-city", models.Coord{Lat: 34.05, Lon: -118.24}))

	hits, err := idx.Nearby(ctx, 40.7128, -74.006, 25, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, "near", hits[0].MechanicID)
	require.Equal(t, "far", hits[1].MechanicID)

	require.NoError(t, idx.Remove(ctx, "near"))
	hits, err = idx.Nearby(ctx, 40.7128, -74.006, 25, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "far", hits[0].MechanicID)
}

func TestRedisGeoNearby(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	g := NewRedisGeo(client, "test_geo")
	require.NoError(t, g.Upsert(ctx, "near", models.Coord{Lat: 40.713, Lon: -74.005}))
	require.NoError(t, g.Upsert(ctx, "far", models.Coord{Lat: 40.80, Lon: -73.95}))

	hits, err := g.Nearby(ctx, 40.7128, -74.006, 25, 5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, "near", hits[0].MechanicID)
	require.Less(t, hits[0].DistanceKm, hits[1].DistanceKm)

	require.NoError(t, g.Remove(ctx, "near"))
	hits, err = g.Nearby(ctx, 40.7128, -74.006, 25, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestRawSampleDecodingNormalizesIDs(t *testing.T) {
	var raw RawSample
	require.NoError(t, json.Unmarshal([]byte(`{"requestId":123,"mechanicId":42.5,"location":{"latitude":1,"longitude":2}}`), &raw))
	s, err := Validate(raw)
	require.NoError(t, err)
	require.Equal(t, "123", s.RequestID)
	require.Equal(t, "42.5", s.MechanicID)
}

func TestRawSampleDecodingFlagsWrongTypes(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		field   string
		reason  error
		message string
	}{
		{"string location", `{"requestId":"r1","mechanicId":"m1","location":"40.7,-74"}`, "location", ErrInvalidType, "Invalid location format. Location must be an object"},
		{"array location", `{"requestId":"r1","mechanicId":"m1","location":[40.7,-74]}`, "location", ErrInvalidType, "Invalid location format. Location must be an object"},
		{"null location", `{"requestId":"r1","mechanicId":"m1","location":null}`, "location", ErrMissingField, "Missing required field: location"},
		{"object mechanic", `{"requestId":"r1","mechanicId":{"id":1},"location":{"latitude":1,"longitude":2}}`, "mechanicId", ErrInvalidType, "Invalid mechanicId. Must be a string or number"},
		{"boolean request", `{"requestId":true,"mechanicId":"m1","location":{"latitude":1,"longitude":2}}`, "requestId", ErrInvalidType, "Invalid requestId. Must be a string or number"},
		{"not an object", `"hello"`, "requestId", ErrMissingField, "Missing required field: requestId"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var raw RawSample
			require.NoError(t, json.Unmarshal([]byte(tc.payload), &raw))
			_, err := Validate(raw)
			require.ErrorIs(t, err, tc.reason)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tc.field, verr.Field)
			require.Equal(t, tc.message, err.Error())
		})
	}
}

func TestIDString(t *testing.T) {
	id, ok := IDString(float64(7))
	require.True(t, ok)
	require.Equal(t, "7", id)

	id, ok = IDString(json.Number("1e3"))
	require.True(t, ok)
	require.Equal(t, "1e3", id)

	_, ok = IDString([]any{"a"})
	require.False(t, ok)
}

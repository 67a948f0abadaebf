package relay

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/mechanic-dispatch/internal/geo"
	"github.com/example/mechanic-dispatch/internal/models"
)

type failingSink struct{ calls int }

func (f *failingSink) PublishLocation(context.Context, models.LocationSample) error {
	f.calls++
	return errors.New("kafka down")
}

func TestMultiSinkReachesEverySink(t *testing.T) {
	idx := geo.NewIndex()
	bad := &failingSink{}
	sink := MultiSink{bad, IndexSink{Index: idx}}

	err := sink.PublishLocation(context.Background(), models.LocationSample{
		MechanicID: "M1",
		Location:   models.Coord{Lat: 48.85, Lon: 2.35},
	})
	require.EqualError(t, err, "kafka down")
	require.Equal(t, 1, bad.calls)

	hits, err := idx.Nearby(context.Background(), 48.85, 2.35, 1, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "M1", hits[0].MechanicID)
}

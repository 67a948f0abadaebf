package relay

import (
	"context"
	"errors"

	"github.com/example/mechanic-dispatch/internal/geo"
	"github.com/example/mechanic-dispatch/internal/models"
)

// IndexSink keeps a position index current from relayed samples, for
// deployments without the location topic and its consumer.
type IndexSink struct {
	Index geo.Geo
}

func (s IndexSink) PublishLocation(ctx context.Context, sample models.LocationSample) error {
	return s.Index.Upsert(ctx, sample.MechanicID, sample.Location)
}

// MultiSink publishes to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) PublishLocation(ctx context.Context, sample models.LocationSample) error {
	var errs []error
	for _, s := range m {
		if err := s.PublishLocation(ctx, sample); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldops/internal/model"
)

type fixedLocator struct {
	pt    model.GeoPoint
	err   error
	delay time.Duration
}

func (l fixedLocator) Current(ctx context.Context) (model.GeoPoint, error) {
	if l.delay > 0 {
		select {
		case <-time.After(l.delay):
		case <-ctx.Done():
			return model.GeoPoint{}, ctx.Err()
		}
	}
	return l.pt, l.err
}

func TestCaptureLocation(t *testing.T) {
	ctx := context.Background()

	pt := CaptureLocation(ctx, fixedLocator{pt: model.GeoPoint{Lat: -1.95, Lng: 30.06}}, time.Second)
	require.NotNil(t, pt)
	assert.Equal(t, -1.95, pt.Lat)
	assert.False(t, pt.Zero())

	assert.Nil(t, CaptureLocation(ctx, nil, time.Second))
	assert.Nil(t, CaptureLocation(ctx, fixedLocator{err: errors.New("permission denied")}, time.Second))
	assert.Nil(t, CaptureLocation(ctx, fixedLocator{delay: time.Second}, 10*time.Millisecond))
}

func TestCheckInWithLocatorRecordsFix(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.session.Locator = fixedLocator{pt: model.GeoPoint{Lat: -1.95, Lng: 30.06}}
	r.seedRoute(t)
	_, err := r.session.StartRoute(ctx)
	require.NoError(t, err)

	route, err := r.session.CheckIn(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, route.Stops[0].ArriveLoc)
	assert.Equal(t, 30.06, route.Stops[0].ArriveLoc.Lng)
}

func TestCheckInWithoutLocatorRecordsZeroReading(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.seedRoute(t)
	_, err := r.session.StartRoute(ctx)
	require.NoError(t, err)

	route, err := r.session.CheckIn(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, route.Stops[0].ArriveLoc)
	assert.True(t, route.Stops[0].ArriveLoc.Zero())
}

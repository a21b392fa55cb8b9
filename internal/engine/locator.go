package engine

import (
	"context"
	"time"

	"fieldops/internal/model"
)

// Locator produces the device's current position. Implementations may block
// on hardware or OS permission prompts; the engine always wraps calls with
// CaptureLocation so a slow or denied reading never blocks a transition.
type Locator interface {
	Current(ctx context.Context) (model.GeoPoint, error)
}

// DefaultLocationTimeout caps how long a transition waits for a fix.
const DefaultLocationTimeout = 3 * time.Second

// CaptureLocation returns a best-effort reading. On timeout, error, or a nil
// locator it returns nil, which downstream calls record as an unknown/zero
// reading rather than failing the operation.
func CaptureLocation(ctx context.Context, l Locator, timeout time.Duration) *model.GeoPoint {
	if l == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultLocationTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type fix struct {
		pt  model.GeoPoint
		err error
	}
	ch := make(chan fix, 1)
	go func() {
		pt, err := l.Current(ctx)
		ch <- fix{pt, err}
	}()
	select {
	case f := <-ch:
		if f.err != nil {
			return nil
		}
		return &f.pt
	case <-ctx.Done():
		return nil
	}
}

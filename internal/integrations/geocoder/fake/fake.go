package fake

import (
	"context"
	"fmt"
)

// FakeClient returns a synthetic address derived from the coordinates, for
// local runs without a geocoding backend.
type FakeClient struct{}

func New() *FakeClient { return &FakeClient{} }

func (f *FakeClient) ReverseGeocode(ctx context.Context, lat, lon float64) (string, error) {
	return fmt.Sprintf("near %.4f, %.4f", lat, lon), nil
}

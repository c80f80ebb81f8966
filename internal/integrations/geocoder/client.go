package geocoder

import "context"

// Client resolves coordinates into a human-readable address for display
// on report cards. Lookups are best-effort; callers treat failures as
// "no address".
type Client interface {
	ReverseGeocode(ctx context.Context, lat, lon float64) (string, error)
}

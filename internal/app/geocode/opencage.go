// Package geocode resolves photo coordinates into place names.
package geocode

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/hickar/mailpost/internal/app/config"

	geo "github.com/codingsince1985/geo-golang"
	"github.com/codingsince1985/geo-golang/opencage"
)

const defaultOpenCageEndpoint = "https://api.opencagedata.com/geocode/v1/json"

// Place is a reverse geocoding result.
type Place struct {
	Address   string
	Latitude  float64
	Longitude float64
}

type openCageGeocoder struct {
	geocoder geo.Geocoder
	timeout  time.Duration
	logger   *slog.Logger
}

func NewOpenCage(cfg config.GeocoderConfig, logger *slog.Logger) *openCageGeocoder {
	return &openCageGeocoder{
		geocoder: opencage.Geocoder(cfg.APIKey, openCageURL(cfg)),
		timeout:  cfg.Timeout,
		logger:   logger,
	}
}

// openCageURL builds the request prefix the coordinate is appended to.
func openCageURL(cfg config.GeocoderConfig) string {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultOpenCageEndpoint
	}

	query := url.Values{}
	query.Set("key", cfg.APIKey)
	query.Set("no_annotations", "1")
	query.Set("limit", "1")
	if cfg.Language != "" {
		query.Set("language", cfg.Language)
	}

	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + query.Encode() + "&q="
}

// Reverse returns the best match for the coordinate, or nil when there is none.
func (g *openCageGeocoder) Reverse(ctx context.Context, lat, lon float64) (*Place, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	type result struct {
		addr *geo.Address
		err  error
	}

	// The client has no context support; an abandoned call ends on its own timeout.
	resCh := make(chan result, 1)
	go func() {
		addr, err := g.geocoder.ReverseGeocode(lat, lon)
		resCh <- result{addr: addr, err: err}
	}()

	var res result
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("reverse geocode: %w", ctx.Err())
	case res = <-resCh:
	}

	if res.err != nil {
		return nil, fmt.Errorf("reverse geocode: %w", res.err)
	}
	if res.addr == nil || res.addr.FormattedAddress == "" {
		g.logger.DebugContext(ctx, "no reverse geocoding results",
			slog.Float64("latitude", lat),
			slog.Float64("longitude", lon),
		)
		return nil, nil
	}

	return &Place{
		Address:   res.addr.FormattedAddress,
		Latitude:  lat,
		Longitude: lon,
	}, nil
}

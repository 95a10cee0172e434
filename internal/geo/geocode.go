package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/time/rate"
)

// Location is the address enrichment derived from a coordinate pair.
type Location struct {
	Address    string
	PostalCode string
	Locality   string
}

// ReverseGeocoder turns coordinates into an address.
type ReverseGeocoder interface {
	Reverse(ctx context.Context, lat, lng float64) (*Location, error)
}

// DefaultNominatimURL is the public Nominatim instance.
const DefaultNominatimURL = "https://nominatim.openstreetmap.org"

const userAgent = "surveillance-reports/1.0 (+https://endharassment.net)"

// nominatimResponse is the subset of the jsonv2 reverse response we use.
type nominatimResponse struct {
	Error       string `json:"error"`
	DisplayName string `json:"display_name"`
	Address     struct {
		Road         string `json:"road"`
		HouseNumber  string `json:"house_number"`
		Postcode     string `json:"postcode"`
		City         string `json:"city"`
		Town         string `json:"town"`
		Village      string `json:"village"`
		Municipality string `json:"municipality"`
	} `json:"address"`
}

// NominatimClient reverse-geocodes against a Nominatim-compatible API.
// The public service allows one request per second, which the client
// enforces for every caller.
type NominatimClient struct {
	baseURL  string
	language string
	client   *http.Client
	limiter  *rate.Limiter
}

// NewNominatimClient returns a client preferring results in lang.
func NewNominatimClient(baseURL string, lang language.Tag) *NominatimClient {
	if baseURL == "" {
		baseURL = DefaultNominatimURL
	}
	return &NominatimClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		language: lang.String(),
		client:   &http.Client{Timeout: 10 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(1), 1),
	}
}

// Reverse looks up the address at lat/lng.
func (c *NominatimClient) Reverse(ctx context.Context, lat, lng float64) (*Location, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("geocoder rate limiter: %w", err)
	}

	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", strconv.FormatFloat(lat, 'f', 7, 64))
	q.Set("lon", strconv.FormatFloat(lng, 'f', 7, 64))
	q.Set("addressdetails", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/reverse?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating geocoder request: %w", err)
	}
	req.Header.Set("Accept-Language", c.language)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geocoder request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geocoder returned status %d", resp.StatusCode)
	}

	var body nominatimResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding geocoder response: %w", err)
	}
	if body.Error != "" {
		return nil, fmt.Errorf("geocoder: %s", body.Error)
	}
	return body.location(), nil
}

func (r *nominatimResponse) location() *Location {
	a := r.Address
	loc := &Location{PostalCode: a.Postcode}
	for _, candidate := range []string{a.City, a.Town, a.Village, a.Municipality} {
		if candidate != "" {
			loc.Locality = candidate
			break
		}
	}

	if a.Road == "" {
		loc.Address = r.DisplayName
		return loc
	}
	street := strings.TrimSpace(a.Road + " " + a.HouseNumber)
	place := strings.TrimSpace(a.Postcode + " " + loc.Locality)
	if place == "" {
		loc.Address = street
	} else {
		loc.Address = street + ", " + place
	}
	return loc
}

// Normalizer enriches coordinates with an address. It never fails: any
// geocoder problem is logged and reported as "no enrichment".
type Normalizer struct {
	geocoder ReverseGeocoder
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *Metrics
}

// NewNormalizer wraps g. A nil metrics disables instrumentation.
func NewNormalizer(g ReverseGeocoder, logger *slog.Logger, metrics *Metrics) *Normalizer {
	return &Normalizer{
		geocoder: g,
		timeout:  5 * time.Second,
		logger:   logger,
		metrics:  metrics,
	}
}

// Normalize returns the address at lat/lng, or nil when none could be
// determined.
func (n *Normalizer) Normalize(ctx context.Context, lat, lng float64) *Location {
	if !ValidCoordinates(lat, lng) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	loc, err := n.geocoder.Reverse(ctx, lat, lng)
	if err != nil {
		n.metrics.geocode("error")
		n.logger.Warn("reverse geocoding failed",
			"lat", lat,
			"lng", lng,
			"error", err,
		)
		return nil
	}
	n.metrics.geocode("ok")
	return loc
}

// ValidCoordinates reports whether lat/lng lie within WGS84 bounds.
func ValidCoordinates(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

package jurisdiction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ErrNoCoverage is returned by a Directory that has no authority on record
// for the requested postal code. It is an answer, not a failure.
var ErrNoCoverage = errors.New("no authority coverage for postal code")

// ErrMalformedResponse is returned when the directory answered with a body
// that does not describe a usable authority.
var ErrMalformedResponse = errors.New("malformed directory response")

// maxResponseBytes bounds how much of a directory response we read.
const maxResponseBytes = 64 << 10

// Directory abstracts the external authority directory for testing.
type Directory interface {
	LookupAuthority(ctx context.Context, postalCode string) (*Authority, error)
}

// Authority is a validated directory answer.
type Authority struct {
	PostalCode      string
	Name            string
	Email           *string
	Latitude        float64
	Longitude       float64
	PersonalContact bool
}

// authorityResponse is the wire shape of a directory answer. Every field is
// optional on the wire; validate turns it into an Authority.
type authorityResponse struct {
	Name            *string  `json:"name"`
	PostalCode      *string  `json:"postal_code"`
	Email           *string  `json:"email"`
	Latitude        *float64 `json:"latitude"`
	Longitude       *float64 `json:"longitude"`
	PersonalContact bool     `json:"personal_contact"`
}

func (r *authorityResponse) validate(requested string) (*Authority, error) {
	if r.Name == nil || strings.TrimSpace(*r.Name) == "" {
		return nil, fmt.Errorf("%w: missing name", ErrMalformedResponse)
	}
	if r.PostalCode == nil {
		return nil, fmt.Errorf("%w: missing postal_code", ErrMalformedResponse)
	}
	code, ok := NormalizePostalCode(*r.PostalCode)
	if !ok || code != requested {
		return nil, fmt.Errorf("%w: postal_code %q does not match %q", ErrMalformedResponse, *r.PostalCode, requested)
	}
	if r.Latitude == nil || r.Longitude == nil ||
		*r.Latitude < -90 || *r.Latitude > 90 || *r.Longitude < -180 || *r.Longitude > 180 {
		return nil, fmt.Errorf("%w: missing or out-of-range coordinates", ErrMalformedResponse)
	}

	a := &Authority{
		PostalCode:      code,
		Name:            strings.TrimSpace(*r.Name),
		Latitude:        *r.Latitude,
		Longitude:       *r.Longitude,
		PersonalContact: r.PersonalContact,
	}
	// An unparseable contact address is treated like a missing one.
	if r.Email != nil {
		if addr, err := mail.ParseAddress(strings.TrimSpace(*r.Email)); err == nil {
			a.Email = &addr.Address
		}
	}
	return a, nil
}

// HTTPDirectory queries a JSON authority directory over HTTP. Requests are
// authenticated with a static bearer key and paced by a client-side rate
// limiter shared by every caller of the directory.
type HTTPDirectory struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

// DefaultDirectoryRate is the default request rate allowed against the
// directory service.
const DefaultDirectoryRate = 5

// NewHTTPDirectory returns a directory client for baseURL.
func NewHTTPDirectory(baseURL, apiKey string) *HTTPDirectory {
	return &HTTPDirectory{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(DefaultDirectoryRate), DefaultDirectoryRate),
	}
}

// SetRateLimit overrides the client-side request rate.
func (d *HTTPDirectory) SetRateLimit(perSecond float64, burst int) {
	d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
}

// LookupAuthority fetches the authority for a normalized postal code.
func (d *HTTPDirectory) LookupAuthority(ctx context.Context, postalCode string) (*Authority, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("directory rate limiter: %w", err)
	}

	endpoint := d.baseURL + "/authorities/" + url.PathEscape(postalCode)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating directory request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory request for %s: %w", postalCode, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNoCoverage
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("directory returned status %d for %s", resp.StatusCode, postalCode)
	}

	var body authorityResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return body.validate(postalCode)
}

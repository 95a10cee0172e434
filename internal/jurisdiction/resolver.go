package jurisdiction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/endharassment/surveillance-reports/internal/model"
	"github.com/endharassment/surveillance-reports/internal/store"
	"golang.org/x/sync/singleflight"
)

// errDirectoryFailed marks a directory call that produced no answer, as
// opposed to an answer of "no coverage".
var errDirectoryFailed = errors.New("authority directory unavailable")

// DefaultLookupTimeout bounds a single directory call made on a cache miss.
const DefaultLookupTimeout = 5 * time.Second

// AuthorityStore is the slice of store.Store the resolver needs.
type AuthorityStore interface {
	GetAuthority(ctx context.Context, postalCode string) (*model.AuthorityRecord, error)
	UpsertAuthority(ctx context.Context, rec *model.AuthorityRecord) error
}

// Resolver maps postal codes to responsible authorities. The store is the
// cache; the directory is consulted only on a miss. Directory failures are
// never cached and never returned: the caller sees a nil record and
// decides what "no authority" means for it.
type Resolver struct {
	store   AuthorityStore
	dir     Directory
	logger  *slog.Logger
	metrics *Metrics
	timeout time.Duration
	now     func() time.Time

	group    singleflight.Group
	negative *ttlCache[string, struct{}]
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLookupTimeout overrides DefaultLookupTimeout.
func WithLookupTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

// WithNegativeTTL remembers "no coverage" answers for ttl. Zero disables
// the negative cache.
func WithNegativeTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		if ttl > 0 {
			r.negative = newTTLCache[string, struct{}](ttl)
		} else {
			r.negative = nil
		}
	}
}

// WithMetrics records lookup outcomes.
func WithMetrics(m *Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver creates a resolver backed by s and dir.
func NewResolver(s AuthorityStore, dir Directory, logger *slog.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		store:   s,
		dir:     dir,
		logger:  logger,
		timeout: DefaultLookupTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the authority responsible for postalCode, or nil when
// none is known. Only store failures are returned as errors.
func (r *Resolver) Resolve(ctx context.Context, postalCode string) (*model.AuthorityRecord, error) {
	code, ok := NormalizePostalCode(postalCode)
	if !ok {
		r.metrics.lookup(resultAbsent)
		return nil, nil
	}

	rec, err := r.store.GetAuthority(ctx, code)
	switch {
	case err == nil:
		r.metrics.lookup(resultHit)
		return rec, nil
	case !errors.Is(err, store.ErrNotFound):
		r.metrics.lookup(resultError)
		return nil, fmt.Errorf("getting authority %s: %w", code, err)
	}

	if _, absent := r.negative.Get(code); absent {
		r.metrics.lookup(resultAbsent)
		return nil, nil
	}

	// Concurrent misses for one code share a single directory call. The
	// shared call must not die with whichever caller happened to start it.
	v, err, _ := r.group.Do(code, func() (any, error) {
		return r.fetch(context.WithoutCancel(ctx), code)
	})
	if errors.Is(err, errDirectoryFailed) {
		r.metrics.lookup(resultError)
		r.logger.Warn("authority directory lookup failed",
			"postal_code", code,
			"error", err,
		)
		return nil, nil
	}
	if err != nil {
		r.metrics.lookup(resultError)
		return nil, err
	}
	rec, _ = v.(*model.AuthorityRecord)
	if rec == nil {
		r.metrics.lookup(resultAbsent)
		return nil, nil
	}
	r.metrics.lookup(resultFetched)
	return rec, nil
}

// Refresh re-fetches code from the directory and overwrites the stored
// record on success. It reports whether the record was replaced. "No
// coverage" and directory failures leave the existing record alone; only
// the latter is returned as an error.
func (r *Resolver) Refresh(ctx context.Context, code string) (bool, error) {
	rec, err := r.fetch(ctx, code)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// fetch asks the directory about code and persists a successful answer.
// A nil record with a nil error means the directory has no coverage. A
// directory that could not answer yields an error wrapping
// errDirectoryFailed.
func (r *Resolver) fetch(ctx context.Context, code string) (*model.AuthorityRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	a, err := r.dir.LookupAuthority(ctx, code)
	switch {
	case errors.Is(err, ErrNoCoverage):
		r.logger.Info("no authority coverage", "postal_code", code)
		r.negative.Set(code, struct{}{})
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("%w: %v", errDirectoryFailed, err)
	}

	rec := &model.AuthorityRecord{
		PostalCode:      a.PostalCode,
		Name:            a.Name,
		Latitude:        a.Latitude,
		Longitude:       a.Longitude,
		PersonalContact: a.PersonalContact,
		FetchedAt:       r.now().UTC(),
	}
	if a.Email != nil {
		rec.Email = *a.Email
	}
	if err := r.store.UpsertAuthority(ctx, rec); err != nil {
		return nil, fmt.Errorf("storing authority %s: %w", code, err)
	}
	return rec, nil
}

package jurisdiction

import (
	"context"
	"log/slog"
	"time"

	"github.com/endharassment/surveillance-reports/internal/model"
)

// Refresh defaults.
const (
	DefaultMaxAge       = 30 * 24 * time.Hour
	DefaultRefreshEvery = 24 * time.Hour
	defaultBatchSize    = 50
)

// StaleLister lists authority records fetched before a cutoff.
type StaleLister interface {
	ListStaleAuthorities(ctx context.Context, fetchedBefore time.Time, limit int) ([]*model.AuthorityRecord, error)
}

// Refresher periodically re-fetches authority records older than maxAge.
// Lookups never refresh on read, so a stored record keeps answering until
// the refresher replaces it with a newer directory answer.
type Refresher struct {
	lister       StaleLister
	resolver     *Resolver
	maxAge       time.Duration
	batchSize    int
	tickInterval time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewRefresher creates a refresher for records older than maxAge.
func NewRefresher(lister StaleLister, resolver *Resolver, maxAge time.Duration, logger *slog.Logger) *Refresher {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Refresher{
		lister:       lister,
		resolver:     resolver,
		maxAge:       maxAge,
		batchSize:    defaultBatchSize,
		tickInterval: DefaultRefreshEvery,
		logger:       logger,
		now:          time.Now,
	}
}

// SetTickInterval overrides the default tick interval (for testing).
func (f *Refresher) SetTickInterval(d time.Duration) {
	f.tickInterval = d
}

// Run refreshes stale records on every tick until ctx is cancelled.
func (f *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.tickInterval)
	defer ticker.Stop()

	f.refreshStale(ctx)

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("authority refresher shutting down")
			return ctx.Err()
		case <-ticker.C:
			f.refreshStale(ctx)
		}
	}
}

// refreshStale processes one batch of stale records and returns how many
// were replaced.
func (f *Refresher) refreshStale(ctx context.Context) int {
	cutoff := f.now().UTC().Add(-f.maxAge)

	stale, err := f.lister.ListStaleAuthorities(ctx, cutoff, f.batchSize)
	if err != nil {
		f.logger.Error("listing stale authorities", "error", err)
		return 0
	}

	updated := 0
	for _, rec := range stale {
		if ctx.Err() != nil {
			break
		}
		ok, err := f.resolver.Refresh(ctx, rec.PostalCode)
		switch {
		case err != nil:
			f.resolver.metrics.refresh(resultError)
			f.logger.Error("refreshing authority",
				"postal_code", rec.PostalCode,
				"error", err,
			)
		case ok:
			f.resolver.metrics.refresh("updated")
			updated++
		default:
			f.resolver.metrics.refresh("kept")
		}
	}

	if len(stale) > 0 {
		f.logger.Info("authority refresh complete",
			"stale", len(stale),
			"updated", updated,
		)
	}
	return updated
}

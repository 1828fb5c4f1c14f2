package fetcher

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"defi-agents/internal/market"
)

const defaultFetchTimeout = 5 * time.Second

// GatewayOptions bound the fan-out.
type GatewayOptions struct {
	FetchTimeout time.Duration
	Concurrency  int
}

// FailureObserver is notified for each failed fetch as it happens.
type FailureObserver func(sourceID, chainID string)

// Gateway fetches one snapshot per round from many sources concurrently.
type Gateway struct {
	registry  *Registry
	opts      GatewayOptions
	logger    zerolog.Logger
	onFailure FailureObserver
	now       func() time.Time
}

// NewGateway constructs a gateway over registry.
func NewGateway(registry *Registry, opts GatewayOptions, logger zerolog.Logger) *Gateway {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	return &Gateway{
		registry: registry,
		opts:     opts,
		logger:   logger.With().Str("component", "gateway").Logger(),
		now:      time.Now,
	}
}

// OnFailure installs a failure observer.
func (g *Gateway) OnFailure(fn FailureObserver) {
	g.onFailure = fn
}

type fetchJob struct {
	spec   market.SourceSpec
	target market.Target
}

type fetchResult struct {
	quote market.Quote
	err   error
}

// FetchSnapshot issues one fetch per (source, chain, target) and waits for all of them.
// Failed fetches are excluded and recorded; the call itself never fails.
func (g *Gateway) FetchSnapshot(ctx context.Context, specs []market.SourceSpec) market.Snapshot {
	jobs := make([]fetchJob, 0)
	for _, spec := range specs {
		for _, target := range spec.Targets() {
			jobs = append(jobs, fetchJob{spec: spec, target: target})
		}
	}

	results := make([]fetchResult, len(jobs))
	var group errgroup.Group
	if g.opts.Concurrency > 0 {
		group.SetLimit(g.opts.Concurrency)
	}
	for i, job := range jobs {
		group.Go(func() error {
			results[i] = g.fetchOne(ctx, job)
			return nil
		})
	}
	_ = group.Wait()

	snap := market.Snapshot{TakenAt: g.now().UTC()}
	for i, res := range results {
		job := jobs[i]
		if res.err != nil {
			g.logger.Warn().Err(res.err).
				Str("source", job.spec.SourceID).
				Str("chain", job.spec.ChainID).
				Str("target", job.target.Key()).
				Msg("source fetch failed")
			snap.Fail(market.SourceFailure{
				SourceID: job.spec.SourceID,
				ChainID:  job.spec.ChainID,
				Target:   job.target.Key(),
				Error:    res.err.Error(),
			})
			if g.onFailure != nil {
				g.onFailure(job.spec.SourceID, job.spec.ChainID)
			}
			continue
		}
		snap.Add(res.quote)
	}

	g.logger.Debug().Int("quotes", snap.Len()).Int("failures", len(snap.Failures)).Msg("snapshot assembled")
	return snap
}

func (g *Gateway) fetchOne(ctx context.Context, job fetchJob) fetchResult {
	wrap := func(err error) fetchResult {
		return fetchResult{err: &SourceError{
			SourceID: job.spec.SourceID,
			ChainID:  job.spec.ChainID,
			Target:   job.target.Key(),
			Err:      err,
		}}
	}

	if err := ctx.Err(); err != nil {
		return wrap(err)
	}

	f, err := g.registry.Lookup(job.spec.SourceID)
	if err != nil {
		return wrap(err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, g.opts.FetchTimeout)
	defer cancel()

	started := g.now()
	type outcome struct {
		quote market.Quote
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: errors.New("adapter panicked")}
			}
		}()
		q, err := f.FetchQuote(fetchCtx, job.spec.ChainID, job.target)
		done <- outcome{quote: q, err: err}
	}()

	// adapters that ignore ctx are abandoned once the deadline passes
	var out outcome
	select {
	case out = <-done:
	case <-fetchCtx.Done():
		return wrap(fetchCtx.Err())
	}
	if out.err != nil {
		return wrap(out.err)
	}
	if fetchCtx.Err() != nil {
		return wrap(fetchCtx.Err())
	}

	q := out.quote
	q.SourceID = job.spec.SourceID
	q.ChainID = job.spec.ChainID
	if job.target.IsYield() {
		q.Protocol = job.target.Protocol
	} else {
		q.Pair = job.target.Pair
	}
	if q.ObservedAt.IsZero() {
		q.ObservedAt = started.UTC()
	}
	q.FetchLatencyMs = g.now().Sub(started).Milliseconds()
	return fetchResult{quote: q}
}

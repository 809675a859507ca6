package synckit

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/c0deZ3R0/go-offline-kit/config"
	"github.com/c0deZ3R0/go-offline-kit/worker"
)

var _ worker.Source = (*Engine)(nil)

// WorkerOptions maps the retry, queue and worker sections of cfg onto
// worker.Options. A zero rate leaves the limiter unset.
func WorkerOptions(cfg *config.Config) worker.Options {
	if cfg == nil {
		cfg = config.Default()
	}
	opts := worker.Options{
		Backoff: worker.Exponential{
			Initial:    time.Duration(cfg.Retry.Initial),
			Max:        time.Duration(cfg.Retry.Max),
			Multiplier: cfg.Retry.Multiplier,
			Jitter:     cfg.Retry.Jitter,
		},
		Lanes:          cfg.Worker.Lanes,
		BatchSize:      cfg.Queue.BatchSize,
		MaxAttempts:    cfg.Queue.MaxAttempts,
		RequestTimeout: time.Duration(cfg.Worker.RequestTimeout),
	}
	if cfg.Worker.Rate > 0 {
		burst := cfg.Worker.Burst
		if burst < 1 {
			burst = 1
		}
		opts.Limiter = rate.NewLimiter(rate.Limit(cfg.Worker.Rate), burst)
	}
	return opts
}

// NewWorker returns a worker draining this engine through transport.
// Unset logger, metrics, resolver, clock and retry budget fields are
// filled from the engine.
func (e *Engine) NewWorker(transport worker.Transport, opts worker.Options) *worker.Worker {
	if opts.Resolver == nil {
		opts.Resolver = e.resolver
	}
	if opts.Logger == nil {
		opts.Logger = e.logger
	}
	if opts.Metrics == nil {
		opts.Metrics = e.metrics
	}
	if opts.Now == nil {
		opts.Now = e.now
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = e.maxAttempts
	}
	return worker.New(e, transport, opts)
}

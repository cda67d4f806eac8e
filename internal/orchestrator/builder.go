package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/johndauphine/mdcore/internal/breaker"
	"github.com/johndauphine/mdcore/internal/config"
	"github.com/johndauphine/mdcore/internal/idempotency"
	"github.com/johndauphine/mdcore/internal/logging"
	"github.com/johndauphine/mdcore/internal/metrics"
	"github.com/johndauphine/mdcore/internal/notify"
	"github.com/johndauphine/mdcore/internal/progress"
	"github.com/johndauphine/mdcore/internal/validation"
	"github.com/johndauphine/mdcore/internal/warehouse"
	"github.com/prometheus/client_golang/prometheus"
)

// BuildOptions supplies the process-level collaborators of a Runner.
type BuildOptions struct {
	// Registerer receives the metrics collectors when metrics are enabled.
	// Defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	Fetcher    Fetcher
	Progress   *progress.Tracker
	Reporter   progress.Reporter
}

// Build opens every component named in cfg and returns a ready Runner.
// The caller must Close it.
func Build(ctx context.Context, cfg *config.Config, opts BuildOptions) (r *Runner, err error) {
	r = &Runner{
		Config:   cfg,
		Fetcher:  opts.Fetcher,
		Progress: opts.Progress,
		Reporter: opts.Reporter,
	}
	defer func() {
		if err != nil {
			r.Close()
			r = nil
		}
	}()

	if cfg.Metrics.Enabled {
		reg := opts.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		if r.Metrics, err = metrics.New(reg, cfg.Metrics.Namespace); err != nil {
			return r, fmt.Errorf("registering metrics: %w", err)
		}
	}

	slack := notify.New(&cfg.Slack)
	if slack.IsEnabled() {
		r.Notifier = slack
	}

	r.Breakers = NewBreakers(cfg.Breaker, r.observers()...)

	if cfg.Validation.SchemaFile == "" {
		r.Schemas = validation.NewRegistry()
	} else if r.Schemas, err = validation.LoadRegistry(cfg.Validation.SchemaFile); err != nil {
		return r, err
	}

	if r.Markers, err = idempotency.Open(ctx, cfg); err != nil {
		return r, fmt.Errorf("opening marker store: %w", err)
	}
	r.closers = append(r.closers, r.Markers.Close)

	if cfg.Warehouse.Type != "" {
		loader, closeWriter, err := NewLoader(ctx, cfg, r.Markers, r.loadObservers()...)
		if err != nil {
			return r, err
		}
		r.Loader = loader
		r.closers = append(r.closers, closeWriter)
	}

	logging.Debug("Runner ready: %d schemas, warehouse %q, notifications %v",
		len(r.Schemas.Names()), cfg.Warehouse.Type, r.Notifier != nil)
	return r, nil
}

// NewBreakers builds a breaker registry from cfg with per-source overrides.
func NewBreakers(cfg config.BreakerConfig, observers ...breaker.Observer) *breaker.Registry {
	isFailure := func(err error) bool {
		return err != nil && !errors.Is(err, context.Canceled)
	}
	if cfg.TransientOnly {
		isFailure = breaker.IsTransient
	}

	defaults := breaker.Options{
		FailureThreshold: cfg.FailureThreshold,
		RecoveryTimeout:  cfg.RecoveryTimeout,
		IsFailure:        isFailure,
	}
	if len(observers) > 0 {
		defaults.Observer = breaker.Observers(observers)
	}

	reg := breaker.NewRegistry(defaults)
	for source, o := range cfg.Sources {
		reg.Configure(source, breaker.Options{
			FailureThreshold: o.FailureThreshold,
			RecoveryTimeout:  o.RecoveryTimeout,
		})
	}
	return reg
}

// NewLoader connects to the configured warehouse and returns a loader for
// its allow-listed tables along with a function closing the connection.
func NewLoader(ctx context.Context, cfg *config.Config, markers *idempotency.Store, observers ...warehouse.LoadObserver) (*warehouse.Loader, func() error, error) {
	allow, err := warehouse.NewAllowList(cfg.Warehouse.Tables)
	if err != nil {
		return nil, nil, err
	}
	w, err := warehouse.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	opts := warehouse.LoaderOptions{
		InsertBatchSize: cfg.Warehouse.InsertBatchSize,
		Transactional:   cfg.Warehouse.Transactional,
		Markers:         markers,
	}
	if len(observers) > 0 {
		opts.Observer = warehouse.LoadObservers(observers)
	}
	return warehouse.NewLoader(w, allow, opts), w.Close, nil
}

func (r *Runner) observers() []breaker.Observer {
	var obs []breaker.Observer
	if r.Metrics != nil {
		obs = append(obs, r.Metrics)
	}
	if r.Notifier != nil {
		obs = append(obs, notify.NewBreakerObserver(r.Notifier))
	}
	return obs
}

func (r *Runner) loadObservers() []warehouse.LoadObserver {
	var obs []warehouse.LoadObserver
	if r.Metrics != nil {
		obs = append(obs, r.Metrics)
	}
	if r.Notifier != nil {
		obs = append(obs, notify.LoadObserver{P: r.Notifier})
	}
	return obs
}

// Jobs returns the configured jobs, restricted to names when any are given.
func Jobs(cfg *config.Config, names ...string) ([]Job, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var jobs []Job
	for _, jc := range cfg.Jobs {
		if len(names) > 0 && !want[jc.Name] {
			continue
		}
		jobs = append(jobs, JobFromConfig(jc))
	}
	if len(jobs) < len(want) {
		found := make(map[string]bool, len(jobs))
		for _, j := range jobs {
			found[j.Name] = true
		}
		for _, n := range names {
			if !found[n] {
				return nil, fmt.Errorf("job '%s' is not configured", n)
			}
		}
	}
	return jobs, nil
}

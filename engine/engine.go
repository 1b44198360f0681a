package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/imgdispatch"
	"github.com/xraph/imgdispatch/backoff"
	"github.com/xraph/imgdispatch/broker"
	"github.com/xraph/imgdispatch/cron"
	"github.com/xraph/imgdispatch/dlq"
	"github.com/xraph/imgdispatch/ext"
	"github.com/xraph/imgdispatch/job"
	mw "github.com/xraph/imgdispatch/middleware"
	"github.com/xraph/imgdispatch/queue"
	"github.com/xraph/imgdispatch/scheduler"
	"github.com/xraph/imgdispatch/storage"
	"github.com/xraph/imgdispatch/transform"
	"github.com/xraph/imgdispatch/worker"
)

const instrumentationName = "github.com/xraph/imgdispatch"

// Role selects the background components Start runs.
type Role uint8

const (
	// RoleScheduler runs the dispatch loop and the cron runner.
	RoleScheduler Role = 1 << iota
	// RoleWorker runs the worker pool.
	RoleWorker

	// RoleGateway runs nothing in the background; Submit and GetStatus
	// work in every role.
	RoleGateway Role = 0
	// RoleAll runs everything in one process.
	RoleAll = RoleScheduler | RoleWorker
)

// Has reports whether r includes other.
func (r Role) Has(other Role) bool { return r&other == other }

// Engine is a configured imgdispatch node.
type Engine struct {
	cfg    imgdispatch.Config
	logger *slog.Logger
	now    func() time.Time
	roles  Role

	store       job.Store
	broker      broker.Broker
	storage     storage.Storage
	transformer transform.Transformer

	extensions *ext.Registry
	exts       []ext.Extension
	registry   *job.Registry
	backoff    backoff.Strategy
	mws        []mw.Middleware

	scheduler *scheduler.Scheduler
	executor  *worker.Executor
	pool      *worker.Pool
	dlq       *dlq.Service
	cron      *cron.Runner

	cronEntries  []cron.Entry
	queueConfigs []queue.Config
	queueManager *queue.Manager

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithStore sets the job store.
func WithStore(s job.Store) Option {
	return func(eng *Engine) { eng.store = s }
}

// WithBroker sets the broker.
func WithBroker(b broker.Broker) Option {
	return func(eng *Engine) { eng.broker = b }
}

// WithStorage sets where inputs are read and outputs written. Worker
// roles require it.
func WithStorage(s storage.Storage) Option {
	return func(eng *Engine) { eng.storage = s }
}

// WithTransformer replaces the imaging transformer.
func WithTransformer(t transform.Transformer) Option {
	return func(eng *Engine) { eng.transformer = t }
}

// WithRoles selects the background components Start runs. The default is
// RoleAll.
func WithRoles(r Role) Option {
	return func(eng *Engine) { eng.roles = r }
}

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) { eng.exts = append(eng.exts, e) }
}

// WithMiddleware appends middleware after the default chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithBackoff overrides the retry backoff built from the config.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) { eng.backoff = b }
}

// WithQueueConfig registers per-queue concurrency and rate limits.
// Queues not listed have no limits.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(eng *Engine) { eng.queueConfigs = append(eng.queueConfigs, configs...) }
}

// WithCronEntries registers periodic submissions.
func WithCronEntries(entries ...cron.Entry) Option {
	return func(eng *Engine) { eng.cronEntries = append(eng.cronEntries, entries...) }
}

// WithClock overrides the time source used for submissions and state
// transitions.
func WithClock(now func() time.Time) Option {
	return func(eng *Engine) { eng.now = now }
}

// WithTracerProvider sets a custom OTel TracerProvider for the tracing
// middleware. If not set, the global provider is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for the metrics
// middleware. If not set, the global provider is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// New builds an Engine from cfg.
func New(cfg imgdispatch.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	eng := &Engine{
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
		roles:    RoleAll,
		registry: job.NewRegistry(),
	}
	for _, opt := range opts {
		opt(eng)
	}
	eng.extensions = ext.NewRegistry(eng.logger)
	for _, e := range eng.exts {
		eng.extensions.Register(e)
	}

	if eng.store == nil {
		return nil, imgdispatch.ErrNoStore
	}
	if eng.broker == nil {
		return nil, imgdispatch.ErrNoBroker
	}
	if eng.roles.Has(RoleWorker) && eng.storage == nil {
		return nil, errors.New("engine: worker role requires storage")
	}

	if eng.backoff == nil {
		eng.backoff = &backoff.Exponential{Base: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay, Jitter: cfg.RetryJitter}
	}
	if eng.transformer == nil {
		eng.transformer = transform.NewImaging(transform.WithMaxDimension(cfg.MaxImageDimension))
	}

	eng.scheduler = scheduler.New(eng.store, eng.broker,
		scheduler.WithLogger(eng.logger),
		scheduler.WithClock(eng.now),
		scheduler.WithEmitter(eng.extensions),
		scheduler.WithTickInterval(cfg.TickInterval),
		scheduler.WithRedeliverAfter(cfg.RedeliverAfter),
		scheduler.WithStaleAfter(cfg.StaleJobThreshold),
		scheduler.WithRetryBackoff(eng.backoff),
	)

	eng.dlq = dlq.NewService(eng.store, eng.SubmitRecord, dlq.WithClock(eng.now))

	eng.cron = cron.NewRunner(eng.SubmitRecord, eng.logger,
		cron.WithEmitter(eng.extensions),
		cron.WithClock(eng.now),
		cron.WithLocation(cfg.Location),
		cron.WithQueue(cfg.QueueFor(string(job.KindProcessImage))),
		cron.WithMaxAttempts(cfg.MaxAttempts),
	)
	for _, e := range eng.cronEntries {
		if err := eng.cron.Add(e); err != nil {
			return nil, err
		}
	}

	if eng.storage != nil {
		if err := eng.registry.Register(job.NewDefinition(job.KindProcessImage,
			transform.Handler(eng.storage, eng.transformer),
			job.WithQueue(cfg.QueueFor(string(job.KindProcessImage))),
		)); err != nil {
			return nil, fmt.Errorf("engine: register handler: %w", err)
		}
		if eng.roles.Has(RoleWorker) {
			eng.buildWorker()
		}
	}

	return eng, nil
}

func (eng *Engine) buildWorker() {
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName))
	} else {
		tracingMw = mw.Tracing()
	}

	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationName))
	} else {
		metricsMw = mw.Metrics()
	}

	// Default middleware stack: recover → tracing → metrics → logging → timeout.
	chain := []mw.Middleware{
		mw.Recover(eng.logger),
		tracingMw,
		metricsMw,
		mw.Logging(eng.logger),
		mw.Timeout(eng.logger, eng.cfg.JobTimeout),
	}
	chain = append(chain, eng.mws...)

	eng.executor = worker.NewExecutor(eng.store, eng.broker, eng.registry, eng.logger,
		worker.WithEmitter(eng.extensions),
		worker.WithBackoff(eng.backoff),
		worker.WithMiddleware(chain...),
		worker.WithClock(eng.now),
		worker.WithHeartbeatInterval(eng.cfg.HeartbeatInterval),
		worker.WithDiscard(transform.Discard(eng.storage)),
	)

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(eng.cfg.Concurrency),
		worker.WithPoolQueues(eng.cfg.Queues),
	}
	eng.queueManager = queue.NewManager(eng.queueConfigs...)
	poolOpts = append(poolOpts, worker.WithQueueManager(eng.queueManager))
	eng.pool = worker.NewPool(eng.broker, eng.executor, eng.logger, poolOpts...)
}

// Start launches the background components of the engine's roles.
func (eng *Engine) Start(ctx context.Context) error {
	if eng.roles.Has(RoleScheduler) {
		if err := eng.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		if err := eng.cron.Start(ctx); err != nil {
			return fmt.Errorf("start cron runner: %w", err)
		}
	}
	if eng.roles.Has(RoleWorker) {
		if err := eng.pool.Start(ctx); err != nil {
			return fmt.Errorf("start worker pool: %w", err)
		}
	}
	eng.logger.Info("engine started",
		slog.Bool("scheduler", eng.roles.Has(RoleScheduler)),
		slog.Bool("worker", eng.roles.Has(RoleWorker)),
	)
	return nil
}

// Stop shuts the engine down: the pool stops claiming and drains until ctx
// ends, then the cron runner and scheduler stop. The store and broker are
// left open for their owner to close.
func (eng *Engine) Stop(ctx context.Context) error {
	var errs []error
	if eng.pool != nil {
		if err := eng.pool.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop worker pool: %w", err))
		}
	}
	if err := eng.cron.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop cron runner: %w", err))
	}
	if err := eng.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}
	eng.extensions.EmitShutdown(ctx)
	return errors.Join(errs...)
}

// Config returns the engine's configuration.
func (eng *Engine) Config() imgdispatch.Config { return eng.cfg }

// Logger returns the engine's logger.
func (eng *Engine) Logger() *slog.Logger { return eng.logger }

// Store returns the job store.
func (eng *Engine) Store() job.Store { return eng.store }

// Broker returns the broker.
func (eng *Engine) Broker() broker.Broker { return eng.broker }

// Storage returns the object storage, or nil for gateway-only engines
// built without one.
func (eng *Engine) Storage() storage.Storage { return eng.storage }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Registry returns the job registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Scheduler returns the dispatch scheduler.
func (eng *Engine) Scheduler() *scheduler.Scheduler { return eng.scheduler }

// Pool returns the worker pool, or nil when the engine has no storage.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

// DLQ returns the dead letter service.
func (eng *Engine) DLQ() *dlq.Service { return eng.dlq }

// Cron returns the periodic submission runner.
func (eng *Engine) Cron() *cron.Runner { return eng.cron }

// QueueManager returns the queue manager, or nil when the engine runs no
// workers.
func (eng *Engine) QueueManager() *queue.Manager { return eng.queueManager }

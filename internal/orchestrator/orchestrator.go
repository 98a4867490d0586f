// Package orchestrator drives one URL through cache check, provider fan-out,
// AI judgement, scoring, persistence and publication.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lvonguyen/urlintel/internal/cache"
	"github.com/lvonguyen/urlintel/internal/enrichment"
	"github.com/lvonguyen/urlintel/internal/judge"
	"github.com/lvonguyen/urlintel/internal/observability"
	"github.com/lvonguyen/urlintel/internal/worker"
)

var (
	// ErrNotReady is returned while the orchestrator is not initialized.
	ErrNotReady = errors.New("orchestrator not ready")
	// ErrBusy is returned when background work cannot be queued.
	ErrBusy = errors.New("orchestrator busy")
	// ErrInvalidRequest wraps every request validation failure.
	ErrInvalidRequest = errors.New("invalid request")
)

// DefaultPipelineTimeout bounds one pipeline run when Deps leave it unset.
const DefaultPipelineTimeout = 90 * time.Second

// Cache is the record store consulted before and written after a pipeline.
type Cache interface {
	Get(ctx context.Context, url string) (*enrichment.Record, bool)
	Put(ctx context.Context, url string, rec *enrichment.Record, ttl time.Duration)
	Ping(ctx context.Context) error
}

// Assessor produces the AI verdict. A non-nil error means the returned
// verdict is a fallback.
type Assessor interface {
	Assess(ctx context.Context, in judge.Input) (enrichment.AIVerdict, error)
}

// Publisher emits completed records and feedback. It never fails the caller.
type Publisher interface {
	PublishRecord(ctx context.Context, rec *enrichment.Record)
	PublishFeedback(ctx context.Context, fb enrichment.Feedback)
}

// Submitter queues background work.
type Submitter interface {
	Submit(name string, task worker.Task) error
}

// Deps are the collaborators of an Orchestrator. Nil providers are reported
// as unavailable on every run.
type Deps struct {
	Cache        Cache
	Registration enrichment.RegistrationLookup
	Reputation   enrichment.ReputationLookup
	Sandbox      enrichment.SandboxLookup
	Judge        Assessor
	Publisher    Publisher
	Pool         Submitter

	CacheTTL time.Duration
	// PipelineTimeout bounds a run from fan-out to publication.
	PipelineTimeout time.Duration

	Logger  *zap.Logger
	Metrics *observability.Metrics
	Tracer  trace.Tracer
	Now     func() time.Time
}

// Orchestrator runs enrichment pipelines.
type Orchestrator struct {
	cache        Cache
	registration enrichment.RegistrationLookup
	reputation   enrichment.ReputationLookup
	sandbox      enrichment.SandboxLookup
	judge        Assessor
	publisher    Publisher
	pool         Submitter

	ttl     time.Duration
	budget  time.Duration
	logger  *zap.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	flight singleflight.Group
}

// New validates deps and builds an orchestrator.
func New(deps Deps) (*Orchestrator, error) {
	if deps.Cache == nil {
		return nil, errors.New("orchestrator: cache is required")
	}
	if deps.Judge == nil {
		return nil, errors.New("orchestrator: judge is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("orchestrator: publisher is required")
	}
	if deps.Pool == nil {
		return nil, errors.New("orchestrator: worker pool is required")
	}

	o := &Orchestrator{
		cache:        deps.Cache,
		registration: deps.Registration,
		reputation:   deps.Reputation,
		sandbox:      deps.Sandbox,
		judge:        deps.Judge,
		publisher:    deps.Publisher,
		pool:         deps.Pool,
		ttl:          deps.CacheTTL,
		budget:       deps.PipelineTimeout,
		logger:       deps.Logger,
		metrics:      deps.Metrics,
		tracer:       deps.Tracer,
		now:          deps.Now,
	}
	if o.ttl <= 0 {
		o.ttl = cache.DefaultTTL
	}
	if o.budget <= 0 {
		o.budget = DefaultPipelineTimeout
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	o.logger = o.logger.With(zap.String("component", "orchestrator"))
	if o.tracer == nil {
		o.tracer = otel.Tracer("github.com/lvonguyen/urlintel/internal/orchestrator")
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// Enrich answers an enrichment request. A cache hit is returned as a copy
// flagged cache_hit. On a miss, high and critical requests run the pipeline
// inline; normal requests get a pending placeholder while the pipeline runs
// on the worker pool. An inline pipeline outlives a caller that goes away;
// a background one stops when the pool cancels its task.
func (o *Orchestrator) Enrich(ctx context.Context, req enrichment.Request) (*enrichment.Record, error) {
	req, err := prepare(req)
	if err != nil {
		return nil, err
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.Enrich", trace.WithAttributes(
		attribute.String("url", req.URL),
		attribute.String("priority", string(req.Priority)),
		attribute.String("source", req.Source),
	))
	defer span.End()

	start := o.now()

	if rec, ok := o.lookup(ctx, req.URL); ok {
		rec.CacheHit = true
		o.metrics.ObserveRequest(string(req.Priority), observability.PathCached)
		o.metrics.ObservePipeline(observability.PathCached, o.now().Sub(start))
		span.SetAttributes(attribute.Bool("cache_hit", true))
		return rec, nil
	}

	if req.Priority.Synchronous() {
		rec := o.runShared(context.WithoutCancel(ctx), req)
		o.metrics.ObserveRequest(string(req.Priority), observability.PathFull)
		return rec, nil
	}

	err = o.pool.Submit("enrich "+req.URL, func(taskCtx context.Context) error {
		o.runShared(taskCtx, req)
		return nil
	})
	if err != nil {
		o.metrics.ObserveRequest(string(req.Priority), observability.PathRejected)
		o.logger.Warn("Background enrichment rejected", zap.String("url", req.URL), zap.Error(err))
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", ErrBusy, err)
	}

	o.metrics.ObserveRequest(string(req.Priority), observability.PathPlaceholder)
	return enrichment.Placeholder(req.URL, enrichment.Hostname(req.URL), o.now()), nil
}

// Verdict is a cache-only lookup. A URL that cannot be normalized was never
// enriched, so it is reported as not found.
func (o *Orchestrator) Verdict(ctx context.Context, rawURL string) (*enrichment.Record, bool, error) {
	normalized, err := enrichment.Normalize(rawURL)
	if err != nil {
		o.logger.Debug("Verdict lookup for unnormalizable url", zap.String("url", rawURL), zap.Error(err))
		o.metrics.ObserveCacheLookup(false)
		return nil, false, nil
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.Verdict", trace.WithAttributes(attribute.String("url", normalized)))
	defer span.End()

	rec, ok := o.lookup(ctx, normalized)
	if !ok {
		return nil, false, nil
	}
	rec.CacheHit = true
	return rec, true, nil
}

// Feedback validates fb, attaches the currently cached verdict and publishes it.
func (o *Orchestrator) Feedback(ctx context.Context, fb enrichment.Feedback) (enrichment.Feedback, error) {
	normalized, err := enrichment.Normalize(fb.URL)
	if err != nil {
		return fb, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	verdict, ok := enrichment.ParseVerdict(strings.ToLower(strings.TrimSpace(string(fb.UserVerdict))))
	if !ok {
		return fb, fmt.Errorf("%w: unknown verdict %q", ErrInvalidRequest, fb.UserVerdict)
	}
	if fb.Confidence < 0 || fb.Confidence > 100 {
		return fb, fmt.Errorf("%w: confidence %d out of range", ErrInvalidRequest, fb.Confidence)
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.Feedback", trace.WithAttributes(attribute.String("url", normalized)))
	defer span.End()

	fb.URL = normalized
	fb.UserVerdict = verdict
	fb.Timestamp = o.now().UTC()
	fb.EventType = enrichment.FeedbackEventType

	if rec, ok := o.lookup(ctx, normalized); ok {
		fb.CachedVerdict = rec.FinalVerdict
		score := rec.ThreatScore
		fb.CachedScore = &score
	}

	o.metrics.ObserveFeedback(string(fb.UserVerdict), fb.FalsePositive())
	o.publisher.PublishFeedback(ctx, fb)

	o.logger.Info("Feedback recorded",
		zap.String("url", fb.URL),
		zap.String("user_verdict", string(fb.UserVerdict)),
		zap.Bool("false_positive", fb.FalsePositive()))
	return fb, nil
}

// Ready reports whether the cache answers.
func (o *Orchestrator) Ready(ctx context.Context) error {
	if err := o.cache.Ping(ctx); err != nil {
		return fmt.Errorf("%w: cache: %v", ErrNotReady, err)
	}
	return nil
}

// lookup reads the cache and returns a private copy of the stored record.
func (o *Orchestrator) lookup(ctx context.Context, url string) (*enrichment.Record, bool) {
	ctx, span := o.tracer.Start(ctx, "cache.get")
	defer span.End()

	rec, ok := o.cache.Get(ctx, url)
	if ok && rec.IsPlaceholder() {
		ok = false
	}
	o.metrics.ObserveCacheLookup(ok)
	span.SetAttributes(attribute.Bool("hit", ok))
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

func prepare(req enrichment.Request) (enrichment.Request, error) {
	normalized, err := enrichment.Normalize(req.URL)
	if err != nil {
		return req, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	req.URL = normalized

	req.Priority = enrichment.Priority(strings.ToLower(strings.TrimSpace(string(req.Priority))))
	if req.Priority == "" {
		req.Priority = enrichment.PriorityNormal
	}
	if !req.Priority.Valid() {
		return req, fmt.Errorf("%w: unknown priority %q", ErrInvalidRequest, req.Priority)
	}

	if req.Source == "" {
		req.Source = "api"
	}
	return req, nil
}

package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/lvonguyen/urlintel/internal/cache"
	"github.com/lvonguyen/urlintel/internal/enrichment"
	"github.com/lvonguyen/urlintel/internal/judge"
	"github.com/lvonguyen/urlintel/internal/observability"
	"github.com/lvonguyen/urlintel/internal/scoring"
)

// Provider names used when a lookup is not configured.
const (
	registrationName = "registration"
	reputationName   = "reputation"
	sandboxName      = "sandbox"
)

var errNotConfigured = errors.New("provider not configured")

const persistTimeout = 5 * time.Second

type fanout struct {
	registration enrichment.Result[enrichment.Registration]
	reputation   enrichment.Result[enrichment.Reputation]
	sandbox      enrichment.Result[enrichment.Sandbox]
}

// runShared collapses concurrent pipelines for the same URL into one run.
// Each caller gets its own copy of the record.
func (o *Orchestrator) runShared(ctx context.Context, req enrichment.Request) *enrichment.Record {
	v, _, shared := o.flight.Do(cache.Key(req.URL), func() (any, error) {
		return o.run(ctx, req), nil
	})
	rec := v.(*enrichment.Record)
	if shared {
		o.logger.Debug("Joined in-flight enrichment", zap.String("url", req.URL))
	}
	return rec.Clone()
}

// run executes the pipeline within the orchestrator's budget. Providers that
// miss the budget are reported unavailable and the record is still stored.
// A run cancelled by its caller is abandoned without being stored or published.
func (o *Orchestrator) run(ctx context.Context, req enrichment.Request) *enrichment.Record {
	ctx, cancel := context.WithTimeout(ctx, o.budget)
	defer cancel()
	ctx, span := o.tracer.Start(ctx, "orchestrator.pipeline")
	defer span.End()

	start := o.now()
	domain := enrichment.RegistrableDomain(req.URL)

	res := o.fanOut(ctx, req.URL, domain)

	ai, aiOK := o.assess(ctx, req.URL, domain, res)

	out := scoring.Score(scoring.Input{
		Registration: res.registration,
		Reputation:   res.reputation,
		Sandbox:      res.sandbox,
		AI:           ai,
	})

	rec := assemble(req.URL, enrichment.Hostname(req.URL), res, ai, aiOK, out)
	rec.Timestamp = o.now().UTC()
	elapsed := o.now().Sub(start)
	rec.ProcessingTimeMs = elapsed.Milliseconds()

	span.SetAttributes(
		attribute.Int("threat_score", rec.ThreatScore),
		attribute.String("final_verdict", string(rec.FinalVerdict)),
		attribute.StringSlice("sources", rec.EnrichmentSources),
	)

	if errors.Is(ctx.Err(), context.Canceled) {
		span.SetStatus(codes.Error, "abandoned")
		o.logger.Warn("Enrichment abandoned",
			zap.String("url", rec.URL),
			zap.Strings("sources", rec.EnrichmentSources),
			zap.Int64("processing_time_ms", rec.ProcessingTimeMs))
		return rec
	}

	// The budget may be spent; storing and publishing get their own bounds.
	ctx = context.WithoutCancel(ctx)
	o.persist(ctx, rec)

	pubCtx, pubSpan := o.tracer.Start(ctx, "events.publish")
	o.publisher.PublishRecord(pubCtx, rec)
	pubSpan.End()

	o.metrics.ObserveVerdict(string(rec.FinalVerdict))
	o.metrics.ObservePipeline(observability.PathFull, elapsed)

	o.logger.Info("Enrichment complete",
		zap.String("url", rec.URL),
		zap.Int("threat_score", rec.ThreatScore),
		zap.String("final_verdict", string(rec.FinalVerdict)),
		zap.Strings("sources", rec.EnrichmentSources),
		zap.Strings("signals", out.Signals),
		zap.Int64("processing_time_ms", rec.ProcessingTimeMs))
	return rec
}

// fanOut calls every provider concurrently and waits for all of them.
func (o *Orchestrator) fanOut(ctx context.Context, url, domain string) fanout {
	var (
		res fanout
		wg  sync.WaitGroup
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		if o.registration == nil {
			res.registration = notConfigured[enrichment.Registration](registrationName)
			return
		}
		res.registration = observeCall(ctx, o, o.registration.Name(), func(ctx context.Context) enrichment.Result[enrichment.Registration] {
			return o.registration.LookupRegistration(ctx, domain)
		})
	}()
	go func() {
		defer wg.Done()
		if o.reputation == nil {
			res.reputation = notConfigured[enrichment.Reputation](reputationName)
			return
		}
		res.reputation = observeCall(ctx, o, o.reputation.Name(), func(ctx context.Context) enrichment.Result[enrichment.Reputation] {
			return o.reputation.LookupReputation(ctx, url)
		})
	}()
	go func() {
		defer wg.Done()
		if o.sandbox == nil {
			res.sandbox = notConfigured[enrichment.Sandbox](sandboxName)
			return
		}
		res.sandbox = observeCall(ctx, o, o.sandbox.Name(), func(ctx context.Context) enrichment.Result[enrichment.Sandbox] {
			return o.sandbox.Scan(ctx, url)
		})
	}()
	wg.Wait()

	return res
}

// observeCall wraps one provider call in a span and records its outcome.
func observeCall[T any](ctx context.Context, o *Orchestrator, name string, call func(context.Context) enrichment.Result[T]) enrichment.Result[T] {
	ctx, span := o.tracer.Start(ctx, "provider."+name)
	defer span.End()

	start := time.Now()
	result := call(ctx)
	d := time.Since(start)

	status := "ok"
	if !result.Available {
		status = "error"
		if result.Err != nil {
			status = string(result.Err.Kind)
			span.RecordError(result.Err)
		}
		span.SetStatus(codes.Error, status)
		o.logger.Warn("Provider unavailable",
			zap.String("provider", name),
			zap.String("kind", status),
			zap.Error(providerErr(result.Err)))
	}
	span.SetAttributes(attribute.String("status", status))
	o.metrics.ObserveProvider(name, status, d)

	return result
}

// providerErr avoids handing zap a typed nil.
func providerErr(err *enrichment.ProviderError) error {
	if err == nil {
		return nil
	}
	return err
}

func notConfigured[T any](name string) enrichment.Result[T] {
	return enrichment.Unavailable[T](name, &enrichment.ProviderError{
		Provider: name,
		Kind:     enrichment.KindUnsupported,
		Err:      errNotConfigured,
	})
}

func (o *Orchestrator) assess(ctx context.Context, url, domain string, res fanout) (enrichment.AIVerdict, bool) {
	ctx, span := o.tracer.Start(ctx, "judge.assess")
	defer span.End()

	start := time.Now()
	verdict, err := o.judge.Assess(ctx, judge.Input{
		URL:          url,
		Domain:       domain,
		Registration: res.registration,
		Reputation:   res.reputation,
		Sandbox:      res.sandbox,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fallback verdict")
		o.metrics.ObserveProvider(judge.Name, "error", time.Since(start))
		return verdict, false
	}
	o.metrics.ObserveProvider(judge.Name, "ok", time.Since(start))
	span.SetAttributes(
		attribute.String("verdict", string(verdict.Verdict)),
		attribute.Int("confidence", verdict.Confidence),
	)
	return verdict, true
}

func (o *Orchestrator) persist(ctx context.Context, rec *enrichment.Record) {
	if rec.IsPlaceholder() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	ctx, span := o.tracer.Start(ctx, "cache.put")
	defer span.End()
	o.cache.Put(ctx, rec.URL, rec, o.ttl)
}

// assemble flattens the pipeline outputs into a record. Sources list only
// the providers that returned usable data, in pipeline order.
func assemble(url, domain string, res fanout, ai enrichment.AIVerdict, aiOK bool, out scoring.Output) *enrichment.Record {
	rec := &enrichment.Record{
		URL:               url,
		Domain:            domain,
		AIVerdict:         ai.Verdict,
		AIConfidence:      ai.Confidence,
		AIExplanation:     ai.Explanation,
		AIRiskFactors:     ai.RiskFactors,
		ThreatScore:       out.Score,
		FinalVerdict:      out.Verdict,
		EnrichmentSources: make([]string, 0, 4),
	}
	if rec.AIRiskFactors == nil {
		rec.AIRiskFactors = []string{}
	}

	if r := res.registration; r.Available {
		rec.RegistrationRegistrar = r.Data.Registrar
		rec.RegistrationCreationDate = r.Data.CreationDate
		rec.RegistrationExpirationDate = r.Data.ExpirationDate
		rec.RegistrationNameServers = r.Data.NameServers
		rec.DomainAgeDays = r.Data.AgeDays
		rec.EnrichmentSources = append(rec.EnrichmentSources, r.Provider)
	}
	if r := res.reputation; r.Available {
		rec.ReputationMaliciousVotes = r.Data.MaliciousVotes
		rec.ReputationSuspiciousVotes = r.Data.SuspiciousVotes
		rec.ReputationHarmlessVotes = r.Data.HarmlessVotes
		rec.ReputationCommunityScore = r.Data.CommunityScore
		rec.ReputationCategories = r.Data.Categories
		rec.ReputationLastAnalysisDate = r.Data.LastAnalysisDate
		rec.EnrichmentSources = append(rec.EnrichmentSources, r.Provider)
	}
	if r := res.sandbox; r.Available {
		score := r.Data.Score
		rec.SandboxScore = &score
		rec.SandboxBrands = r.Data.Brands
		rec.SandboxScreenshotURL = r.Data.ScreenshotURL
		rec.SandboxIP = r.Data.IP
		rec.SandboxASN = r.Data.ASN
		rec.EnrichmentSources = append(rec.EnrichmentSources, r.Provider)
	}
	if aiOK {
		rec.EnrichmentSources = append(rec.EnrichmentSources, judge.Name)
	}
	return rec
}

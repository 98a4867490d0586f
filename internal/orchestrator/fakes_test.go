package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lvonguyen/urlintel/internal/enrichment"
	"github.com/lvonguyen/urlintel/internal/judge"
	"github.com/lvonguyen/urlintel/internal/worker"
)

type memCache struct {
	mu      sync.Mutex
	records map[string]*enrichment.Record
	puts    int
	pingErr error
}

func newMemCache() *memCache {
	return &memCache{records: make(map[string]*enrichment.Record)}
}

func (c *memCache) Get(_ context.Context, url string) (*enrichment.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[url]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

func (c *memCache) Put(_ context.Context, url string, rec *enrichment.Record, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts++
	c.records[url] = rec.Clone()
}

func (c *memCache) Ping(context.Context) error { return c.pingErr }

func (c *memCache) stored(url string) (*enrichment.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[url]
	return rec, ok
}

type fakeRegistration struct {
	calls  atomic.Int32
	result enrichment.Result[enrichment.Registration]
}

func (f *fakeRegistration) Name() string { return "registration" }

func (f *fakeRegistration) LookupRegistration(context.Context, string) enrichment.Result[enrichment.Registration] {
	f.calls.Add(1)
	return f.result
}

type fakeReputation struct {
	calls  atomic.Int32
	result enrichment.Result[enrichment.Reputation]
}

func (f *fakeReputation) Name() string { return "reputation" }

func (f *fakeReputation) LookupReputation(context.Context, string) enrichment.Result[enrichment.Reputation] {
	f.calls.Add(1)
	return f.result
}

type fakeSandbox struct {
	calls  atomic.Int32
	result enrichment.Result[enrichment.Sandbox]
}

func (f *fakeSandbox) Name() string { return "sandbox" }

func (f *fakeSandbox) Scan(context.Context, string) enrichment.Result[enrichment.Sandbox] {
	f.calls.Add(1)
	return f.result
}

// stallingSandbox blocks every scan until its context ends.
type stallingSandbox struct {
	started chan struct{}
	once    sync.Once
}

func newStallingSandbox() *stallingSandbox {
	return &stallingSandbox{started: make(chan struct{})}
}

func (f *stallingSandbox) Name() string { return "sandbox" }

func (f *stallingSandbox) Scan(ctx context.Context, _ string) enrichment.Result[enrichment.Sandbox] {
	f.once.Do(func() { close(f.started) })
	<-ctx.Done()
	return enrichment.Unavailable[enrichment.Sandbox]("sandbox", &enrichment.ProviderError{
		Provider: "sandbox",
		Kind:     enrichment.KindTimeout,
		Err:      ctx.Err(),
	})
}

type fakeJudge struct {
	calls   atomic.Int32
	verdict enrichment.AIVerdict
	err     error
}

func (f *fakeJudge) Assess(context.Context, judge.Input) (enrichment.AIVerdict, error) {
	f.calls.Add(1)
	if f.err != nil {
		return enrichment.UnknownVerdict("AI verdict unavailable: " + f.err.Error()), f.err
	}
	return f.verdict, nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	records  []*enrichment.Record
	feedback []enrichment.Feedback
}

func (p *recordingPublisher) PublishRecord(_ context.Context, rec *enrichment.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, rec.Clone())
}

func (p *recordingPublisher) recordCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

func (p *recordingPublisher) PublishFeedback(_ context.Context, fb enrichment.Feedback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.feedback = append(p.feedback, fb)
}

// deferredPool holds submitted tasks until runAll is called.
type deferredPool struct {
	mu    sync.Mutex
	tasks []worker.Task
	err   error
}

func (p *deferredPool) Submit(_ string, task worker.Task) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, task)
	return nil
}

func (p *deferredPool) runAll(ctx context.Context) {
	p.mu.Lock()
	tasks := p.tasks
	p.tasks = nil
	p.mu.Unlock()
	for _, task := range tasks {
		_ = task(ctx)
	}
}

func (p *deferredPool) pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

func intPtr(v int) *int { return &v }

func registrationAged(days int) enrichment.Result[enrichment.Registration] {
	return enrichment.Result[enrichment.Registration]{
		Provider:  "registration",
		Data:      enrichment.Registration{Registrar: "Example Registrar", AgeDays: intPtr(days)},
		Available: true,
	}
}

func reputationVotes(malicious int) enrichment.Result[enrichment.Reputation] {
	return enrichment.Result[enrichment.Reputation]{
		Provider:  "reputation",
		Data:      enrichment.Reputation{MaliciousVotes: malicious, HarmlessVotes: 60},
		Available: true,
	}
}

func sandboxScore(score int) enrichment.Result[enrichment.Sandbox] {
	return enrichment.Result[enrichment.Sandbox]{
		Provider:  "sandbox",
		Data:      enrichment.Sandbox{Score: score, IP: "203.0.113.7"},
		Available: true,
	}
}

func unavailable[T any](name string, kind enrichment.ErrorKind) enrichment.Result[T] {
	return enrichment.Unavailable[T](name, &enrichment.ProviderError{
		Provider: name,
		Kind:     kind,
		Err:      errors.New(string(kind)),
	})
}

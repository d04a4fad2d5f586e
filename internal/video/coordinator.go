package video

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/antoniostano/deckard/internal/logging"
	"github.com/antoniostano/deckard/internal/observability"
	"github.com/antoniostano/deckard/internal/persona"
)

const (
	defaultMaxConcurrent = 8
	defaultJobTimeout    = 2 * time.Minute
	jobTimeoutSlack      = 15 * time.Second
)

type CoordinatorConfig struct {
	MaxConcurrent int
	// MaxWait is the generator's own polling deadline; jobs get a little more than this.
	MaxWait time.Duration
}

// DeliverFunc routes an outcome back to its session. It reports whether anyone received it.
type DeliverFunc func(Outcome) bool

type Coordinator struct {
	gen     Generator
	catalog *persona.Catalog
	sem     *semaphore.Weighted
	deliver DeliverFunc
	metrics *observability.Metrics
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewCoordinator(gen Generator, catalog *persona.Catalog, cfg CoordinatorConfig, metrics *observability.Metrics, deliver DeliverFunc) *Coordinator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	timeout := defaultJobTimeout
	if cfg.MaxWait > 0 {
		timeout = cfg.MaxWait + jobTimeoutSlack
	}
	if deliver == nil {
		deliver = func(Outcome) bool { return false }
	}
	return &Coordinator{
		gen:     gen,
		catalog: catalog,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		deliver: deliver,
		metrics: metrics,
		timeout: timeout,
	}
}

// ChooseStrategy picks text-driven generation when the persona has a source image URL and the
// turn produced text; otherwise it falls back to audio when there is audio to send.
func (c *Coordinator) ChooseStrategy(id persona.ID, text string, hasAudio bool) Strategy {
	if c.catalog.HasTextSource(id) && text != "" {
		return StrategyText
	}
	if hasAudio {
		return StrategyAudio
	}
	return StrategyNone
}

// GenerateFromAudio never returns an error; failures are folded into the Result.
func (c *Coordinator) GenerateFromAudio(ctx context.Context, pcm []byte, sampleRate int, id persona.ID) (res Result) {
	defer recoverInto(&res, "generate from audio")
	if len(pcm) == 0 {
		return Result{Status: StatusError, Error: "no audio to animate"}
	}
	img, err := c.catalog.LoadImage(id)
	if err != nil {
		return Result{Status: StatusError, Error: err.Error()}
	}
	out, err := c.gen.GenerateTalkFromPCM(ctx, pcm, sampleRate, img)
	if err != nil {
		return errorResult(err)
	}
	return out
}

// GenerateFromText never returns an error; failures are folded into the Result.
func (c *Coordinator) GenerateFromText(ctx context.Context, id persona.ID, text string) (res Result) {
	defer recoverInto(&res, "generate from text")
	src := c.catalog.SourceURL(id)
	if src == "" {
		return Result{Status: StatusError, Error: fmt.Sprintf("persona %s has no text source", id)}
	}
	out, err := c.gen.GenerateTalkFromText(ctx, src, text, c.catalog.VoiceFor(id))
	if err != nil {
		return errorResult(err)
	}
	return out
}

// Submit runs job in the background and delivers exactly one Outcome for it.
func (c *Coordinator) Submit(ctx context.Context, job Job) {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		outcome := c.run(ctx, job)
		if !c.deliver(outcome) {
			logging.Info("video outcome dropped, session gone",
				"session_id", job.SessionID, "response_id", job.ResponseID, "status", outcome.Result.Status)
		}
	}()
}

func (c *Coordinator) run(ctx context.Context, job Job) (outcome Outcome) {
	outcome.Job = job
	defer func() {
		if r := recover(); r != nil {
			logging.Error("video job panicked", "session_id", job.SessionID, "response_id", job.ResponseID, "panic", fmt.Sprint(r))
			outcome.Result = Result{Status: StatusError, Error: fmt.Sprintf("video job failed: %v", r)}
		}
		outcome.Duration = time.Since(job.EnqueuedAt)
	}()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		outcome.Result = errorResult(err)
		return outcome
	}
	defer c.sem.Release(1)

	if c.metrics != nil {
		c.metrics.VideoJobsInFlight.Inc()
		defer c.metrics.VideoJobsInFlight.Dec()
	}

	jobCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	log := logging.With("session_id", job.SessionID, "response_id", job.ResponseID, "strategy", string(job.Strategy))
	log.Info("video job started")
	started := time.Now()
	switch job.Strategy {
	case StrategyText:
		outcome.Result = c.GenerateFromText(jobCtx, job.Persona, job.Text)
	case StrategyAudio:
		outcome.Result = c.GenerateFromAudio(jobCtx, job.PCM, job.SampleRate, job.Persona)
	default:
		outcome.Result = Result{Status: StatusError, Error: "no video strategy for turn"}
	}
	c.metrics.ObserveVideoLatency(string(job.Strategy), time.Since(started))
	log.Info("video job finished", "status", outcome.Result.Status, "succeeded", outcome.Result.Succeeded(), "elapsed", time.Since(started))
	return outcome
}

// Wait blocks until every submitted job has delivered.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func errorResult(err error) Result {
	if errors.Is(err, context.DeadlineExceeded) {
		return Result{Status: StatusTimeout, Error: ErrorTimeout}
	}
	if errors.Is(err, context.Canceled) {
		return Result{Status: StatusError, Error: "cancelled"}
	}
	return Result{Status: StatusError, Error: err.Error()}
}

func recoverInto(res *Result, op string) {
	if r := recover(); r != nil {
		logging.Error("video: recovered panic", "op", op, "panic", fmt.Sprint(r))
		*res = Result{Status: StatusError, Error: fmt.Sprintf("%s: %v", op, r)}
	}
}

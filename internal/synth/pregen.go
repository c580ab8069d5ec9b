package synth

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxwire/voxwire/internal/model"
	"github.com/voxwire/voxwire/internal/observe"
)

// jobStore is the durable queue surface the pool consumes.
type jobStore interface {
	Claim(ctx context.Context) (*model.PregenJob, error)
	Checkpoint(ctx context.Context, id string, done int) error
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id, lastError string) error
	Requeue(ctx context.Context) (int, error)
}

// agentReader loads the agent a job synthesises for.
type agentReader interface {
	GetByID(ctx context.Context, tenantID, id string) (*model.VoiceAgent, error)
}

// PoolConfig holds tuning knobs for a [Pool].
type PoolConfig struct {
	// Workers is the number of concurrent job consumers. Default: 2.
	Workers int

	// PollInterval is how long an idle worker sleeps between queue polls.
	// Default: 5s.
	PollInterval time.Duration

	// Logger receives job lifecycle events.
	Logger *slog.Logger

	// Metrics, when non-nil, tracks queue depth.
	Metrics *observe.Metrics
}

// Pool consumes pregeneration jobs from the durable queue and warms the
// synthesis cache. Each job names an agent and a list of canonical response
// texts; progress is checkpointed per text so an interrupted job resumes
// without duplicating provider calls.
type Pool struct {
	jobs   jobStore
	agents agentReader
	synth  *Synthesizer

	workers int
	poll    time.Duration
	log     *slog.Logger
	metrics *observe.Metrics
}

// NewPool creates a [Pool]. Zero-value config fields are replaced with
// defaults.
func NewPool(jobs jobStore, agents agentReader, synth *Synthesizer, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pool{
		jobs:    jobs,
		agents:  agents,
		synth:   synth,
		workers: cfg.Workers,
		poll:    cfg.PollInterval,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Run requeues jobs orphaned by a previous crash, then consumes the queue
// with the configured worker count until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	if n, err := p.jobs.Requeue(ctx); err != nil {
		p.log.Warn("pregen requeue failed", "error", err)
	} else if n > 0 {
		p.log.Info("requeued interrupted pregen jobs", "count", n)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error { return p.worker(ctx) })
	}
	return g.Wait()
}

// worker claims and processes jobs until ctx is cancelled. Queue and job
// errors are logged, never fatal to the worker.
func (p *Pool) worker(ctx context.Context) error {
	for {
		job, err := p.jobs.Claim(ctx)
		if err != nil {
			p.log.Warn("pregen claim failed", "error", err)
		}
		if job == nil {
			select {
			case <-time.After(p.poll):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := p.process(ctx, job); err != nil {
			if ctx.Err() != nil {
				// Shutdown mid-job: leave it running; Requeue picks it up on
				// the next start.
				return ctx.Err()
			}
			p.log.Error("pregen job failed", "job", job.ID, "error", err)
			if ferr := p.jobs.Fail(ctx, job.ID, err.Error()); ferr != nil {
				p.log.Warn("pregen fail-mark failed", "job", job.ID, "error", ferr)
			}
			continue
		}

		if err := p.jobs.Complete(ctx, job.ID); err != nil {
			p.log.Warn("pregen complete-mark failed", "job", job.ID, "error", err)
		}
		p.log.Info("pregen job completed", "job", job.ID, "texts", len(job.Texts))
		if p.metrics != nil {
			p.metrics.PregenQueueDepth.Add(ctx, -1)
		}
	}
}

// process synthesises each remaining text in the job, checkpointing after
// every completed item.
func (p *Pool) process(ctx context.Context, job *model.PregenJob) error {
	agent, err := p.agents.GetByID(ctx, job.TenantID, job.AgentID)
	if err != nil {
		return err
	}

	for i := job.Done; i < len(job.Texts); i++ {
		if _, err := p.synth.Synthesize(ctx, agent, job.Texts[i], job.Language); err != nil {
			return err
		}
		if err := p.jobs.Checkpoint(ctx, job.ID, i+1); err != nil {
			return err
		}
	}
	return nil
}
